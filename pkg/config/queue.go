package config

import (
	"fmt"
	"time"
)

// RabbitMQConfig selects and configures the broker-backed task queue.
// When UseRabbitMQ is false the in-process FIFO queue is used instead
// (single process running producer then consumer).
type RabbitMQConfig struct {
	UseRabbitMQ bool   `yaml:"use_rabbitmq"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Queue       string `yaml:"queue"`

	// ReconnectMaxElapsedSeconds bounds the exponential-backoff reconnect
	// window after a transport failure before the queue reports a hard error.
	ReconnectMaxElapsedSeconds int `yaml:"reconnect_max_elapsed_seconds"`
}

// ReconnectMaxElapsed returns the reconnect window as a duration.
func (c *RabbitMQConfig) ReconnectMaxElapsed() time.Duration {
	return time.Duration(c.ReconnectMaxElapsedSeconds) * time.Second
}

// URL renders the AMQP connection string.
func (c *RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Password, c.Host, c.Port)
}

// DefaultRabbitMQConfig returns the built-in queue defaults.
func DefaultRabbitMQConfig() *RabbitMQConfig {
	return &RabbitMQConfig{
		UseRabbitMQ:                false,
		Host:                       "localhost",
		Port:                       5672,
		User:                       "guest",
		Password:                   "guest",
		Queue:                      "drover_tasks",
		ReconnectMaxElapsedSeconds: 300,
	}
}

// DefaultContinuousConfig returns the built-in loop cadence defaults.
func DefaultContinuousConfig() *ContinuousConfig {
	return &ContinuousConfig{
		Producer: ProducerLoopConfig{
			IntervalMinutes: 5,
			DelayFirstRun:   false,
		},
		Consumer: ConsumerLoopConfig{
			QueueTimeoutSeconds: 30,
			MinIntervalSeconds:  0,
		},
	}
}
