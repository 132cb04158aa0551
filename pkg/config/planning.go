package config

// PlanningConfig controls the plan→execute→reflect→revise coordinator.
type PlanningConfig struct {
	// Enabled selects the Planning strategy over plain Context-Storage.
	Enabled bool `yaml:"enabled"`

	// Strategy names the decomposition prompt variant.
	Strategy string `yaml:"strategy"`

	// MaxSubtasks caps plan width.
	MaxSubtasks int `yaml:"max_subtasks"`

	// DecompositionLevel hints plan granularity to the planning prompt.
	DecompositionLevel string `yaml:"decomposition_level"`

	Reflection ReflectionConfig `yaml:"reflection"`
	Revision   RevisionConfig   `yaml:"revision"`
}

// ReflectionConfig controls when the coordinator pauses execution to evaluate.
type ReflectionConfig struct {
	Enabled bool `yaml:"enabled"`

	// TriggerOnError forces a reflection after any failed action.
	TriggerOnError bool `yaml:"trigger_on_error"`

	// TriggerInterval forces a reflection every N actions.
	TriggerInterval int `yaml:"trigger_interval"`

	// Depth hints evaluation thoroughness to the reflection prompt.
	Depth string `yaml:"depth"`
}

// RevisionConfig bounds plan revisions.
type RevisionConfig struct {
	// MaxRevisions is the hard cap; exceeding it fails the task.
	MaxRevisions int `yaml:"max_revisions"`
}

// DefaultPlanningConfig returns the built-in planning defaults.
func DefaultPlanningConfig() *PlanningConfig {
	return &PlanningConfig{
		Enabled:            false,
		Strategy:           "sequential",
		MaxSubtasks:        10,
		DecompositionLevel: "medium",
		Reflection: ReflectionConfig{
			Enabled:         true,
			TriggerOnError:  true,
			TriggerInterval: 3,
			Depth:           "standard",
		},
		Revision: RevisionConfig{
			MaxRevisions: 3,
		},
	}
}
