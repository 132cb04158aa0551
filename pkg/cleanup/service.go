// Package cleanup enforces context-store retention:
//   - Removes archived context directories and their tasks.db rows past
//     cleanup_days
//   - Abandons paused contexts older than paused_task_expiry_days
//
// All operations are idempotent; the sweeper shares the base directory with
// producer and consumer and only touches terminal or expired state.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/forge"
	"github.com/forgeworks/drover/pkg/task"
)

// sweepInterval paces the background loop. Retention is day-granular, so
// hourly sweeps are more than enough.
const sweepInterval = time.Hour

// Service runs the retention sweeps, either once or on a background loop.
type Service struct {
	storage *config.ContextStorageConfig
	pause   *config.PauseResumeConfig
	store   *contextstore.Manager

	// forgeClient, when set, lets expiry surface on the work item itself.
	forgeClient forge.Client
	labels      *config.ForgeConfig

	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time // test seam
}

// NewService creates a retention service over an opened context store.
func NewService(storage *config.ContextStorageConfig, pause *config.PauseResumeConfig, store *contextstore.Manager) *Service {
	return &Service{
		storage: storage,
		pause:   pause,
		store:   store,
		now:     time.Now,
	}
}

// WithForge enables expiry notifications: an abandoned paused task gets a
// comment and its paused label cleared.
func (s *Service) WithForge(client forge.Client, labels *config.ForgeConfig) *Service {
	s.forgeClient = client
	s.labels = labels
	return s
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"cleanup_days", s.storage.CleanupDays,
		"paused_expiry_days", s.pause.PausedTaskExpiryDays,
		"interval", sweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll performs one full sweep.
func (s *Service) RunAll(ctx context.Context) {
	s.retireCompleted(ctx)
	s.expirePaused(ctx)
}

// retireCompleted removes archived context directories past cleanup_days and
// then deletes their tasks.db rows. Directory first: a crash between the two
// leaves a row without a directory, which the next sweep's row deletion
// clears, never the reverse.
func (s *Service) retireCompleted(ctx context.Context) {
	if s.storage.CleanupDays <= 0 {
		return
	}
	cutoff := s.now().UTC().AddDate(0, 0, -s.storage.CleanupDays)

	removed := 0
	for _, status := range []string{contextstore.StatusCompleted, contextstore.StatusFailed} {
		rows, err := s.store.DB().List(ctx, status, "")
		if err != nil {
			slog.Error("Retention: listing archived tasks failed", "status", status, "error", err)
			return
		}
		for _, row := range rows {
			if row.CompletedAt == nil || !row.CompletedAt.Before(cutoff) {
				continue
			}
			dir := filepath.Join(s.store.CompletedDir(), row.UUID)
			if err := os.RemoveAll(dir); err != nil {
				slog.Error("Retention: removing archived context failed", "dir", dir, "error", err)
				continue
			}
			removed++
		}
	}

	deleted, err := s.store.DB().DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: deleting retired rows failed", "error", err)
		return
	}
	if removed > 0 || deleted > 0 {
		slog.Info("Retention: retired archived tasks", "dirs", removed, "rows", deleted)
	}
}

// expirePaused abandons paused contexts older than paused_task_expiry_days:
// the row is marked failed and the directory deleted, so the producer stops
// re-enqueueing it.
func (s *Service) expirePaused(ctx context.Context) {
	if s.pause.PausedTaskExpiryDays <= 0 {
		return
	}
	cutoff := s.now().UTC().AddDate(0, 0, -s.pause.PausedTaskExpiryDays)

	states, err := s.store.ListPaused()
	if err != nil {
		slog.Error("Retention: listing paused tasks failed", "error", err)
		return
	}

	expired := 0
	for _, state := range states {
		if !state.PausedAt.Before(cutoff) {
			continue
		}
		if err := s.store.DB().SetStatus(ctx, state.UUID, contextstore.StatusFailed, "paused context expired"); err != nil {
			slog.Warn("Retention: marking expired paused task failed", "uuid", state.UUID, "error", err)
		}
		dir := filepath.Join(s.store.PausedDir(), state.UUID)
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("Retention: removing expired paused context failed", "dir", dir, "error", err)
			continue
		}
		expired++
		s.notifyExpiry(ctx, state)
		slog.Info("Retention: abandoned expired paused task", "uuid", state.UUID, "task", state.TaskKey)
	}
	if expired > 0 {
		slog.Info("Retention: expired paused tasks", "count", expired)
	}
}

// notifyExpiry posts the abandonment comment and clears the paused label.
// Best effort; forge trouble never blocks the sweep.
func (s *Service) notifyExpiry(ctx context.Context, state contextstore.TaskState) {
	if s.forgeClient == nil {
		return
	}
	key, err := task.ParseKey(state.TaskKey)
	if err != nil {
		slog.Warn("Retention: cannot notify forge, bad task key", "task_key", state.TaskKey, "error", err)
		return
	}
	if _, err := s.forgeClient.AddComment(ctx, key,
		"This task's paused context expired and was abandoned. Re-apply the trigger label to start over."); err != nil {
		slog.Warn("Retention: expiry comment failed", "task", key.String(), "error", err)
	}
	if err := s.forgeClient.RemoveLabel(ctx, key, s.labels.PausedLabel); err != nil {
		slog.Warn("Retention: clearing paused label failed", "task", key.String(), "error", err)
	}
}
