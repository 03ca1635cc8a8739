package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
)

const triggeredBySchedule = "scheduler"

// Scheduler keeps one cron entry per enabled schedule trigger of every active
// workflow. Sync reconciles the entries with the stored workflows.
type Scheduler struct {
	listener *Listener
	logger   *slog.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func newScheduler(l *Listener) *Scheduler {
	logger := l.logger.With("component", "scheduler")
	cl := cronLogger{logger}

	return &Scheduler{
		listener: l,
		logger:   logger,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cl),
			cron.Recover(cl),
		)),
		entries: make(map[string]cron.EntryID),
	}
}

// ValidateSpec reports whether spec is a cron expression the scheduler accepts.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	return nil
}

func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler")
	s.cron.Start()
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("stopping scheduler")

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of registered schedule entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Sync registers new schedule triggers and drops those whose workflow is no
// longer active, whose trigger was disabled or whose expression changed.
func (s *Scheduler) Sync(ctx context.Context) error {
	workflows, err := s.listener.workflows.ListWorkflows(ctx, persistence.WorkflowFilter{Status: models.WorkflowStatusActive})
	if err != nil {
		return fmt.Errorf("failed to list active workflows: %w", err)
	}

	wanted := make(map[string]scheduled)

	for _, wf := range workflows {
		for _, t := range wf.Triggers {
			if !t.Enabled || t.Type != models.TriggerTypeSchedule {
				continue
			}

			spec, _ := t.Configuration["cron"].(string)
			if spec == "" {
				s.logger.WarnContext(ctx, "schedule trigger without cron expression", "workflow_id", wf.ID, "trigger_id", t.ID)

				continue
			}

			payload, _ := t.Configuration["payload"].(map[string]any)
			wanted[wf.ID+"/"+t.ID+"/"+spec] = scheduled{workflowID: wf.ID, triggerID: t.ID, spec: spec, payload: payload}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, id := range s.entries {
		if _, ok := wanted[key]; !ok {
			s.cron.Remove(id)
			delete(s.entries, key)
			s.logger.InfoContext(ctx, "removed schedule", "key", key)
		}
	}

	for key, job := range wanted {
		if _, ok := s.entries[key]; ok {
			continue
		}

		id, err := s.cron.AddJob(job.spec, s.job(job))
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to add schedule",
				"workflow_id", job.workflowID,
				"trigger_id", job.triggerID,
				"cron", job.spec,
				"error", err,
			)

			continue
		}

		s.entries[key] = id
		s.logger.InfoContext(ctx, "added schedule", "workflow_id", job.workflowID, "trigger_id", job.triggerID, "cron", job.spec)
	}

	return nil
}

type scheduled struct {
	workflowID string
	triggerID  string
	spec       string
	payload    map[string]any
}

func (s *Scheduler) job(job scheduled) cron.Job {
	return cron.FuncJob(func() {
		payload := models.CopyMap(job.payload)
		if payload == nil {
			payload = map[string]any{}
		}

		payload["scheduled_at"] = time.Now().UTC().Format(time.RFC3339)

		_, err := s.listener.Fire(context.Background(), job.workflowID, job.triggerID, triggeredBySchedule, payload)
		if err != nil {
			s.logger.Error("scheduled run not started", "workflow_id", job.workflowID, "trigger_id", job.triggerID, "error", err)
		}
	})
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
