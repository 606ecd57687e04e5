package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowrun/internal/queue"
	"github.com/rendis/flowrun/pkg/schema"
)

// Registrar keeps at most one recurring registration per workflow.
type Registrar struct {
	queue  queue.Queue
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistrar creates a Registrar writing to q.
func NewRegistrar(q queue.Queue, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{queue: q, logger: logger, now: time.Now}
}

// Reconcile replaces the registration at the workflow's slot. Any existing
// registration is removed; when pattern is non-empty a new one is added
// whose task carries only the workflow id.
func (r *Registrar) Reconcile(ctx context.Context, workflowID, pattern string) error {
	slot := schema.ScheduleSlot(workflowID)

	// Validate before touching the queue so a bad pattern keeps the old slot.
	var next time.Time
	if pattern != "" {
		var err error
		if next, err = CalculateNextRun(pattern, r.now().UTC()); err != nil {
			return err
		}
	}

	existing, err := r.queue.Repeatables(ctx)
	if err != nil {
		return err
	}
	for _, reg := range existing {
		if reg.SlotKey != slot {
			continue
		}
		if _, err := r.queue.RemoveRepeatable(ctx, slot); err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "removed schedule",
			slog.String("workflow_id", workflowID), slog.String("pattern", reg.Pattern))
		break
	}

	if pattern == "" {
		return nil
	}
	reg := schema.Registration{
		SlotKey:   slot,
		Pattern:   pattern,
		Task:      schema.Task{WorkflowID: workflowID},
		NextRunAt: next,
	}
	if err := r.queue.AddRepeatable(ctx, reg); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "registered schedule",
		slog.String("workflow_id", workflowID),
		slog.String("pattern", pattern),
		slog.Time("next_run_at", next),
	)
	return nil
}
