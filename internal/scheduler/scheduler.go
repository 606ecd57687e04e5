package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowrun/internal/queue"
	"github.com/rendis/flowrun/pkg/schema"
)

// DefaultTickInterval is how often registrations are checked.
const DefaultTickInterval = 15 * time.Second

// Scheduler polls the queue's recurring registrations and enqueues the task
// of every one that is due. Run it in a single process per queue.
type Scheduler struct {
	queue    queue.Queue
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // slot keys currently firing (dedup)
}

// NewScheduler creates a Scheduler. A non-positive interval selects
// DefaultTickInterval.
func NewScheduler(q queue.Queue, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:    q,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Registrations missed while nothing was running fire once right away.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due registration once and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	regs, err := s.queue.Repeatables(ctx)
	if err != nil {
		s.logger.Error("failed to list registrations", slog.String("error", err.Error()))
		return 0
	}

	now := s.now().UTC()
	fired := 0
	for _, reg := range regs {
		if !reg.NextRunAt.IsZero() && reg.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(reg.SlotKey) {
			continue
		}
		if err := s.fire(ctx, reg, now); err != nil {
			s.logger.Error("failed to fire registration",
				slog.String("slot", reg.SlotKey),
				slog.String("error", err.Error()),
			)
		} else {
			fired++
		}
		s.release(reg.SlotKey)
	}
	return fired
}

// fire enqueues the registration's task and moves NextRunAt past now. The
// trigger id is derived from the slot and the scheduled time, so a firing
// that is enqueued twice runs once.
func (s *Scheduler) fire(ctx context.Context, reg schema.Registration, now time.Time) error {
	next, err := CalculateNextRun(reg.Pattern, now)
	if err != nil {
		return err
	}

	due := reg.NextRunAt
	if due.IsZero() {
		due = now
	}
	task := reg.Task
	task.TriggerID = fmt.Sprintf("%s@%s", reg.SlotKey, due.UTC().Format(time.RFC3339))

	jobID, err := s.queue.Enqueue(ctx, task)
	if err != nil {
		return err
	}
	s.logger.Info("scheduled run enqueued",
		slog.String("slot", reg.SlotKey),
		slog.String("workflow_id", task.WorkflowID),
		slog.String("job_id", jobID),
		slog.Time("next_run_at", next),
	)
	return s.queue.AdvanceRepeatable(ctx, reg.SlotKey, next)
}

func (s *Scheduler) tryAcquire(slot string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[slot]; ok {
		return false
	}
	s.inflight[slot] = struct{}{}
	return true
}

func (s *Scheduler) release(slot string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, slot)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
