package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// AbandonedMessage is logged on executions closed by the sweeper.
const AbandonedMessage = "Execution abandoned: still running after the stale threshold."

// Sweeper closes executions left running by a crashed worker.
type Sweeper struct {
	store     store.Store
	olderThan time.Duration
	interval  time.Duration
	metrics   *Metrics
	logger    *slog.Logger
	live      *LiveExecutions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// SkipLive leaves the executions in l alone however old they are.
func SkipLive(l *LiveExecutions) SweeperOption {
	return func(s *Sweeper) { s.live = l }
}

// NewSweeper creates a sweeper that marks executions silent for longer than
// olderThan as error, checking every interval. An execution is silent when
// neither its start nor its last heartbeat falls inside the window.
func NewSweeper(st store.Store, olderThan, interval time.Duration, metrics *Metrics, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{store: st, olderThan: olderThan, interval: interval, metrics: metrics, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SweepStale runs one pass and returns how many executions were closed.
func (s *Sweeper) SweepStale(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	entry := schema.LogEntry{
		Timestamp: now,
		Level:     schema.LogLevelError,
		Message:   AbandonedMessage,
		Code:      schema.ErrCodeAbandoned,
	}
	var skip []string
	if s.live != nil {
		skip = s.live.IDs()
	}
	n, err := s.store.AbandonStaleExecutions(ctx, now.Add(-s.olderThan), entry, skip)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "sweep stale executions: %v", err).WithCause(err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "abandoned stale executions", slog.Int64("count", n))
		if s.metrics != nil {
			s.metrics.Abandoned.Add(float64(n))
		}
	}
	return n, nil
}

// Start begins sweeping in the background.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop halts the background loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStale(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
