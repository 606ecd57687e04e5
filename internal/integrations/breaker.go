package integrations

import (
	"sync"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// BreakerState is the state of one host's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls rejected until the cooldown ends
	BreakerHalfOpen                     // a limited number of trial calls
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures HostBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a host's circuit.
	FailureThreshold int
	Cooldown         time.Duration
	// HalfOpenMax is the number of trial calls let through after the cooldown.
	HalfOpenMax int
}

// DefaultBreakerConfig opens after five straight failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type hostCircuit struct {
	state     BreakerState
	failures  int
	lastFail  time.Time
	halfOpens int
}

// HostBreaker keeps one circuit per outbound host so a dead chat webhook
// or row service fails fast instead of holding worker slots until timeout.
type HostBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostCircuit
}

// NewHostBreaker creates a breaker with cfg; zero fields take defaults.
func NewHostBreaker(cfg BreakerConfig) *HostBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &HostBreaker{cfg: cfg, now: time.Now, hosts: make(map[string]*hostCircuit)}
}

func (b *HostBreaker) circuit(host string) *hostCircuit {
	c, ok := b.hosts[host]
	if !ok {
		c = &hostCircuit{}
		b.hosts[host] = c
	}
	return c
}

// Allow returns nil when a call to host may proceed, else a TRANSPORT_ERROR.
func (b *HostBreaker) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(host)

	switch c.state {
	case BreakerOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(c.lastFail)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeTransport,
				"circuit open for %s after %d consecutive failures", host, c.failures).
				WithDetails(map[string]any{
					"host":               host,
					"state":              c.state.String(),
					"cooldown_remaining": remaining.String(),
				})
		}
		c.state = BreakerHalfOpen
		c.halfOpens = 1
	case BreakerHalfOpen:
		if c.halfOpens >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeTransport, "circuit half-open for %s, trial call in flight", host)
		}
		c.halfOpens++
	}
	return nil
}

// Success closes host's circuit.
func (b *HostBreaker) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(host)
	c.state = BreakerClosed
	c.failures = 0
	c.halfOpens = 0
}

// Failure counts a failed call and returns the resulting state.
func (b *HostBreaker) Failure(host string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(host)
	c.failures++
	c.lastFail = b.now()
	if c.state == BreakerHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state = BreakerOpen
	}
	return c.state
}

// State reports host's current state.
func (b *HostBreaker) State(host string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuit(host).state
}
