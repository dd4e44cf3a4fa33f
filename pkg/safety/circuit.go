package safety

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the lifecycle position of one agent's circuit breaker.
type BreakerState string

// Breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// ErrBreakerOpen is returned when an agent's breaker rejects execution.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig configures per-agent circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int

	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration

	// OnStateChange is invoked after a transition, outside the breaker lock.
	OnStateChange func(agent string, from, to BreakerState)
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker tracks consecutive failures for one agent. After the threshold it
// opens for a cooldown window; once the window elapses a probe is admitted
// in half-open state, and the probe's outcome decides between closing and
// re-opening.
type Breaker struct {
	agent  string
	config BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	lastFailure     time.Time
	lastStateChange time.Time
}

// NewBreaker creates a closed breaker for one agent.
func NewBreaker(agent string, config BreakerConfig) *Breaker {
	return &Breaker{
		agent:           agent,
		config:          config.normalize(),
		state:           BreakerClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether the agent may run now. An open breaker whose
// cooldown has elapsed moves to half-open and admits the call as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastStateChange) >= b.config.Cooldown {
			b.transitionTo(BreakerHalfOpen)
			return nil
		}
		return ErrBreakerOpen
	default:
		return nil
	}
}

// RecordSuccess notes a successful agent run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(BreakerClosed)
		}
	}
}

// RecordFailure notes a failed agent run. A half-open failure re-opens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.lastFailure = time.Now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transitionTo(BreakerOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	b.lastStateChange = time.Now()
}

// Stats returns a point-in-time view of the breaker.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStats{
		Agent:           b.agent,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(next BreakerState) {
	prev := b.state
	b.state = next
	b.lastStateChange = time.Now()
	b.failures = 0
	b.successes = 0

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.agent, prev, next)
	}
}

// BreakerStats is a snapshot of one breaker for metrics and health output.
type BreakerStats struct {
	Agent           string       `json:"agent"`
	State           BreakerState `json:"state"`
	Failures        int          `json:"failures"`
	Successes       int          `json:"successes"`
	LastFailure     time.Time    `json:"last_failure"`
	LastStateChange time.Time    `json:"last_state_change"`
}

// Registry lazily creates one breaker per agent name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults BreakerConfig
}

// NewRegistry creates a breaker registry with shared default config.
func NewRegistry(defaults BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.normalize(),
	}
}

// Get returns the agent's breaker, creating it on first use.
func (r *Registry) Get(agent string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[agent]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if b, ok := r.breakers[agent]; ok {
		return b
	}
	b = NewBreaker(agent, r.defaults)
	r.breakers[agent] = b
	return b
}

// Stats returns snapshots for every breaker created so far.
func (r *Registry) Stats() []BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// OpenAgents returns the names of agents whose breaker is currently open.
func (r *Registry) OpenAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for agent, b := range r.breakers {
		if b.State() == BreakerOpen {
			open = append(open, agent)
		}
	}
	return open
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
