// Package safety enforces the engine's runaway guards: the conversation turn
// ceiling, per-agent retry ceilings, and per-agent circuit breakers.
package safety

// Default ceilings applied when configuration leaves them unset.
const (
	DefaultMaxTurns   = 50
	DefaultMaxRetries = 3
)

// Limits bounds conversation length and per-agent retry budgets.
type Limits struct {
	MaxTurns   int `json:"max_turns"`
	MaxRetries int `json:"max_retries"`
}

// DefaultLimits returns the stock ceilings.
func DefaultLimits() Limits {
	return Limits{MaxTurns: DefaultMaxTurns, MaxRetries: DefaultMaxRetries}
}

// Normalize fills non-positive fields with defaults.
func (l Limits) Normalize() Limits {
	if l.MaxTurns <= 0 {
		l.MaxTurns = DefaultMaxTurns
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = DefaultMaxRetries
	}
	return l
}

// TurnsExhausted reports whether the turn ceiling has been reached.
func (l Limits) TurnsExhausted(turnCount int) bool {
	return turnCount >= l.MaxTurns
}

// RetriesExhausted reports whether an agent has used up its retry budget.
func (l Limits) RetriesExhausted(attempts int) bool {
	return attempts >= l.MaxRetries
}
