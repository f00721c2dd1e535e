package session

import "time"

// Defaults for session bounds. All of them are overridable via app config.
const (
	DefaultMaxMembers      = 50
	DefaultMaxMessageChars = 500
	DefaultMaxNameChars    = 30

	DefaultEmptyGrace    = 5 * time.Minute
	DefaultMaxAge        = 24 * time.Hour
	DefaultEndDelay      = 3 * time.Second
	DefaultSweepInterval = 1 * time.Minute

	DefaultCodeAttempts = 10
)

// Limits bundles the per-registry tunables.
type Limits struct {
	// MaxMembers caps concurrent members per session.
	MaxMembers int

	// MaxMessageChars caps chat message length (runes).
	MaxMessageChars int

	// MaxNameChars caps display name length (runes).
	MaxNameChars int

	// EmptyGrace is how long an emptied session is retained for reconnects.
	EmptyGrace time.Duration

	// MaxAge is the hard session lifetime enforced by the sweeper.
	MaxAge time.Duration

	// EndDelay is the pause between a session-ended broadcast and the
	// forced disconnect of the remaining room.
	EndDelay time.Duration

	// CodeAttempts bounds unique-code generation retries.
	CodeAttempts int
}

// DefaultLimits returns the default bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxMembers:      DefaultMaxMembers,
		MaxMessageChars: DefaultMaxMessageChars,
		MaxNameChars:    DefaultMaxNameChars,
		EmptyGrace:      DefaultEmptyGrace,
		MaxAge:          DefaultMaxAge,
		EndDelay:        DefaultEndDelay,
		CodeAttempts:    DefaultCodeAttempts,
	}
}

// withDefaults fills invalid fields with safe defaults.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxMembers <= 0 {
		l.MaxMembers = d.MaxMembers
	}
	if l.MaxMessageChars <= 0 {
		l.MaxMessageChars = d.MaxMessageChars
	}
	if l.MaxNameChars <= 0 {
		l.MaxNameChars = d.MaxNameChars
	}
	if l.EmptyGrace <= 0 {
		l.EmptyGrace = d.EmptyGrace
	}
	if l.MaxAge <= 0 {
		l.MaxAge = d.MaxAge
	}
	if l.EndDelay <= 0 {
		l.EndDelay = d.EndDelay
	}
	if l.CodeAttempts <= 0 {
		l.CodeAttempts = d.CodeAttempts
	}
	return l
}
