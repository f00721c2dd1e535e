package session

import "errors"

var (
	// ErrNotFound is returned when no session matches a code, or a kick
	// target is not attached to the room.
	ErrNotFound = errors.New("session not found")

	// ErrEnded is returned when joining a session that has already ended.
	ErrEnded = errors.New("session ended")

	// ErrFull is returned when the session is at its member cap.
	ErrFull = errors.New("session full")

	// ErrCodeExhausted is returned when the registry cannot mint a unique
	// code within the configured number of attempts. Astronomically rare,
	// surfaced as a server-side failure rather than assumed impossible.
	ErrCodeExhausted = errors.New("session code generation exhausted")

	// ErrInvalidName is returned for a display name outside the allowed
	// length or character set.
	ErrInvalidName = errors.New("invalid display name")

	// ErrEmptyMessage is returned for a blank chat message.
	ErrEmptyMessage = errors.New("empty message")

	// ErrMessageTooLong is returned when a chat message exceeds the bound.
	ErrMessageTooLong = errors.New("message too long")

	// ErrNotHost is returned when a non-host invokes a host-only action.
	ErrNotHost = errors.New("host privileges required")

	// ErrInvalidTarget is returned when the host tries to kick themselves.
	ErrInvalidTarget = errors.New("invalid kick target")
)
