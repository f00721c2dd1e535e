// Package protocol defines the Huddle realtime wire contract.
//
// It is intentionally dependency-light so the event vocabulary stays
// authoritative for both the server and clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client -> server event types (wire-stable).
const (
	// TypeChatMessage submits a chat message to the room.
	TypeChatMessage = "chat-message"
	// TypeTypingStart / TypeTypingStop signal presence; never persisted.
	TypeTypingStart = "typing-start"
	TypeTypingStop  = "typing-stop"
	// TypeHostLeave is the host stepping down without ending the room (host only).
	TypeHostLeave = "host-leave"
	// TypeSessionEnd terminates the room for everyone (host only).
	TypeSessionEnd = "session-end"
	// TypeKick removes a member from the room (host only).
	TypeKick = "kick"
	// TypeMemberLeave is a voluntary disconnect.
	TypeMemberLeave = "member-leave"
)

// Server -> client event types (wire-stable).
const (
	// TypeSessionState is the full snapshot sent to a connecting party only.
	TypeSessionState = "session-state"
	TypeMemberJoined = "member-joined"
	TypeMemberLeft   = "member-left"
	TypeHostLeft     = "host-left"
	TypeSessionEnded = "session-ended"
	// TypeKicked is sent to the removal target just before forced disconnect.
	TypeKicked = "kicked"
	// TypeError is a generic error envelope addressed to one connection.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper for every event in either direction.
type Envelope struct {
	Type    string          `json:"type"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for a client-sent Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeChatMessage,
		TypeTypingStart,
		TypeTypingStop,
		TypeHostLeave,
		TypeSessionEnd,
		TypeKick,
		TypeMemberLeave:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Client payloads ----

// ChatMessagePayload carries the text of a submitted chat message.
type ChatMessagePayload struct {
	Text string `json:"text"`
}

// KickPayload names the member the host wants removed.
type KickPayload struct {
	TargetUserID string `json:"targetUserId"`
}

// ---- Server payloads ----

// MemberInfo is the membership view embedded in snapshots and join/leave events.
type MemberInfo struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	IsHost   bool      `json:"isHost"`
	JoinedAt time.Time `json:"joinedAt"`
}

// MessageInfo is one immutable chat log entry.
type MessageInfo struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatePayload is the full room snapshot for a connecting party.
type SessionStatePayload struct {
	Members  []MemberInfo  `json:"members"`
	Messages []MessageInfo `json:"messages"`
	Status   string        `json:"status"`
	HostName string        `json:"hostName"`
}

// MemberEventPayload announces a membership change to the rest of the room.
type MemberEventPayload struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	IsHost    bool      `json:"isHost"`
	Timestamp time.Time `json:"timestamp"`
}

// NoticePayload is a human-readable room-wide announcement (host-left,
// session-ended, expiry).
type NoticePayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingPayload relays a typing signal to the rest of the room.
type TypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// KickedPayload is addressed to the removal target only.
type KickedPayload struct {
	Message string `json:"message"`
}

// ErrorPayload is addressed to the acting connection only.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals a payload into a stamped Envelope.
// Marshal failures cannot happen for the payload types above; the error is
// surfaced anyway so callers in tests can assert on it.
func NewEnvelope(typ string, payload any, ts time.Time) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{Type: typ, TS: ts, Payload: raw}, nil
}
