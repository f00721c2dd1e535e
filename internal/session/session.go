// Package session owns the in-memory room state: the code registry, the
// per-session state machine, and the cleanup scheduler.
//
// Concurrency model: every mutation of one Session (membership, message
// append, status transition, timer arm/cancel) happens under that session's
// mutex, so events are linearized per room. Broadcasts are enqueued inside
// the same critical section, which gives every member one consistent total
// order. Different sessions never share a lock. The registry map has its own
// lock and is never held while a session lock is taken.
package session

import (
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"huddle/internal/protocol"
)

// maxHistory bounds the in-memory chat log per session.
const maxHistory = 10_000

// Conn is the delivery side of one attached connection.
//
// TrySend must never block (drop under backpressure). Shutdown forces the
// transport closed and is idempotent.
type Conn interface {
	TrySend(env protocol.Envelope) bool
	Shutdown(reason string)
}

// Status is the session lifecycle state. It only moves forward:
// Active -> HostLeft -> Ended, or Active -> Ended directly.
type Status string

const (
	StatusActive   Status = "active"
	StatusHostLeft Status = "host-left"
	StatusEnded    Status = "ended"
)

// Member is one participant attached to a session.
type Member struct {
	UserID   string
	Username string
	IsHost   bool
	JoinedAt time.Time

	conn Conn
}

// Message is one immutable chat log entry.
type Message struct {
	ID        string
	UserID    string
	Username  string
	Text      string
	Timestamp time.Time
}

// Session is one ephemeral chat room.
type Session struct {
	Code      string
	HostID    string
	HostName  string
	CreatedAt time.Time

	log    *slog.Logger
	limits Limits

	mu       sync.Mutex
	status   Status
	members  []*Member
	byUser   map[string]*Member
	messages []Message

	// cleanup is the single scheduled-work handle owned by the session:
	// the empty-grace timer while the room is alive, the delayed teardown
	// timer once it has ended. Cancelled by attach and by registry delete.
	cleanup *time.Timer

	// deleted is set exactly once, by the registry, under mu.
	deleted bool
}

func newSession(log *slog.Logger, code, hostID, hostName string, limits Limits, now time.Time) *Session {
	return &Session{
		Code:      code,
		HostID:    hostID,
		HostName:  hostName,
		CreatedAt: now,
		log:       log,
		limits:    limits,
		status:    StatusActive,
		byUser:    make(map[string]*Member),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// MemberCount returns the number of attached members.
func (s *Session) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Members returns a snapshot of the membership in join order.
func (s *Session) Members() []protocol.MemberInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberInfosLocked()
}

// AttachResult reports what Attach did.
type AttachResult struct {
	// Joined is true for a genuine join; false for a reconnect that only
	// replaced the connection ref.
	Joined bool
}

// Attach adds or reconnects a member and delivers the full room snapshot to
// the connecting party. On a genuine join the rest of the room is notified;
// a reconnect is silent to observers. A pending grace timer is cancelled
// because the room is no longer empty.
func (s *Session) Attach(userID, username string, isHost bool, conn Conn, now time.Time) AttachResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusEnded {
		s.cancelCleanupLocked()
	}

	joined := false
	if m, ok := s.byUser[userID]; ok {
		m.conn = conn
	} else {
		m := &Member{
			UserID:   userID,
			Username: username,
			IsHost:   isHost,
			JoinedAt: now,
			conn:     conn,
		}
		s.members = append(s.members, m)
		s.byUser[userID] = m
		joined = true

		env, _ := protocol.NewEnvelope(protocol.TypeMemberJoined, protocol.MemberEventPayload{
			UserID:    userID,
			Username:  username,
			IsHost:    isHost,
			Timestamp: now,
		}, now)
		s.broadcastLocked(env, conn)
	}

	state, _ := protocol.NewEnvelope(protocol.TypeSessionState, protocol.SessionStatePayload{
		Members:  s.memberInfosLocked(),
		Messages: s.messageInfosLocked(),
		Status:   string(s.status),
		HostName: s.HostName,
	}, now)
	conn.TrySend(state)

	s.log.Info("session.attach", "code", s.Code, "user_id", userID, "joined", joined, "members", len(s.members))
	return AttachResult{Joined: joined}
}

// DetachResult reports what Detach did.
type DetachResult struct {
	Removed   bool
	WasHost   bool
	HostLeft  bool // status moved to HostLeft as part of this detach
	Remaining int
}

// Detach removes the member whose connection ref matches conn. A stale
// disconnect (the member already reconnected with a fresh connection) is a
// no-op. The remaining room is notified; a departing host moves the session
// to HostLeft unless it already ended.
func (s *Session) Detach(conn Conn, now time.Time) DetachResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gone *Member
	for i, m := range s.members {
		if m.conn == conn {
			gone = m
			s.members = append(s.members[:i], s.members[i+1:]...)
			delete(s.byUser, m.UserID)
			break
		}
	}
	if gone == nil {
		return DetachResult{Remaining: len(s.members)}
	}

	env, _ := protocol.NewEnvelope(protocol.TypeMemberLeft, protocol.MemberEventPayload{
		UserID:    gone.UserID,
		Username:  gone.Username,
		IsHost:    gone.IsHost,
		Timestamp: now,
	}, now)
	s.broadcastLocked(env, nil)

	hostLeft := false
	if gone.IsHost && s.status == StatusActive {
		s.status = StatusHostLeft
		hostLeft = true
		s.broadcastNoticeLocked(protocol.TypeHostLeft, "Host has left the session", now)
	}

	s.log.Info("session.detach", "code", s.Code, "user_id", gone.UserID, "was_host", gone.IsHost, "members", len(s.members))
	return DetachResult{
		Removed:   true,
		WasHost:   gone.IsHost,
		HostLeft:  hostLeft,
		Remaining: len(s.members),
	}
}

// AppendMessage validates, appends, and broadcasts one chat message to the
// whole room, sender included. Append and fan-out share one critical section
// so all members observe the same total order.
func (s *Session) AppendMessage(userID, username, text string, now time.Time) (Message, error) {
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if len([]rune(text)) > s.limits.MaxMessageChars {
		return Message{}, ErrMessageTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		UserID:    userID,
		Username:  username,
		Text:      text,
		Timestamp: now,
	}
	s.messages = append(s.messages, msg)
	if len(s.messages) > maxHistory {
		s.messages = s.messages[len(s.messages)-maxHistory:]
	}

	env, _ := protocol.NewEnvelope(protocol.TypeChatMessage, protocol.MessageInfo{
		MessageID: msg.ID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Message:   msg.Text,
		Timestamp: msg.Timestamp,
	}, now)
	s.broadcastLocked(env, nil)

	metricMessages.Inc()
	return msg, nil
}

// Typing relays a typing signal to everyone but the sender. Not persisted.
func (s *Session) Typing(eventType, userID, username string, sender Conn, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, _ := protocol.NewEnvelope(eventType, protocol.TypingPayload{
		UserID:   userID,
		Username: username,
	}, now)
	s.broadcastLocked(env, sender)
}

// HostLeave moves the session to HostLeft and notifies the room. Idempotent:
// re-entering HostLeft, or calling it on an ended session, is a no-op.
func (s *Session) HostLeave(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return false
	}
	s.status = StatusHostLeft
	s.broadcastNoticeLocked(protocol.TypeHostLeft, "Host has left the session", now)
	return true
}

// End moves the session to Ended and notifies the room. Idempotent.
func (s *Session) End(message string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusEnded {
		return false
	}
	s.status = StatusEnded
	s.cancelCleanupLocked()
	s.broadcastNoticeLocked(protocol.TypeSessionEnded, message, now)
	return true
}

// Kick notifies the target and forces its connection closed. The resulting
// transport disconnect runs the normal detach path on the target's handler.
func (s *Session) Kick(targetUserID string, now time.Time) error {
	s.mu.Lock()
	target, ok := s.byUser[targetUserID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if target.IsHost {
		s.mu.Unlock()
		return ErrInvalidTarget
	}

	env, _ := protocol.NewEnvelope(protocol.TypeKicked, protocol.KickedPayload{
		Message: "You have been removed from the session",
	}, now)
	conn := target.conn
	conn.TrySend(env)
	s.mu.Unlock()

	conn.Shutdown("kicked")
	return nil
}

// ShutdownAll forces every attached connection closed.
func (s *Session) ShutdownAll(reason string) {
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.members))
	for _, m := range s.members {
		conns = append(conns, m.conn)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Shutdown(reason)
	}
}

// Expire ends the session with an expiry notice and forces the room closed.
// Used by the max-age sweeper; deletion from the registry is the caller's.
func (s *Session) Expire(now time.Time) {
	s.End("Session expired", now)
	s.ShutdownAll("session expired")
}

// admit checks whether a new participant may join right now.
func (s *Session) admit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusEnded {
		return ErrEnded
	}
	if len(s.members) >= s.limits.MaxMembers {
		return ErrFull
	}
	return nil
}

// ---- locked helpers ----

func (s *Session) broadcastLocked(env protocol.Envelope, except Conn) {
	for _, m := range s.members {
		if m.conn == nil || m.conn == except {
			continue
		}
		// Drop rather than block the whole room.
		m.conn.TrySend(env)
	}
}

func (s *Session) broadcastNoticeLocked(eventType, message string, now time.Time) {
	env, _ := protocol.NewEnvelope(eventType, protocol.NoticePayload{
		Message:   message,
		Timestamp: now,
	}, now)
	s.broadcastLocked(env, nil)
}

func (s *Session) cancelCleanupLocked() {
	if s.cleanup != nil {
		s.cleanup.Stop()
		s.cleanup = nil
	}
}

func (s *Session) memberInfosLocked() []protocol.MemberInfo {
	out := make([]protocol.MemberInfo, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, protocol.MemberInfo{
			UserID:   m.UserID,
			Username: m.Username,
			IsHost:   m.IsHost,
			JoinedAt: m.JoinedAt,
		})
	}
	return out
}

func (s *Session) messageInfosLocked() []protocol.MessageInfo {
	out := make([]protocol.MessageInfo, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, protocol.MessageInfo{
			MessageID: m.ID,
			UserID:    m.UserID,
			Username:  m.Username,
			Message:   m.Text,
			Timestamp: m.Timestamp,
		})
	}
	return out
}
