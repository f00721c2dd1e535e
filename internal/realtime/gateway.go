// Package realtime is the websocket entrypoint for Huddle rooms.
//
// Each accepted connection runs a short-lived actor bound to exactly one
// session: authenticate, attach, process session-scoped events, detach on
// disconnect. All session mutation goes through the session package, which
// linearizes it per room.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"huddle/internal/protocol"
	"huddle/internal/session"
	"huddle/internal/token"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	maxPingFailures = 3

	defaultHeartbeatEvery   = 25 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second

	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second

	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10
)

// Config tunes the gateway. Zero fields fall back to safe defaults.
type Config struct {
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// OriginPatterns are the host patterns accepted for cross-origin
	// upgrades (websocket.AcceptOptions semantics). Empty means same-host
	// only.
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = defaultHeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	return c
}

// Gateway upgrades HTTP requests to websocket connections and runs the
// per-connection event loop against the session registry.
type Gateway struct {
	log    *slog.Logger
	reg    *session.Registry
	tokens *token.Issuer
	cfg    Config
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, reg *session.Registry, tokens *token.Issuer, cfg Config) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{log: log, reg: reg, tokens: tokens, cfg: cfg.withDefaults()}
}

// ServeHTTP adapter so the gateway can be mounted as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades, attaches, and runs the realtime loop.
//
// Authentication fully completes before any session state is touched; an
// unverified identity is rejected with a plain HTTP error pre-upgrade.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := g.tokens.Verify(bearerToken(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	sess, ok := g.reg.Lookup(claims.SessionCode)
	if !ok {
		g.log.Info("ws.reject.session", "code", claims.SessionCode)
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	connID := NewConnectionID(time.Now().UTC())
	client := NewClient(connID, claims.UserID, claims.Username, claims.IsHost, g.cfg.SendQueueSize)

	metricConnectionsActive.Inc()
	defer metricConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// shutdown fires exactly once per connection, whether the disconnect is
	// voluntary (member-leave), transport-initiated, or forced (kick, end,
	// expiry). Membership removal happens before the client stops so no
	// event for a departed connection can be processed after its detach.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			res := sess.Detach(client, time.Now().UTC())
			if res.Removed && res.Remaining == 0 {
				g.reg.ArmGraceTimer(sess)
			}

			client.Shutdown(reason)
			_ = conn.Close(code, reason)
			cancel()

			g.log.Info("ws.disconnect",
				"code", sess.Code, "user_id", client.UserID, "conn_id", client.ID,
				"reason", reason, "remaining", res.Remaining)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Forced from outside the read loop (kick/teardown/expiry).
				// Flush queued envelopes first so the target still receives
				// its kicked/session-ended notice.
				g.flush(ctx, conn, client)
				shutdown(websocket.StatusNormalClosure, client.ShutdownReason())
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ID, "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	res := sess.Attach(claims.UserID, claims.Username, claims.IsHost, client, time.Now().UTC())
	g.log.Info("ws.attach", "code", sess.Code, "user_id", claims.UserID, "joined", res.Joined)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			case readErrBadJSON:
				g.sendError(client, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.sendError(client, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, err.Error())
			continue readLoop
		}

		if env.Type == protocol.TypeMemberLeave {
			metricEvents.WithLabelValues(env.Type).Inc()
			shutdown(websocket.StatusNormalClosure, "member leave")
			break readLoop
		}

		g.handleEvent(sess, client, env, now)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// handleEvent applies one session-scoped event. Unexpected failures are
// isolated to this event and connection: recovered, logged, and reported
// generically to the sender.
func (g *Gateway) handleEvent(sess *session.Session, client *Client, env protocol.Envelope, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			g.log.Error("ws.event.panic", "type", env.Type, "conn_id", client.ID, "panic", rec)
			g.sendError(client, "internal error")
		}
	}()

	metricEvents.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case protocol.TypeChatMessage:
		var p protocol.ChatMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.sendError(client, "invalid payload")
			return
		}
		if _, err := sess.AppendMessage(client.UserID, client.Username, p.Text, now); err != nil {
			g.sendError(client, err.Error())
		}

	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		sess.Typing(env.Type, client.UserID, client.Username, client, now)

	case protocol.TypeHostLeave:
		if !client.IsHost {
			g.sendError(client, session.ErrNotHost.Error())
			return
		}
		sess.HostLeave(now)

	case protocol.TypeSessionEnd:
		if !client.IsHost {
			g.sendError(client, session.ErrNotHost.Error())
			return
		}
		if sess.End("Session ended by host", now) {
			g.reg.ScheduleTeardown(sess)
		}

	case protocol.TypeKick:
		if !client.IsHost {
			g.sendError(client, session.ErrNotHost.Error())
			return
		}
		var p protocol.KickPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.sendError(client, "invalid payload")
			return
		}
		if err := sess.Kick(strings.TrimSpace(p.TargetUserID), now); err != nil {
			g.sendError(client, err.Error())
		}

	default:
		g.sendError(client, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// flush writes any already-queued envelopes before a forced close.
func (g *Gateway) flush(ctx context.Context, conn *websocket.Conn, client *Client) {
	for {
		select {
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

// sendError reports a problem to the acting connection only. Best effort.
func (g *Gateway) sendError(client *Client, msg string) {
	env, _ := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{Message: msg}, time.Now().UTC())
	_ = client.TrySend(env)
}

// bearerToken extracts the credential from the Authorization header or the
// token query parameter (browser websocket clients cannot set headers).
func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (protocol.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return protocol.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, errBadJSON
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env protocol.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

var errBadJSON = errors.New("bad json")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
