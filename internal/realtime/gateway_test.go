package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"huddle/internal/protocol"
	"huddle/internal/session"
	"huddle/internal/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type gatewayFixture struct {
	reg    *session.Registry
	tokens *token.Issuer
	ts     *httptest.Server
}

func newGatewayFixture(t *testing.T, limits session.Limits) *gatewayFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry(log, limits)
	tokens, err := token.NewIssuer(testSecret, "huddle", time.Hour)
	require.NoError(t, err)

	gw := NewGateway(log, reg, tokens, Config{})

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &gatewayFixture{reg: reg, tokens: tokens, ts: ts}
}

func (f *gatewayFixture) createSession(t *testing.T, hostName string) (*session.Session, session.Identity, string) {
	t.Helper()
	now := time.Now().UTC()
	s, host, err := f.reg.Create(hostName, now)
	require.NoError(t, err)
	tok, err := f.tokens.Issue(host.UserID, host.Username, s.Code, true, now)
	require.NoError(t, err)
	return s, host, tok
}

func (f *gatewayFixture) joinSession(t *testing.T, code, username string) (session.Identity, string) {
	t.Helper()
	now := time.Now().UTC()
	_, id, err := f.reg.Join(code, username)
	require.NoError(t, err)
	tok, err := f.tokens.Issue(id.UserID, id.Username, code, false, now)
	require.NoError(t, err)
	return id, tok
}

func dialWS(t *testing.T, baseHTTPURL, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: h})
}

func mustDial(t *testing.T, f *gatewayFixture, bearer string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, f.ts.URL, bearer)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, payload, time.Now().UTC())
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string) protocol.Envelope {
	t.Helper()
	for i := 0; i < 16; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err, "reading towards %q", typ)

		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return protocol.Envelope{}
}

func waitFor(t *testing.T, cond func() bool, within time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", within, msg)
}

func TestGateway_RejectsBadOrForeignTokens(t *testing.T) {
	f := newGatewayFixture(t, session.Limits{})

	_, resp, err := dialWS(t, f.ts.URL, "")
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp2, err := dialWS(t, f.ts.URL, "not-a-token")
	if resp2 != nil && resp2.Body != nil {
		defer func() { _ = resp2.Body.Close() }()
	}
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// Valid signature, but the session does not exist.
	tok, err := f.tokens.Issue("ghost", "Ghost", "ZZZZZZ", false, time.Now().UTC())
	require.NoError(t, err)
	_, resp3, err := dialWS(t, f.ts.URL, tok)
	if resp3 != nil && resp3.Body != nil {
		defer func() { _ = resp3.Body.Close() }()
	}
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestGateway_FullRoomLifecycle(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, session.Limits{EmptyGrace: 50 * time.Millisecond})

	s, _, aliceTok := f.createSession(t, "Alice")
	req.Len(s.Code, 6)

	alice := mustDial(t, f, aliceTok)
	state := readUntilType(t, alice, protocol.TypeSessionState)
	var snap protocol.SessionStatePayload
	req.NoError(json.Unmarshal(state.Payload, &snap))
	req.Equal("active", snap.Status)
	req.Equal("Alice", snap.HostName)
	req.Len(snap.Members, 1)

	bobID, bobTok := f.joinSession(t, s.Code, "Bob")
	req.False(bobID.IsHost)

	bob := mustDial(t, f, bobTok)
	state = readUntilType(t, bob, protocol.TypeSessionState)
	req.NoError(json.Unmarshal(state.Payload, &snap))
	req.Len(snap.Members, 2)

	joined := readUntilType(t, alice, protocol.TypeMemberJoined)
	var mj protocol.MemberEventPayload
	req.NoError(json.Unmarshal(joined.Payload, &mj))
	req.Equal("Bob", mj.Username)

	// Chat fan-out includes the sender and reaches the whole room.
	writeEvent(t, alice, protocol.TypeChatMessage, protocol.ChatMessagePayload{Text: "hi"})

	var msg protocol.MessageInfo
	env := readUntilType(t, bob, protocol.TypeChatMessage)
	req.NoError(json.Unmarshal(env.Payload, &msg))
	req.Equal("Alice", msg.Username)
	req.Equal("hi", msg.Message)
	req.NotEmpty(msg.MessageID)

	env = readUntilType(t, alice, protocol.TypeChatMessage)
	req.NoError(json.Unmarshal(env.Payload, &msg))
	req.Equal("hi", msg.Message)

	// Typing signals are relayed but never echoed.
	writeEvent(t, bob, protocol.TypeTypingStart, nil)
	readUntilType(t, alice, protocol.TypeTypingStart)

	// A non-host invoking a host-only action gets an error, nothing changes.
	writeEvent(t, bob, protocol.TypeSessionEnd, nil)
	readUntilType(t, bob, protocol.TypeError)
	req.Equal(session.StatusActive, s.Status())

	// Host disconnect: remaining members see member-left then host-left.
	req.NoError(alice.Close(websocket.StatusNormalClosure, "bye"))
	readUntilType(t, bob, protocol.TypeMemberLeft)
	readUntilType(t, bob, protocol.TypeHostLeft)
	waitFor(t, func() bool { return s.Status() == session.StatusHostLeft }, time.Second, "status host-left")

	// Last member leaves; the emptied session survives only the grace window.
	req.NoError(bob.Close(websocket.StatusNormalClosure, "bye"))
	waitFor(t, func() bool { _, ok := f.reg.Lookup(s.Code); return !ok }, 2*time.Second, "session reaped")

	_, _, err := f.reg.Join(s.Code, "Carol")
	req.ErrorIs(err, session.ErrNotFound)
}

func TestGateway_OversizedMessageRejectedToSenderOnly(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, session.Limits{})

	s, _, aliceTok := f.createSession(t, "Alice")
	alice := mustDial(t, f, aliceTok)
	readUntilType(t, alice, protocol.TypeSessionState)

	_, bobTok := f.joinSession(t, s.Code, "Bob")
	bob := mustDial(t, f, bobTok)
	readUntilType(t, bob, protocol.TypeSessionState)

	writeEvent(t, alice, protocol.TypeChatMessage, protocol.ChatMessagePayload{
		Text: strings.Repeat("a", session.DefaultMaxMessageChars+1),
	})
	errEnv := readUntilType(t, alice, protocol.TypeError)
	var ep protocol.ErrorPayload
	req.NoError(json.Unmarshal(errEnv.Payload, &ep))
	req.Contains(ep.Message, "too long")

	// The rejected message was never broadcast: the next chat-message the
	// room sees is the follow-up.
	writeEvent(t, alice, protocol.TypeChatMessage, protocol.ChatMessagePayload{Text: "ok"})
	var msg protocol.MessageInfo
	env := readUntilType(t, bob, protocol.TypeChatMessage)
	req.NoError(json.Unmarshal(env.Payload, &msg))
	req.Equal("ok", msg.Message)
}

func TestGateway_KickDisconnectsTarget(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, session.Limits{})

	s, _, aliceTok := f.createSession(t, "Alice")
	alice := mustDial(t, f, aliceTok)
	readUntilType(t, alice, protocol.TypeSessionState)

	bobID, bobTok := f.joinSession(t, s.Code, "Bob")
	bob := mustDial(t, f, bobTok)
	readUntilType(t, bob, protocol.TypeSessionState)
	readUntilType(t, alice, protocol.TypeMemberJoined)

	writeEvent(t, alice, protocol.TypeKick, protocol.KickPayload{TargetUserID: bobID.UserID})

	kicked := readUntilType(t, bob, protocol.TypeKicked)
	var kp protocol.KickedPayload
	req.NoError(json.Unmarshal(kicked.Payload, &kp))
	req.NotEmpty(kp.Message)

	// The target's connection is forced closed, no grace delay.
	waitFor(t, func() bool { return s.MemberCount() == 1 }, time.Second, "target detached")
	readUntilType(t, alice, protocol.TypeMemberLeft)
}

func TestGateway_SessionEndTearsDownRoom(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, session.Limits{EndDelay: 30 * time.Millisecond})

	s, _, aliceTok := f.createSession(t, "Alice")
	alice := mustDial(t, f, aliceTok)
	readUntilType(t, alice, protocol.TypeSessionState)

	_, bobTok := f.joinSession(t, s.Code, "Bob")
	bob := mustDial(t, f, bobTok)
	readUntilType(t, bob, protocol.TypeSessionState)

	writeEvent(t, alice, protocol.TypeSessionEnd, nil)

	ended := readUntilType(t, bob, protocol.TypeSessionEnded)
	var np protocol.NoticePayload
	req.NoError(json.Unmarshal(ended.Payload, &np))
	req.NotEmpty(np.Message)
	readUntilType(t, alice, protocol.TypeSessionEnded)

	waitFor(t, func() bool { _, ok := f.reg.Lookup(s.Code); return !ok }, 2*time.Second, "session deleted after end delay")
}

func TestGateway_MemberLeaveDetaches(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, session.Limits{})

	s, _, aliceTok := f.createSession(t, "Alice")
	alice := mustDial(t, f, aliceTok)
	readUntilType(t, alice, protocol.TypeSessionState)

	_, bobTok := f.joinSession(t, s.Code, "Bob")
	bob := mustDial(t, f, bobTok)
	readUntilType(t, bob, protocol.TypeSessionState)

	writeEvent(t, bob, protocol.TypeMemberLeave, nil)

	readUntilType(t, alice, protocol.TypeMemberLeft)
	waitFor(t, func() bool { return s.MemberCount() == 1 }, time.Second, "member detached")
	req.Equal(session.StatusActive, s.Status())
}

func TestGateway_ReconnectKeepsSingleMembership(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, session.Limits{})

	s, _, aliceTok := f.createSession(t, "Alice")
	alice := mustDial(t, f, aliceTok)
	readUntilType(t, alice, protocol.TypeSessionState)

	_, bobTok := f.joinSession(t, s.Code, "Bob")
	bob := mustDial(t, f, bobTok)
	readUntilType(t, bob, protocol.TypeSessionState)
	readUntilType(t, alice, protocol.TypeMemberJoined)

	// Same identity reconnects on a fresh transport.
	bob2 := mustDial(t, f, bobTok)
	state := readUntilType(t, bob2, protocol.TypeSessionState)
	var snap protocol.SessionStatePayload
	req.NoError(json.Unmarshal(state.Payload, &snap))
	req.Len(snap.Members, 2)

	waitFor(t, func() bool { return s.MemberCount() == 2 }, time.Second, "no duplicate member")

	// Observers never see a second member-joined for a reconnect: the very
	// next envelope Alice receives is the chat message, not a join.
	writeEvent(t, bob2, protocol.TypeChatMessage, protocol.ChatMessagePayload{Text: "back"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, b, err := alice.Read(ctx)
	cancel()
	req.NoError(err)

	var env protocol.Envelope
	req.NoError(json.Unmarshal(b, &env))
	req.Equal(protocol.TypeChatMessage, env.Type)

	var msg protocol.MessageInfo
	req.NoError(json.Unmarshal(env.Payload, &msg))
	req.Equal("back", msg.Message)
}
