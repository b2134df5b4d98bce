package myMiddleware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay/internal/apperr"
	"relay/internal/cache"
	"relay/internal/credentials"
	"relay/internal/db"
	"relay/internal/presence"
	"relay/internal/protocol"
	"relay/internal/token"
)

type fakeCreds map[int64]credentials.Pair

func (f fakeCreds) Lookup(_ context.Context, userID int64) (credentials.Pair, error) {
	p, ok := f[userID]
	if !ok {
		return credentials.Pair{}, credentials.ErrNoCredentials
	}
	return p, nil
}

type fakeRoles map[int64]string

func (f fakeRoles) Role(_ context.Context, userID int64) (string, error) {
	r, ok := f[userID]
	if !ok {
		return "", db.ErrNotFound
	}
	return r, nil
}

type connected struct {
	UserID   int64
	DeviceID string
	ConnID   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []connected
}

func (n *fakeNotifier) Connected(_ context.Context, userID int64, deviceID, connID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, connected{userID, deviceID, connID})
}

type fakeConns struct {
	joined map[string][]string
	closed map[string]bool
}

func (c *fakeConns) Join(connID, room string) { c.joined[connID] = append(c.joined[connID], room) }

func (c *fakeConns) Connected(connID string) bool { return !c.closed[connID] }

// releasingSessions ends a session the way the close path does for presence.
type releasingSessions struct {
	registry *presence.Registry
	conns    *fakeConns
	ended    []string
}

func (s *releasingSessions) End(ctx context.Context, connID string) {
	s.ended = append(s.ended, connID)
	delete(s.conns.joined, connID)
	_, _, _ = s.registry.Release(ctx, connID)
}

type gateEnv struct {
	gate     *Gate
	codec    *token.Codec
	creds    fakeCreds
	notifier *fakeNotifier
	conns    *fakeConns
	sessions *releasingSessions
	registry *presence.Registry
	redis    *miniredis.Miniredis
}

func newGateEnv(t *testing.T) *gateEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	env := &gateEnv{
		codec:    token.NewCodec(time.Hour),
		creds:    fakeCreds{1: {PasswordHash: "p1", SecretHash: "s1"}, 2: {PasswordHash: "p2", SecretHash: "s2"}},
		notifier: &fakeNotifier{},
		conns:    &fakeConns{joined: map[string][]string{}, closed: map[string]bool{}},
		registry: presence.NewRegistry(cache.NewRedis(client), time.Hour),
		redis:    mr,
	}
	env.sessions = &releasingSessions{registry: env.registry, conns: env.conns}
	env.gate = NewGate(env.codec, env.creds, fakeRoles{1: "user", 2: "admin"}, env.registry, env.notifier,
		env.sessions, env.conns, zap.NewNop())
	env.gate.goAsync = func(f func()) { f() }
	return env
}

func (e *gateEnv) token(t *testing.T, userID int64, deviceID string) string {
	t.Helper()
	p := e.creds[userID]
	tok, err := e.codec.Encode(deviceID, userID, token.ComposeSecret(p.PasswordHash, p.SecretHash))
	require.NoError(t, err)
	return tok
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

type captured struct {
	calls int
	req   *protocol.Request
}

func (c *captured) handler() protocol.HandlerFunc {
	return func(_ context.Context, req *protocol.Request) (any, error) {
		c.calls++
		c.req = req
		return "ok", nil
	}
}

func TestAuthorize_Success(t *testing.T) {
	env := newGateEnv(t)
	var next captured

	out, err := env.gate.Authorize(next.handler())(context.Background(), &protocol.Request{
		ConnID:  "c1",
		Event:   protocol.EventSendMessage,
		Payload: payload(t, map[string]any{"token": env.token(t, 1, "d1"), "chatId": 5}),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	require.Equal(t, 1, next.calls)

	assert.Equal(t, int64(1), next.req.UserID)
	assert.Equal(t, "d1", next.req.DeviceID)
	assert.JSONEq(t, `{"chatId":5}`, string(next.req.Payload))
	assert.Equal(t, []string{protocol.UserRoom(1)}, env.conns.joined["c1"])
	assert.Equal(t, []connected{{1, "d1", "c1"}}, env.notifier.calls)

	conns, err := env.registry.LookupConnections(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []presence.Connection{{DeviceID: "d1", ConnID: "c1"}}, conns)
}

func TestAuthorize_RepeatContactDoesNotNotifyAgain(t *testing.T) {
	env := newGateEnv(t)
	var next captured
	h := env.gate.Authorize(next.handler())
	tok := env.token(t, 1, "d1")

	for range 3 {
		_, err := h(context.Background(), &protocol.Request{ConnID: "c1", Payload: payload(t, map[string]string{"token": tok})})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, next.calls)
	assert.Len(t, env.notifier.calls, 1)
}

func TestAuthorize_Failures(t *testing.T) {
	env := newGateEnv(t)
	good := env.token(t, 1, "d1")
	forged, err := env.codec.Encode("d1", 1, []byte("not-the-secret"))
	require.NoError(t, err)
	ghost, err := env.codec.Encode("d1", 77, []byte("whatever"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload json.RawMessage
		opts    []Option
		want    *apperr.Error
	}{
		{"empty payload", nil, nil, apperr.ErrMissingToken},
		{"no token field", payload(t, map[string]int{"chatId": 1}), nil, apperr.ErrMissingToken},
		{"token not a string", payload(t, map[string]int{"token": 1}), nil, apperr.ErrMissingToken},
		{"payload is an array", payload(t, []string{good}), nil, apperr.ErrMissingToken},
		{"garbage token", payload(t, map[string]string{"token": "abc"}), nil, apperr.ErrUnauthorized},
		{"unknown user", payload(t, map[string]string{"token": ghost}), nil, apperr.ErrUnauthorized},
		{"wrong secret", payload(t, map[string]string{"token": forged}), nil, apperr.ErrUnauthorized},
		{"not an admin", payload(t, map[string]string{"token": good}), []Option{RequireAdmin()}, apperr.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var next captured
			_, err := env.gate.Authorize(next.handler(), tt.opts...)(context.Background(), &protocol.Request{ConnID: "c1", Payload: tt.payload})
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, next.calls)
		})
	}

	assert.Empty(t, env.conns.joined)
	assert.Empty(t, env.notifier.calls)
}

func TestAuthorize_ExpiredTokenIsUnauthorized(t *testing.T) {
	env := newGateEnv(t)
	tok := env.token(t, 1, "d1")
	env.gate.codec = token.NewCodec(time.Nanosecond)
	expired, err := env.gate.codec.Encode("d1", 1, token.ComposeSecret("p1", "s1"))
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	var next captured
	_, err = env.gate.Authorize(next.handler())(context.Background(), &protocol.Request{ConnID: "c1", Payload: payload(t, map[string]string{"token": expired})})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.ErrorIs(t, err, token.ErrExpiredToken)

	_, err = env.gate.Authorize(next.handler())(context.Background(), &protocol.Request{ConnID: "c1", Payload: payload(t, map[string]string{"token": tok})})
	assert.NoError(t, err, "tokens without a passed expiry still verify")
}

func TestAuthorize_AdminPasses(t *testing.T) {
	env := newGateEnv(t)
	var next captured

	_, err := env.gate.Authorize(next.handler(), RequireAdmin())(context.Background(), &protocol.Request{
		ConnID:  "c2",
		Payload: payload(t, map[string]any{"token": env.token(t, 2, "d1"), "userId": 1}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
}

func TestAuthorize_PresenceOutageDoesNotFailRequest(t *testing.T) {
	env := newGateEnv(t)
	env.redis.Close()
	var next captured

	_, err := env.gate.Authorize(next.handler())(context.Background(), &protocol.Request{
		ConnID:  "c1",
		Payload: payload(t, map[string]string{"token": env.token(t, 1, "d1")}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
	assert.Empty(t, env.notifier.calls)
}

func TestAuthorize_HandlerErrorPassesThrough(t *testing.T) {
	env := newGateEnv(t)
	boom := errors.New("boom")

	_, err := env.gate.Authorize(func(context.Context, *protocol.Request) (any, error) {
		return nil, boom
	})(context.Background(), &protocol.Request{ConnID: "c1", Payload: payload(t, map[string]string{"token": env.token(t, 1, "d1")})})
	assert.ErrorIs(t, err, boom)
}

func TestAuthorize_ConnectionClosedMidRequest(t *testing.T) {
	env := newGateEnv(t)
	ctx := context.Background()
	var next captured

	// The close path has already run for c1 before its last event reaches the gate.
	env.conns.closed["c1"] = true
	_, ok, err := env.registry.Release(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	out, err := env.gate.Authorize(next.handler())(ctx, &protocol.Request{
		ConnID:  "c1",
		Payload: payload(t, map[string]any{"token": env.token(t, 1, "d1"), "chatId": 5}),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out, "the event itself still completes")
	assert.Equal(t, 1, next.calls)

	conns, err := env.registry.LookupConnections(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, conns, "a closed connection must not stay online")
	assert.Empty(t, env.notifier.calls)
	assert.Empty(t, env.conns.joined)
	assert.Equal(t, []string{"c1"}, env.sessions.ended)
}

func TestAuthorize_ClosedConnectionDoesNotEvictLiveDevice(t *testing.T) {
	env := newGateEnv(t)
	ctx := context.Background()
	var next captured
	h := env.gate.Authorize(next.handler())
	tok := env.token(t, 1, "d1")

	env.conns.closed["old"] = true
	_, err := h(ctx, &protocol.Request{ConnID: "old", Payload: payload(t, map[string]string{"token": tok})})
	require.NoError(t, err)

	_, err = h(ctx, &protocol.Request{ConnID: "new", Payload: payload(t, map[string]string{"token": tok})})
	require.NoError(t, err)

	conns, err := env.registry.LookupConnections(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []presence.Connection{{DeviceID: "d1", ConnID: "new"}}, conns)
	assert.Equal(t, []connected{{1, "d1", "new"}}, env.notifier.calls)
}
