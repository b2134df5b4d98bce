package myMiddleware

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/internal/apperr"
	"relay/internal/credentials"
	"relay/internal/db"
	"relay/internal/protocol"
	"relay/internal/token"
)

const roleAdmin = "admin"

// What the gate needs from the rest of the system. Keeping these narrow
// decouples the middleware from the user and presence packages.
type (
	CredentialLookup interface {
		Lookup(ctx context.Context, userID int64) (credentials.Pair, error)
	}
	RoleLookup interface {
		Role(ctx context.Context, userID int64) (string, error)
	}
	ContactRegistry interface {
		RegisterFirstContact(ctx context.Context, userID int64, deviceID, connID string) (bool, error)
	}
	ConnectNotifier interface {
		Connected(ctx context.Context, userID int64, deviceID, connID string)
	}
	Connections interface {
		Join(connID, room string)
		Connected(connID string) bool
	}
	SessionEnder interface {
		End(ctx context.Context, connID string)
	}
)

type options struct {
	admin bool
}

type Option func(*options)

// RequireAdmin rejects callers whose user record is missing or not an admin.
func RequireAdmin() Option {
	return func(o *options) { o.admin = true }
}

// Gate authenticates socket events before they reach a handler.
type Gate struct {
	codec    *token.Codec
	creds    CredentialLookup
	roles    RoleLookup
	contacts ContactRegistry
	notifier ConnectNotifier
	sessions SessionEnder
	conns    Connections
	log      *zap.Logger

	// goAsync runs first-contact side effects; tests replace it to wait.
	goAsync func(func())
}

func NewGate(codec *token.Codec, creds CredentialLookup, roles RoleLookup, contacts ContactRegistry,
	notifier ConnectNotifier, sessions SessionEnder, conns Connections, log *zap.Logger) *Gate {
	return &Gate{
		codec:    codec,
		creds:    creds,
		roles:    roles,
		contacts: contacts,
		notifier: notifier,
		sessions: sessions,
		conns:    conns,
		log:      log.Named("gate"),
		goAsync:  func(f func()) { go f() },
	}
}

// Authorize wraps next. next only runs when every check passed, and it sees
// the verified identity and the payload without the token.
func (g *Gate) Authorize(next protocol.HandlerFunc, opts ...Option) protocol.HandlerFunc {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context, req *protocol.Request) (any, error) {
		raw, payload, err := extractToken(req.Payload)
		if err != nil {
			return nil, err
		}

		claimed, err := g.codec.Decode(raw)
		if err != nil {
			return nil, apperr.Unauthorized(err)
		}

		pair, err := g.fetch(ctx, claimed.UserID, o.admin)
		if err != nil {
			return nil, err
		}

		id, err := g.codec.Verify(raw, token.ComposeSecret(pair.PasswordHash, pair.SecretHash))
		if err != nil {
			return nil, apperr.Unauthorized(err)
		}

		g.conns.Join(req.ConnID, protocol.UserRoom(id.UserID))
		g.firstContact(ctx, id, req.ConnID)

		authed := *req
		authed.UserID = id.UserID
		authed.DeviceID = id.DeviceID
		authed.Payload = payload
		return next(ctx, &authed)
	}
}

// fetch loads the credential pair and, when required, checks the role. Both
// lookups run in parallel.
func (g *Gate) fetch(ctx context.Context, userID int64, admin bool) (credentials.Pair, error) {
	var (
		pair credentials.Pair
		role string
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		pair, err = g.creds.Lookup(egCtx, userID)
		if errors.Is(err, credentials.ErrNoCredentials) {
			return apperr.Unauthorized(err)
		}
		return err
	})
	if admin {
		eg.Go(func() error {
			var err error
			role, err = g.roles.Role(egCtx, userID)
			if errors.Is(err, db.ErrNotFound) {
				return apperr.ErrForbidden
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return credentials.Pair{}, err
	}
	if admin && role != roleAdmin {
		return credentials.Pair{}, apperr.ErrForbidden
	}
	return pair, nil
}

// firstContact records liveness. Presence problems never fail the request.
//
// The socket may close while the event is in flight, and its close path may
// already have released presence. Liveness is checked after registering, and
// a dead connection is ended again so it cannot stay online.
func (g *Gate) firstContact(ctx context.Context, id token.Identity, connID string) {
	log := g.log.With(zap.Int64("user_id", id.UserID), zap.String("device_id", id.DeviceID), zap.String("conn_id", connID))

	isNew, err := g.contacts.RegisterFirstContact(ctx, id.UserID, id.DeviceID, connID)
	if err != nil {
		log.Warn("register first contact", zap.Error(err))
		return
	}

	detached := context.WithoutCancel(ctx)
	if !g.conns.Connected(connID) {
		log.Debug("connection closed during request, releasing presence")
		g.sessions.End(detached, connID)
		return
	}
	if !isNew {
		return
	}

	g.goAsync(func() {
		g.notifier.Connected(detached, id.UserID, id.DeviceID, connID)
	})
}

// extractToken pulls the "token" field out of a JSON object payload and
// returns the payload without it.
func extractToken(payload json.RawMessage) (string, json.RawMessage, error) {
	if len(payload) == 0 {
		return "", nil, apperr.ErrMissingToken
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return "", nil, apperr.ErrMissingToken
	}

	var raw string
	if err := json.Unmarshal(fields["token"], &raw); err != nil || raw == "" {
		return "", nil, apperr.ErrMissingToken
	}
	delete(fields, "token")

	stripped, err := json.Marshal(fields)
	if err != nil {
		return "", nil, err
	}
	return raw, stripped, nil
}
