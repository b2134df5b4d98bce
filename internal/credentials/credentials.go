// Package credentials keeps short-lived copies of a user's password hash and
// secret hash so the authorization path can avoid a relational round trip.
//
// Both hashes live under a single key. They are written, refreshed and
// invalidated together: a fresh password hash paired with a stale secret hash
// would let a revoked token verify.
//
// Every invalidation also bumps a per-user generation. Writers stamp the
// generation before they read the store and the write only lands while the
// stamp is still current, so a pair read before a rotation can never be
// cached after it.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"relay/internal/cache"
)

// ErrNoCredentials means the user has no password or no secret record.
var ErrNoCredentials = errors.New("credentials: not found")

const (
	keyPrefix        = "credentials-"
	generationPrefix = "credentials-gen-"
)

// Pair is the two hashes the composite token secret is built from.
type Pair struct {
	PasswordHash string `json:"passwordHash"`
	SecretHash   string `json:"secretHash"`
}

// Source is the source of truth, normally the relational store.
type Source interface {
	CredentialPair(ctx context.Context, userID int64) (Pair, error)
}

// Cache is the time-expiring pair store.
type Cache struct {
	backend cache.Backend
	ttl     time.Duration
}

func NewCache(backend cache.Backend, ttl time.Duration) *Cache {
	return &Cache{backend: backend, ttl: ttl}
}

func key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

func generationKey(userID int64) string {
	return generationPrefix + strconv.FormatInt(userID, 10)
}

// Stamp is the generation observed before a store read. The zero Stamp is
// never current.
type Stamp struct {
	gen   string
	valid bool
}

// FirstStamp is the generation of a user whose credentials were never
// invalidated, such as one created a moment ago.
var FirstStamp = Stamp{valid: true}

// Get returns cache.ErrMiss when nothing (or something unreadable) is cached.
func (c *Cache) Get(ctx context.Context, userID int64) (Pair, error) {
	raw, err := c.backend.Get(ctx, key(userID))
	if err != nil {
		return Pair{}, err
	}
	var p Pair
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.PasswordHash == "" || p.SecretHash == "" {
		return Pair{}, cache.ErrMiss
	}
	return p, nil
}

// Stamp reads the current generation of the user's entry.
func (c *Cache) Stamp(ctx context.Context, userID int64) (Stamp, error) {
	gen, err := c.backend.Get(ctx, generationKey(userID))
	if errors.Is(err, cache.ErrMiss) {
		return FirstStamp, nil
	}
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{gen: gen, valid: true}, nil
}

// Put stores p unless an invalidation happened after s was taken. It reports
// whether the pair was stored.
func (c *Cache) Put(ctx context.Context, userID int64, s Stamp, p Pair) (bool, error) {
	if !s.valid {
		return false, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("marshal credential pair: %w", err)
	}
	return c.backend.SetIfEqual(ctx, generationKey(userID), s.gen, key(userID), string(raw), c.ttl)
}

// RefreshTTL slides the expiry of a hot entry.
func (c *Cache) RefreshTTL(ctx context.Context, userID int64) error {
	_, err := c.backend.Expire(ctx, key(userID), c.ttl)
	return err
}

// Invalidate bumps the generation first, so a Put stamped earlier is refused
// from here on, then drops the entry. The generation never expires: a
// counter that restarted could match an old stamp again.
func (c *Cache) Invalidate(ctx context.Context, userID int64) error {
	if _, err := c.backend.Incr(ctx, generationKey(userID), 0); err != nil {
		return err
	}
	return c.backend.Del(ctx, key(userID))
}

// Provider resolves a user's pair through the cache and falls back to the
// source when the cache misses or is unreachable.
type Provider struct {
	cache  *Cache
	source Source
	log    *zap.Logger
}

func NewProvider(c *Cache, source Source, log *zap.Logger) *Provider {
	return &Provider{cache: c, source: source, log: log.Named("credentials")}
}

func (p *Provider) Lookup(ctx context.Context, userID int64) (Pair, error) {
	pair, err := p.cache.Get(ctx, userID)
	switch {
	case err == nil:
		if err := p.cache.RefreshTTL(ctx, userID); err != nil {
			p.log.Warn("refresh credential ttl", zap.Int64("user_id", userID), zap.Error(err))
		}
		return pair, nil
	case errors.Is(err, cache.ErrMiss):
	default:
		p.log.Warn("credential cache unavailable, using store", zap.Int64("user_id", userID), zap.Error(err))
	}

	stamp := p.Stamp(ctx, userID)
	pair, err = p.source.CredentialPair(ctx, userID)
	if err != nil {
		return Pair{}, err
	}
	p.Warm(ctx, userID, stamp, pair)
	return pair, nil
}

// Stamp must be taken before the store read whose result is later passed to
// Warm. When the cache is down the returned stamp makes Warm a no-op.
func (p *Provider) Stamp(ctx context.Context, userID int64) Stamp {
	s, err := p.cache.Stamp(ctx, userID)
	if err != nil {
		p.log.Warn("read credential generation", zap.Int64("user_id", userID), zap.Error(err))
	}
	return s
}

// Warm caches a pair read or written by an account flow, unless the
// credentials were invalidated after s was taken.
func (p *Provider) Warm(ctx context.Context, userID int64, s Stamp, pair Pair) {
	stored, err := p.cache.Put(ctx, userID, s, pair)
	if err != nil {
		p.log.Warn("warm credential cache", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if !stored && s.valid {
		p.log.Debug("credentials rotated during read, not caching", zap.Int64("user_id", userID))
	}
}

// Invalidate drops the cached pair and refuses every write stamped before
// it. Account flows call it before they write a new hash and again after the
// write commits; a failure is returned so the caller can refuse to proceed
// with the write.
func (p *Provider) Invalidate(ctx context.Context, userID int64) error {
	if err := p.cache.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("invalidate credentials for user %d: %w", userID, err)
	}
	return nil
}
