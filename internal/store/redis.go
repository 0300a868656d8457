package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/trade-gateway/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then refresh or invalidate) ---

// SaveSession also publishes the session status under session:<user> until
// the session expires, so other processes can see who is logged in.
func (s *CachedStore) SaveSession(ctx context.Context, sess model.UserSession) error {
	if err := s.primary.SaveSession(ctx, sess); err != nil {
		return err
	}
	sess.AccessToken = ""
	ttl := time.Until(sess.ExpiresAt)
	if sess.Status != model.SessionActive || ttl <= 0 {
		s.rdb.Del(ctx, sessionKey(sess.UserID))
		return nil
	}
	if data, err := json.Marshal(sess); err == nil {
		s.rdb.Set(ctx, sessionKey(sess.UserID), data, ttl)
	}
	return nil
}

func (s *CachedStore) SaveOrder(ctx context.Context, o model.OrderRecord) error {
	if err := s.primary.SaveOrder(ctx, o); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, ordersKey(o.UserID))
	return nil
}

func (s *CachedStore) SaveRiskLimits(ctx context.Context, l model.RiskLimits) error {
	if err := s.primary.SaveRiskLimits(ctx, l); err != nil {
		return err
	}
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, limitsKey(l.UserID), data, s.ttl)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListOrders(ctx context.Context, userID string) ([]model.OrderRecord, error) {
	data, err := s.rdb.Get(ctx, ordersKey(userID)).Bytes()
	if err == nil {
		var orders []model.OrderRecord
		if json.Unmarshal(data, &orders) == nil {
			return orders, nil
		}
	}

	// Cache miss.
	orders, err := s.primary.ListOrders(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(orders); err == nil {
		s.rdb.Set(ctx, ordersKey(userID), data, s.ttl)
	}
	return orders, nil
}

// CachedSession returns the session published by SaveSession, if any.
func (s *CachedStore) CachedSession(ctx context.Context, userID string) (model.UserSession, error) {
	data, err := s.rdb.Get(ctx, sessionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.UserSession{}, ErrNotFound
	}
	if err != nil {
		return model.UserSession{}, err
	}
	var sess model.UserSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return model.UserSession{}, err
	}
	return sess, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) SavePosition(ctx context.Context, p model.Position) error {
	return s.primary.SavePosition(ctx, p)
}

func (s *CachedStore) LoadPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.LoadPositions(ctx)
}

func (s *CachedStore) LoadRiskLimits(ctx context.Context) ([]model.RiskLimits, error) {
	return s.primary.LoadRiskLimits(ctx)
}

// --- Tick mirror ---

// RedisTickMirror copies every accepted tick into Redis: the latest tick is
// kept under tick:<symbol> and each tick is published on ticks:<symbol>.
type RedisTickMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisTickMirror creates a mirror. ttl bounds how long a latest tick
// survives without updates; zero keeps it forever.
func NewRedisTickMirror(rdb *redis.Client, ttl time.Duration) *RedisTickMirror {
	return &RedisTickMirror{rdb: rdb, ttl: ttl}
}

func (m *RedisTickMirror) MirrorTick(ctx context.Context, t model.Tick) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, tickKey(t.Symbol), data, m.ttl)
	pipe.Publish(ctx, tickChannel(t.Symbol), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror tick %s: %w", t.Symbol, err)
	}
	return nil
}

// Latest reads the mirrored latest tick for symbol.
func (m *RedisTickMirror) Latest(ctx context.Context, symbol string) (model.Tick, error) {
	data, err := m.rdb.Get(ctx, tickKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Tick{}, ErrNotFound
	}
	if err != nil {
		return model.Tick{}, err
	}
	var t model.Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Tick{}, err
	}
	return t, nil
}

// --- Cache helpers ---

func sessionKey(uid string) string  { return fmt.Sprintf("session:%s", uid) }
func ordersKey(uid string) string   { return fmt.Sprintf("orders:%s", uid) }
func limitsKey(uid string) string   { return fmt.Sprintf("limits:%s", uid) }
func tickKey(symbol string) string  { return fmt.Sprintf("tick:%s", symbol) }
func tickChannel(sym string) string { return fmt.Sprintf("ticks:%s", sym) }
