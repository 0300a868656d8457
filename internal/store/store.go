// Package store defines the persistence interface for the gateway.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), a Kafka journal decorator, and in-memory (for testing).
//
// Persistence is never on the hot path: the gateway writes through
// WriteBehind, which coalesces and retries in the background.
package store

import (
	"context"
	"errors"

	"github.com/atmx/trade-gateway/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Every Save is an upsert keyed by the
// record's natural key, so replaying a write is harmless.
type Store interface {
	// --- Sessions (audit) ---

	// SaveSession upserts the session keyed by user. The access token is
	// never persisted.
	SaveSession(ctx context.Context, s model.UserSession) error

	// --- Orders ---

	// SaveOrder upserts an order keyed by (user, client order key).
	SaveOrder(ctx context.Context, o model.OrderRecord) error

	// ListOrders returns the user's orders, oldest first.
	ListOrders(ctx context.Context, userID string) ([]model.OrderRecord, error)

	// --- Positions ---

	// SavePosition upserts a position keyed by (user, symbol).
	SavePosition(ctx context.Context, p model.Position) error

	// LoadPositions returns every persisted position.
	LoadPositions(ctx context.Context) ([]model.Position, error)

	// --- Risk limits ---

	// SaveRiskLimits upserts the user's limits.
	SaveRiskLimits(ctx context.Context, l model.RiskLimits) error

	// LoadRiskLimits returns every persisted limit set.
	LoadRiskLimits(ctx context.Context) ([]model.RiskLimits, error)
}
