package risk

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/atmx/trade-gateway/internal/model"
)

// ErrInvalidLimits is returned by LimitsBook.Set for a malformed limit set.
var ErrInvalidLimits = errors.New("risk: invalid limits")

// ValidateLimits checks that every ceiling is positive.
func ValidateLimits(l model.RiskLimits) error {
	switch {
	case l.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidLimits)
	case !l.MaxPositionValue.IsPositive():
		return fmt.Errorf("%w: max_position_value must be positive", ErrInvalidLimits)
	case !l.MaxDailyLoss.IsPositive():
		return fmt.Errorf("%w: max_daily_loss must be positive", ErrInvalidLimits)
	case !l.MaxOrderValue.IsPositive():
		return fmt.Errorf("%w: max_order_value must be positive", ErrInvalidLimits)
	case l.MaxOrdersPerMinute <= 0:
		return fmt.Errorf("%w: max_orders_per_minute must be positive", ErrInvalidLimits)
	}
	return nil
}

// LimitsBook holds each user's current limits. A user's limits are
// replaced as a whole; readers see either the old set or the new one.
type LimitsBook struct {
	mu    sync.RWMutex
	users map[string]*atomic.Pointer[model.RiskLimits]
}

// NewLimitsBook creates an empty book.
func NewLimitsBook() *LimitsBook {
	return &LimitsBook{users: make(map[string]*atomic.Pointer[model.RiskLimits])}
}

// Set validates and installs l for l.UserID.
func (b *LimitsBook) Set(l model.RiskLimits) error {
	if err := ValidateLimits(l); err != nil {
		return err
	}
	b.slot(l.UserID).Store(&l)
	return nil
}

// Get returns the user's limits, or nil when none are configured. The
// returned value must not be modified.
func (b *LimitsBook) Get(userID string) *model.RiskLimits {
	b.mu.RLock()
	p, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.Load()
}

func (b *LimitsBook) slot(userID string) *atomic.Pointer[model.RiskLimits] {
	b.mu.RLock()
	p, ok := b.users[userID]
	b.mu.RUnlock()
	if ok {
		return p
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok = b.users[userID]; !ok {
		p = new(atomic.Pointer[model.RiskLimits])
		b.users[userID] = p
	}
	return p
}
