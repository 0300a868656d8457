package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/trade-gateway/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]model.UserSession
	orders    map[string]model.OrderRecord
	positions map[string]model.Position
	limits    map[string]model.RiskLimits
	seq       map[string]int // order key -> insertion sequence
	next      int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]model.UserSession),
		orders:    make(map[string]model.OrderRecord),
		positions: make(map[string]model.Position),
		limits:    make(map[string]model.RiskLimits),
		seq:       make(map[string]int),
	}
}

func (s *MemoryStore) SaveSession(_ context.Context, sess model.UserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.AccessToken = ""
	s.sessions[sess.UserID] = sess
	return nil
}

// Session returns the last saved session for userID.
func (s *MemoryStore) Session(userID string) (model.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return model.UserSession{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, o model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey(o.UserID, o.ClientOrderKey)
	if _, ok := s.seq[key]; !ok {
		s.next++
		s.seq[key] = s.next
	}
	s.orders[key] = o
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string) ([]model.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type seqOrder struct {
		seq int
		o   model.OrderRecord
	}
	var found []seqOrder
	for key, o := range s.orders {
		if o.UserID == userID {
			found = append(found, seqOrder{s.seq[key], o})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	result := make([]model.OrderRecord, 0, len(found))
	for _, f := range found {
		result = append(result, f.o)
	}
	return result, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[positionKey(p.UserID, p.Symbol)] = p
	return nil
}

func (s *MemoryStore) LoadPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positionKey(positions[i].UserID, positions[i].Symbol) < positionKey(positions[j].UserID, positions[j].Symbol)
	})
	return positions, nil
}

func (s *MemoryStore) SaveRiskLimits(_ context.Context, l model.RiskLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limits[l.UserID] = l
	return nil
}

func (s *MemoryStore) LoadRiskLimits(_ context.Context) ([]model.RiskLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limits := make([]model.RiskLimits, 0, len(s.limits))
	for _, l := range s.limits {
		limits = append(limits, l)
	}
	sort.Slice(limits, func(i, j int) bool { return limits[i].UserID < limits[j].UserID })
	return limits, nil
}

func orderKey(userID, clientKey string) string { return userID + "/" + clientKey }
func positionKey(userID, symbol string) string { return userID + "/" + symbol }
