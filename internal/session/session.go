// Package session owns per-user brokerage sessions: the two-step daily
// login handshake, absolute expiry at the trading-day boundary, and
// revocation. A session is either active and usable or it is not; there is
// no fallback token.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/model"
)

var (
	// ErrNotAuthenticated is returned when the user has no usable session.
	ErrNotAuthenticated = errors.New("session: not authenticated")

	// ErrAuthInProgress is returned to a second concurrent completion of
	// the same user's handshake.
	ErrAuthInProgress = errors.New("session: authentication already in progress")

	// ErrNoPendingAuth is returned by CompleteDailyAuth when no handshake
	// was begun for the user.
	ErrNoPendingAuth = errors.New("session: no pending authentication")
)

// AuthError wraps a brokerage failure during the login handshake.
type AuthError struct {
	UserID string
	Op     string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session: %s for %s: %v", e.Op, e.UserID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// State is the user's position in the session lifecycle.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAwaitingToken   State = "awaiting_token"
	StateActive          State = "active"
	StateExpired         State = "expired"
	StateRevoked         State = "revoked"
)

// Persister receives session records for audit. Calls are made with the
// store lock held, in the order the records changed, and must not block.
type Persister interface {
	SaveSession(s model.UserSession)
}

// Listener is called, outside any lock, after a session changes status.
// Calls for one user can arrive out of order; Current has the latest state.
type Listener func(s model.UserSession)

// Config controls session lifetime.
type Config struct {
	Boundary      Boundary
	AuthTimeout   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time // defaults to time.Now
}

// Store holds at most one session record per user.
type Store struct {
	auth    broker.Authenticator
	cfg     Config
	persist Persister
	logger  *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*model.UserSession
	pending   map[string]time.Time // userID -> handshake begun at
	inflight  map[string]bool
	listeners []Listener
}

// New creates a session store. persist may be nil.
func New(auth broker.Authenticator, cfg Config, persist Persister) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Boundary.Location == nil {
		cfg.Boundary = DefaultBoundary()
	}
	return &Store{
		auth:     auth,
		cfg:      cfg,
		persist:  persist,
		logger:   slog.With("component", "session"),
		sessions: make(map[string]*model.UserSession),
		pending:  make(map[string]time.Time),
		inflight: make(map[string]bool),
	}
}

// Subscribe registers fn for session status changes.
func (s *Store) Subscribe(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// GetActiveSession returns the user's active session. A session past its
// expiry is marked expired on the way out.
func (s *Store) GetActiveSession(userID string) (model.UserSession, error) {
	now := s.cfg.Now()

	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok || sess.Status != model.SessionActive {
		s.mu.Unlock()
		return model.UserSession{}, ErrNotAuthenticated
	}
	if sess.ExpiredAt(now) {
		sess.Status = model.SessionExpired
		expired := *sess
		s.record(expired)
		s.mu.Unlock()
		s.changed(expired)
		return model.UserSession{}, ErrNotAuthenticated
	}
	out := *sess
	s.mu.Unlock()
	return out, nil
}

// BeginDailyAuth starts the login handshake and returns the URL the user
// must visit. An active session stays usable until the handshake completes.
func (s *Store) BeginDailyAuth(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	authURL, err := s.auth.InitiateLogin(ctx, userID)
	if err != nil {
		return "", &AuthError{UserID: userID, Op: "initiate login", Err: err}
	}

	s.mu.Lock()
	s.pending[userID] = s.cfg.Now()
	s.mu.Unlock()

	s.logger.Info("daily auth begun", "user", userID)
	return authURL, nil
}

// CompleteDailyAuth exchanges the request token for an access token and
// installs a new active session, revoking any prior one.
func (s *Store) CompleteDailyAuth(ctx context.Context, userID, requestToken string) (model.UserSession, error) {
	s.mu.Lock()
	if _, ok := s.pending[userID]; !ok {
		s.mu.Unlock()
		return model.UserSession{}, ErrNoPendingAuth
	}
	if s.inflight[userID] {
		s.mu.Unlock()
		return model.UserSession{}, ErrAuthInProgress
	}
	s.inflight[userID] = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()
	tok, err := s.auth.ExchangeToken(ctx, userID, requestToken)

	s.mu.Lock()
	delete(s.inflight, userID)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("token exchange failed", "user", userID, "err", err)
		return model.UserSession{}, &AuthError{UserID: userID, Op: "exchange token", Err: err}
	}
	delete(s.pending, userID)

	now := s.cfg.Now()
	expires := s.cfg.Boundary.Next(now)
	if !tok.ExpiresAt.IsZero() && tok.ExpiresAt.Before(expires) {
		expires = tok.ExpiresAt
	}

	var revoked *model.UserSession
	if prior, ok := s.sessions[userID]; ok && prior.Status == model.SessionActive {
		prior.Status = model.SessionRevoked
		r := *prior
		revoked = &r
		s.record(r)
	}
	sess := &model.UserSession{
		UserID:             userID,
		BrokerageAccountID: tok.AccountID,
		AccessToken:        tok.AccessToken,
		IssuedAt:           now,
		ExpiresAt:          expires,
		Status:             model.SessionActive,
	}
	s.sessions[userID] = sess
	out := *sess
	s.record(out)
	s.mu.Unlock()

	if revoked != nil {
		s.changed(*revoked)
	}
	s.changed(out)
	s.logger.Info("session active", "user", userID, "account", out.BrokerageAccountID, "expires_at", out.ExpiresAt)
	return out, nil
}

// Invalidate revokes the user's active session and abandons any pending
// handshake. It reports whether an active session was revoked.
func (s *Store) Invalidate(userID string) bool {
	s.mu.Lock()
	delete(s.pending, userID)
	sess, ok := s.sessions[userID]
	if !ok || sess.Status != model.SessionActive {
		s.mu.Unlock()
		return false
	}
	sess.Status = model.SessionRevoked
	out := *sess
	s.record(out)
	s.mu.Unlock()

	s.changed(out)
	s.logger.Info("session revoked", "user", userID)
	return true
}

// Status returns where the user is in the session lifecycle.
func (s *Store) Status(userID string) State {
	now := s.cfg.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if ok && sess.Status == model.SessionActive && !sess.ExpiredAt(now) {
		return StateActive
	}
	if _, waiting := s.pending[userID]; waiting {
		return StateAwaitingToken
	}
	if !ok {
		return StateUnauthenticated
	}
	switch {
	case sess.Status == model.SessionRevoked:
		return StateRevoked
	default:
		return StateExpired
	}
}

// Current returns the user's latest session record, whatever its status.
func (s *Store) Current(userID string) (model.UserSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return model.UserSession{}, false
	}
	return *sess, true
}

// Active returns every session that is currently active and unexpired.
func (s *Store) Active() []model.UserSession {
	now := s.cfg.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UserSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Status == model.SessionActive && !sess.ExpiredAt(now) {
			out = append(out, *sess)
		}
	}
	return out
}

// Run expires sessions as their deadline passes until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep marks every active session past its expiry as expired and returns
// how many changed.
func (s *Store) Sweep() int {
	now := s.cfg.Now()

	s.mu.Lock()
	var expired []model.UserSession
	for _, sess := range s.sessions {
		if sess.Status == model.SessionActive && sess.ExpiredAt(now) {
			sess.Status = model.SessionExpired
			expired = append(expired, *sess)
			s.record(*sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.changed(sess)
		s.logger.Info("session expired", "user", sess.UserID)
	}
	return len(expired)
}

// record queues sess for audit. Callers hold s.mu.
func (s *Store) record(sess model.UserSession) {
	if s.persist != nil {
		s.persist.SaveSession(sess)
	}
}

func (s *Store) changed(sess model.UserSession) {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(sess)
	}
}
