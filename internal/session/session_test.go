package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/broker/paper"
	"github.com/atmx/trade-gateway/internal/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	seen []model.UserSession
}

func (r *recorder) SaveSession(s model.UserSession) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

var ist = time.FixedZone("IST", 5*3600+30*60)

func newStore(t *testing.T, tokenTTL time.Duration) (*Store, *paper.Broker, *clock, *recorder) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, ist)}
	b := paper.New("", tokenTTL)
	rec := &recorder{}
	st := New(b, Config{
		Boundary:    Boundary{Hour: 6, Location: ist},
		AuthTimeout: time.Second,
		Now:         clk.Now,
	}, rec)
	return st, b, clk, rec
}

func authenticate(t *testing.T, st *Store, b *paper.Broker, userID string) model.UserSession {
	t.Helper()
	ctx := context.Background()
	_, err := st.BeginDailyAuth(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingToken, st.Status(userID))

	reqToken, ok := b.PendingRequestToken(userID)
	require.True(t, ok)
	sess, err := st.CompleteDailyAuth(ctx, userID, reqToken)
	require.NoError(t, err)
	return sess
}

func TestBoundary_NextAndStart(t *testing.T) {
	b := Boundary{Hour: 6, Location: ist}

	before := time.Date(2026, 3, 2, 5, 59, 0, 0, ist)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, ist), b.Next(before))
	assert.Equal(t, time.Date(2026, 3, 1, 6, 0, 0, 0, ist), b.Start(before))

	at := time.Date(2026, 3, 2, 6, 0, 0, 0, ist)
	assert.Equal(t, time.Date(2026, 3, 3, 6, 0, 0, 0, ist), b.Next(at))
	assert.Equal(t, at, b.Start(at))

	// UTC input is interpreted in the boundary's zone.
	utc := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC) // 06:30 IST
	assert.True(t, b.Start(utc).Equal(at))
}

func TestNoSession_NotAuthenticated(t *testing.T) {
	st, _, _, _ := newStore(t, 0)
	_, err := st.GetActiveSession("u1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, StateUnauthenticated, st.Status("u1"))
}

func TestCompleteDailyAuth_ExpiresAtBoundary(t *testing.T) {
	st, b, _, rec := newStore(t, 0)
	sess := authenticate(t, st, b, "u1")

	assert.Equal(t, model.SessionActive, sess.Status)
	assert.Equal(t, "PAPER-u1", sess.BrokerageAccountID)
	assert.True(t, sess.ExpiresAt.Equal(time.Date(2026, 3, 3, 6, 0, 0, 0, ist)))
	assert.Equal(t, StateActive, st.Status("u1"))

	got, err := st.GetActiveSession("u1")
	require.NoError(t, err)
	assert.Equal(t, sess.AccessToken, got.AccessToken)
	require.Len(t, rec.seen, 1)
}

func TestCompleteDailyAuth_TokenExpiryEarlierThanBoundary(t *testing.T) {
	st, b, _, _ := newStore(t, time.Hour)
	sess := authenticate(t, st, b, "u1")
	assert.True(t, sess.ExpiresAt.Before(time.Date(2026, 3, 3, 6, 0, 0, 0, ist)))
}

func TestGetActiveSession_PastExpiry(t *testing.T) {
	st, b, clk, _ := newStore(t, 0)
	authenticate(t, st, b, "u1")

	var notified []model.SessionStatus
	st.Subscribe(func(s model.UserSession) { notified = append(notified, s.Status) })

	clk.Advance(21 * time.Hour) // 07:00 next day
	_, err := st.GetActiveSession("u1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, StateExpired, st.Status("u1"))
	assert.Equal(t, []model.SessionStatus{model.SessionExpired}, notified)

	// Subsequent calls keep failing without a second notification.
	_, err = st.GetActiveSession("u1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Len(t, notified, 1)
}

func TestCompleteDailyAuth_RevokesPrior(t *testing.T) {
	st, b, _, _ := newStore(t, 0)
	first := authenticate(t, st, b, "u1")

	var changes []model.UserSession
	st.Subscribe(func(s model.UserSession) { changes = append(changes, s) })

	second := authenticate(t, st, b, "u1")
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	require.Len(t, changes, 2)
	assert.Equal(t, model.SessionRevoked, changes[0].Status)
	assert.Equal(t, first.AccessToken, changes[0].AccessToken)
	assert.Equal(t, model.SessionActive, changes[1].Status)

	got, err := st.GetActiveSession("u1")
	require.NoError(t, err)
	assert.Equal(t, second.AccessToken, got.AccessToken)
}

func TestCompleteDailyAuth_NoPending(t *testing.T) {
	st, _, _, _ := newStore(t, 0)
	_, err := st.CompleteDailyAuth(context.Background(), "u1", "tok")
	assert.ErrorIs(t, err, ErrNoPendingAuth)
}

func TestCompleteDailyAuth_BadTokenIsAuthError(t *testing.T) {
	st, _, _, _ := newStore(t, 0)
	_, err := st.BeginDailyAuth(context.Background(), "u1")
	require.NoError(t, err)

	_, err = st.CompleteDailyAuth(context.Background(), "u1", "wrong")
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "u1", authErr.UserID)
	assert.ErrorIs(t, err, broker.ErrInvalidToken)
	assert.Equal(t, StateAwaitingToken, st.Status("u1"))
}

type blockingAuth struct {
	release chan struct{}
	entered chan struct{}
}

func (a *blockingAuth) InitiateLogin(context.Context, string) (string, error) {
	return "https://login.invalid", nil
}

func (a *blockingAuth) ExchangeToken(ctx context.Context, userID, _ string) (broker.Token, error) {
	close(a.entered)
	select {
	case <-a.release:
		return broker.Token{AccessToken: "tok-" + userID, AccountID: "ACC"}, nil
	case <-ctx.Done():
		return broker.Token{}, ctx.Err()
	}
}

func TestCompleteDailyAuth_ConcurrentSecondCallerRejected(t *testing.T) {
	auth := &blockingAuth{release: make(chan struct{}), entered: make(chan struct{})}
	st := New(auth, Config{AuthTimeout: 5 * time.Second}, nil)
	ctx := context.Background()

	_, err := st.BeginDailyAuth(ctx, "u1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := st.CompleteDailyAuth(ctx, "u1", "t")
		done <- err
	}()
	<-auth.entered

	_, err = st.CompleteDailyAuth(ctx, "u1", "t")
	assert.ErrorIs(t, err, ErrAuthInProgress)

	close(auth.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateActive, st.Status("u1"))
}

func TestCompleteDailyAuth_Timeout(t *testing.T) {
	auth := &blockingAuth{release: make(chan struct{}), entered: make(chan struct{})}
	st := New(auth, Config{AuthTimeout: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	_, err := st.BeginDailyAuth(ctx, "u1")
	require.NoError(t, err)
	_, err = st.CompleteDailyAuth(ctx, "u1", "t")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = st.GetActiveSession("u1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestInvalidate(t *testing.T) {
	st, b, _, rec := newStore(t, 0)
	authenticate(t, st, b, "u1")

	assert.True(t, st.Invalidate("u1"))
	assert.False(t, st.Invalidate("u1"))
	assert.Equal(t, StateRevoked, st.Status("u1"))
	_, err := st.GetActiveSession("u1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, model.SessionRevoked, rec.seen[len(rec.seen)-1].Status)
}

func TestSweep(t *testing.T) {
	st, b, clk, _ := newStore(t, 0)
	authenticate(t, st, b, "u1")
	authenticate(t, st, b, "u2")
	assert.Len(t, st.Active(), 2)

	assert.Equal(t, 0, st.Sweep())
	clk.Advance(24 * time.Hour)
	assert.Equal(t, 2, st.Sweep())
	assert.Empty(t, st.Active())
}

// heldRecorder pauses the first active save until release is closed.
type heldRecorder struct {
	recorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *heldRecorder) SaveSession(s model.UserSession) {
	if s.Status == model.SessionActive {
		h.once.Do(func() {
			close(h.entered)
			<-h.release
		})
	}
	h.recorder.SaveSession(s)
}

func TestInvalidate_RacingCompletionAuditsRevokedLast(t *testing.T) {
	b := paper.New("", 0)
	rec := &heldRecorder{entered: make(chan struct{}), release: make(chan struct{})}
	st := New(b, Config{AuthTimeout: time.Second}, rec)

	var mu sync.Mutex
	var notified []model.SessionStatus
	st.Subscribe(func(s model.UserSession) {
		mu.Lock()
		notified = append(notified, s.Status)
		mu.Unlock()
	})

	_, err := st.BeginDailyAuth(context.Background(), "u1")
	require.NoError(t, err)
	reqToken, ok := b.PendingRequestToken("u1")
	require.True(t, ok)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := st.CompleteDailyAuth(context.Background(), "u1", reqToken)
		assert.NoError(t, err)
	}()
	<-rec.entered
	go func() {
		defer wg.Done()
		st.Invalidate("u1")
	}()
	time.Sleep(20 * time.Millisecond)
	close(rec.release)
	wg.Wait()

	cur, ok := st.Current("u1")
	require.True(t, ok)
	assert.Equal(t, model.SessionRevoked, cur.Status)
	assert.Equal(t, StateRevoked, st.Status("u1"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.seen, 2)
	assert.Equal(t, model.SessionActive, rec.seen[0].Status)
	assert.Equal(t, model.SessionRevoked, rec.seen[1].Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, notified, 2)
}
