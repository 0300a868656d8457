package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/atmx/trade-gateway/internal/metrics"
	"github.com/atmx/trade-gateway/internal/model"
)

// ErrQueueFull is reported to the alert hook when a write is dropped because
// the pending set reached its bound.
var ErrQueueFull = errors.New("store: write-behind queue full")

// WriteBehindConfig tunes the writer.
type WriteBehindConfig struct {
	Workers        int
	MaxPending     int           // distinct keys awaiting a write
	WriteTimeout   time.Duration // per attempt
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *WriteBehindConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 100000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
}

// AlertFunc is called when durability degrades. It runs on a worker and
// must not block.
type AlertFunc func(kind string, err error)

type job struct {
	kind  string
	write func(ctx context.Context) error
}

// WriteBehind persists records asynchronously. Enqueueing never blocks:
// writes are coalesced by record key so only the newest version of a
// record is written, and writes for one key never run concurrently.
// Failed writes are retried with backoff; when retries are exhausted the
// writer is marked degraded until a later write succeeds.
type WriteBehind struct {
	store  Store
	cfg    WriteBehindConfig
	alert  AlertFunc
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]job
	keys     []string // FIFO of keys in pending and not in flight
	inflight map[string]bool
	degraded bool

	wake chan struct{}
	idle chan struct{} // closed and replaced whenever the writer drains
}

// NewWriteBehind creates a writer over s. alert may be nil.
func NewWriteBehind(s Store, cfg WriteBehindConfig, alert AlertFunc) *WriteBehind {
	cfg.defaults()
	return &WriteBehind{
		store:    s,
		cfg:      cfg,
		alert:    alert,
		logger:   slog.With("component", "write-behind"),
		pending:  make(map[string]job),
		inflight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
		idle:     make(chan struct{}),
	}
}

// SaveSession queues a session write.
func (w *WriteBehind) SaveSession(s model.UserSession) {
	s.AccessToken = ""
	w.enqueue("session:"+s.UserID, JournalSession, func(ctx context.Context) error {
		return w.store.SaveSession(ctx, s)
	})
}

// SaveOrder queues an order write.
func (w *WriteBehind) SaveOrder(o model.OrderRecord) {
	w.enqueue("order:"+orderKey(o.UserID, o.ClientOrderKey), JournalOrder, func(ctx context.Context) error {
		return w.store.SaveOrder(ctx, o)
	})
}

// SavePosition queues a position write.
func (w *WriteBehind) SavePosition(p model.Position) {
	w.enqueue("position:"+positionKey(p.UserID, p.Symbol), JournalPosition, func(ctx context.Context) error {
		return w.store.SavePosition(ctx, p)
	})
}

// SaveRiskLimits queues a risk limits write.
func (w *WriteBehind) SaveRiskLimits(l model.RiskLimits) {
	w.enqueue("limits:"+l.UserID, JournalLimits, func(ctx context.Context) error {
		return w.store.SaveRiskLimits(ctx, l)
	})
}

func (w *WriteBehind) enqueue(key, kind string, write func(ctx context.Context) error) {
	w.mu.Lock()
	_, queued := w.pending[key]
	if !queued && len(w.pending) >= w.cfg.MaxPending {
		w.mu.Unlock()
		w.fail(kind, ErrQueueFull)
		return
	}
	w.pending[key] = job{kind: kind, write: write}
	if !queued && !w.inflight[key] {
		w.keys = append(w.keys, key)
	}
	depth := len(w.pending)
	w.mu.Unlock()

	metrics.PersistenceQueueDepth.Set(float64(depth))
	w.signal()
}

func (w *WriteBehind) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest runnable key.
func (w *WriteBehind) next() (string, job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.keys) == 0 {
		return "", job{}, false
	}
	key := w.keys[0]
	w.keys = w.keys[1:]
	j := w.pending[key]
	delete(w.pending, key)
	w.inflight[key] = true
	return key, j, true
}

func (w *WriteBehind) done(key string) {
	w.mu.Lock()
	delete(w.inflight, key)
	if _, ok := w.pending[key]; ok {
		w.keys = append(w.keys, key)
	}
	more := len(w.keys) > 0
	if len(w.pending) == 0 && len(w.inflight) == 0 {
		close(w.idle)
		w.idle = make(chan struct{})
	}
	depth := len(w.pending)
	w.mu.Unlock()

	metrics.PersistenceQueueDepth.Set(float64(depth))
	if more {
		w.signal()
	}
}

// Run starts the workers and blocks until ctx is cancelled. Writes still
// pending at that point are left for Flush.
func (w *WriteBehind) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (w *WriteBehind) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		for ctx.Err() == nil {
			key, j, ok := w.next()
			if !ok {
				break
			}
			// Let another worker pick up the rest.
			w.signal()
			w.process(ctx, key, j)
		}
	}
}

// Flush writes everything pending on the calling goroutine. It is meant for
// shutdown, after Run has returned.
func (w *WriteBehind) Flush(ctx context.Context) error {
	for {
		key, j, ok := w.next()
		if !ok {
			return nil
		}
		w.process(ctx, key, j)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Wait blocks until nothing is pending or in flight, or ctx ends.
func (w *WriteBehind) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		empty := len(w.pending) == 0 && len(w.inflight) == 0
		idle := w.idle
		w.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *WriteBehind) process(ctx context.Context, key string, j job) {
	err := w.write(ctx, j)
	switch {
	case err == nil:
		w.recovered()
	case ctx.Err() != nil:
		w.requeue(key, j)
	default:
		w.fail(j.kind, err)
	}
	w.done(key)
}

// requeue puts back a write interrupted by shutdown unless a newer version
// of the record is already pending.
func (w *WriteBehind) requeue(key string, j job) {
	w.mu.Lock()
	if _, newer := w.pending[key]; !newer {
		w.pending[key] = j
	}
	w.mu.Unlock()
}

func (w *WriteBehind) write(ctx context.Context, j job) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.InitialBackoff
	bo.MaxInterval = w.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
		err := j.write(attemptCtx)
		if err != nil {
			w.logger.Warn("write failed", "kind", j.kind, "err", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(w.cfg.MaxAttempts))
	return err
}

func (w *WriteBehind) fail(kind string, err error) {
	metrics.PersistenceFailures.WithLabelValues(kind).Inc()
	w.mu.Lock()
	first := !w.degraded
	w.degraded = true
	w.mu.Unlock()

	w.logger.Error("write dropped", "kind", kind, "err", err)
	if first {
		metrics.PersistenceDegraded.Set(1)
		w.logger.Error("durability degraded")
	}
	if w.alert != nil {
		w.alert(kind, err)
	}
}

func (w *WriteBehind) recovered() {
	w.mu.Lock()
	was := w.degraded
	w.degraded = false
	w.mu.Unlock()
	if was {
		metrics.PersistenceDegraded.Set(0)
		w.logger.Info("durability restored")
	}
}

// Degraded reports whether the most recent write outcome was a dropped
// write.
func (w *WriteBehind) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Pending returns the number of keys awaiting a write.
func (w *WriteBehind) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
