package order

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/metrics"
	"github.com/atmx/trade-gateway/internal/model"
)

// OnBrokerageEvent folds one brokerage callback into the matching record.
// Events may be duplicated or reordered. Fills reach the position ledger
// before this returns, including fills for orders that are already
// terminal; such late fills leave the record unchanged.
func (r *Router) OnBrokerageEvent(ev broker.OrderEvent) {
	metrics.OrderEvents.WithLabelValues(string(ev.Kind)).Inc()

	r.mu.Lock()
	k, e := r.match(ev)
	if e == nil {
		r.park(ev)
		r.mu.Unlock()
		return
	}

	var parked []broker.OrderEvent
	if ev.BrokerageOrderID != "" && e.record.BrokerageOrderID == "" {
		e.record.BrokerageOrderID = ev.BrokerageOrderID
		r.byBroker[ev.BrokerageOrderID] = k
		parked = r.orphans[ev.BrokerageOrderID]
		delete(r.orphans, ev.BrokerageOrderID)
		r.orphanN -= len(parked)
	}
	fill, late, changed := r.apply(e, ev)
	rec := e.record
	if changed {
		r.save(rec)
	}
	r.mu.Unlock()

	if fill != nil {
		if late {
			metrics.LateFills.Inc()
			r.logger.Warn("fill for terminal order",
				"user", rec.UserID,
				"key", rec.ClientOrderKey,
				"status", rec.Status,
				"fill_id", fill.FillID,
			)
		}
		if _, err := r.deps.Positions.ApplyFill(*fill); err != nil {
			r.logger.Error("fill not applied", "user", rec.UserID, "fill_id", fill.FillID, "err", err)
		}
	}
	for _, p := range parked {
		r.OnBrokerageEvent(p)
	}
}

// match finds the record for ev by brokerage id, then by client key.
func (r *Router) match(ev broker.OrderEvent) (string, *entry) {
	if ev.BrokerageOrderID != "" {
		if k, ok := r.byBroker[ev.BrokerageOrderID]; ok {
			return k, r.orders[k]
		}
	}
	if ev.UserID != "" && ev.ClientOrderKey != "" {
		k := key(ev.UserID, ev.ClientOrderKey)
		if e, ok := r.orders[k]; ok {
			return k, e
		}
	}
	return "", nil
}

// park holds an event until its brokerage id can be matched.
func (r *Router) park(ev broker.OrderEvent) {
	if ev.BrokerageOrderID == "" {
		r.logger.Warn("dropping unmatchable event", "kind", ev.Kind, "user", ev.UserID, "key", ev.ClientOrderKey)
		return
	}
	if r.orphanN >= r.cfg.MaxOrphans {
		r.logger.Warn("orphan buffer full, dropping event", "kind", ev.Kind, "brokerage_id", ev.BrokerageOrderID)
		return
	}
	r.orphans[ev.BrokerageOrderID] = append(r.orphans[ev.BrokerageOrderID], ev)
	r.orphanN++
}

// apply mutates e for ev. It returns the fill to forward to the position
// ledger, whether that fill arrived after the record was terminal, and
// whether the record changed.
func (r *Router) apply(e *entry, ev broker.OrderEvent) (*model.Fill, bool, bool) {
	rec := &e.record
	now := r.cfg.Now()
	changed := false
	if rec.Unconfirmed {
		rec.Unconfirmed = false
		changed = true
	}

	switch ev.Kind {
	case broker.EventAccepted:
		if rec.Status.CanMoveTo(model.OrderAccepted) {
			rec.Status = model.OrderAccepted
			changed = true
		}

	case broker.EventFill:
		if ev.FillID == "" || !ev.Quantity.IsPositive() {
			r.logger.Warn("ignoring malformed fill", "user", rec.UserID, "key", rec.ClientOrderKey)
			break
		}
		if _, dup := e.fills[ev.FillID]; dup {
			break
		}
		e.fills[ev.FillID] = struct{}{}

		executed := ev.Time
		if executed.IsZero() {
			executed = now
		}
		fill := &model.Fill{
			FillID:           ev.FillID,
			UserID:           rec.UserID,
			ClientOrderKey:   rec.ClientOrderKey,
			BrokerageOrderID: rec.BrokerageOrderID,
			Symbol:           rec.Symbol,
			Side:             rec.Side,
			Quantity:         ev.Quantity,
			Price:            ev.Price,
			ExecutedAt:       executed,
		}
		if rec.Status.Terminal() {
			if changed {
				rec.UpdatedAt = now
			}
			return fill, true, changed
		}

		filled := rec.FilledQuantity.Add(ev.Quantity)
		cost := rec.FilledQuantity.Mul(rec.AvgFillPrice).Add(ev.Quantity.Mul(ev.Price))
		rec.AvgFillPrice = cost.Div(filled)
		rec.FilledQuantity = filled
		if filled.GreaterThanOrEqual(rec.Quantity) {
			rec.Status = model.OrderFilled
		} else {
			rec.Status = model.OrderPartiallyFilled
		}
		rec.UpdatedAt = now
		return fill, false, true

	case broker.EventRejected:
		if rec.Status.CanMoveTo(model.OrderRejected) {
			rec.Status = model.OrderRejected
			rec.Reason = ev.Reason
			changed = true
		}

	case broker.EventCancelled:
		if rec.Status.CanMoveTo(model.OrderCancelled) {
			rec.Status = model.OrderCancelled
			changed = true
		}
	}

	if changed {
		rec.UpdatedAt = now
	}
	return nil, false, changed
}

// reconcile polls the brokerage for an order whose submission outcome is
// unknown. An order the brokerage has never seen is rejected.
func (r *Router) reconcile(sess model.UserSession, k, clientKey string) {
	r.background(func() {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = r.cfg.ReconcileInitial
		bo.MaxInterval = r.cfg.ReconcileMax

		st, err := backoff.Retry(r.ctx, func() (broker.OrderState, error) {
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SubmitTimeout)
			defer cancel()
			st, err := r.deps.API.OrderStatus(ctx, sess, clientKey)
			if errors.Is(err, broker.ErrOrderNotFound) {
				return st, backoff.Permanent(err)
			}
			return st, err
		}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(r.cfg.ReconcileMaxElapsed))

		switch {
		case errors.Is(err, broker.ErrOrderNotFound):
			// An event may have confirmed the order while polling.
			if rec, _ := r.lookup(k); rec.Unconfirmed {
				r.finish(k, model.OrderRejected, "unknown to brokerage")
				r.logger.Info("unconfirmed order unknown to brokerage", "user", sess.UserID, "key", clientKey)
			}
		case err != nil:
			if r.ctx.Err() == nil {
				r.logger.Error("reconciliation gave up", "user", sess.UserID, "key", clientKey, "err", err)
			}
		default:
			r.resolve(sess.UserID, k, clientKey, st)
		}
	})
}

// resolve applies a polled brokerage state through the normal event path.
func (r *Router) resolve(userID, k, clientKey string, st broker.OrderState) {
	r.confirm(k, st.BrokerageOrderID)

	base := broker.OrderEvent{
		UserID:           userID,
		ClientOrderKey:   clientKey,
		BrokerageOrderID: st.BrokerageOrderID,
		Time:             r.cfg.Now(),
	}
	if st.Status != model.OrderRejected {
		ev := base
		ev.Kind = broker.EventAccepted
		r.OnBrokerageEvent(ev)
	}
	for _, f := range st.Fills {
		f.UserID, f.ClientOrderKey = userID, clientKey
		r.OnBrokerageEvent(f)
	}
	switch st.Status {
	case model.OrderRejected:
		ev := base
		ev.Kind, ev.Reason = broker.EventRejected, st.Reason
		r.OnBrokerageEvent(ev)
	case model.OrderCancelled:
		ev := base
		ev.Kind = broker.EventCancelled
		r.OnBrokerageEvent(ev)
	}
	rec, _ := r.lookup(k)
	r.logger.Info("order reconciled", "user", userID, "key", clientKey, "status", rec.Status)
}

// AttachSession starts the order event stream for an active session,
// replacing any stream opened with an older token.
func (r *Router) AttachSession(sess model.UserSession) {
	r.mu.Lock()
	if s, ok := r.streams[sess.UserID]; ok {
		if s.token == sess.AccessToken {
			r.mu.Unlock()
			return
		}
		s.cancel()
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.streams[sess.UserID] = &stream{token: sess.AccessToken, cancel: cancel}
	r.mu.Unlock()

	if !r.background(func() { r.runStream(ctx, sess) }) {
		cancel()
	}
}

// DetachSession stops the user's order event stream.
func (r *Router) DetachSession(userID string) {
	r.mu.Lock()
	s, ok := r.streams[userID]
	delete(r.streams, userID)
	r.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Streaming reports whether an event stream is attached for the user.
func (r *Router) Streaming(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[userID]
	return ok
}

func (r *Router) runStream(ctx context.Context, sess model.UserSession) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.StreamInitial
	bo.MaxInterval = r.cfg.StreamMax
	log := r.logger.With("user", sess.UserID)

	for {
		events, err := r.deps.API.OrderEvents(ctx, sess)
		if err == nil {
			log.Info("order event stream open")
			bo.Reset()
			for ev := range events {
				r.OnBrokerageEvent(ev)
			}
		}
		if ctx.Err() != nil {
			log.Info("order event stream closed")
			return
		}
		wait := bo.NextBackOff()
		log.Warn("order event stream lost, retrying", "err", err, "in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
