package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/trade-gateway/internal/metrics"
	"github.com/atmx/trade-gateway/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the journal uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns a writer keyed by user so one user's events stay
// ordered within a partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
}

// JournalEvent is one journal message value.
type JournalEvent struct {
	Type   string          `json:"type"`
	UserID string          `json:"user_id"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data"`
}

// Journal event types.
const (
	JournalSession  = "session"
	JournalOrder    = "order"
	JournalPosition = "position"
	JournalLimits   = "risk_limits"
)

// JournalStore decorates a Store and appends every successful write to a
// Kafka topic. The journal is an audit stream: a failed publish is logged
// and counted but does not fail the write.
type JournalStore struct {
	Store
	w      MessageWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewJournalStore wraps primary.
func NewJournalStore(primary Store, w MessageWriter) *JournalStore {
	return &JournalStore{
		Store:  primary,
		w:      w,
		logger: slog.With("component", "journal"),
		now:    time.Now,
	}
}

func (s *JournalStore) SaveSession(ctx context.Context, sess model.UserSession) error {
	if err := s.Store.SaveSession(ctx, sess); err != nil {
		return err
	}
	sess.AccessToken = ""
	s.publish(ctx, JournalSession, sess.UserID, sess)
	return nil
}

func (s *JournalStore) SaveOrder(ctx context.Context, o model.OrderRecord) error {
	if err := s.Store.SaveOrder(ctx, o); err != nil {
		return err
	}
	s.publish(ctx, JournalOrder, o.UserID, o)
	return nil
}

func (s *JournalStore) SavePosition(ctx context.Context, p model.Position) error {
	if err := s.Store.SavePosition(ctx, p); err != nil {
		return err
	}
	s.publish(ctx, JournalPosition, p.UserID, p)
	return nil
}

func (s *JournalStore) SaveRiskLimits(ctx context.Context, l model.RiskLimits) error {
	if err := s.Store.SaveRiskLimits(ctx, l); err != nil {
		return err
	}
	s.publish(ctx, JournalLimits, l.UserID, l)
	return nil
}

func (s *JournalStore) publish(ctx context.Context, typ, userID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("journal encode failed", "type", typ, "user", userID, "err", err)
		return
	}
	at := s.now().UTC()
	value, err := json.Marshal(JournalEvent{Type: typ, UserID: userID, At: at, Data: data})
	if err != nil {
		s.logger.Error("journal encode failed", "type", typ, "user", userID, "err", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(userID),
		Value: value,
		Time:  at,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(typ)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		metrics.PersistenceFailures.WithLabelValues("journal").Inc()
		s.logger.Warn("journal publish failed", "type", typ, "user", userID, "err", err)
	}
}
