package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianpool/treasury/pkg/logging"
)

// Notification event types emitted by the credit engine.
const (
	EventPaymentVerified  = "payment_verified"
	EventBalanceAdded     = "balance_added"
	EventCommissionEarned = "commission_earned"
)

// Event is a user-facing notification produced by ledger activity.
type Event struct {
	Type     string
	UserID   string
	Amount   float64
	SourceID string // order ID or commission ID that triggered the event
}

// dedupeKey identifies an event for suppression. Two events with the
// same type, user, source, and amount are the same event.
func (e Event) dedupeKey() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%.8f", e.Type, e.UserID, e.SourceID, e.Amount)))
	return hex.EncodeToString(sum[:8])
}

// Sink delivers notification events. Implementations must tolerate
// duplicate delivery; the Deduper only suppresses within a window.
type Sink interface {
	Push(ctx context.Context, ev Event) error
}

// PostgresSink writes notifications as rows for downstream delivery.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Push(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO treasury.notifications (id, user_id, type, amount, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		uuid.New().String(), ev.UserID, ev.Type, ev.Amount, ev.SourceID)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// Deduper suppresses repeat events within a sliding window. Entries are
// evicted lazily on access, so the map stays bounded by recent traffic.
type Deduper struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Deduper{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether the event should be delivered and records it as
// sent when it should. A repeat within the window returns false.
func (d *Deduper) Allow(ev Event) bool {
	key := ev.dedupeKey()
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, sentAt := range d.seen {
		if now.Sub(sentAt) > d.window {
			delete(d.seen, k)
		}
	}
	if sentAt, ok := d.seen[key]; ok && now.Sub(sentAt) <= d.window {
		return false
	}
	d.seen[key] = now
	return true
}

// Notifier fans ledger events out to a sink with dedup suppression.
// Delivery is best-effort: a failed push is logged and dropped, never
// allowed to fail the credit that produced it.
type Notifier struct {
	sink   Sink
	dedupe *Deduper
	logger logging.Logger
}

func NewNotifier(sink Sink, dedupe *Deduper, logger logging.Logger) *Notifier {
	return &Notifier{sink: sink, dedupe: dedupe, logger: logger}
}

func (n *Notifier) Emit(ctx context.Context, ev Event) {
	if n == nil || n.sink == nil {
		return
	}
	if n.dedupe != nil && !n.dedupe.Allow(ev) {
		n.logger.WithFields(logging.Fields{
			"type":    ev.Type,
			"user_id": ev.UserID,
		}).Debug("Duplicate notification suppressed")
		return
	}
	if err := n.sink.Push(ctx, ev); err != nil {
		n.logger.WithError(err).WithFields(logging.Fields{
			"type":    ev.Type,
			"user_id": ev.UserID,
		}).Error("Failed to deliver notification")
	}
}
