package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridianpool/treasury/pkg/logging"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *captureSink) Push(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDeduperSuppressesWithinWindow(t *testing.T) {
	d := NewDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	ev := Event{Type: EventCommissionEarned, UserID: "user-1", Amount: 5, SourceID: "comm-1"}
	if !d.Allow(ev) {
		t.Fatal("first delivery must be allowed")
	}
	if d.Allow(ev) {
		t.Fatal("repeat within window must be suppressed")
	}

	// Same type and user but different source is a different event.
	other := Event{Type: EventCommissionEarned, UserID: "user-1", Amount: 5, SourceID: "comm-2"}
	if !d.Allow(other) {
		t.Fatal("distinct event must be allowed")
	}

	// Past the window the same event may fire again.
	now = now.Add(2 * time.Minute)
	if !d.Allow(ev) {
		t.Fatal("event past the window must be allowed")
	}
}

func TestDeduperEvictsExpiredEntries(t *testing.T) {
	d := NewDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		d.Allow(Event{Type: EventBalanceAdded, UserID: "user", Amount: float64(i), SourceID: "o"})
	}
	now = now.Add(5 * time.Minute)
	d.Allow(Event{Type: EventBalanceAdded, UserID: "user", Amount: 0, SourceID: "o"})

	d.mu.Lock()
	size := len(d.seen)
	d.mu.Unlock()
	if size != 1 {
		t.Errorf("expected expired entries to be evicted, map has %d entries", size)
	}
}

func TestNotifierDropsFailedDeliveries(t *testing.T) {
	sink := &captureSink{err: errors.New("sink down")}
	n := NewNotifier(sink, NewDeduper(time.Minute), logging.NewLogger())

	// Must not panic or propagate the sink error.
	n.Emit(context.Background(), Event{Type: EventPaymentVerified, UserID: "user-1", SourceID: "order-1"})
}

func TestNotifierDeliversAndSuppresses(t *testing.T) {
	sink := &captureSink{}
	n := NewNotifier(sink, NewDeduper(time.Minute), logging.NewLogger())

	ev := Event{Type: EventPaymentVerified, UserID: "user-1", Amount: 100, SourceID: "order-1"}
	n.Emit(context.Background(), ev)
	n.Emit(context.Background(), ev)

	if sink.count() != 1 {
		t.Fatalf("expected 1 delivered event, got %d", sink.count())
	}
}
