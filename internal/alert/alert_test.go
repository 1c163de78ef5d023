package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu  sync.Mutex
	evs []Event
}

func (n *notifierSpy) Notify(ctx context.Context, ev Event) error {
	if n.entered != nil {
		n.once.Do(func() { close(n.entered) })
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.evs = append(n.evs, ev)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.evs)
}

func (n *notifierSpy) first() Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.evs) == 0 {
		return Event{}
	}
	return n.evs[0]
}

func TestBusCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	b := NewBus(zap.NewNop(), spy)

	b.Publish(EventSystemStart, "", map[string]string{"instance": "test"})
	b.Publish(EventGridCreated, "eth-grid-1", map[string]string{"levels": "5"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	require.Equal(t, 2, spy.count())
	require.Equal(t, EventSystemStart, spy.first().Name)
}

func TestBusPublishNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	b := NewBus(zap.NewNop(), spy)

	b.Publish(EventOrderFilled, "s1", nil)
	select {
	case <-spy.entered:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("notifier did not enter blocked state")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(EventOrderFilled, "s1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Publish appears blocked when queue is full")
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
}

func TestBusTracksDroppedCounts(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	b := NewBusWithOptions(zap.NewNop(), BusOptions{QueueSize: 1}, spy)

	b.Publish(EventOrderFilled, "s1", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	// Fill the single queue slot while the notifier is blocked, then drop.
	b.Publish(EventOrderFilled, "s1", nil)
	for i := 0; i < 10; i++ {
		b.Publish(EventError, "s1", map[string]string{"i": "x"})
	}

	total, window := b.droppedStats()
	require.EqualValues(t, 10, total)
	require.EqualValues(t, 10, window)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
}

func TestRenderIncludesSortedFields(t *testing.T) {
	msg := Render(Event{
		Name:       EventRiskTriggered,
		StrategyID: "eth-grid-1",
		Fields:     map[string]string{"reason": "stop_loss", "loss_pct": "12.5"},
		At:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	require.Contains(t, msg, "event: risk_triggered")
	require.Contains(t, msg, "strategy: eth-grid-1")
	lossIdx := strings.Index(msg, "loss_pct")
	reasonIdx := strings.Index(msg, "reason")
	require.Greater(t, reasonIdx, lossIdx)
}
