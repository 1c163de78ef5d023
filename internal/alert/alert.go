package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Engine lifecycle and trading events published on the Bus.
const (
	EventSystemStart   = "system_start"
	EventSystemStop    = "system_stop"
	EventGridCreated   = "grid_created"
	EventOrderFilled   = "order_filled"
	EventRiskTriggered = "risk_triggered"
	EventError         = "error"
	EventHedgeDesync   = "hedge_desync"
)

// Event is a single notification carried by the Bus.
type Event struct {
	Name       string
	StrategyID string
	Fields     map[string]string
	At         time.Time
}

// Notifier delivers an event to an external sink.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type BusOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
}

// Bus fans events out to notifiers from a bounded queue. Publish never
// blocks the caller; events that do not fit are dropped and accounted.
type Bus struct {
	log                *zap.Logger
	notifiers          []Notifier
	queue              chan Event
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration

	droppedTotal  uint64
	droppedWindow uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewBus(log *zap.Logger, notifiers ...Notifier) *Bus {
	return NewBusWithOptions(log, BusOptions{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropReportInterval,
	}, notifiers...)
}

func NewBusWithOptions(log *zap.Logger, opts BusOptions, notifiers ...Notifier) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	b := &Bus{
		log:                log,
		notifiers:          notifiers,
		queue:              make(chan Event, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	b.wg.Add(1)
	go b.loop()
	if b.dropReportInterval > 0 {
		b.wg.Add(1)
		go b.dropReportLoop()
	}
	go func() {
		b.wg.Wait()
		close(b.done)
	}()
	return b
}

// Publish enqueues an event without blocking. The fields map is copied so
// callers may reuse it.
func (b *Bus) Publish(name, strategyID string, fields map[string]string) {
	if b == nil {
		return
	}
	ev := Event{
		Name:       name,
		StrategyID: strategyID,
		Fields:     cloneFields(fields),
		At:         time.Now().UTC(),
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	select {
	case b.queue <- ev:
		b.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&b.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&b.droppedWindow, 1)
		b.mu.RUnlock()
		// First drop in a window logs immediately; the rest fold into the
		// periodic summary.
		if droppedInWindow == 1 {
			b.log.Warn("event queue full, dropping",
				zap.String("event", name),
				zap.String("strategy_id", strategyID),
				zap.Uint64("dropped_total", droppedTotal),
				zap.Int("queue_len", len(b.queue)),
				zap.Int("queue_cap", cap(b.queue)),
			)
		}
	}
}

// Close drains the queue, delivering pending events, then stops the loops.
func (b *Bus) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.stop:
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					b.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (b *Bus) dropReportLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reportDroppedSummary()
		case <-b.stop:
			b.reportDroppedSummary()
			return
		}
	}
}

func (b *Bus) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&b.droppedWindow, 0)
	if dropped == 0 {
		return
	}
	b.log.Warn("dropped events summary",
		zap.Uint64("dropped_since_last", dropped),
		zap.Uint64("dropped_total", atomic.LoadUint64(&b.droppedTotal)),
		zap.Duration("report_interval", b.dropReportInterval),
	)
}

func (b *Bus) droppedStats() (total, window uint64) {
	if b == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&b.droppedTotal), atomic.LoadUint64(&b.droppedWindow)
}

func (b *Bus) deliver(ev Event) {
	logFields := make([]zap.Field, 0, len(ev.Fields)+2)
	logFields = append(logFields, zap.String("event", ev.Name))
	if ev.StrategyID != "" {
		logFields = append(logFields, zap.String("strategy_id", ev.StrategyID))
	}
	for _, k := range sortedKeys(ev.Fields) {
		logFields = append(logFields, zap.String(k, ev.Fields[k]))
	}
	switch ev.Name {
	case EventError, EventHedgeDesync, EventRiskTriggered:
		b.log.Warn("engine event", logFields...)
	default:
		b.log.Info("engine event", logFields...)
	}

	for _, n := range b.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := n.Notify(ctx, ev); err != nil {
			b.log.Error("notify failed",
				zap.String("event", ev.Name),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Render formats an event as a human readable multi-line message.
func Render(ev Event) string {
	lines := []string{
		"[grid-hedge] event",
		"time: " + ev.At.Format(time.RFC3339),
		"event: " + ev.Name,
	}
	if ev.StrategyID != "" {
		lines = append(lines, "strategy: "+ev.StrategyID)
	}
	for _, k := range sortedKeys(ev.Fields) {
		lines = append(lines, k+": "+ev.Fields[k])
	}
	return strings.Join(lines, "\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
