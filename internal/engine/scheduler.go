package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-hedge/internal/alert"
	"grid-hedge/internal/core"
	"grid-hedge/internal/store"
)

const systemStatusInterval = time.Minute

// Engine schedules registered strategies on a shared ticker. Ticks fan out
// across a bounded worker pool: strategies run in parallel with each other
// but strictly serially within themselves, and a strategy whose previous
// tick is still in flight is skipped, not queued.
type Engine struct {
	log        *zap.Logger
	bus        *alert.Bus
	store      *store.Store
	trades     *store.TradeRecorder
	interval   time.Duration
	workers    int
	instanceID string
	startedAt  time.Time

	mu       sync.RWMutex
	runtimes map[string]*Runtime
	order    []string

	started  bool
	stop     chan struct{}
	done     chan struct{}
	fatal    chan error
	stopOnce sync.Once
}

func New(log *zap.Logger, bus *alert.Bus, st *store.Store, trades *store.TradeRecorder, interval time.Duration, workers int) *Engine {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		log:        log.Named("engine"),
		bus:        bus,
		store:      st,
		trades:     trades,
		interval:   interval,
		workers:    workers,
		instanceID: uuid.NewString(),
		runtimes:   make(map[string]*Runtime),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		fatal:      make(chan error, 1),
	}
}

func (e *Engine) InstanceID() string { return e.instanceID }

// Add registers a strategy runtime. Call before Start.
func (e *Engine) Add(r *Runtime) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.runtimes[r.ID()]; !exists {
		e.order = append(e.order, r.ID())
	}
	e.runtimes[r.ID()] = r
}

// Start initialises every runtime, recovering persisted state, then launches
// the tick loop. A strategy whose init fails is stopped on its own; a
// persistence failure aborts the whole start.
func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now().UTC()
	e.mu.RLock()
	ids := append([]string(nil), e.order...)
	e.mu.RUnlock()

	for _, id := range ids {
		e.mu.RLock()
		r := e.runtimes[id]
		e.mu.RUnlock()
		if err := r.Init(ctx); err != nil {
			if errors.Is(err, core.ErrPersistence) {
				return err
			}
			e.log.Error("strategy init failed", zap.String("strategy_id", id), zap.Error(err))
			r.markFailed("init failed: " + err.Error())
			e.bus.Publish(alert.EventError, id, map[string]string{
				"stage":  "init",
				"detail": err.Error(),
			})
		}
	}

	e.bus.Publish(alert.EventSystemStart, "", map[string]string{
		"instance":   e.instanceID,
		"strategies": strconv.Itoa(len(ids)),
	})
	e.saveSystemStatus(true)
	e.started = true
	go e.loop()
	return nil
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	status := time.NewTicker(systemStatusInterval)
	defer status.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.runTick()
		case <-status.C:
			e.saveSystemStatus(true)
		}
	}
}

func (e *Engine) runTick() {
	e.mu.RLock()
	ids := append([]string(nil), e.order...)
	e.mu.RUnlock()
	if len(ids) == 0 {
		return
	}

	jobs := make(chan *Runtime)
	var wg sync.WaitGroup
	n := e.workers
	if n > len(ids) {
		n = len(ids)
	}
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				e.tickOne(r)
			}
		}()
	}
	for _, id := range ids {
		e.mu.RLock()
		r := e.runtimes[id]
		e.mu.RUnlock()
		if r != nil {
			jobs <- r
		}
	}
	close(jobs)
	wg.Wait()
}

// tickOne isolates one strategy's tick: a panic degrades that strategy and
// nothing else; a persistence failure is escalated for process shutdown.
func (e *Engine) tickOne(r *Runtime) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("tick panic",
				zap.String("strategy_id", r.ID()),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
			)
			r.markDegraded(fmt.Sprintf("tick panic: %v", rec))
			e.bus.Publish(alert.EventError, r.ID(), map[string]string{
				"stage":  "tick",
				"detail": fmt.Sprint(rec),
			})
		}
	}()

	budget := 2 * e.interval
	if budget < 10*time.Second {
		budget = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := r.TryTick(ctx); err != nil {
		if errors.Is(err, core.ErrPersistence) {
			select {
			case e.fatal <- err:
			default:
			}
			return
		}
		e.log.Error("tick failed", zap.String("strategy_id", r.ID()), zap.Error(err))
	}
}

// Fatal delivers the first unrecoverable error. The caller is expected to
// shut the process down; state on disk can no longer be trusted to advance.
func (e *Engine) Fatal() <-chan error { return e.fatal }

// Stop drains the in-flight tick, records a final status, and flushes the
// event stream.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.started {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.saveSystemStatus(false)
	e.bus.Publish(alert.EventSystemStop, "", map[string]string{"instance": e.instanceID})
	return e.bus.Close(ctx)
}

func (e *Engine) saveSystemStatus(running bool) {
	if e.store == nil {
		return
	}
	e.mu.RLock()
	count := len(e.runtimes)
	e.mu.RUnlock()
	err := e.store.SaveSystemStatus(store.SystemStatus{
		InstanceID:    e.instanceID,
		StartedAt:     e.startedAt,
		StrategyCount: count,
		Running:       running,
	})
	if err != nil {
		e.log.Warn("system status save", zap.Error(err))
	}
}
