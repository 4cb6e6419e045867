// Package scheduler discovers artifacts marked has_loop and drives
// each one with its own goroutine: wake, think via the LLM gateway,
// submit one action, persist the outcome, repeat. Loops run in
// parallel with each other but strictly sequentially within
// themselves; the rate tracker is the only throttle. A supervisor
// restarts crashed loops with doubling backoff and declares them dead
// after repeated crashes inside a window.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/executor"
	"github.com/terrarium-sim/terrarium/internal/ledger"
)

// Config tunes the supervisor and the loops' LLM calls.
type Config struct {
	MaxRestarts   int           // consecutive crashes before a loop is dead
	RestartWindow time.Duration // crashes older than this stop counting
	BackoffCap    time.Duration // backoff doubles from 1s up to this
	Model         string        // model name passed to the gateway
	GatewayID     string        // the genesis LLM gateway artifact id
}

// Observer receives loop population changes for metrics.
type Observer struct {
	OnLoops   func(live, dead int)
	OnRestart func()
}

// loop is one supervised agent task.
type loop struct {
	id      string
	cancel  context.CancelFunc
	done    chan struct{}
	crashes []time.Time
	backoff time.Duration
}

type Scheduler struct {
	store  *artifacts.Store
	exec   *executor.Executor
	ledger *ledger.Ledger
	log    *events.Log
	bus    *events.Bus
	cfg    Config

	// auctionStatus feeds the world snapshot agents think about.
	auctionStatus func() map[string]interface{}

	mu    sync.Mutex
	loops map[string]*loop
	dead  map[string]bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	observe Observer
	logger  *log.Logger
}

func New(store *artifacts.Store, exec *executor.Executor, led *ledger.Ledger, eventLog *events.Log, bus *events.Bus, cfg Config) *Scheduler {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = 5 * time.Minute
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	return &Scheduler{
		store:  store,
		exec:   exec,
		ledger: led,
		log:    eventLog,
		bus:    bus,
		cfg:    cfg,
		loops:  make(map[string]*loop),
		dead:   make(map[string]bool),
		logger: log.New(log.Writer(), "[Scheduler] ", log.LstdFlags),
	}
}

// SetObserver installs the metrics hooks.
func (s *Scheduler) SetObserver(o Observer) { s.observe = o }

// SetAuctionStatus wires the mint's status into agent snapshots.
func (s *Scheduler) SetAuctionStatus(fn func() map[string]interface{}) { s.auctionStatus = fn }

// Start discovers every has_loop artifact, spins up its loop, and
// begins watching the event bus for loop artifacts appearing or
// disappearing at runtime.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	hasLoop := true
	found := s.store.Query(artifacts.Predicate{HasLoop: &hasLoop})
	s.logger.Printf("🚀 starting %d agent loop(s)", len(found))
	for _, a := range found {
		s.startLoop(a.ID)
	}

	ch := s.bus.Subscribe("scheduler", 256, events.TypeArtifactWritten, events.TypeArtifactDeleted)
	s.wg.Add(1)
	go s.watch(ch)
}

// Stop cancels every loop and waits for them to unwind. In-flight
// actions finish atomically first; that is the executor's contract.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.bus.Unsubscribe("scheduler")
	s.wg.Wait()
	s.logger.Printf("✅ all loops stopped")
}

// LoopRunning reports whether id has an active loop task. The store's
// delete guard uses it: a running loop's artifact cannot be deleted
// out from under it.
func (s *Scheduler) LoopRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[id]
	return ok
}

// Loops returns the dashboard's loop table.
func (s *Scheduler) Loops() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(s.loops)+len(s.dead))
	for id, l := range s.loops {
		out = append(out, map[string]interface{}{
			"id":      id,
			"status":  "running",
			"crashes": len(l.crashes),
		})
	}
	for id := range s.dead {
		out = append(out, map[string]interface{}{
			"id":     id,
			"status": "dead",
		})
	}
	return out
}

// watch reacts to loop artifacts being written or deleted after boot.
func (s *Scheduler) watch(ch <-chan events.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.reconcile(ev)
		}
	}
}

func (s *Scheduler) reconcile(ev events.Event) {
	id := ev.ArtifactID
	if id == "" {
		return
	}
	if ev.EventType == events.TypeArtifactDeleted {
		s.stopLoop(id)
		return
	}
	a, err := s.store.Get(id)
	if err != nil {
		s.stopLoop(id)
		return
	}
	if a.HasLoop {
		s.mu.Lock()
		wasDead := s.dead[id]
		delete(s.dead, id)
		s.mu.Unlock()
		if wasDead {
			s.logger.Printf("🔄 %s rewritten; clearing dead classification", id)
		}
		s.startLoop(id)
	} else {
		s.stopLoop(id)
	}
}

func (s *Scheduler) startLoop(id string) {
	s.mu.Lock()
	if _, running := s.loops[id]; running || s.dead[id] {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{
		id:      id,
		cancel:  cancel,
		done:    make(chan struct{}),
		backoff: time.Second,
	}
	s.loops[id] = l
	s.mu.Unlock()
	s.notifyLoops()

	s.wg.Add(1)
	go s.supervise(ctx, l)
}

func (s *Scheduler) stopLoop(id string) {
	s.mu.Lock()
	l, ok := s.loops[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	<-l.done
}

// supervise runs one loop, restarting it on crashes until it exits
// cleanly, the context ends, or the crash budget runs out.
func (s *Scheduler) supervise(ctx context.Context, l *loop) {
	defer s.wg.Done()
	defer close(l.done)
	defer func() {
		s.mu.Lock()
		delete(s.loops, l.id)
		s.mu.Unlock()
		s.notifyLoops()
	}()

	for {
		s.log.Append(events.TypeLoopStarted, l.id, l.id, nil)
		err := s.runGuarded(ctx, l.id)
		if err == nil {
			if ctx.Err() == nil {
				// Clean exit: artifact lost its loop flag or agent
				// marked itself not alive.
				s.log.Append(events.TypeLoopStopped, l.id, l.id, nil)
			}
			return
		}

		now := time.Now()
		l.crashes = append(l.crashes, now)
		kept := l.crashes[:0]
		for _, t := range l.crashes {
			if now.Sub(t) <= s.cfg.RestartWindow {
				kept = append(kept, t)
			}
		}
		l.crashes = kept

		s.logger.Printf("⚠️ loop %s crashed (%d/%d in window): %v", l.id, len(l.crashes), s.cfg.MaxRestarts, err)
		s.log.Append(events.TypeLoopCrashed, l.id, l.id, map[string]interface{}{
			"error":   err.Error(),
			"crashes": len(l.crashes),
		})

		if len(l.crashes) >= s.cfg.MaxRestarts {
			s.mu.Lock()
			s.dead[l.id] = true
			s.mu.Unlock()
			s.log.Append(events.TypeLoopDied, l.id, l.id, map[string]interface{}{
				"crashes": len(l.crashes),
			})
			s.logger.Printf("❌ loop %s classified dead after %d crashes", l.id, len(l.crashes))
			return
		}

		timer := time.NewTimer(l.backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		l.backoff *= 2
		if l.backoff > s.cfg.BackoffCap {
			l.backoff = s.cfg.BackoffCap
		}
		if s.observe.OnRestart != nil {
			s.observe.OnRestart()
		}
	}
}

// runGuarded converts a panicking loop body into a crash error.
func (s *Scheduler) runGuarded(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.runLoop(ctx, id)
}

func (s *Scheduler) notifyLoops() {
	if s.observe.OnLoops == nil {
		return
	}
	s.mu.Lock()
	live, dead := len(s.loops), len(s.dead)
	s.mu.Unlock()
	s.observe.OnLoops(live, dead)
}
