// Package kernel is the composition root: it wires the store, ledger,
// rate tracker, event log, sandbox, executor, scheduler, and mint into
// one explicit object, boots the world from genesis or a checkpoint,
// and runs it until shutdown. There are no hidden singletons; every
// subsystem reaches the others through the references assembled here.
package kernel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/checkpoint"
	"github.com/terrarium-sim/terrarium/internal/config"
	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/executor"
	"github.com/terrarium-sim/terrarium/internal/genesis"
	"github.com/terrarium-sim/terrarium/internal/ledger"
	"github.com/terrarium-sim/terrarium/internal/llm"
	"github.com/terrarium-sim/terrarium/internal/metrics"
	"github.com/terrarium-sim/terrarium/internal/mint"
	"github.com/terrarium-sim/terrarium/internal/rate"
	"github.com/terrarium-sim/terrarium/internal/sandbox"
	"github.com/terrarium-sim/terrarium/internal/scheduler"
)

type Kernel struct {
	cfg     *config.Config
	bus     *events.Bus
	log     *events.Log
	ledger  *ledger.Ledger
	tracker *rate.Tracker
	store   *artifacts.Store
	engine  *sandbox.Engine
	exec    *executor.Executor
	mint    *mint.Mint
	sched   *scheduler.Scheduler
	gateway llm.Gateway

	metrics  *metrics.Metrics
	registry *prometheus.Registry

	mirror  *events.RedisMirror
	archive *events.PGArchive

	system map[string]map[string]systemHandler

	mu       sync.Mutex
	running  bool
	shutdown bool
	logger   *log.Logger
}

// Option tweaks kernel construction; tests use it to inject gateways.
type Option func(*Kernel)

// WithGateway replaces the configured LLM provider.
func WithGateway(gw llm.Gateway) Option {
	return func(k *Kernel) { k.gateway = gw }
}

// New builds a kernel over a fresh event log. The world is empty
// until LoadGenesis runs.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	bus := events.NewBus()
	eventLog, err := events.Open(cfg.Events.LogPath, cfg.Events.FlushInterval(), bus)
	if err != nil {
		return nil, err
	}
	return build(cfg, bus, eventLog, opts...)
}

// Resume builds a kernel from a checkpoint, truncating the event log
// to the checkpoint's watermark and restoring every subsystem.
func Resume(cfg *config.Config, checkpointPath string, opts ...Option) (*Kernel, error) {
	cp, err := checkpoint.Load(checkpointPath)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus()
	eventLog, _, err := events.Resume(cfg.Events.LogPath, cp.Watermark, cfg.Events.FlushInterval(), bus)
	if err != nil {
		return nil, err
	}
	k, err := build(cfg, bus, eventLog, opts...)
	if err != nil {
		return nil, err
	}
	k.ledger.Restore(cp.Ledger)
	k.store.Restore(cp.Artifacts)
	k.tracker.RestoreWindows(cp.RateWindows)
	k.mint.Restore(cp.Mint)
	k.logger.Printf("✅ resumed from checkpoint (watermark %d, %d artifacts)", cp.Watermark, len(cp.Artifacts))
	return k, nil
}

func build(cfg *config.Config, bus *events.Bus, eventLog *events.Log, opts ...Option) (*Kernel, error) {
	led := ledger.New(eventLog, cfg.Budget.MaxAPICostUSD())
	store := artifacts.NewStore(led)

	limits := rate.Config{}
	for name, res := range cfg.RateLimiting.Resources {
		limits[name] = rate.Limit{Window: cfg.RateLimiting.Window(), Max: res.MaxPerWindow}
	}
	tracker := rate.NewTracker(limits)

	engine := sandbox.NewEngine(cfg.Executor.Timeout(), cfg.Executor.AllowedImports)
	exec := executor.New(store, led, tracker, engine, eventLog, executor.Options{
		MaxDepth:        cfg.Executor.MaxInvocationDepth,
		DefaultContract: genesis.ContractID,
		DefaultQuota:    cfg.Executor.DefaultDiskQuota,
	})

	k := &Kernel{
		cfg:     cfg,
		bus:     bus,
		log:     eventLog,
		ledger:  led,
		tracker: tracker,
		store:   store,
		engine:  engine,
		exec:    exec,
		logger:  log.New(log.Writer(), "[Kernel] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(k)
	}

	if k.gateway == nil {
		pricing := llm.Pricing{PerKInput: cfg.LLM.InputPriceUSD(), PerKOutput: cfg.LLM.OutputPriceUSD()}
		switch cfg.LLM.Provider {
		case "openai":
			k.gateway = llm.NewOpenAI(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.APIKey(), pricing)
		default:
			k.gateway = llm.NewStub(pricing)
		}
	}

	k.mint = mint.New(mint.Config{
		Period:    cfg.Mint.AuctionPeriod(),
		Window:    cfg.Mint.BiddingWindow(),
		FirstTick: cfg.Mint.FirstAuctionTick(),
		MinBid:    cfg.Mint.MinBid,
		Ratio:     cfg.Mint.MintRatio,
		UBISink:   cfg.Mint.UBISink,
	}, store, led, eventLog, k.scoreArtifact, genesis.MintID, cfg.World.Seed)

	k.sched = scheduler.New(store, exec, led, eventLog, bus, scheduler.Config{
		MaxRestarts:   cfg.Scheduler.MaxRestarts,
		RestartWindow: cfg.Scheduler.RestartWindow(),
		BackoffCap:    cfg.Scheduler.BackoffCap(),
		Model:         cfg.LLM.Model,
		GatewayID:     genesis.LLMGatewayID,
	})
	k.sched.SetAuctionStatus(k.mint.Status)
	store.SetLoopGuard(k.sched.LoopRunning)

	k.metrics, k.registry = metrics.New()
	exec.SetObserver(func(verb string, success bool, errorKind string, elapsed time.Duration) {
		k.metrics.RecordAction(verb, success, errorKind, elapsed.Seconds())
	})
	k.mint.SetObserver(k.metrics.RecordAuction)
	k.sched.SetObserver(scheduler.Observer{
		OnLoops: func(live, dead int) {
			k.metrics.LoopsLive.Set(float64(live))
			k.metrics.LoopsDead.Set(float64(dead))
		},
		OnRestart: func() { k.metrics.LoopRestarts.Inc() },
	})

	k.registerSystem()
	return k, nil
}

// LoadGenesis installs a world manifest into an empty kernel.
func (k *Kernel) LoadGenesis(m *genesis.Manifest) error {
	if k.store.Count() > 0 {
		return fmt.Errorf("kernel: genesis into a non-empty world")
	}
	return genesis.NewLoader(k.store, k.ledger, k.log).Load(m)
}

// Run starts every background task and blocks until ctx is cancelled
// or a systemic failure stops the world. The returned error is nil
// only for a clean shutdown.
func (k *Kernel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	k.mu.Lock()
	k.running = true
	k.mu.Unlock()

	if k.cfg.Events.Redis.Enabled {
		mirror, err := events.StartRedisMirror(
			k.cfg.Events.Redis.Addr, k.cfg.Events.Redis.Password,
			k.cfg.Events.Redis.DB, k.cfg.Events.Redis.Channel, k.bus)
		if err != nil {
			k.logger.Printf("⚠️ redis mirror disabled: %v", err)
		} else {
			k.mirror = mirror
		}
	}
	if k.cfg.Events.Postgres.Enabled {
		archive, err := events.StartPGArchive(k.cfg.Events.Postgres.DSN, k.cfg.Events.Postgres.Table, k.bus)
		if err != nil {
			k.logger.Printf("⚠️ postgres archive disabled: %v", err)
		} else {
			k.archive = archive
		}
	}

	go k.mint.Run(ctx)
	k.sched.Start(ctx)
	go k.pumpMetrics(ctx)

	var checkpointC <-chan time.Time
	if k.cfg.Checkpoint.Interval() > 0 && k.cfg.Checkpoint.Path != "" {
		ticker := time.NewTicker(k.cfg.Checkpoint.Interval())
		defer ticker.Stop()
		checkpointC = ticker.C
	}

	k.logger.Printf("🚀 world running: %d artifacts, %d loops", k.store.Count(), len(k.sched.Loops()))

	for {
		select {
		case <-ctx.Done():
			// Save while the log is still open so the checkpoint event
			// reaches disk with everything before it.
			if k.cfg.Checkpoint.Path != "" {
				if err := k.SaveCheckpoint(k.cfg.Checkpoint.Path); err != nil {
					k.logger.Printf("⚠️ final checkpoint: %v", err)
				}
			}
			k.stop()
			return nil
		case err := <-k.log.Err():
			// The event log is the source of truth; if it cannot be
			// written the world must not keep moving.
			k.logger.Printf("❌ event log failure: %v", err)
			cancel()
			k.stop()
			return fmt.Errorf("event log failure: %w", err)
		case <-checkpointC:
			if err := k.SaveCheckpoint(k.cfg.Checkpoint.Path); err != nil {
				k.logger.Printf("❌ periodic checkpoint: %v", err)
				cancel()
				k.stop()
				return fmt.Errorf("checkpoint failure: %w", err)
			}
		}
	}
}

// stop tears down background tasks exactly once.
func (k *Kernel) stop() {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return
	}
	k.shutdown = true
	k.mu.Unlock()

	k.sched.Stop()
	k.mint.Stop()
	if k.mirror != nil {
		k.mirror.Close()
	}
	if k.archive != nil {
		k.archive.Close()
	}
	if err := k.log.Close(); err != nil {
		k.logger.Printf("❌ closing event log: %v", err)
	}
	k.bus.Close()
	k.logger.Printf("✅ kernel stopped at watermark %d", k.log.Watermark())
}

// SaveCheckpoint captures the whole world into one file.
func (k *Kernel) SaveCheckpoint(path string) error {
	cp := &checkpoint.Checkpoint{
		SavedAt:     time.Now(),
		Watermark:   k.log.Watermark(),
		Artifacts:   k.store.All(),
		Ledger:      k.ledger.Snapshot(),
		RateWindows: k.tracker.SnapshotWindows(),
		Mint:        k.mint.Snapshot(),
	}
	if err := checkpoint.Save(path, cp); err != nil {
		return err
	}
	k.log.Append(events.TypeCheckpointSaved, "", "", map[string]interface{}{
		"path":      path,
		"watermark": cp.Watermark,
	})
	k.logger.Printf("💾 checkpoint saved at watermark %d", cp.Watermark)
	return nil
}

// pumpMetrics keeps the gauges tracking the live economy.
func (k *Kernel) pumpMetrics(ctx context.Context) {
	ch := k.bus.Subscribe("metrics", 1024)
	defer k.bus.Unsubscribe("metrics")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			k.metrics.EventsCommitted.Inc()
		case <-ticker.C:
			k.metrics.ScripSupply.Set(float64(k.ledger.TotalScrip()))
			k.metrics.MintedTotal.Set(float64(k.ledger.MintedTotal()))
			k.metrics.BurnedTotal.Set(float64(k.ledger.BurnedTotal()))
			spend, _ := k.ledger.APISpend().Float64()
			k.metrics.APISpendUSD.Set(spend)
			k.metrics.EventsDropped.Set(float64(k.bus.Dropped()))
		}
	}
}

// scoreArtifact is the mint's external validation bridge: it asks the
// gateway to price the winning artifact and charges the spend to the
// global budget cap.
func (k *Kernel) scoreArtifact(ctx context.Context, winner string, art artifacts.Artifact) (int64, error) {
	prompt := fmt.Sprintf(
		"You are the appraiser of an artifact economy. Score the following artifact "+
			"for usefulness and craft on an integer scale of 0 to 100. Reply with the "+
			"integer only.\n\nOwner: %s\nType: %s\nContent:\n%s\n\nCode:\n%s\n",
		winner, art.Type, art.Content, art.Code)

	reply, err := k.gateway.Generate(ctx, genesis.MintID, prompt, k.cfg.LLM.Model)
	if err != nil {
		return 0, err
	}
	if err := k.ledger.DebitLLMGlobal(reply.CostUSD); err != nil {
		return 0, err
	}
	return parseScore(reply.Text)
}

// parseScore extracts the first integer in the reply and clamps it to
// [0, 100].
func parseScore(text string) (int64, error) {
	var n int64 = -1
	inNumber := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c >= '0' && c <= '9' {
			if !inNumber {
				n = 0
				inNumber = true
			}
			n = n*10 + int64(c-'0')
			if n > 100 {
				n = 100
			}
		} else if inNumber {
			break
		}
	}
	if n < 0 {
		return 0, fmt.Errorf("scorer reply contains no integer: %q", text)
	}
	return n, nil
}

// Accessors for the dashboard, tooling, and tests.

func (k *Kernel) Config() *config.Config          { return k.cfg }
func (k *Kernel) Store() *artifacts.Store         { return k.store }
func (k *Kernel) Ledger() *ledger.Ledger          { return k.ledger }
func (k *Kernel) Tracker() *rate.Tracker          { return k.tracker }
func (k *Kernel) EventLog() *events.Log           { return k.log }
func (k *Kernel) Bus() *events.Bus                { return k.bus }
func (k *Kernel) Executor() *executor.Executor    { return k.exec }
func (k *Kernel) Mint() *mint.Mint                { return k.mint }
func (k *Kernel) Scheduler() *scheduler.Scheduler { return k.sched }
func (k *Kernel) Metrics() *metrics.Metrics       { return k.metrics }
func (k *Kernel) Registry() *prometheus.Registry  { return k.registry }
