// Package mint creates new scrip from external validation. A clock
// goroutine drives a periodic sealed-bid (Vickrey) auction: principals
// bid scrip on their own executable artifacts, the winner pays the
// second-highest bid, an external scorer prices the winning artifact,
// and the payment is redistributed as UBI to every standing principal.
// Bids are escrowed as ledger holds, never debited, until resolution.
package mint

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/fault"
	"github.com/terrarium-sim/terrarium/internal/ledger"
)

// Phase is the auction cycle state.
type Phase string

const (
	PhaseWaiting Phase = "WAITING"
	PhaseBidding Phase = "BIDDING"
	PhaseClosed  Phase = "CLOSED"
	PhaseScoring Phase = "SCORING"
)

// Scorer prices a winning artifact, returning a score in [0, 100].
// Expected to call an LLM; a failure refunds the winner's bid.
type Scorer func(ctx context.Context, winner string, artifact artifacts.Artifact) (int64, error)

// Config is the auction schedule and economics.
type Config struct {
	Period    time.Duration // auction_period
	Window    time.Duration // bidding_window
	FirstTick time.Duration // first_auction_tick, from Run
	MinBid    int64
	Ratio     int64  // mint_ratio: minted scrip = score / Ratio
	UBISink   string // remainder principal; empty keeps it with the mint
}

// bid is one principal's current offer. A newer bid from the same
// principal supersedes it and releases its hold.
type bid struct {
	Bidder     string    `json:"bidder"`
	ArtifactID string    `json:"artifact_id"`
	Amount     int64     `json:"amount"`
	HoldID     string    `json:"hold_id"`
	PlacedAt   time.Time `json:"placed_at"`
}

type Mint struct {
	mu     sync.Mutex
	cfg    Config
	store  *artifacts.Store
	ledger *ledger.Ledger
	log    *events.Log
	scorer Scorer
	rng    *rand.Rand
	selfID string // the genesis mint principal; ledger authority

	phase       Phase
	cycle       int64
	bids        map[string]*bid
	biddingEnds time.Time
	nextStart   time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool

	observe func(outcome string)
	now     func() time.Time
	logger  *log.Logger
}

func New(cfg Config, store *artifacts.Store, led *ledger.Ledger, eventLog *events.Log, scorer Scorer, selfID string, seed int64) *Mint {
	return &Mint{
		cfg:    cfg,
		store:  store,
		ledger: led,
		log:    eventLog,
		scorer: scorer,
		rng:    rand.New(rand.NewSource(seed)),
		selfID: selfID,
		phase:  PhaseWaiting,
		bids:   make(map[string]*bid),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
		logger: log.New(log.Writer(), "[Mint] ", log.LstdFlags),
	}
}

// SetObserver installs the metrics hook, called once per finished
// cycle with "settled", "refunded", or "empty".
func (m *Mint) SetObserver(fn func(outcome string)) { m.observe = fn }

// Run drives the auction clock until ctx is cancelled or Stop is
// called. The first bidding window opens FirstTick after this call
// unless a restored snapshot already scheduled it.
func (m *Mint) Run(ctx context.Context) {
	defer close(m.doneCh)

	m.mu.Lock()
	m.started = true
	if m.nextStart.IsZero() && m.phase != PhaseBidding {
		m.nextStart = m.now().Add(m.cfg.FirstTick)
	}
	m.mu.Unlock()
	m.logger.Printf("⏰ auction clock running (period=%s window=%s)", m.cfg.Period, m.cfg.Window)

	for {
		m.mu.Lock()
		var wake time.Time
		switch m.phase {
		case PhaseBidding:
			wake = m.biddingEnds
		default:
			wake = m.nextStart
		}
		m.mu.Unlock()

		timer := time.NewTimer(time.Until(wake))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.stopCh:
			timer.Stop()
			return
		}

		m.mu.Lock()
		bidding := m.phase == PhaseBidding
		m.mu.Unlock()
		if bidding {
			m.CloseAndResolve(ctx)
		} else {
			m.OpenBidding()
		}
	}
}

// Stop halts the clock; a resolution already in flight completes.
func (m *Mint) Stop() {
	m.mu.Lock()
	if !m.started {
		m.started = true
		m.mu.Unlock()
		close(m.stopCh)
		close(m.doneCh)
		return
	}
	m.mu.Unlock()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

// OpenBidding starts the next cycle's bidding window. Exported so
// tests can drive the state machine without the clock.
func (m *Mint) OpenBidding() {
	m.mu.Lock()
	if m.phase == PhaseBidding {
		m.mu.Unlock()
		return
	}
	m.cycle++
	m.phase = PhaseBidding
	start := m.now()
	m.biddingEnds = start.Add(m.cfg.Window)
	m.nextStart = start.Add(m.cfg.Period)
	cycle := m.cycle
	ends := m.biddingEnds
	m.mu.Unlock()

	m.logger.Printf("🔔 auction %d: bidding open until %s", cycle, ends.Format(time.RFC3339))
	m.log.Append(events.TypeAuctionStarted, "", "", map[string]interface{}{
		"auction":     cycle,
		"min_bid":     m.cfg.MinBid,
		"bidding_for": m.cfg.Window.Seconds(),
	})
}

// Bid submits or replaces the bidder's sealed bid for the open window.
// The amount is escrowed as a ledger hold; superseded holds release.
func (m *Mint) Bid(bidder, artifactID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseBidding {
		return fault.Errorf(fault.KindInvalidArgument, "no bidding window open (auction is %s)", m.phase)
	}
	if amount < m.cfg.MinBid {
		return fault.Errorf(fault.KindInvalidArgument, "bid %d below minimum %d", amount, m.cfg.MinBid)
	}
	art, err := m.store.Get(artifactID)
	if err != nil {
		return err
	}
	if !art.CanExecute {
		return fault.Errorf(fault.KindInvalidArgument, "bid artifact %s is not executable", artifactID)
	}
	if art.CreatedBy != bidder {
		return fault.Errorf(fault.KindPermissionDenied, "%s does not own %s", bidder, artifactID)
	}

	if prev, ok := m.bids[bidder]; ok {
		if err := m.ledger.ReleaseHold(prev.HoldID); err != nil {
			return err
		}
		delete(m.bids, bidder)
	}
	holdID, err := m.ledger.Hold(bidder, amount)
	if err != nil {
		return err
	}
	m.bids[bidder] = &bid{
		Bidder:     bidder,
		ArtifactID: artifactID,
		Amount:     amount,
		HoldID:     holdID,
		PlacedAt:   m.now(),
	}

	// Sealed: the bid event names the bidder but not the amount.
	m.log.Append(events.TypeAuctionBid, bidder, artifactID, map[string]interface{}{
		"auction": m.cycle,
	})
	return nil
}

// CloseAndResolve ends the bidding window and runs resolution,
// scoring, and settlement. Exported for tests.
func (m *Mint) CloseAndResolve(ctx context.Context) {
	m.mu.Lock()
	if m.phase != PhaseBidding {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseClosed
	cycle := m.cycle
	taken := m.bids
	m.bids = make(map[string]*bid)
	m.mu.Unlock()

	m.log.Append(events.TypeAuctionClosed, "", "", map[string]interface{}{
		"auction": cycle,
		"bids":    len(taken),
	})

	if len(taken) == 0 {
		m.log.Append(events.TypeAuctionEmpty, "", "", map[string]interface{}{"auction": cycle})
		m.finishCycle("empty")
		return
	}

	winner, price := m.resolve(taken)
	for _, b := range taken {
		if b.Bidder == winner.Bidder {
			continue
		}
		if err := m.ledger.ReleaseHold(b.HoldID); err != nil {
			m.logger.Printf("❌ auction %d: releasing loser hold %s: %v", cycle, b.HoldID, err)
		}
	}

	m.mu.Lock()
	m.phase = PhaseScoring
	m.mu.Unlock()

	art, err := m.store.Get(winner.ArtifactID)
	var score int64
	if err == nil {
		score, err = m.scorer(ctx, winner.Bidder, art)
	}
	if err != nil {
		// Scorer failure refunds the winner: hold released, no
		// payment, no mint.
		if rerr := m.ledger.ReleaseHold(winner.HoldID); rerr != nil {
			m.logger.Printf("❌ auction %d: refunding winner hold: %v", cycle, rerr)
		}
		m.log.Append(events.TypeAuctionScored, winner.Bidder, winner.ArtifactID, map[string]interface{}{
			"auction": cycle,
			"success": false,
			"error":   err.Error(),
		})
		m.finishCycle("refunded")
		return
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	minted := score / m.cfg.Ratio
	m.log.Append(events.TypeAuctionScored, winner.Bidder, winner.ArtifactID, map[string]interface{}{
		"auction": cycle,
		"success": true,
		"score":   score,
		"minted":  minted,
	})

	if err := m.settle(cycle, winner, price, minted); err != nil {
		m.logger.Printf("❌ auction %d: settlement: %v", cycle, err)
		if rerr := m.ledger.ReleaseHold(winner.HoldID); rerr != nil {
			m.logger.Printf("❌ auction %d: refund after failed settlement: %v", cycle, rerr)
		}
		m.finishCycle("refunded")
		return
	}
	m.finishCycle("settled")
}

// resolve picks the winner and clearing price: second-price with a
// seeded random tie-break, or min_bid when only one bid stands.
func (m *Mint) resolve(taken map[string]*bid) (*bid, int64) {
	ordered := make([]*bid, 0, len(taken))
	for _, b := range taken {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Amount != ordered[j].Amount {
			return ordered[i].Amount > ordered[j].Amount
		}
		return ordered[i].Bidder < ordered[j].Bidder
	})

	top := ordered[0].Amount
	tied := 0
	for _, b := range ordered {
		if b.Amount == top {
			tied++
		}
	}
	m.mu.Lock()
	winner := ordered[m.rng.Intn(tied)]
	m.mu.Unlock()

	if len(ordered) == 1 {
		return winner, m.cfg.MinBid
	}
	// Second price: the highest amount among the other bids. With a
	// tie at the top this equals the tied amount.
	price := int64(0)
	for _, b := range ordered {
		if b.Bidder == winner.Bidder {
			continue
		}
		if b.Amount > price {
			price = b.Amount
		}
	}
	if price < m.cfg.MinBid {
		price = m.cfg.MinBid
	}
	return winner, price
}

// settle debits the clearing price from the winner's hold, splits it
// as UBI across every standing principal, and mints the scored scrip.
func (m *Mint) settle(cycle int64, winner *bid, price, minted int64) error {
	standing := m.standingPrincipals()
	credits := make(map[string]int64, len(standing)+1)
	var share, remainder int64
	if len(standing) > 0 {
		share = price / int64(len(standing))
		remainder = price % int64(len(standing))
	} else {
		remainder = price
	}
	for _, p := range standing {
		credits[p] += share
	}
	sink := m.cfg.UBISink
	if sink == "" || !m.ledger.HasAccount(sink) {
		sink = m.selfID
	}
	credits[sink] += remainder

	if err := m.ledger.SettleHold(winner.HoldID, price, credits); err != nil {
		return err
	}
	if minted > 0 {
		if err := m.ledger.Mint(m.selfID, winner.Bidder, minted); err != nil {
			return err
		}
	}

	m.log.Append(events.TypeAuctionSettled, winner.Bidder, winner.ArtifactID, map[string]interface{}{
		"auction":        cycle,
		"price":          price,
		"minted":         minted,
		"ubi_share":      share,
		"ubi_principals": len(standing),
		"ubi_remainder":  remainder,
	})
	m.logger.Printf("💰 auction %d: %s pays %d, minted %d, UBI %d × %d", cycle, winner.Bidder, price, minted, share, len(standing))
	return nil
}

// standingPrincipals lists principals with standing and a ledger
// account at this moment, sorted for deterministic settlement.
func (m *Mint) standingPrincipals() []string {
	arts := m.store.Query(artifacts.Predicate{})
	var out []string
	for _, a := range arts {
		if a.HasStanding && m.ledger.HasAccount(a.ID) {
			out = append(out, a.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Mint) finishCycle(outcome string) {
	m.mu.Lock()
	m.phase = PhaseWaiting
	if !m.nextStart.After(m.now()) {
		m.nextStart = m.now().Add(m.cfg.Period)
	}
	m.mu.Unlock()
	if m.observe != nil {
		m.observe(outcome)
	}
}

// Status is the dashboard and kernel_state view of the auction.
func (m *Mint) Status() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := map[string]interface{}{
		"phase":   string(m.phase),
		"auction": m.cycle,
		"min_bid": m.cfg.MinBid,
		"bids":    len(m.bids),
	}
	if m.phase == PhaseBidding {
		st["bidding_ends"] = m.biddingEnds.UTC().Format(time.RFC3339)
	} else if !m.nextStart.IsZero() {
		st["next_auction"] = m.nextStart.UTC().Format(time.RFC3339)
	}
	return st
}

// Snapshot captures auction state for checkpointing. Deadlines are
// stored as remaining durations so a restored world picks up where it
// left off regardless of downtime.
type Snapshot struct {
	Phase         Phase `json:"phase"`
	Cycle         int64 `json:"cycle"`
	Bids          []bid `json:"bids"`
	BiddingEndsIn int64 `json:"bidding_ends_in_ms"`
	NextStartIn   int64 `json:"next_start_in_ms"`
}

func (m *Mint) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{Phase: m.phase, Cycle: m.cycle}
	for _, b := range m.bids {
		snap.Bids = append(snap.Bids, *b)
	}
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Bidder < snap.Bids[j].Bidder })
	now := m.now()
	if m.phase == PhaseBidding {
		snap.BiddingEndsIn = int64(m.biddingEnds.Sub(now) / time.Millisecond)
	}
	if !m.nextStart.IsZero() {
		snap.NextStartIn = int64(m.nextStart.Sub(now) / time.Millisecond)
	}
	return snap
}

// Restore rebuilds auction state from a snapshot. The bids' ledger
// holds come back with the restored ledger.
func (m *Mint) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = snap.Phase
	if m.phase == PhaseClosed || m.phase == PhaseScoring {
		// Resolution never survives a restart; rerun it from the
		// start of the next cycle and release any orphan holds.
		m.phase = PhaseWaiting
	}
	m.cycle = snap.Cycle
	m.bids = make(map[string]*bid, len(snap.Bids))
	for i := range snap.Bids {
		b := snap.Bids[i]
		m.bids[b.Bidder] = &b
	}
	now := m.now()
	if m.phase == PhaseBidding {
		m.biddingEnds = now.Add(time.Duration(snap.BiddingEndsIn) * time.Millisecond)
	}
	if snap.NextStartIn != 0 {
		m.nextStart = now.Add(time.Duration(snap.NextStartIn) * time.Millisecond)
	}
}
