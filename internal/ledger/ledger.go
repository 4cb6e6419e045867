// Package ledger is the accounting core: scrip balances, LLM budget,
// disk quota, auction holds, and the global API spend cap. All
// monetary state lives behind one mutex; every mutation is atomic and
// either fully applies or fully rejects.
package ledger

import (
	"log"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/fault"
)

// Account is one principal's ledger entry. Scrip is integer currency;
// LLMBudget is fixed-point USD. DiskQuota <= 0 means unlimited.
type Account struct {
	Scrip     int64           `json:"scrip"`
	LLMBudget decimal.Decimal `json:"llm_budget_remaining"`
	DiskQuota int64           `json:"disk_quota"`
	DiskUsed  int64           `json:"disk_used"`
}

type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	holds    map[string]*Hold

	minter      string
	mintedTotal int64
	burnedTotal int64

	apiSpend  decimal.Decimal
	apiLimit  decimal.Decimal // <= 0 means uncapped
	exhausted bool

	log    *events.Log
	logger *log.Logger
}

// New builds an empty ledger. apiLimit is budget.max_api_cost; zero or
// negative disables the global cap.
func New(eventLog *events.Log, apiLimit decimal.Decimal) *Ledger {
	return &Ledger{
		accounts: make(map[string]*Account),
		holds:    make(map[string]*Hold),
		apiSpend: decimal.Zero,
		apiLimit: apiLimit,
		log:      eventLog,
		logger:   log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

// SetMinter names the one principal allowed to call Mint and Burn.
func (l *Ledger) SetMinter(principal string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minter = principal
}

// CreateAccount opens a ledger entry. Initial scrip counts toward the
// minted total so conservation holds from genesis onward.
func (l *Ledger) CreateAccount(principal string, scrip int64, llmBudget decimal.Decimal, diskQuota int64) error {
	if principal == "" {
		return fault.New(fault.KindInvalidArgument, "empty principal id")
	}
	if scrip < 0 || llmBudget.IsNegative() {
		return fault.New(fault.KindInvalidArgument, "negative initial balance")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[principal]; ok {
		return fault.Errorf(fault.KindAlreadyExists, "account %s", principal)
	}
	l.accounts[principal] = &Account{
		Scrip:     scrip,
		LLMBudget: llmBudget,
		DiskQuota: diskQuota,
	}
	l.mintedTotal += scrip
	return nil
}

// HasAccount reports whether the principal has a ledger entry.
func (l *Ledger) HasAccount(principal string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[principal]
	return ok
}

// Balance returns the principal's scrip, holds included.
func (l *Ledger) Balance(principal string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[principal]
	if !ok {
		return 0, fault.Errorf(fault.KindNoSuchPrincipal, "%s", principal)
	}
	return acct.Scrip, nil
}

// Available returns scrip minus active holds: what the principal can
// actually spend right now.
func (l *Ledger) Available(principal string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.availableLocked(principal)
}

func (l *Ledger) availableLocked(principal string) (int64, error) {
	acct, ok := l.accounts[principal]
	if !ok {
		return 0, fault.Errorf(fault.KindNoSuchPrincipal, "%s", principal)
	}
	return acct.Scrip - l.heldLocked(principal), nil
}

// GetAccount returns a copy of the entry.
func (l *Ledger) GetAccount(principal string) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[principal]
	if !ok {
		return Account{}, fault.Errorf(fault.KindNoSuchPrincipal, "%s", principal)
	}
	return *acct, nil
}

// Principals lists all account ids, sorted.
func (l *Ledger) Principals() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Transfer moves scrip atomically and emits a transfer event.
func (l *Ledger) Transfer(from, to string, amount int64) error {
	return l.transfer(from, to, amount, true)
}

// TransferQuiet moves scrip without an event. The executor's staged
// charge/refund uses it so a failed action leaves exactly one event
// and zero net mutations.
func (l *Ledger) TransferQuiet(from, to string, amount int64) error {
	return l.transfer(from, to, amount, false)
}

func (l *Ledger) transfer(from, to string, amount int64, emit bool) error {
	if amount < 0 {
		return fault.New(fault.KindInvalidArgument, "negative transfer amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.accounts[from]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", from)
	}
	dst, ok := l.accounts[to]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", to)
	}
	if src.Scrip-l.heldLocked(from) < amount {
		return fault.Errorf(fault.KindInsufficientFunds, "%s has %d available, needs %d", from, src.Scrip-l.heldLocked(from), amount)
	}

	src.Scrip -= amount
	dst.Scrip += amount

	if emit && l.log != nil {
		l.log.Append(events.TypeTransfer, from, "", map[string]interface{}{
			"from":   from,
			"to":     to,
			"amount": amount,
		})
	}
	return nil
}

// DebitLLM charges an LLM call against both the principal's budget and
// the global cap. Once cumulative spend reaches budget.max_api_cost
// the ledger answers BudgetExhausted forever.
func (l *Ledger) DebitLLM(principal string, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return fault.New(fault.KindInvalidArgument, "negative cost")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.exhausted {
		return fault.New(fault.KindBudgetExhausted, "global api budget exhausted")
	}
	acct, ok := l.accounts[principal]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", principal)
	}
	if acct.LLMBudget.LessThan(cost) {
		return fault.Errorf(fault.KindBudgetExhausted, "%s budget %s < cost %s", principal, acct.LLMBudget, cost)
	}

	acct.LLMBudget = acct.LLMBudget.Sub(cost)
	l.apiSpend = l.apiSpend.Add(cost)
	if l.apiLimit.IsPositive() && l.apiSpend.GreaterThanOrEqual(l.apiLimit) {
		l.exhausted = true
		l.logger.Printf("💸 global api budget reached (%s of %s); all further LLM debits rejected", l.apiSpend, l.apiLimit)
	}
	return nil
}

// DebitLLMGlobal charges kernel-initiated LLM spend (auction scoring)
// against the global cap only; no principal budget is touched.
func (l *Ledger) DebitLLMGlobal(cost decimal.Decimal) error {
	if cost.IsNegative() {
		return fault.New(fault.KindInvalidArgument, "negative cost")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exhausted {
		return fault.New(fault.KindBudgetExhausted, "global api budget exhausted")
	}
	l.apiSpend = l.apiSpend.Add(cost)
	if l.apiLimit.IsPositive() && l.apiSpend.GreaterThanOrEqual(l.apiLimit) {
		l.exhausted = true
		l.logger.Printf("💸 global api budget reached (%s of %s); all further LLM debits rejected", l.apiSpend, l.apiLimit)
	}
	return nil
}

// Exhausted reports whether the global API cap has been hit.
func (l *Ledger) Exhausted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exhausted
}

// APISpend is cumulative LLM spend in USD.
func (l *Ledger) APISpend() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.apiSpend
}

// ReserveDisk claims bytes against the principal's quota.
func (l *Ledger) ReserveDisk(principal string, bytes int64) error {
	if bytes < 0 {
		return fault.New(fault.KindInvalidArgument, "negative reservation")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[principal]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", principal)
	}
	if acct.DiskQuota > 0 && acct.DiskUsed+bytes > acct.DiskQuota {
		return fault.Errorf(fault.KindQuotaExceeded, "%s disk %d+%d exceeds quota %d", principal, acct.DiskUsed, bytes, acct.DiskQuota)
	}
	acct.DiskUsed += bytes
	return nil
}

// TransferDiskQuota moves quota headroom between principals. Both
// sides must carry finite quotas, and the donor keeps at least as much
// quota as it currently uses.
func (l *Ledger) TransferDiskQuota(from, to string, bytes int64) error {
	if bytes < 0 {
		return fault.New(fault.KindInvalidArgument, "negative quota transfer")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.accounts[from]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", from)
	}
	dst, ok := l.accounts[to]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", to)
	}
	if src.DiskQuota <= 0 {
		return fault.Errorf(fault.KindInvalidArgument, "%s has unlimited quota, nothing to split", from)
	}
	if dst.DiskQuota <= 0 {
		return fault.Errorf(fault.KindInvalidArgument, "%s has unlimited quota already", to)
	}
	if src.DiskQuota-bytes < src.DiskUsed {
		return fault.Errorf(fault.KindQuotaExceeded, "%s uses %d of %d, cannot give up %d", from, src.DiskUsed, src.DiskQuota, bytes)
	}
	src.DiskQuota -= bytes
	dst.DiskQuota += bytes
	return nil
}

// ReleaseDisk returns bytes to the quota, flooring at zero.
func (l *Ledger) ReleaseDisk(principal string, bytes int64) error {
	if bytes < 0 {
		return fault.New(fault.KindInvalidArgument, "negative release")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[principal]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", principal)
	}
	acct.DiskUsed -= bytes
	if acct.DiskUsed < 0 {
		acct.DiskUsed = 0
	}
	return nil
}

// Mint creates new scrip. Only the registered minter may call it.
func (l *Ledger) Mint(authority, principal string, amount int64) error {
	if amount < 0 {
		return fault.New(fault.KindInvalidArgument, "negative mint")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if authority == "" || authority != l.minter {
		return fault.Errorf(fault.KindPermissionDenied, "%s is not the minter", authority)
	}
	acct, ok := l.accounts[principal]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", principal)
	}
	acct.Scrip += amount
	l.mintedTotal += amount
	return nil
}

// Burn destroys scrip from the principal's available balance. Only the
// registered minter may call it.
func (l *Ledger) Burn(authority, principal string, amount int64) error {
	if amount < 0 {
		return fault.New(fault.KindInvalidArgument, "negative burn")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if authority == "" || authority != l.minter {
		return fault.Errorf(fault.KindPermissionDenied, "%s is not the minter", authority)
	}
	acct, ok := l.accounts[principal]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", principal)
	}
	if acct.Scrip-l.heldLocked(principal) < amount {
		return fault.Errorf(fault.KindInsufficientFunds, "%s has %d available, burn %d", principal, acct.Scrip-l.heldLocked(principal), amount)
	}
	acct.Scrip -= amount
	l.burnedTotal += amount
	return nil
}

// TotalScrip sums every balance; with MintedTotal and BurnedTotal it
// backs the conservation check Σscrip == minted − burned.
func (l *Ledger) TotalScrip() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum int64
	for _, acct := range l.accounts {
		sum += acct.Scrip
	}
	return sum
}

func (l *Ledger) MintedTotal() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mintedTotal
}

func (l *Ledger) BurnedTotal() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.burnedTotal
}

// Snapshot captures the full accounting state for checkpointing.
type Snapshot struct {
	Accounts    map[string]Account `json:"accounts"`
	Holds       []Hold             `json:"holds"`
	Minter      string             `json:"minter"`
	MintedTotal int64              `json:"minted_total"`
	BurnedTotal int64              `json:"burned_total"`
	APISpend    decimal.Decimal    `json:"api_spend"`
	Exhausted   bool               `json:"exhausted"`
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := Snapshot{
		Accounts:    make(map[string]Account, len(l.accounts)),
		Holds:       make([]Hold, 0, len(l.holds)),
		Minter:      l.minter,
		MintedTotal: l.mintedTotal,
		BurnedTotal: l.burnedTotal,
		APISpend:    l.apiSpend,
		Exhausted:   l.exhausted,
	}
	for id, acct := range l.accounts {
		snap.Accounts[id] = *acct
	}
	for _, h := range l.holds {
		snap.Holds = append(snap.Holds, *h)
	}
	sort.Slice(snap.Holds, func(i, j int) bool { return snap.Holds[i].ID < snap.Holds[j].ID })
	return snap
}

// Restore replaces the ledger state with a snapshot.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[string]*Account, len(snap.Accounts))
	for id, acct := range snap.Accounts {
		a := acct
		l.accounts[id] = &a
	}
	l.holds = make(map[string]*Hold, len(snap.Holds))
	for _, h := range snap.Holds {
		hh := h
		l.holds[hh.ID] = &hh
	}
	l.minter = snap.Minter
	l.mintedTotal = snap.MintedTotal
	l.burnedTotal = snap.BurnedTotal
	l.apiSpend = snap.APISpend
	l.exhausted = snap.Exhausted
}
