package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/terrarium-sim/terrarium/internal/fault"
)

// Hold places scrip in escrow without debiting it. Held scrip still
// belongs to the principal but is excluded from Available, so it
// cannot be spent or double-bid while an auction is open.
type HoldStatus string

const (
	HoldActive   HoldStatus = "ACTIVE"
	HoldReleased HoldStatus = "RELEASED"
	HoldSettled  HoldStatus = "SETTLED"
)

type Hold struct {
	ID        string     `json:"id"`
	Principal string     `json:"principal"`
	Amount    int64      `json:"amount"`
	Status    HoldStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// Hold escrows amount from the principal's available balance and
// returns the hold id.
func (l *Ledger) Hold(principal string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fault.New(fault.KindInvalidArgument, "hold amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[principal]
	if !ok {
		return "", fault.Errorf(fault.KindNoSuchPrincipal, "%s", principal)
	}
	available := acct.Scrip - l.heldLocked(principal)
	if available < amount {
		return "", fault.Errorf(fault.KindInsufficientFunds, "%s has %d available, hold %d", principal, available, amount)
	}

	id := uuid.NewString()
	l.holds[id] = &Hold{
		ID:        id,
		Principal: principal,
		Amount:    amount,
		Status:    HoldActive,
		CreatedAt: time.Now(),
	}
	return id, nil
}

// ReleaseHold frees an active hold without moving any scrip.
func (l *Ledger) ReleaseHold(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holds[id]
	if !ok {
		return fault.Errorf(fault.KindNotFound, "hold %s", id)
	}
	if h.Status != HoldActive {
		return fault.Errorf(fault.KindInvalidArgument, "hold %s already %s", id, h.Status)
	}
	h.Status = HoldReleased
	delete(l.holds, id)
	return nil
}

// SettleHold closes an active hold by debiting pay from the held
// principal and crediting it out per the credits map, all atomically.
// The credits must total exactly pay; the unheld remainder simply
// becomes spendable again. The auction uses this for the clearing
// price and its UBI split.
func (l *Ledger) SettleHold(id string, pay int64, credits map[string]int64) error {
	if pay < 0 {
		return fault.New(fault.KindInvalidArgument, "negative settlement")
	}
	var creditSum int64
	for _, c := range credits {
		if c < 0 {
			return fault.New(fault.KindInvalidArgument, "negative credit")
		}
		creditSum += c
	}
	if creditSum != pay {
		return fault.Errorf(fault.KindInvalidArgument, "credits %d do not match settlement %d", creditSum, pay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[id]
	if !ok {
		return fault.Errorf(fault.KindNotFound, "hold %s", id)
	}
	if h.Status != HoldActive {
		return fault.Errorf(fault.KindInvalidArgument, "hold %s already %s", id, h.Status)
	}
	if pay > h.Amount {
		return fault.Errorf(fault.KindInvalidArgument, "settlement %d exceeds hold %d", pay, h.Amount)
	}
	acct, ok := l.accounts[h.Principal]
	if !ok {
		return fault.Errorf(fault.KindNoSuchPrincipal, "%s", h.Principal)
	}
	for to := range credits {
		if _, ok := l.accounts[to]; !ok {
			return fault.Errorf(fault.KindNoSuchPrincipal, "%s", to)
		}
	}

	acct.Scrip -= pay
	for to, c := range credits {
		l.accounts[to].Scrip += c
	}
	h.Status = HoldSettled
	delete(l.holds, id)
	return nil
}

// HeldAmount sums the principal's active holds.
func (l *Ledger) HeldAmount(principal string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.heldLocked(principal)
}

func (l *Ledger) heldLocked(principal string) int64 {
	var sum int64
	for _, h := range l.holds {
		if h.Principal == principal && h.Status == HoldActive {
			sum += h.Amount
		}
	}
	return sum
}
