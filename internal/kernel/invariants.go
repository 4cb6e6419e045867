package kernel

import (
	"fmt"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/events"
)

// Violation is one broken world invariant, named for the operator.
type Violation struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Check, v.Detail) }

// VerifyInvariants audits the live world and returns every violation
// found. An empty slice means the economy is internally consistent.
// The checks mirror what the subsystems enforce transactionally, so a
// non-empty result always indicates a kernel bug, not agent behavior.
func (k *Kernel) VerifyInvariants() []Violation {
	var out []Violation

	snap := k.ledger.Snapshot()

	// Conservation: every scrip in circulation was minted, and every
	// burned scrip left circulation.
	var total int64
	for _, acct := range snap.Accounts {
		total += acct.Scrip
	}
	if total != snap.MintedTotal-snap.BurnedTotal {
		out = append(out, Violation{
			Check:  "conservation",
			Detail: fmt.Sprintf("total scrip %d != minted %d - burned %d", total, snap.MintedTotal, snap.BurnedTotal),
		})
	}

	// Non-negativity, and holds never exceed the balance backing them.
	held := make(map[string]int64, len(snap.Holds))
	for _, h := range snap.Holds {
		held[h.Principal] += h.Amount
	}
	for id, acct := range snap.Accounts {
		if acct.Scrip < 0 {
			out = append(out, Violation{"non_negative_scrip", fmt.Sprintf("%s holds %d scrip", id, acct.Scrip)})
		}
		if acct.LLMBudget.IsNegative() {
			out = append(out, Violation{"non_negative_budget", fmt.Sprintf("%s budget %s", id, acct.LLMBudget)})
		}
		if acct.DiskUsed < 0 {
			out = append(out, Violation{"non_negative_disk", fmt.Sprintf("%s disk used %d", id, acct.DiskUsed)})
		}
		if held[id] > acct.Scrip {
			out = append(out, Violation{"holds_backed", fmt.Sprintf("%s has %d held against %d scrip", id, held[id], acct.Scrip)})
		}
	}
	for principal := range held {
		if _, ok := snap.Accounts[principal]; !ok {
			out = append(out, Violation{"holds_backed", fmt.Sprintf("hold against unknown principal %s", principal)})
		}
	}

	// Referential integrity: contracts resolve and are executable, and
	// every creator is a ledger principal.
	diskByCreator := make(map[string]int64)
	for _, a := range k.store.All() {
		c, err := k.store.Get(a.AccessContract)
		if err != nil {
			out = append(out, Violation{"contract_resolves", fmt.Sprintf("%s references missing contract %s", a.ID, a.AccessContract)})
		} else if !c.CanExecute {
			out = append(out, Violation{"contract_executable", fmt.Sprintf("contract %s of %s cannot execute", c.ID, a.ID)})
		}
		if _, ok := snap.Accounts[a.CreatedBy]; !ok {
			out = append(out, Violation{"creator_is_principal", fmt.Sprintf("%s created by unknown principal %s", a.ID, a.CreatedBy)})
		}
		if a.Type == artifacts.TypeSystem {
			if _, ok := k.system[a.ID]; !ok {
				out = append(out, Violation{"system_dispatch", fmt.Sprintf("system artifact %s has no kernel handler", a.ID)})
			}
		}
		diskByCreator[a.CreatedBy] += a.SizeBytes
	}

	// Disk accounting: the ledger's usage numbers match the store.
	for id, acct := range snap.Accounts {
		if acct.DiskUsed != diskByCreator[id] {
			out = append(out, Violation{
				Check:  "disk_accounting",
				Detail: fmt.Sprintf("%s ledger disk %d != store footprint %d", id, acct.DiskUsed, diskByCreator[id]),
			})
		}
	}

	// The committed event history is gap-free from seq 1.
	if err := events.VerifySequence(k.log.Read(0, int64(k.log.Len()))); err != nil {
		out = append(out, Violation{"event_sequence", err.Error()})
	}

	return out
}

// Summary is the dashboard's world overview.
func (k *Kernel) Summary() map[string]interface{} {
	loops := k.sched.Loops()
	live := 0
	for _, l := range loops {
		if l["status"] == "running" {
			live++
		}
	}
	return map[string]interface{}{
		"artifacts":        k.store.Count(),
		"principals":       len(k.ledger.Principals()),
		"scrip_supply":     k.ledger.TotalScrip(),
		"minted_total":     k.ledger.MintedTotal(),
		"burned_total":     k.ledger.BurnedTotal(),
		"api_spend_usd":    k.ledger.APISpend().String(),
		"budget_exhausted": k.ledger.Exhausted(),
		"event_watermark":  k.log.Watermark(),
		"loops_total":      len(loops),
		"loops_live":       live,
		"auction":          k.mint.Status(),
		"invariants":       k.VerifyInvariants(),
	}
}
