// Package artifacts holds the canonical object table. Everything
// persistent in the world is an Artifact; the store is the sole source
// of truth for them and keeps disk accounting in step with the ledger.
package artifacts

import "time"

// Artifact types. Advisory except for "system", which routes invoke
// to the kernel's built-in method tables instead of the sandbox.
const (
	TypeText          = "text"
	TypeJSON          = "json"
	TypeExecutable    = "executable"
	TypeSystem        = "system"
	TypeDocumentation = "documentation"
)

// Capability names granted at genesis. Agents cannot grant themselves
// capabilities after boot.
const (
	CapCallLLM  = "can_call_llm"
	CapMint     = "can_mint"
	CapEventLog = "can_read_event_log"
)

// Artifact is the universal object.
type Artifact struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	Code           string    `json:"code,omitempty"`
	CreatedBy      string    `json:"created_by"`
	AccessContract string    `json:"access_contract_id"`
	Price          int64     `json:"price"`
	HasStanding    bool      `json:"has_standing"`
	CanExecute     bool      `json:"can_execute"`
	HasLoop        bool      `json:"has_loop"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Size is the payload footprint charged against the creator's quota.
func (a *Artifact) Size() int64 {
	return int64(len(a.Content) + len(a.Code))
}

// HasCapability reports whether cap was granted at genesis.
func (a *Artifact) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Derived categorical identity. Not stored; computed from the flags.

func (a *Artifact) IsAgent() bool   { return a.HasStanding && a.CanExecute && a.HasLoop }
func (a *Artifact) IsTool() bool    { return a.CanExecute && !a.HasStanding }
func (a *Artifact) IsAccount() bool { return a.HasStanding && !a.CanExecute }
func (a *Artifact) IsData() bool    { return !a.HasStanding && !a.CanExecute }

func (a *Artifact) clone() *Artifact {
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &cp
}
