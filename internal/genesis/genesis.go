// Package genesis boots the world: it installs the kernel's
// infrastructure artifacts (access contracts, ledger, event log,
// mint, LLM gateway), opens the initial ledger accounts, and loads
// the operator's YAML manifest of static data and agent bundles.
// Capabilities exist only here; nothing after genesis can grant them.
package genesis

import (
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/terrarium-sim/terrarium/internal/artifacts"
	"github.com/terrarium-sim/terrarium/internal/events"
	"github.com/terrarium-sim/terrarium/internal/ledger"
)

// Well-known ids. Agents find these by id or capability; the kernel's
// system dispatch is keyed on them.
const (
	ContractID       = "genesis_access_contract"
	SystemContractID = "genesis_system_contract"
	LedgerID         = "genesis_ledger"
	EventLogID       = "genesis_event_log"
	MintID           = "genesis_mint"
	LLMGatewayID     = "genesis_llm_gateway"
	TreasuryID       = "genesis"
)

// openContractCode admits everything for free. It governs itself;
// that self-reference is how every permission chain terminates.
const openContractCode = `
function check_permission(caller, action, target, context, ledger_view) {
    return { allowed: true, reason: "open world", cost_scrip: 0 };
}
`

// systemContractCode admits everything but charges one scrip per use.
// It governs the genesis system artifacts.
const systemContractCode = `
function check_permission(caller, action, target, context, ledger_view) {
    return { allowed: true, reason: "system access", cost_scrip: 1 };
}
`

// Manifest is the YAML world description.
type Manifest struct {
	World     WorldSpec              `yaml:"world"`
	Accounts  map[string]AccountSpec `yaml:"accounts"`
	Artifacts []ArtifactSpec         `yaml:"artifacts"`
}

type WorldSpec struct {
	Name string `yaml:"name"`
}

type AccountSpec struct {
	Scrip     int64   `yaml:"scrip"`
	LLMBudget float64 `yaml:"llm_budget"`
	DiskQuota int64   `yaml:"disk_quota"`
}

type ArtifactSpec struct {
	ID             string   `yaml:"id"`
	Type           string   `yaml:"type"`
	Content        string   `yaml:"content"`
	Code           string   `yaml:"code"`
	CreatedBy      string   `yaml:"created_by"`
	AccessContract string   `yaml:"access_contract_id"`
	Price          int64    `yaml:"price"`
	HasStanding    bool     `yaml:"has_standing"`
	CanExecute     bool     `yaml:"can_execute"`
	HasLoop        bool     `yaml:"has_loop"`
	Capabilities   []string `yaml:"capabilities"`
}

// ParseManifest reads a manifest from YAML bytes.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse genesis manifest: %w", err)
	}
	return &m, nil
}

// LoadManifestFile reads a manifest from disk. An empty path yields
// an empty manifest: the built-in infrastructure alone still boots a
// working, if uninhabited, world.
func LoadManifestFile(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis manifest: %w", err)
	}
	return ParseManifest(raw)
}

// Loader installs a manifest into an empty store and ledger.
type Loader struct {
	store  *artifacts.Store
	ledger *ledger.Ledger
	log    *events.Log
	logger *log.Logger
}

func NewLoader(store *artifacts.Store, led *ledger.Ledger, eventLog *events.Log) *Loader {
	return &Loader{
		store:  store,
		ledger: led,
		log:    eventLog,
		logger: log.New(log.Writer(), "[Genesis] ", log.LstdFlags),
	}
}

// Load installs infrastructure first, then accounts, then static
// data, then agent bundles, and finally validates the whole world.
func (g *Loader) Load(m *Manifest) error {
	if m == nil {
		m = &Manifest{}
	}
	if err := g.validateManifest(m); err != nil {
		return err
	}

	if err := g.installInfrastructure(m); err != nil {
		return err
	}
	if err := g.installAccounts(m); err != nil {
		return err
	}
	if err := g.installArtifacts(m); err != nil {
		return err
	}
	if err := g.validateWorld(); err != nil {
		return err
	}

	g.log.Append(events.TypeGenesisComplete, "", "", map[string]interface{}{
		"world":     m.World.Name,
		"artifacts": g.store.Count(),
		"accounts":  len(g.ledger.Principals()),
	})
	g.logger.Printf("🌱 genesis complete: %d artifacts, %d accounts", g.store.Count(), len(g.ledger.Principals()))
	return nil
}

// validateManifest rejects worlds the loader must not build.
func (g *Loader) validateManifest(m *Manifest) error {
	seen := make(map[string]bool, len(m.Artifacts))
	for _, spec := range m.Artifacts {
		if spec.ID == "" {
			return fmt.Errorf("genesis: artifact with empty id")
		}
		if seen[spec.ID] {
			return fmt.Errorf("genesis: duplicate artifact id %s", spec.ID)
		}
		seen[spec.ID] = true
		for _, cap := range spec.Capabilities {
			if cap == artifacts.CapMint && spec.ID != MintID {
				return fmt.Errorf("genesis: %s claims %s; only %s may hold it", spec.ID, artifacts.CapMint, MintID)
			}
		}
		if spec.HasLoop && !spec.CanExecute {
			return fmt.Errorf("genesis: %s has a loop but cannot execute", spec.ID)
		}
	}
	return nil
}

// infrastructure returns the built-in artifacts, skipping any id the
// manifest overrides.
func (g *Loader) infrastructure(m *Manifest) []artifacts.Artifact {
	overridden := make(map[string]bool, len(m.Artifacts))
	for _, spec := range m.Artifacts {
		overridden[spec.ID] = true
	}

	infra := []artifacts.Artifact{
		{
			ID:             ContractID,
			Type:           artifacts.TypeExecutable,
			Content:        "Default permissive access contract.",
			Code:           openContractCode,
			CreatedBy:      TreasuryID,
			AccessContract: ContractID,
			CanExecute:     true,
		},
		{
			ID:             SystemContractID,
			Type:           artifacts.TypeExecutable,
			Content:        "Access contract for genesis system artifacts; charges 1 scrip per use.",
			Code:           systemContractCode,
			CreatedBy:      TreasuryID,
			AccessContract: SystemContractID,
			CanExecute:     true,
		},
		{
			ID:             LedgerID,
			Type:           artifacts.TypeSystem,
			Content:        "Kernel ledger: transfer, balance, mint, burn.",
			CreatedBy:      TreasuryID,
			AccessContract: SystemContractID,
		},
		{
			ID:             EventLogID,
			Type:           artifacts.TypeSystem,
			Content:        "Kernel event log: read(offset, limit).",
			CreatedBy:      TreasuryID,
			AccessContract: SystemContractID,
			Capabilities:   []string{artifacts.CapEventLog},
		},
		{
			ID:             MintID,
			Type:           artifacts.TypeSystem,
			Content:        "The mint: bid(artifact_id, amount), status().",
			CreatedBy:      TreasuryID,
			AccessContract: SystemContractID,
			HasStanding:    true,
			Capabilities:   []string{artifacts.CapMint},
		},
		{
			ID:             LLMGatewayID,
			Type:           artifacts.TypeSystem,
			Content:        "LLM gateway: generate(prompt, model).",
			CreatedBy:      TreasuryID,
			AccessContract: SystemContractID,
			Capabilities:   []string{artifacts.CapCallLLM},
		},
	}

	kept := infra[:0]
	for _, a := range infra {
		if !overridden[a.ID] {
			kept = append(kept, a)
		}
	}
	return kept
}

func (g *Loader) installInfrastructure(m *Manifest) error {
	// The treasury account funds nothing but owns the infrastructure
	// and absorbs system fees.
	if !g.ledger.HasAccount(TreasuryID) {
		if err := g.ledger.CreateAccount(TreasuryID, 0, decimal.Zero, 0); err != nil {
			return fmt.Errorf("genesis: treasury account: %w", err)
		}
	}
	for _, a := range g.infrastructure(m) {
		if a.HasStanding && !g.ledger.HasAccount(a.ID) {
			if err := g.ledger.CreateAccount(a.ID, 0, decimal.Zero, 0); err != nil {
				return fmt.Errorf("genesis: account for %s: %w", a.ID, err)
			}
		}
		if _, err := g.store.Create(a); err != nil {
			return fmt.Errorf("genesis: install %s: %w", a.ID, err)
		}
	}
	g.ledger.SetMinter(MintID)
	return nil
}

func (g *Loader) installAccounts(m *Manifest) error {
	ids := make([]string, 0, len(m.Accounts))
	for id := range m.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		spec := m.Accounts[id]
		if g.ledger.HasAccount(id) {
			return fmt.Errorf("genesis: account %s already exists", id)
		}
		budget := decimal.NewFromFloat(spec.LLMBudget)
		if err := g.ledger.CreateAccount(id, spec.Scrip, budget, spec.DiskQuota); err != nil {
			return fmt.Errorf("genesis: account %s: %w", id, err)
		}
	}
	return nil
}

func (g *Loader) installArtifacts(m *Manifest) error {
	// Loops last, so an agent's strategy and state artifacts exist
	// before its loop could possibly observe the world.
	ordered := make([]ArtifactSpec, len(m.Artifacts))
	copy(ordered, m.Artifacts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return !ordered[i].HasLoop && ordered[j].HasLoop
	})

	for _, spec := range ordered {
		a := artifacts.Artifact{
			ID:             spec.ID,
			Type:           spec.Type,
			Content:        spec.Content,
			Code:           spec.Code,
			CreatedBy:      spec.CreatedBy,
			AccessContract: spec.AccessContract,
			Price:          spec.Price,
			HasStanding:    spec.HasStanding,
			CanExecute:     spec.CanExecute,
			HasLoop:        spec.HasLoop,
			Capabilities:   spec.Capabilities,
		}
		if a.Type == "" {
			a.Type = artifacts.TypeText
		}
		if a.CreatedBy == "" {
			a.CreatedBy = TreasuryID
		}
		if a.AccessContract == "" {
			a.AccessContract = ContractID
		}
		if a.HasStanding && !g.ledger.HasAccount(a.ID) {
			if err := g.ledger.CreateAccount(a.ID, 0, decimal.Zero, 0); err != nil {
				return fmt.Errorf("genesis: account for %s: %w", a.ID, err)
			}
		}
		if !g.ledger.HasAccount(a.CreatedBy) {
			return fmt.Errorf("genesis: %s created_by %s, which is not a principal", a.ID, a.CreatedBy)
		}
		if _, err := g.store.Create(a); err != nil {
			return fmt.Errorf("genesis: install %s: %w", a.ID, err)
		}
	}
	return nil
}

// validateWorld checks referential integrity over the finished world:
// every access contract resolves to an executable artifact.
func (g *Loader) validateWorld() error {
	for _, a := range g.store.All() {
		c, err := g.store.Get(a.AccessContract)
		if err != nil {
			return fmt.Errorf("genesis: %s references missing contract %s", a.ID, a.AccessContract)
		}
		if !c.CanExecute {
			return fmt.Errorf("genesis: contract %s of %s is not executable", c.ID, a.ID)
		}
	}
	return nil
}
