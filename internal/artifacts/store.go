package artifacts

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/terrarium-sim/terrarium/internal/fault"
	"github.com/terrarium-sim/terrarium/internal/ledger"
)

// Store is the artifact table. Mutations serialize under one write
// lock; reads are concurrent and snapshot-consistent. Disk usage is
// settled with the ledger inside the same critical section, so a
// quota rejection leaves no trace in the store.
type Store struct {
	mu        sync.RWMutex
	items     map[string]*Artifact
	ledger    *ledger.Ledger
	loopGuard func(id string) bool
	now       func() time.Time
	logger    *log.Logger
}

func NewStore(led *ledger.Ledger) *Store {
	return &Store{
		items:  make(map[string]*Artifact),
		ledger: led,
		now:    time.Now,
		logger: log.New(log.Writer(), "[Store] ", log.LstdFlags),
	}
}

// SetLoopGuard wires the scheduler's liveness check; Delete refuses
// artifacts the guard reports as running.
func (s *Store) SetLoopGuard(fn func(id string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopGuard = fn
}

// Get returns a copy of the artifact.
func (s *Store) Get(id string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return Artifact{}, fault.Errorf(fault.KindNotFound, "artifact %s", id)
	}
	return *a.clone(), nil
}

// Exists reports presence without copying.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok
}

// Create inserts a new artifact; the id must be unused. The creator's
// disk quota is charged for the payload size.
func (s *Store) Create(a Artifact) (Artifact, error) {
	if a.ID == "" {
		return Artifact{}, fault.New(fault.KindInvalidArgument, "empty artifact id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[a.ID]; ok {
		return Artifact{}, fault.Errorf(fault.KindAlreadyExists, "artifact %s", a.ID)
	}
	size := a.Size()
	if err := s.ledger.ReserveDisk(a.CreatedBy, size); err != nil {
		return Artifact{}, err
	}
	a.SizeBytes = size
	a.CreatedAt = s.now()
	a.UpdatedAt = a.CreatedAt
	s.items[a.ID] = a.clone()
	return a, nil
}

// Put replaces an existing artifact or inserts a new one. Identity
// fields (created_by, created_at) are pinned to the original on
// replace; the disk delta is settled with the ledger first and a
// quota failure aborts the whole put.
func (s *Store) Put(a Artifact) (Artifact, error) {
	if a.ID == "" {
		return Artifact{}, fault.New(fault.KindInvalidArgument, "empty artifact id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.items[a.ID]
	if !exists {
		size := a.Size()
		if err := s.ledger.ReserveDisk(a.CreatedBy, size); err != nil {
			return Artifact{}, err
		}
		a.SizeBytes = size
		a.CreatedAt = s.now()
		a.UpdatedAt = a.CreatedAt
		s.items[a.ID] = a.clone()
		return a, nil
	}

	if a.CreatedBy != "" && a.CreatedBy != old.CreatedBy {
		return Artifact{}, fault.Errorf(fault.KindInvalidArgument, "created_by is immutable on %s", a.ID)
	}
	a.CreatedBy = old.CreatedBy
	a.CreatedAt = old.CreatedAt

	newSize := a.Size()
	delta := newSize - old.SizeBytes
	if delta > 0 {
		if err := s.ledger.ReserveDisk(old.CreatedBy, delta); err != nil {
			return Artifact{}, err
		}
	} else if delta < 0 {
		if err := s.ledger.ReleaseDisk(old.CreatedBy, -delta); err != nil {
			return Artifact{}, err
		}
	}
	a.SizeBytes = newSize
	a.UpdatedAt = s.now()
	s.items[a.ID] = a.clone()
	return a, nil
}

// Delete removes the artifact and releases its disk. Live loops are
// protected: deleting them goes through the scheduler first.
func (s *Store) Delete(id string) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.items[id]
	if !ok {
		return Artifact{}, fault.Errorf(fault.KindNotFound, "artifact %s", id)
	}
	if s.loopGuard != nil && s.loopGuard(id) {
		return Artifact{}, fault.Errorf(fault.KindInUse, "artifact %s has an active loop", id)
	}
	if err := s.ledger.ReleaseDisk(a.CreatedBy, a.SizeBytes); err != nil {
		return Artifact{}, err
	}
	delete(s.items, id)
	return *a, nil
}

// Predicate selects artifacts; zero-valued fields are ignored.
type Predicate struct {
	Type       string
	CreatedBy  string
	IDPrefix   string
	Capability string
	HasLoop    *bool
	CanExecute *bool
}

func (p Predicate) matches(a *Artifact) bool {
	if p.Type != "" && a.Type != p.Type {
		return false
	}
	if p.CreatedBy != "" && a.CreatedBy != p.CreatedBy {
		return false
	}
	if p.IDPrefix != "" && (len(a.ID) < len(p.IDPrefix) || a.ID[:len(p.IDPrefix)] != p.IDPrefix) {
		return false
	}
	if p.Capability != "" && !a.HasCapability(p.Capability) {
		return false
	}
	if p.HasLoop != nil && a.HasLoop != *p.HasLoop {
		return false
	}
	if p.CanExecute != nil && a.CanExecute != *p.CanExecute {
		return false
	}
	return true
}

// Query returns copies of all matching artifacts, sorted by id. The
// whole result is taken under one read lock, so it is a consistent
// snapshot.
func (s *Store) Query(p Predicate) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Artifact
	for _, a := range s.items {
		if p.matches(a) {
			out = append(out, *a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByCapability finds the artifacts granted cap at genesis.
func (s *Store) ListByCapability(cap string) []Artifact {
	return s.Query(Predicate{Capability: cap})
}

// All returns every artifact, sorted by id.
func (s *Store) All() []Artifact {
	return s.Query(Predicate{})
}

// Count returns the table size.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// ReferencedAsContract reports whether any other artifact names id as
// its access contract. Deleting such an artifact would leave dangling
// permission chains, so the executor refuses it.
func (s *Store) ReferencedAsContract(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.items {
		if a.AccessContract == id && a.ID != id {
			return true
		}
	}
	return false
}

// Reinstate puts back a deleted artifact with its original identity and
// timestamps intact. Rollback of a delete uses this instead of Create,
// which would stamp fresh timestamps.
func (s *Store) Reinstate(a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[a.ID]; ok {
		return fault.Errorf(fault.KindAlreadyExists, "artifact %s", a.ID)
	}
	if err := s.ledger.ReserveDisk(a.CreatedBy, a.SizeBytes); err != nil {
		return err
	}
	s.items[a.ID] = a.clone()
	return nil
}

// Restore replaces the table from a checkpoint. Disk accounting is
// not re-run: the restored ledger already carries disk_used.
func (s *Store) Restore(arts []Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*Artifact, len(arts))
	for i := range arts {
		s.items[arts[i].ID] = arts[i].clone()
	}
}
