// Package rate meters renewable resources (cpu_rate, llm_rate) with
// per-principal rolling windows. Consumption is a timestamped sample;
// capacity returns as samples age out of the window. Waiters on a
// (principal, resource) pair are admitted strictly in FIFO order.
package rate

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/terrarium-sim/terrarium/internal/fault"
)

// Limit bounds one resource: at most Max units inside any Window.
type Limit struct {
	Window time.Duration
	Max    int64
}

// Config maps resource names to limits. Resources absent from the
// config are unmetered.
type Config map[string]Limit

type sample struct {
	t      time.Time
	amount int64
}

type waiter struct {
	turn     chan struct{}
	promoted bool
}

type entry struct {
	samples []sample
	waiters []*waiter
}

type Tracker struct {
	mu      sync.Mutex
	limits  Config
	entries map[string]*entry
	now     func() time.Time
}

func NewTracker(limits Config) *Tracker {
	return &Tracker{
		limits:  limits,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Limits returns the configured resource table.
func (t *Tracker) Limits() Config { return t.limits }

func key(principal, resource string) string {
	return principal + "\x00" + resource
}

func (t *Tracker) entryLocked(k string) *entry {
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
		t.entries[k] = e
	}
	return e
}

func (t *Tracker) gcLocked(e *entry, lim Limit) {
	cutoff := t.now().Add(-lim.Window)
	i := 0
	for i < len(e.samples) && !e.samples[i].t.After(cutoff) {
		i++
	}
	if i > 0 {
		e.samples = append(e.samples[:0], e.samples[i:]...)
	}
}

func sum(e *entry) int64 {
	var s int64
	for _, smp := range e.samples {
		s += smp.amount
	}
	return s
}

// HasCapacity reports whether amount would fit right now.
func (t *Tracker) HasCapacity(principal, resource string, amount int64) bool {
	lim, ok := t.limits[resource]
	if !ok {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(key(principal, resource))
	t.gcLocked(e, lim)
	return sum(e)+amount <= lim.Max
}

// Consume records amount against the window, or rejects with
// RateExceeded. Samples are recorded in acceptance order.
func (t *Tracker) Consume(principal, resource string, amount int64) error {
	if amount < 0 {
		return fault.New(fault.KindInvalidArgument, "negative amount")
	}
	lim, ok := t.limits[resource]
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(key(principal, resource))
	t.gcLocked(e, lim)
	if sum(e)+amount > lim.Max {
		return fault.Errorf(fault.KindRateExceeded, "%s %s: %d in window, +%d exceeds %d", principal, resource, sum(e), amount, lim.Max)
	}
	e.samples = append(e.samples, sample{t: t.now(), amount: amount})
	return nil
}

// Remaining is the capacity left in the current window.
func (t *Tracker) Remaining(principal, resource string) int64 {
	lim, ok := t.limits[resource]
	if !ok {
		return math.MaxInt64
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(key(principal, resource))
	t.gcLocked(e, lim)
	rem := lim.Max - sum(e)
	if rem < 0 {
		rem = 0
	}
	return rem
}

// WaitForCapacity blocks until amount would fit, the timeout elapses,
// or ctx is cancelled. It does not consume; callers follow up with
// Consume. Waiters are admitted in the order they first waited; the
// head waiter sleeps until the oldest samples expire rather than
// polling.
func (t *Tracker) WaitForCapacity(ctx context.Context, principal, resource string, amount int64, timeout time.Duration) error {
	lim, ok := t.limits[resource]
	if !ok {
		return nil
	}
	if amount > lim.Max {
		return fault.Errorf(fault.KindRateExceeded, "amount %d can never fit window max %d", amount, lim.Max)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	k := key(principal, resource)
	w := &waiter{turn: make(chan struct{})}

	t.mu.Lock()
	e := t.entryLocked(k)
	e.waiters = append(e.waiters, w)
	t.promoteLocked(e)
	t.mu.Unlock()
	defer t.removeWaiter(k, w)

	select {
	case <-w.turn:
	case <-ctx.Done():
		return waitErr(ctx.Err())
	}

	for {
		t.mu.Lock()
		t.gcLocked(e, lim)
		if sum(e)+amount <= lim.Max {
			t.mu.Unlock()
			return nil
		}
		wake := t.earliestFitLocked(e, lim, amount)
		t.mu.Unlock()

		d := time.Until(wake) + time.Millisecond
		if d < time.Millisecond {
			d = time.Millisecond
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return waitErr(ctx.Err())
		}
	}
}

// ConsumeWait is WaitForCapacity plus an atomic take: the head waiter
// records its sample under the same lock hold that admitted it, so a
// slot freed by the window goes to exactly one waiter, strictly in
// FIFO order. The executor's blocking rate gate uses this.
func (t *Tracker) ConsumeWait(ctx context.Context, principal, resource string, amount int64, timeout time.Duration) error {
	if amount < 0 {
		return fault.New(fault.KindInvalidArgument, "negative amount")
	}
	lim, ok := t.limits[resource]
	if !ok {
		return nil
	}
	if amount > lim.Max {
		return fault.Errorf(fault.KindRateExceeded, "amount %d can never fit window max %d", amount, lim.Max)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	k := key(principal, resource)
	w := &waiter{turn: make(chan struct{})}

	t.mu.Lock()
	e := t.entryLocked(k)
	e.waiters = append(e.waiters, w)
	t.promoteLocked(e)
	t.mu.Unlock()
	defer t.removeWaiter(k, w)

	select {
	case <-w.turn:
	case <-ctx.Done():
		return waitErr(ctx.Err())
	}

	for {
		t.mu.Lock()
		t.gcLocked(e, lim)
		if sum(e)+amount <= lim.Max {
			e.samples = append(e.samples, sample{t: t.now(), amount: amount})
			t.mu.Unlock()
			return nil
		}
		wake := t.earliestFitLocked(e, lim, amount)
		t.mu.Unlock()

		d := time.Until(wake) + time.Millisecond
		if d < time.Millisecond {
			d = time.Millisecond
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return waitErr(ctx.Err())
		}
	}
}

// earliestFitLocked computes when enough of the oldest samples will
// have expired for amount to fit.
func (t *Tracker) earliestFitLocked(e *entry, lim Limit, amount int64) time.Time {
	total := sum(e)
	for _, smp := range e.samples {
		total -= smp.amount
		if total+amount <= lim.Max {
			return smp.t.Add(lim.Window)
		}
	}
	return t.now()
}

func (t *Tracker) promoteLocked(e *entry) {
	if len(e.waiters) > 0 && !e.waiters[0].promoted {
		e.waiters[0].promoted = true
		close(e.waiters[0].turn)
	}
}

func (t *Tracker) removeWaiter(k string, w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[k]
	if !ok {
		return
	}
	for i, q := range e.waiters {
		if q == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	t.promoteLocked(e)
}

func waitErr(err error) error {
	if err == context.DeadlineExceeded {
		return fault.Wrap(fault.KindTimeout, err)
	}
	return err
}

// Sample is one consumption record, exported for checkpointing.
type Sample struct {
	T      time.Time `json:"t"`
	Amount int64     `json:"amount"`
}

// WindowSnapshot is the persisted window of one (principal, resource).
type WindowSnapshot struct {
	Principal string   `json:"principal"`
	Resource  string   `json:"resource"`
	Samples   []Sample `json:"samples"`
}

// SnapshotWindows captures every non-empty window.
func (t *Tracker) SnapshotWindows() []WindowSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []WindowSnapshot
	for k, e := range t.entries {
		if len(e.samples) == 0 {
			continue
		}
		var principal, resource string
		for i := 0; i < len(k); i++ {
			if k[i] == 0 {
				principal, resource = k[:i], k[i+1:]
				break
			}
		}
		ws := WindowSnapshot{Principal: principal, Resource: resource}
		for _, s := range e.samples {
			ws.Samples = append(ws.Samples, Sample{T: s.t, Amount: s.amount})
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Principal != out[j].Principal {
			return out[i].Principal < out[j].Principal
		}
		return out[i].Resource < out[j].Resource
	})
	return out
}

// RestoreWindows replaces all windows from a checkpoint. Expired
// samples fall out on the next read.
func (t *Tracker) RestoreWindows(windows []WindowSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*entry, len(windows))
	for _, ws := range windows {
		e := &entry{}
		for _, s := range ws.Samples {
			e.samples = append(e.samples, sample{t: s.T, amount: s.Amount})
		}
		t.entries[key(ws.Principal, ws.Resource)] = e
	}
}
