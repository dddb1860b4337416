// Package cache keeps composition setups alive across frames. A setup is
// the outcome of engine selection for one layer stack identity: the winning
// engine, its private plan state and, while a holder has it acquired, the
// pooled destination buffer. Stacks are identified structurally (see Key),
// so the common per-frame case of same windows with new buffer contents
// hits the cache and skips re-selection, while any geometry or
// configuration change misses and re-evaluates.
//
// The manager observes the allocator: freeing a buffer invalidates every
// entry that references it before that entry can be served again.
// Reclamation runs at frame boundaries (OnSetEnd) and from an idle timer,
// dropping invalid, stale and over-capacity entries that are neither
// locked nor acquired.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/engine"
	"github.com/gogpu/compositor/pool"
)

// Default configuration values, applied by NewManager for zero fields.
const (
	// DefaultCapacity is the entry count reclamation trims the cache to.
	DefaultCapacity = 64

	// DefaultStaleFrames is how many frames an entry may go unused before
	// reclamation drops it.
	DefaultStaleFrames = 3

	// DefaultIdleTimeout is how long after the last frame boundary the
	// idle reclamation timer fires.
	DefaultIdleTimeout = time.Second
)

var (
	// ErrNoEngine means no registered engine supports the stack. The
	// caller composes client-side instead.
	ErrNoEngine = errors.New("cache: no engine supports the stack")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: manager closed")

	// ErrInvalid means the entry was invalidated, by a freed constituent
	// buffer or a stolen destination, and must be re-requested.
	ErrInvalid = errors.New("cache: entry invalidated")

	// ErrDrift means the stack no longer matches the entry's identity.
	ErrDrift = errors.New("cache: stack drifted from cached identity")

	// ErrNotAcquired means Compose ran on an entry holding no
	// destination.
	ErrNotAcquired = errors.New("cache: compose without acquire")
)

// Config parametrizes a Manager.
type Config struct {
	// Capacity is the entry count reclamation trims to. Defaults to
	// DefaultCapacity.
	Capacity int

	// StaleFrames is the unused-frame count after which an entry is
	// reclaimable. Defaults to DefaultStaleFrames.
	StaleFrames int

	// IdleTimeout arms a reclamation timer after each frame boundary.
	// Defaults to DefaultIdleTimeout; negative disables the timer.
	IdleTimeout time.Duration

	// CostKind is the axis engine selection prices compositions on.
	CostKind engine.CostKind

	// Strict panics on internal-consistency violations instead of
	// logging them.
	Strict bool
}

// Record is a per-display composition holder registered with the manager.
// Close releases every attached record before tearing the cache down.
type Record interface {
	// Release drops all cache entries the record holds. Idempotent.
	Release()
}

// Manager is the composition cache. It owns entry lifecycle and drives the
// pool's garbage collection at frame boundaries. Safe for concurrent use.
type Manager struct {
	pool *pool.Pool
	reg  *engine.Registry
	cfg  Config

	mu      sync.Mutex
	entries map[Key]*Entry
	lru     *list.List // front is most recently used
	records map[Record]struct{}
	frame   uint64
	timer   *time.Timer
	closed  bool

	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
}

// NewManager creates a manager over the pool and engine registry and
// registers it as an observer on the pool's allocator, so buffer frees
// invalidate entries immediately.
func NewManager(p *pool.Pool, reg *engine.Registry, cfg Config) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.StaleFrames <= 0 {
		cfg.StaleFrames = DefaultStaleFrames
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	m := &Manager{
		pool:    p,
		reg:     reg,
		cfg:     cfg,
		entries: map[Key]*Entry{},
		lru:     list.New(),
		records: map[Record]struct{}{},
	}
	p.Allocator().AddObserver(m)
	return m
}

// violate reports an internal-consistency violation: panic under Strict,
// error log otherwise. Callers must not hold the manager lock.
func (m *Manager) violate(msg string, args ...any) {
	if m.cfg.Strict {
		panic("cache: " + msg)
	}
	compositor.Logger().Error("cache: "+msg, args...)
}

// CostKind returns the cost axis selection runs on.
func (m *Manager) CostKind() engine.CostKind {
	return m.cfg.CostKind
}

// Request resolves a composition setup for the stack. A usable cached
// entry with the same structural identity is refreshed and returned; on a
// miss every registered engine prices the stack and the cheapest
// supporter wins, with registration order breaking ties. Losing
// evaluations are destroyed.
//
// ErrNoEngine means the stack has to be composed client-side.
func (m *Manager) Request(stack []compositor.Layer, t engine.Target) (*Entry, error) {
	key := StackKey(stack, t)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := m.entries[key]; ok && e.usable() && matchesStack(e.snapshot, stack) {
		e.refreshLocked(stack, m.frame)
		m.lru.MoveToFront(e.element)
		m.mu.Unlock()
		m.hits.Add(1)
		return e, nil
	}
	m.mu.Unlock()
	m.misses.Add(1)

	// Selection runs unlocked; engines may do real planning work.
	var (
		best     engine.Engine
		bestCost int
		bestSt   *engine.State
	)
	for _, eng := range m.reg.Engines() {
		cost, st := eng.Evaluate(stack, t, m.cfg.CostKind)
		if cost < 0 {
			st.Destroy()
			continue
		}
		if best == nil || cost < bestCost {
			bestSt.Destroy()
			best, bestCost, bestSt = eng, cost, st
			continue
		}
		st.Destroy()
	}
	if best == nil {
		return nil, ErrNoEngine
	}

	e := &Entry{
		key:      key,
		snapshot: snapshotStack(stack),
		engine:   best,
		state:    bestSt,
		valid:    true,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		bestSt.Destroy()
		return nil, ErrClosed
	}
	if cur, ok := m.entries[key]; ok {
		if cur.usable() && matchesStack(cur.snapshot, stack) {
			// Lost a selection race for the same identity; use the
			// winner and drop our work.
			cur.refreshLocked(stack, m.frame)
			m.lru.MoveToFront(cur.element)
			m.mu.Unlock()
			bestSt.Destroy()
			return cur, nil
		}
		// A dead entry occupies the identity. Orphan it: holders tear
		// it down on release, otherwise we do it below.
		m.removeLocked(cur)
		if cur.acquires == 0 {
			defer m.teardown(cur)
		}
	}
	e.element = m.lru.PushFront(e)
	m.entries[key] = e
	e.refreshLocked(stack, m.frame)
	m.mu.Unlock()

	compositor.Logger().Debug("cache: new composition",
		"engine", best.Name(), "cost", bestCost,
		"kind", m.cfg.CostKind.String(), "layers", len(stack))
	return e, nil
}

// Acquire leases a destination buffer for the entry. Acquisitions nest
// across holders of the same entry; each must be paired with ReleaseEntry.
func (m *Manager) Acquire(e *Entry, stack []compositor.Layer, t engine.Target) error {
	e.composeMu.Lock()
	defer e.composeMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !e.usable() {
		m.mu.Unlock()
		return ErrInvalid
	}
	// Marking the acquisition first keeps reclamation off the entry
	// while the engine works.
	e.acquires++
	if e.res != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	owner := &pool.Owner{
		ID: fmt.Sprintf("cache:%016x", e.key.Digest),
		Invalidate: func(*pool.Record) {
			// Runs under the pool lock; flag only.
			e.stolen.Store(true)
			m.invalidations.Add(1)
		},
	}
	res, err := e.engine.Acquire(stack, t, owner, e.state)
	if err != nil {
		m.mu.Lock()
		e.acquires--
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	e.res = res
	e.owner = owner
	e.composed = false
	if res.Mem != nil {
		if e.handles == nil {
			e.handles = map[*alloc.Memory]struct{}{}
		}
		e.handles[res.Mem] = struct{}{}
	}
	m.mu.Unlock()
	return nil
}

// Compose renders the stack into the entry's destination. The first
// composition consumes the fence handed out at acquire time; later ones
// re-arm the result with a fresh completion fence, since the previous
// frame's consumer holds the old one.
func (m *Manager) Compose(e *Entry, stack []compositor.Layer) error {
	e.composeMu.Lock()
	defer e.composeMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !e.usable() {
		m.mu.Unlock()
		return ErrInvalid
	}
	if e.res == nil {
		m.mu.Unlock()
		m.violate("compose without acquire")
		return ErrNotAcquired
	}
	res, composed := e.res, e.composed
	e.composed = true
	e.lastFrame = m.frame
	m.mu.Unlock()

	if composed {
		done := compositor.NewFence()
		res.Done = done
		res.Result.AcquireFence = done
	}
	if err := e.engine.Compose(stack, res, e.state); err != nil {
		return err
	}
	m.pool.Touch(res.Mem)
	return nil
}

// ReleaseEntry undoes one Acquire. The last release hands the destination
// back to the pool; the entry itself stays cached for cheap re-acquire
// until reclamation drops it.
func (m *Manager) ReleaseEntry(e *Entry) {
	if e == nil {
		return
	}
	e.composeMu.Lock()
	defer e.composeMu.Unlock()

	m.mu.Lock()
	if e.acquires == 0 {
		m.mu.Unlock()
		m.violate("release without acquire")
		return
	}
	e.acquires--
	if e.acquires > 0 {
		m.mu.Unlock()
		return
	}
	res, owner := e.res, e.owner
	e.res, e.owner = nil, nil
	orphan := m.entries[e.key] != e
	m.mu.Unlock()

	if res != nil {
		e.engine.Release(res)
	}
	if owner != nil {
		m.pool.Detach(owner)
	}
	if orphan {
		e.state.Destroy()
	}
}

// Refresh revalidates a held entry against the current frame's stack
// without re-running selection. This is the cheap path for the common
// update where only buffer handles and fences changed. ErrDrift means the
// structure moved and the caller needs a full Request.
func (m *Manager) Refresh(e *Entry, stack []compositor.Layer, t engine.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !e.usable() {
		return ErrInvalid
	}
	if StackKey(stack, t) != e.key || !matchesStack(e.snapshot, stack) {
		return ErrDrift
	}
	e.refreshLocked(stack, m.frame)
	if e.element != nil {
		m.lru.MoveToFront(e.element)
	}
	return nil
}

// Lock pins the entry against reclamation and returns the resulting lock
// count. Locks nest and do not keep the entry valid: an invalidated entry
// stays unusable, it just is not reclaimed while pinned.
func (m *Manager) Lock(e *Entry) int {
	m.mu.Lock()
	e.locks++
	n := e.locks
	m.mu.Unlock()
	return n
}

// Unlock undoes one Lock and returns the resulting lock count.
func (m *Manager) Unlock(e *Entry) int {
	m.mu.Lock()
	if e.locks == 0 {
		m.mu.Unlock()
		m.violate("unlock without lock")
		return 0
	}
	e.locks--
	n := e.locks
	m.mu.Unlock()
	return n
}

// NotifyAlloc implements alloc.Observer. Allocations do not affect cached
// setups.
func (m *Manager) NotifyAlloc(*alloc.Memory) {}

// NotifyFree implements alloc.Observer: every entry referencing the freed
// buffer, as a constituent source or as its destination, is invalidated
// before it can be served again. Teardown waits for reclamation.
func (m *Manager) NotifyFree(mem *alloc.Memory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, e := range m.entries {
		if _, ok := e.handles[mem]; !ok {
			continue
		}
		if e.valid {
			e.valid = false
			m.invalidations.Add(1)
		}
	}
}

// OnPrepareBegin marks the start of composition preparation for a frame.
// The frame number drives staleness accounting; the idle timer stands down
// while frames are in flight.
func (m *Manager) OnPrepareBegin(frame uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.frame = frame
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// OnPrepareEnd marks the end of preparation. Nothing to do today; the
// hook exists so hosts drive all four frame edges uniformly.
func (m *Manager) OnPrepareEnd() {}

// OnSetBegin marks the start of frame set.
func (m *Manager) OnSetBegin() {}

// OnSetEnd marks the end of frame set: reclamation runs, the pool
// collects, and the idle timer re-arms.
func (m *Manager) OnSetEnd() {
	m.reclaim()
	m.pool.Process()
	m.mu.Lock()
	m.armIdleLocked()
	m.mu.Unlock()
}

// reclaim drops every entry that is invalid, stale or beyond capacity and
// neither locked nor acquired.
func (m *Manager) reclaim() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	doomed := m.collectDoomedLocked()
	frame := m.frame
	m.mu.Unlock()

	for _, e := range doomed {
		m.teardown(e)
	}
	if n := len(doomed); n > 0 {
		m.evictions.Add(uint64(n))
		compositor.Logger().Debug("cache: reclaimed entries",
			"count", n, "frame", frame)
	}
}

// collectDoomedLocked removes reclaimable entries from the index and
// returns them for teardown. Locked and acquired entries are never
// touched. Caller must hold mu.
func (m *Manager) collectDoomedLocked() []*Entry {
	var doomed []*Entry
	for _, e := range m.entries {
		if e.locks > 0 || e.acquires > 0 {
			continue
		}
		if !e.usable() || m.frame-e.lastFrame > uint64(m.cfg.StaleFrames) {
			m.removeLocked(e)
			doomed = append(doomed, e)
		}
	}
	for el := m.lru.Back(); el != nil && len(m.entries) > m.cfg.Capacity; {
		prev := el.Prev()
		e := el.Value.(*Entry)
		if e.locks == 0 && e.acquires == 0 {
			m.removeLocked(e)
			doomed = append(doomed, e)
		}
		el = prev
	}
	return doomed
}

// removeLocked takes the entry out of the index and recency list. Caller
// must hold mu.
func (m *Manager) removeLocked(e *Entry) {
	if m.entries[e.key] == e {
		delete(m.entries, e.key)
	}
	if e.element != nil {
		m.lru.Remove(e.element)
		e.element = nil
	}
}

// teardown destroys the entry's engine state. Callers must not hold mu.
func (m *Manager) teardown(e *Entry) {
	e.composeMu.Lock()
	e.state.Destroy()
	e.composeMu.Unlock()
}

// armIdleLocked starts the idle reclamation timer. Caller must hold mu.
func (m *Manager) armIdleLocked() {
	if m.cfg.IdleTimeout < 0 || m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.IdleTimeout, m.onIdle)
}

// onIdle runs reclamation when no frame has hit the cache for the
// configured timeout, then re-arms so pooled buffers keep decaying while
// the display stays idle.
func (m *Manager) onIdle() {
	m.reclaim()
	m.pool.Process()
	m.mu.Lock()
	m.armIdleLocked()
	m.mu.Unlock()
}

// PerformComposition resolves, acquires, composes and releases in one
// step. The returned layer references the pooled destination; it stays
// valid until the pool reuses the buffer, so consumers that hold results
// across frames should drive Request and Acquire themselves.
func (m *Manager) PerformComposition(stack []compositor.Layer, t engine.Target) (compositor.Layer, error) {
	e, err := m.Request(stack, t)
	if err != nil {
		return compositor.Layer{}, err
	}
	if err := m.Acquire(e, stack, t); err != nil {
		return compositor.Layer{}, err
	}
	if err := m.Compose(e, stack); err != nil {
		m.ReleaseEntry(e)
		return compositor.Layer{}, err
	}
	out := e.Result()
	m.ReleaseEntry(e)
	return out, nil
}

// AttachRecord registers a composition record for teardown at Close.
func (m *Manager) AttachRecord(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || r == nil {
		return
	}
	m.records[r] = struct{}{}
}

// DetachRecord removes a record registered with AttachRecord.
func (m *Manager) DetachRecord(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, r)
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries       int
	Records       int
	Frame         uint64
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
}

// HitRate returns the fraction of requests served from cache, zero before
// any request.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s Stats) String() string {
	return fmt.Sprintf("entries=%d records=%d frame=%d hits=%d misses=%d rate=%.2f evicted=%d invalidated=%d",
		s.Entries, s.Records, s.Frame, s.Hits, s.Misses, s.HitRate(), s.Evictions, s.Invalidations)
}

// Stats returns current cache statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	entries, records, frame := len(m.entries), len(m.records), m.frame
	m.mu.Unlock()
	return Stats{
		Entries:       entries,
		Records:       records,
		Frame:         frame,
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Evictions:     m.evictions.Load(),
		Invalidations: m.invalidations.Load(),
	}
}

// Close releases every attached record, tears down all entries and
// unregisters the allocator observer. The pool is not closed; its owner
// does that. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	recs := make([]Record, 0, len(m.records))
	for r := range m.records {
		recs = append(recs, r)
	}
	m.records = map[Record]struct{}{}
	m.mu.Unlock()

	// Records release their acquisitions first, so entry teardown below
	// only sees idle entries.
	for _, r := range recs {
		r.Release()
	}

	m.mu.Lock()
	ents := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		ents = append(ents, e)
	}
	m.entries = map[Key]*Entry{}
	m.lru.Init()
	m.mu.Unlock()

	for _, e := range ents {
		if e.acquires > 0 {
			m.violate("close with acquired entry", "engine", e.engine.Name())
			continue
		}
		m.teardown(e)
	}
	m.pool.Allocator().RemoveObserver(m)
}
