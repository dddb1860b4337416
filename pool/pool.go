// Package pool implements the fence-aware buffer pool that backs every
// composition destination in the pipeline.
//
// A Pool hands out buffers through dequeue/queue pairs: Dequeue resolves a
// request to a pooled or freshly allocated buffer, Queue returns it with the
// producer's fence. Resolution prefers an exact configuration match, then an
// alpha-equivalent format (caller disables blending), then allocation within
// budget, then a bounded retry, and finally a scored fallback that steals the
// least valuable existing buffer so a frame can always make progress.
//
// Garbage collection runs at frame boundaries (Process) and from the idle
// path: usage flags decay, unused records are freed, and the pool is trimmed
// back to its budget in least-recently-used order.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
)

// Pool errors.
var (
	// ErrClosed is returned when operating on a closed pool.
	ErrClosed = errors.New("pool: closed")

	// ErrDequeueInProgress is returned when a dequeue starts while another
	// is outstanding. One dequeue/queue pair at a time per pool.
	ErrDequeueInProgress = errors.New("pool: dequeue already outstanding")

	// ErrNoDequeue is returned by Queue when no dequeue is outstanding.
	ErrNoDequeue = errors.New("pool: queue without outstanding dequeue")

	// ErrExhausted is returned when even the fallback path could not
	// produce a buffer.
	ErrExhausted = errors.New("pool: no buffer available")
)

// Default pool limits.
const (
	// DefaultMaxCount is the default record budget.
	DefaultMaxCount = 16

	// DefaultMaxBytes is the default byte budget (256 MB).
	DefaultMaxBytes = 256 * 1024 * 1024

	// DefaultRetryCount is how many times a dequeue re-polls before the
	// fallback path.
	DefaultRetryCount = 50

	// DefaultRetryDelay is the sleep between dequeue re-polls.
	DefaultRetryDelay = 10 * time.Millisecond

	// DefaultRecentTimeout is the idle time after which a record's
	// used-recently flag decays.
	DefaultRecentTimeout = time.Second

	// closeWait bounds the per-buffer fence wait during Close.
	closeWait = 100 * time.Millisecond
)

// fenceAwaitingRelease is the reserved fence installed on a record between
// Dequeue and Queue. It is never signaled and never handed to callers;
// observing it on a record outside an outstanding dequeue means the
// dequeue/queue pairing was broken somewhere.
var fenceAwaitingRelease = compositor.NewFence()

// Request describes the buffer configuration a dequeue must satisfy.
type Request struct {
	Width, Height int
	Format        alloc.Format
	Usage         alloc.Usage
}

func (r Request) String() string {
	return fmt.Sprintf("%dx%d %s usage=%#x", r.Width, r.Height, r.Format, int(r.Usage))
}

// approxSize estimates the allocation cost for budget checks. The
// allocator's SizeOf is authoritative once the buffer exists.
func (r Request) approxSize() uint64 {
	return uint64(r.Width) * uint64(r.Height) * uint64(r.Format.BytesPerPixel())
}

// Dequeued is the result of a successful Dequeue.
type Dequeued struct {
	// Mem is the buffer. The pool retains ownership; the caller must pair
	// this dequeue with exactly one Queue.
	Mem *alloc.Memory

	// Fence is the prior work attached to the buffer. The caller waits on
	// it before writing; nil means the buffer is idle.
	Fence *compositor.Fence

	// FormatSubstituted is set when the buffer's format is the
	// alpha-equivalent variant of the requested one. The caller must
	// disable blending when scanning such a buffer out, because the alpha
	// channel contents are undefined.
	FormatSubstituted bool
}

// Config holds configuration for creating a Pool.
type Config struct {
	// Tag names the pool in allocations and logs. Defaults to "pool".
	Tag string

	// MaxCount is the record budget. Defaults to DefaultMaxCount if <= 0.
	MaxCount int

	// MaxBytes is the byte budget. Defaults to DefaultMaxBytes if <= 0.
	MaxBytes uint64

	// RetryCount is the number of dequeue re-polls before falling back.
	// Defaults to DefaultRetryCount if <= 0.
	RetryCount int

	// RetryDelay is the sleep between re-polls, taken with the pool lock
	// released. Defaults to DefaultRetryDelay if <= 0.
	RetryDelay time.Duration

	// RecentTimeout is the idle time after which used-recently decays.
	// Defaults to DefaultRecentTimeout if <= 0.
	RecentTimeout time.Duration

	// Score ranks fallback candidates. Defaults to DefaultScore.
	Score ScoreFunc

	// Strict makes internal-consistency violations panic instead of
	// logging. Tests run strict; production pipelines log and continue.
	Strict bool
}

// Pool is a fence-aware buffer pool. It is safe for concurrent use, though
// the dequeue/queue contract admits only one outstanding dequeue at a time.
type Pool struct {
	mu    sync.Mutex
	alloc alloc.Allocator
	cfg   Config

	// Record tracking. The slice preserves allocation order for the GC
	// sweep; the map serves Touch lookups by handle.
	records []*Record
	byMem   map[*alloc.Memory]*Record

	// Outstanding dequeue. dequeueActive covers the whole resolution,
	// including retry sleeps; dequeued is set once a record is chosen.
	dequeueActive bool
	dequeued      *Record

	// Byte accounting over records (deferred buffers tracked separately).
	bytes         uint64
	deferredBytes uint64

	// deferred holds records whose buffers were removed while their fence
	// was still pending; they are freed in FIFO order once clear.
	deferred *queue.Queue

	now func() time.Time

	stats statCounters

	closed bool
}

type statCounters struct {
	hits          uint64
	substitutions uint64
	allocs        uint64
	retries       uint64
	fallbacks     uint64
	shares        uint64
	evictions     uint64
	supersedes    uint64
	collected     uint64
}

// New creates a pool on top of the given allocator.
func New(a alloc.Allocator, cfg Config) *Pool {
	if cfg.Tag == "" {
		cfg.Tag = "pool"
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultMaxCount
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RecentTimeout <= 0 {
		cfg.RecentTimeout = DefaultRecentTimeout
	}
	if cfg.Score == nil {
		cfg.Score = DefaultScore
	}
	return &Pool{
		alloc:    a,
		cfg:      cfg,
		byMem:    map[*alloc.Memory]*Record{},
		deferred: queue.New(),
		now:      time.Now,
	}
}

// Allocator returns the allocator the pool draws from. Subsystems that need
// buffer lifetime notifications register themselves as observers on it.
func (p *Pool) Allocator() alloc.Allocator {
	return p.alloc
}

// violate reports an internal-consistency violation: panic under Strict,
// error log otherwise. Callers must not hold the pool lock.
func (p *Pool) violate(msg string, args ...any) {
	if p.cfg.Strict {
		panic(fmt.Sprintf("pool %q: %s", p.cfg.Tag, msg))
	}
	compositor.Logger().Error("pool: "+msg, append([]any{"tag", p.cfg.Tag}, args...)...)
}

// Dequeue resolves a buffer for the given configuration. See the package
// comment for the resolution order. The returned buffer must be handed back
// with Queue exactly once; a second Dequeue before that fails.
//
// The owner, if non-nil, is attached to the record so the pool can notify
// the component when the buffer is later stolen or collected.
func (p *Pool) Dequeue(req Request, owner *Owner) (Dequeued, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Dequeued{}, ErrClosed
	}
	if p.dequeueActive {
		p.mu.Unlock()
		p.violate("dequeue while another is outstanding", "request", req.String())
		return Dequeued{}, ErrDequeueInProgress
	}
	p.dequeueActive = true

	rec, substituted, err := p.attemptLocked(req)
	for i := 0; rec == nil && err == nil && i < p.cfg.RetryCount; i++ {
		p.stats.retries++
		p.mu.Unlock()
		time.Sleep(p.cfg.RetryDelay)
		p.mu.Lock()
		if p.closed {
			p.dequeueActive = false
			p.mu.Unlock()
			return Dequeued{}, ErrClosed
		}
		rec, substituted, err = p.attemptLocked(req)
	}
	if err != nil {
		p.dequeueActive = false
		p.mu.Unlock()
		return Dequeued{}, err
	}
	if rec == nil {
		rec, err = p.fallbackLocked(req)
		if err != nil {
			p.dequeueActive = false
			p.mu.Unlock()
			return Dequeued{}, err
		}
		substituted = false
	}

	prior := rec.fence
	rec.owner = owner
	rec.usedFrame = true
	rec.usedRecent = true
	rec.lastUsed = p.now()
	rec.fence = fenceAwaitingRelease
	p.dequeued = rec
	p.verifyLocked()
	mem := rec.mem
	p.mu.Unlock()

	return Dequeued{Mem: mem, Fence: prior, FormatSubstituted: substituted}, nil
}

// attemptLocked runs one pass of the non-destructive resolution: exact
// match, alpha-equivalent match, then allocation within budget. A nil
// record with a nil error means the pass may be retried; a non-nil error
// means the request itself is unsatisfiable. Caller must hold mu.
func (p *Pool) attemptLocked(req Request) (*Record, bool, error) {
	var equivalent *Record
	for _, rec := range p.records {
		if rec.mem == nil || rec.owner != nil || !rec.fenceClear() {
			continue
		}
		m := rec.mem
		if m.Matches(req.Width, req.Height, req.Format, req.Usage) {
			if !p.commitLocked(rec, req) {
				continue
			}
			rec.shared = false
			p.stats.hits++
			return rec, false, nil
		}
		if equivalent == nil &&
			m.Width() == req.Width && m.Height() == req.Height &&
			m.Usage() == req.Usage && m.Format() != req.Format &&
			m.Format().Equivalent(req.Format) {
			equivalent = rec
		}
	}
	if equivalent != nil {
		if p.commitLocked(equivalent, req) {
			equivalent.shared = false
			p.stats.substitutions++
			return equivalent, true, nil
		}
	}

	if len(p.records) < p.cfg.MaxCount && p.bytes+req.approxSize() <= p.cfg.MaxBytes {
		m, err := p.alloc.Allocate(p.cfg.Tag, req.Width, req.Height, req.Format, req.Usage)
		if err == nil {
			rec := &Record{mem: m, lastUsed: p.now()}
			p.records = append(p.records, rec)
			p.byMem[m] = rec
			p.bytes += p.alloc.SizeOf(m)
			p.stats.allocs++
			return rec, false, nil
		}
		if errors.Is(err, alloc.ErrBadConfig) {
			return nil, false, err
		}
		compositor.Logger().Debug("pool: allocation failed, will retry",
			"tag", p.cfg.Tag, "request", req.String(), "error", err)
	}
	return nil, false, nil
}

// commitLocked makes sure a matched record's buffer has committed contents
// before it is handed out. Purged warmup buffers are committed in place;
// failure leaves the record pooled and reports false. Caller must hold mu.
func (p *Pool) commitLocked(rec *Record, req Request) bool {
	m := rec.mem
	if m == nil || !m.Purged() {
		return true
	}
	old := p.alloc.SizeOf(m)
	if err := p.alloc.Reallocate(m, m.Width(), m.Height(), m.Format(), m.Usage()); err != nil {
		compositor.Logger().Debug("pool: purged buffer commit failed",
			"tag", p.cfg.Tag, "request", req.String(), "error", err)
		return false
	}
	p.bytes -= old
	p.bytes += p.alloc.SizeOf(m)
	return true
}

// fallbackLocked steals an existing record when the normal path timed out:
// candidates are ranked by the scoring policy, the owner (if any) is
// detached and notified, a pending fence is superseded, and the buffer is
// either shared as-is (exact config match) or reallocated to the requested
// configuration. Budget limits do not apply here; forward progress wins.
// Caller must hold mu.
func (p *Pool) fallbackLocked(req Request) (*Record, error) {
	if len(p.records) == 0 {
		return nil, fmt.Errorf("%w: %s (empty pool)", ErrExhausted, req)
	}

	order := make([]int, len(p.records))
	scores := make([]int, len(p.records))
	for i, rec := range p.records {
		order[i] = i
		scores[i] = p.cfg.Score(rec.status(), req)
	}
	// Highest score first; equal scores resolve to the least recently
	// used record, then to index order.
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := order[a], order[b]
		if scores[ra] != scores[rb] {
			return scores[ra] > scores[rb]
		}
		return p.records[ra].lastUsed.Before(p.records[rb].lastUsed)
	})

	for _, idx := range order {
		rec := p.records[idx]

		if rec.fence != nil && rec.fence != fenceAwaitingRelease && !rec.fence.Done() {
			rec.fence.Signal()
			p.stats.supersedes++
			compositor.Logger().Warn("pool: superseded pending fence under pressure",
				"tag", p.cfg.Tag, "request", req.String())
		}
		if rec.owner != nil {
			old := rec.owner
			rec.owner = nil
			if old.Invalidate != nil {
				old.Invalidate(rec)
			}
			compositor.Logger().Warn("pool: fallback stole held buffer",
				"tag", p.cfg.Tag, "owner", old.ID, "request", req.String())
		}

		if rec.mem != nil && !rec.mem.Purged() &&
			rec.mem.Matches(req.Width, req.Height, req.Format, req.Usage) {
			rec.shared = true
			p.stats.shares++
			p.stats.fallbacks++
			return rec, nil
		}

		var err error
		if rec.mem == nil {
			var m *alloc.Memory
			m, err = p.alloc.Allocate(p.cfg.Tag, req.Width, req.Height, req.Format, req.Usage)
			if err == nil {
				rec.mem = m
				p.byMem[m] = rec
				p.bytes += p.alloc.SizeOf(m)
			}
		} else {
			old := p.alloc.SizeOf(rec.mem)
			err = p.alloc.Reallocate(rec.mem, req.Width, req.Height, req.Format, req.Usage)
			if err == nil {
				p.bytes -= old
				p.bytes += p.alloc.SizeOf(rec.mem)
			}
		}
		if err != nil {
			compositor.Logger().Debug("pool: fallback candidate rejected",
				"tag", p.cfg.Tag, "request", req.String(), "error", err)
			continue
		}
		rec.shared = false
		p.stats.evictions++
		p.stats.fallbacks++
		return rec, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrExhausted, req)
}

// Queue completes the outstanding dequeue, attaching the producer's fence
// to the buffer. A nil fence means the work is already complete.
func (p *Pool) Queue(fence *compositor.Fence) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	rec := p.dequeued
	if rec == nil {
		p.mu.Unlock()
		p.violate("queue without outstanding dequeue")
		return ErrNoDequeue
	}
	if fence == nil {
		fence = compositor.SignaledFence()
	}
	rec.fence = fence
	rec.lastUsed = p.now()
	p.dequeued = nil
	p.dequeueActive = false
	p.verifyLocked()
	p.mu.Unlock()
	return nil
}

// Touch marks the record backing a handle as used this frame. Components
// that keep composed buffers alive across frames call this on cache hits so
// garbage collection sees the use.
func (p *Pool) Touch(m *alloc.Memory) {
	if m == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byMem[m]
	if !ok {
		return
	}
	rec.usedFrame = true
	rec.usedRecent = true
	rec.lastUsed = p.now()
}

// SetCompression applies a compression class to a pooled buffer through the
// underlying allocator. Compression never changes the buffer's byte size.
func (p *Pool) SetCompression(m *alloc.Memory, c alloc.Compression) error {
	if m == nil {
		return alloc.ErrBadConfig
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.byMem[m]; !ok {
		return fmt.Errorf("%w: buffer not pooled", alloc.ErrBadConfig)
	}
	return p.alloc.SetCompression(m, c)
}

// Detach clears the owner back-reference from every record the owner holds.
// Components call this when they release a buffer voluntarily, so a later
// steal does not notify a dead owner.
func (p *Pool) Detach(o *Owner) {
	if o == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.owner == o {
			rec.owner = nil
			rec.shared = false
		}
	}
}

// Warmup preallocates purged records for the given configurations so the
// first frames dequeue without hitting the allocator for committed pages.
// Failures are skipped; warmup is best effort.
func (p *Pool) Warmup(reqs []Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, req := range reqs {
		if len(p.records) >= p.cfg.MaxCount || p.bytes+req.approxSize() > p.cfg.MaxBytes {
			return
		}
		m, err := p.alloc.AllocatePurged(p.cfg.Tag, req.Width, req.Height, req.Format, req.Usage)
		if err != nil {
			continue
		}
		rec := &Record{mem: m, lastUsed: p.now()}
		p.records = append(p.records, rec)
		p.byMem[m] = rec
		p.bytes += p.alloc.SizeOf(m)
		p.stats.allocs++
	}
	p.verifyLocked()
}

// Process runs one garbage collection pass. The frame driver calls it at
// the end of every composed frame and again from the idle path:
//
//  1. deferred buffers whose fence cleared are freed, in order
//  2. walking records in reverse index order: used-recently decays after
//     RecentTimeout, and fence-clear records that are neither recent nor
//     used this frame are freed (owners notified first)
//  3. while over budget, the least recently used fence-clear record is
//     freed
//  4. used-this-frame flags reset for the next frame
func (p *Pool) Process() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	p.drainDeferredLocked()

	now := p.now()
	var violated bool
	for i := len(p.records) - 1; i >= 0; i-- {
		rec := p.records[i]
		if rec == p.dequeued {
			continue
		}
		if rec.fence == fenceAwaitingRelease {
			violated = true
			continue
		}
		if !rec.usedFrame && rec.usedRecent && now.Sub(rec.lastUsed) > p.cfg.RecentTimeout {
			rec.usedRecent = false
		}
		if !rec.fenceClear() {
			continue
		}
		if !rec.usedFrame && !rec.usedRecent {
			p.invalidateLocked(rec)
			p.removeLocked(i)
			p.stats.collected++
		}
	}

	for p.overBudgetLocked() {
		idx := p.lruRemovableLocked()
		if idx < 0 {
			break
		}
		p.invalidateLocked(p.records[idx])
		p.removeLocked(idx)
		p.stats.collected++
	}

	for _, rec := range p.records {
		rec.usedFrame = false
	}
	p.verifyLocked()
	p.mu.Unlock()

	if violated {
		p.violate("record awaiting release outside an outstanding dequeue")
	}
}

// invalidateLocked detaches and notifies a record's owner ahead of
// deletion. Caller must hold mu.
func (p *Pool) invalidateLocked(rec *Record) {
	if rec.owner == nil {
		return
	}
	old := rec.owner
	rec.owner = nil
	if old.Invalidate != nil {
		old.Invalidate(rec)
	}
}

// removeLocked deletes the record at index i, freeing its buffer or
// parking it on the deferred queue when the fence is still pending. Caller
// must hold mu.
func (p *Pool) removeLocked(i int) {
	rec := p.records[i]
	p.records = append(p.records[:i], p.records[i+1:]...)
	if rec.mem == nil {
		return
	}
	delete(p.byMem, rec.mem)
	size := p.alloc.SizeOf(rec.mem)
	p.bytes -= size
	if rec.fenceClear() {
		p.alloc.Free(rec.mem)
		return
	}
	p.deferredBytes += size
	p.deferred.Add(rec)
}

// drainDeferredLocked frees parked buffers whose fences have cleared,
// preserving FIFO order. Caller must hold mu.
func (p *Pool) drainDeferredLocked() {
	for p.deferred.Length() > 0 {
		rec, ok := p.deferred.Peek().(*Record)
		if !ok {
			p.deferred.Remove()
			continue
		}
		if !rec.fenceClear() {
			return
		}
		p.deferred.Remove()
		p.deferredBytes -= p.alloc.SizeOf(rec.mem)
		p.alloc.Free(rec.mem)
	}
}

func (p *Pool) overBudgetLocked() bool {
	return len(p.records) > p.cfg.MaxCount || p.bytes > p.cfg.MaxBytes
}

// lruRemovableLocked picks the least recently used record that can be freed
// right now: fence clear and not the outstanding dequeue. Caller must hold
// mu.
func (p *Pool) lruRemovableLocked() int {
	best := -1
	for i, rec := range p.records {
		if rec == p.dequeued || !rec.fenceClear() {
			continue
		}
		if best < 0 || rec.lastUsed.Before(p.records[best].lastUsed) {
			best = i
		}
	}
	return best
}

// Flush drops every idle record immediately, parking fence-pending ones on
// the deferred queue. Held and outstanding buffers survive. Used when a
// display disconnects and its buffer shapes will not recur.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for i := len(p.records) - 1; i >= 0; i-- {
		rec := p.records[i]
		if rec == p.dequeued || rec.owner != nil {
			continue
		}
		p.removeLocked(i)
		p.stats.collected++
	}
	p.verifyLocked()
}

// verifyLocked checks byte conservation: the tracked total must equal the
// sum of record sizes. Caller must hold mu.
func (p *Pool) verifyLocked() {
	var sum uint64
	for _, rec := range p.records {
		if rec.mem != nil {
			sum += p.alloc.SizeOf(rec.mem)
		}
	}
	if sum == p.bytes {
		return
	}
	msg := fmt.Sprintf("byte accounting drift: tracked %d, records sum %d", p.bytes, sum)
	if p.cfg.Strict {
		panic(fmt.Sprintf("pool %q: %s", p.cfg.Tag, msg))
	}
	compositor.Logger().Error("pool: "+msg, "tag", p.cfg.Tag)
	p.bytes = sum
}

// Snapshot returns a copy of every record's status, in index order.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, len(p.records))
	for i, rec := range p.records {
		out[i] = rec.status()
	}
	return out
}

// Close frees every buffer, waiting briefly for pending fences, and marks
// the pool unusable. Owners of held buffers are notified first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	outstanding := p.dequeued != nil

	recs := p.records
	p.records = nil
	for p.deferred.Length() > 0 {
		if rec, ok := p.deferred.Remove().(*Record); ok {
			recs = append(recs, rec)
		}
	}
	for _, rec := range recs {
		p.invalidateLocked(rec)
	}
	p.byMem = nil
	p.bytes = 0
	p.deferredBytes = 0
	p.dequeued = nil
	p.dequeueActive = false
	p.mu.Unlock()

	if outstanding {
		p.violate("closed with an outstanding dequeue")
	}

	for _, rec := range recs {
		if rec.mem == nil {
			continue
		}
		if rec.fence != nil && rec.fence != fenceAwaitingRelease {
			rec.fence.Wait(closeWait)
		}
		p.alloc.Free(rec.mem)
	}
}
