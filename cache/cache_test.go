package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/engine"
	"github.com/gogpu/compositor/engine/blit"
	"github.com/gogpu/compositor/pool"
)

// fakeEngine prices every stack at a fixed cost and tracks evaluations and
// state destructions. Negative cost declines everything.
type fakeEngine struct {
	name     string
	cost     int
	evals    atomic.Int32
	destroys atomic.Int32
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Evaluate([]compositor.Layer, engine.Target, engine.CostKind) (int, *engine.State) {
	f.evals.Add(1)
	if f.cost < 0 {
		return engine.NotSupported, nil
	}
	return f.cost, engine.NewState(f.name, func(any) { f.destroys.Add(1) })
}

func (f *fakeEngine) Acquire([]compositor.Layer, engine.Target, *pool.Owner, *engine.State) (*engine.Resource, error) {
	done := compositor.NewFence()
	return &engine.Resource{
		Done:   done,
		Result: compositor.Layer{Alpha: 1, AcquireFence: done},
	}, nil
}

func (f *fakeEngine) Compose(_ []compositor.Layer, res *engine.Resource, _ *engine.State) error {
	res.Done.Signal()
	return nil
}

func (f *fakeEngine) Release(res *engine.Resource) {
	res.Done.Signal()
}

// fakeManager builds a manager over the given engines with the idle timer
// off, so tests drive reclamation explicitly.
func fakeManager(t *testing.T, cfg Config, engines ...engine.Engine) (*Manager, *pool.Pool) {
	t.Helper()
	a := alloc.NewSystemAllocator(0)
	p := pool.New(a, pool.Config{Strict: true})
	reg := engine.NewRegistry()
	for _, e := range engines {
		reg.Register(e)
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = -1
	}
	m := NewManager(p, reg, cfg)
	t.Cleanup(func() {
		m.Close()
		p.Close()
	})
	return m, p
}

// blitManager builds a manager with the real blit engine for lifecycle
// tests that need actual destination buffers.
func blitManager(t *testing.T, cfg Config, pcfg pool.Config) (*Manager, *pool.Pool, *alloc.SystemAllocator) {
	t.Helper()
	a := alloc.NewSystemAllocator(0)
	pcfg.Strict = true
	p := pool.New(a, pcfg)
	reg := engine.NewRegistry()
	reg.Register(blit.New(p, blit.Config{}))
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = -1
	}
	cfg.Strict = true
	m := NewManager(p, reg, cfg)
	t.Cleanup(func() {
		m.Close()
		p.Close()
	})
	return m, p, a
}

func newSource(t *testing.T, a *alloc.SystemAllocator, w, h int, f alloc.Format) *alloc.Memory {
	t.Helper()
	m, err := a.Allocate("test", w, h, f, alloc.UsageTexture)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return m
}

func fill(m *alloc.Memory, b0, b1, b2, b3 byte) {
	pix := m.Bytes()
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = b0, b1, b2, b3
	}
}

func pixAt(m *alloc.Memory, x, y int) [4]byte {
	i := y*m.Stride() + x*4
	pix := m.Bytes()
	return [4]byte{pix[i], pix[i+1], pix[i+2], pix[i+3]}
}

func fullLayer(m *alloc.Memory) compositor.Layer {
	return compositor.Layer{
		Buffer:     m,
		SourceCrop: compositor.RectF{Width: float64(m.Width()), Height: float64(m.Height())},
		Frame:      compositor.Rect{Width: m.Width(), Height: m.Height()},
		Alpha:      1,
	}
}

func testStack(t *testing.T, a *alloc.SystemAllocator, n, w, h int) []compositor.Layer {
	t.Helper()
	stack := make([]compositor.Layer, n)
	for i := range stack {
		stack[i] = fullLayer(newSource(t, a, w, h, alloc.FormatXRGB8888))
	}
	return stack
}

func testTarget(w, h int) engine.Target {
	return engine.Target{Width: w, Height: h, Format: alloc.FormatXRGB8888}
}

func TestKeyIgnoresContentsAndHandles(t *testing.T) {
	a := alloc.NewSystemAllocator(0)
	m1 := newSource(t, a, 4, 4, alloc.FormatXRGB8888)
	m2 := newSource(t, a, 4, 4, alloc.FormatXRGB8888)
	fill(m1, 1, 2, 3, 4)
	fill(m2, 9, 9, 9, 9)
	tgt := testTarget(4, 4)

	k1 := StackKey([]compositor.Layer{fullLayer(m1)}, tgt)
	k2 := StackKey([]compositor.Layer{fullLayer(m2)}, tgt)
	if k1 != k2 {
		t.Errorf("same structure keyed differently: %+v vs %+v", k1, k2)
	}

	moved := fullLayer(m2)
	moved.Frame.X = 1
	if k3 := StackKey([]compositor.Layer{moved}, tgt); k3 == k1 {
		t.Error("moved frame kept the same key")
	}

	hole := StackKey([]compositor.Layer{{}, fullLayer(m1)}, tgt)
	noHole := StackKey([]compositor.Layer{fullLayer(m1)}, tgt)
	if hole == noHole {
		t.Error("stack with a hole keyed like the stack without it")
	}
}

func TestRequestSelectsCheapest(t *testing.T) {
	costly := &fakeEngine{name: "costly", cost: 100}
	cheap := &fakeEngine{name: "cheap", cost: 10}
	declines := &fakeEngine{name: "declines", cost: -1}
	m, _ := fakeManager(t, Config{}, costly, cheap, declines)

	a := alloc.NewSystemAllocator(0)
	stack := testStack(t, a, 2, 4, 4)

	e, err := m.Request(stack, testTarget(4, 4))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if e.EngineName() != "cheap" {
		t.Errorf("selected %q, want cheap", e.EngineName())
	}
	// The losing evaluation's state must not leak.
	if costly.destroys.Load() != 1 {
		t.Errorf("loser state destroyed %d times, want 1", costly.destroys.Load())
	}
	if cheap.destroys.Load() != 0 {
		t.Error("winner state destroyed prematurely")
	}
	if declines.evals.Load() != 1 {
		t.Errorf("declining engine evaluated %d times", declines.evals.Load())
	}
}

func TestRequestTieKeepsFirstRegistered(t *testing.T) {
	first := &fakeEngine{name: "first", cost: 10}
	second := &fakeEngine{name: "second", cost: 10}
	m, _ := fakeManager(t, Config{}, first, second)

	a := alloc.NewSystemAllocator(0)
	e, err := m.Request(testStack(t, a, 1, 4, 4), testTarget(4, 4))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if e.EngineName() != "first" {
		t.Errorf("tie went to %q, want first", e.EngineName())
	}
}

func TestRequestNoEngine(t *testing.T) {
	m, _ := fakeManager(t, Config{}, &fakeEngine{name: "no", cost: -1})

	a := alloc.NewSystemAllocator(0)
	_, err := m.Request(testStack(t, a, 1, 4, 4), testTarget(4, 4))
	if !errors.Is(err, ErrNoEngine) {
		t.Fatalf("Request = %v, want ErrNoEngine", err)
	}
}

func TestRequestHitsOnStructuralMatch(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{}, eng)

	a := alloc.NewSystemAllocator(0)
	stack := testStack(t, a, 2, 4, 4)
	tgt := testTarget(4, 4)

	e1, err := m.Request(stack, tgt)
	if err != nil {
		t.Fatalf("first Request: %v", err)
	}

	// Same geometry, different buffers: the per-frame cheap path.
	swapped := testStack(t, a, 2, 4, 4)
	e2, err := m.Request(swapped, tgt)
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if e1 != e2 {
		t.Error("structurally equal stack missed the cache")
	}
	if eng.evals.Load() != 1 {
		t.Errorf("engine evaluated %d times, want 1", eng.evals.Load())
	}

	// Geometry change misses.
	moved := testStack(t, a, 2, 4, 4)
	moved[0].Frame.X = 2
	e3, err := m.Request(moved, tgt)
	if err != nil {
		t.Fatalf("third Request: %v", err)
	}
	if e3 == e1 {
		t.Error("moved stack hit the old entry")
	}

	st := m.Stats()
	if st.Hits != 1 || st.Misses != 2 {
		t.Errorf("stats = %v, want 1 hit 2 misses", st)
	}
}

func TestSingleLiveEntryPerIdentity(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{}, eng)

	a := alloc.NewSystemAllocator(0)
	stack := testStack(t, a, 1, 4, 4)
	tgt := testTarget(4, 4)

	e1, _ := m.Request(stack, tgt)
	if _, err := m.Request(stack, tgt); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if n := m.Stats().Entries; n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}

	// Invalidation then re-request replaces the dead entry; the identity
	// still maps to exactly one live entry.
	m.mu.Lock()
	e1.valid = false
	m.mu.Unlock()
	e2, err := m.Request(stack, tgt)
	if err != nil {
		t.Fatalf("Request after invalidation: %v", err)
	}
	if e2 == e1 {
		t.Error("request returned the invalidated entry")
	}
	if n := m.Stats().Entries; n != 1 {
		t.Errorf("entries = %d after replacement, want 1", n)
	}
}

func TestNotifyFreeInvalidates(t *testing.T) {
	m, _, a := blitManager(t, Config{}, pool.Config{})

	src := newSource(t, a, 4, 4, alloc.FormatXRGB8888)
	stack := []compositor.Layer{fullLayer(src)}
	tgt := testTarget(4, 4)

	e, err := m.Request(stack, tgt)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Freeing a constituent buffer must invalidate the entry before it
	// can be served again.
	a.Free(src)
	if err := m.Refresh(e, stack, tgt); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Refresh after free = %v, want ErrInvalid", err)
	}
	if got := m.Stats().Invalidations; got != 1 {
		t.Errorf("invalidations = %d, want 1", got)
	}
}

func TestAcquireComposeRelease(t *testing.T) {
	m, p, a := blitManager(t, Config{}, pool.Config{})

	src := newSource(t, a, 4, 4, alloc.FormatXRGB8888)
	fill(src, 10, 20, 30, 255)
	stack := []compositor.Layer{fullLayer(src)}
	tgt := testTarget(4, 4)

	e, err := m.Request(stack, tgt)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := m.Acquire(e, stack, tgt); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	out := e.Result()
	if out.Buffer == nil {
		t.Fatal("no destination after Acquire")
	}
	if out.AcquireFence.Done() {
		t.Error("result fence signaled before composition")
	}

	if err := m.Compose(e, stack); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !out.AcquireFence.Done() {
		t.Error("result fence not signaled after Compose")
	}
	if got := pixAt(out.Buffer, 2, 2); got != [4]byte{10, 20, 30, 255} {
		t.Errorf("composed pixel = %v", got)
	}

	m.ReleaseEntry(e)
	if e.Result().Buffer != nil {
		t.Error("destination survived release")
	}
	// The entry stays cached; re-acquiring does not re-select.
	e2, err := m.Request(stack, tgt)
	if err != nil {
		t.Fatalf("re-Request: %v", err)
	}
	if e2 != e {
		t.Error("released entry missed the cache")
	}
	if err := m.Acquire(e2, stack, tgt); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	m.ReleaseEntry(e2)

	if st := p.Snapshot(); len(st) == 0 {
		t.Error("pool lost the destination record")
	}
}

func TestComposeReArmsFence(t *testing.T) {
	m, _, a := blitManager(t, Config{}, pool.Config{})

	src := newSource(t, a, 4, 4, alloc.FormatXRGB8888)
	stack := []compositor.Layer{fullLayer(src)}
	tgt := testTarget(4, 4)

	e, err := m.Request(stack, tgt)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := m.Acquire(e, stack, tgt); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.ReleaseEntry(e)

	if err := m.Compose(e, stack); err != nil {
		t.Fatalf("first Compose: %v", err)
	}
	first := e.Result().AcquireFence

	if err := m.Compose(e, stack); err != nil {
		t.Fatalf("second Compose: %v", err)
	}
	second := e.Result().AcquireFence
	if first == second {
		t.Error("second composition reused the first completion fence")
	}
	if !second.Done() {
		t.Error("second completion fence not signaled")
	}
}

func TestComposeWithoutAcquire(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{}, eng)

	a := alloc.NewSystemAllocator(0)
	stack := testStack(t, a, 1, 4, 4)
	e, err := m.Request(stack, testTarget(4, 4))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := m.Compose(e, stack); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Compose = %v, want ErrNotAcquired", err)
	}
}

func TestNestedAcquire(t *testing.T) {
	m, _, a := blitManager(t, Config{}, pool.Config{})

	src := newSource(t, a, 4, 4, alloc.FormatXRGB8888)
	stack := []compositor.Layer{fullLayer(src)}
	tgt := testTarget(4, 4)

	e, _ := m.Request(stack, tgt)
	if err := m.Acquire(e, stack, tgt); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	buf := e.Result().Buffer
	if err := m.Acquire(e, stack, tgt); err != nil {
		t.Fatalf("nested Acquire: %v", err)
	}
	if e.Result().Buffer != buf {
		t.Error("nested acquire swapped the destination")
	}

	m.ReleaseEntry(e)
	if e.Result().Buffer == nil {
		t.Error("destination dropped before the last release")
	}
	m.ReleaseEntry(e)
	if e.Result().Buffer != nil {
		t.Error("destination survived the last release")
	}
}

func TestStolenDestinationInvalidates(t *testing.T) {
	// A single-record pool forces the fallback path to steal the cache's
	// destination when a mismatched request lands.
	m, _, a := blitManager(t, Config{}, pool.Config{
		MaxCount:   1,
		RetryCount: 1,
		RetryDelay: time.Millisecond,
	})

	src := newSource(t, a, 8, 8, alloc.FormatXRGB8888)
	stack := []compositor.Layer{fullLayer(src)}
	tgt := testTarget(8, 8)

	e, err := m.Request(stack, tgt)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := m.Acquire(e, stack, tgt); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Compose(e, stack); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	// A different-size composition steals the only record.
	small := newSource(t, a, 4, 4, alloc.FormatXRGB8888)
	if _, err := m.PerformComposition([]compositor.Layer{fullLayer(small)}, testTarget(4, 4)); err != nil {
		t.Fatalf("PerformComposition: %v", err)
	}

	if !e.stolen.Load() {
		t.Fatal("owner was not notified of the steal")
	}
	if err := m.Compose(e, stack); !errors.Is(err, ErrInvalid) {
		t.Errorf("Compose on stolen entry = %v, want ErrInvalid", err)
	}
	m.ReleaseEntry(e)
}

func TestReclaimStale(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{StaleFrames: 2}, eng)

	a := alloc.NewSystemAllocator(0)
	stack := testStack(t, a, 1, 4, 4)
	tgt := testTarget(4, 4)

	m.OnPrepareBegin(1)
	if _, err := m.Request(stack, tgt); err != nil {
		t.Fatalf("Request: %v", err)
	}
	m.OnSetEnd()

	// Used at frame 1: within the stale window at frame 3, beyond it at 4.
	m.OnPrepareBegin(3)
	m.OnSetEnd()
	if n := m.Stats().Entries; n != 1 {
		t.Fatalf("entries = %d at frame 3, want 1", n)
	}
	m.OnPrepareBegin(4)
	m.OnSetEnd()
	if n := m.Stats().Entries; n != 0 {
		t.Errorf("entries = %d at frame 4, want 0", n)
	}
	if eng.destroys.Load() != 1 {
		t.Errorf("state destroyed %d times, want 1", eng.destroys.Load())
	}
	if m.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", m.Stats().Evictions)
	}
}

func TestLockPinsEntry(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{StaleFrames: 1}, eng)

	a := alloc.NewSystemAllocator(0)
	stack := testStack(t, a, 1, 4, 4)
	tgt := testTarget(4, 4)

	m.OnPrepareBegin(1)
	e, err := m.Request(stack, tgt)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if n := m.Lock(e); n != 1 {
		t.Fatalf("Lock count = %d, want 1", n)
	}
	if n := m.Lock(e); n != 2 {
		t.Fatalf("nested Lock count = %d, want 2", n)
	}
	if n := m.Unlock(e); n != 1 {
		t.Fatalf("Unlock count = %d, want 1", n)
	}

	m.OnPrepareBegin(10)
	m.OnSetEnd()
	if n := m.Stats().Entries; n != 1 {
		t.Fatalf("locked entry reclaimed, entries = %d", n)
	}

	// A locked entry is pinned, not hidden: requests still hit it.
	if e2, err := m.Request(stack, tgt); err != nil || e2 != e {
		t.Errorf("Request on locked entry = (%v, %v), want the pinned entry", e2, err)
	}

	if n := m.Unlock(e); n != 0 {
		t.Fatalf("final Unlock count = %d, want 0", n)
	}
	m.OnPrepareBegin(20)
	m.OnSetEnd()
	if n := m.Stats().Entries; n != 0 {
		t.Errorf("unlocked stale entry survived, entries = %d", n)
	}
}

func TestAcquiredNeverReclaimed(t *testing.T) {
	m, _, a := blitManager(t, Config{StaleFrames: 1}, pool.Config{})

	src := newSource(t, a, 4, 4, alloc.FormatXRGB8888)
	stack := []compositor.Layer{fullLayer(src)}
	tgt := testTarget(4, 4)

	m.OnPrepareBegin(1)
	e, _ := m.Request(stack, tgt)
	if err := m.Acquire(e, stack, tgt); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	m.OnPrepareBegin(50)
	m.OnSetEnd()
	if n := m.Stats().Entries; n != 1 {
		t.Fatalf("acquired entry reclaimed, entries = %d", n)
	}

	m.ReleaseEntry(e)
	m.OnPrepareBegin(100)
	m.OnSetEnd()
	if n := m.Stats().Entries; n != 0 {
		t.Errorf("released stale entry survived, entries = %d", n)
	}
}

func TestCapacityEviction(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{Capacity: 2, StaleFrames: 1 << 20}, eng)

	a := alloc.NewSystemAllocator(0)
	tgt := testTarget(4, 4)
	s1 := testStack(t, a, 1, 4, 4)
	s2 := testStack(t, a, 2, 4, 4)
	s3 := testStack(t, a, 3, 4, 4)

	e1, _ := m.Request(s1, tgt)
	if _, err := m.Request(s2, tgt); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := m.Request(s3, tgt); err != nil {
		t.Fatalf("Request: %v", err)
	}
	// Touch s1 so s2 becomes the least recently used.
	if _, err := m.Request(s1, tgt); err != nil {
		t.Fatalf("Request: %v", err)
	}

	m.OnSetEnd()
	if n := m.Stats().Entries; n != 2 {
		t.Fatalf("entries = %d after capacity trim, want 2", n)
	}
	if e, err := m.Request(s1, tgt); err != nil || e != e1 {
		t.Error("most recently used entry was evicted")
	}
}

func TestRefresh(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{}, eng)

	a := alloc.NewSystemAllocator(0)
	stack := testStack(t, a, 2, 4, 4)
	tgt := testTarget(4, 4)

	e, err := m.Request(stack, tgt)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Swapping buffer handles is the cheap path.
	swapped := testStack(t, a, 2, 4, 4)
	if err := m.Refresh(e, swapped, tgt); err != nil {
		t.Errorf("Refresh with swapped handles: %v", err)
	}
	if eng.evals.Load() != 1 {
		t.Errorf("refresh re-evaluated, evals = %d", eng.evals.Load())
	}

	// Structural drift is not.
	faded := testStack(t, a, 2, 4, 4)
	faded[1].Alpha = 0.5
	if err := m.Refresh(e, faded, tgt); !errors.Is(err, ErrDrift) {
		t.Errorf("Refresh with drifted stack = %v, want ErrDrift", err)
	}
	shrunk := testStack(t, a, 1, 4, 4)
	if err := m.Refresh(e, shrunk, tgt); !errors.Is(err, ErrDrift) {
		t.Errorf("Refresh with shrunk stack = %v, want ErrDrift", err)
	}
}

func TestIdleTimerReclaims(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{IdleTimeout: 10 * time.Millisecond, StaleFrames: 1}, eng)

	a := alloc.NewSystemAllocator(0)
	m.OnPrepareBegin(1)
	if _, err := m.Request(testStack(t, a, 1, 4, 4), testTarget(4, 4)); err != nil {
		t.Fatalf("Request: %v", err)
	}
	m.OnSetEnd() // arms the timer

	// Invalidate after the frame boundary; only the idle timer reclaims
	// it now.
	e, err := m.Request(testStack(t, a, 2, 4, 4), testTarget(4, 4))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	m.mu.Lock()
	e.valid = false
	m.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Entries != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle timer never reclaimed, entries = %d", m.Stats().Entries)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPerformComposition(t *testing.T) {
	m, _, a := blitManager(t, Config{}, pool.Config{})

	src := newSource(t, a, 4, 4, alloc.FormatXRGB8888)
	fill(src, 40, 50, 60, 255)
	out, err := m.PerformComposition([]compositor.Layer{fullLayer(src)}, testTarget(4, 4))
	if err != nil {
		t.Fatalf("PerformComposition: %v", err)
	}
	if out.Buffer == nil {
		t.Fatal("no result buffer")
	}
	if !out.AcquireFence.Done() {
		t.Error("result fence not signaled")
	}
	if got := pixAt(out.Buffer, 1, 1); got != [4]byte{40, 50, 60, 255} {
		t.Errorf("result pixel = %v", got)
	}
}

func TestPerformCompositionNoEngine(t *testing.T) {
	m, _ := fakeManager(t, Config{}, &fakeEngine{name: "no", cost: -1})

	a := alloc.NewSystemAllocator(0)
	if _, err := m.PerformComposition(testStack(t, a, 1, 4, 4), testTarget(4, 4)); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("PerformComposition = %v, want ErrNoEngine", err)
	}
}

type fakeRecord struct {
	released atomic.Int32
}

func (r *fakeRecord) Release() { r.released.Add(1) }

func TestCloseReleasesRecords(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{}, eng)

	rec := &fakeRecord{}
	m.AttachRecord(rec)

	a := alloc.NewSystemAllocator(0)
	if _, err := m.Request(testStack(t, a, 1, 4, 4), testTarget(4, 4)); err != nil {
		t.Fatalf("Request: %v", err)
	}

	m.Close()
	if rec.released.Load() != 1 {
		t.Errorf("record released %d times, want 1", rec.released.Load())
	}
	if eng.destroys.Load() != 1 {
		t.Errorf("entry state destroyed %d times, want 1", eng.destroys.Load())
	}
	if _, err := m.Request(testStack(t, a, 1, 4, 4), testTarget(4, 4)); !errors.Is(err, ErrClosed) {
		t.Errorf("Request after Close = %v, want ErrClosed", err)
	}
	m.Close() // idempotent
}

func TestReleaseWithoutAcquire(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{}, eng) // not strict: the violation logs

	a := alloc.NewSystemAllocator(0)
	e, err := m.Request(testStack(t, a, 1, 4, 4), testTarget(4, 4))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	m.ReleaseEntry(e)
	m.ReleaseEntry(nil)
}

func TestConcurrentRequests(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{}, eng)

	a := alloc.NewSystemAllocator(0)
	base := testStack(t, a, 1, 8, 8)
	tgt := testTarget(8, 8)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e, err := m.Request(base, tgt)
				if err != nil {
					t.Errorf("Request: %v", err)
					return
				}
				if err := m.Refresh(e, base, tgt); err != nil && !errors.Is(err, ErrInvalid) {
					t.Errorf("Refresh: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if n := m.Stats().Entries; n != 1 {
		t.Errorf("entries = %d after concurrent requests, want 1", n)
	}
}

func TestConcurrentNotifyAndRequest(t *testing.T) {
	eng := &fakeEngine{name: "fake", cost: 1}
	m, _ := fakeManager(t, Config{}, eng)

	a := alloc.NewSystemAllocator(0)
	stackA := testStack(t, a, 1, 8, 8)
	stackB := testStack(t, a, 2, 8, 8)
	tgt := testTarget(8, 8)

	// Buffers that back no entry; their free notifications must leave the
	// live entries alone while racing against lookups.
	scratch := make([]*alloc.Memory, 16)
	for i := range scratch {
		scratch[i] = newSource(t, a, 2, 2, alloc.FormatXRGB8888)
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				stack := stackA
				if (g+i)%2 == 0 {
					stack = stackB
				}
				if _, err := m.Request(stack, tgt); err != nil {
					t.Errorf("Request: %v", err)
					return
				}
			}
		}(g)
	}
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.NotifyFree(scratch[i%len(scratch)])
			}
		}()
	}
	wg.Wait()

	if n := m.Stats().Entries; n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
	if n := m.Stats().Invalidations; n != 0 {
		t.Errorf("invalidations = %d from unrelated buffers, want 0", n)
	}
}

func BenchmarkStackKey(b *testing.B) {
	a := alloc.NewSystemAllocator(0)
	stack := make([]compositor.Layer, 4)
	for i := range stack {
		m, err := a.Allocate("bench", 1920, 1080, alloc.FormatXRGB8888, alloc.UsageTexture)
		if err != nil {
			b.Fatal(err)
		}
		stack[i] = fullLayer(m)
	}
	tgt := testTarget(1920, 1080)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		StackKey(stack, tgt)
	}
}
