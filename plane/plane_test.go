// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package plane

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/cache"
	"github.com/gogpu/compositor/engine"
	"github.com/gogpu/compositor/engine/blit"
	"github.com/gogpu/compositor/pool"
)

func testSetup(t *testing.T) (*cache.Manager, *alloc.SystemAllocator) {
	t.Helper()
	a := alloc.NewSystemAllocator(0)
	p := pool.New(a, pool.Config{Strict: true})
	reg := engine.NewRegistry()
	reg.Register(blit.New(p, blit.Config{}))
	m := cache.NewManager(p, reg, cache.Config{IdleTimeout: -1, Strict: true})
	t.Cleanup(func() {
		m.Close()
		p.Close()
	})
	return m, a
}

func testCaps(slots int) compositor.DisplayCaps {
	return compositor.DisplayCaps{Slots: slots, Width: 8, Height: 8, Format: alloc.FormatXRGB8888}
}

func newSource(t *testing.T, a *alloc.SystemAllocator, w, h int) *alloc.Memory {
	t.Helper()
	m, err := a.Allocate("test", w, h, alloc.FormatXRGB8888, alloc.UsageTexture)
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

func makeFrame(layers []compositor.Layer, client *compositor.Layer) *compositor.DisplayFrame {
	return &compositor.DisplayFrame{
		Display:      1,
		Width:        8,
		Height:       8,
		Layers:       layers,
		ClientTarget: client,
		FrameIndex:   1,
		Timestamp:    time.Unix(100, 0),
		Flags:        compositor.StackFlags(layers),
	}
}

func TestBindingValidation(t *testing.T) {
	m, a := testSetup(t)
	c := New(m, testCaps(2))
	defer c.Close()

	if got := m.Stats().Records; got != 1 {
		t.Errorf("records = %d after New, want 1", got)
	}
	if err := c.AddDedicatedLayer(0, 0); !errors.Is(err, ErrNoSource) {
		t.Errorf("Add before Rebuild = %v, want ErrNoSource", err)
	}

	layers := []compositor.Layer{
		fullLayer(newSource(t, a, 8, 8)),
		fullLayer(newSource(t, a, 8, 8)),
	}
	if err := c.Rebuild(makeFrame(layers, nil)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if err := c.AddDedicatedLayer(5, 0); !errors.Is(err, ErrSlotRange) {
		t.Errorf("slot 5 = %v, want ErrSlotRange", err)
	}
	if err := c.AddDedicatedLayer(-1, 0); !errors.Is(err, ErrSlotRange) {
		t.Errorf("slot -1 = %v, want ErrSlotRange", err)
	}
	if err := c.AddDedicatedLayer(0, 5); !errors.Is(err, ErrSourceRange) {
		t.Errorf("source 5 = %v, want ErrSourceRange", err)
	}
	if err := c.AddDedicatedLayer(0, 0); err != nil {
		t.Fatalf("AddDedicatedLayer: %v", err)
	}
	if err := c.AddDedicatedLayer(0, 1); !errors.Is(err, ErrSlotBound) {
		t.Errorf("rebind = %v, want ErrSlotBound", err)
	}
	if err := c.AddFullScreenComposition(1, 0, 3, alloc.FormatInvalid); !errors.Is(err, ErrSourceRange) {
		t.Errorf("range past stack = %v, want ErrSourceRange", err)
	}
	if c.Output() != nil {
		t.Error("Output before Acquire should be nil")
	}
}

func TestDedicatedPassthrough(t *testing.T) {
	m, a := testSetup(t)
	c := New(m, testCaps(2))
	defer c.Close()

	src := newSource(t, a, 8, 8)
	layers := []compositor.Layer{fullLayer(src)}
	if err := c.Rebuild(makeFrame(layers, nil)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.AddDedicatedLayer(0, 0); err != nil {
		t.Fatalf("AddDedicatedLayer: %v", err)
	}
	if err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	out := c.Output()
	if out == nil {
		t.Fatal("no output after Acquire")
	}
	if len(out.Layers) != 1 || out.Layers[0].Buffer != src {
		t.Errorf("dedicated slot did not pass the source through: %+v", out.Layers)
	}
	if out.FrameIndex != 1 || !out.Timestamp.Equal(time.Unix(100, 0)) {
		t.Errorf("frame timing not copied: index=%d ts=%v", out.FrameIndex, out.Timestamp)
	}
	if out.Flags != 0 {
		t.Errorf("flags = %v for an opaque passthrough", out.Flags)
	}
}

func TestFullScreenComposition(t *testing.T) {
	m, a := testSetup(t)
	c := New(m, testCaps(1))
	defer c.Close()

	bottom := newSource(t, a, 8, 8)
	top := newSource(t, a, 8, 8)
	fill(bottom, 10, 10, 10, 255)
	fill(top, 200, 100, 50, 255)
	layers := []compositor.Layer{fullLayer(bottom), fullLayer(top)}

	if err := c.Rebuild(makeFrame(layers, nil)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.AddFullScreenComposition(0, 0, 2, alloc.FormatInvalid); err != nil {
		t.Fatalf("AddFullScreenComposition: %v", err)
	}
	if err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Compose(); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	out := c.Output()
	if out == nil || len(out.Layers) != 1 {
		t.Fatalf("output = %+v, want one composed layer", out)
	}
	dst := out.Layers[0]
	if dst.Buffer == nil || dst.Buffer == bottom || dst.Buffer == top {
		t.Fatal("composed slot must output a separate destination buffer")
	}
	if dst.AcquireFence == nil || !dst.AcquireFence.Done() {
		t.Error("composed layer fence not signaled after Compose")
	}
	// Both layers are opaque and cover the display, so the top one wins.
	if got := pixAt(dst.Buffer, 4, 4); got != [4]byte{200, 100, 50, 255} {
		t.Errorf("composed pixel = %v", got)
	}
	if out.FrameIndex != 1 {
		t.Errorf("frame index = %d, want 1", out.FrameIndex)
	}
}

func TestCompressionWalk(t *testing.T) {
	m, a := testSetup(t)
	caps := testCaps(1)
	caps.MaxCompression = alloc.CompressionFixedRate
	c := New(m, caps)
	defer c.Close()

	layers := []compositor.Layer{fullLayer(newSource(t, a, 8, 8))}
	if err := c.Rebuild(makeFrame(layers, nil)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.AddFullScreenComposition(0, 0, 1, alloc.FormatInvalid); err != nil {
		t.Fatalf("AddFullScreenComposition: %v", err)
	}

	// The CPU composer declines fixed-rate destinations, so the walk
	// must have settled one class down.
	got := c.slots[0].target.Compression
	if got != alloc.CompressionLossless {
		t.Errorf("bound compression = %s, want lossless", got)
	}
	if k := c.slots[0].entry.Key(); k.Compression != alloc.CompressionLossless {
		t.Errorf("entry keyed at %s", k.Compression)
	}
}

// failEngine wins selection for stacks of a fixed depth and then refuses
// to acquire, to exercise the rollback path.
type failEngine struct {
	depth int
}

var errAcquireFailed = errors.New("acquire failed")

func (f *failEngine) Name() string { return "fail" }

func (f *failEngine) Evaluate(stack []compositor.Layer, _ engine.Target, _ engine.CostKind) (int, *engine.State) {
	if len(stack) != f.depth {
		return engine.NotSupported, nil
	}
	return 0, nil
}

func (f *failEngine) Acquire([]compositor.Layer, engine.Target, *pool.Owner, *engine.State) (*engine.Resource, error) {
	return nil, errAcquireFailed
}

func (f *failEngine) Compose([]compositor.Layer, *engine.Resource, *engine.State) error {
	return nil
}

func (f *failEngine) Release(*engine.Resource) {}

func TestAcquireAllOrNothing(t *testing.T) {
	a := alloc.NewSystemAllocator(0)
	p := pool.New(a, pool.Config{Strict: true})
	reg := engine.NewRegistry()
	reg.Register(&failEngine{depth: 2}) // wins cost ties for two-layer stacks
	reg.Register(blit.New(p, blit.Config{}))
	m := cache.NewManager(p, reg, cache.Config{IdleTimeout: -1, Strict: true})
	t.Cleanup(func() {
		m.Close()
		p.Close()
	})

	layers := []compositor.Layer{
		fullLayer(newSource(t, a, 8, 8)),
		fullLayer(newSource(t, a, 8, 8)),
		fullLayer(newSource(t, a, 8, 8)),
	}
	client := fullLayer(newSource(t, a, 8, 8))
	c := New(m, testCaps(2))
	defer c.Close()

	if err := c.Rebuild(makeFrame(layers, &client)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.AddFullScreenComposition(0, 0, 1, alloc.FormatInvalid); err != nil {
		t.Fatalf("bind slot 0: %v", err)
	}
	if err := c.AddFullScreenComposition(1, 1, 2, alloc.FormatInvalid); err != nil {
		t.Fatalf("bind slot 1: %v", err)
	}
	first := c.slots[0].entry

	if err := c.Acquire(); !errors.Is(err, errAcquireFailed) {
		t.Fatalf("Acquire = %v, want the engine failure", err)
	}
	if c.Output() != nil {
		t.Error("output present after failed acquire")
	}
	if first.Result().Buffer != nil {
		t.Error("first slot kept its destination after rollback")
	}

	// The record is still usable: the caller falls back to the client
	// target and scans out.
	if err := c.FallbackToClient(); err != nil {
		t.Fatalf("FallbackToClient: %v", err)
	}
	out := c.Output()
	if out == nil || len(out.Layers) != 1 || out.Layers[0].Buffer != client.Buffer {
		t.Fatalf("fallback output = %+v, want the client target", out)
	}
	if out.Flags&compositor.FrameClientComposed == 0 {
		t.Error("fallback output missing the client-composed flag")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m, a := testSetup(t)
	c := New(m, testCaps(1))
	defer c.Close()

	layers := []compositor.Layer{fullLayer(newSource(t, a, 8, 8))}
	if err := c.Rebuild(makeFrame(layers, nil)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.AddFullScreenComposition(0, 0, 1, alloc.FormatInvalid); err != nil {
		t.Fatalf("AddFullScreenComposition: %v", err)
	}
	if err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// The cache manager is strict, so a double entry release would
	// panic. Releasing the record twice must not.
	c.Release()
	c.Release()
	if c.Output() != nil {
		t.Error("output survived release")
	}

	// A released record rebinds from scratch.
	if err := c.Rebuild(makeFrame(layers, nil)); err != nil {
		t.Fatalf("Rebuild after release: %v", err)
	}
	if err := c.AddFullScreenComposition(0, 0, 1, alloc.FormatInvalid); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if err := c.Acquire(); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if err := c.Compose(); err != nil {
		t.Fatalf("Compose: %v", err)
	}
}

func TestFallbackSignalsReleaseFences(t *testing.T) {
	m, a := testSetup(t)
	c := New(m, testCaps(1))
	defer c.Close()

	l0 := fullLayer(newSource(t, a, 8, 8))
	l1 := fullLayer(newSource(t, a, 8, 8))
	l0.ReleaseFence = compositor.NewFence()
	l1.ReleaseFence = compositor.NewFence()
	client := fullLayer(newSource(t, a, 8, 8))
	frame := makeFrame([]compositor.Layer{l0, l1}, &client)

	if err := c.Rebuild(frame); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.AddFullScreenComposition(0, 0, 2, alloc.FormatInvalid); err != nil {
		t.Fatalf("AddFullScreenComposition: %v", err)
	}
	if err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	entry := c.slots[0].entry

	if err := c.FallbackToClient(); err != nil {
		t.Fatalf("FallbackToClient: %v", err)
	}
	if !l0.ReleaseFence.Done() || !l1.ReleaseFence.Done() {
		t.Error("displaced layer release fences not signaled")
	}
	if entry.Result().Buffer != nil {
		t.Error("composed entry kept its destination through fallback")
	}
	out := c.Output()
	if out == nil || len(out.Layers) != 1 || out.Layers[0].Buffer != client.Buffer {
		t.Fatalf("fallback output = %+v", out)
	}

	// Compose after fallback has nothing to render but still stamps and
	// assembles.
	if err := c.Compose(); err != nil {
		t.Fatalf("Compose after fallback: %v", err)
	}
	if got := c.Output(); got.Flags&compositor.FrameClientComposed == 0 {
		t.Error("client-composed flag lost after Compose")
	}
}

func TestFallbackNeedsClientTarget(t *testing.T) {
	m, a := testSetup(t)
	c := New(m, testCaps(1))
	defer c.Close()

	if err := c.Rebuild(makeFrame([]compositor.Layer{fullLayer(newSource(t, a, 8, 8))}, nil)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.FallbackToClient(); !errors.Is(err, ErrNoClient) {
		t.Errorf("FallbackToClient = %v, want ErrNoClient", err)
	}
}

func TestUpdateCheapPath(t *testing.T) {
	m, a := testSetup(t)
	c := New(m, testCaps(1))
	defer c.Close()

	src1 := newSource(t, a, 8, 8)
	fill(src1, 11, 11, 11, 255)
	if err := c.Rebuild(makeFrame([]compositor.Layer{fullLayer(src1)}, nil)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.AddFullScreenComposition(0, 0, 1, alloc.FormatInvalid); err != nil {
		t.Fatalf("AddFullScreenComposition: %v", err)
	}
	if err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Compose(); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if got := pixAt(c.Output().Layers[0].Buffer, 3, 3); got != [4]byte{11, 11, 11, 255} {
		t.Fatalf("first frame pixel = %v", got)
	}

	// Next frame: same structure, new buffer, new contents.
	src2 := newSource(t, a, 8, 8)
	fill(src2, 99, 88, 77, 255)
	next := makeFrame([]compositor.Layer{fullLayer(src2)}, nil)
	next.FrameIndex = 2
	if err := c.Update(next); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := c.Compose(); err != nil {
		t.Fatalf("second Compose: %v", err)
	}
	out := c.Output()
	if got := pixAt(out.Layers[0].Buffer, 3, 3); got != [4]byte{99, 88, 77, 255} {
		t.Errorf("second frame pixel = %v", got)
	}
	if out.FrameIndex != 2 {
		t.Errorf("frame index = %d, want 2", out.FrameIndex)
	}

	// Structural drift must surface so the caller rebuilds.
	faded := fullLayer(src2)
	faded.Alpha = 0.5
	drifted := makeFrame([]compositor.Layer{faded}, nil)
	if err := c.Update(drifted); !errors.Is(err, cache.ErrDrift) {
		t.Errorf("Update with drifted stack = %v, want cache.ErrDrift", err)
	}

	// A frame that no longer covers the bound range is rejected outright.
	short := makeFrame(nil, nil)
	if err := c.Update(short); !errors.Is(err, ErrSourceRange) {
		t.Errorf("Update with short stack = %v, want ErrSourceRange", err)
	}
}

func TestCloseDetaches(t *testing.T) {
	m, a := testSetup(t)
	c := New(m, testCaps(1))

	if err := c.Rebuild(makeFrame([]compositor.Layer{fullLayer(newSource(t, a, 8, 8))}, nil)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.AddFullScreenComposition(0, 0, 1, alloc.FormatInvalid); err != nil {
		t.Fatalf("AddFullScreenComposition: %v", err)
	}
	if err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	c.Close()
	if got := m.Stats().Records; got != 0 {
		t.Errorf("records = %d after Close, want 0", got)
	}
	if err := c.Acquire(); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v, want ErrClosed", err)
	}
	if err := c.Rebuild(makeFrame(nil, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Rebuild after Close = %v, want ErrClosed", err)
	}
	c.Close()
}

func TestComposeBeforeAcquire(t *testing.T) {
	m, a := testSetup(t)
	c := New(m, testCaps(1))
	defer c.Close()

	if err := c.Rebuild(makeFrame([]compositor.Layer{fullLayer(newSource(t, a, 8, 8))}, nil)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := c.Compose(); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("Compose = %v, want ErrNotAcquired", err)
	}
}
