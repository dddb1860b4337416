// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package plane binds display frames to hardware plane slots. A Composition
// is the per-display record: each slot either scans out one client layer
// directly (dedicated) or a full-screen composition of a layer range built
// through the cache. Destination acquisition is all or nothing, and falling
// back to the window system's own client target always succeeds once a
// client target exists, so a display is never left without scanout content.
package plane

import (
	"errors"
	"sync"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/cache"
	"github.com/gogpu/compositor/engine"
)

var (
	// ErrSlotRange means the slot index is outside the display's planes.
	ErrSlotRange = errors.New("plane: slot index out of range")

	// ErrSlotBound means the slot already carries a binding.
	ErrSlotBound = errors.New("plane: slot already bound")

	// ErrSourceRange means the source layer range does not fit the frame.
	ErrSourceRange = errors.New("plane: source layer range invalid")

	// ErrNotAcquired means Compose ran before Acquire.
	ErrNotAcquired = errors.New("plane: compose before acquire")

	// ErrAcquired means a binding changed while destinations were held.
	ErrAcquired = errors.New("plane: binding change while acquired")

	// ErrNoSource means no frame has been bound with Rebuild yet.
	ErrNoSource = errors.New("plane: no source frame")

	// ErrNoClient means the source frame carries no client target to
	// fall back to.
	ErrNoClient = errors.New("plane: source frame has no client target")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("plane: composition closed")
)

type slotKind int

const (
	slotUnused slotKind = iota
	slotDedicated
	slotComposed
)

// slot is one hardware plane binding.
type slot struct {
	kind  slotKind
	first int // index of the first source layer
	count int // source layer count, 1 for dedicated

	// target, entry and acquired track a composed slot's cache state.
	target   engine.Target
	entry    *cache.Entry
	acquired bool

	// client marks a dedicated slot that scans out the client target
	// instead of a stack layer.
	client bool
}

// Composition is the per-display plane record. The window system drives it
// through a frame cycle: Rebuild and Add bindings when geometry changes,
// Acquire once, then Update and Compose every frame until Release.
// Safe for concurrent use.
type Composition struct {
	mgr  *cache.Manager
	caps compositor.DisplayCaps

	mu             sync.Mutex
	src            *compositor.DisplayFrame
	slots          []slot
	out            compositor.DisplayFrame
	acquired       bool
	clientComposed bool
	closed         bool
}

// New creates a composition record for a display and registers it with the
// manager, which releases it at shutdown.
func New(mgr *cache.Manager, caps compositor.DisplayCaps) *Composition {
	if caps.Slots <= 0 {
		caps.Slots = 1
	}
	c := &Composition{
		mgr:   mgr,
		caps:  caps,
		slots: make([]slot, caps.Slots),
	}
	mgr.AttachRecord(c)
	return c
}

// Rebuild resets the record for a structurally new frame: every binding is
// released and the source replaced. The caller re-adds bindings and
// acquires again.
func (c *Composition) Rebuild(src *compositor.DisplayFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.releaseLocked()
	c.src = src
	return nil
}

// AddDedicatedLayer binds a slot to scan out one source layer directly,
// with no composition in between.
func (c *Composition) AddDedicatedLayer(slotIdx, source int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bindableLocked(slotIdx); err != nil {
		return err
	}
	if source < 0 || source >= len(c.src.Layers) {
		return ErrSourceRange
	}
	c.slots[slotIdx] = slot{kind: slotDedicated, first: source, count: 1}
	return nil
}

// AddFullScreenComposition binds a slot to the composition of the source
// layers [first, first+count) over the whole display. FormatInvalid means
// the display's preferred format. Compression starts at the display's
// strongest class and weakens until a composer accepts; when none accepts
// at any class the cache's ErrNoEngine surfaces and the caller falls back
// to client composition.
func (c *Composition) AddFullScreenComposition(slotIdx, first, count int, format alloc.Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bindableLocked(slotIdx); err != nil {
		return err
	}
	if first < 0 || count <= 0 || first+count > len(c.src.Layers) {
		return ErrSourceRange
	}
	if format == alloc.FormatInvalid {
		format = c.caps.Format
	}

	stack := c.src.Layers[first : first+count]
	tgt := engine.Target{Width: c.caps.Width, Height: c.caps.Height, Format: format}
	var entry *cache.Entry
	for comp := c.caps.MaxCompression; ; comp = comp.Weaker() {
		tgt.Compression = comp
		e, err := c.mgr.Request(stack, tgt)
		if err == nil {
			entry = e
			break
		}
		if !errors.Is(err, cache.ErrNoEngine) || comp == alloc.CompressionNone {
			return err
		}
	}
	c.slots[slotIdx] = slot{kind: slotComposed, first: first, count: count, target: tgt, entry: entry}
	compositor.Logger().Debug("plane: composition bound",
		"display", c.src.Display, "slot", slotIdx, "layers", count,
		"engine", entry.EngineName(), "compression", tgt.Compression.String())
	return nil
}

// bindableLocked checks the preconditions shared by the Add calls. Caller
// must hold mu.
func (c *Composition) bindableLocked(slotIdx int) error {
	switch {
	case c.closed:
		return ErrClosed
	case c.acquired:
		return ErrAcquired
	case c.src == nil:
		return ErrNoSource
	}
	if slotIdx < 0 || slotIdx >= len(c.slots) {
		return ErrSlotRange
	}
	if c.slots[slotIdx].kind != slotUnused {
		return ErrSlotBound
	}
	return nil
}

// Acquire leases a destination for every composed slot, all or nothing: a
// failure releases the slots acquired so far and reports it, leaving the
// record unacquired so the caller can fall back to the client target.
// Acquiring an already acquired record is a no-op.
func (c *Composition) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.acquired {
		return nil
	}
	if c.src == nil {
		return ErrNoSource
	}

	var rb rollback
	for i := range c.slots {
		s := &c.slots[i]
		if s.kind != slotComposed {
			continue
		}
		if s.first+s.count > len(c.src.Layers) {
			rb.unwind()
			return ErrSourceRange
		}
		if err := c.mgr.Acquire(s.entry, c.src.Layers[s.first:s.first+s.count], s.target); err != nil {
			rb.unwind()
			return err
		}
		s.acquired = true
		entry, bound := s.entry, s
		rb.add(func() {
			c.mgr.ReleaseEntry(entry)
			bound.acquired = false
		})
	}
	c.acquired = true
	c.assembleLocked()
	return nil
}

// Update swaps in a new frame with the same structure: slot ranges are
// re-checked, composed entries take the cheap refresh path, and the output
// is re-assembled with the new handles and fences. ErrDrift from the cache
// means the structure moved after all and the caller should rebuild.
func (c *Composition) Update(src *compositor.DisplayFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	prev := c.src
	c.src = src
	for i := range c.slots {
		s := &c.slots[i]
		if s.kind == slotUnused {
			continue
		}
		if s.first+s.count > len(src.Layers) {
			c.src = prev
			return ErrSourceRange
		}
		if s.kind != slotComposed {
			continue
		}
		if err := c.mgr.Refresh(s.entry, src.Layers[s.first:s.first+s.count], s.target); err != nil {
			c.src = prev
			return err
		}
	}
	if c.acquired {
		c.assembleLocked()
	}
	return nil
}

// Compose renders every composed slot for the current frame and stamps the
// output with the source frame's index and timestamp. The output is
// re-assembled afterwards so consumers see the fresh completion fences.
func (c *Composition) Compose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.acquired {
		return ErrNotAcquired
	}
	if !c.clientComposed {
		for i := range c.slots {
			s := &c.slots[i]
			if s.kind != slotComposed {
				continue
			}
			if err := c.mgr.Compose(s.entry, c.src.Layers[s.first:s.first+s.count]); err != nil {
				return err
			}
		}
	}
	c.assembleLocked()
	return nil
}

// FallbackToClient rebinds the record to the window system's client
// target: slot 0 scans it out and every other slot goes dark. Stack layers
// the planes will no longer read get their release fences signaled so no
// client is left waiting on a consumer that never comes. The path acquires
// nothing, so it cannot fail once a client target exists.
func (c *Composition) FallbackToClient() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.src == nil {
		return ErrNoSource
	}
	if c.src.ClientTarget == nil {
		return ErrNoClient
	}

	for i := range c.src.Layers {
		if f := c.src.Layers[i].ReleaseFence; f != nil {
			f.Signal()
		}
	}
	c.releaseLocked()
	c.slots[0] = slot{kind: slotDedicated, first: 0, count: 1, client: true}
	c.acquired = true
	c.clientComposed = true
	c.assembleLocked()
	compositor.Logger().Warn("plane: falling back to client composition",
		"display", c.src.Display, "frame", c.src.FrameIndex)
	return nil
}

// Release drops every binding and acquisition. Implements the manager's
// record contract. Idempotent; releasing an unbound record is a no-op.
func (c *Composition) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.releaseLocked()
}

// releaseLocked drops all bindings, handing acquired destinations back to
// the cache. Caller must hold mu.
func (c *Composition) releaseLocked() {
	for i := range c.slots {
		s := &c.slots[i]
		if s.kind == slotComposed && s.acquired {
			c.mgr.ReleaseEntry(s.entry)
		}
		c.slots[i] = slot{}
	}
	c.acquired = false
	c.clientComposed = false
	c.out = compositor.DisplayFrame{}
}

// assembleLocked rebuilds the output frame from the current bindings. Slot
// order is z-order, slot 0 at the bottom. Caller must hold mu.
func (c *Composition) assembleLocked() {
	out := compositor.DisplayFrame{
		Display:    c.src.Display,
		Width:      c.caps.Width,
		Height:     c.caps.Height,
		FrameIndex: c.src.FrameIndex,
		Timestamp:  c.src.Timestamp,
	}
	for i := range c.slots {
		s := &c.slots[i]
		switch s.kind {
		case slotDedicated:
			if s.client {
				out.Layers = append(out.Layers, *c.src.ClientTarget)
			} else {
				out.Layers = append(out.Layers, c.src.Layers[s.first])
			}
		case slotComposed:
			out.Layers = append(out.Layers, s.entry.Result())
		}
	}
	out.Flags = compositor.StackFlags(out.Layers)
	if c.clientComposed {
		out.Flags |= compositor.FrameClientComposed
	}
	c.out = out
}

// Output returns the frame the display scans out, nil before a successful
// Acquire or FallbackToClient.
func (c *Composition) Output() *compositor.DisplayFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return nil
	}
	out := c.out
	return &out
}

// Close releases everything and detaches from the manager. Idempotent.
func (c *Composition) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.releaseLocked()
	c.closed = true
	c.mu.Unlock()
	c.mgr.DetachRecord(c)
}
