// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/cache"
	"github.com/gogpu/compositor/engine"
	"github.com/gogpu/compositor/engine/blit"
	"github.com/gogpu/compositor/plane"
	"github.com/gogpu/compositor/pool"
)

var (
	// ErrClosed is returned by Frame after Close.
	ErrClosed = errors.New("pipeline: closed")

	// ErrUnknownDisplay is returned by Frame for a source frame whose
	// display was never declared.
	ErrUnknownDisplay = errors.New("pipeline: display not declared")
)

// Config holds configuration for assembling a Pipeline.
type Config struct {
	// Allocator backs all buffers. Defaults to an unlimited system
	// allocator when nil.
	Allocator alloc.Allocator

	// Pool configures the destination buffer pool.
	Pool pool.Config

	// Cache configures the composition cache.
	Cache cache.Config

	// Engines are additional composers registered after the CPU blit
	// engine, for example the device composer from engine/gpu.
	Engines []engine.Engine
}

// Pipeline bundles allocator, pool, composer registry, cache and plane
// records into one unit with a per-frame driver.
type Pipeline struct {
	alloc alloc.Allocator
	pool  *pool.Pool
	reg   *engine.Registry
	mgr   *cache.Manager

	mu       sync.Mutex
	displays map[int]*record
	frame    uint64
	closed   bool
}

// record tracks one declared display.
type record struct {
	comp  *plane.Composition
	caps  compositor.DisplayCaps
	bound bool
}

// New assembles a pipeline. The CPU blit composer is always registered so
// composition never ends up without a software path.
func New(cfg Config) *Pipeline {
	a := cfg.Allocator
	if a == nil {
		a = alloc.NewSystemAllocator(0)
	}
	p := pool.New(a, cfg.Pool)
	reg := engine.NewRegistry()
	reg.Register(blit.New(p, blit.Config{}))
	for _, e := range cfg.Engines {
		reg.Register(e)
	}
	return &Pipeline{
		alloc:    a,
		pool:     p,
		reg:      reg,
		mgr:      cache.NewManager(p, reg, cfg.Cache),
		displays: map[int]*record{},
	}
}

// Allocator returns the allocator all buffers come from.
func (pl *Pipeline) Allocator() alloc.Allocator { return pl.alloc }

// Pool returns the destination buffer pool.
func (pl *Pipeline) Pool() *pool.Pool { return pl.pool }

// Registry returns the composer registry, for registering further engines.
func (pl *Pipeline) Registry() *engine.Registry { return pl.reg }

// Manager returns the composition cache manager.
func (pl *Pipeline) Manager() *cache.Manager { return pl.mgr }

// Stats returns the cache counters.
func (pl *Pipeline) Stats() cache.Stats { return pl.mgr.Stats() }

// Display declares a display and returns its plane record, creating it on
// first use. Caps are fixed at creation; declaring an existing display
// again returns the original record. Returns nil after Close.
func (pl *Pipeline) Display(id int, caps compositor.DisplayCaps) *plane.Composition {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return nil
	}
	if r, ok := pl.displays[id]; ok {
		return r.comp
	}
	r := &record{comp: plane.New(pl.mgr, caps), caps: caps}
	pl.displays[id] = r
	return r.comp
}

// CloseDisplay releases a display's plane record.
func (pl *Pipeline) CloseDisplay(id int) {
	pl.mu.Lock()
	r, ok := pl.displays[id]
	if ok {
		delete(pl.displays, id)
	}
	pl.mu.Unlock()
	if ok {
		r.comp.Close()
	}
}

// Frame drives one complete frame over the given display sources: binding
// or refreshing every record, acquiring, composing, and falling back to the
// client target wherever device composition cannot serve. The returned
// frames are what scanout consumes, in source order.
//
// One goroutine at a time may call Frame.
func (pl *Pipeline) Frame(srcs ...*compositor.DisplayFrame) ([]compositor.DisplayFrame, error) {
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return nil, ErrClosed
	}
	pl.frame++
	n := pl.frame
	recs := make([]*record, len(srcs))
	for i, src := range srcs {
		r, ok := pl.displays[src.Display]
		if !ok {
			pl.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrUnknownDisplay, src.Display)
		}
		recs[i] = r
	}
	pl.mu.Unlock()

	pl.mgr.OnPrepareBegin(n)
	for i, src := range srcs {
		if err := pl.prepare(recs[i], src); err != nil {
			pl.mgr.OnPrepareEnd()
			return nil, err
		}
	}
	pl.mgr.OnPrepareEnd()

	pl.mgr.OnSetBegin()
	defer pl.mgr.OnSetEnd()
	out := make([]compositor.DisplayFrame, 0, len(srcs))
	for i, src := range srcs {
		r := recs[i]
		if err := r.comp.Compose(); err != nil {
			compositor.Logger().Warn("pipeline: compose failed, falling back",
				"display", src.Display, "frame", src.FrameIndex, "error", err)
			if ferr := r.comp.FallbackToClient(); ferr != nil {
				return nil, ferr
			}
		}
		o := r.comp.Output()
		if o == nil {
			return nil, fmt.Errorf("pipeline: display %d produced no output", src.Display)
		}
		out = append(out, *o)
	}
	return out, nil
}

// prepare refreshes the existing binding when only buffers changed, and
// rebinds from scratch otherwise. Binding failure falls back to the client
// target, so the only errors out of here are a missing client target or a
// closed record.
func (pl *Pipeline) prepare(r *record, src *compositor.DisplayFrame) error {
	if r.bound && !src.GeometryChanged {
		if err := r.comp.Update(src); err == nil {
			return nil
		}
		// Structural drift; rebind below.
	}
	if err := pl.bind(r, src); err != nil {
		compositor.Logger().Debug("pipeline: device composition unavailable",
			"display", src.Display, "frame", src.FrameIndex, "error", err)
		if ferr := r.comp.FallbackToClient(); ferr != nil {
			return ferr
		}
	}
	r.bound = true
	return nil
}

// bind applies the default mapping policy: the top layer rides a dedicated
// slot when the display has a second slot, everything below shares one full
// screen composition.
func (pl *Pipeline) bind(r *record, src *compositor.DisplayFrame) error {
	if err := r.comp.Rebuild(src); err != nil {
		return err
	}
	stack := len(src.Layers)
	var err error
	switch {
	case stack == 1:
		err = r.comp.AddDedicatedLayer(0, 0)
	case stack >= 2 && r.caps.Slots >= 2:
		err = r.comp.AddFullScreenComposition(0, 0, stack-1, alloc.FormatInvalid)
		if err == nil {
			err = r.comp.AddDedicatedLayer(1, stack-1)
		}
	default:
		err = r.comp.AddFullScreenComposition(0, 0, stack, alloc.FormatInvalid)
	}
	if err != nil {
		return err
	}
	return r.comp.Acquire()
}

// Close releases every display record and shuts the services down.
func (pl *Pipeline) Close() {
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return
	}
	pl.closed = true
	recs := pl.displays
	pl.displays = map[int]*record{}
	pl.mu.Unlock()

	for _, r := range recs {
		r.comp.Close()
	}
	pl.mgr.Close()
	pl.pool.Close()
}
