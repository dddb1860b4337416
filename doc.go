// Package compositor provides the resource-management core of a per-frame
// display compositing pipeline.
//
// # Overview
//
// compositor owns the buffers, plane assignments, and cached composition
// results that a display pipeline consumes every frame. It sits between a
// window system (which hands over per-display layer stacks) and the
// hardware-composer engines (which turn sub-stacks of layers into single
// composed surfaces). The package tree is organized around three services:
//
//   - pool: a fence-aware buffer pool with budget-driven garbage collection
//     and a scored fallback path that guarantees forward progress under
//     memory pressure.
//   - plane: a per-display composition record that maps layer stacks onto a
//     fixed number of plane slots, with all-or-nothing acquisition and a
//     must-succeed client fallback.
//   - cache: a composition cache keyed by structural identity (geometry,
//     blending, transforms - never pixel contents), with cost-based
//     selection over registered composer engines.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/compositor"
//	    "github.com/gogpu/compositor/alloc"
//	    "github.com/gogpu/compositor/cache"
//	    "github.com/gogpu/compositor/engine"
//	    "github.com/gogpu/compositor/engine/blit"
//	    "github.com/gogpu/compositor/plane"
//	    "github.com/gogpu/compositor/pool"
//	)
//
//	a := alloc.NewSystemAllocator(0)
//	p := pool.New(a, pool.Config{})
//	reg := engine.NewRegistry()
//	reg.Register(blit.New(p, blit.Config{}))
//	mgr := cache.NewManager(p, reg, cache.Config{})
//	rec := plane.New(mgr, compositor.DisplayCaps{Slots: 4, Width: 1920, Height: 1080,
//	    Format: alloc.FormatXRGB8888})
//
// Each frame the caller binds a display description, acquires the record,
// and composes:
//
//	mgr.OnPrepareBegin(frame.FrameIndex)
//	_ = rec.Rebuild(frame)
//	_ = rec.AddFullScreenComposition(0, 0, len(frame.Layers), alloc.FormatInvalid)
//	err := rec.Acquire()
//	mgr.OnPrepareEnd()
//	mgr.OnSetBegin()
//	if err == nil {
//	    err = rec.Compose()
//	}
//	if err != nil {
//	    _ = rec.FallbackToClient()
//	}
//	out := rec.Output()
//	mgr.OnSetEnd()
//
// # Services, not singletons
//
// Nothing in this module is process-global. Allocators, pools, registries,
// and managers are explicit values wired together by the caller, so two
// independent pipelines (or two tests) never share hidden state.
//
// # Threading
//
// A single frame thread is expected to drive prepare/compose/set for all
// displays. Buffer allocation and free notifications may arrive from other
// threads at any time; every service guards its state with one mutex and
// never holds it while blocking on a fence.
//
// # Validation
//
// Internal-consistency violations (fence lifecycle bugs, accounting drift)
// panic when a service is configured with Strict, and are logged through the
// package logger otherwise. Recoverable conditions - allocation failure,
// composer acquisition failure, stale cache entries - are ordinary errors.
package compositor

// Version information
const (
	// Version is the current version of the library
	Version = "0.3.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 3

	// VersionPatch is the patch version
	VersionPatch = 0
)
