// Package blit implements the CPU composer. It is the engine that is always
// available: every stack it supports is composed with golang.org/x/image/draw
// into a pooled destination buffer, so a pipeline with no GPU still produces
// frames. The price is bandwidth and power, which the cost model reflects.
package blit

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/engine"
	"github.com/gogpu/compositor/pool"
)

// EngineName is the name the engine registers under.
const EngineName = "blit"

// DefaultWaitTimeout bounds each fence wait during composition.
const DefaultWaitTimeout = 100 * time.Millisecond

// Blit errors.
var (
	// ErrNoDestination is returned by Compose without a usable resource.
	ErrNoDestination = errors.New("blit: no destination buffer")

	// ErrFenceTimeout is returned when prior work on a buffer did not
	// finish within the wait timeout.
	ErrFenceTimeout = errors.New("blit: fence wait timed out")

	// ErrBadSource is returned when a layer's buffer cannot be read.
	ErrBadSource = errors.New("blit: source buffer unavailable")
)

// Config holds configuration for creating an Engine.
type Config struct {
	// WaitTimeout bounds each fence wait during composition. Defaults to
	// DefaultWaitTimeout if <= 0.
	WaitTimeout time.Duration

	// Scaler resamples layers whose crop and frame sizes differ. Defaults
	// to the bilinear approximation.
	Scaler xdraw.Scaler
}

// Engine composes layer stacks on the CPU.
type Engine struct {
	pool   *pool.Pool
	wait   time.Duration
	scaler xdraw.Scaler
}

var _ engine.Engine = (*Engine)(nil)

// New creates a CPU composer drawing destination buffers from the pool.
func New(p *pool.Pool, cfg Config) *Engine {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Scaler == nil {
		cfg.Scaler = xdraw.ApproxBiLinear
	}
	return &Engine{pool: p, wait: cfg.WaitTimeout, scaler: cfg.Scaler}
}

// Name identifies the engine in logs and selection stats.
func (e *Engine) Name() string { return EngineName }

// Evaluate prices the stack for CPU composition. Rotations, protected
// sources, non-32-bit formats, and fixed-rate destination compression are
// not supported. The returned state carries the per-layer draw plan so
// Compose does not re-derive it.
func (e *Engine) Evaluate(stack []compositor.Layer, t engine.Target, kind engine.CostKind) (int, *engine.State) {
	pl, err := buildPlan(stack, t)
	if err != nil {
		return engine.NotSupported, nil
	}

	pixels := t.Width * t.Height
	for _, l := range stack {
		pixels += l.Frame.Area()
	}
	bytes := pixels * 4

	var cost int
	switch kind {
	case engine.CostBandwidth:
		cost = bytes / 1024
	case engine.CostPower:
		cost = bytes / 256
	case engine.CostPerformance:
		cost = bytes / 512
	case engine.CostMemory:
		cost = t.Width * t.Height * 4 / 1024
	case engine.CostQuality:
		cost = 1
	default:
		return engine.NotSupported, nil
	}
	return cost, engine.NewState(pl, nil)
}

// Acquire obtains a CPU-writable destination buffer for the target.
func (e *Engine) Acquire(stack []compositor.Layer, t engine.Target, owner *pool.Owner, st *engine.State) (*engine.Resource, error) {
	return engine.AcquireDestination(e.pool, t, alloc.UsageRenderTarget|alloc.UsageCPUWrite, owner)
}

// Compose draws the stack into the resource's buffer bottom to top and
// signals the completion fence. Source release fences are signaled once all
// reads are done.
func (e *Engine) Compose(stack []compositor.Layer, res *engine.Resource, st *engine.State) error {
	if res == nil || res.Mem == nil {
		return ErrNoDestination
	}
	dst := res.Mem
	if dst.Freed() || dst.Purged() {
		return fmt.Errorf("%w: destination %s", ErrBadSource, dst)
	}
	if !res.Prior.Wait(e.wait) {
		return fmt.Errorf("%w: destination busy", ErrFenceTimeout)
	}

	pl, _ := st.Value().(*plan)
	if pl == nil || len(pl.ops) != len(stack) {
		t := engine.Target{Width: dst.Width(), Height: dst.Height(), Format: dst.Format()}
		var err error
		if pl, err = buildPlan(stack, t); err != nil {
			return err
		}
	}

	img := &image.RGBA{
		Pix:    dst.Bytes(),
		Stride: dst.Stride(),
		Rect:   image.Rect(0, 0, dst.Width(), dst.Height()),
	}
	clear(img.Pix)

	for i, l := range stack {
		op := pl.ops[i]
		if op.skip {
			continue
		}
		if !l.AcquireFence.Wait(e.wait) {
			return fmt.Errorf("%w: layer %d not ready", ErrFenceTimeout, i)
		}
		src := l.Buffer
		if src == nil || src.Freed() || src.Purged() {
			return fmt.Errorf("%w: layer %d", ErrBadSource, i)
		}
		view := sourceImage(src, l, op)
		if view == nil {
			continue
		}

		var opts *xdraw.Options
		if op.masked {
			a := uint8(math.Round(l.Alpha * 255))
			opts = &xdraw.Options{SrcMask: image.NewUniform(color.Alpha{A: a})}
		}
		dr := l.Frame.ImageRect()
		if op.scale {
			e.scaler.Scale(img, dr, view, view.Bounds(), op.op, opts)
		} else {
			xdraw.Copy(img, dr.Min, view, view.Bounds(), op.op, opts)
		}
	}

	for _, l := range stack {
		l.ReleaseFence.Signal()
	}
	res.Done.Signal()
	return nil
}

// Release signals the completion fence in case composition never ran. The
// destination buffer stays pooled.
func (e *Engine) Release(res *engine.Resource) {
	if res == nil {
		return
	}
	res.Done.Signal()
}

// plan is the per-composition draw plan built from the stack's structure.
// It depends only on geometry, blending, and formats, so it stays valid
// across buffer-handle refreshes of the same stack shape.
type plan struct {
	ops []layerOp
}

type layerOp struct {
	skip   bool     // nil buffer or empty geometry, nothing to draw
	scale  bool     // crop and frame sizes differ
	op     xdraw.Op // Src for opaque replace, Over when blending
	masked bool     // plane alpha below one
	swap   bool     // channel order differs from the destination's
	opaque bool     // source alpha is undefined, read as fully opaque
	cover  bool     // straight alpha, premultiply on read
}

// buildPlan validates the stack against the target and derives the per-layer
// draw plan. An error means the stack is outside what the CPU path supports.
func buildPlan(stack []compositor.Layer, t engine.Target) (*plan, error) {
	if t.Width <= 0 || t.Height <= 0 {
		return nil, fmt.Errorf("%w: empty target", ErrBadSource)
	}
	if t.Format.BytesPerPixel() != 4 {
		return nil, fmt.Errorf("%w: target format %s", ErrBadSource, t.Format)
	}
	if t.Compression == alloc.CompressionFixedRate {
		return nil, fmt.Errorf("%w: fixed-rate destination", ErrBadSource)
	}

	pl := &plan{ops: make([]layerOp, len(stack))}
	for i, l := range stack {
		m := l.Buffer
		if m == nil || l.SourceCrop.Empty() || l.Frame.Empty() {
			pl.ops[i].skip = true
			continue
		}
		if m.Format().BytesPerPixel() != 4 {
			return nil, fmt.Errorf("%w: layer %d format %s", ErrBadSource, i, m.Format())
		}
		if m.Usage()&alloc.UsageProtected != 0 {
			return nil, fmt.Errorf("%w: layer %d protected", ErrBadSource, i)
		}
		if l.Transform.Rotated() {
			return nil, fmt.Errorf("%w: layer %d rotated", ErrBadSource, i)
		}

		crop := l.SourceCrop.Round()
		op := &pl.ops[i]
		op.scale = crop.Width != l.Frame.Width || crop.Height != l.Frame.Height
		op.op = xdraw.Src
		if l.Blended() {
			op.op = xdraw.Over
		}
		op.masked = l.Alpha < 1
		op.swap = bgraOrder(m.Format()) != bgraOrder(t.Format)
		op.opaque = !m.Format().HasAlpha() || l.Blend == compositor.BlendNone
		op.cover = l.Blend == compositor.BlendCoverage
	}
	return pl, nil
}

// bgraOrder reports whether a 32-bit format stores blue in the first byte.
func bgraOrder(f alloc.Format) bool {
	switch f {
	case alloc.FormatXRGB8888, alloc.FormatARGB8888:
		return true
	}
	return false
}
