// Package gpu implements the composer backed by a shared wgpu HAL device.
// The engine receives the device from the host application and never creates
// one. Accepted stacks are composed into the pooled destination buffer, which
// scanout reads, and uploaded to a device-side texture so later render passes
// can sample the result without another copy.
//
// Only the overlay regime is supported: opaque, unscaled, untransformed
// layers whose formats map onto HAL texture formats. Everything else is left
// to the CPU path, which is why the engine prices itself below the CPU
// composer on the bandwidth, power, and performance axes but above it on
// quality.
package gpu

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/types"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/engine"
	"github.com/gogpu/compositor/pool"
)

// EngineName is the name the engine registers under.
const EngineName = "gpu"

// DefaultWaitTimeout bounds each layer fence wait during composition.
const DefaultWaitTimeout = 100 * time.Millisecond

// DefaultSubmitTimeout bounds the device fence wait after submission.
const DefaultSubmitTimeout = 5 * time.Second

// GPU composer errors.
var (
	// ErrNoProvider is returned by New when the provider does not expose
	// the underlying HAL types.
	ErrNoProvider = errors.New("gpu: provider does not expose HAL types")

	// ErrNoDevice is returned by New when the provider's HalDevice is not
	// a hal.Device.
	ErrNoDevice = errors.New("gpu: provider HalDevice is not hal.Device")

	// ErrNoQueue is returned by New when the provider's HalQueue is not a
	// hal.Queue.
	ErrNoQueue = errors.New("gpu: provider HalQueue is not hal.Queue")

	// ErrNoDestination is returned by Compose without a usable resource.
	ErrNoDestination = errors.New("gpu: no destination buffer")

	// ErrFenceTimeout is returned when prior work on a buffer did not
	// finish within the wait timeout.
	ErrFenceTimeout = errors.New("gpu: fence wait timed out")

	// ErrDeviceTimeout is returned when the device did not signal the
	// submission fence within the submit timeout.
	ErrDeviceTimeout = errors.New("gpu: device fence wait timed out")

	// ErrBadSource is returned when a layer's buffer cannot be read.
	ErrBadSource = errors.New("gpu: source buffer unavailable")
)

// Config holds configuration for creating an Engine.
type Config struct {
	// WaitTimeout bounds each layer fence wait during composition.
	// Defaults to DefaultWaitTimeout if <= 0.
	WaitTimeout time.Duration

	// SubmitTimeout bounds the device fence wait after submission.
	// Defaults to DefaultSubmitTimeout if <= 0.
	SubmitTimeout time.Duration
}

// Engine composes layer stacks on the shared GPU device.
type Engine struct {
	device  hal.Device
	queue   hal.Queue
	pool    *pool.Pool
	surface gputypes.TextureFormat
	wait    time.Duration
	submit  time.Duration
}

var _ engine.Engine = (*Engine)(nil)

// New creates a composer on the shared device exposed by the provider. The
// provider must expose the underlying HAL device and queue the way gogpu
// application contexts do; ErrNoProvider is returned otherwise so callers
// can skip registration and fall back to the CPU path.
func New(provider gpucontext.DeviceProvider, p *pool.Pool, cfg Config) (*Engine, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, ErrNoDevice
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, ErrNoQueue
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	return &Engine{
		device:  device,
		queue:   queue,
		pool:    p,
		surface: provider.SurfaceFormat(),
		wait:    cfg.WaitTimeout,
		submit:  cfg.SubmitTimeout,
	}, nil
}

// Name identifies the engine in logs and selection stats.
func (e *Engine) Name() string { return EngineName }

// Evaluate prices the stack for composition on the shared device. Only the
// overlay regime is supported; blending, plane alpha, transforms, scaling,
// protected sources, and formats without a HAL mapping all decline. A
// destination matching the host's surface format skips a conversion on
// presentation and is priced with a small discount.
func (e *Engine) Evaluate(stack []compositor.Layer, t engine.Target, kind engine.CostKind) (int, *engine.State) {
	pl, err := buildOverlayPlan(stack, t)
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
		cost = bytes / 2048
	case engine.CostPower:
		cost = bytes / 512
	case engine.CostPerformance:
		cost = bytes / 1024
	case engine.CostMemory:
		// The pooled buffer plus the device texture.
		cost = t.Width * t.Height * 4 * 2 / 1024
	case engine.CostQuality:
		cost = 3
	default:
		return engine.NotSupported, nil
	}
	if e.surface != gputypes.TextureFormatUndefined && t.Format.TextureFormat() == e.surface {
		cost -= cost / 8
	}
	return cost, engine.NewState(&gpuState{plan: pl}, e.destroyState)
}

// Acquire obtains a destination buffer for the target and creates the
// device texture the composed frame uploads into.
func (e *Engine) Acquire(stack []compositor.Layer, t engine.Target, owner *pool.Owner, st *engine.State) (*engine.Resource, error) {
	res, err := engine.AcquireDestination(e.pool, t, alloc.UsageRenderTarget|alloc.UsageCPUWrite, owner)
	if err != nil {
		return nil, err
	}
	if gs, ok := st.Value().(*gpuState); ok && gs.tex == nil {
		tex, err := e.createTexture(t.Width, t.Height, t.Format)
		if err != nil {
			e.Release(res)
			return nil, err
		}
		gs.tex = tex
	}
	return res, nil
}

// Compose copies the stack into the resource's buffer, uploads the result to
// the device texture, and signals the completion fence once the device fence
// clears. Source release fences are signaled after all reads are done.
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

	t := engine.Target{Width: dst.Width(), Height: dst.Height(), Format: dst.Format()}
	gs, _ := st.Value().(*gpuState)
	if gs == nil {
		pl, err := buildOverlayPlan(stack, t)
		if err != nil {
			return err
		}
		tex, err := e.createTexture(t.Width, t.Height, t.Format)
		if err != nil {
			return err
		}
		defer e.device.DestroyTexture(tex)
		gs = &gpuState{plan: pl, tex: tex}
	} else {
		if gs.plan == nil || len(gs.plan.ops) != len(stack) {
			pl, err := buildOverlayPlan(stack, t)
			if err != nil {
				return err
			}
			gs.plan = pl
		}
		if gs.tex == nil {
			tex, err := e.createTexture(t.Width, t.Height, t.Format)
			if err != nil {
				return err
			}
			gs.tex = tex
		}
	}

	pix, stride := dst.Bytes(), dst.Stride()
	clear(pix)

	bounds := image.Rect(0, 0, dst.Width(), dst.Height())
	for i, l := range stack {
		if gs.plan.ops[i].skip {
			continue
		}
		if !l.AcquireFence.Wait(e.wait) {
			return fmt.Errorf("%w: layer %d not ready", ErrFenceTimeout, i)
		}
		src := l.Buffer
		if src == nil || src.Freed() || src.Purged() {
			return fmt.Errorf("%w: layer %d", ErrBadSource, i)
		}
		copyRegion(pix, stride, bounds, src, l)
	}

	copyDst := &hal.ImageCopyTexture{
		Texture:  gs.tex,
		MipLevel: 0,
		Origin:   hal.Origin3D{X: 0, Y: 0, Z: 0},
		Aspect:   types.TextureAspectAll,
	}
	layout := &hal.ImageDataLayout{
		Offset:       0,
		BytesPerRow:  uint32(stride),
		RowsPerImage: uint32(dst.Height()),
	}
	size := &hal.Extent3D{
		Width:              uint32(dst.Width()),
		Height:             uint32(dst.Height()),
		DepthOrArrayLayers: 1,
	}
	e.queue.WriteTexture(copyDst, pix, layout, size)

	fence, err := e.device.CreateFence()
	if err != nil {
		return fmt.Errorf("gpu: create fence: %w", err)
	}
	defer e.device.DestroyFence(fence)
	if err := e.queue.Submit(nil, fence, 1); err != nil {
		return fmt.Errorf("gpu: submit: %w", err)
	}
	signaled, err := e.device.Wait(fence, 1, e.submit)
	if err != nil {
		return fmt.Errorf("gpu: fence wait: %w", err)
	}
	if !signaled {
		return ErrDeviceTimeout
	}

	for _, l := range stack {
		l.ReleaseFence.Signal()
	}
	res.Done.Signal()
	return nil
}

// Release signals the completion fence in case composition never ran. The
// destination buffer stays pooled; the device texture lives and dies with
// the evaluation state.
func (e *Engine) Release(res *engine.Resource) {
	if res == nil {
		return
	}
	res.Done.Signal()
}

// gpuPlan is the per-composition plan built from the stack's structure. It
// depends only on geometry, blending, and formats, so it stays valid across
// buffer-handle refreshes of the same stack shape.
type gpuPlan struct {
	ops []overlayOp
}

type overlayOp struct {
	skip bool // nil buffer or empty geometry, nothing to copy
}

// buildOverlayPlan validates the stack against the target. An error means
// the stack is outside the overlay regime this engine supports.
func buildOverlayPlan(stack []compositor.Layer, t engine.Target) (*gpuPlan, error) {
	if t.Width <= 0 || t.Height <= 0 {
		return nil, fmt.Errorf("%w: empty target", ErrBadSource)
	}
	if halFormat(t.Format) == types.TextureFormatUndefined {
		return nil, fmt.Errorf("%w: target format %s", ErrBadSource, t.Format)
	}

	pl := &gpuPlan{ops: make([]overlayOp, len(stack))}
	for i, l := range stack {
		m := l.Buffer
		if m == nil || l.SourceCrop.Empty() || l.Frame.Empty() {
			pl.ops[i].skip = true
			continue
		}
		if halFormat(m.Format()) != halFormat(t.Format) {
			return nil, fmt.Errorf("%w: layer %d format %s", ErrBadSource, i, m.Format())
		}
		if m.Usage()&alloc.UsageProtected != 0 {
			return nil, fmt.Errorf("%w: layer %d protected", ErrBadSource, i)
		}
		if l.Blended() {
			return nil, fmt.Errorf("%w: layer %d blended", ErrBadSource, i)
		}
		if l.Alpha < 1 {
			return nil, fmt.Errorf("%w: layer %d plane alpha", ErrBadSource, i)
		}
		if l.Transform != compositor.TransformNone {
			return nil, fmt.Errorf("%w: layer %d transformed", ErrBadSource, i)
		}
		crop := l.SourceCrop.Round()
		if crop.Width != l.Frame.Width || crop.Height != l.Frame.Height {
			return nil, fmt.Errorf("%w: layer %d scaled", ErrBadSource, i)
		}
	}
	return pl, nil
}

// copyRegion copies a layer's cropped rows into the destination. The overlay
// regime guarantees crop and frame sizes match, so clipping both rectangles
// and copying the common extent preserves alignment.
func copyRegion(dst []byte, stride int, bounds image.Rectangle, src *alloc.Memory, l compositor.Layer) {
	sr := l.SourceCrop.Round().ImageRect().Intersect(image.Rect(0, 0, src.Width(), src.Height()))
	dr := l.Frame.ImageRect().Intersect(bounds)
	if sr.Empty() || dr.Empty() {
		return
	}
	w := min(sr.Dx(), dr.Dx())
	h := min(sr.Dy(), dr.Dy())
	spix, sstride := src.Bytes(), src.Stride()
	for y := 0; y < h; y++ {
		so := (sr.Min.Y+y)*sstride + sr.Min.X*4
		do := (dr.Min.Y+y)*stride + dr.Min.X*4
		copy(dst[do:do+w*4], spix[so:so+w*4])
	}
}
