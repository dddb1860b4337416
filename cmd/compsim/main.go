// Command compsim drives the composition pipeline against simulated displays.
//
// It stands in for the display server above the subsystem: every frame it
// renders double buffered client layers, binds them to plane slots, composes
// the shared stack through the cache and buffer pool, then scans the result
// out. Geometry is re-rolled every few frames so binding, cache reuse and
// reclamation all get exercised. Optional flags flatten each scanned out
// frame to PNG and stream a zstd compressed JSON trace.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/klauspost/compress/zstd"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/cache"
	"github.com/gogpu/compositor/engine"
	"github.com/gogpu/compositor/engine/blit"
	"github.com/gogpu/compositor/engine/gpu"
	"github.com/gogpu/compositor/plane"
	"github.com/gogpu/compositor/pool"
)

var cli struct {
	Displays  int    `help:"Simulated displays to drive." default:"1"`
	Frames    int    `help:"Frames to compose per display." default:"120"`
	Layers    int    `help:"Client layers in each frame." default:"4"`
	Width     int    `help:"Display width in pixels." default:"640"`
	Height    int    `help:"Display height in pixels." default:"360"`
	Slots     int    `help:"Plane slots available per display." default:"2"`
	Churn     int    `help:"Frames between geometry changes." default:"30"`
	PoolCount int    `help:"Destination buffers the pool may retain." default:"8"`
	PoolBytes uint64 `help:"Byte ceiling for pooled buffers, 0 for the default." default:"0"`
	Cost      string `help:"Cost axis for composer selection: bandwidth, power, performance, memory or quality." default:"bandwidth"`
	GPU       bool   `help:"Register the device composer on the noop backend."`
	Dump      string `help:"Directory receiving a PNG of each scanned out frame." type:"path"`
	Trace     string `help:"File receiving a zstd compressed JSON frame trace." type:"path"`
	Seed      int64  `help:"Seed for layer placement." default:"1"`
	Verbose   bool   `short:"v" help:"Enable debug logging."`
}

const (
	renderTimeout  = time.Second
	scanoutTimeout = time.Second
)

func main() {
	kong.Parse(&cli)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	compositor.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		log.Fatalf("compsim: %v", err)
	}
}

func run() error {
	kind, err := parseCost(cli.Cost)
	if err != nil {
		return err
	}

	a := alloc.NewSystemAllocator(0)
	p := pool.New(a, pool.Config{Tag: "compsim", MaxCount: cli.PoolCount, MaxBytes: cli.PoolBytes})
	defer p.Close()

	reg := engine.NewRegistry()
	reg.Register(blit.New(p, blit.Config{}))
	if cli.GPU {
		if err := registerGPU(reg, p); err != nil {
			log.Printf("device composer unavailable: %v", err)
		}
	}

	mgr := cache.NewManager(p, reg, cache.Config{CostKind: kind})
	defer mgr.Close()

	var trace *traceWriter
	if cli.Trace != "" {
		trace, err = newTraceWriter(cli.Trace)
		if err != nil {
			return err
		}
		defer func() { _ = trace.Close() }()
	}

	caps := compositor.DisplayCaps{
		Slots:          cli.Slots,
		Width:          cli.Width,
		Height:         cli.Height,
		Format:         alloc.FormatXRGB8888,
		MaxCompression: alloc.CompressionLossless,
	}

	rng := rand.New(rand.NewSource(cli.Seed))
	displays := make([]*simDisplay, cli.Displays)
	for i := range displays {
		d, err := newSimDisplay(i, a, mgr, caps, cli.Layers, rng.Int63())
		if err != nil {
			return err
		}
		defer d.close(a)
		displays[i] = d
	}

	start := time.Now()
	for n := 1; n <= cli.Frames; n++ {
		mgr.OnPrepareBegin(uint64(n))
		for _, d := range displays {
			if err := d.prepare(uint64(n)); err != nil {
				return err
			}
		}
		mgr.OnPrepareEnd()

		mgr.OnSetBegin()
		for _, d := range displays {
			out, err := d.compose()
			if err != nil {
				return err
			}
			if err := d.scanout(out, trace); err != nil {
				return err
			}
		}
		mgr.OnSetEnd()
	}
	elapsed := time.Since(start)

	var pooled int
	var pooledBytes uint64
	for _, s := range p.Snapshot() {
		pooled++
		pooledBytes += s.Bytes
	}
	log.Printf("composed %d frames across %d displays in %v", cli.Frames, len(displays), elapsed.Round(time.Millisecond))
	log.Printf("cache: %s", mgr.Stats())
	log.Printf("pool: %d destinations, %d bytes", pooled, pooledBytes)
	return nil
}

func parseCost(s string) (engine.CostKind, error) {
	switch s {
	case "bandwidth":
		return engine.CostBandwidth, nil
	case "power":
		return engine.CostPower, nil
	case "performance":
		return engine.CostPerformance, nil
	case "memory":
		return engine.CostMemory, nil
	case "quality":
		return engine.CostQuality, nil
	}
	return 0, fmt.Errorf("unknown cost axis %q", s)
}

// registerGPU opens the noop backend and registers the device composer on
// it. The simulator has no real surface, so this exercises the device path's
// record and submit machinery without producing pixels.
func registerGPU(reg *engine.Registry, p *pool.Pool) error {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return err
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return errors.New("no adapters on the noop backend")
	}
	open, err := adapters[0].Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return err
	}
	eng, err := gpu.New(&simProvider{dev: open.Device, queue: open.Queue}, p, gpu.Config{})
	if err != nil {
		open.Device.Destroy()
		instance.Destroy()
		return err
	}
	reg.Register(eng)
	return nil
}

// simProvider exposes the noop HAL device the way application contexts do.
type simProvider struct {
	dev   hal.Device
	queue hal.Queue
}

func (p *simProvider) Device() gpucontext.Device   { return nil }
func (p *simProvider) Queue() gpucontext.Queue     { return nil }
func (p *simProvider) Adapter() gpucontext.Adapter { return nil }
func (p *simProvider) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatBGRA8Unorm
}
func (p *simProvider) HalDevice() any { return p.dev }
func (p *simProvider) HalQueue() any  { return p.queue }

// simDisplay owns one plane composition and the client producers feeding it.
// The bottom layer covers the display; the rest are blended quads whose
// placement is re-rolled whenever the geometry epoch advances.
type simDisplay struct {
	id      int
	comp    *plane.Composition
	caps    compositor.DisplayCaps
	rng     *rand.Rand
	clients []*producer
	target  *producer
	spots   []compositor.Rect

	frame compositor.DisplayFrame
	bound bool
	epoch int
}

func newSimDisplay(id int, a alloc.Allocator, mgr *cache.Manager, caps compositor.DisplayCaps, layers int, seed int64) (*simDisplay, error) {
	if layers < 1 {
		layers = 1
	}
	d := &simDisplay{
		id:   id,
		comp: plane.New(mgr, caps),
		caps: caps,
		rng:  rand.New(rand.NewSource(seed)),
	}
	for i := 0; i < layers; i++ {
		w, h := caps.Width, caps.Height
		if i > 0 {
			w, h = caps.Width/2, caps.Height/2
		}
		pr, err := newProducer(a, fmt.Sprintf("client-%d.%d", id, i), w, h, caps.Format)
		if err != nil {
			d.close(a)
			return nil, err
		}
		d.clients = append(d.clients, pr)
	}
	tgt, err := newProducer(a, fmt.Sprintf("client-target-%d", id), caps.Width, caps.Height, caps.Format)
	if err != nil {
		d.close(a)
		return nil, err
	}
	d.target = tgt
	return d, nil
}

func (d *simDisplay) close(a alloc.Allocator) {
	d.comp.Close()
	for _, pr := range d.clients {
		pr.free(a)
	}
	if d.target != nil {
		d.target.free(a)
	}
}

// prepare renders this frame's client layers and binds or refreshes the
// plane composition for them.
func (d *simDisplay) prepare(n uint64) error {
	churn := cli.Churn
	if churn < 1 {
		churn = 1
	}
	epoch := int((n - 1) / uint64(churn))
	changed := epoch != d.epoch || !d.bound
	if changed {
		d.roll()
	}

	d.frame = compositor.DisplayFrame{
		Display:         d.id,
		Width:           d.caps.Width,
		Height:          d.caps.Height,
		FrameIndex:      n,
		Timestamp:       time.Now(),
		GeometryChanged: changed,
	}
	layers := make([]compositor.Layer, len(d.clients))
	for i, pr := range d.clients {
		mem, acq, rel, err := pr.render(n)
		if err != nil {
			return err
		}
		l := compositor.Layer{
			Buffer:       mem,
			SourceCrop:   compositor.RectFOf(compositor.Rect{Width: mem.Width(), Height: mem.Height()}),
			Frame:        d.placement(i),
			Blend:        compositor.BlendPremultiplied,
			Alpha:        1,
			AcquireFence: acq,
			ReleaseFence: rel,
		}
		if i == 0 {
			l.Blend = compositor.BlendNone
		}
		layers[i] = l
	}
	d.frame.Layers = layers
	d.frame.Flags = compositor.StackFlags(layers)

	mem, acq, rel, err := d.target.render(n)
	if err != nil {
		return err
	}
	client := compositor.Layer{
		Buffer:       mem,
		SourceCrop:   compositor.RectFOf(compositor.Rect{Width: d.caps.Width, Height: d.caps.Height}),
		Frame:        compositor.Rect{Width: d.caps.Width, Height: d.caps.Height},
		Blend:        compositor.BlendNone,
		Alpha:        1,
		AcquireFence: acq,
		ReleaseFence: rel,
	}
	d.frame.ClientTarget = &client

	if d.bound && !changed {
		if err := d.comp.Update(&d.frame); err == nil {
			return nil
		}
		// Structural drift; fall through to a fresh binding.
	}
	d.epoch = epoch
	return d.bind()
}

// roll re-places the blended quads for a new geometry epoch.
func (d *simDisplay) roll() {
	d.spots = d.spots[:0]
	w, h := d.caps.Width/2, d.caps.Height/2
	for i := 1; i < len(d.clients); i++ {
		d.spots = append(d.spots, compositor.Rect{
			X:      d.rng.Intn(d.caps.Width - w + 1),
			Y:      d.rng.Intn(d.caps.Height - h + 1),
			Width:  w,
			Height: h,
		})
	}
}

func (d *simDisplay) placement(i int) compositor.Rect {
	if i == 0 {
		return compositor.Rect{Width: d.caps.Width, Height: d.caps.Height}
	}
	return d.spots[i-1]
}

// bind maps the stack onto the display's slots and acquires destinations.
// The top layer rides a dedicated slot when one is free; everything below
// shares a full screen composition. Client fallback covers any failure.
func (d *simDisplay) bind() error {
	if err := d.comp.Rebuild(&d.frame); err != nil {
		return err
	}
	stack := len(d.frame.Layers)
	var err error
	switch {
	case stack == 1:
		err = d.comp.AddDedicatedLayer(0, 0)
	case d.caps.Slots >= 2:
		err = d.comp.AddFullScreenComposition(0, 0, stack-1, alloc.FormatInvalid)
		if err == nil {
			err = d.comp.AddDedicatedLayer(1, stack-1)
		}
	default:
		err = d.comp.AddFullScreenComposition(0, 0, stack, alloc.FormatInvalid)
	}
	if err == nil {
		err = d.comp.Acquire()
	}
	if err != nil {
		compositor.Logger().Debug("compsim: device composition unavailable",
			"display", d.id, "frame", d.frame.FrameIndex, "error", err)
		if ferr := d.comp.FallbackToClient(); ferr != nil {
			return ferr
		}
	}
	d.bound = true
	return nil
}

func (d *simDisplay) compose() (*compositor.DisplayFrame, error) {
	if err := d.comp.Compose(); err != nil {
		compositor.Logger().Warn("compsim: compose failed, falling back",
			"display", d.id, "frame", d.frame.FrameIndex, "error", err)
		if ferr := d.comp.FallbackToClient(); ferr != nil {
			return nil, ferr
		}
	}
	out := d.comp.Output()
	if out == nil {
		return nil, fmt.Errorf("display %d produced no output", d.id)
	}
	return out, nil
}

// scanout waits for the plane contents, optionally records them, then hands
// the frame's client buffers back to their producers.
func (d *simDisplay) scanout(out *compositor.DisplayFrame, trace *traceWriter) error {
	for i := range out.Layers {
		if !out.Layers[i].AcquireFence.Wait(scanoutTimeout) {
			compositor.Logger().Warn("compsim: scanout fence timed out",
				"display", d.id, "frame", out.FrameIndex, "slot", i)
		}
	}
	if cli.Dump != "" {
		if err := dumpPNG(cli.Dump, out); err != nil {
			return err
		}
	}
	if trace != nil {
		if err := trace.record(d, out); err != nil {
			return err
		}
	}
	for i := range d.frame.Layers {
		d.frame.Layers[i].ReleaseFence.Signal()
	}
	if d.frame.ClientTarget != nil {
		d.frame.ClientTarget.ReleaseFence.Signal()
	}
	return nil
}

// producer is a double buffered client surface. Each render flips to the
// other buffer, waits for the compositor to release it, paints a frame
// marker into it and hands it over with a signaled acquire fence.
type producer struct {
	tag   string
	bufs  [2]*alloc.Memory
	rel   [2]*compositor.Fence
	next  int
	shade uint8
}

func newProducer(a alloc.Allocator, tag string, w, h int, f alloc.Format) (*producer, error) {
	pr := &producer{tag: tag}
	for _, c := range tag {
		pr.shade += uint8(c) * 37
	}
	for i := range pr.bufs {
		m, err := a.Allocate(tag, w, h, f, alloc.UsageTexture|alloc.UsageCPUWrite)
		if err != nil {
			pr.free(a)
			return nil, err
		}
		pr.bufs[i] = m
	}
	return pr, nil
}

func (pr *producer) free(a alloc.Allocator) {
	for i, m := range pr.bufs {
		if m != nil {
			a.Free(m)
			pr.bufs[i] = nil
		}
	}
}

func (pr *producer) render(n uint64) (*alloc.Memory, *compositor.Fence, *compositor.Fence, error) {
	i := pr.next
	pr.next ^= 1
	if !pr.rel[i].Wait(renderTimeout) {
		return nil, nil, nil, fmt.Errorf("client %s: buffer %d still held", pr.tag, i)
	}
	mem := pr.bufs[i]
	paint(mem, pr.shade, n)
	rel := compositor.NewFence()
	pr.rel[i] = rel
	return mem, compositor.SignaledFence(), rel, nil
}

// paint fills the buffer with a flat colour keyed to the producer and frame,
// in the blue-first byte order the scanout path expects.
func paint(mem *alloc.Memory, shade uint8, n uint64) {
	row := make([]byte, mem.Stride())
	for x := 0; x < mem.Width(); x++ {
		o := x * 4
		row[o+0] = shade
		row[o+1] = uint8(n * 5)
		row[o+2] = 255 - shade
		row[o+3] = 0xff
	}
	pix := mem.Bytes()
	for y := 0; y < mem.Height(); y++ {
		copy(pix[y*mem.Stride():], row)
	}
}

// dumpPNG flattens the scanned out planes into one PNG per frame.
func dumpPNG(dir string, out *compositor.DisplayFrame) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	img := image.NewRGBA(image.Rect(0, 0, out.Width, out.Height))
	for i := range out.Layers {
		mix(img, &out.Layers[i])
	}
	path := filepath.Join(dir, fmt.Sprintf("display%d-frame%05d.png", out.Display, out.FrameIndex))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return png.Encode(f, img)
}

// mix copies one plane into the flattened image, converting from the blue
// first byte order of the buffers. The simulator emits planes whose crop and
// frame sizes match, so no scaling happens here.
func mix(img *image.RGBA, l *compositor.Layer) {
	if l.Buffer == nil {
		return
	}
	src := l.Buffer.Bytes()
	stride := l.Buffer.Stride()
	crop := l.SourceCrop.Round()
	for y := 0; y < l.Frame.Height; y++ {
		sy := crop.Y + y
		dy := l.Frame.Y + y
		if sy < 0 || sy >= l.Buffer.Height() || dy < 0 || dy >= img.Rect.Dy() {
			continue
		}
		for x := 0; x < l.Frame.Width; x++ {
			sx := crop.X + x
			dx := l.Frame.X + x
			if sx < 0 || sx >= l.Buffer.Width() || dx < 0 || dx >= img.Rect.Dx() {
				continue
			}
			s := src[sy*stride+sx*4:]
			d := img.Pix[img.PixOffset(dx, dy):]
			if l.Blended() {
				a := uint32(s[3])
				d[0] = uint8(uint32(s[2]) + uint32(d[0])*(255-a)/255)
				d[1] = uint8(uint32(s[1]) + uint32(d[1])*(255-a)/255)
				d[2] = uint8(uint32(s[0]) + uint32(d[2])*(255-a)/255)
			} else {
				d[0], d[1], d[2] = s[2], s[1], s[0]
			}
			d[3] = 0xff
		}
	}
}

// traceWriter streams one JSON object per scanned out frame through zstd.
type traceWriter struct {
	file *os.File
	zw   *zstd.Encoder
	enc  *json.Encoder
}

func newTraceWriter(path string) (*traceWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &traceWriter{file: file, zw: zw, enc: json.NewEncoder(zw)}, nil
}

type traceFrame struct {
	Display  int    `json:"display"`
	Frame    uint64 `json:"frame"`
	Planes   int    `json:"planes"`
	Layers   int    `json:"layers"`
	Flags    string `json:"flags"`
	Client   bool   `json:"client"`
	Geometry bool   `json:"geometry"`
}

func (t *traceWriter) record(d *simDisplay, out *compositor.DisplayFrame) error {
	return t.enc.Encode(traceFrame{
		Display:  out.Display,
		Frame:    out.FrameIndex,
		Planes:   len(out.Layers),
		Layers:   len(d.frame.Layers),
		Flags:    out.Flags.String(),
		Client:   out.Flags&compositor.FrameClientComposed != 0,
		Geometry: d.frame.GeometryChanged,
	})
}

func (t *traceWriter) Close() error {
	err := t.zw.Close()
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}
	return err
}
