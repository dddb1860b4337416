package gpu

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/types"

	"github.com/gogpu/compositor/alloc"
)

// gpuState is the evaluation state boxed into engine.State: the overlay plan
// plus the device texture the composed frame uploads into. The texture is
// created at Acquire and destroyed with the state.
type gpuState struct {
	plan *gpuPlan
	tex  hal.Texture
}

func (e *Engine) destroyState(v any) {
	gs, ok := v.(*gpuState)
	if !ok || gs.tex == nil {
		return
	}
	e.device.DestroyTexture(gs.tex)
	gs.tex = nil
}

// halFormat maps a scanout format onto the HAL texture format with the same
// byte layout. Formats without a usable mapping return Undefined; the alpha
// distinction is dropped because the texture stores all four channels either
// way.
func halFormat(f alloc.Format) types.TextureFormat {
	switch f {
	case alloc.FormatXRGB8888, alloc.FormatARGB8888:
		return types.TextureFormatBGRA8Unorm
	case alloc.FormatXBGR8888, alloc.FormatABGR8888:
		return types.TextureFormatRGBA8Unorm
	default:
		return types.TextureFormatUndefined
	}
}

// createTexture creates the device-side destination texture for a target.
func (e *Engine) createTexture(width, height int, f alloc.Format) (hal.Texture, error) {
	desc := &hal.TextureDescriptor{
		Label: fmt.Sprintf("compose-%dx%d", width, height),
		Size: hal.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     types.TextureDimension2D,
		Format:        halFormat(f),
		Usage: types.TextureUsageCopyDst | types.TextureUsageCopySrc |
			types.TextureUsageTextureBinding | types.TextureUsageRenderAttachment,
	}
	tex, err := e.device.CreateTexture(desc)
	if err != nil {
		return nil, fmt.Errorf("gpu: create texture: %w", err)
	}
	return tex, nil
}
