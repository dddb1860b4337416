package blit

import (
	"image"
	"image/color"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
)

// sourceImage adapts a layer's buffer to image.Image for the draw calls.
// Plain layers (no flip, matching channel order, well-defined alpha) are
// wrapped as *image.RGBA so the scaler's fast paths apply; everything else
// reads through sourceView.At.
func sourceImage(m *alloc.Memory, l compositor.Layer, op layerOp) image.Image {
	crop := l.SourceCrop.Round().ImageRect()
	crop = crop.Intersect(image.Rect(0, 0, m.Width(), m.Height()))
	if crop.Empty() {
		return nil
	}

	flipH := l.Transform&compositor.TransformFlipH != 0
	flipV := l.Transform&compositor.TransformFlipV != 0
	if !flipH && !flipV && !op.swap && !op.opaque && !op.cover {
		full := &image.RGBA{
			Pix:    m.Bytes(),
			Stride: m.Stride(),
			Rect:   image.Rect(0, 0, m.Width(), m.Height()),
		}
		return full.SubImage(crop)
	}
	return &sourceView{
		pix:    m.Bytes(),
		stride: m.Stride(),
		crop:   crop,
		flipH:  flipH,
		flipV:  flipV,
		swap:   op.swap,
		opaque: op.opaque,
		cover:  op.cover,
	}
}

// sourceView is the slow-path source reader: it crops, flips, swaps channel
// order, and normalizes alpha per pixel.
type sourceView struct {
	pix    []byte
	stride int
	crop   image.Rectangle

	flipH, flipV bool
	swap         bool
	opaque       bool
	cover        bool
}

func (v *sourceView) ColorModel() color.Model { return color.RGBAModel }

func (v *sourceView) Bounds() image.Rectangle {
	return image.Rect(0, 0, v.crop.Dx(), v.crop.Dy())
}

func (v *sourceView) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= v.crop.Dx() || y >= v.crop.Dy() {
		return color.RGBA{}
	}
	if v.flipH {
		x = v.crop.Dx() - 1 - x
	}
	if v.flipV {
		y = v.crop.Dy() - 1 - y
	}
	i := (v.crop.Min.Y+y)*v.stride + (v.crop.Min.X+x)*4

	c0, c1, c2, a := v.pix[i], v.pix[i+1], v.pix[i+2], v.pix[i+3]
	if v.swap {
		c0, c2 = c2, c0
	}
	if v.opaque {
		a = 0xff
	} else if v.cover {
		// Straight alpha: premultiply so Over composes correctly.
		c0 = uint8(uint32(c0) * uint32(a) / 0xff)
		c1 = uint8(uint32(c1) * uint32(a) / 0xff)
		c2 = uint8(uint32(c2) * uint32(a) / 0xff)
	}
	return color.RGBA{R: c0, G: c1, B: c2, A: a}
}
