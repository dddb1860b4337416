package compositor

import (
	"fmt"
	"image"
	"math"
)

// Rect is an integer rectangle in display coordinates, origin top-left.
type Rect struct {
	X, Y          int
	Width, Height int
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Area returns the covered pixel count, zero for empty rectangles.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width * r.Height
}

// ImageRect converts to the standard library's rectangle form.
func (r Rect) ImageRect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// RectF is a fractional rectangle, used for source crops where sub-pixel
// positioning matters.
type RectF struct {
	X, Y          float64
	Width, Height float64
}

// Empty reports whether the rectangle covers no area.
func (r RectF) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Round returns the nearest integer rectangle.
func (r RectF) Round() Rect {
	return Rect{
		X:      int(math.Round(r.X)),
		Y:      int(math.Round(r.Y)),
		Width:  int(math.Round(r.Width)),
		Height: int(math.Round(r.Height)),
	}
}

// RectFOf converts an integer rectangle to its fractional form.
func RectFOf(r Rect) RectF {
	return RectF{X: float64(r.X), Y: float64(r.Y), Width: float64(r.Width), Height: float64(r.Height)}
}
