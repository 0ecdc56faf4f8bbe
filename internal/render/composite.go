// Package render assembles normalized per-output bitmaps into one canvas.
package render

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// Frame is one finished capture: the native-resolution RGBA bitmap and the
// rectangle it covers in global logical coordinates.
type Frame struct {
	Image  *image.RGBA
	Bounds image.Rectangle
}

// Composite assembles frames onto a canvas covering box. Each frame is scaled
// with a triangle filter to the logical size of its bounds, reconciling
// physical buffer resolution with logical geometry, then copied at its offset
// from the box origin. Frame bounds are disjoint, so copy order is free.
func Composite(box image.Rectangle, frames []Frame) (*image.RGBA, error) {
	if box.Empty() {
		return nil, fmt.Errorf("empty canvas bounds %v", box)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to composite")
	}

	canvas := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	for _, f := range frames {
		dst := f.Bounds.Sub(box.Min)
		if dst.Empty() || !dst.In(canvas.Bounds()) {
			return nil, fmt.Errorf("frame bounds %v exceed canvas %v", f.Bounds, box)
		}
		src := f.Image
		if src.Bounds().Dx() != dst.Dx() || src.Bounds().Dy() != dst.Dy() {
			scaled := image.NewRGBA(image.Rect(0, 0, dst.Dx(), dst.Dy()))
			xdraw.BiLinear.Scale(scaled, scaled.Bounds(), src, src.Bounds(), xdraw.Src, nil)
			src = scaled
		}
		xdraw.Copy(canvas, dst.Min, src, src.Bounds(), xdraw.Src, nil)
	}
	return canvas, nil
}
