// Package convert normalizes raw compositor frame buffers into RGBA8.
package convert

import (
	"errors"
	"fmt"
	"image"

	"github.com/bryanchriswhite/wlgrab/internal/wayland"
)

// ErrUnsupportedFormat is returned when no converter exists for a buffer
// format reported by the compositor.
var ErrUnsupportedFormat = errors.New("unsupported buffer format")

// Converter rewrites a raw frame buffer into a tightly packed RGBA8 bitmap.
type Converter interface {
	Convert(src []byte, info wayland.FrameInfo) (*image.RGBA, error)
}

// swizzle converts 32-bit packed formats by byte reordering. r, g, b, a are
// byte offsets within one source pixel; opaque formats ignore a and force
// full alpha.
type swizzle struct {
	r, g, b, a int
	opaque     bool
}

// All supported layouts are little-endian wl_shm codes, so the first byte in
// memory is the least significant channel of the packed word.
var converters = map[wayland.PixelFormat]swizzle{
	wayland.FormatXRGB8888: {r: 2, g: 1, b: 0, opaque: true},
	wayland.FormatARGB8888: {r: 2, g: 1, b: 0, a: 3},
	wayland.FormatXBGR8888: {r: 0, g: 1, b: 2, opaque: true},
	wayland.FormatABGR8888: {r: 0, g: 1, b: 2, a: 3},
}

// ForFormat returns the converter for a buffer format.
func ForFormat(format wayland.PixelFormat) (Converter, error) {
	c, ok := converters[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return c, nil
}

func (c swizzle) Convert(src []byte, info wayland.FrameInfo) (*image.RGBA, error) {
	width := int(info.Width)
	height := int(info.Height)
	stride := int(info.Stride)
	if stride < width*4 {
		return nil, fmt.Errorf("stride %d too small for width %d", stride, width)
	}
	if int64(len(src)) < info.Size() {
		return nil, fmt.Errorf("buffer holds %d bytes, frame needs %d", len(src), info.Size())
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		row := src[y*stride : y*stride+width*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+width*4]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+4]
			d := dst[x*4 : x*4+4]
			d[0] = px[c.r]
			d[1] = px[c.g]
			d[2] = px[c.b]
			if c.opaque {
				d[3] = 0xff
			} else {
				d[3] = px[c.a]
			}
		}
	}
	return out, nil
}
