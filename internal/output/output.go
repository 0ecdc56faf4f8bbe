// Package output encodes the composited bitmap into its container format.
package output

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
)

// Format selects the container the image is encoded into.
type Format int

const (
	FormatPNG Format = iota
	FormatJPEG
	FormatPPM
)

// ParseFormat resolves a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png", "":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "ppm":
		return FormatPPM, nil
	default:
		return 0, fmt.Errorf("invalid image format %q (valid: png, jpg, jpeg, ppm)", s)
	}
}

// Ext returns the file extension for the format.
func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatPPM:
		return "ppm"
	default:
		return "png"
	}
}

func (f Format) String() string {
	return f.Ext()
}

const jpegQuality = 90

// Write encodes img into w. Output is buffered and flushed before returning,
// so w may be an unbuffered file or stdout.
func Write(w io.Writer, f Format, img *image.RGBA) error {
	bw := bufio.NewWriter(w)
	var err error
	switch f {
	case FormatPNG:
		err = png.Encode(bw, img)
	case FormatJPEG:
		err = jpeg.Encode(bw, img, &jpeg.Options{Quality: jpegQuality})
	case FormatPPM:
		err = writePPM(bw, img)
	default:
		err = fmt.Errorf("unknown format %d", int(f))
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

// writePPM emits a binary P6 pixmap. PPM carries no alpha channel, so it is
// dropped.
func writePPM(w io.Writer, img *image.RGBA) error {
	b := img.Bounds()
	if _, err := fmt.Fprintf(w, "P6\n%d %d\n255\n", b.Dx(), b.Dy()); err != nil {
		return err
	}
	row := make([]byte, b.Dx()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			src := img.Pix[img.PixOffset(x, y):]
			dst := row[(x-b.Min.X)*3:]
			dst[0] = src[0]
			dst[1] = src[1]
			dst[2] = src[2]
		}
		if _, err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
