package capture

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
)

// Rect is a rectangle in global logical coordinates.
type Rect struct {
	X      int32 `json:"x" yaml:"x"`
	Y      int32 `json:"y" yaml:"y"`
	Width  int32 `json:"width" yaml:"width"`
	Height int32 `json:"height" yaml:"height"`
}

// Unbounded returns the capture region meaning "all outputs". The halved
// origin keeps X+Width and Y+Height inside int32 range.
func Unbounded() Rect {
	return Rect{
		X:      math.MinInt32 / 2,
		Y:      math.MinInt32 / 2,
		Width:  math.MaxInt32,
		Height: math.MaxInt32,
	}
}

// Image converts r to an image.Rectangle.
func (r Rect) Image() image.Rectangle {
	return image.Rect(int(r.X), int(r.Y), int(r.X+r.Width), int(r.Y+r.Height))
}

func (r Rect) String() string {
	return fmt.Sprintf("%d,%d %dx%d", r.X, r.Y, r.Width, r.Height)
}

// ParseRegion parses a capture region in either of the accepted forms:
// "x,y WxH" or "x y w h".
func ParseRegion(s string) (Rect, error) {
	t := strings.TrimSpace(s)
	var xs, ys, ws, hs string
	if strings.Contains(t, ",") {
		var rest string
		var ok bool
		xs, rest, ok = strings.Cut(t, ",")
		if !ok {
			return Rect{}, fmt.Errorf("malformed region %q", s)
		}
		ys, rest, ok = strings.Cut(strings.TrimSpace(rest), " ")
		if !ok {
			return Rect{}, fmt.Errorf("malformed region %q", s)
		}
		ws, hs, ok = strings.Cut(strings.TrimSpace(rest), "x")
		if !ok {
			return Rect{}, fmt.Errorf("malformed region %q", s)
		}
	} else {
		fields := strings.Fields(t)
		if len(fields) != 4 {
			return Rect{}, fmt.Errorf("malformed region %q", s)
		}
		xs, ys, ws, hs = fields[0], fields[1], fields[2], fields[3]
	}

	var r Rect
	for _, f := range []struct {
		raw  string
		dst  *int32
		name string
	}{
		{xs, &r.X, "x"},
		{ys, &r.Y, "y"},
		{ws, &r.Width, "width"},
		{hs, &r.Height, "height"},
	} {
		v, err := strconv.ParseInt(strings.TrimSpace(f.raw), 10, 32)
		if err != nil {
			return Rect{}, fmt.Errorf("malformed region %q: bad %s", s, f.name)
		}
		*f.dst = int32(v)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return Rect{}, fmt.Errorf("region %q must have positive width and height", s)
	}
	return r, nil
}

// Intersect returns the overlap of a and b, and whether it has strictly
// positive width and height.
func (r Rect) Intersect(b Rect) (Rect, bool) {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X+r.Width, b.X+b.Width)
	y2 := min(r.Y+r.Height, b.Y+b.Height)
	if x2-x1 <= 0 || y2-y1 <= 0 {
		return Rect{}, false
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}, true
}

// BoundingBox returns the minimal rectangle containing every rect in rects.
func BoundingBox(rects []Rect) Rect {
	if len(rects) == 0 {
		return Rect{}
	}
	x1, y1 := int32(math.MaxInt32), int32(math.MaxInt32)
	x2, y2 := int32(math.MinInt32), int32(math.MinInt32)
	for _, r := range rects {
		x1 = min(x1, r.X)
		y1 = min(y1, r.Y)
		x2 = max(x2, r.X+r.Width)
		y2 = max(y2, r.Y+r.Height)
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}
