package capture

import (
	"errors"
	"image/color"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/wlgrab/internal/wayland"
)

// scriptedOutput is one display the fake compositor advertises, plus the
// handles the session binds for it at runtime.
type scriptedOutput struct {
	name   string
	rect   Rect
	scale  int32 // buffer pixels per logical pixel, 0 means 1
	format wayland.PixelFormat
	pixel  [4]byte // one native pixel, repeated across the frame
	fail   bool
	// failEarly fails the frame before any buffer event, as when the output
	// vanishes right after the capture request.
	failEarly bool

	id, xdg, frame wayland.ObjectID
	captured       Rect // requested region in output-local coordinates
	infoSent       bool
	copied         bool
	resolved       bool
}

func (o *scriptedOutput) info() wayland.FrameInfo {
	scale := o.scale
	if scale == 0 {
		scale = 1
	}
	w := uint32(o.captured.Width * scale)
	h := uint32(o.captured.Height * scale)
	return wayland.FrameInfo{Format: o.format, Width: w, Height: h, Stride: w * 4}
}

// fakeConn plays the compositor side of a capture: first roundtrip advertises
// globals, the second resolves output details, later ones answer in-flight
// screencopy frames. CopyFrame writes the scripted pixel through the shared
// fd, exercising the real shm path.
type fakeConn struct {
	t       *testing.T
	outputs []*scriptedOutput

	omitShm        bool
	omitScreencopy bool
	detailsErr     error // returned instead of the output-details round

	nextID      uint32
	globalsSent bool
	detailsSent bool

	captureCalls int
	lastCursor   bool

	pools   map[wayland.ObjectID]poolInfo
	buffers map[wayland.ObjectID]wayland.ObjectID // buffer -> pool
}

type poolInfo struct {
	fd   int
	size int32
}

func newFakeConn(t *testing.T, outputs ...*scriptedOutput) *fakeConn {
	return &fakeConn{
		t:       t,
		outputs: outputs,
		nextID:  2,
		pools:   map[wayland.ObjectID]poolInfo{},
		buffers: map[wayland.ObjectID]wayland.ObjectID{},
	}
}

func (f *fakeConn) alloc() wayland.ObjectID {
	id := wayland.ObjectID(f.nextID)
	f.nextID++
	return id
}

func (f *fakeConn) Bind(g wayland.Global) (wayland.ObjectID, error) {
	id := f.alloc()
	if g.Interface == wayland.InterfaceOutput {
		f.outputs[g.Name-100].id = id
	}
	return id, nil
}

func (f *fakeConn) GetXdgOutput(manager, output wayland.ObjectID) (wayland.ObjectID, error) {
	for _, o := range f.outputs {
		if o.id == output {
			o.xdg = f.alloc()
			return o.xdg, nil
		}
	}
	f.t.Fatalf("GetXdgOutput for unknown output %d", output)
	return 0, nil
}

func (f *fakeConn) CaptureOutputRegion(manager wayland.ObjectID, cursor bool, output wayland.ObjectID, x, y, w, h int32) (wayland.ObjectID, error) {
	f.captureCalls++
	f.lastCursor = cursor
	for _, o := range f.outputs {
		if o.id == output {
			o.frame = f.alloc()
			o.captured = Rect{X: x, Y: y, Width: w, Height: h}
			return o.frame, nil
		}
	}
	f.t.Fatalf("capture request for unknown output %d", output)
	return 0, nil
}

func (f *fakeConn) CreatePool(shm wayland.ObjectID, fd int, size int32) (wayland.ObjectID, error) {
	id := f.alloc()
	f.pools[id] = poolInfo{fd: fd, size: size}
	return id, nil
}

func (f *fakeConn) CreateBuffer(pool wayland.ObjectID, offset, w, h, stride int32, format wayland.PixelFormat) (wayland.ObjectID, error) {
	id := f.alloc()
	f.buffers[id] = pool
	return id, nil
}

func (f *fakeConn) CopyFrame(frame, buffer wayland.ObjectID) error {
	for _, o := range f.outputs {
		if o.frame != frame {
			continue
		}
		pool := f.pools[f.buffers[buffer]]
		data := make([]byte, pool.size)
		for i := 0; i < len(data); i += 4 {
			copy(data[i:], o.pixel[:])
		}
		if _, err := unix.Pwrite(pool.fd, data, 0); err != nil {
			f.t.Fatalf("writing scripted pixels: %v", err)
		}
		o.copied = true
		return nil
	}
	f.t.Fatalf("copy for unknown frame %d", frame)
	return nil
}

func (f *fakeConn) DestroyFrame(wayland.ObjectID) error  { return nil }
func (f *fakeConn) DestroyBuffer(wayland.ObjectID) error { return nil }
func (f *fakeConn) DestroyPool(wayland.ObjectID) error   { return nil }

func (f *fakeConn) DispatchPending(h wayland.EventHandler) (int, error) {
	return 1, f.Roundtrip(h)
}

func (f *fakeConn) Roundtrip(h wayland.EventHandler) error {
	if !f.globalsSent {
		f.globalsSent = true
		if !f.omitShm {
			h.Global(wayland.Global{Name: 1, Interface: wayland.InterfaceShm, Version: 1})
		}
		h.Global(wayland.Global{Name: 2, Interface: wayland.InterfaceXdgOutputManager, Version: 2})
		if !f.omitScreencopy {
			h.Global(wayland.Global{Name: 3, Interface: wayland.InterfaceScreencopyManager, Version: 1})
		}
		for i := range f.outputs {
			h.Global(wayland.Global{Name: uint32(100 + i), Interface: wayland.InterfaceOutput, Version: 4})
		}
		h.ShmFormat(wayland.FormatXRGB8888)
		return nil
	}
	if !f.detailsSent {
		if f.detailsErr != nil {
			return f.detailsErr
		}
		f.detailsSent = true
		for _, o := range f.outputs {
			h.OutputName(o.id, o.name)
			h.OutputDone(o.id)
			h.LogicalPosition(o.xdg, o.rect.X, o.rect.Y)
			h.LogicalSize(o.xdg, o.rect.Width, o.rect.Height)
			h.XdgOutputDone(o.xdg)
		}
		return nil
	}
	for _, o := range f.outputs {
		if o.frame != 0 && o.failEarly && !o.resolved {
			o.resolved = true
			h.FrameFailed(o.frame)
		}
	}
	for _, o := range f.outputs {
		if o.frame != 0 && !o.infoSent && !o.failEarly {
			o.infoSent = true
			h.FrameBuffer(o.frame, o.info())
		}
	}
	for _, o := range f.outputs {
		if o.copied && !o.resolved {
			o.resolved = true
			if o.fail {
				h.FrameFailed(o.frame)
			} else {
				h.FrameReady(o.frame)
			}
		}
	}
	return nil
}

func (f *fakeConn) Close() error { return nil }

func TestSessionCapture_SingleOutput(t *testing.T) {
	// XRGB8888 memory order is B,G,R,X.
	out := &scriptedOutput{
		name:   "DP-1",
		rect:   Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
		format: wayland.FormatXRGB8888,
		pixel:  [4]byte{0x30, 0x60, 0x90, 0x00},
	}
	conn := newFakeConn(t, out)
	s := NewSession(conn)
	if err := s.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	img, err := s.Capture(Options{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if w, h := img.Bounds().Dx(), img.Bounds().Dy(); w != 1920 || h != 1080 {
		t.Fatalf("canvas %dx%d, want 1920x1080", w, h)
	}
	want := color.RGBA{R: 0x90, G: 0x60, B: 0x30, A: 0xff}
	for _, pt := range [][2]int{{0, 0}, {1919, 1079}, {960, 540}} {
		if got := img.RGBAAt(pt[0], pt[1]); got != want {
			t.Fatalf("pixel at %v = %v, want %v", pt, got, want)
		}
	}
	if conn.captureCalls != 1 {
		t.Fatalf("captureCalls = %d, want 1", conn.captureCalls)
	}
	if out.captured != (Rect{X: 0, Y: 0, Width: 1920, Height: 1080}) {
		t.Fatalf("captured local region = %+v", out.captured)
	}
}

func TestSessionCapture_TwoOutputs(t *testing.T) {
	left := &scriptedOutput{
		name:   "DP-1",
		rect:   Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
		format: wayland.FormatXRGB8888,
		pixel:  [4]byte{0x30, 0x60, 0x90, 0x00}, // B,G,R,X
	}
	right := &scriptedOutput{
		name:   "HDMI-A-1",
		rect:   Rect{X: 1920, Y: 0, Width: 1280, Height: 1024},
		format: wayland.FormatABGR8888,
		pixel:  [4]byte{0x11, 0x22, 0x33, 0xff}, // R,G,B,A
	}
	conn := newFakeConn(t, left, right)
	s := NewSession(conn)
	if err := s.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	img, err := s.Capture(Options{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if w, h := img.Bounds().Dx(), img.Bounds().Dy(); w != 3200 || h != 1080 {
		t.Fatalf("canvas %dx%d, want 3200x1080", w, h)
	}
	wantLeft := color.RGBA{R: 0x90, G: 0x60, B: 0x30, A: 0xff}
	if got := img.RGBAAt(100, 100); got != wantLeft {
		t.Fatalf("left pixel = %v, want %v", got, wantLeft)
	}
	if got := img.RGBAAt(1919, 1079); got != wantLeft {
		t.Fatalf("left bottom-right pixel = %v, want %v", got, wantLeft)
	}
	wantRight := color.RGBA{R: 0x11, G: 0x22, B: 0x33, A: 0xff}
	if got := img.RGBAAt(1920, 0); got != wantRight {
		t.Fatalf("right first pixel = %v, want %v", got, wantRight)
	}
	if got := img.RGBAAt(3199, 1023); got != wantRight {
		t.Fatalf("right bottom-right pixel = %v, want %v", got, wantRight)
	}
	// The area below the shorter output stays untouched.
	if got := img.RGBAAt(3000, 1050); got != (color.RGBA{}) {
		t.Fatalf("untouched area = %v, want zero", got)
	}
}

func TestSessionCapture_RegionSubRect(t *testing.T) {
	out := &scriptedOutput{
		name:   "DP-1",
		rect:   Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
		format: wayland.FormatARGB8888,
		pixel:  [4]byte{0x10, 0x20, 0x30, 0x80}, // B,G,R,A
	}
	conn := newFakeConn(t, out)
	s := NewSession(conn)
	if err := s.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	img, err := s.Capture(Options{
		Region: Rect{X: 100, Y: 100, Width: 400, Height: 300},
		Cursor: true,
	})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if w, h := img.Bounds().Dx(), img.Bounds().Dy(); w != 400 || h != 300 {
		t.Fatalf("canvas %dx%d, want 400x300", w, h)
	}
	if out.captured != (Rect{X: 100, Y: 100, Width: 400, Height: 300}) {
		t.Fatalf("captured local region = %+v", out.captured)
	}
	if !conn.lastCursor {
		t.Fatalf("cursor flag not forwarded to the capture request")
	}
	want := color.RGBA{R: 0x30, G: 0x20, B: 0x10, A: 0x80}
	if got := img.RGBAAt(200, 150); got != want {
		t.Fatalf("pixel = %v, want %v", got, want)
	}
}

func TestSessionCapture_NamedOutput(t *testing.T) {
	left := &scriptedOutput{
		name:   "DP-1",
		rect:   Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
		format: wayland.FormatXRGB8888,
	}
	right := &scriptedOutput{
		name:   "HDMI-A-1",
		rect:   Rect{X: 1920, Y: 0, Width: 1280, Height: 1024},
		format: wayland.FormatXBGR8888,
		pixel:  [4]byte{0xaa, 0xbb, 0xcc, 0x00}, // R,G,B,X
	}
	conn := newFakeConn(t, left, right)
	s := NewSession(conn)
	if err := s.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	img, err := s.Capture(Options{Output: "HDMI-A-1"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if w, h := img.Bounds().Dx(), img.Bounds().Dy(); w != 1280 || h != 1024 {
		t.Fatalf("canvas %dx%d, want 1280x1024", w, h)
	}
	if conn.captureCalls != 1 {
		t.Fatalf("captureCalls = %d, want 1", conn.captureCalls)
	}
	want := color.RGBA{R: 0xaa, G: 0xbb, B: 0xcc, A: 0xff}
	if got := img.RGBAAt(0, 0); got != want {
		t.Fatalf("pixel = %v, want %v", got, want)
	}
}

func TestSessionCapture_ScaledOutput(t *testing.T) {
	// A 2x output reports buffers at twice the logical size; the composite
	// must come out at logical resolution.
	out := &scriptedOutput{
		name:   "eDP-1",
		rect:   Rect{X: 0, Y: 0, Width: 800, Height: 600},
		scale:  2,
		format: wayland.FormatXRGB8888,
		pixel:  [4]byte{0x40, 0x80, 0xc0, 0x00},
	}
	conn := newFakeConn(t, out)
	s := NewSession(conn)
	if err := s.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	img, err := s.Capture(Options{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if w, h := img.Bounds().Dx(), img.Bounds().Dy(); w != 800 || h != 600 {
		t.Fatalf("canvas %dx%d, want 800x600", w, h)
	}
	// Solid color survives the downscale exactly.
	want := color.RGBA{R: 0xc0, G: 0x80, B: 0x40, A: 0xff}
	if got := img.RGBAAt(400, 300); got != want {
		t.Fatalf("pixel = %v, want %v", got, want)
	}
}

func TestSessionCapture_RegionWithoutOverlap(t *testing.T) {
	out := &scriptedOutput{
		name:   "DP-1",
		rect:   Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
		format: wayland.FormatXRGB8888,
	}
	conn := newFakeConn(t, out)
	s := NewSession(conn)
	if err := s.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	_, err := s.Capture(Options{Region: Rect{X: 5000, Y: 5000, Width: 10, Height: 10}})
	if !errors.Is(err, ErrNoOverlap) {
		t.Fatalf("err = %v, want ErrNoOverlap", err)
	}
	if conn.captureCalls != 0 {
		t.Fatalf("capture requested despite empty selection: %d calls", conn.captureCalls)
	}
}

func TestSessionDiscover_MissingScreencopy(t *testing.T) {
	conn := newFakeConn(t, &scriptedOutput{
		name: "DP-1",
		rect: Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
	})
	conn.omitScreencopy = true

	err := NewSession(conn).Discover()
	if !errors.Is(err, ErrMissingCapability) {
		t.Fatalf("err = %v, want ErrMissingCapability", err)
	}
}

func TestSessionDiscover_MissingShm(t *testing.T) {
	conn := newFakeConn(t, &scriptedOutput{
		name: "DP-1",
		rect: Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
	})
	conn.omitShm = true

	err := NewSession(conn).Discover()
	if !errors.Is(err, ErrMissingCapability) {
		t.Fatalf("err = %v, want ErrMissingCapability", err)
	}
}

func TestSessionCapture_FailedFrame(t *testing.T) {
	conn := newFakeConn(t, &scriptedOutput{
		name:   "DP-1",
		rect:   Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
		format: wayland.FormatXRGB8888,
		fail:   true,
	})
	s := NewSession(conn)
	if err := s.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	_, err := s.Capture(Options{})
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("err = %v, want ErrCaptureFailed", err)
	}
}

func TestSessionCapture_FailedBeforeBufferInfo(t *testing.T) {
	// A frame can fail before its buffer event arrives. The session must not
	// keep waiting for buffer parameters that will never come, and the healthy
	// output must still be driven to completion.
	broken := &scriptedOutput{
		name:      "DP-1",
		rect:      Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
		format:    wayland.FormatXRGB8888,
		failEarly: true,
	}
	healthy := &scriptedOutput{
		name:   "HDMI-A-1",
		rect:   Rect{X: 1920, Y: 0, Width: 1280, Height: 1024},
		format: wayland.FormatXRGB8888,
		pixel:  [4]byte{0x30, 0x60, 0x90, 0x00},
	}
	conn := newFakeConn(t, broken, healthy)
	s := NewSession(conn)
	if err := s.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	_, err := s.Capture(Options{})
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("err = %v, want ErrCaptureFailed", err)
	}
	if !healthy.copied {
		t.Fatalf("healthy output was never bound a buffer")
	}
}

func TestSessionDiscover_TransportError(t *testing.T) {
	errBroken := errors.New("connection reset by compositor")
	conn := newFakeConn(t, &scriptedOutput{
		name: "DP-1",
		rect: Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
	})
	conn.detailsErr = errBroken

	err := NewSession(conn).Discover()
	if !errors.Is(err, errBroken) {
		t.Fatalf("err = %v, want the transport error surfaced", err)
	}
}

func TestSessionCapture_UnknownOutputName(t *testing.T) {
	conn := newFakeConn(t, &scriptedOutput{
		name:   "DP-1",
		rect:   Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
		format: wayland.FormatXRGB8888,
	})
	s := NewSession(conn)
	if err := s.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	_, err := s.Capture(Options{Output: "DP-9"})
	if !errors.Is(err, ErrNoOutputs) {
		t.Fatalf("err = %v, want ErrNoOutputs", err)
	}
	if conn.captureCalls != 0 {
		t.Fatalf("capture requested for unknown output: %d calls", conn.captureCalls)
	}
}
