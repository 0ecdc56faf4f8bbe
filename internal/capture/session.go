// Package capture drives screen captures over a compositor connection: it
// owns the output registry, binds the required globals, and coordinates the
// dispatch rounds that take every output from discovery to a terminal
// capture state.
package capture

import (
	"errors"
	"fmt"
	"image"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/wlgrab/internal/convert"
	"github.com/bryanchriswhite/wlgrab/internal/logger"
	"github.com/bryanchriswhite/wlgrab/internal/render"
	"github.com/bryanchriswhite/wlgrab/internal/shm"
	"github.com/bryanchriswhite/wlgrab/internal/wayland"
)

var (
	// ErrMissingCapability: the compositor lacks a required global.
	ErrMissingCapability = errors.New("required compositor capability missing")
	// ErrNoOutputs: no usable output survived discovery or selection.
	ErrNoOutputs = errors.New("no usable outputs")
	// ErrNoOverlap: the capture region intersects no output.
	ErrNoOverlap = errors.New("capture region does not intersect any output")
	// ErrCaptureFailed: the compositor reported a failed copy.
	ErrCaptureFailed = errors.New("compositor reported a failed capture")
)

// Rounds of dispatch allowed before a phase is declared stuck. Dispatch
// blocks on socket readiness, so these only bound pathological sessions.
const (
	discoverRounds = 8
	captureRounds  = 64
)

// errStalled marks a bounded dispatch loop that ran out of rounds, as opposed
// to a transport error from the connection.
var errStalled = errors.New("no progress")

// Options select what a capture covers.
type Options struct {
	// Output restricts the capture to the output with this name.
	Output string
	// Region restricts the capture to a rectangle in global logical
	// coordinates. The zero value means all outputs.
	Region Rect
	// Cursor overlays the pointer cursor on the captured frames.
	Cursor bool
}

// OutputInfo is a listing entry for one discovered output.
type OutputInfo struct {
	Name     string `json:"name" yaml:"name"`
	Geometry Rect   `json:"geometry" yaml:"geometry"`
}

// Session owns the compositor connection and drives captures to completion.
// It is single-threaded: every dispatch round runs on the caller's goroutine
// and blocks only on socket readiness.
type Session struct {
	conn wayland.Conn
	reg  *Registry
	log  zerolog.Logger

	shm        wayland.ObjectID
	screencopy wayland.ObjectID
	xdgManager wayland.ObjectID

	formats []wayland.PixelFormat // advertised by wl_shm, logged for debugging
	bindErr error
}

// NewSession wraps an established connection. The caller keeps ownership of
// conn and closes it after the session is done.
func NewSession(conn wayland.Conn) *Session {
	return &Session{
		conn: conn,
		reg:  NewRegistry(),
		log:  *logger.WithComponent("session"),
	}
}

// Discover performs the first two dispatch rounds: bind globals, verify the
// required capabilities, and resolve every output's name and geometry.
// Outputs that fail to resolve are dropped; Discover fails only when a
// required capability is missing or no usable output remains.
func (s *Session) Discover() error {
	if err := s.conn.Roundtrip(s); err != nil {
		return err
	}
	if s.bindErr != nil {
		return s.bindErr
	}
	if s.shm == 0 {
		return fmt.Errorf("%w: %s", ErrMissingCapability, wayland.InterfaceShm)
	}
	if s.screencopy == 0 {
		return fmt.Errorf("%w: %s", ErrMissingCapability, wayland.InterfaceScreencopyManager)
	}
	if s.xdgManager == 0 {
		s.log.Warn().Msg("compositor does not advertise zxdg_output_manager_v1; outputs without geometry will be skipped")
	}

	err := s.dispatchUntil(discoverRounds, func() bool {
		for _, o := range s.reg.List() {
			if !o.Ready() {
				return false
			}
		}
		return true
	})
	if err != nil {
		// Only a stall means slow outputs; anything else is a broken
		// connection and dropping outputs would mask it.
		if !errors.Is(err, errStalled) {
			return err
		}
		for _, o := range s.reg.List() {
			if !o.Ready() {
				s.log.Error().
					Str("name", o.Name).
					Uint32("wl_output", uint32(o.ID)).
					Msg("output did not resolve name and geometry; skipping")
			}
		}
		s.reg.Filter(func(o *Output) bool { return o.Ready() })
	}
	if s.reg.Len() == 0 {
		return ErrNoOutputs
	}
	s.log.Debug().Int("outputs", s.reg.Len()).Msg("discovery complete")
	return nil
}

// Outputs returns a listing snapshot of the discovered outputs.
func (s *Session) Outputs() []OutputInfo {
	outs := s.reg.List()
	infos := make([]OutputInfo, 0, len(outs))
	for _, o := range outs {
		infos = append(infos, OutputInfo{Name: o.Name, Geometry: o.Rect})
	}
	return infos
}

// Capture selects outputs per opts, captures each and composites the results
// into one bitmap. Any failed output fails the whole capture: a silently
// partial screenshot is worse than none.
func (s *Session) Capture(opts Options) (*image.RGBA, error) {
	defer s.cleanup()

	region := opts.Region
	if region == (Rect{}) {
		region = Unbounded()
	}

	if opts.Output != "" {
		s.reg.Filter(func(o *Output) bool { return o.Name == opts.Output })
		if s.reg.Len() == 0 {
			return nil, fmt.Errorf("%w: no output named %q", ErrNoOutputs, opts.Output)
		}
	}
	s.reg.Filter(func(o *Output) bool {
		_, ok := o.Rect.Intersect(region)
		return ok
	})
	if s.reg.Len() == 0 {
		return nil, ErrNoOverlap
	}

	// One screencopy request per surviving output, scoped to the overlap
	// translated into output-local coordinates.
	overlaps := make([]Rect, 0, s.reg.Len())
	for _, o := range s.reg.List() {
		overlap, _ := o.Rect.Intersect(region)
		frame, err := s.conn.CaptureOutputRegion(s.screencopy, opts.Cursor, o.ID,
			overlap.X-o.Rect.X, overlap.Y-o.Rect.Y, overlap.Width, overlap.Height)
		if err != nil {
			return nil, err
		}
		if err := o.MarkRequested(frame, overlap); err != nil {
			return nil, err
		}
		overlaps = append(overlaps, overlap)
		s.log.Debug().
			Str("output", o.Name).
			Stringer("overlap", overlap).
			Msg("capture requested")
	}
	box := BoundingBox(overlaps)

	// Learn each frame's buffer parameters, then bind a shared buffer of
	// exactly stride*height bytes and start the copy. A frame may fail before
	// its buffer event arrives (the output can vanish right after the
	// request); terminal outputs stop being waited on.
	err := s.dispatchUntil(captureRounds, func() bool {
		for _, o := range s.reg.List() {
			if o.Format == nil && !o.State().Terminal() {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for buffer parameters: %w", err)
	}
	for _, o := range s.reg.List() {
		if o.State().Terminal() {
			continue
		}
		if err := s.bindBuffer(o); err != nil {
			return nil, err
		}
	}

	// Dispatch until every capture reaches a terminal state. A round may
	// resolve any number of outputs.
	if err := s.dispatchUntil(captureRounds, s.reg.AllTerminal); err != nil {
		return nil, fmt.Errorf("waiting for captures: %w", err)
	}

	frames := make([]render.Frame, 0, s.reg.Len())
	for _, o := range s.reg.List() {
		if o.State() == StateFailed {
			return nil, fmt.Errorf("%w: output %q", ErrCaptureFailed, o.Name)
		}
		img, err := s.decode(o)
		if err != nil {
			return nil, err
		}
		frames = append(frames, render.Frame{Image: img, Bounds: o.Overlap.Image()})
	}
	return render.Composite(box.Image(), frames)
}

// bindBuffer allocates the shared memory for one output's frame and asks the
// compositor to copy into it.
func (s *Session) bindBuffer(o *Output) error {
	info := *o.Format
	f, err := shm.Create("wlgrab")
	if err != nil {
		return fmt.Errorf("allocate frame buffer for %q: %w", o.Name, err)
	}
	if err := f.Resize(info.Size()); err != nil {
		f.Close()
		return fmt.Errorf("size frame buffer for %q: %w", o.Name, err)
	}
	if err := f.Map(); err != nil {
		f.Close()
		return fmt.Errorf("map frame buffer for %q: %w", o.Name, err)
	}
	o.File = f

	pool, err := s.conn.CreatePool(s.shm, f.Fd(), int32(info.Size()))
	if err != nil {
		return err
	}
	o.Pool = pool
	buffer, err := s.conn.CreateBuffer(pool, 0,
		int32(info.Width), int32(info.Height), int32(info.Stride), info.Format)
	if err != nil {
		return err
	}
	o.Buffer = buffer
	return s.conn.CopyFrame(o.Frame, buffer)
}

// decode normalizes one finished output's buffer into a canonical bitmap.
func (s *Session) decode(o *Output) (*image.RGBA, error) {
	conv, err := convert.ForFormat(o.Format.Format)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", o.Name, err)
	}
	return conv.Convert(o.File.Bytes(), *o.Format)
}

// dispatchUntil runs blocking dispatch rounds until done holds, bounding the
// number of rounds so a stalled compositor cannot hang the session forever.
func (s *Session) dispatchUntil(rounds int, done func() bool) error {
	for i := 0; i < rounds; i++ {
		if done() {
			return nil
		}
		if err := s.conn.Roundtrip(s); err != nil {
			return err
		}
	}
	if done() {
		return nil
	}
	return fmt.Errorf("%w after %d dispatch rounds", errStalled, rounds)
}

// cleanup releases per-output protocol objects and buffers. Buffers whose
// copy may still be in flight keep their mapping: unmapping memory the
// compositor can still write into is unsafe, and process exit reclaims it.
func (s *Session) cleanup() {
	for _, o := range s.reg.List() {
		if o.Frame != 0 {
			_ = s.conn.DestroyFrame(o.Frame)
		}
		if o.Buffer != 0 {
			_ = s.conn.DestroyBuffer(o.Buffer)
		}
		if o.Pool != 0 {
			_ = s.conn.DestroyPool(o.Pool)
		}
		if o.File != nil {
			if o.State().Terminal() || o.Buffer == 0 {
				if err := o.File.Close(); err != nil {
					s.log.Warn().Err(err).Str("output", o.Name).Msg("releasing frame buffer")
				}
			} else {
				s.log.Debug().Str("output", o.Name).Msg("leaving in-flight frame buffer mapped until exit")
			}
			o.File = nil
		}
	}
}

// The methods below implement wayland.EventHandler; they run during dispatch
// rounds on the session goroutine.

// Global binds the capabilities the session needs as they are advertised.
func (s *Session) Global(g wayland.Global) {
	switch g.Interface {
	case wayland.InterfaceShm:
		if s.shm == 0 {
			s.shm = s.bind(g)
		}
	case wayland.InterfaceScreencopyManager:
		if s.screencopy == 0 {
			s.screencopy = s.bind(g)
		}
	case wayland.InterfaceXdgOutputManager:
		if s.xdgManager != 0 {
			return
		}
		s.xdgManager = s.bind(g)
		// Outputs bound before the manager arrived still need their
		// geometry extension.
		for _, o := range s.reg.List() {
			if o.Xdg == 0 {
				s.attachXdg(o)
			}
		}
	case wayland.InterfaceOutput:
		if g.Version < 4 {
			s.log.Warn().
				Uint32("version", g.Version).
				Msg("ignoring wl_output below version 4: no name event")
			return
		}
		id := s.bind(g)
		if id == 0 {
			return
		}
		o := s.reg.Add(id)
		if s.xdgManager != 0 {
			s.attachXdg(o)
		}
	}
}

func (s *Session) bind(g wayland.Global) wayland.ObjectID {
	id, err := s.conn.Bind(g)
	if err != nil && s.bindErr == nil {
		s.bindErr = fmt.Errorf("bind %s: %w", g.Interface, err)
	}
	return id
}

func (s *Session) attachXdg(o *Output) {
	xdg, err := s.conn.GetXdgOutput(s.xdgManager, o.ID)
	if err != nil {
		if s.bindErr == nil {
			s.bindErr = err
		}
		return
	}
	o.Xdg = xdg
}

func (s *Session) GlobalRemove(name uint32) {
	// Output hot-unplug during a one-shot capture is not handled; the
	// capture either completes or the compositor fails the frame.
	s.log.Debug().Uint32("name", name).Msg("global removed")
}

func (s *Session) OutputName(output wayland.ObjectID, name string) {
	if o := s.reg.ByOutput(output); o != nil {
		o.BufferName(name)
	}
}

func (s *Session) OutputDone(output wayland.ObjectID) {
	if o := s.reg.ByOutput(output); o != nil {
		o.CommitProperties()
	}
}

func (s *Session) LogicalPosition(xdg wayland.ObjectID, x, y int32) {
	if o := s.reg.ByXdg(xdg); o != nil {
		o.BufferPosition(x, y)
	}
}

func (s *Session) LogicalSize(xdg wayland.ObjectID, width, height int32) {
	if o := s.reg.ByXdg(xdg); o != nil {
		o.BufferSize(width, height)
	}
}

func (s *Session) XdgOutputDone(xdg wayland.ObjectID) {
	if o := s.reg.ByXdg(xdg); o != nil {
		o.CommitGeometry()
	}
}

func (s *Session) ShmFormat(format wayland.PixelFormat) {
	s.formats = append(s.formats, format)
	s.log.Debug().Stringer("format", format).Msg("compositor shm format")
}

func (s *Session) FrameBuffer(frame wayland.ObjectID, info wayland.FrameInfo) {
	if o := s.reg.ByFrame(frame); o != nil {
		s.log.Debug().
			Str("output", o.Name).
			Stringer("format", info.Format).
			Uint32("width", info.Width).
			Uint32("height", info.Height).
			Uint32("stride", info.Stride).
			Msg("buffer parameters")
		o.SetFormat(info)
	}
}

func (s *Session) FrameReady(frame wayland.ObjectID) {
	if o := s.reg.ByFrame(frame); o != nil {
		o.Finish()
	}
}

func (s *Session) FrameFailed(frame wayland.ObjectID) {
	if o := s.reg.ByFrame(frame); o != nil {
		s.log.Error().Str("output", o.Name).Msg("compositor failed the frame copy")
		o.Fail()
	}
}
