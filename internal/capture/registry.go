package capture

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/wlgrab/internal/logger"
	"github.com/bryanchriswhite/wlgrab/internal/shm"
	"github.com/bryanchriswhite/wlgrab/internal/wayland"
)

// State tracks how far an output's capture has progressed. States only ever
// advance; transitions that would move backwards are rejected in advance().
type State int

const (
	// StateDiscovered: the wl_output global has been bound, nothing resolved.
	StateDiscovered State = iota
	// StateReady: name and logical geometry are both resolved.
	StateReady
	// StateCaptureRequested: a screencopy frame is in flight.
	StateCaptureRequested
	// StateFormatKnown: the compositor reported the frame's buffer parameters.
	StateFormatKnown
	// StateFinished and StateFailed are terminal and sticky.
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateReady:
		return "ready"
	case StateCaptureRequested:
		return "capture-requested"
	case StateFormatKnown:
		return "format-known"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// rank orders states for monotonicity checks. Finished and Failed share a
// rank: neither may replace the other.
func (s State) rank() int {
	if s.Terminal() {
		return int(StateFinished)
	}
	return int(s)
}

// Output is one display known to the compositor, together with the progress
// of its capture.
type Output struct {
	ID   wayland.ObjectID // wl_output handle
	Xdg  wayland.ObjectID // zxdg_output_v1 handle, 0 until created
	Name string           // empty until resolved
	Rect Rect             // logical position and size

	// Frame is the in-flight screencopy handle, 0 when none. Format is set
	// only once the compositor reports buffer parameters. File is the shm
	// region backing the capture, owned by this output until consumed.
	Frame   wayland.ObjectID
	Format  *wayland.FrameInfo
	Pool    wayland.ObjectID
	Buffer  wayland.ObjectID
	File    *shm.File
	Overlap Rect // the portion of Rect selected for this capture

	state     State
	nameKnown bool
	geomKnown bool

	// Geometry and name updates are buffered here and applied only when the
	// matching done signal arrives, so a half-updated burst is never acted on.
	pendingName string
	pendingRect Rect

	log *zerolog.Logger
}

// State returns the output's current capture state.
func (o *Output) State() State {
	return o.state
}

// Ready reports whether both name and logical geometry are resolved.
func (o *Output) Ready() bool {
	return o.nameKnown && o.geomKnown
}

// advance is the single place state changes. It refuses regressions and any
// transition out of a terminal state.
func (o *Output) advance(next State) bool {
	if o.state.Terminal() {
		if next != o.state {
			o.log.Warn().
				Stringer("state", o.state).
				Stringer("rejected", next).
				Str("output", o.Name).
				Msg("ignoring transition out of terminal state")
		}
		return false
	}
	if next.rank() < o.state.rank() {
		o.log.Warn().
			Stringer("state", o.state).
			Stringer("rejected", next).
			Str("output", o.Name).
			Msg("ignoring backwards state transition")
		return false
	}
	o.state = next
	return true
}

func (o *Output) maybeReady() {
	if o.state == StateDiscovered && o.Ready() {
		o.advance(StateReady)
	}
}

// BufferName records a name report; it takes effect at the next done signal.
func (o *Output) BufferName(name string) {
	o.pendingName = name
}

// CommitProperties applies the buffered name burst (wl_output done).
func (o *Output) CommitProperties() {
	if o.pendingName != "" {
		o.Name = o.pendingName
	}
	o.nameKnown = true
	o.maybeReady()
}

// BufferPosition and BufferSize record logical geometry reports; they take
// effect at the next CommitGeometry (zxdg_output_v1 done).
func (o *Output) BufferPosition(x, y int32) {
	o.pendingRect.X = x
	o.pendingRect.Y = y
}

func (o *Output) BufferSize(width, height int32) {
	o.pendingRect.Width = width
	o.pendingRect.Height = height
}

// CommitGeometry applies the buffered geometry burst atomically.
func (o *Output) CommitGeometry() {
	o.Rect = o.pendingRect
	o.geomKnown = true
	o.maybeReady()
}

// MarkRequested records the in-flight frame for the capture of overlap. A
// second request while one is outstanding is an error.
func (o *Output) MarkRequested(frame wayland.ObjectID, overlap Rect) error {
	if o.Frame != 0 {
		return fmt.Errorf("output %q already has capture %d in flight", o.Name, o.Frame)
	}
	if !o.advance(StateCaptureRequested) {
		return fmt.Errorf("output %q cannot accept a capture in state %s", o.Name, o.state)
	}
	o.Frame = frame
	o.Overlap = overlap
	return nil
}

// SetFormat records the buffer parameters reported by the compositor.
func (o *Output) SetFormat(info wayland.FrameInfo) {
	if o.Format != nil {
		o.log.Warn().Str("output", o.Name).Msg("duplicate buffer format report ignored")
		return
	}
	if !o.advance(StateFormatKnown) {
		return
	}
	o.Format = &info
}

// Finish and Fail move the output to its terminal outcome. The first one
// wins; later calls are ignored.
func (o *Output) Finish() {
	o.advance(StateFinished)
}

func (o *Output) Fail() {
	o.advance(StateFailed)
}

// Registry is the authoritative list of outputs and their capture state. It
// is owned by the session; event handlers reach outputs through the lookups
// below rather than holding references across dispatch rounds.
type Registry struct {
	outputs []*Output
	log     *zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{log: logger.WithComponent("registry")}
}

// Add records a newly discovered output.
func (r *Registry) Add(id wayland.ObjectID) *Output {
	o := &Output{ID: id, log: r.log}
	r.outputs = append(r.outputs, o)
	return o
}

// List returns a read-only snapshot of the current outputs.
func (r *Registry) List() []*Output {
	out := make([]*Output, len(r.outputs))
	copy(out, r.outputs)
	return out
}

func (r *Registry) Len() int {
	return len(r.outputs)
}

// Filter removes outputs not matching keep.
func (r *Registry) Filter(keep func(*Output) bool) {
	kept := r.outputs[:0]
	for _, o := range r.outputs {
		if keep(o) {
			kept = append(kept, o)
		}
	}
	r.outputs = kept
}

// AllTerminal reports whether every output's capture has reached a terminal
// state.
func (r *Registry) AllTerminal() bool {
	for _, o := range r.outputs {
		if !o.state.Terminal() {
			return false
		}
	}
	return true
}

// ByOutput, ByXdg and ByFrame resolve event object ids to outputs.
func (r *Registry) ByOutput(id wayland.ObjectID) *Output {
	for _, o := range r.outputs {
		if o.ID == id {
			return o
		}
	}
	return nil
}

func (r *Registry) ByXdg(id wayland.ObjectID) *Output {
	for _, o := range r.outputs {
		if o.Xdg == id && id != 0 {
			return o
		}
	}
	return nil
}

func (r *Registry) ByFrame(id wayland.ObjectID) *Output {
	for _, o := range r.outputs {
		if o.Frame == id && id != 0 {
			return o
		}
	}
	return nil
}
