// Package wayland is the protocol transport for wlgrab. The capture core
// talks to the compositor exclusively through the Conn interface; the wire
// client in this package is one implementation of it.
package wayland

import "fmt"

// ObjectID identifies a protocol object within one connection.
type ObjectID uint32

// Global is one capability advertised by the compositor registry.
type Global struct {
	Name      uint32
	Interface string
	Version   uint32
}

// Interfaces wlgrab binds from the registry.
const (
	InterfaceShm               = "wl_shm"
	InterfaceOutput            = "wl_output"
	InterfaceScreencopyManager = "zwlr_screencopy_manager_v1"
	InterfaceXdgOutputManager  = "zxdg_output_manager_v1"
)

// PixelFormat is a wl_shm buffer format code.
type PixelFormat uint32

const (
	FormatARGB8888 PixelFormat = 0
	FormatXRGB8888 PixelFormat = 1
	FormatABGR8888 PixelFormat = 0x34324241 // fourcc 'AB24'
	FormatXBGR8888 PixelFormat = 0x34324258 // fourcc 'XB24'
)

func (f PixelFormat) String() string {
	switch f {
	case FormatARGB8888:
		return "ARGB8888"
	case FormatXRGB8888:
		return "XRGB8888"
	case FormatABGR8888:
		return "ABGR8888"
	case FormatXBGR8888:
		return "XBGR8888"
	default:
		return fmt.Sprintf("0x%08x", uint32(f))
	}
}

// FrameInfo describes the buffer the compositor expects the client to supply
// for one screencopy frame.
type FrameInfo struct {
	Format PixelFormat
	Width  uint32
	Height uint32
	Stride uint32
}

// Size returns the byte size of a buffer matching the frame parameters.
func (i FrameInfo) Size() int64 {
	return int64(i.Stride) * int64(i.Height)
}

// EventHandler receives decoded compositor events during dispatch. Handlers
// run on the goroutine that called DispatchPending or Roundtrip.
type EventHandler interface {
	// Global is delivered once per capability the registry advertises.
	Global(g Global)
	GlobalRemove(name uint32)

	// OutputName carries the stable output name; OutputDone signals that the
	// wl_output's property burst is complete.
	OutputName(output ObjectID, name string)
	OutputDone(output ObjectID)

	// Logical geometry arrives via the bound zxdg_output_v1, terminated by
	// XdgOutputDone. Position and size may arrive in either order.
	LogicalPosition(xdg ObjectID, x, y int32)
	LogicalSize(xdg ObjectID, width, height int32)
	XdgOutputDone(xdg ObjectID)

	// ShmFormat advertises one buffer format the compositor accepts.
	ShmFormat(format PixelFormat)

	// FrameBuffer reports the buffer parameters for a screencopy frame.
	// FrameReady and FrameFailed are the frame's terminal events.
	FrameBuffer(frame ObjectID, info FrameInfo)
	FrameReady(frame ObjectID)
	FrameFailed(frame ObjectID)
}

// Conn is the compositor connection. Request marshalling and event decoding
// live behind this interface; the capture session never sees wire bytes.
//
// All methods must be called from a single goroutine.
type Conn interface {
	// Bind binds an advertised global and returns its capability handle.
	Bind(g Global) (ObjectID, error)

	// GetXdgOutput creates the logical-geometry extension object for an output.
	GetXdgOutput(manager, output ObjectID) (ObjectID, error)

	// CaptureOutputRegion asks the compositor to capture a sub-rectangle of an
	// output, given in output-local logical coordinates.
	CaptureOutputRegion(manager ObjectID, overlayCursor bool, output ObjectID, x, y, width, height int32) (ObjectID, error)

	// CreatePool shares the memory behind fd with the compositor. CreateBuffer
	// carves a buffer out of a pool; CopyFrame asks the compositor to write a
	// frame's pixels into it.
	CreatePool(shm ObjectID, fd int, size int32) (ObjectID, error)
	CreateBuffer(pool ObjectID, offset, width, height, stride int32, format PixelFormat) (ObjectID, error)
	CopyFrame(frame, buffer ObjectID) error

	DestroyFrame(frame ObjectID) error
	DestroyBuffer(buffer ObjectID) error
	DestroyPool(pool ObjectID) error

	// DispatchPending flushes queued requests, then blocks until at least one
	// event has been delivered to h. Returns the number of events processed.
	DispatchPending(h EventHandler) (int, error)

	// Roundtrip flushes queued requests and dispatches events until the
	// compositor confirms it has processed everything issued so far.
	Roundtrip(h EventHandler) error

	Close() error
}
