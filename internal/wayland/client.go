package wayland

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/wlgrab/internal/logger"
)

// Wire messages are 32-bit words in host byte order: object id, then
// size<<16|opcode, then the arguments. Strings are length-prefixed (length
// includes the NUL) and padded to a word boundary. File descriptors travel
// out of band via SCM_RIGHTS.
var order = binary.NativeEndian

const displayID ObjectID = 1

// Opcodes for the interfaces wlgrab speaks. Only the events we consume are
// listed; everything else is skipped by payload length.
const (
	reqDisplaySync        = 0
	reqDisplayGetRegistry = 1
	evDisplayError        = 0
	evDisplayDeleteID     = 1

	reqRegistryBind  = 0
	evRegistryGlobal = 0
	evRegistryRemove = 1

	evCallbackDone = 0

	reqShmCreatePool = 0
	evShmFormat      = 0

	reqPoolCreateBuffer = 0
	reqPoolDestroy      = 1

	reqBufferDestroy = 0

	evOutputDone = 2
	evOutputName = 4

	reqXdgManagerGetXdgOutput = 1
	evXdgOutputPosition       = 0
	evXdgOutputSize           = 1
	evXdgOutputDone           = 2

	reqScreencopyCaptureRegion = 1
	reqFrameCopy               = 0
	reqFrameDestroy            = 1
	evFrameBuffer              = 0
	evFrameReady               = 2
	evFrameFailed              = 3
)

// Versions we implement per interface; binds are capped to these.
// zxdg_output_manager_v1 stays at 2 because version 3 stops sending the
// per-output done event we key geometry commits on.
var supportedVersion = map[string]uint32{
	InterfaceShm:               1,
	InterfaceOutput:            4,
	InterfaceScreencopyManager: 1,
	InterfaceXdgOutputManager:  2,
}

type client struct {
	conn *net.UnixConn
	log  zerolog.Logger

	nextID   uint32
	objects  map[ObjectID]string // interface name per live object
	registry ObjectID
	synced   map[ObjectID]bool // wl_callback ids whose done has arrived

	out    []byte // requests queued since the last flush
	outFDs []int
	rbuf   []byte // undecoded tail of the last read

	err error // sticky fatal connection error
}

// Dial connects to the compositor socket named by $WAYLAND_DISPLAY inside
// $XDG_RUNTIME_DIR and sets up the registry.
func Dial() (Conn, error) {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}
	path := display
	if !filepath.IsAbs(path) {
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			return nil, errors.New("XDG_RUNTIME_DIR is not set")
		}
		path = filepath.Join(runtimeDir, display)
	}
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	return newClient(uc), nil
}

func newClient(uc *net.UnixConn) *client {
	c := &client{
		conn:    uc,
		log:     *logger.WithComponent("wayland"),
		nextID:  2,
		objects: map[ObjectID]string{displayID: "wl_display"},
		synced:  map[ObjectID]bool{},
	}
	c.registry = c.newObject("wl_registry")
	c.send(displayID, reqDisplayGetRegistry, newWriter().uint(uint32(c.registry)).bytes())
	return c
}

func (c *client) newObject(iface string) ObjectID {
	id := ObjectID(c.nextID)
	c.nextID++
	c.objects[id] = iface
	return id
}

func (c *client) send(obj ObjectID, opcode uint16, payload []byte, fds ...int) {
	size := 8 + len(payload)
	var hdr [8]byte
	order.PutUint32(hdr[0:], uint32(obj))
	order.PutUint32(hdr[4:], uint32(size)<<16|uint32(opcode))
	c.out = append(c.out, hdr[:]...)
	c.out = append(c.out, payload...)
	c.outFDs = append(c.outFDs, fds...)
}

func (c *client) flush() error {
	if len(c.out) == 0 {
		return nil
	}
	var oob []byte
	if len(c.outFDs) > 0 {
		oob = unix.UnixRights(c.outFDs...)
	}
	_, _, err := c.conn.WriteMsgUnix(c.out, oob, nil)
	c.out = c.out[:0]
	c.outFDs = c.outFDs[:0]
	if err != nil {
		return fmt.Errorf("write to compositor: %w", err)
	}
	return nil
}

// Bind binds an advertised global, capped to the version this client speaks.
func (c *client) Bind(g Global) (ObjectID, error) {
	if c.err != nil {
		return 0, c.err
	}
	version := g.Version
	if limit, ok := supportedVersion[g.Interface]; ok && version > limit {
		version = limit
	}
	id := c.newObject(g.Interface)
	c.send(c.registry, reqRegistryBind, newWriter().
		uint(g.Name).
		str(g.Interface).
		uint(version).
		uint(uint32(id)).
		bytes())
	c.log.Debug().Str("interface", g.Interface).Uint32("version", version).Msg("bound global")
	return id, nil
}

func (c *client) GetXdgOutput(manager, output ObjectID) (ObjectID, error) {
	if c.err != nil {
		return 0, c.err
	}
	id := c.newObject("zxdg_output_v1")
	c.send(manager, reqXdgManagerGetXdgOutput, newWriter().uint(uint32(id)).uint(uint32(output)).bytes())
	return id, nil
}

func (c *client) CaptureOutputRegion(manager ObjectID, overlayCursor bool, output ObjectID, x, y, width, height int32) (ObjectID, error) {
	if c.err != nil {
		return 0, c.err
	}
	cursor := int32(0)
	if overlayCursor {
		cursor = 1
	}
	id := c.newObject("zwlr_screencopy_frame_v1")
	c.send(manager, reqScreencopyCaptureRegion, newWriter().
		uint(uint32(id)).
		int(cursor).
		uint(uint32(output)).
		int(x).int(y).int(width).int(height).
		bytes())
	return id, nil
}

func (c *client) CreatePool(shm ObjectID, fd int, size int32) (ObjectID, error) {
	if c.err != nil {
		return 0, c.err
	}
	id := c.newObject("wl_shm_pool")
	c.send(shm, reqShmCreatePool, newWriter().uint(uint32(id)).int(size).bytes(), fd)
	return id, nil
}

func (c *client) CreateBuffer(pool ObjectID, offset, width, height, stride int32, format PixelFormat) (ObjectID, error) {
	if c.err != nil {
		return 0, c.err
	}
	id := c.newObject("wl_buffer")
	c.send(pool, reqPoolCreateBuffer, newWriter().
		uint(uint32(id)).
		int(offset).int(width).int(height).int(stride).
		uint(uint32(format)).
		bytes())
	return id, nil
}

func (c *client) CopyFrame(frame, buffer ObjectID) error {
	if c.err != nil {
		return c.err
	}
	c.send(frame, reqFrameCopy, newWriter().uint(uint32(buffer)).bytes())
	return nil
}

func (c *client) DestroyFrame(frame ObjectID) error {
	return c.destroy(frame, reqFrameDestroy)
}

func (c *client) DestroyBuffer(buffer ObjectID) error {
	return c.destroy(buffer, reqBufferDestroy)
}

func (c *client) DestroyPool(pool ObjectID) error {
	return c.destroy(pool, reqPoolDestroy)
}

// destroy queues the release request and flushes it immediately: cleanup is
// usually the last thing before the connection closes, so waiting for the
// next dispatch would never hand it to the compositor.
func (c *client) destroy(obj ObjectID, opcode uint16) error {
	if c.err != nil {
		return c.err
	}
	c.send(obj, opcode, nil)
	delete(c.objects, obj)
	if err := c.flush(); err != nil {
		c.err = err
		return err
	}
	return nil
}

// DispatchPending flushes queued requests, then blocks on the socket until at
// least one event has been delivered to h.
func (c *client) DispatchPending(h EventHandler) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if err := c.flush(); err != nil {
		c.err = err
		return 0, err
	}
	n := 0
	for {
		for {
			obj, opcode, payload, ok := c.next()
			if !ok {
				break
			}
			if err := c.deliver(obj, opcode, payload, h); err != nil {
				c.err = err
				return n, err
			}
			n++
		}
		if n > 0 {
			return n, nil
		}
		if err := c.read(); err != nil {
			c.err = err
			return n, err
		}
	}
}

// Roundtrip issues a display sync and dispatches until its callback fires,
// guaranteeing every event caused by earlier requests has been delivered.
func (c *client) Roundtrip(h EventHandler) error {
	if c.err != nil {
		return c.err
	}
	cb := c.newObject("wl_callback")
	c.send(displayID, reqDisplaySync, newWriter().uint(uint32(cb)).bytes())
	for !c.synced[cb] {
		if _, err := c.DispatchPending(h); err != nil {
			return err
		}
	}
	delete(c.synced, cb)
	return nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *client) read() error {
	buf := make([]byte, 4096)
	oob := make([]byte, 128)
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return fmt.Errorf("read from compositor: %w", err)
	}
	// None of the events we listen for carry descriptors; close any that
	// arrive so they cannot leak.
	if oobn > 0 {
		if msgs, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
			for _, m := range msgs {
				if fds, err := unix.ParseUnixRights(&m); err == nil {
					for _, fd := range fds {
						unix.Close(fd)
					}
				}
			}
		}
	}
	c.rbuf = append(c.rbuf, buf[:n]...)
	return nil
}

// next pops one complete message off the read buffer.
func (c *client) next() (obj ObjectID, opcode uint16, payload []byte, ok bool) {
	if len(c.rbuf) < 8 {
		return 0, 0, nil, false
	}
	word := order.Uint32(c.rbuf[4:])
	size := int(word >> 16)
	if size < 8 || len(c.rbuf) < size {
		return 0, 0, nil, false
	}
	obj = ObjectID(order.Uint32(c.rbuf[0:]))
	opcode = uint16(word & 0xffff)
	payload = c.rbuf[8:size]
	c.rbuf = c.rbuf[size:]
	return obj, opcode, payload, true
}

func (c *client) deliver(obj ObjectID, opcode uint16, payload []byte, h EventHandler) error {
	r := reader{p: payload}
	switch c.objects[obj] {
	case "wl_display":
		switch opcode {
		case evDisplayError:
			target := r.uint()
			code := r.uint()
			msg := r.str()
			return fmt.Errorf("compositor protocol error on %s@%d: %s (code %d)",
				c.objects[ObjectID(target)], target, msg, code)
		case evDisplayDeleteID:
			delete(c.objects, ObjectID(r.uint()))
		}
	case "wl_registry":
		switch opcode {
		case evRegistryGlobal:
			name := r.uint()
			iface := r.str()
			version := r.uint()
			h.Global(Global{Name: name, Interface: iface, Version: version})
		case evRegistryRemove:
			h.GlobalRemove(r.uint())
		}
	case "wl_callback":
		if opcode == evCallbackDone {
			c.synced[obj] = true
		}
	case "wl_shm":
		if opcode == evShmFormat {
			h.ShmFormat(PixelFormat(r.uint()))
		}
	case "wl_output":
		switch opcode {
		case evOutputDone:
			h.OutputDone(obj)
		case evOutputName:
			h.OutputName(obj, r.str())
		}
	case "zxdg_output_v1":
		switch opcode {
		case evXdgOutputPosition:
			h.LogicalPosition(obj, r.int(), r.int())
		case evXdgOutputSize:
			h.LogicalSize(obj, r.int(), r.int())
		case evXdgOutputDone:
			h.XdgOutputDone(obj)
		}
	case "zwlr_screencopy_frame_v1":
		switch opcode {
		case evFrameBuffer:
			format := PixelFormat(r.uint())
			width := r.uint()
			height := r.uint()
			stride := r.uint()
			h.FrameBuffer(obj, FrameInfo{Format: format, Width: width, Height: height, Stride: stride})
		case evFrameReady:
			h.FrameReady(obj)
		case evFrameFailed:
			h.FrameFailed(obj)
		}
	}
	return nil
}

// writer accumulates request arguments.
type writer struct {
	p []byte
}

func newWriter() *writer {
	return &writer{}
}

func (w *writer) uint(v uint32) *writer {
	var b [4]byte
	order.PutUint32(b[:], v)
	w.p = append(w.p, b[:]...)
	return w
}

func (w *writer) int(v int32) *writer {
	return w.uint(uint32(v))
}

func (w *writer) str(s string) *writer {
	w.uint(uint32(len(s) + 1))
	w.p = append(w.p, s...)
	w.p = append(w.p, 0)
	for len(w.p)%4 != 0 {
		w.p = append(w.p, 0)
	}
	return w
}

func (w *writer) bytes() []byte {
	return w.p
}

// reader walks event arguments. Truncated payloads yield zero values rather
// than panics; the compositor is trusted to be well formed.
type reader struct {
	p []byte
}

func (r *reader) uint() uint32 {
	if len(r.p) < 4 {
		r.p = nil
		return 0
	}
	v := order.Uint32(r.p)
	r.p = r.p[4:]
	return v
}

func (r *reader) int() int32 {
	return int32(r.uint())
}

func (r *reader) str() string {
	n := int(r.uint())
	if n == 0 || len(r.p) < n {
		return ""
	}
	s := string(r.p[:n-1]) // drop the NUL
	pad := (n + 3) &^ 3
	if pad > len(r.p) {
		pad = len(r.p)
	}
	r.p = r.p[pad:]
	return s
}
