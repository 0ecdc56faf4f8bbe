//go:build linux

// Package shm provides anonymous shared memory files whose descriptors can be
// handed to the compositor for wl_shm pools.
package shm

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// File is an anonymous, growable shared memory region. It is not visible in
// any filesystem namespace. A File must be Closed on every exit path.
type File struct {
	fd    int
	size  int64
	data  []byte
	sized bool
}

// Create returns a new shared memory file. memfd_create is tried first; on
// kernels without it the fallback is a named file under /dev/shm that is
// unlinked immediately after creation, with a fresh name on collision.
func Create(name string) (*File, error) {
	for {
		fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
		if err == nil {
			// The compositor maps this region; sealing shrink keeps its view
			// valid. Failures here only lose the optimization.
			_, _ = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL)
			return &File{fd: fd}, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.ENOSYS {
			break
		}
		return nil, fmt.Errorf("memfd_create: %w", err)
	}

	for {
		path := fmt.Sprintf("/dev/shm/%s-%d", name, time.Now().Nanosecond())
		fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
		if err == unix.EEXIST || err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		if err := unix.Unlink(path); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("unlink %s: %w", path, err)
		}
		return &File{fd: fd}, nil
	}
}

// Resize grows the file to size bytes. Exactly one resize is allowed, and it
// must happen before Map.
func (f *File) Resize(size int64) error {
	if f.sized {
		return fmt.Errorf("shm file already sized to %d bytes", f.size)
	}
	if size <= 0 {
		return fmt.Errorf("invalid shm size %d", size)
	}
	for {
		err := unix.Ftruncate(f.fd, size)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("ftruncate to %d: %w", size, err)
		}
		f.size = size
		f.sized = true
		return nil
	}
}

// Map maps the file read-write and shared with the compositor.
func (f *File) Map() error {
	if !f.sized {
		return fmt.Errorf("shm file must be sized before mapping")
	}
	if f.data != nil {
		return fmt.Errorf("shm file already mapped")
	}
	data, err := unix.Mmap(f.fd, 0, int(f.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %d bytes: %w", f.size, err)
	}
	f.data = data
	return nil
}

// Fd returns the descriptor to hand to the compositor.
func (f *File) Fd() int {
	return f.fd
}

// Size returns the size set by Resize.
func (f *File) Size() int64 {
	return f.size
}

// Bytes returns the mapped region. Valid only between Map and Close.
func (f *File) Bytes() []byte {
	return f.data
}

// Close unmaps the region if mapped and closes the descriptor. It is
// idempotent.
func (f *File) Close() error {
	var first error
	if f.data != nil {
		first = unix.Munmap(f.data)
		f.data = nil
	}
	if f.fd >= 0 {
		if err := unix.Close(f.fd); err != nil && first == nil {
			first = err
		}
		f.fd = -1
	}
	return first
}
