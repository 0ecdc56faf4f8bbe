//go:build linux

package shm

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFileLifecycle(t *testing.T) {
	f, err := Create("wlgrab-test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	const size = 64 * 1024
	if err := f.Resize(size); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if f.Size() != size {
		t.Fatalf("Size = %d, want %d", f.Size(), size)
	}
	if err := f.Map(); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(f.Bytes()) != size {
		t.Fatalf("mapped %d bytes, want %d", len(f.Bytes()), size)
	}

	// Writes through the fd must be visible in the mapping, as compositor
	// writes into the shared buffer would be.
	payload := []byte("frame pixels")
	if _, err := unix.Pwrite(f.Fd(), payload, 4096); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	if got := f.Bytes()[4096 : 4096+len(payload)]; !bytes.Equal(got, payload) {
		t.Fatalf("mapping shows %q, want %q", got, payload)
	}
}

func TestFileSingleResize(t *testing.T) {
	f, err := Create("wlgrab-test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	if err := f.Resize(4096); err != nil {
		t.Fatalf("first Resize: %v", err)
	}
	if err := f.Resize(8192); err == nil {
		t.Fatalf("second Resize should be rejected")
	}
	if err := f.Resize(0); err == nil {
		t.Fatalf("zero-size Resize should be rejected")
	}
}

func TestFileMapRequiresSize(t *testing.T) {
	f, err := Create("wlgrab-test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	if err := f.Map(); err == nil {
		t.Fatalf("Map before Resize should be rejected")
	}
}

func TestFileCloseIdempotent(t *testing.T) {
	f, err := Create("wlgrab-test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Resize(4096); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := f.Map(); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if f.Bytes() != nil {
		t.Fatalf("mapping survived Close")
	}
}
