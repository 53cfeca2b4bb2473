// Package shmem maps the POSIX shared-memory regions used to pass token
// streams between processes on the same host.
//
// A region holds one token-stream payload followed by a single handshake byte,
// the only cross-process synchronization primitive: the producer sets it to 1
// after writing the payload, the consumer clears it to 0 after draining.
package shmem

import (
	"fmt"
	"os"
	"path"
	"runtime"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Dir is the directory backing shm_open-style region names.
// Tests may point this at a temporary directory.
var Dir = "/dev/shm"

// Region is a mapped shared-memory segment of payload plus handshake byte.
type Region struct {
	Name string
	f    *os.File
	mem  []byte
}

func openRegion(name string, payloadBytes, flags int) (*Region, error) {
	f, e := os.OpenFile(path.Join(Dir, path.Base(name)), flags, 0o700)
	if e != nil {
		return nil, fmt.Errorf("open region %s: %w", name, e)
	}

	size := payloadBytes + 1
	if flags&os.O_CREATE != 0 {
		if e := unix.Ftruncate(int(f.Fd()), int64(size)); e != nil {
			f.Close()
			return nil, fmt.Errorf("ftruncate region %s: %w", name, e)
		}
	}

	mem, e := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if e != nil {
		f.Close()
		return nil, fmt.Errorf("mmap region %s: %w", name, e)
	}

	return &Region{Name: name, f: f, mem: mem}, nil
}

// Create creates (or truncates) and maps a region with the given payload size.
func Create(name string, payloadBytes int) (*Region, error) {
	r, e := openRegion(name, payloadBytes, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if e != nil {
		return nil, e
	}
	for i := range r.mem {
		r.mem[i] = 0
	}
	return r, nil
}

// Open maps an existing region created by the peer.
func Open(name string, payloadBytes int) (*Region, error) {
	return openRegion(name, payloadBytes, os.O_RDWR)
}

// OpenOrCreate maps a region, creating it if absent. Unlike Create it does
// not truncate, so a region the peer has already filled is left intact.
func OpenOrCreate(name string, payloadBytes int) (*Region, error) {
	return openRegion(name, payloadBytes, os.O_RDWR|os.O_CREATE)
}

// Payload returns the token-stream portion of the region.
func (r *Region) Payload() []byte {
	return r.mem[:len(r.mem)-1]
}

// Flag reads the handshake byte.
func (r *Region) Flag() byte {
	return r.mem[len(r.mem)-1]
}

// SetFlag writes the handshake byte.
func (r *Region) SetFlag(v byte) {
	r.mem[len(r.mem)-1] = v
}

// SpinFlag busy-waits until the handshake byte equals v.
// The peer process is the only other writer of this byte.
func (r *Region) SpinFlag(v byte) {
	for r.mem[len(r.mem)-1] != v {
		runtime.Gosched()
	}
}

// Close unmaps and closes the region. The backing object is not unlinked;
// peers may still be attached.
func (r *Region) Close() error {
	e := unix.Munmap(r.mem)
	r.mem = nil
	return multierr.Append(e, r.f.Close())
}
