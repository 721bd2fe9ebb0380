// Package guestmem implements the guest-memory view: translating a
// guest-physical address and length into a host-addressable, bounds-checked
// byte slice backed by a single contiguous mapping of guest DRAM.
//
// Guest physical memory allocation itself is out of scope here (owned by the
// excluded VM lifecycle/loader); this package only wraps a mapping handed to
// it at construction time.
package guestmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poison is written into freshly allocated anonymous mappings in tests and
// debug builds so that use of uninitialized guest memory is visible instead
// of silently reading zeroes.
const Poison = 0xAA

// Region is a bounds-checked view over a single contiguous guest-physical
// memory region. It implements io.ReaderAt/io.WriterAt so it can be handed
// directly to virtqueue consumers.
//
// Region is immutable after construction: its base and length never change
// for the lifetime of the VM. It is created once at VM construction and
// destroyed at VM teardown.
type Region struct {
	base uint64
	mem  []byte
}

// NewAnonymous mmaps a new anonymous region of the given size, poisoned with
// Poison. Intended for tests and standalone tools; a real VM instead supplies
// its guest-DRAM mapping via Wrap.
func NewAnonymous(base uint64, size int) (*Region, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap: %w", err)
	}
	for i := range mem {
		mem[i] = Poison
	}
	return &Region{base: base, mem: mem}, nil
}

// Wrap constructs a Region over an already-mapped slice of host memory that
// backs guest-physical addresses [base, base+len(mem)).
func Wrap(base uint64, mem []byte) *Region {
	return &Region{base: base, mem: mem}
}

// Close unmaps the region's memory. Call it only on NewAnonymous-created
// regions: a Wrap region's memory belongs to the caller, and Close unmaps it
// just the same.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	return unix.Munmap(r.mem)
}

// Base returns the guest-physical base address of the region.
func (r *Region) Base() uint64 { return r.base }

// Len returns the size of the region in bytes.
func (r *Region) Len() int { return len(r.mem) }

// offset validates that [addr, addr+length) lies within the region and
// returns the host-slice offset. Out-of-range access is a guest-driven
// programming error (a corrupted or malicious ring), not a normal runtime
// error; callers above the virtqueue layer treat it as fatal to the
// request, not to the process.
func (r *Region) offset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("guestmem: negative length %d", length)
	}
	if addr < r.base {
		return 0, fmt.Errorf("guestmem: address %#x below base %#x", addr, r.base)
	}
	off := addr - r.base
	end := off + uint64(length)
	if end > uint64(len(r.mem)) || end < off {
		return 0, fmt.Errorf("guestmem: access [%#x, %#x) out of bounds (region size %#x)", addr, addr+uint64(length), len(r.mem))
	}
	return int64(off), nil
}

// ReadAt implements io.ReaderAt, treating off as a guest-physical address.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	hostOff, err := r.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	n := copy(p, r.mem[hostOff:])
	return n, nil
}

// WriteAt implements io.WriterAt, treating off as a guest-physical address.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	hostOff, err := r.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	n := copy(r.mem[hostOff:], p)
	return n, nil
}

// Slice returns a volatile view of guest memory [addr, addr+length) without
// copying. Callers that retain it past the next guest write must be
// prepared to observe concurrent mutation; it is exposed for datapaths
// (net TX/RX, io_uring submission) that need zero-copy access to guest
// buffers for writev/readv/SQE preparation.
func (r *Region) Slice(addr uint64, length uint32) ([]byte, error) {
	hostOff, err := r.offset(addr, int(length))
	if err != nil {
		return nil, err
	}
	return r.mem[hostOff : hostOff+int64(length) : hostOff+int64(length)], nil
}
