// Package uring is a minimal Linux io_uring wrapper: just enough of the
// setup/submit/complete cycle to drive read/write/fsync SQEs from the
// block io_uring backend. It assumes IORING_FEAT_SINGLE_MMAP (kernel
// 5.4+) and does not attempt SQPOLL, fixed buffers, or fixed files.
package uring

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"
)

const (
	opRead  = 22
	opWrite = 23
	opFsync = 3

	featSingleMmap = 1 << 0

	enterGetevents = 1 << 0

	sysIoUringSetup   = 425
	sysIoUringEnter   = 426
	sysIoUringRegister = 427
)

// Op identifies the SQE opcode this package supports.
type Op uint8

const (
	OpRead  Op = opRead
	OpWrite Op = opWrite
	OpFsync Op = opFsync
)

type sqringOffsets struct {
	head, tail, ringMask, ringEntries, flags, dropped, array uint32
	resv1                                                     uint32
	resv2                                                     uint64
}

type cqringOffsets struct {
	head, tail, ringMask, ringEntries, overflow, cqes uint32
	flags                                              uint64
	resv1                                              uint32
	resv2                                               uint64
}

type params struct {
	sqEntries, cqEntries, flags, sqThreadCPU, sqThreadIdle, features, wqFd uint32
	resv                                                                   [3]uint32
	sqOff                                                                  sqringOffsets
	cqOff                                                                  cqringOffsets
}

// SQE is a submission queue entry. Only the fields this backend's three
// opcodes (read, write, fsync) need are named individually; the rest of
// the real 64-byte struct is reserved padding.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	RWFlags     uint32
	UserData    uint64
	_           [24]byte
}

// CQE is a completion queue entry.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type submissionQueue struct {
	head, tail           *uint32
	ringMask, ringEntries uint32
	array                 *uint32
	sqes                  []SQE
}

type completionQueue struct {
	head, tail           *uint32
	ringMask, ringEntries uint32
	cqes                  []CQE
}

// Ring is one io_uring instance: a submission ring, a completion ring,
// and the file descriptor that identifies both to the kernel.
type Ring struct {
	fd      int
	ringMem []byte
	sqeMem  []byte
	sq      submissionQueue
	cq      completionQueue
}

// New creates an io_uring instance sized for entries submissions
// in flight (rounded up to a power of two by the kernel).
func New(entries uint32) (*Ring, error) {
	var p params
	fd, errno := setup(entries, &p)
	if errno != 0 {
		return nil, fmt.Errorf("uring: io_uring_setup: %w", errno)
	}
	if p.features&featSingleMmap == 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("uring: kernel lacks IORING_FEAT_SINGLE_MMAP")
	}

	r := &Ring{fd: fd}
	pageSize := uint32(syscall.Getpagesize())

	sqRingSize := p.sqOff.array + p.sqEntries*4
	cqRingSize := p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(CQE{}))
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	ringMem, err := syscall.Mmap(fd, 0, int(ringSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("uring: mmap sq/cq ring: %w", err)
	}
	r.ringMem = ringMem

	sqeSize := p.sqEntries * uint32(unsafe.Sizeof(SQE{}))
	sqeMem, err := syscall.Mmap(fd, 0x10000000, int(sqeSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("uring: mmap sqe array: %w", err)
	}
	r.sqeMem = sqeMem

	r.sq.head = (*uint32)(unsafe.Pointer(&ringMem[p.sqOff.head]))
	r.sq.tail = (*uint32)(unsafe.Pointer(&ringMem[p.sqOff.tail]))
	r.sq.ringMask = *(*uint32)(unsafe.Pointer(&ringMem[p.sqOff.ringMask]))
	r.sq.ringEntries = *(*uint32)(unsafe.Pointer(&ringMem[p.sqOff.ringEntries]))
	r.sq.array = (*uint32)(unsafe.Pointer(&ringMem[p.sqOff.array]))
	r.sq.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&sqeMem[0])), p.sqEntries)

	r.cq.head = (*uint32)(unsafe.Pointer(&ringMem[p.cqOff.head]))
	r.cq.tail = (*uint32)(unsafe.Pointer(&ringMem[p.cqOff.tail]))
	r.cq.ringMask = *(*uint32)(unsafe.Pointer(&ringMem[p.cqOff.ringMask]))
	r.cq.ringEntries = *(*uint32)(unsafe.Pointer(&ringMem[p.cqOff.ringEntries]))
	r.cq.cqes = unsafe.Slice((*CQE)(unsafe.Pointer(&ringMem[p.cqOff.cqes])), p.cqEntries)

	return r, nil
}

// PrepRead fills the next free SQE with a pread-equivalent request at
// off into buf, tagged with userData, and returns whether a slot was
// available.
func (r *Ring) PrepRead(fd int, buf []byte, off uint64, userData uint64) bool {
	return r.prepIO(opRead, fd, buf, off, userData)
}

// PrepWrite fills the next free SQE with a pwrite-equivalent request.
func (r *Ring) PrepWrite(fd int, buf []byte, off uint64, userData uint64) bool {
	return r.prepIO(opWrite, fd, buf, off, userData)
}

// PrepFsync fills the next free SQE with an fsync request.
func (r *Ring) PrepFsync(fd int, userData uint64) bool {
	return r.prepIO(opFsync, fd, nil, 0, userData)
}

func (r *Ring) prepIO(op uint8, fd int, buf []byte, off uint64, userData uint64) bool {
	q := &r.sq
	tail := atomic.LoadUint32(q.tail)
	head := atomic.LoadUint32(q.head)
	if tail-head >= q.ringEntries {
		return false
	}

	idx := tail & q.ringMask
	sqe := &q.sqes[idx]
	*sqe = SQE{Opcode: op, Fd: int32(fd), Off: off, UserData: userData}
	if len(buf) > 0 {
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		sqe.Len = uint32(len(buf))
	}

	arrayPtr := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(q.array)) + uintptr(idx)*4))
	*arrayPtr = idx

	atomic.AddUint32(q.tail, 1)
	return true
}

// Pending reports how many SQEs are queued but not yet submitted.
func (r *Ring) Pending() uint32 {
	return atomic.LoadUint32(r.sq.tail) - atomic.LoadUint32(r.sq.head)
}

// Submit calls io_uring_enter to hand queued SQEs to the kernel,
// retrying on EINTR, and returns the number accepted.
func (r *Ring) Submit() (int, error) {
	toSubmit := r.Pending()
	if toSubmit == 0 {
		return 0, nil
	}
	for {
		n, errno := enter(r.fd, toSubmit, 0, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return n, errno
		}
		return n, nil
	}
}

// PeekCQE returns the oldest unconsumed completion without advancing the
// ring, or nil if none is ready.
func (r *Ring) PeekCQE() *CQE {
	head := atomic.LoadUint32(r.cq.head)
	tail := atomic.LoadUint32(r.cq.tail)
	if head == tail {
		return nil
	}
	return &r.cq.cqes[head&r.cq.ringMask]
}

// AdvanceCQ frees the oldest completion slot after the caller has
// processed it.
func (r *Ring) AdvanceCQ() {
	atomic.AddUint32(r.cq.head, 1)
}

// WaitCQE blocks until at least one completion is ready.
func (r *Ring) WaitCQE() (*CQE, error) {
	for {
		if cqe := r.PeekCQE(); cqe != nil {
			return cqe, nil
		}
		if _, errno := enter(r.fd, 0, 1, enterGetevents); errno != 0 && errno != syscall.EINTR {
			return nil, errno
		}
	}
}

// Close unmaps the rings and closes the io_uring fd.
func (r *Ring) Close() error {
	var firstErr error
	if r.ringMem != nil {
		if err := syscall.Munmap(r.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ringMem = nil
	}
	if r.sqeMem != nil {
		if err := syscall.Munmap(r.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.sqeMem = nil
	}
	if r.fd >= 0 {
		if err := syscall.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}
	return firstErr
}

func setup(entries uint32, p *params) (int, syscall.Errno) {
	fd, _, errno := syscall.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	return int(fd), errno
}

func enter(fd int, toSubmit uint32, minComplete uint32, flags uint32) (int, syscall.Errno) {
	n, _, errno := syscall.Syscall6(sysIoUringEnter, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	return int(n), errno
}
