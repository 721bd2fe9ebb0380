// Package blkuring implements virtio.BlockBackend over Linux io_uring:
// IN/OUT requests are submitted as async read/write SQEs against the
// backing file and retired from PumpCompletions when their CQE arrives;
// FLUSH is an async fsync SQE; GET_ID needs no I/O and is answered
// synchronously inside Submit.
package blkuring

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmvirtio/internal/devices/virtio"
	"github.com/tinyrange/vmvirtio/internal/devices/virtio/blkuring/uring"
)

const sectorSize = 512

// slot is one entry of the bounded SubmissionsRing: everything needed to
// retire a request once its CQE arrives, since io_uring's user_data only
// carries the slot index back.
type slot struct {
	inUse      bool
	reqType    uint32
	chainHead  uint16
	statusAddr uint64
	dataDesc   virtio.Descriptor
	hostBuf    []byte
}

// Backend is a virtio.BlockBackend backed by one io_uring instance over a
// single file descriptor.
type Backend struct {
	fd       int
	ring     *uring.Ring
	size     uint64
	readOnly bool
	blockID  [virtio.BlockIDBytes]byte

	slots         []slot
	submissionIdx int
}

// Open opens path and sizes the submission ring to queueSize/3 in-flight
// requests (each request occupies three descriptors: header, one data
// segment, status).
func Open(path string, readOnly bool, queueSize int) (*Backend, error) {
	flags := unix.O_RDWR
	if readOnly {
		flags = unix.O_RDONLY
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("blkuring: open %s: %w", path, err)
	}

	var stx unix.Statx_t
	if err := unix.Statx(fd, "", unix.AT_EMPTY_PATH, unix.STATX_ALL, &stx); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blkuring: statx %s: %w", path, err)
	}

	capacity := queueSize / 3
	if capacity < 1 {
		capacity = 1
	}
	ring, err := uring.New(uint32(capacity))
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blkuring: %w", err)
	}

	return &Backend{
		fd:       fd,
		ring:     ring,
		size:     stx.Size,
		readOnly: readOnly,
		blockID:  deriveBlockID(stx),
		slots:    make([]slot, capacity),
	}, nil
}

func deriveBlockID(stx unix.Statx_t) [virtio.BlockIDBytes]byte {
	dev := uint64(stx.Dev_major)<<8 | uint64(stx.Dev_minor)
	rdev := uint64(stx.Rdev_major)<<8 | uint64(stx.Rdev_minor)
	s := strconv.FormatUint(dev, 10) + strconv.FormatUint(rdev, 10) + strconv.FormatUint(stx.Ino, 10)
	var id [virtio.BlockIDBytes]byte
	copy(id[:], s)
	return id
}

func (b *Backend) Capacity() uint64 { return b.size >> 9 }
func (b *Backend) SizeMax() uint32  { return 1 << 20 }

// SegMax is always 1: every io_uring request carries exactly one data
// segment, since a single SQE addresses one contiguous buffer.
func (b *Backend) SegMax() uint32                         { return 1 }
func (b *Backend) ReadOnly() bool                         { return b.readOnly }
func (b *Backend) BlockID() [virtio.BlockIDBytes]byte     { return b.blockID }

func (b *Backend) Close() error {
	if err := b.ring.Close(); err != nil {
		unix.Close(b.fd)
		return err
	}
	return unix.Close(b.fd)
}

// allocSlot scans forward from submissionIdx for a free slot. Callers
// never see it return false in practice: the ring is sized to queue_size/3
// and a chain is never popped without a slot available to hold it, since
// Submit only pops as many chains as it has free slots for.
func (b *Backend) allocSlot() (int, bool) {
	for i := 0; i < len(b.slots); i++ {
		idx := (b.submissionIdx + i) % len(b.slots)
		if !b.slots[idx].inUse {
			b.submissionIdx = (idx + 1) % len(b.slots)
			return idx, true
		}
	}
	return 0, false
}

// Submit drains available request chains, handling GET_ID synchronously
// and submitting everything else as an io_uring SQE, then flushes the
// batch with one io_uring_enter call.
func (b *Backend) Submit(dev virtio.Device, q *virtio.Queue) error {
	var submittedAny bool
	for {
		idx, ok := b.allocSlot()
		if !ok {
			break
		}
		chain, err := virtio.PopDescChain(dev, q)
		if err != nil {
			return err
		}
		if chain == nil {
			break
		}

		handled, err := b.startRequest(dev, q, idx, chain)
		if err != nil {
			return err
		}
		if handled {
			submittedAny = true
		}
	}
	if !submittedAny {
		return nil
	}
	_, err := b.ring.Submit()
	return err
}

// startRequest parses one chain and either answers it immediately
// (GET_ID, and malformed/unsupported requests) or occupies slots[idx]
// and submits an SQE for it. It returns whether an SQE was submitted.
func (b *Backend) startRequest(dev virtio.Device, q *virtio.Queue, idx int, chain *virtio.Chain) (bool, error) {
	if len(chain.Descriptors) < 2 {
		return false, fmt.Errorf("blkuring: chain %d too short: %d descriptors", chain.Head, len(chain.Descriptors))
	}
	hdrDesc := chain.Descriptors[0]
	hdrBytes, err := virtio.ReadDescriptorChain(dev, &virtio.Chain{Descriptors: []virtio.Descriptor{hdrDesc}})
	if err != nil {
		return false, err
	}
	reqType := binary.LittleEndian.Uint32(hdrBytes[0:4])
	sector := binary.LittleEndian.Uint64(hdrBytes[8:16])

	statusDesc := chain.Descriptors[len(chain.Descriptors)-1]
	dataDescs := chain.Descriptors[1 : len(chain.Descriptors)-1]

	if reqType == virtio.VIRTIO_BLK_T_GET_ID {
		if len(dataDescs) != 1 {
			return false, fmt.Errorf("blkuring: GET_ID chain %d has %d data descriptors, want 1", chain.Head, len(dataDescs))
		}
		id := b.blockID
		if err := virtio.WriteGuestBuffer(dev, dataDescs[0].Addr, id[:]); err != nil {
			return false, err
		}
		return false, b.completeSync(dev, q, chain.Head, statusDesc.Addr, virtio.VIRTIO_BLK_S_OK, uint32(len(id)))
	}

	if reqType != virtio.VIRTIO_BLK_T_IN && reqType != virtio.VIRTIO_BLK_T_OUT && reqType != virtio.VIRTIO_BLK_T_FLUSH {
		return false, b.completeSync(dev, q, chain.Head, statusDesc.Addr, virtio.VIRTIO_BLK_S_UNSUPP, 0)
	}
	if len(dataDescs) > 1 || (len(dataDescs) == 0 && reqType != virtio.VIRTIO_BLK_T_FLUSH) {
		return false, b.completeSync(dev, q, chain.Head, statusDesc.Addr, virtio.VIRTIO_BLK_S_IOERR, 0)
	}

	s := &b.slots[idx]
	*s = slot{inUse: true, reqType: reqType, chainHead: chain.Head, statusAddr: statusDesc.Addr}
	userData := uint64(idx)

	switch reqType {
	case virtio.VIRTIO_BLK_T_IN:
		s.dataDesc = dataDescs[0]
		s.hostBuf = make([]byte, dataDescs[0].Length)
		if !b.ring.PrepRead(b.fd, s.hostBuf, sector*sectorSize, userData) {
			return false, fmt.Errorf("blkuring: submission ring rejected prepared read")
		}
	case virtio.VIRTIO_BLK_T_OUT:
		if b.readOnly {
			s.inUse = false
			return false, b.completeSync(dev, q, chain.Head, statusDesc.Addr, virtio.VIRTIO_BLK_S_IOERR, 0)
		}
		s.dataDesc = dataDescs[0]
		data, err := virtio.ReadDescriptorChain(dev, &virtio.Chain{Descriptors: []virtio.Descriptor{dataDescs[0]}})
		if err != nil {
			return false, err
		}
		s.hostBuf = data
		if !b.ring.PrepWrite(b.fd, s.hostBuf, sector*sectorSize, userData) {
			return false, fmt.Errorf("blkuring: submission ring rejected prepared write")
		}
	case virtio.VIRTIO_BLK_T_FLUSH:
		if !b.ring.PrepFsync(b.fd, userData) {
			return false, fmt.Errorf("blkuring: submission ring rejected prepared fsync")
		}
	}
	return true, nil
}

// completeSync publishes a used-ring entry immediately for a request that
// needed no io_uring round trip (GET_ID, UNSUPP, or a rejected OUT on a
// read-only backend).
func (b *Backend) completeSync(dev virtio.Device, q *virtio.Queue, head uint16, statusAddr uint64, status byte, dataLen uint32) error {
	if err := virtio.WriteGuestBuffer(dev, statusAddr, []byte{status}); err != nil {
		return err
	}
	if err := virtio.AddUsed(dev, q, head, dataLen+1); err != nil {
		return err
	}
	_, err := virtio.SendNotification(dev, q)
	return err
}

// PumpCompletions is invoked by the (excluded) event loop when the
// io_uring completion fd becomes readable. It is not part of the
// BlockBackend interface: completions arrive independently of queue
// kicks, exactly like nettap's PumpRx relative to HandleRxQueue.
func (b *Backend) PumpCompletions(dev virtio.Device, q *virtio.Queue) error {
	var notify bool
	for {
		cqe := b.ring.PeekCQE()
		if cqe == nil {
			break
		}
		if err := b.retire(dev, q, cqe); err != nil {
			b.ring.AdvanceCQ()
			return err
		}
		b.ring.AdvanceCQ()
		notify = true
	}
	if !notify {
		return nil
	}
	_, err := virtio.SendNotification(dev, q)
	return err
}

func (b *Backend) retire(dev virtio.Device, q *virtio.Queue, cqe *uring.CQE) error {
	idx := int(cqe.UserData)
	s := &b.slots[idx]
	defer func() { s.inUse = false }()

	var status byte = virtio.VIRTIO_BLK_S_OK
	var written uint32
	switch s.reqType {
	case virtio.VIRTIO_BLK_T_IN:
		if cqe.Res < 0 {
			status = virtio.VIRTIO_BLK_S_IOERR
		} else {
			n := int(cqe.Res)
			if n > len(s.hostBuf) {
				n = len(s.hostBuf)
			}
			if err := virtio.WriteGuestBuffer(dev, s.dataDesc.Addr, s.hostBuf[:n]); err != nil {
				return err
			}
			written = uint32(n)
		}
	case virtio.VIRTIO_BLK_T_OUT, virtio.VIRTIO_BLK_T_FLUSH:
		if cqe.Res < 0 {
			status = virtio.VIRTIO_BLK_S_IOERR
		}
	}

	if err := virtio.WriteGuestBuffer(dev, s.statusAddr, []byte{status}); err != nil {
		return err
	}
	return virtio.AddUsed(dev, q, s.chainHead, written+1)
}

var _ virtio.BlockBackend = (*Backend)(nil)
