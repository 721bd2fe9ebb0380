// Package blkmmap implements virtio.BlockBackend over a single mmap'd
// file: IN/OUT requests are plain memcpy against the mapping, FLUSH is a
// msync, and GET_ID reports an identifier derived from the backing
// file's device and inode numbers.
package blkmmap

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmvirtio/internal/devices/virtio"
)

const sectorSize = 512

// Backend is a virtio.BlockBackend backed by one mmap'd file.
type Backend struct {
	fd       int
	data     []byte
	readOnly bool
	segMax   uint32
	blockID  [virtio.BlockIDBytes]byte
}

// Open maps path's entire contents. readOnly selects PROT_READ/MAP_PRIVATE
// versus PROT_READ|PROT_WRITE/MAP_SHARED. queueSize sizes seg_max to
// queueSize-2 (every request reserves one descriptor for its header and
// one for its status byte).
func Open(path string, readOnly bool, queueSize int) (*Backend, error) {
	flags := unix.O_RDWR
	if readOnly {
		flags = unix.O_RDONLY
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("blkmmap: open %s: %w", path, err)
	}

	var stx unix.Statx_t
	if err := unix.Statx(fd, "", unix.AT_EMPTY_PATH, unix.STATX_ALL, &stx); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blkmmap: statx %s: %w", path, err)
	}
	size := int(stx.Size)
	if size == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("blkmmap: %s is empty", path)
	}

	prot := unix.PROT_READ
	mapFlags := unix.MAP_PRIVATE
	if !readOnly {
		prot |= unix.PROT_WRITE
		mapFlags = unix.MAP_SHARED
	}
	data, err := unix.Mmap(fd, 0, size, prot, mapFlags)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blkmmap: mmap %s: %w", path, err)
	}

	segMax := queueSize - 2
	if segMax < 1 {
		segMax = 1
	}

	return &Backend{
		fd:       fd,
		data:     data,
		readOnly: readOnly,
		segMax:   uint32(segMax),
		blockID:  deriveBlockID(stx),
	}, nil
}

// deriveBlockID builds the 20-byte GET_ID reply by concatenating the
// decimal device, rdev, and inode numbers of the backing file, truncating
// or zero-padding to fit.
func deriveBlockID(stx unix.Statx_t) [virtio.BlockIDBytes]byte {
	dev := makedev(stx.Dev_major, stx.Dev_minor)
	rdev := makedev(stx.Rdev_major, stx.Rdev_minor)
	s := strconv.FormatUint(dev, 10) + strconv.FormatUint(rdev, 10) + strconv.FormatUint(stx.Ino, 10)

	var id [virtio.BlockIDBytes]byte
	copy(id[:], s)
	return id
}

func makedev(major, minor uint32) uint64 {
	return uint64(major)<<8 | uint64(minor)
}

func (b *Backend) Capacity() uint64 { return uint64(len(b.data)) >> 9 }
func (b *Backend) SizeMax() uint32  { return 1 << 20 }
func (b *Backend) SegMax() uint32   { return b.segMax }
func (b *Backend) ReadOnly() bool   { return b.readOnly }
func (b *Backend) BlockID() [virtio.BlockIDBytes]byte { return b.blockID }

func (b *Backend) Close() error {
	if err := unix.Munmap(b.data); err != nil {
		unix.Close(b.fd)
		return err
	}
	return unix.Close(b.fd)
}

// Submit drains every chain currently available on the request queue,
// executing each synchronously against the mapping, then notifies the
// driver once for the whole batch, also when a chain fails part-way through.
func (b *Backend) Submit(dev virtio.Device, q *virtio.Queue) error {
	_, err := virtio.ProcessQueueNotifications(dev, q, b.handleChain)
	if _, nerr := virtio.SendNotification(dev, q); err == nil {
		err = nerr
	}
	return err
}

// handleChain interprets one request chain: a read-only header descriptor
// (type, ioprio, sector), zero or more data descriptors, and a final
// write-only status byte. It always publishes the status byte itself as
// the reported length (callers expect the used length to reflect what the
// device actually wrote back, which for blk is just that one byte plus
// whatever IN data was copied).
func (b *Backend) handleChain(dev virtio.Device, q *virtio.Queue, chain *virtio.Chain) (uint32, error) {
	if len(chain.Descriptors) < 2 {
		return 0, fmt.Errorf("blkmmap: chain %d too short: %d descriptors", chain.Head, len(chain.Descriptors))
	}

	hdrDesc := chain.Descriptors[0]
	if hdrDesc.IsWrite() || hdrDesc.Length < 16 {
		return 0, fmt.Errorf("blkmmap: chain %d malformed header descriptor", chain.Head)
	}
	hdrBytes, err := virtio.ReadDescriptorChain(dev, &virtio.Chain{Head: chain.Head, Descriptors: []virtio.Descriptor{hdrDesc}})
	if err != nil {
		return 0, err
	}
	reqType := binary.LittleEndian.Uint32(hdrBytes[0:4])
	sector := binary.LittleEndian.Uint64(hdrBytes[8:16])

	statusDesc := chain.Descriptors[len(chain.Descriptors)-1]
	if !statusDesc.IsWrite() || statusDesc.Length < 1 {
		return 0, fmt.Errorf("blkmmap: chain %d malformed status descriptor", chain.Head)
	}
	dataDescs := chain.Descriptors[1 : len(chain.Descriptors)-1]

	var status byte
	var written uint32
	switch reqType {
	case virtio.VIRTIO_BLK_T_IN:
		written, status = b.serviceIn(dev, dataDescs, sector)
	case virtio.VIRTIO_BLK_T_OUT:
		status = b.serviceOut(dev, dataDescs, sector)
	case virtio.VIRTIO_BLK_T_FLUSH:
		status = b.serviceFlush()
	case virtio.VIRTIO_BLK_T_GET_ID:
		if len(dataDescs) != 1 {
			return 0, fmt.Errorf("blkmmap: GET_ID chain %d has %d data descriptors, want 1", chain.Head, len(dataDescs))
		}
		id := b.blockID
		n, _, err := virtio.FillDescriptorChain(dev, &virtio.Chain{Descriptors: dataDescs}, id[:])
		if err != nil {
			return 0, err
		}
		written = n
		status = virtio.VIRTIO_BLK_S_OK
	default:
		status = virtio.VIRTIO_BLK_S_UNSUPP
	}

	if err := virtio.WriteGuestBuffer(dev, statusDesc.Addr, []byte{status}); err != nil {
		return 0, err
	}
	return written + 1, nil
}

func (b *Backend) serviceIn(dev virtio.Device, dataDescs []virtio.Descriptor, sector uint64) (uint32, byte) {
	if len(dataDescs) == 0 {
		return 0, virtio.VIRTIO_BLK_S_IOERR
	}
	var want uint32
	for _, desc := range dataDescs {
		if !desc.IsWrite() {
			return 0, virtio.VIRTIO_BLK_S_IOERR
		}
		want += desc.Length
	}
	off := sector * sectorSize
	if off+uint64(want) > uint64(len(b.data)) {
		return 0, virtio.VIRTIO_BLK_S_IOERR
	}

	written, _, err := virtio.FillDescriptorChain(dev, &virtio.Chain{Descriptors: dataDescs}, b.data[off:off+uint64(want)])
	if err != nil {
		return written, virtio.VIRTIO_BLK_S_IOERR
	}
	return written, virtio.VIRTIO_BLK_S_OK
}

func (b *Backend) serviceOut(dev virtio.Device, dataDescs []virtio.Descriptor, sector uint64) byte {
	if b.readOnly || len(dataDescs) == 0 {
		return virtio.VIRTIO_BLK_S_IOERR
	}
	chunk, err := virtio.ReadDescriptorChain(dev, &virtio.Chain{Descriptors: dataDescs})
	if err != nil {
		return virtio.VIRTIO_BLK_S_IOERR
	}
	off := sector * sectorSize
	if off+uint64(len(chunk)) > uint64(len(b.data)) {
		return virtio.VIRTIO_BLK_S_IOERR
	}
	copy(b.data[off:], chunk)
	return virtio.VIRTIO_BLK_S_OK
}

func (b *Backend) serviceFlush() byte {
	if b.readOnly {
		return virtio.VIRTIO_BLK_S_OK
	}
	if err := unix.Msync(b.data, unix.MS_ASYNC); err != nil {
		return virtio.VIRTIO_BLK_S_IOERR
	}
	return virtio.VIRTIO_BLK_S_OK
}

var _ virtio.BlockBackend = (*Backend)(nil)
