package virtio

import (
	"encoding/binary"
	"log/slog"
)

const (
	BlkDefaultMMIOBase = 0xd0002000
	BlkDefaultMMIOSize = 0x200
	BlkDefaultIRQLine  = 12

	blkQueueCount  = 1
	blkVendorID    = 0x554d4551 // "QEMU"
	blkVersion     = 2
	blkDeviceID    = 2

	blkQueueRequest = 0

	// BlockIDBytes is VIRTIO_BLK_ID_BYTES: the fixed size of a GET_ID reply.
	BlockIDBytes = 20
)

// Virtio block request types.
const (
	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8
)

// Virtio block status codes.
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits.
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2
	VIRTIO_BLK_F_RO       = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6
	VIRTIO_BLK_F_FLUSH    = 1 << 9
)

// BlockBackend is the datapath behind a virtio-blk device. blkmmap and
// blkuring each implement it; the transport frontend in this file is
// identical for both and never needs to know which one it's driving.
type BlockBackend interface {
	// Capacity returns the device size in 512-byte sectors.
	Capacity() uint64
	// SizeMax returns the maximum size of a single data segment.
	SizeMax() uint32
	// SegMax returns the maximum number of data segments per request.
	SegMax() uint32
	// ReadOnly reports whether OUT requests must be rejected.
	ReadOnly() bool
	// BlockID returns the 20-byte identifier returned for GET_ID requests.
	BlockID() [BlockIDBytes]byte

	// Submit is invoked once per QUEUE_NOTIFY on the request queue. It
	// drains every chain currently available, executes or enqueues each
	// request, and is responsible for publishing used-ring entries and
	// calling SendNotification for whatever it completes synchronously.
	Submit(dev Device, q *Queue) error

	// Close releases backend resources (file descriptors, rings).
	Close() error
}

// blkConfig mirrors the virtio-blk device-specific configuration layout.
type blkConfig struct {
	capacity  uint64
	sizeMax   uint32
	segMax    uint32
	cylinders uint16
	heads     uint8
	sectors   uint8
	blkSize   uint32
}

func blkFeatureBits(backend BlockBackend) uint64 {
	features := virtioFeatureVersion1 | uint64(VIRTIO_BLK_F_SIZE_MAX) | uint64(VIRTIO_BLK_F_SEG_MAX) | uint64(VIRTIO_BLK_F_BLK_SIZE) | uint64(VIRTIO_BLK_F_FLUSH) | uint64(1)<<virtioRingFeatureEventIdxBit
	if backend.ReadOnly() {
		features |= VIRTIO_BLK_F_RO
	}
	return features
}

// BlkDeviceConfig builds the MMIODeviceConfig for a block device backed by
// the given backend, fixing feature bits to what the backend supports.
func BlkDeviceConfig(backend BlockBackend) *MMIODeviceConfig {
	return &MMIODeviceConfig{
		DefaultMMIOBase: BlkDefaultMMIOBase,
		DefaultMMIOSize: BlkDefaultMMIOSize,
		DefaultIRQLine:  BlkDefaultIRQLine,
		DeviceID:        blkDeviceID,
		VendorID:        blkVendorID,
		Version:         blkVersion,
		QueueCount:      blkQueueCount,
		QueueMaxSize:    128,
		FeatureBits:     []uint64{blkFeatureBits(backend)},
		DeviceName:      "virtio-blk",
	}
}

// Blk is the virtio-blk transport frontend: MMIO register/config handling
// only. All request execution is delegated to a BlockBackend.
type Blk struct {
	MMIODeviceBase
	backend BlockBackend
}

// NewBlk constructs a virtio-blk device at base/irqLine over backend.
func NewBlk(base, size uint64, irqLine uint32, backend BlockBackend, mem GuestMemory, irq IRQInjector) (*Blk, error) {
	b := &Blk{
		MMIODeviceBase: NewMMIODeviceBase(base, size, irqLine, BlkDeviceConfig(backend)),
		backend:        backend,
	}
	if err := b.InitBase(mem, irq, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Stop implements Stoppable.
func (b *Blk) Stop() error {
	return b.backend.Close()
}

func (b *Blk) OnReset(Device) {}

func (b *Blk) OnQueueNotify(dev Device, queueIdx int) error {
	if queueIdx != blkQueueRequest {
		return nil
	}
	if err := b.backend.Submit(dev, dev.queue(queueIdx)); err != nil {
		slog.Error("virtio-blk: submit failed", "err", err)
		return err
	}
	return nil
}

// ReadConfig serves a 4-byte window of the block config space (capacity,
// size_max, seg_max, geometry, blk_size); blk_config never changes size
// after construction, so there is nothing beyond configBytes' length to
// serve.
func (b *Blk) ReadConfig(dev Device, offset uint64) (uint32, bool, error) {
	if offset < VIRTIO_MMIO_CONFIG {
		return 0, false, nil
	}
	cfg := b.configBytes()
	rel := offset - VIRTIO_MMIO_CONFIG
	if int(rel) >= len(cfg) {
		return 0, true, nil
	}
	var buf [4]byte
	copy(buf[:], cfg[rel:])
	return binary.LittleEndian.Uint32(buf[:]), true, nil
}

// WriteConfig rejects writes into blk_config: the entire structure is
// device-reported and read-only from the driver's side.
func (b *Blk) WriteConfig(dev Device, offset uint64, value uint32) (bool, error) {
	return offset >= VIRTIO_MMIO_CONFIG, nil
}

func (b *Blk) configBytes() []byte {
	cfg := blkConfig{
		capacity: b.backend.Capacity(),
		sizeMax:  b.backend.SizeMax(),
		segMax:   b.backend.SegMax(),
		blkSize:  512,
	}
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], cfg.capacity)
	binary.LittleEndian.PutUint32(buf[8:12], cfg.sizeMax)
	binary.LittleEndian.PutUint32(buf[12:16], cfg.segMax)
	binary.LittleEndian.PutUint16(buf[16:18], cfg.cylinders)
	buf[18] = cfg.heads
	buf[19] = cfg.sectors
	binary.LittleEndian.PutUint32(buf[20:24], cfg.blkSize)
	return buf[:]
}

var _ deviceHandler = (*Blk)(nil)
