package virtio

import (
	"encoding/binary"
	"log/slog"
)

const (
	NetDefaultMMIOBase = 0xd0001000
	NetDefaultMMIOSize = 0x200
	NetDefaultIRQLine  = 7

	netQueueCount    = 2
	netQueueMaxSize  = 256
	netVendorID      = 0x554d4551 // "QEMU"
	netVersion       = 2
	netDeviceID      = 1
	netQueueReceive  = 0
	netQueueTransmit = 1

	virtioNetFeatureMacBit      = 5
	virtioNetFeatureStatusBit   = 16
	virtioNetFeatureMrgRxbufBit = 15

	virtioNetStatusLinkUp = 1
)

// Virtio-net feature bits a backend may advertise in FeatureBits(). The
// transport frontend always adds VERSION_1, MAC, STATUS and EVENT_IDX on
// top of whatever the backend returns.
const (
	VIRTIO_NET_F_CSUM         = uint64(1) << 0
	VIRTIO_NET_F_GUEST_CSUM   = uint64(1) << 1
	VIRTIO_NET_F_GUEST_TSO4   = uint64(1) << 7
	VIRTIO_NET_F_GUEST_TSO6   = uint64(1) << 8
	VIRTIO_NET_F_GUEST_UFO    = uint64(1) << 10
	VIRTIO_NET_F_HOST_TSO4    = uint64(1) << 11
	VIRTIO_NET_F_HOST_TSO6    = uint64(1) << 12
	VIRTIO_NET_F_HOST_UFO     = uint64(1) << 14
	VIRTIO_NET_F_MRG_RXBUF    = uint64(1) << virtioNetFeatureMrgRxbufBit
	VIRTIO_RING_F_INDIRECT_DESC = uint64(1) << 28
)

// NetBackend is the datapath behind a virtio-net device. nettap drives TX
// with writev and RX with readv against a TAP device; netvhost hands the
// rings to the kernel and its queue handlers are no-ops. The transport
// frontend in this file never distinguishes between them.
type NetBackend interface {
	// MAC returns the device's Ethernet address, advertised in config space.
	MAC() [6]byte
	// LinkUp reports the link-status bit published in config space.
	LinkUp() bool
	// FeatureBits returns the backend-specific feature bits this backend
	// supports (checksum/TSO/UFO/MRG_RXBUF for nettap, INDIRECT_DESC for
	// netvhost); the transport ORs in the bits common to every net device.
	FeatureBits() uint64

	// Activate is called once, when the guest sets DRIVER_OK. ackedFeatures
	// is the final negotiated feature set; backends translate it into
	// host-kernel configuration (TUNSETOFFLOAD, vhost-net ioctls).
	Activate(dev Device, ackedFeatures uint64) error

	// HandleTxQueue drains the transmit queue (queue 1).
	HandleTxQueue(dev Device, q *Queue) error
	// HandleRxQueue is invoked on a receive-queue kick (new buffers became
	// available). A backend with its own readiness source (nettap's TAP fd)
	// pushes pending frames into the ring through its own entry point
	// (nettap's PumpRx), not through this method.
	HandleRxQueue(dev Device, q *Queue) error

	// Close releases backend resources (TAP fd, vhost fd).
	Close() error
}

// netConfig mirrors the virtio-net device-specific configuration layout:
// a 6-byte MAC followed by a 2-byte link-status field.
type netConfig struct {
	mac    [6]byte
	status uint16
}

func netFeatureBits(backend NetBackend) uint64 {
	return virtioFeatureVersion1 |
		uint64(1)<<virtioNetFeatureMacBit |
		uint64(1)<<virtioNetFeatureStatusBit |
		uint64(1)<<virtioRingFeatureEventIdxBit |
		backend.FeatureBits()
}

// NetDeviceConfig builds the MMIODeviceConfig for a net device backed by
// the given backend, fixing feature bits to what the backend supports.
func NetDeviceConfig(backend NetBackend) *MMIODeviceConfig {
	return &MMIODeviceConfig{
		DefaultMMIOBase: NetDefaultMMIOBase,
		DefaultMMIOSize: NetDefaultMMIOSize,
		DefaultIRQLine:  NetDefaultIRQLine,
		DeviceID:        netDeviceID,
		VendorID:        netVendorID,
		Version:         netVersion,
		QueueCount:      netQueueCount,
		QueueMaxSize:    netQueueMaxSize,
		FeatureBits:     []uint64{netFeatureBits(backend)},
		DeviceName:      "virtio-net",
	}
}

// Net is the virtio-net transport frontend: MMIO register/config handling
// and queue dispatch only. Both datapaths (TX writev/RX readv, and the
// vhost-net offload path) live entirely behind NetBackend.
type Net struct {
	MMIODeviceBase
	backend NetBackend
}

// NewNet constructs a virtio-net device at base/irqLine over backend.
func NewNet(base, size uint64, irqLine uint32, backend NetBackend, mem GuestMemory, irq IRQInjector) (*Net, error) {
	n := &Net{
		MMIODeviceBase: NewMMIODeviceBase(base, size, irqLine, NetDeviceConfig(backend)),
		backend:        backend,
	}
	if err := n.InitBase(mem, irq, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Stop implements Stoppable.
func (n *Net) Stop() error {
	return n.backend.Close()
}

// WriteMMIO intercepts ActivateDevice so the backend can translate the
// final negotiated feature set into host-kernel configuration before the
// guest driver can issue its first queue kick.
func (n *Net) WriteMMIO(addr uint64, data []byte) (Action, error) {
	action, err := n.MMIODeviceBase.WriteMMIO(addr, data)
	if err != nil || action != ActivateDevice {
		return action, err
	}
	dev, derr := n.RequireDevice()
	if derr != nil {
		return action, derr
	}
	acked := n.negotiatedFeatures(dev)
	if err := n.backend.Activate(dev, acked); err != nil {
		slog.Error("virtio-net: backend activation failed", "err", err)
		return action, err
	}
	return action, nil
}

func (n *Net) negotiatedFeatures(dev Device) uint64 {
	var acked uint64
	for bit := uint32(0); bit < 64; bit++ {
		if dev.driverFeatureEnabled(bit) {
			acked |= uint64(1) << bit
		}
	}
	return acked
}

func (n *Net) OnReset(Device) {}

func (n *Net) OnQueueNotify(dev Device, queueIdx int) error {
	q := dev.queue(queueIdx)
	switch queueIdx {
	case netQueueTransmit:
		return n.backend.HandleTxQueue(dev, q)
	case netQueueReceive:
		return n.backend.HandleRxQueue(dev, q)
	default:
		return nil
	}
}

// ReadConfig serves a 4-byte window of the net config space (mac, status);
// net_config never changes size after construction,
// so there is nothing beyond configBytes' length to serve.
func (n *Net) ReadConfig(dev Device, offset uint64) (uint32, bool, error) {
	if offset < VIRTIO_MMIO_CONFIG {
		return 0, false, nil
	}
	cfg := n.configBytes()
	rel := offset - VIRTIO_MMIO_CONFIG
	if int(rel) >= len(cfg) {
		return 0, true, nil
	}
	var buf [4]byte
	copy(buf[:], cfg[rel:])
	return binary.LittleEndian.Uint32(buf[:]), true, nil
}

// WriteConfig rejects writes into net_config: the entire structure is
// device-reported and read-only from the driver's side.
func (n *Net) WriteConfig(dev Device, offset uint64, value uint32) (bool, error) {
	return offset >= VIRTIO_MMIO_CONFIG, nil
}

func (n *Net) configBytes() []byte {
	cfg := netConfig{mac: n.backend.MAC()}
	if n.backend.LinkUp() {
		cfg.status = virtioNetStatusLinkUp
	}
	var buf [8]byte
	copy(buf[0:6], cfg.mac[:])
	binary.LittleEndian.PutUint16(buf[6:8], cfg.status)
	return buf[:]
}

var _ deviceHandler = (*Net)(nil)
