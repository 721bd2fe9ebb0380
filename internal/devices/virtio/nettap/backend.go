// Package nettap implements a virtio.NetBackend over a host TAP device:
// TX drains the transmit queue and writes frames to the TAP fd, RX drains
// TAP readability into guest buffers staged on the receive queue, merging
// a frame across consecutive chains when VIRTIO_NET_F_MRG_RXBUF is
// negotiated.
package nettap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vmvirtio/internal/devices/virtio"
	"github.com/tinyrange/vmvirtio/internal/nettool"
)

var errWouldBlock = errors.New("nettap: would block")

// netHeaderSize is sizeof(virtio_net_hdr_v1): flags, gso_type, hdr_len,
// gso_size, csum_start, csum_offset, num_buffers.
const netHeaderSize = 12

// maxFrameSize bounds a single readv: one 64 KiB TSO frame plus header.
const maxFrameSize = 65535 + netHeaderSize

type netHeader struct {
	flags      uint8
	gsoType    uint8
	hdrLen     uint16
	gsoSize    uint16
	csumStart  uint16
	csumOffset uint16
	numBuffers uint16
}

func parseNetHeader(b []byte) (netHeader, error) {
	if len(b) < 10 {
		return netHeader{}, fmt.Errorf("nettap: header too short: %d", len(b))
	}
	h := netHeader{
		flags:      b[0],
		gsoType:    b[1],
		hdrLen:     binary.LittleEndian.Uint16(b[2:4]),
		gsoSize:    binary.LittleEndian.Uint16(b[4:6]),
		csumStart:  binary.LittleEndian.Uint16(b[6:8]),
		csumOffset: binary.LittleEndian.Uint16(b[8:10]),
	}
	if len(b) >= netHeaderSize {
		h.numBuffers = binary.LittleEndian.Uint16(b[10:12])
	}
	return h, nil
}

const (
	hdrFNeedsCsum = 1 << 0
)

// Backend is a virtio.NetBackend driving TX/RX against a TAP device.
type Backend struct {
	tap *device

	mac    [6]byte
	linkUp bool

	guestCsum  bool
	mergeable  bool

	iovs   *IovRing
	chains *RingBuffer[ChainInfo]
}

// New opens a TAP interface (kernel-assigned name if ifName is empty) and
// returns a Backend ready to be attached to a virtio.Net device. queueSize
// sizes the RX chain ring to the queue's descriptor count and the RX iovec
// ring to twice that.
func New(ifName string, mac [6]byte, queueSize int) (*Backend, error) {
	tap, err := openTAP(ifName, netHeaderSize)
	if err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Backend{
		tap:    tap,
		mac:    mac,
		linkUp: true,
		iovs:   NewIovRing(2 * queueSize),
		chains: NewRingBuffer[ChainInfo](queueSize),
	}, nil
}

func (b *Backend) MAC() [6]byte { return b.mac }

func (b *Backend) LinkUp() bool { return b.linkUp }

func (b *Backend) FeatureBits() uint64 {
	return virtio.VIRTIO_NET_F_CSUM |
		virtio.VIRTIO_NET_F_GUEST_CSUM |
		virtio.VIRTIO_NET_F_GUEST_TSO4 |
		virtio.VIRTIO_NET_F_GUEST_TSO6 |
		virtio.VIRTIO_NET_F_GUEST_UFO |
		virtio.VIRTIO_NET_F_HOST_TSO4 |
		virtio.VIRTIO_NET_F_HOST_TSO6 |
		virtio.VIRTIO_NET_F_HOST_UFO |
		virtio.VIRTIO_NET_F_MRG_RXBUF
}

// Activate translates the final negotiated feature set into a
// TUNSETOFFLOAD call and latches whether the guest can finish its own
// receive checksums.
func (b *Backend) Activate(dev virtio.Device, acked uint64) error {
	b.guestCsum = acked&virtio.VIRTIO_NET_F_GUEST_CSUM != 0
	b.mergeable = acked&virtio.VIRTIO_NET_F_MRG_RXBUF != 0

	var bits uint32
	if acked&virtio.VIRTIO_NET_F_GUEST_CSUM != 0 {
		bits |= tunFCsum
	}
	if acked&virtio.VIRTIO_NET_F_GUEST_TSO4 != 0 {
		bits |= tunFTso4
	}
	if acked&virtio.VIRTIO_NET_F_GUEST_TSO6 != 0 {
		bits |= tunFTso6
	}
	if acked&virtio.VIRTIO_NET_F_GUEST_UFO != 0 {
		bits |= tunFUfo
	}
	return b.tap.setOffload(bits)
}

func (b *Backend) Close() error {
	return b.tap.close()
}

// HandleTxQueue drains the transmit queue: every chain is the virtio_net
// header followed by the Ethernet frame payload, which it forwards
// verbatim (including the header) to the TAP device — the kernel applies
// NEEDS_CSUM/GSO itself from the header fields we pass through untouched.
func (b *Backend) HandleTxQueue(dev virtio.Device, q *virtio.Queue) error {
	processed, err := virtio.ProcessQueueNotifications(dev, q, func(dev virtio.Device, q *virtio.Queue, chain *virtio.Chain) (uint32, error) {
		frame, err := virtio.ReadDescriptorChain(dev, chain)
		if err != nil {
			return 0, err
		}
		if len(frame) < netHeaderSize {
			return 0, fmt.Errorf("nettap: tx chain shorter than virtio-net header: %d", len(frame))
		}
		if _, err := b.tap.write(frame); err != nil && !errors.Is(err, errWouldBlock) {
			return 0, fmt.Errorf("nettap: tap write: %w", err)
		}
		return 0, nil
	})
	if processed {
		if _, nerr := virtio.SendNotification(dev, q); err == nil {
			err = nerr
		}
	}
	return err
}

// HandleRxQueue stages newly available receive buffers: it does not fill
// them yet (no frame may be waiting), only records their descriptor
// addresses and lengths so PumpRx can distribute frames across them as
// the TAP device becomes readable.
func (b *Backend) HandleRxQueue(dev virtio.Device, q *virtio.Queue) error {
	for {
		chain, err := virtio.PopDescChain(dev, q)
		if err != nil {
			return err
		}
		if chain == nil {
			return nil
		}

		// Stage the whole chain's iovecs before committing any of them to
		// b.iovs: a descriptor failing validation partway through a chain
		// must not leave earlier descriptors pushed onto the ring with no
		// matching ChainInfo entry to account for them.
		staged := NewBoundedArray[iovec](len(chain.Descriptors))
		var capacity uint32
		for _, desc := range chain.Descriptors {
			if !desc.IsWrite() {
				return fmt.Errorf("nettap: rx descriptor %d not writable", chain.Head)
			}
			if !staged.Push(iovec{addr: desc.Addr, length: desc.Length}) {
				return fmt.Errorf("nettap: rx chain %d has more descriptors than its capacity", chain.Head)
			}
			capacity += desc.Length
		}
		if capacity < netHeaderSize {
			return fmt.Errorf("nettap: rx chain too small for virtio-net header")
		}

		for _, v := range staged.Items() {
			if !b.iovs.push(v) {
				return fmt.Errorf("nettap: iovec ring full")
			}
		}
		if !b.chains.Push(ChainInfo{HeadIndex: chain.Head, IovCount: staged.Len(), TotalCapacity: capacity}) {
			return fmt.Errorf("nettap: chain ring full")
		}
	}
}

// PumpRx is invoked by the (excluded) event loop when the TAP fd becomes
// readable. It is not part of the NetBackend interface: receive-queue
// kicks and TAP readability are two different events the loop dispatches
// separately.
func (b *Backend) PumpRx(dev virtio.Device, q *virtio.Queue) error {
	for {
		buffered := b.chains.Snapshot()
		if len(buffered) == 0 {
			return nil
		}
		var capacity uint32
		for _, c := range buffered {
			capacity += c.TotalCapacity
		}

		readLen := int(capacity)
		if readLen > maxFrameSize {
			readLen = maxFrameSize
		}
		buf := make([]byte, readLen)
		n, err := b.tap.read(buf)
		if errors.Is(err, errWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("nettap: tap read: %w", err)
		}
		if n < netHeaderSize {
			continue
		}
		if err := b.deliverFrame(dev, q, buf[:n]); err != nil {
			return err
		}
	}
}

// deliverFrame distributes one TAP-supplied frame (virtio_net_hdr_v1 +
// Ethernet payload) across one or more buffered receive chains, stamping
// num_buffers in the first chain's header when merging.
func (b *Backend) deliverFrame(dev virtio.Device, q *virtio.Queue, frame []byte) error {
	hdr, err := parseNetHeader(frame[:netHeaderSize])
	if err != nil {
		return err
	}
	if hdr.flags&hdrFNeedsCsum != 0 && !b.guestCsum {
		if err := nettool.ApplyChecksum(int(hdr.csumStart), int(hdr.csumOffset), frame[netHeaderSize:]); err != nil {
			return fmt.Errorf("nettap: finalize checksum: %w", err)
		}
		frame[0] &^= hdrFNeedsCsum
	}

	remaining := frame
	var used []ChainInfo
	var usedIovs [][]iovec
	var totalCapacity uint32

	for totalCapacity < uint32(len(frame)) {
		if !b.mergeable && len(used) == 1 {
			return fmt.Errorf("nettap: frame spans multiple chains without MRG_RXBUF")
		}
		info, ok := b.chains.Pop()
		if !ok {
			return fmt.Errorf("nettap: ran out of buffered rx chains mid-frame")
		}
		iovecs := b.iovs.popN(info.IovCount)
		used = append(used, info)
		usedIovs = append(usedIovs, iovecs)
		totalCapacity += info.TotalCapacity
	}

	numBuffers := uint16(len(used))
	for i, info := range used {
		var chunk []byte
		if len(remaining) <= int(info.TotalCapacity) || i == len(used)-1 {
			chunk = remaining
			remaining = nil
		} else {
			chunk = remaining[:info.TotalCapacity]
			remaining = remaining[info.TotalCapacity:]
		}

		written, err := b.fillChain(dev, usedIovs[i], chunk, i == 0, numBuffers)
		if err != nil {
			return err
		}
		if err := virtio.AddUsed(dev, q, info.HeadIndex, written); err != nil {
			return err
		}
	}
	if _, err := virtio.SendNotification(dev, q); err != nil {
		return err
	}
	return nil
}

func (b *Backend) fillChain(dev virtio.Device, iovecs []iovec, data []byte, first bool, numBuffers uint16) (uint32, error) {
	var written uint32
	consumed := 0
	for i, iov := range iovecs {
		if consumed >= len(data) {
			break
		}
		remaining := data[consumed:]
		toCopy := len(remaining)
		if toCopy > int(iov.length) {
			toCopy = int(iov.length)
		}
		out := make([]byte, toCopy)
		copy(out, remaining[:toCopy])
		if first && i == 0 && len(out) >= 12 {
			binary.LittleEndian.PutUint16(out[10:12], numBuffers)
		}
		if err := virtio.WriteGuestBuffer(dev, iov.addr, out); err != nil {
			return written, fmt.Errorf("nettap: write guest rx buffer: %w", err)
		}
		written += uint32(len(out))
		consumed += toCopy
	}
	return written, nil
}
