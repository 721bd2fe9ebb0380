package virtio

import "fmt"

// Descriptor is one element of a descriptor chain, as yielded by PopDescChain.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
}

// IsWrite reports whether the device is expected to write into this
// descriptor's buffer (VIRTQ_DESC_F_WRITE), as opposed to reading guest-
// supplied data out of it.
func (d Descriptor) IsWrite() bool {
	return d.Flags&virtqDescFWrite != 0
}

// Chain is a descriptor chain popped from the available ring: Head is the
// index to publish back on the used ring, Descriptors the fully-walked
// chain in order.
type Chain struct {
	Head        uint16
	Descriptors []Descriptor
}

// PopDescChain implements the virtqueue contract's pop_desc_chain: it
// returns the next chain the driver has made available, or (nil, nil) if
// none is pending. A malformed head or a chain that cycles past the
// queue's size is reported as ErrMalformedChain, which callers treat as
// fatal: the guest cannot be trusted to have not corrupted its own ring.
func PopDescChain(dev Device, q *Queue) (*Chain, error) {
	if err := ensureQueueReady(q); err != nil {
		return nil, err
	}

	// Acquire: avail.idx is read after the driver has published the head at
	// ring[lastAvailIdx % size], so by the time we observe a new idx the
	// corresponding ring entry is guaranteed visible.
	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		return nil, err
	}
	if q.lastAvailIdx == availIdx {
		return nil, nil
	}

	ringIndex := q.lastAvailIdx % q.size
	head, err := dev.readAvailEntry(q, ringIndex)
	if err != nil {
		return nil, err
	}
	if head >= q.size {
		return nil, fmt.Errorf("%w: head %d >= queue size %d", ErrMalformedChain, head, q.size)
	}
	q.lastAvailIdx++

	var descriptors []Descriptor
	index := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, Descriptor{Addr: desc.addr, Length: desc.length, Flags: desc.flags})
		if desc.flags&virtqDescFNext == 0 {
			return &Chain{Head: head, Descriptors: descriptors}, nil
		}
		index = desc.next
		if index >= q.size {
			return nil, fmt.Errorf("%w: next index %d >= queue size %d", ErrMalformedChain, index, q.size)
		}
	}
	return nil, fmt.Errorf("%w: chain from head %d exceeds queue size %d", ErrMalformedChain, head, q.size)
}

// AddUsed implements add_used: publishes a used-ring entry for head with
// written bytes, and advances the queue's notification-suppression counter.
func AddUsed(dev Device, q *Queue, head uint16, written uint32) error {
	if err := ensureQueueReady(q); err != nil {
		return err
	}
	if err := dev.recordUsedElement(q, head, written); err != nil {
		return err
	}
	q.suppressed++
	return nil
}

// SendNotification implements the event-idx notification policy: with
// VIRTIO_RING_F_EVENT_IDX negotiated, compare next_used against
// avail_ring.used_event using the wraparound-safe tie-break; otherwise fall
// back to the driver's NO_INTERRUPT flag. It returns whether an interrupt
// was actually raised.
func SendNotification(dev Device, q *Queue) (bool, error) {
	if err := ensureQueueReady(q); err != nil {
		return false, err
	}

	if dev.eventIdxEnabled() {
		usedEvent, err := dev.readUsedEvent(q)
		if err != nil {
			return false, err
		}
		// All arithmetic below is uint16, so wraparound modulo 2^16 falls
		// out of the type itself.
		diff := q.usedIdx - usedEvent - 1
		shouldNotify := diff < q.suppressed
		q.suppressed = 0
		if !shouldNotify {
			return false, nil
		}
		return true, dev.raiseInterrupt(VIRTIO_MMIO_INT_VRING)
	}

	flags, _, err := dev.readAvailState(q)
	if err != nil {
		return false, err
	}
	if flags&virtqAvailFNoInterrupt != 0 {
		return false, nil
	}
	return true, dev.raiseInterrupt(VIRTIO_MMIO_INT_VRING)
}
