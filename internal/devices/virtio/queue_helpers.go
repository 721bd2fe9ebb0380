package virtio

import "fmt"

// QueueReady reports whether q has been sized, addressed and marked ready
// by the guest driver.
func QueueReady(q *Queue) bool {
	return q != nil && q.ready && q.size > 0
}

// QueueByIndex returns the queue at index, or nil if out of range. Backends
// normally receive the *Queue they operate on directly from OnQueueNotify;
// this exists for the rarer case (PumpRx, PumpCompletions) where a backend
// revisits a queue outside of a notify dispatch.
func QueueByIndex(dev Device, index int) *Queue {
	return dev.queue(index)
}

// WriteGuestBuffer writes data into guest memory at addr. Backends that
// stage descriptor addresses across more than one call (net RX buffer
// merging, which fills a chain long after it was popped) use this instead
// of FillDescriptorChain, which requires the Chain still in hand.
func WriteGuestBuffer(dev Device, addr uint64, data []byte) error {
	return dev.writeGuest(addr, data)
}

// DescriptorProcessor handles one popped chain and returns the number of
// bytes to publish on the used ring for it.
type DescriptorProcessor func(dev Device, q *Queue, chain *Chain) (written uint32, err error)

// ProcessQueueNotifications drains every chain currently available on q,
// running processor over each and publishing its result. It reports
// whether any chain was processed (callers use that to decide whether to
// call SendNotification).
func ProcessQueueNotifications(dev Device, q *Queue, processor DescriptorProcessor) (bool, error) {
	if !QueueReady(q) {
		return false, nil
	}

	var processed bool
	for {
		chain, err := PopDescChain(dev, q)
		if err != nil {
			return processed, err
		}
		if chain == nil {
			break
		}

		written, err := processor(dev, q, chain)
		if err != nil {
			return processed, err
		}
		if err := AddUsed(dev, q, chain.Head, written); err != nil {
			return processed, err
		}
		processed = true
	}

	return processed, nil
}

// ReadDescriptorChain reads all data out of a read-only chain (a TX/OUT
// descriptor list the guest populated for the device to consume).
func ReadDescriptorChain(dev Device, chain *Chain) ([]byte, error) {
	var data []byte
	for _, desc := range chain.Descriptors {
		if desc.IsWrite() {
			return data, fmt.Errorf("virtio: unexpected writable descriptor in read chain")
		}
		if desc.Length == 0 {
			continue
		}
		buf, err := dev.readGuest(desc.Addr, desc.Length)
		if err != nil {
			return data, err
		}
		data = append(data, buf...)
	}
	return data, nil
}

// FillDescriptorChain writes data into a write-only chain (an RX/IN
// descriptor list the guest supplied for the device to fill). It returns
// (bytesWritten, bytesConsumed): bytesConsumed may be less than len(data)
// if the chain runs out of capacity first.
func FillDescriptorChain(dev Device, chain *Chain, data []byte) (uint32, int, error) {
	var totalWritten uint32
	consumed := 0

	for _, desc := range chain.Descriptors {
		if consumed >= len(data) {
			break
		}
		if !desc.IsWrite() {
			return totalWritten, consumed, fmt.Errorf("virtio: unexpected read-only descriptor in write chain")
		}
		if desc.Length == 0 {
			continue
		}
		remaining := len(data) - consumed
		toCopy := int(desc.Length)
		if toCopy > remaining {
			toCopy = remaining
		}
		if toCopy == 0 {
			continue
		}
		if err := dev.writeGuest(desc.Addr, data[consumed:consumed+toCopy]); err != nil {
			return totalWritten, consumed, err
		}
		totalWritten += uint32(toCopy)
		consumed += toCopy
		if uint32(toCopy) < desc.Length {
			break // descriptor not fully used; data exhausted
		}
	}

	return totalWritten, consumed, nil
}
