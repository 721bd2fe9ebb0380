package virtio

import (
	"fmt"
	"sync"
)

// fakeGuestMemory is a byte-addressable map-backed GuestMemory for tests:
// simple and slow, which is fine at test sizes.
type fakeGuestMemory struct {
	mu   sync.Mutex
	mem  map[int64]byte
}

func newFakeGuestMemory() *fakeGuestMemory {
	return &fakeGuestMemory{mem: make(map[int64]byte)}
}

func (f *fakeGuestMemory) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range p {
		p[i] = f.mem[off+int64(i)]
	}
	return len(p), nil
}

func (f *fakeGuestMemory) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range p {
		f.mem[off+int64(i)] = b
	}
	return len(p), nil
}

// fakeIRQ records every level transition raised against it.
type fakeIRQ struct {
	mu      sync.Mutex
	pulses  []bool
}

func (f *fakeIRQ) SetIRQ(line uint32, level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = append(f.pulses, level)
	return nil
}

func (f *fakeIRQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulses)
}

// testHandler is a minimal deviceHandler with one queue and no config
// space, enough to drive the transport's register and ring behavior in
// isolation from any real device (Blk, Net).
type testHandler struct {
	queueMaxSize uint16
	notified     []int
}

func newTestHandler(queueMaxSize uint16) *testHandler {
	return &testHandler{queueMaxSize: queueMaxSize}
}

func (h *testHandler) NumQueues() int                  { return 1 }
func (h *testHandler) QueueMaxSize(int) uint16         { return h.queueMaxSize }
func (h *testHandler) OnReset(Device)                  {}
func (h *testHandler) OnQueueNotify(dev Device, queue int) error {
	h.notified = append(h.notified, queue)
	return nil
}
func (h *testHandler) ReadConfig(dev Device, offset uint64) (uint32, bool, error) {
	return 0, false, nil
}
func (h *testHandler) WriteConfig(dev Device, offset uint64, value uint32) (bool, error) {
	return false, nil
}

// newTestDevice builds an MMIODeviceBase wired to fresh fake memory and
// IRQ, with the given device/feature bits and one queue of queueMaxSize.
func newTestDevice(deviceID uint32, featureBits uint64, queueMaxSize uint16) (*MMIODeviceBase, *testHandler, *fakeGuestMemory, *fakeIRQ) {
	mem := newFakeGuestMemory()
	irq := &fakeIRQ{}
	handler := newTestHandler(queueMaxSize)
	config := &MMIODeviceConfig{
		DefaultMMIOBase: 0x1000,
		DefaultMMIOSize: 0x200,
		DefaultIRQLine:  5,
		DeviceID:        deviceID,
		VendorID:        0x1af4,
		Version:         2,
		QueueCount:      1,
		QueueMaxSize:    queueMaxSize,
		FeatureBits:     []uint64{featureBits},
		DeviceName:      "test-device",
	}
	base := NewMMIODeviceBase(config.DefaultMMIOBase, config.DefaultMMIOSize, config.DefaultIRQLine, config)
	if err := base.InitBase(mem, irq, handler); err != nil {
		panic(fmt.Sprintf("InitBase: %v", err))
	}
	return &base, handler, mem, irq
}

func putU32(b *MMIODeviceBase, reg uint64, value uint32) (Action, error) {
	var buf [4]byte
	buf[0] = byte(value)
	buf[1] = byte(value >> 8)
	buf[2] = byte(value >> 16)
	buf[3] = byte(value >> 24)
	return b.WriteMMIO(b.Base()+reg, buf[:])
}

func getU32(b *MMIODeviceBase, reg uint64) uint32 {
	var buf [4]byte
	if err := b.ReadMMIO(b.Base()+reg, buf[:]); err != nil {
		panic(err)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}
