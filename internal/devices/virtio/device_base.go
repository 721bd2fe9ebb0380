package virtio

import "fmt"

// MMIODeviceConfig holds the fixed identity and sizing of an MMIO virtio
// device. Device-specific constants live here to keep them out of the
// transport and handler interfaces.
type MMIODeviceConfig struct {
	DefaultMMIOBase uint64
	DefaultMMIOSize uint64
	DefaultIRQLine  uint32

	DeviceID uint32
	VendorID uint32
	Version  uint32

	QueueCount   int
	QueueMaxSize uint16

	FeatureBits []uint64

	DeviceName string
}

// MMIODeviceBase provides the shared transport plumbing for MMIO virtio
// devices; device structs (Blk, Net) embed it and implement deviceHandler.
type MMIODeviceBase struct {
	dev     Device
	base    uint64
	size    uint64
	irqLine uint32
	config  *MMIODeviceConfig
}

// NewMMIODeviceBase creates an uninitialized MMIODeviceBase at the given
// MMIO window and IRQ line. Call InitBase once the device's handler
// implementation is constructed.
func NewMMIODeviceBase(base, size uint64, irqLine uint32, config *MMIODeviceConfig) MMIODeviceBase {
	return MMIODeviceBase{base: base, size: size, irqLine: irqLine, config: config}
}

// InitBase wires the transport to guest memory, the device's IRQ line, and
// its deviceHandler. It is idempotent: a second call only rebinds mem/irq
// (used when a device is reattached to a freshly constructed VM).
func (b *MMIODeviceBase) InitBase(mem GuestMemory, irq IRQInjector, handler deviceHandler) error {
	if b.config == nil {
		return fmt.Errorf("virtio: device base has no config")
	}
	if b.dev == nil {
		if mem == nil {
			return fmt.Errorf("%s: guest memory is nil", b.config.DeviceName)
		}
		b.dev = newMMIODevice(
			mem, irq, b.base, b.size, b.irqLine,
			b.config.DeviceID, b.config.VendorID, b.config.Version,
			b.config.FeatureBits, handler,
		)
		return nil
	}
	if mmio, ok := b.dev.(*mmioDevice); ok {
		mmio.mem = mem
		mmio.irq = irq
	}
	return nil
}

// ReadMMIO services a guest MMIO load within this device's window.
func (b *MMIODeviceBase) ReadMMIO(addr uint64, data []byte) error {
	dev, err := b.RequireDevice()
	if err != nil {
		return err
	}
	return dev.(*mmioDevice).readMMIO(addr, data)
}

// WriteMMIO services a guest MMIO store within this device's window,
// returning the Action the caller (the VM's MMIO bus) must act on.
func (b *MMIODeviceBase) WriteMMIO(addr uint64, data []byte) (Action, error) {
	dev, err := b.RequireDevice()
	if err != nil {
		return NoAction, err
	}
	return dev.(*mmioDevice).writeMMIO(addr, data)
}

// RequireDevice returns the underlying transport or an error if InitBase
// has not yet been called.
func (b *MMIODeviceBase) RequireDevice() (Device, error) {
	if b.dev == nil {
		return nil, fmt.Errorf("%s: device not initialized", b.config.DeviceName)
	}
	return b.dev, nil
}

// Device returns the underlying device transport.
func (b *MMIODeviceBase) Device() Device {
	return b.dev
}

// NumQueues implements deviceHandler (returns config value).
func (b *MMIODeviceBase) NumQueues() int {
	return b.config.QueueCount
}

// QueueMaxSize implements deviceHandler (returns config value).
func (b *MMIODeviceBase) QueueMaxSize(queue int) uint16 {
	return b.config.QueueMaxSize
}

// Base returns the MMIO base address.
func (b *MMIODeviceBase) Base() uint64 {
	return b.base
}

// Size returns the MMIO region size.
func (b *MMIODeviceBase) Size() uint64 {
	return b.size
}

// IRQLine returns the IRQ line this device's interrupts are wired to.

func (b *MMIODeviceBase) IRQLine() uint32 {
	return b.irqLine
}

// Stoppable is implemented by devices that own background resources (TAP
// file descriptors, io_uring rings) that must be torn down explicitly.
type Stoppable interface {
	Stop() error
}
