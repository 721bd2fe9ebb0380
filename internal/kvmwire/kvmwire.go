// Package kvmwire binds virtqueue kick/call file descriptors to a guest via
// KVM's ioeventfd and irqfd facilities: the transport registers one
// ioeventfd per queue doorbell and one irqfd bound to the device's IRQ
// line, so the guest's MMIO kick and the device's interrupt both cross the
// vCPU boundary without a userspace trap. VM lifecycle and vCPU setup are
// owned elsewhere (excluded); this package only issues the two KVM ioctls
// against a VM file descriptor handed to it by the caller.
//
// Ioctl numbers follow the real Linux KVM UAPI encoding (_IOW(KVMIO, nr,
// type)), hand-written as literal constants in the style of
// bobuhiro11/gokvm's kvm/kvm.go rather than generated from cgo headers.
package kvmwire

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmvirtio/internal/eventchannel"
)

const (
	// kvmIoeventfd is _IOW(KVMIO, 0x79, struct kvm_ioeventfd); the struct is
	// 64 bytes (datamatch u64, addr u64, len u32, fd s32, flags u32, pad[36]).
	kvmIoeventfd = 0x4040AE79
	// kvmIrqfd is _IOW(KVMIO, 0x76, struct kvm_irqfd); the struct is 32
	// bytes (fd u32, gsi u32, flags u32, resamplefd u32, pad[16]).
	kvmIrqfd = 0x4020AE76

	// kvmIoeventfdFlagDatamatch requires addr/len/datamatch to match exactly
	// on the guest's MMIO write before the eventfd is signaled.
	kvmIoeventfdFlagDatamatch = 1 << 0
	// kvmIoeventfdFlagDeassign removes a previously registered ioeventfd.
	kvmIoeventfdFlagDeassign = 1 << 2
)

type kvmIoeventfdStruct struct {
	datamatch uint64
	addr      uint64
	length    uint32
	fd        int32
	flags     uint32
	pad       [36]byte
}

type kvmIrqfdStruct struct {
	fd         uint32
	gsi        uint32
	flags      uint32
	resamplefd uint32
	pad        [16]byte
}

// BindDoorbell registers ch to be signaled whenever the guest performs a
// 4-byte write of value at the doorbell MMIO address addr — matching on a
// 32-bit write of the queue index at the QUEUE_NOTIFY offset. vmFd is the
// KVM VM file descriptor, owned and supplied by the excluded VM lifecycle.
// ch is an eventchannel.Channel rather than a bare fd so that every
// ioeventfd/irqfd registration in the tree goes through the same
// counted-semaphore wrapper the rest of the device plane uses for kicks and
// interrupts.
func BindDoorbell(vmFd int, addr uint64, value uint32, ch *eventchannel.Channel) error {
	req := kvmIoeventfdStruct{
		datamatch: uint64(value),
		addr:      addr,
		length:    4,
		fd:        int32(ch.Fd()),
		flags:     kvmIoeventfdFlagDatamatch,
	}
	if err := ioctl(vmFd, kvmIoeventfd, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("kvmwire: KVM_IOEVENTFD bind addr=%#x value=%d: %w", addr, value, err)
	}
	return nil
}

// UnbindDoorbell reverses a prior BindDoorbell registration. Used when a
// device is reset and its queues are disabled.
func UnbindDoorbell(vmFd int, addr uint64, value uint32, ch *eventchannel.Channel) error {
	req := kvmIoeventfdStruct{
		datamatch: uint64(value),
		addr:      addr,
		length:    4,
		fd:        int32(ch.Fd()),
		flags:     kvmIoeventfdFlagDatamatch | kvmIoeventfdFlagDeassign,
	}
	if err := ioctl(vmFd, kvmIoeventfd, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("kvmwire: KVM_IOEVENTFD unbind addr=%#x value=%d: %w", addr, value, err)
	}
	return nil
}

// BindIRQ registers ch so that a signal on it raises the guest interrupt
// line gsi (the global system interrupt number for the device's IRQ line).
func BindIRQ(vmFd int, gsi uint32, ch *eventchannel.Channel) error {
	req := kvmIrqfdStruct{fd: uint32(ch.Fd()), gsi: gsi}
	if err := ioctl(vmFd, kvmIrqfd, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("kvmwire: KVM_IRQFD bind gsi=%d: %w", gsi, err)
	}
	return nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
