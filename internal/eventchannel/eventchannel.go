// Package eventchannel wraps a Linux eventfd as the kernel-counted binary
// semaphore used throughout the virtio device plane for driver-to-device
// kicks and device-to-driver interrupts.
package eventchannel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Drain when the channel is non-blocking and the
// counter is currently zero; it marks an empty channel, not a failure.
var ErrWouldBlock = errors.New("eventchannel: would block")

// Channel is a single eventfd-backed counted semaphore. It is owned
// exclusively by its creator and registered with the (excluded) event loop
// as read-only or write-only, never both.
type Channel struct {
	fd int
}

// New creates a new non-blocking, non-semaphore-mode eventfd: each write(n)
// adds n to the kernel counter, and a read drains and returns the whole
// counter value in one shot.
func New() (*Channel, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventchannel: eventfd: %w", err)
	}
	return &Channel{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for registration with the
// (excluded) event loop or with KVM ioeventfd/irqfd/vhost-net ioctls.
func (c *Channel) Fd() int { return c.fd }

// Signal adds n to the counter (a kick or an interrupt assertion).
func (c *Channel) Signal(n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := unix.Write(c.fd, buf[:])
	if err != nil {
		return fmt.Errorf("eventchannel: write: %w", err)
	}
	return nil
}

// Drain reads and clears the counter, returning its value. On a
// non-blocking channel with a zero counter it returns ErrWouldBlock.
func (c *Channel) Drain() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("eventchannel: read: %w", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("eventchannel: short read of %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases the underlying file descriptor.
func (c *Channel) Close() error {
	return unix.Close(c.fd)
}
