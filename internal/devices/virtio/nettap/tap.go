package nettap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifNameSize = 0x10

	// TUN ioctl numbers; not exposed by golang.org/x/sys/unix on every GOOS,
	// so hand-derived here against the Linux if_tun.h UAPI (_IOW('T', ...)).
	tunSetIff        = 0x400454ca
	tunSetOffload    = 0x400454d0
	tunSetVnetHdrSz  = 0x400454d8

	iffTap      = 0x0002
	iffNoPI     = 0x1000
	iffVnetHdr  = 0x4000

	// TUN_F_* offload bits accepted by TUNSETOFFLOAD.
	tunFCsum = 1 << 0
	tunFTso4 = 1 << 1
	tunFTso6 = 1 << 2
	tunFUfo  = 1 << 4
)

type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// device wraps the /dev/net/tun character device bound to one TAP
// interface in VNET_HDR mode: every frame read or written is prefixed
// with a virtio_net_hdr_v1.
type device struct {
	fd         int
	vnetHdrLen int
}

// openTAP opens /dev/net/tun, binds it to a TAP interface named name (or
// kernel-assigned if empty), and configures it for virtio_net_hdr framing
// of the given header length.
func openTAP(name string, vnetHdrLen int) (*device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("nettap: open /dev/net/tun: %w", err)
	}

	ifr := ifReq{flags: iffTap | iffNoPI | iffVnetHdr}
	copy(ifr.name[:ifNameSize-1], name)
	if err := ioctl(fd, tunSetIff, uintptr(unsafe.Pointer(&ifr))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nettap: TUNSETIFF: %w", err)
	}
	if err := ioctl(fd, tunSetVnetHdrSz, uintptr(vnetHdrLen)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nettap: TUNSETVNETHDRSZ: %w", err)
	}

	return &device{fd: fd, vnetHdrLen: vnetHdrLen}, nil
}

// setOffload translates negotiated GUEST_CSUM/GUEST_TSO4/GUEST_TSO6/
// GUEST_UFO bits into a TUNSETOFFLOAD call.
func (d *device) setOffload(bits uint32) error {
	return ioctl(d.fd, tunSetOffload, uintptr(bits))
}

func (d *device) read(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err == unix.EAGAIN {
		return 0, errWouldBlock
	}
	return n, err
}

func (d *device) write(buf []byte) (int, error) {
	n, err := unix.Write(d.fd, buf)
	if err == unix.EAGAIN {
		return 0, errWouldBlock
	}
	return n, err
}

func (d *device) close() error {
	return unix.Close(d.fd)
}

func ioctl(fd int, op uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
