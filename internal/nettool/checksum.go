// Package nettool provides the Internet-checksum and header-parsing helpers
// used by the in-process net backend's guest-checksum-offload path
// (VIRTIO_NET_HDR_F_NEEDS_CSUM). It is a thin wrapper over gvisor's tcpip
// header package.
package nettool

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
)

// ApplyChecksum fills in a partially-computed checksum field inside packet,
// per the virtio_net_hdr_v1 csum_start/csum_offset fields: the device must
// compute the checksum of packet[csumStart:] (treating the existing
// checksum field as zero) and write it at packet[csumStart+csumOffset:].
//
// For IPv4/IPv6 TCP/UDP payloads this includes the pseudo-header; for any
// other protocol it falls back to a plain one's-complement sum of the
// payload, matching virtio's "the driver doesn't know or care what protocol
// this is" contract.
func ApplyChecksum(csumStart, csumOffset int, packet []byte) error {
	if csumStart < 0 || csumStart > len(packet) {
		return fmt.Errorf("nettool: checksum start %d out of range (packet len %d)", csumStart, len(packet))
	}
	checksumPos := csumStart + csumOffset
	if checksumPos < 0 || checksumPos+2 > len(packet) {
		return fmt.Errorf("nettool: checksum offset %d out of range", checksumPos)
	}
	packet[checksumPos] = 0
	packet[checksumPos+1] = 0

	if len(packet) < 14 {
		return fmt.Errorf("nettool: packet too small for ethernet header: %d", len(packet))
	}
	ethType := uint16(packet[12])<<8 | uint16(packet[13])

	var sum uint16
	switch ethType {
	case etherTypeIPv4:
		if len(packet) < 34 {
			return fmt.Errorf("nettool: ipv4 packet too small: %d", len(packet))
		}
		ipv4 := header.IPv4(packet[14:])
		payload := packet[csumStart:]
		pseudo := header.PseudoHeaderChecksum(ipv4.TransportProtocol(), ipv4.SourceAddress(), ipv4.DestinationAddress(), uint16(len(payload)))
		sum = header.Checksum(payload, pseudo)
	case etherTypeIPv6:
		if len(packet) < 54 {
			return fmt.Errorf("nettool: ipv6 packet too small: %d", len(packet))
		}
		ipv6 := header.IPv6(packet[14:])
		payload := packet[csumStart:]
		pseudo := header.PseudoHeaderChecksum(ipv6.TransportProtocol(), ipv6.SourceAddress(), ipv6.DestinationAddress(), uint16(len(payload)))
		sum = header.Checksum(payload, pseudo)
	default:
		sum = header.Checksum(packet[csumStart:], 0)
	}

	checksum := ^sum
	if checksum == 0 {
		checksum = 0xffff
	}
	packet[checksumPos] = byte(checksum >> 8)
	packet[checksumPos+1] = byte(checksum)
	return nil
}
