// Package socket opens the raw, promiscuous layer-2 socket the core sends
// and receives EtherCAT frames over. This is one of the "external
// collaborators" the design treats as out of scope for the core itself
// (physical/datalink encoding is assumed pre-existing); it is kept here
// only as a thin adapter whose file descriptor the driver registers with
// the I/O ring and closes on shutdown.
package socket

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EtherTypeECAT is the EtherCAT EtherType (0x88A4).
const EtherTypeECAT = 0x88A4

// htons converts a host-order uint16 to network order, as required by
// AF_PACKET's protocol argument.
func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// Raw is a raw AF_PACKET/SOCK_RAW socket bound to one interface.
type Raw struct {
	fd        int
	ifindex   int
	ifaceName string
	mtu       int
}

// Open creates a raw socket bound to ifaceName, promiscuous, filtering on
// the EtherCAT EtherType.
func Open(ifaceName string) (*Raw, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(EtherTypeECAT)))
	if err != nil {
		return nil, fmt.Errorf("socket: open raw socket: %w", err)
	}

	idx, err := interfaceIndex(fd, ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(EtherTypeECAT),
		Ifindex:  idx,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: bind to %s: %w", ifaceName, err)
	}

	if err := setPromiscuous(fd, idx); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: enable promiscuous mode on %s: %w", ifaceName, err)
	}

	mtu, err := queryMTU(fd, ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Raw{fd: fd, ifindex: idx, ifaceName: ifaceName, mtu: mtu}, nil
}

func interfaceIndex(fd int, name string) (int, error) {
	req, err := unix.NewIfreq(name)
	if err != nil {
		return 0, fmt.Errorf("socket: %s: %w", name, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, req); err != nil {
		return 0, fmt.Errorf("socket: SIOCGIFINDEX %s: %w", name, err)
	}
	return int(req.Uint32()), nil
}

func queryMTU(fd int, name string) (int, error) {
	req, err := unix.NewIfreq(name)
	if err != nil {
		return 0, fmt.Errorf("socket: %s: %w", name, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFMTU, req); err != nil {
		return 0, fmt.Errorf("socket: SIOCGIFMTU %s: %w", name, err)
	}
	return int(req.Uint32()), nil
}

func setPromiscuous(fd, ifindex int) error {
	mreq := unix.PacketMreq{
		Ifindex: int32(ifindex),
		Type:    unix.PACKET_MR_PROMISC,
	}
	return unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq)
}

// FD returns the underlying file descriptor, for handing to the ring's
// Write/multi-shot-Recv opcodes.
func (r *Raw) FD() int32 { return int32(r.fd) }

// MTU returns the interface's negotiated MTU.
func (r *Raw) MTU() int { return r.mtu }

// Close releases the socket.
func (r *Raw) Close() error {
	return unix.Close(r.fd)
}
