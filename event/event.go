// Package event defines the fixed-layout records emitted by the kernel
// probes, and decodes raw ring-buffer samples into typed events.
//
// There is one record layout per address family.  The layouts mirror the
// structs in probe/bpf/netw.c byte for byte, and the decoder reads them the
// same way the kernel wrote them: a length check followed by a pointer cast.
// No parsing, no allocation.
package event

import (
	"errors"
	"net/netip"
	"unsafe"
)

// Protocol identifies the transport protocol of a link.  The numeric values
// are stored in the protocols table of the on-disk store, so they must not be
// reordered.
type Protocol uint8

const (
	TCP Protocol = iota
	UDP
	NONE
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	}
	return "NONE"
}

// RawV4 is the binary layout of an IPv4 probe record, as in
// probe/bpf/netw.c.  Addresses are in network byte order; ports and sizes are
// host order.
type RawV4 struct {
	PID   uint32
	SAddr uint32
	DAddr uint32
	LPort uint16
	DPort uint16
	Size  uint32
	IsRX  uint32
}

// RawV6 is the binary layout of an IPv6 probe record.  The 16-byte addresses
// come first because the kernel struct leads with two unsigned __int128
// fields, which forces 16-byte alignment.
type RawV6 struct {
	SAddr [16]byte
	DAddr [16]byte
	PID   uint32
	LPort uint16
	DPort uint16
	Size  uint32
	IsRX  uint32
}

// Sizes of the wire records.  The decoder rejects anything smaller; the perf
// subsystem may pad samples, so larger is fine.
const (
	SizeofRawV4 = int(unsafe.Sizeof(RawV4{}))
	SizeofRawV6 = int(unsafe.Sizeof(RawV6{}))
)

// ErrRecordTooShort means the sample cannot hold the expected record.  This
// indicates a layout mismatch between the probe and the decoder and should
// never happen with a matched pair.
var ErrRecordTooShort = errors.New("perf sample shorter than record layout")

// Event is one decoded probe record.  Protocol and address family are
// determined by which ring buffer the sample arrived on, not by the record
// itself.
type Event struct {
	PID   uint32
	Proto Protocol
	SAddr netip.Addr
	DAddr netip.Addr
	LPort uint16
	DPort uint16
	Size  int64
	RX    bool
}

// ipv4Addr converts a network-byte-order u32, as read into a host-order
// field, back into an address.  The bytes of the field are already in wire
// order in memory.
func ipv4Addr(a uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(a), byte(a >> 8), byte(a >> 16), byte(a >> 24)})
}

func decodeV4(raw []byte, proto Protocol) (Event, error) {
	if len(raw) < SizeofRawV4 {
		return Event{}, ErrRecordTooShort
	}
	r := (*RawV4)(unsafe.Pointer(&raw[0]))
	return Event{
		PID:   r.PID,
		Proto: proto,
		SAddr: ipv4Addr(r.SAddr),
		DAddr: ipv4Addr(r.DAddr),
		LPort: r.LPort,
		DPort: r.DPort,
		Size:  int64(r.Size),
		RX:    r.IsRX == 1,
	}, nil
}

func decodeV6(raw []byte, proto Protocol) (Event, error) {
	if len(raw) < SizeofRawV6 {
		return Event{}, ErrRecordTooShort
	}
	r := (*RawV6)(unsafe.Pointer(&raw[0]))
	return Event{
		PID:   r.PID,
		Proto: proto,
		SAddr: netip.AddrFrom16(r.SAddr),
		DAddr: netip.AddrFrom16(r.DAddr),
		LPort: r.LPort,
		DPort: r.DPort,
		Size:  int64(r.Size),
		RX:    r.IsRX == 1,
	}, nil
}

// One decode entry point per ring buffer.

// DecodeTCP4 decodes a sample from the tcp4 ring buffer.
func DecodeTCP4(raw []byte) (Event, error) { return decodeV4(raw, TCP) }

// DecodeTCP6 decodes a sample from the tcp6 ring buffer.
func DecodeTCP6(raw []byte) (Event, error) { return decodeV6(raw, TCP) }

// DecodeUDP4 decodes a sample from the udp4 ring buffer.
func DecodeUDP4(raw []byte) (Event, error) { return decodeV4(raw, UDP) }

// DecodeUDP6 decodes a sample from the udp6 ring buffer.
func DecodeUDP6(raw []byte) (Event, error) { return decodeV6(raw, UDP) }
