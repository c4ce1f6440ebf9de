package probe

import (
	"testing"
	"unsafe"

	"github.com/mdolmen/netw/event"
)

func TestBufferTableConsistency(t *testing.T) {
	if len(buffers) != 4 {
		t.Fatal("there must be exactly four ring buffers, got", len(buffers))
	}
	seen := make(map[string]bool)
	for _, b := range buffers {
		if seen[b.name] {
			t.Error("duplicate buffer name", b.name)
		}
		seen[b.name] = true
		if b.decode == nil {
			t.Error("buffer", b.name, "has no decoder")
		}
	}
	if len(kprobes) != 6 {
		t.Fatal("there must be exactly six kprobes, got", len(kprobes))
	}
}

func TestBufferDecoderTagging(t *testing.T) {
	// The buffer an event arrives on determines protocol and family.
	raw4 := event.RawV4{PID: 1, Size: 10, IsRX: 1}
	b4 := unsafe.Slice((*byte)(unsafe.Pointer(&raw4)), event.SizeofRawV4)
	raw6 := event.RawV6{PID: 1, Size: 10, IsRX: 1}
	b6 := unsafe.Slice((*byte)(unsafe.Pointer(&raw6)), event.SizeofRawV6)

	want := map[string]event.Protocol{
		"tcp4_events": event.TCP,
		"tcp6_events": event.TCP,
		"udp4_events": event.UDP,
		"udp6_events": event.UDP,
	}
	for _, b := range buffers {
		raw := b4
		if b.name == "tcp6_events" || b.name == "udp6_events" {
			raw = b6
		}
		e, err := b.decode(raw)
		if err != nil {
			t.Fatal(b.name, "decode failed:", err)
		}
		if e.Proto != want[b.name] {
			t.Error(b.name, "tagged protocol", e.Proto, "want", want[b.name])
		}
	}
}

func TestCloseBeforeLoad(t *testing.T) {
	// Close must be safe on a Manager that never loaded anything.
	NewManager(func(string, event.Event) {}).Close()
}

func TestLoadMissingObject(t *testing.T) {
	m := NewManager(func(string, event.Event) {})
	if err := m.Load("/nonexistent/netw.o"); err == nil {
		t.Error("loading a missing object must fail")
	}
}
