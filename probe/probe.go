// Package probe loads the kernel half of netw, attaches it at the six
// TCP/UDP send/recv symbols, and drains the four perf ring buffers it emits
// into.
//
// The kernel object is compiled separately from probe/bpf/netw.c; this
// package loads it from a file at startup.  Every attach failure is
// surfaced: a daemon that silently accounts only half the traffic is worse
// than one that refuses to start.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/mdolmen/netw/event"
	"github.com/mdolmen/netw/metrics"
)

// pollTimeout bounds how long a drain loop can sit in Read without checking
// for cancellation.
const pollTimeout = 200 * time.Millisecond

// kprobes maps kernel symbols to the program names in the object file.
var kprobes = []struct {
	symbol  string
	program string
}{
	{"tcp_sendmsg", "kprobe_tcp_sendmsg"},
	{"tcp_cleanup_rbuf", "kprobe_tcp_cleanup_rbuf"},
	{"udp_sendmsg", "kprobe_udp_sendmsg"},
	{"udp_recvmsg", "kprobe_udp_recvmsg"},
	{"udpv6_sendmsg", "kprobe_udpv6_sendmsg"},
	{"udpv6_recvmsg", "kprobe_udpv6_recvmsg"},
}

// buffers maps perf map names to their decoders.  The buffer an event
// arrives on determines its protocol and address family.
var buffers = []struct {
	name   string
	decode func([]byte) (event.Event, error)
}{
	{"tcp4_events", event.DecodeTCP4},
	{"tcp6_events", event.DecodeTCP6},
	{"udp4_events", event.DecodeUDP4},
	{"udp6_events", event.DecodeUDP6},
}

// Handler receives each decoded event along with the name of the ring
// buffer it came from.
type Handler func(buffer string, e event.Event)

// Manager owns the loaded collection, the kprobe links, and one perf reader
// per ring buffer.
type Manager struct {
	handler Handler

	coll    *ebpf.Collection
	links   []link.Link
	readers []*perf.Reader
}

// NewManager creates a Manager that feeds events to handler.
func NewManager(handler Handler) *Manager {
	return &Manager{handler: handler}
}

// Load reads the compiled object at objPath, attaches all six kprobes, and
// opens the four perf readers.  Any failure unwinds whatever was attached
// and returns an error; partial attachment never survives.
func (m *Manager) Load(objPath string) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return fmt.Errorf("loading collection spec %s: %w", objPath, err)
	}
	m.coll, err = ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("loading collection: %w", err)
	}

	for _, kp := range kprobes {
		prog := m.coll.Programs[kp.program]
		if prog == nil {
			m.Close()
			return fmt.Errorf("program %s missing from %s", kp.program, objPath)
		}
		l, err := link.Kprobe(kp.symbol, prog, nil)
		if err != nil {
			m.Close()
			return fmt.Errorf("attaching %s: %w", kp.symbol, err)
		}
		m.links = append(m.links, l)
	}

	for _, b := range buffers {
		bm := m.coll.Maps[b.name]
		if bm == nil {
			m.Close()
			return fmt.Errorf("map %s missing from %s", b.name, objPath)
		}
		rd, err := perf.NewReader(bm, 64*os.Getpagesize())
		if err != nil {
			m.Close()
			return fmt.Errorf("opening perf reader for %s: %w", b.name, err)
		}
		m.readers = append(m.readers, rd)
	}
	return nil
}

// Run drains all four ring buffers until ctx is cancelled.  It blocks.
func (m *Manager) Run(ctx context.Context) {
	wg := sync.WaitGroup{}
	for i := range m.readers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.drain(ctx, m.readers[i], buffers[i].name, buffers[i].decode)
		}(i)
	}
	wg.Wait()
}

// drain reads one buffer until cancellation.  Reads are bounded by
// pollTimeout so the loop observes ctx at least every 200 ms.
func (m *Manager) drain(ctx context.Context, rd *perf.Reader, name string, decode func([]byte) (event.Event, error)) {
	batch := 0
	for ctx.Err() == nil {
		rd.SetDeadline(time.Now().Add(pollTimeout))
		rec, err := rd.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if batch > 0 {
					metrics.BatchSizeHistogram.Observe(float64(batch))
					batch = 0
				}
				continue
			}
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			log.Println("Reading", name, "failed:", err)
			continue
		}
		if rec.LostSamples > 0 {
			metrics.LostSampleCount.WithLabelValues(name).Add(float64(rec.LostSamples))
		}
		if len(rec.RawSample) == 0 {
			continue
		}
		e, err := decode(rec.RawSample)
		if err != nil {
			metrics.DecodeErrorCount.WithLabelValues(name).Inc()
			log.Println("Undecodable sample on", name, ":", err)
			continue
		}
		metrics.EventCount.WithLabelValues(name).Inc()
		batch++
		m.handler(name, e)
	}
}

// Close detaches the kprobes and releases the readers and maps.  Safe to
// call on a partially loaded Manager.
func (m *Manager) Close() {
	for _, rd := range m.readers {
		rd.Close()
	}
	m.readers = nil
	for _, l := range m.links {
		l.Close()
	}
	m.links = nil
	if m.coll != nil {
		m.coll.Close()
		m.coll = nil
	}
}
