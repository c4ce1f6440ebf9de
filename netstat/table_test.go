package netstat_test

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"reflect"
	"sync"
	"testing"

	"github.com/mdolmen/netw/event"
	"github.com/mdolmen/netw/netstat"
)

// fakeEnricher resolves names locally and delivers domains synchronously,
// which exercises the requirement that ResolveDomain is invoked off the
// table lock.
type fakeEnricher struct {
	mu       sync.Mutex
	domain   string
	resolved []netip.Addr
}

func (f *fakeEnricher) Comm(pid uint32) string {
	return fmt.Sprintf("proc-%d", pid)
}

func (f *fakeEnricher) ResolveDomain(daddr netip.Addr, dport uint16, set func(string)) {
	f.mu.Lock()
	f.resolved = append(f.resolved, daddr)
	f.mu.Unlock()
	if f.domain != "" {
		set(f.domain)
	}
}

func tcp4Event(pid uint32, size int64, rx bool) event.Event {
	return event.Event{
		PID:   pid,
		Proto: event.TCP,
		SAddr: netip.MustParseAddr("192.168.1.2"),
		DAddr: netip.MustParseAddr("10.10.100.200"),
		LPort: 4321,
		DPort: 80,
		Size:  size,
		RX:    rx,
	}
}

func TestIngestOneProcessTwoDirections(t *testing.T) {
	table := netstat.NewTable(&fakeEnricher{})

	table.Ingest(tcp4Event(1234, 56789, true))
	table.Ingest(tcp4Event(1234, 567890, false))

	procs := table.Clone()
	if len(procs) != 1 {
		t.Fatal("number of processes incorrect:", len(procs))
	}
	p := procs[0]
	if p.PID != 1234 {
		t.Error("pid incorrect:", p.PID)
	}
	if p.Name != "proc-1234" {
		t.Error("process name incorrect:", p.Name)
	}
	if p.RX != 56789 || p.TX != 567890 {
		t.Error("process counters incorrect:", p.RX, p.TX)
	}
	if len(p.TCP) != 1 || len(p.UDP) != 0 {
		t.Fatal("link lists incorrect:", len(p.TCP), len(p.UDP))
	}
	l := p.TCP[0]
	if l.SAddr != netip.MustParseAddr("192.168.1.2") {
		t.Error("source ip address incorrect:", l.SAddr)
	}
	if l.DAddr != netip.MustParseAddr("10.10.100.200") {
		t.Error("destination ip address incorrect:", l.DAddr)
	}
	if l.LPort != 4321 || l.DPort != 80 {
		t.Error("ports incorrect:", l.LPort, l.DPort)
	}
	if l.RX != 56789 || l.TX != 567890 {
		t.Error("link counters incorrect:", l.RX, l.TX)
	}
	if l.Proto != event.TCP {
		t.Error("protocol incorrect:", l.Proto)
	}
}

func TestIngestTwoProcessesOneTuple(t *testing.T) {
	table := netstat.NewTable(&fakeEnricher{})

	table.Ingest(tcp4Event(1234, 56789, true))
	table.Ingest(tcp4Event(5678, 56789, false))

	procs := table.Clone()
	if len(procs) != 2 {
		t.Fatal("number of processes incorrect:", len(procs))
	}
	for _, p := range procs {
		if len(p.TCP) != 1 {
			t.Error("process", p.PID, "should have one TCP link, has", len(p.TCP))
		}
	}
}

func TestIngestIPv6(t *testing.T) {
	table := netstat.NewTable(&fakeEnricher{})
	addr := netip.MustParseAddr("fe80::4c9f:5cff:fedc:82c9")
	e := event.Event{
		PID: 1234, Proto: event.TCP,
		SAddr: addr, DAddr: addr,
		LPort: 4321, DPort: 80,
		Size: 56789, RX: true,
	}
	table.Ingest(e)
	e.Size, e.RX = 567890, false
	table.Ingest(e)

	procs := table.Clone()
	if len(procs) != 1 {
		t.Fatal("number of processes incorrect:", len(procs))
	}
	p := procs[0]
	if len(p.TCP) != 1 {
		t.Fatal("should be one IPv6 TCP link, got", len(p.TCP))
	}
	if p.TCP[0].SAddr != addr || p.TCP[0].DAddr != addr {
		t.Error("addresses incorrect:", p.TCP[0].SAddr, p.TCP[0].DAddr)
	}
	if p.RX != 56789 || p.TX != 567890 {
		t.Error("process counters incorrect:", p.RX, p.TX)
	}
	if p.TCP[0].RX != 56789 || p.TCP[0].TX != 567890 {
		t.Error("link counters incorrect:", p.TCP[0].RX, p.TCP[0].TX)
	}
}

func TestIngestUDPGoesToUDPList(t *testing.T) {
	table := netstat.NewTable(&fakeEnricher{})
	e := tcp4Event(1234, 56789, true)
	e.Proto = event.UDP
	table.Ingest(e)
	e.Size, e.RX = 567890, false
	table.Ingest(e)

	procs := table.Clone()
	if len(procs) != 1 {
		t.Fatal("number of processes incorrect:", len(procs))
	}
	p := procs[0]
	if len(p.UDP) != 1 || len(p.TCP) != 0 {
		t.Fatal("UDP link landed in the wrong list:", len(p.TCP), len(p.UDP))
	}
	if p.RX != 56789 || p.TX != 567890 {
		t.Error("process counters incorrect:", p.RX, p.TX)
	}
}

func TestIngestSameTupleBothProtocols(t *testing.T) {
	// The same 5-tuple under TCP and UDP is two distinct links.
	table := netstat.NewTable(&fakeEnricher{})
	table.Ingest(tcp4Event(1234, 100, true))
	e := tcp4Event(1234, 200, true)
	e.Proto = event.UDP
	table.Ingest(e)

	p := table.Clone()[0]
	if len(p.TCP) != 1 || len(p.UDP) != 1 {
		t.Fatal("expected one link per protocol:", len(p.TCP), len(p.UDP))
	}
	if p.TCP[0].RX != 100 || p.UDP[0].RX != 200 {
		t.Error("per-protocol counters incorrect:", p.TCP[0].RX, p.UDP[0].RX)
	}
}

func TestCounterConservation(t *testing.T) {
	table := netstat.NewTable(&fakeEnricher{})
	sizes := []int64{1, 10, 100, 1000, 10000}
	var wantRX, wantTX int64
	for i, s := range sizes {
		rx := i%2 == 0
		table.Ingest(tcp4Event(1234, s, rx))
		if rx {
			wantRX += s
		} else {
			wantTX += s
		}
	}
	p := table.Clone()[0]
	if p.RX != wantRX || p.TX != wantTX {
		t.Error("process counters incorrect:", p.RX, p.TX)
	}
	if p.TCP[0].RX != wantRX || p.TCP[0].TX != wantTX {
		t.Error("link counters incorrect:", p.TCP[0].RX, p.TCP[0].TX)
	}
}

func TestDomainResolution(t *testing.T) {
	enr := &fakeEnricher{domain: "example.com"}
	table := netstat.NewTable(enr)

	table.Ingest(tcp4Event(1234, 10, true))
	if len(enr.resolved) != 1 {
		t.Fatal("expected one resolution request, got", len(enr.resolved))
	}
	if d := table.Clone()[0].TCP[0].Domain; d != "example.com" {
		t.Error("domain incorrect:", d)
	}

	// A second event on the same tuple must not trigger another lookup.
	table.Ingest(tcp4Event(1234, 10, true))
	if len(enr.resolved) != 1 {
		t.Error("existing link re-resolved")
	}
}

func TestSetLinkDomainFirstWins(t *testing.T) {
	table := netstat.NewTable(netstat.NullEnricher())
	e := tcp4Event(1234, 10, true)
	table.Ingest(e)

	table.SetLinkDomain(e.PID, e.Proto, e.SAddr, e.DAddr, e.LPort, e.DPort, "first.example")
	table.SetLinkDomain(e.PID, e.Proto, e.SAddr, e.DAddr, e.LPort, e.DPort, "second.example")
	if d := table.Clone()[0].TCP[0].Domain; d != "first.example" {
		t.Error("first resolution should win, got", d)
	}

	// Unknown pids and tuples are dropped silently.
	table.SetLinkDomain(9999, e.Proto, e.SAddr, e.DAddr, e.LPort, e.DPort, "nope.example")
}

func TestCloneIsDeep(t *testing.T) {
	table := netstat.NewTable(netstat.NullEnricher())
	table.Ingest(tcp4Event(1234, 10, true))

	snap := table.Clone()
	table.Ingest(tcp4Event(1234, 90, true))

	if snap[0].RX != 10 {
		t.Error("clone mutated by later ingest:", snap[0].RX)
	}
	snap[0].TCP[0].RX = 12345
	if table.Clone()[0].TCP[0].RX == 12345 {
		t.Error("table mutated through clone")
	}
	a, err := json.Marshal(table.Clone())
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(table.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("back-to-back clones differ:\n%s\n%s", a, b)
	}
}

func TestNullEnricherName(t *testing.T) {
	table := netstat.NewTable(nil)
	table.Ingest(tcp4Event(42, 1, true))
	if name := table.Clone()[0].Name; name != "file not found" {
		t.Error("sentinel name incorrect:", name)
	}
}

func TestEvict(t *testing.T) {
	table := netstat.NewTable(netstat.NullEnricher())
	table.Ingest(tcp4Event(1, 1, true))
	table.Ingest(tcp4Event(2, 1, true))
	table.Ingest(tcp4Event(3, 1, true))

	n := table.Evict(func(pid uint32) bool { return pid == 2 })
	if n != 2 {
		t.Error("evicted count incorrect:", n)
	}
	procs := table.Clone()
	if len(procs) != 1 || procs[0].PID != 2 {
		t.Error("wrong survivor:", procs)
	}
}

func TestOverviewStrings(t *testing.T) {
	table := netstat.NewTable(&fakeEnricher{})
	table.Ingest(tcp4Event(1234, 1536, true))
	p := table.Clone()[0]
	if got := p.Overview(); got != "proc-1234 (1234)" {
		t.Error("overview incorrect:", got)
	}
	if got := p.DataAmount(); got != " RX:1.50KB TX:0.00B" {
		t.Error("data amount incorrect:", got)
	}
	want := "    TCP 192.168.1.2:4321 <-> 10.10.100.200:80 RX: 1.50KB TX: 0.00B"
	if got := p.TCP[0].String(); got != want {
		t.Errorf("link string incorrect:\n got %q\nwant %q", got, want)
	}
}
