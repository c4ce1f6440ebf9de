// Package netstat owns the in-memory model of processes and their network
// links, and merges decoded probe events into it.
//
// The model is a single table guarded by one mutex.  The ring-buffer poller
// mutates it through Ingest, and every consumer (snapshotter, UI) takes a
// deep copy through Clone before doing anything slow.  Lookups are linear
// scans in insertion order; the table typically holds tens of processes with
// a handful of links each, and the scan is cheaper than maintaining an index
// would be.
package netstat

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/mdolmen/netw/event"
)

// Date is a calendar day packed as YYYYMMDD.  Packing year first keeps the
// integer ordering identical to the calendar ordering, which the store relies
// on when sorting date rows.
type Date int

// DateOf packs the calendar day of t.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date(y*10000 + int(m)*100 + d)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", int(d)/10000, int(d)/100%100, int(d)%100)
}

// Link is one direction-agnostic 5-tuple scoped to a process, with cumulative
// byte counters for each direction.  Domain holds the reverse-resolved name
// of the destination, set at most once, through the Enricher's ResolveDomain
// callback.  The table asks for every new link; which destinations get
// resolved is up to the Enricher (enrich.Resolver only looks up globally
// routable ones).
type Link struct {
	SAddr  netip.Addr
	DAddr  netip.Addr
	LPort  uint16
	DPort  uint16
	Proto  event.Protocol
	RX     int64
	TX     int64
	Domain string
}

func (l *Link) addData(size int64, rx bool) {
	if rx {
		l.RX += size
	} else {
		l.TX += size
	}
}

// sameTuple reports whether l matches the 5-tuple of e.  The protocol is
// implied: links are stored in per-protocol lists, so two links in the same
// list with equal addresses and ports are the same link.
func (l *Link) sameTuple(e *event.Event) bool {
	return l.SAddr == e.SAddr && l.DAddr == e.DAddr &&
		l.LPort == e.LPort && l.DPort == e.DPort
}

func (l *Link) String() string {
	dest := l.DAddr.String()
	if l.Domain != "" {
		dest = l.Domain
	}
	rx, rxU := GroupBytes(l.RX)
	tx, txU := GroupBytes(l.TX)
	return fmt.Sprintf("    %s %s:%d <-> %s:%d RX: %.2f%s TX: %.2f%s",
		l.Proto, l.SAddr, l.LPort, dest, l.DPort, rx, rxU, tx, txU)
}

func (l *Link) clone() *Link {
	out := *l
	return &out
}

// Process is one accounted process: its identity, cumulative counters across
// all links and directions, and its TCP and UDP link lists.  The name is read
// once, on first sighting; the counters only grow.
type Process struct {
	PID  uint32
	Name string
	Date Date
	RX   int64
	TX   int64
	TCP  []*Link
	UDP  []*Link
}

func (p *Process) addData(size int64, rx bool) {
	if rx {
		p.RX += size
	} else {
		p.TX += size
	}
}

// links returns the list the given protocol accounts into.
func (p *Process) links(proto event.Protocol) *[]*Link {
	if proto == event.UDP {
		return &p.UDP
	}
	return &p.TCP
}

// Overview returns the one-line identity used by UIs: "name (pid)".
func (p *Process) Overview() string {
	return fmt.Sprintf("%s (%d)", p.Name, p.PID)
}

// DataAmount returns the grouped counter summary, e.g. " RX:1.50KB TX:2.00MB".
func (p *Process) DataAmount() string {
	rx, rxU := GroupBytes(p.RX)
	tx, txU := GroupBytes(p.TX)
	return fmt.Sprintf(" RX:%.2f%s TX:%.2f%s", rx, rxU, tx, txU)
}

func (p *Process) clone() *Process {
	out := &Process{PID: p.PID, Name: p.Name, Date: p.Date, RX: p.RX, TX: p.TX}
	out.TCP = make([]*Link, 0, len(p.TCP))
	for _, l := range p.TCP {
		out.TCP = append(out.TCP, l.clone())
	}
	out.UDP = make([]*Link, 0, len(p.UDP))
	for _, l := range p.UDP {
		out.UDP = append(out.UDP, l.clone())
	}
	return out
}
