package netstat

import (
	"net/netip"
	"sync"
	"time"

	"github.com/mdolmen/netw/event"
)

// Enricher supplies the two slow lookups a new table entry needs: the process
// name and the reverse-resolved destination hostname.
//
// Comm is called with the table lock held and must be fast (a local procfs
// read).  ResolveDomain may take arbitrarily long: it is called after the
// lock is released, and implementations deliver the result by calling set
// from whatever goroutine performed the lookup.  set is safe to call at any
// later time; the domain lands on the link through Table.SetLinkDomain, which
// takes the lock itself.
type Enricher interface {
	Comm(pid uint32) string
	ResolveDomain(daddr netip.Addr, dport uint16, set func(domain string))
}

type nullEnricher struct{}

func (nullEnricher) Comm(pid uint32) string                                        { return "file not found" }
func (nullEnricher) ResolveDomain(daddr netip.Addr, dport uint16, set func(string)) {}

// NullEnricher returns an Enricher that does nothing.  Tests and offline
// tools use it so table code never has to check for nil.
func NullEnricher() Enricher {
	return nullEnricher{}
}

// Table is the shared process table.  One exclusive lock covers every read
// and write; mutators hold it for the duration of one event, and readers copy
// what they need and get out.
type Table struct {
	mu    sync.Mutex
	procs []*Process

	enr Enricher
	now func() time.Time // mocked in tests
}

// NewTable creates an empty table using enr for name and domain resolution.
func NewTable(enr Enricher) *Table {
	if enr == nil {
		enr = NullEnricher()
	}
	return &Table{enr: enr, now: time.Now}
}

func (t *Table) findProc(pid uint32) *Process {
	for _, p := range t.procs {
		if p.PID == pid {
			return p
		}
	}
	return nil
}

func findLink(links []*Link, e *event.Event) *Link {
	for _, l := range links {
		if l.sameTuple(e) {
			return l
		}
	}
	return nil
}

// Ingest merges one decoded event into the table.  It cannot fail: unknown
// processes and links are created on the fly, and enrichment failures degrade
// to sentinel values.
//
// The process counter is updated before the link list is touched.  Both
// writes happen under one lock hold, and readers (Clone, IperfSummary) take
// the same lock, so no reader observes one write without the other.
func (t *Table) Ingest(e event.Event) {
	t.mu.Lock()

	var created *Link
	p := t.findProc(e.PID)
	if p != nil {
		p.addData(e.Size, e.RX)
		links := p.links(e.Proto)
		if l := findLink(*links, &e); l != nil {
			l.addData(e.Size, e.RX)
		} else {
			created = newLink(&e)
			*links = append(*links, created)
		}
	} else {
		p = &Process{
			PID:  e.PID,
			Name: t.enr.Comm(e.PID),
			Date: DateOf(t.now()),
		}
		p.addData(e.Size, e.RX)
		created = newLink(&e)
		links := p.links(e.Proto)
		*links = append(*links, created)
		t.procs = append(t.procs, p)
	}
	t.mu.Unlock()

	// Resolution happens off the lock; the result is posted back through
	// SetLinkDomain whenever it arrives.
	if created != nil {
		pid, proto := e.PID, e.Proto
		saddr, daddr := e.SAddr, e.DAddr
		lport, dport := e.LPort, e.DPort
		t.enr.ResolveDomain(daddr, dport, func(domain string) {
			t.SetLinkDomain(pid, proto, saddr, daddr, lport, dport, domain)
		})
	}
}

func newLink(e *event.Event) *Link {
	l := &Link{
		SAddr: e.SAddr,
		DAddr: e.DAddr,
		LPort: e.LPort,
		DPort: e.DPort,
		Proto: e.Proto,
	}
	l.addData(e.Size, e.RX)
	return l
}

// SetLinkDomain records the reverse-resolved hostname for the link matching
// the given tuple.  The first resolution wins; later calls are dropped, as
// are calls for links that no longer exist.
func (t *Table) SetLinkDomain(pid uint32, proto event.Protocol, saddr, daddr netip.Addr, lport, dport uint16, domain string) {
	if domain == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.findProc(pid)
	if p == nil {
		return
	}
	e := event.Event{SAddr: saddr, DAddr: daddr, LPort: lport, DPort: dport}
	if l := findLink(*p.links(proto), &e); l != nil && l.Domain == "" {
		l.Domain = domain
	}
}

// Clone returns a deep copy of the table contents, in insertion order.
// Callers own the copy outright and may read it without any locking.
func (t *Table) Clone() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p.clone())
	}
	return out
}

// Len returns the number of processes currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Evict drops processes for which alive reports false.  It returns the
// number of entries removed.  The caller decides what liveness means; the
// daemon passes a procfs check so that exited processes stop occupying
// memory between snapshots.
func (t *Table) Evict(alive func(pid uint32) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.procs[:0]
	evicted := 0
	for _, p := range t.procs {
		if alive(p.PID) {
			kept = append(kept, p)
		} else {
			evicted++
		}
	}
	// Clear the tail so evicted entries can be collected.
	for i := len(kept); i < len(t.procs); i++ {
		t.procs[i] = nil
	}
	t.procs = kept
	return evicted
}
