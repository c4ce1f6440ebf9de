// Package enrich resolves the two human-facing attributes of a table entry:
// the process name, from the procfs comm file, and the destination hostname,
// from a reverse DNS lookup.
//
// Name reads are local and fast, so they run inline.  Reverse lookups can
// block on the network, so they run on a small worker pool fed by a bounded
// queue: the aggregator enqueues and moves on, and the answer is posted back
// through a callback whenever it arrives.  A full queue drops the request;
// the link simply keeps showing its numeric address.
package enrich

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/mdolmen/netw/metrics"
)

// CommNotFound is the sentinel name recorded when the comm file cannot be
// read, typically because the process exited before we looked.
const CommNotFound = "file not found"

// procPath is a variable to enable mocking for testing.
var procPath = "/proc"

// Comm returns the short name of the process, without the trailing newline
// the kernel appends.  On any error it returns CommNotFound.
func Comm(pid uint32) string {
	b, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", procPath, pid))
	if err != nil {
		metrics.CommErrorCount.Inc()
		return CommNotFound
	}
	return strings.TrimSuffix(string(b), "\n")
}

// PidAlive reports whether the process still has a procfs entry.
func PidAlive(pid uint32) bool {
	_, err := os.Stat(fmt.Sprintf("%s/%d", procPath, pid))
	return err == nil
}

// GloballyRoutable reports whether addr is worth a reverse lookup: not
// loopback, not private, not link-local, not multicast, not unspecified.
func GloballyRoutable(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}

// lookupAddr is a variable to enable mocking for testing.  The default goes
// through the OS resolver, which is the getnameinfo path when cgo is
// available.
var lookupAddr = func(ctx context.Context, addr string) ([]string, error) {
	return net.DefaultResolver.LookupAddr(ctx, addr)
}

var dropLog = logx.NewLogEvery(nil, 10*time.Second)

type lookup struct {
	addr netip.Addr
	port uint16
	set  func(domain string)
}

// Resolver implements netstat.Enricher.  It owns the lookup queue and
// workers; Start must be called before the first event is ingested.
type Resolver struct {
	queue   chan lookup
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewResolver creates a Resolver with the given queue depth and per-lookup
// timeout.  Zero values pick reasonable defaults.
func NewResolver(depth int, timeout time.Duration) *Resolver {
	if depth <= 0 {
		depth = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		queue:   make(chan lookup, depth),
		timeout: timeout,
	}
}

// Comm implements netstat.Enricher.
func (r *Resolver) Comm(pid uint32) string {
	return Comm(pid)
}

// ResolveDomain implements netstat.Enricher.  Non-routable destinations are
// ignored.  The call never blocks: if the queue is full the lookup is
// dropped.
func (r *Resolver) ResolveDomain(daddr netip.Addr, dport uint16, set func(domain string)) {
	if !GloballyRoutable(daddr) {
		return
	}
	select {
	case r.queue <- lookup{addr: daddr, port: dport, set: set}:
	default:
		metrics.DNSLookupCount.WithLabelValues("dropped").Inc()
		dropLog.Println("DNS lookup queue full, dropping", daddr)
	}
}

// Start launches numWorkers lookup goroutines.  They exit once ctx is
// cancelled; lookups still waiting in the queue at that point are not
// performed.
func (r *Resolver) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 2
	}
	for i := 0; i < numWorkers; i++ {
		r.wg.Add(1)
		go r.run(ctx)
	}
}

// Wait blocks until all workers have exited.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func (r *Resolver) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			job.set(r.resolve(ctx, job.addr))
		}
	}
}

// resolve performs one reverse lookup and returns the nodename, or "" when
// nothing resolves.
func (r *Resolver) resolve(ctx context.Context, addr netip.Addr) string {
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	names, err := lookupAddr(lctx, addr.String())
	if err != nil || len(names) == 0 {
		metrics.DNSLookupCount.WithLabelValues("error").Inc()
		return ""
	}
	metrics.DNSLookupCount.WithLabelValues("ok").Inc()
	return strings.TrimSuffix(names[0], ".")
}
