// Package saver periodically persists the live process table to the store.
//  1. On every tick it clones the table under its lock, then releases it.
//  2. The clone is upserted into the store in a single transaction.
//  3. A failed transaction is dropped whole; memory is never touched, and
//     the next tick starts from scratch.
//  4. After a committed tick, processes that have exited are evicted from
//     the table so long-running daemons do not grow without bound.
package saver

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mdolmen/netw/enrich"
	"github.com/mdolmen/netw/metrics"
	"github.com/mdolmen/netw/netstat"
	"github.com/mdolmen/netw/store"
)

// Stats counts what the saver has done over its lifetime.
type Stats struct {
	TickCount    int
	ErrCount     int
	EvictedCount int
}

// Print prints out some basic stats about saver use.
func (stats *Stats) Print() {
	log.Printf("Saver ticks %d errors %d evicted %d\n",
		stats.TickCount, stats.ErrCount, stats.EvictedCount)
}

// Saver snapshots a table into a store on a fixed period.
type Saver struct {
	Freq time.Duration

	table *netstat.Table
	db    *store.DB
	alive func(pid uint32) bool

	mu    sync.Mutex
	stats Stats
}

// New creates a Saver that snapshots table into db every freq.
func New(table *netstat.Table, db *store.DB, freq time.Duration) *Saver {
	if freq <= 0 {
		freq = 5 * time.Second
	}
	return &Saver{Freq: freq, table: table, db: db, alive: enrich.PidAlive}
}

// Loop runs until ctx is cancelled, snapshotting once per period.  A final
// snapshot is taken on the way out so shutdown does not lose the tail of the
// last period.
func (svr *Saver) Loop(ctx context.Context) {
	log.Println("Starting Saver, period", svr.Freq)
	ticker := time.NewTicker(svr.Freq)
	defer ticker.Stop()

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-ticker.C:
			svr.Tick()
		}
	}
	svr.Tick()
	stats := svr.Stats()
	stats.Print()
}

// Tick takes one snapshot.  Errors are logged and counted; the table is left
// untouched either way, except for the eviction of exited processes after a
// successful commit.
func (svr *Saver) Tick() {
	start := time.Now()
	procs := svr.table.Clone()
	metrics.ProcessCountHistogram.Observe(float64(len(procs)))

	err := svr.db.SaveSnapshot(procs)
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.stats.TickCount++
	if err != nil {
		svr.stats.ErrCount++
		metrics.SnapshotErrorCount.Inc()
		log.Println("Snapshot failed, dropping tick:", err)
		return
	}
	metrics.SnapshotCount.Inc()
	metrics.SnapshotTimeHistogram.Observe(time.Since(start).Seconds())
	svr.stats.EvictedCount += svr.table.Evict(svr.alive)
}

// Stats returns a copy of the saver Stats.
func (svr *Saver) Stats() Stats {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return svr.stats
}
