package saver

import (
	"log"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/mdolmen/netw/event"
	"github.com/mdolmen/netw/netstat"
	"github.com/mdolmen/netw/store"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func testEvent(pid uint32) event.Event {
	return event.Event{
		PID:   pid,
		Proto: event.TCP,
		SAddr: netip.MustParseAddr("192.168.1.2"),
		DAddr: netip.MustParseAddr("10.10.100.200"),
		LPort: 4321,
		DPort: 80,
		Size:  56789,
		RX:    true,
	}
}

func TestTickPersistsAndEvicts(t *testing.T) {
	table := netstat.NewTable(netstat.NullEnricher())
	table.Ingest(testEvent(1234))
	table.Ingest(testEvent(5678))

	db, err := store.Open(filepath.Join(t.TempDir(), "netw.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	svr := New(table, db, time.Second)
	// Pretend pid 1234 is still running and 5678 has exited.
	svr.alive = func(pid uint32) bool { return pid == 1234 }

	svr.Tick()

	stats := svr.Stats()
	if stats.TickCount != 1 || stats.ErrCount != 0 {
		t.Error("stats incorrect:", stats)
	}
	if stats.EvictedCount != 1 {
		t.Error("evicted count incorrect:", stats.EvictedCount)
	}
	if table.Len() != 1 {
		t.Error("exited process not evicted, table len", table.Len())
	}

	// Both processes must have been persisted before the eviction.
	procs, err := db.GetProcs()
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 {
		t.Fatal("expected both processes in the store, got", len(procs))
	}
	if procs[0].RX != 56789 {
		t.Error("persisted counter incorrect:", procs[0].RX)
	}
}

func TestTickRepeatedIsIdempotent(t *testing.T) {
	table := netstat.NewTable(netstat.NullEnricher())
	table.Ingest(testEvent(1234))

	db, err := store.Open(filepath.Join(t.TempDir(), "netw.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	svr := New(table, db, time.Second)
	svr.alive = func(pid uint32) bool { return true }

	svr.Tick()
	svr.Tick()

	procs, err := db.GetProcs()
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 {
		t.Fatal("duplicate rows after repeated ticks:", len(procs))
	}
	if procs[0].RX != 56789 {
		t.Error("counters summed instead of replaced:", procs[0].RX)
	}
}

func TestTickFailureLeavesTableUntouched(t *testing.T) {
	table := netstat.NewTable(netstat.NullEnricher())
	table.Ingest(testEvent(1234))

	db, err := store.Open(filepath.Join(t.TempDir(), "netw.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.Close() // Force every transaction to fail.

	svr := New(table, db, time.Second)
	svr.alive = func(pid uint32) bool { return false }

	svr.Tick()

	stats := svr.Stats()
	if stats.ErrCount != 1 {
		t.Error("error not counted:", stats)
	}
	// No eviction after a failed tick, even with everything dead.
	if table.Len() != 1 {
		t.Error("table modified by failed tick")
	}
}

func TestNewDefaultFreq(t *testing.T) {
	svr := New(nil, nil, 0)
	if svr.Freq != 5*time.Second {
		t.Error("default period incorrect:", svr.Freq)
	}
}
