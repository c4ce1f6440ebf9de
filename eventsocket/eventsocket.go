// Package eventsocket serves the live process table to external read-only
// consumers, the terminal UI chief among them, over a unix domain socket.
//
// The protocol is JSONL: one Overview document per line, pushed to every
// connected client each time the daemon publishes a snapshot.  Consumers
// never talk back; a client whose write fails (for example because it
// disconnected) is dropped.  Writes carry no deadline, so a client that stays
// connected without reading holds up the broadcast to every client.
package eventsocket

import (
	"flag"
	"time"
)

var (
	// Filename is a command-line flag holding the name of the unix-domain
	// socket that should be used by the client and server. It is put here in an
	// attempt to have just one standard flag name.
	Filename = flag.String("netw.eventsocket", "", "The filename of the unix-domain socket on which table snapshots are served.")
)

// LinkSummary is one link of a process: addresses as text, raw byte counters.
type LinkSummary struct {
	Proto  string
	SAddr  string
	DAddr  string
	LPort  uint16
	DPort  uint16
	RX     int64
	TX     int64
	Domain string `json:",omitempty"`
}

// ProcSummary is one process with its links.
type ProcSummary struct {
	PID   uint32
	Name  string
	RX    int64
	TX    int64
	Links []LinkSummary `json:",omitempty"`
}

// Overview is the document pushed to clients: the whole table at one point
// in time, plus recent log lines for the UI's log pane.
type Overview struct {
	Timestamp time.Time
	Procs     []ProcSummary
	Log       []string `json:",omitempty"`
}
