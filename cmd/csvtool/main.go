// Main package in csvtool implements a command line tool for exporting the
// contents of a netw store file as CSV, for spreadsheet people.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/mdolmen/netw/netstat"
	"github.com/mdolmen/netw/store"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	links = flag.Bool("links", false, "Export links instead of processes")
)

// procRow is the CSV shape of one process row.
type procRow struct {
	Date string `csv:"date"`
	PID  uint32 `csv:"pid"`
	Name string `csv:"name"`
	RX   int64  `csv:"rx"`
	TX   int64  `csv:"tx"`
}

// linkRow is the CSV shape of one link row.
type linkRow struct {
	Date   string `csv:"date"`
	PID    uint32 `csv:"pid"`
	Proto  string `csv:"protocol"`
	SAddr  string `csv:"saddr"`
	LPort  uint16 `csv:"lport"`
	DAddr  string `csv:"daddr"`
	DPort  uint16 `csv:"dport"`
	RX     int64  `csv:"rx"`
	TX     int64  `csv:"tx"`
	Domain string `csv:"domain"`
}

func procRows(procs []*netstat.Process) []procRow {
	rows := make([]procRow, 0, len(procs))
	for _, p := range procs {
		rows = append(rows, procRow{
			Date: p.Date.String(), PID: p.PID, Name: p.Name, RX: p.RX, TX: p.TX,
		})
	}
	return rows
}

func linkRows(procs []*netstat.Process) []linkRow {
	var rows []linkRow
	for _, p := range procs {
		for _, list := range [][]*netstat.Link{p.TCP, p.UDP} {
			for _, l := range list {
				rows = append(rows, linkRow{
					Date: p.Date.String(), PID: p.PID, Proto: l.Proto.String(),
					SAddr: l.SAddr.String(), LPort: l.LPort,
					DAddr: l.DAddr.String(), DPort: l.DPort,
					RX: l.RX, TX: l.TX, Domain: l.Domain,
				})
			}
		}
	}
	return rows
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		log.Fatal("Usage: csvtool [-links] <store file>")
	}

	_, err := os.Stat(args[0])
	rtx.Must(err, "No store at %s", args[0])
	db, err := store.Open(args[0])
	rtx.Must(err, "Could not open store %s", args[0])
	defer db.Close()

	procs, err := db.GetProcs()
	rtx.Must(err, "Could not read processes from %s", args[0])

	if *links {
		rows := linkRows(procs)
		rtx.Must(gocsv.Marshal(&rows, os.Stdout), "Could not write CSV")
	} else {
		rows := procRows(procs)
		rtx.Must(gocsv.Marshal(&rows, os.Stdout), "Could not write CSV")
	}
}
