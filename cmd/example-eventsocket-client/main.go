// example-eventsocket-client is a minimal client that subscribes to a netw
// daemon's overview socket and prints what arrives.  UIs start from here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/mdolmen/netw/eventsocket"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	mainCtx, mainCancel = context.WithCancel(context.Background())
)

type handler struct{}

// Update prints a timestamp header, then one line per process followed by
// one line per link, in the layout of the daemon's console mode but with raw
// byte counts.
func (handler) Update(ctx context.Context, o eventsocket.Overview) {
	fmt.Println("--", o.Timestamp.Format("15:04:05"), "--")
	for _, p := range o.Procs {
		fmt.Printf("%s (%d) RX:%d TX:%d\n", p.Name, p.PID, p.RX, p.TX)
		for _, l := range p.Links {
			dest := l.DAddr
			if l.Domain != "" {
				dest = l.Domain
			}
			fmt.Printf("    %s %s:%d <-> %s:%d RX: %d TX: %d\n",
				l.Proto, l.SAddr, l.LPort, dest, l.DPort, l.RX, l.TX)
		}
	}
}

func main() {
	defer mainCancel()
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	if *eventsocket.Filename == "" {
		log.Fatal("The -netw.eventsocket flag is required")
	}
	eventsocket.MustRun(mainCtx, *eventsocket.Filename, handler{})
}
