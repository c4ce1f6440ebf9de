package main

// For comparison, try
// sudo iftop or nethogs; netw accounts per process AND per link.

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	_ "net/http/pprof" // Support profiling

	"github.com/mdolmen/netw/enrich"
	"github.com/mdolmen/netw/event"
	"github.com/mdolmen/netw/eventsocket"
	"github.com/mdolmen/netw/logbuf"
	"github.com/mdolmen/netw/netstat"
	"github.com/mdolmen/netw/probe"
	"github.com/mdolmen/netw/saver"
	"github.com/mdolmen/netw/store"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// iperfReportFile is where test mode dumps the bulk-flow counters the
// integration harness compares against iperf's own report.
const iperfReportFile = "sekhmet.json"

var (
	mode      = flag.String("mode", "", "Run mode: one of daemon, test, ui, raw")
	source    = flag.String("source", "realtime", "ui mode source: 'realtime' or the path of a store file")
	frequency = flag.Int("frequency", 5, "Snapshot period in seconds")
	output    = flag.String("output", "netw.db", "Path of the store file")
	bpfObj    = flag.String("bpf", "netw.o", "Path of the compiled kernel object")
	promPort  = flag.String("prom", ":9090", "Prometheus metrics export address and port. Default is ':9090'")

	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	// Flip the shared cancellation signal on SIGINT/SIGTERM; every loop
	// checks it before each iteration.
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigC
		cancel()
	}()

	switch *mode {
	case "daemon":
		runPipeline(false, false)
	case "test":
		runPipeline(true, false)
	case "ui":
		if *source == "realtime" {
			runPipeline(false, true)
		} else {
			browseStore(*source)
		}
	case "raw":
		runRaw()
	default:
		fmt.Fprintln(os.Stderr, "-mode must be one of: daemon, test, ui, raw")
		flag.Usage()
		os.Exit(1)
	}
}

// runPipeline wires probes -> decoder -> table -> saver and runs until the
// shared context is cancelled.  In test mode the iperf report is written on
// the way out; with console set, a plain-text overview is printed
// periodically for interactive use.
func runPipeline(testMode, console bool) {
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	// Tee the log into the shared buffer so UIs can show recent lines.
	logs := logbuf.New(1000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	resolver := enrich.NewResolver(0, 0)
	resolver.Start(ctx, 2)
	table := netstat.NewTable(resolver)

	db, err := store.Open(*output)
	rtx.Must(err, "Could not open store %s", *output)
	defer db.Close()

	mgr := probe.NewManager(func(buffer string, e event.Event) {
		table.Ingest(e)
	})
	rtx.Must(mgr.Load(*bpfObj), "Could not install probes from %s", *bpfObj)
	defer mgr.Close()

	wg := sync.WaitGroup{}

	svr := saver.New(table, db, time.Duration(*frequency)*time.Second)
	wg.Add(1)
	go func() {
		defer wg.Done()
		svr.Loop(ctx)
	}()

	es := eventsocket.NullServer()
	if *eventsocket.Filename != "" {
		es = eventsocket.New(*eventsocket.Filename)
		rtx.Must(es.Listen(), "Could not listen on %s", *eventsocket.Filename)
		wg.Add(1)
		go func() {
			defer wg.Done()
			es.Serve(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		publishLoop(table, logs, es, console)
	}()

	// Run the pollers, possibly forever.
	mgr.Run(ctx)

	wg.Wait()
	if testMode {
		rtx.Must(table.WriteIperfReport(iperfReportFile), "Could not write %s", iperfReportFile)
		log.Println("Wrote", iperfReportFile)
	}
}

// publishLoop pushes one overview per second to eventsocket clients and,
// with console set, to stdout.
func publishLoop(table *netstat.Table, logs *logbuf.Buffer, es eventsocket.Server, console bool) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		procs := table.Clone()
		es.Publish(buildOverview(procs, logs.Snapshot()))
		if console {
			printProcs(procs)
		}
	}
}

func buildOverview(procs []*netstat.Process, logLines []string) eventsocket.Overview {
	o := eventsocket.Overview{Timestamp: time.Now(), Log: logLines}
	for _, p := range procs {
		ps := eventsocket.ProcSummary{PID: p.PID, Name: p.Name, RX: p.RX, TX: p.TX}
		for _, links := range [][]*netstat.Link{p.TCP, p.UDP} {
			for _, l := range links {
				ps.Links = append(ps.Links, eventsocket.LinkSummary{
					Proto:  l.Proto.String(),
					SAddr:  l.SAddr.String(),
					DAddr:  l.DAddr.String(),
					LPort:  l.LPort,
					DPort:  l.DPort,
					RX:     l.RX,
					TX:     l.TX,
					Domain: l.Domain,
				})
			}
		}
		o.Procs = append(o.Procs, ps)
	}
	return o
}

func printProcs(procs []*netstat.Process) {
	for _, p := range procs {
		fmt.Println(p.Overview() + p.DataAmount())
		for _, l := range p.TCP {
			fmt.Println(l)
		}
		for _, l := range p.UDP {
			fmt.Println(l)
		}
	}
}

// browseStore prints the historical contents of a store file, grouped by
// date.
func browseStore(path string) {
	_, err := os.Stat(path)
	rtx.Must(err, "No store at %s", path)
	db, err := store.Open(path)
	rtx.Must(err, "Could not open store %s", path)
	defer db.Close()

	procs, err := db.GetProcs()
	rtx.Must(err, "Could not read processes from %s", path)

	var last netstat.Date
	for _, p := range procs {
		if p.Date != last {
			fmt.Printf("== %s ==\n", p.Date)
			last = p.Date
		}
		printProcs([]*netstat.Process{p})
	}
}

// runRaw prints every decoded event as one line, without aggregating.
func runRaw() {
	fmt.Println("BUF  | PID | SADDR | DADDR | LPORT | DPORT | SIZE | RX")
	mgr := probe.NewManager(func(buffer string, e event.Event) {
		fmt.Printf("%s | %d | %s | %s | %d | %d | %d | %v\n",
			buffer, e.PID, e.SAddr, e.DAddr, e.LPort, e.DPort, e.Size, e.RX)
	})
	rtx.Must(mgr.Load(*bpfObj), "Could not install probes from %s", *bpfObj)
	defer mgr.Close()
	mgr.Run(ctx)
}
