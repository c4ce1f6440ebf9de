package eventsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
)

func TestServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	srv := New(dir + "/netw.sock").(*server)
	rtx.Must(srv.Listen(), "Could not listen")
	go srv.Serve(ctx)
	log.Println("About to dial")
	c, err := net.Dial("unix", dir+"/netw.sock")
	rtx.Must(err, "Could not open UNIX domain socket")

	// Busy wait until the server has registered the client.
	for {
		srv.mutex.Lock()
		length := len(srv.clients)
		srv.mutex.Unlock()
		if length > 0 {
			break
		}
	}

	want := Overview{
		Timestamp: time.Date(2021, 3, 7, 12, 0, 0, 0, time.UTC),
		Procs: []ProcSummary{{
			PID: 1234, Name: "curl", RX: 56789, TX: 567890,
			Links: []LinkSummary{{
				Proto: "TCP", SAddr: "192.168.1.2", DAddr: "10.10.100.200",
				LPort: 4321, DPort: 80, RX: 56789, TX: 567890,
				Domain: "example.com",
			}},
		}},
		Log: []string{"a log line"},
	}
	srv.Publish(want)

	r := bufio.NewScanner(c)
	if !r.Scan() {
		t.Fatal("Should have been able to scan until the next newline, but couldn't")
	}
	var got Overview
	rtx.Must(json.Unmarshal(r.Bytes(), &got), "Could not unmarshal")
	if !got.Timestamp.Equal(want.Timestamp) || len(got.Procs) != 1 {
		t.Error("overview did not round-trip:", got)
	}
	if got.Procs[0].Name != "curl" || got.Procs[0].Links[0].Domain != "example.com" {
		t.Error("overview contents incorrect:", got.Procs[0])
	}
}

func TestNullServerIsHarmless(t *testing.T) {
	srv := NullServer()
	rtx.Must(srv.Listen(), "NullServer.Listen should never fail")
	rtx.Must(srv.Serve(context.Background()), "NullServer.Serve should never fail")
	srv.Publish(Overview{})
}
