package eventsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"strings"

	"github.com/m-lab/go/rtx"
)

// Handler is the interface consumers of the event socket implement.  Update
// is called once per received overview.
type Handler interface {
	Update(ctx context.Context, o Overview)
}

// MustRun will read from the passed-in socket filename until the context is
// cancelled. Any errors are fatal.
func MustRun(ctx context.Context, socket string, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := net.Dial("unix", socket)
	rtx.Must(err, "Could not connect to %q", socket)
	go func() {
		// Close the connection when the context is done. Closing the
		// underlying connection means that the scanner will soon terminate.
		<-ctx.Done()
		c.Close()
	}()

	// By default bufio.Scanner is based on newlines, which is perfect for
	// our JSONL protocol.
	s := bufio.NewScanner(c)
	// Overviews for large tables can outgrow the default 64K line limit.
	s.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for s.Scan() {
		var o Overview
		if err := json.Unmarshal(s.Bytes(), &o); err != nil {
			log.Println("Skipping unparseable overview:", err)
			continue
		}
		handler.Update(ctx, o)
	}

	// s.Err() is supposed to be nil under normal conditions. Scanner objects
	// hide the expected EOF error and return nil after they encounter it,
	// because EOF is the expected error. However, reading on a closed socket
	// doesn't give you an EOF error and the error it does give you is
	// unexported. The error it gives you should be treated the same as EOF,
	// because it corresponds to the connection terminating under normal
	// conditions. Because Scanner hides the EOF error, it should also hide
	// the unexported one. Because Scanner doesn't, we do so here. Other
	// errors should not be hidden.
	err = s.Err()
	if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
		err = nil
	}
	rtx.Must(err, "Scanning of %s died with non-EOF error", socket)
}
