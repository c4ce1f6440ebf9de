package logbuf_test

import (
	"fmt"
	"log"
	"testing"

	"github.com/go-test/deep"

	"github.com/mdolmen/netw/logbuf"
)

func TestAddAndSnapshot(t *testing.T) {
	b := logbuf.New(3)
	b.Add("one")
	b.Add("two")
	if diff := deep.Equal(b.Snapshot(), []string{"one", "two"}); diff != nil {
		t.Error(diff)
	}

	b.Add("three")
	b.Add("four")
	if diff := deep.Equal(b.Snapshot(), []string{"two", "three", "four"}); diff != nil {
		t.Error("oldest line should fall off:", diff)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := logbuf.New(10)
	b.Add("original")
	snap := b.Snapshot()
	snap[0] = "mutated"
	if b.Snapshot()[0] != "original" {
		t.Error("snapshot aliases the buffer")
	}
}

func TestAsLogOutput(t *testing.T) {
	b := logbuf.New(10)
	logger := log.New(b, "", 0)
	logger.Println("hello")
	lines := b.Snapshot()
	if len(lines) != 1 || lines[0] != "hello" {
		t.Errorf("unexpected buffer contents: %q", lines)
	}
}

func TestDefaultLimit(t *testing.T) {
	b := logbuf.New(0)
	for i := 0; i < 1500; i++ {
		b.Add(fmt.Sprint("line", i))
	}
	if got := len(b.Snapshot()); got != 1000 {
		t.Error("default limit incorrect:", got)
	}
}
