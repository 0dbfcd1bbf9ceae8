package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
)

func newTestBroker(t *testing.T, dir string) *Broker {
	t.Helper()
	b, err := Open(Options{DataDir: dir, Fsync: FsyncModeInterval, FsyncInterval: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return b
}

func TestOpenRequiresDataDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatalf("open without data dir accepted")
	}
}

func TestAdmitFetchSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newTestBroker(t, dir)
	if err := b.Declare("orders"); err != nil {
		t.Fatalf("declare: %v", err)
	}
	s, _ := b.NewSession(ctx)
	for i := 0; i < 3; i++ {
		if err := s.AdmitMessage(ctx, "orders", uint32(i), []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	if n, _ := b.Depth("orders"); n != 3 {
		t.Fatalf("depth %d", n)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b = newTestBroker(t, dir)
	defer b.Close()
	s, _ = b.NewSession(ctx)
	src := s.(amqp.MessageSource)
	msg, ok, err := src.Fetch(ctx, "orders")
	if err != nil || !ok {
		t.Fatalf("fetch after reopen: %v %v", ok, err)
	}
	if string(msg.Payload) != "m0" || msg.Format != 0 {
		t.Fatalf("first message %+v", msg)
	}
	// sequence continues after the restored tail
	if err := s.AdmitMessage(ctx, "orders", 7, []byte("m3")); err != nil {
		t.Fatalf("admit after reopen: %v", err)
	}
	var got []string
	for {
		msg, ok, err := src.Fetch(ctx, "orders")
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(msg.Payload))
	}
	if fmt.Sprint(got) != "[m1 m2 m3]" {
		t.Fatalf("order %v", got)
	}
}

func TestUnknownDestinationRejected(t *testing.T) {
	b := newTestBroker(t, t.TempDir())
	defer b.Close()
	s, _ := b.NewSession(context.Background())
	if ok, err := s.DestinationExists(context.Background(), "nope"); ok || err != nil {
		t.Fatalf("exists %v %v", ok, err)
	}
	err := s.AdmitMessage(context.Background(), "nope", 0, []byte("x"))
	if !errors.Is(err, amqp.ErrAddressDoesNotExist) {
		t.Fatalf("admit: %v", err)
	}
	if err := b.Declare("a/b"); err == nil {
		t.Fatalf("name with slash accepted")
	}
}

func TestTemporaryDestinations(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newTestBroker(t, dir)
	s1, _ := b.NewSession(ctx)
	s2, _ := b.NewSession(ctx)
	n1, err := s1.CreateTemporaryDestination(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	n2, _ := s2.CreateTemporaryDestination(ctx)
	s1.AdmitMessage(ctx, n1, 0, []byte("x"))
	if err := s1.Close(); err != nil {
		t.Fatalf("session close: %v", err)
	}
	if ok, _ := s2.DestinationExists(ctx, n1); ok {
		t.Fatalf("%s outlived its session", n1)
	}
	if n, _ := b.Depth(n1); n != 0 {
		t.Fatalf("messages of %s left: %d", n1, n)
	}
	b.Close()

	// temporary destinations of a dead process are purged on open
	b = newTestBroker(t, dir)
	defer b.Close()
	names, err := b.Destinations()
	if err != nil {
		t.Fatalf("destinations: %v", err)
	}
	for _, n := range names {
		if n == n2 {
			t.Fatalf("%s survived restart", n2)
		}
	}
}

func TestDeleteDropsMessages(t *testing.T) {
	b := newTestBroker(t, t.TempDir())
	defer b.Close()
	ctx := context.Background()
	b.Declare("q")
	b.Declare("q2")
	s, _ := b.NewSession(ctx)
	s.AdmitMessage(ctx, "q", 0, []byte("x"))
	s.AdmitMessage(ctx, "q2", 0, []byte("y"))
	if err := b.Delete("q"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := b.Depth("q"); n != 0 {
		t.Fatalf("depth after delete %d", n)
	}
	if n, _ := b.Depth("q2"); n != 1 {
		t.Fatalf("neighbour depth %d", n)
	}
}

func TestParseFsyncMode(t *testing.T) {
	cases := map[string]FsyncMode{"": FsyncModeInterval, "interval": FsyncModeInterval, "always": FsyncModeAlways, "never": FsyncModeNever}
	for in, want := range cases {
		got, err := ParseFsyncMode(in)
		if err != nil || got != want {
			t.Errorf("ParseFsyncMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFsyncMode("sometimes"); err == nil {
		t.Errorf("unknown mode accepted")
	}
}
