package executor

import (
	"net"
	"strconv"
	"testing"
	"time"

	"encore.app/client"
	"encore.app/pkg/wire"
)

func dialChannel(t *testing.T, port int) *client.Channel {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	ch := client.NewChannel(conn)
	t.Cleanup(func() { ch.Close("test done", false) })
	return ch
}

func TestListenerServesTCPRoundTrip(t *testing.T) {
	cfg := testConfig(0, 1)
	cfg.TCPPortBase = 39400
	e := testEngine(t, cfg, newFakeStore())

	l, err := StartListener(e, cfg)
	if err != nil {
		t.Fatalf("start listener: %v", err)
	}
	defer l.Close()

	ch := dialChannel(t, l.Port())
	future, err := ch.Send(&wire.Request{Op: "ping", RequestID: "R1", FsArgs: map[string]any{}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()

	result, ok := future.Wait(timer.C)
	if !ok {
		t.Fatal("timed out waiting for TCP reply")
	}
	resp := result.Response()
	if resp == nil {
		t.Fatalf("expected a response, got cancellation %q", result.Reason())
	}
	if resp.RequestID != "R1" || len(resp.Exceptions) != 0 {
		t.Fatalf("resp = %+v, want requestId=R1 with no exceptions", resp)
	}
}

func TestListenerPortConflictIncrementsPort(t *testing.T) {
	cfg := testConfig(0, 1)
	cfg.TCPPortBase = 39410
	e := testEngine(t, cfg, newFakeStore())

	occupied, err := net.Listen("tcp", ":39410")
	if err != nil {
		t.Skipf("cannot occupy base port: %v", err)
	}
	defer occupied.Close()

	l, err := StartListener(e, cfg)
	if err != nil {
		t.Fatalf("start listener: %v", err)
	}
	defer l.Close()

	if l.Port() != 39411 {
		t.Fatalf("port = %d, want base+1 on conflict", l.Port())
	}
}

func TestListenerCloseCancelsOutstandingFutures(t *testing.T) {
	store := newFakeStore()
	store.resolveDelay = 2 * time.Second

	cfg := testConfig(0, 1)
	cfg.TCPPortBase = 39420
	e := testEngine(t, cfg, store)

	l, err := StartListener(e, cfg)
	if err != nil {
		t.Fatalf("start listener: %v", err)
	}

	ch := dialChannel(t, l.Port())
	future, err := ch.Send(&wire.Request{Op: "getFileInfo", RequestID: "R1", FsArgs: map[string]any{"src": "/slow"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Simulate the instance dying after receiving but before replying.
	l.Close()

	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()

	result, ok := future.Wait(timer.C)
	if !ok {
		t.Fatal("future must cancel promptly when the channel closes")
	}
	if !result.IsCancelled() {
		t.Fatal("expected a cancellation result")
	}
	if !result.ShouldRetry() {
		t.Fatal("channel-close cancellation must set shouldRetry so the client falls back to HTTP")
	}
}
