package echo

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestProbe_RoundTrip(t *testing.T) {
	t.Parallel()

	srv, err := StartServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.Close()

	rtt, err := Probe(context.Background(), srv.Addr(), []byte("Hello from Client!"), 2*time.Second)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt=%v", rtt)
	}
}

func TestProbe_EmptyPayload(t *testing.T) {
	t.Parallel()

	if _, err := Probe(context.Background(), "127.0.0.1:1", nil, time.Second); err == nil {
		t.Fatalf("expected error")
	}
}

func TestProbe_NothingListening(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	if _, err := Probe(context.Background(), addr, []byte("x"), time.Second); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestPerf_MovesAllBytes(t *testing.T) {
	t.Parallel()

	srv, err := StartServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.Close()

	res, err := Perf(context.Background(), srv.Addr(), 4096, 64, 5*time.Second)
	if err != nil {
		t.Fatalf("Perf: %v", err)
	}
	if res.Bytes != 4096*64 {
		t.Fatalf("bytes=%d", res.Bytes)
	}
	if res.ThroughputMbps <= 0 {
		t.Fatalf("throughput=%v", res.ThroughputMbps)
	}
}

func TestServer_HalfCloseGetsEOF(t *testing.T) {
	t.Parallel()

	srv, err := StartServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte("bye")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "bye" {
		t.Fatalf("got=%q", got)
	}
}

func TestServer_CloseDropsConnections(t *testing.T) {
	t.Parallel()

	srv, err := StartServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Make sure the handler is running before closing.
	if _, err := conn.Write([]byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
