package echo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultAddr matches the port the bundled test upstream has always used.
const DefaultAddr = ":5555"

const bufSize = 1024

// Server is a TCP echo endpoint. Each connection gets back exactly the bytes
// it sends; the write side is half-closed once the client stops sending.
type Server struct {
	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// StartServer starts an echo server on the given address (e.g. ":0").
func StartServer(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{ln: ln, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the local address of the server.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting, drops open connections and waits for handlers.
func (s *Server) Close() error {
	if s == nil || s.ln == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.ln.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	buf := make([]byte, bufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if cw, ok := conn.(interface{ CloseWrite() error }); ok {
					_ = cw.CloseWrite()
				}
			}
			return
		}
	}
}

// Probe sends payload to addr and waits for the same bytes to come back.
func Probe(ctx context.Context, addr string, payload []byte, timeout time.Duration) (time.Duration, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("payload must not be empty")
	}

	conn, err := dial(ctx, addr, timeout)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	start := time.Now()
	if _, err := conn.Write(payload); err != nil {
		return 0, err
	}

	reply := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, reply); err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	if !bytes.Equal(reply, payload) {
		return 0, fmt.Errorf("echo mismatch: sent %d bytes, got different data back", len(payload))
	}
	return rtt, nil
}

// PerfResult summarizes a throughput run.
type PerfResult struct {
	Bytes          int64
	Elapsed        time.Duration
	ThroughputMbps float64
}

// Perf streams size*count bytes through an echo path and measures how long
// the round trip of the whole volume takes.
func Perf(ctx context.Context, addr string, size, count int, timeout time.Duration) (PerfResult, error) {
	if size <= 0 || count <= 0 {
		return PerfResult{}, fmt.Errorf("size and count must be > 0")
	}

	conn, err := dial(ctx, addr, timeout)
	if err != nil {
		return PerfResult{}, err
	}
	defer conn.Close()

	total := int64(size) * int64(count)
	chunk := bytes.Repeat([]byte{'x'}, size)

	start := time.Now()
	writeErr := make(chan error, 1)
	go func() {
		for i := 0; i < count; i++ {
			if _, err := conn.Write(chunk); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	got, err := io.CopyN(io.Discard, conn, total)
	elapsed := time.Since(start)
	if err != nil {
		// Unblock the writer.
		_ = conn.Close()
	}
	if werr := <-writeErr; werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return PerfResult{Bytes: got, Elapsed: elapsed}, err
	}

	res := PerfResult{Bytes: got, Elapsed: elapsed}
	if secs := elapsed.Seconds(); secs > 0 {
		res.ThroughputMbps = float64(got*8) / secs / 1e6
	}
	return res, nil
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &stopConn{Conn: conn, stop: stop}, nil
}

type stopConn struct {
	net.Conn
	stop func() bool
}

func (c *stopConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
