package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vpnrelay/internal/echo"
	"vpnrelay/internal/model"
)

// upstream is a single-purpose TCP server driven by handle.
type upstream struct {
	ln net.Listener
	wg sync.WaitGroup
}

func startUpstream(t *testing.T, handle func(c *net.TCPConn)) *upstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	u := &upstream{ln: ln}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			u.wg.Add(1)
			go func() {
				defer u.wg.Done()
				defer c.Close()
				handle(c.(*net.TCPConn))
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		u.wg.Wait()
	})
	return u
}

func (u *upstream) addr() string { return u.ln.Addr().String() }

func dialRelay(t *testing.T, m *Manager) *net.TCPConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", m.Status().ListenAddr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c.(*net.TCPConn)
}

func TestRelay_EchoRoundTrip(t *testing.T) {
	t.Parallel()

	srv := startEcho(t)
	obs := &recordObserver{}
	m := newTestManager(t, []model.Node{nodeAt(t, "US", srv.Addr())}, Config{}, WithObserver(obs))
	require.NoError(t, m.Start(""))

	c := dialRelay(t, m)
	_, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	require.Equal(t, "ping", string(reply))
	require.Eventually(t, func() bool { return m.Status().ActiveConns == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.CloseWrite())
	rest, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Empty(t, rest)

	require.Eventually(t, func() bool {
		out := obs.outcomes()
		return len(out) == 1 && out[0] == model.OutcomeOK
	}, 3*time.Second, 10*time.Millisecond)

	obs.mu.Lock()
	rec := obs.records[0]
	obs.mu.Unlock()
	require.Equal(t, int64(4), rec.BytesUp)
	require.Equal(t, int64(4), rec.BytesDown)
	require.Equal(t, "US", rec.Country)
	require.NotEmpty(t, rec.ID)
	require.Zero(t, m.Status().ActiveConns)
	require.NoError(t, m.Status().LastError)
}

func TestRelay_LargeTransferInChunks(t *testing.T) {
	t.Parallel()

	srv := startEcho(t)
	m := newTestManager(t, []model.Node{nodeAt(t, "US", srv.Addr())}, Config{ChunkSize: 512})
	require.NoError(t, m.Start(""))

	res, err := echo.Perf(context.Background(), m.Status().ListenAddr, 8192, 32, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(8192*32), res.Bytes)
}

func TestRelay_ClientHalfCloseStillGetsReply(t *testing.T) {
	t.Parallel()

	up := startUpstream(t, func(c *net.TCPConn) {
		data, err := io.ReadAll(c)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(c, "got %d bytes", len(data))
	})
	m := newTestManager(t, []model.Node{nodeAt(t, "US", up.addr())}, Config{GracePeriod: 2 * time.Second})
	require.NoError(t, m.Start(""))

	c := dialRelay(t, m)
	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	reply, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "got 5 bytes", string(reply))
}

func TestRelay_ClientCloseMidTransferClosesUpstream(t *testing.T) {
	t.Parallel()

	upstreamDone := make(chan error, 1)
	up := startUpstream(t, func(c *net.TCPConn) {
		// Bounded so a relay that never tears down fails the select below, not the cleanup.
		_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
		chunk := make([]byte, 32*1024)
		for {
			if _, err := c.Write(chunk); err != nil {
				upstreamDone <- err
				return
			}
		}
	})
	grace := 300 * time.Millisecond
	m := newTestManager(t, []model.Node{nodeAt(t, "US", up.addr())}, Config{GracePeriod: grace})
	require.NoError(t, m.Start(""))

	c := dialRelay(t, m)
	_, err := io.CopyN(io.Discard, c, 64*1024)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case err := <-upstreamDone:
		require.False(t, errors.Is(err, os.ErrDeadlineExceeded), "upstream outlived the relay: %v", err)
	case <-time.After(grace + 2*time.Second):
		t.Fatal("relay did not close the upstream after the client went away")
	}
	require.Eventually(t, func() bool { return m.Status().ActiveConns == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_UpstreamHalfCloseEndsWithinGrace(t *testing.T) {
	t.Parallel()

	upstreamDone := make(chan struct{})
	up := startUpstream(t, func(c *net.TCPConn) {
		defer close(upstreamDone)
		_, _ = c.Write([]byte("banner"))
		_ = c.CloseWrite()
		// Keep reading until the relay tears the connection down.
		_, _ = io.Copy(io.Discard, c)
	})
	grace := 200 * time.Millisecond
	m := newTestManager(t, []model.Node{nodeAt(t, "US", up.addr())}, Config{GracePeriod: grace})
	require.NoError(t, m.Start(""))

	c := dialRelay(t, m)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "banner", string(got))

	// The client never half-closes, so only the grace deadline ends the pair.
	select {
	case <-upstreamDone:
	case <-time.After(grace + 2*time.Second):
		t.Fatal("relay did not close the upstream after the grace period")
	}
	require.NoError(t, m.Status().LastError)
}

func TestRelay_UnreachableUpstreamClosesClient(t *testing.T) {
	t.Parallel()

	obs := &recordObserver{}
	m := newTestManager(t, []model.Node{nodeAt(t, "US", closedAddr(t))}, Config{DialTimeout: time.Second}, WithObserver(obs))
	require.NoError(t, m.Start(""))

	c := dialRelay(t, m)
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.Error(t, err)
	require.Zero(t, n)

	require.Eventually(t, func() bool {
		return m.Status().LastError != nil
	}, 2*time.Second, 10*time.Millisecond)
	st := m.Status()
	require.ErrorIs(t, st.LastError, ErrUpstreamUnreachable)
	require.True(t, st.Running)

	require.Eventually(t, func() bool {
		out := obs.outcomes()
		return len(out) == 1 && out[0] == model.OutcomeUnreachable
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_DialRetries(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, []model.Node{nodeAt(t, "US", closedAddr(t))}, Config{DialTimeout: time.Second, DialAttempts: 3})
	require.NoError(t, m.Start(""))

	start := time.Now()
	c := dialRelay(t, m)
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	// Two backoff waits of at least 100ms and 200ms separate the attempts.
	require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	require.Eventually(t, func() bool {
		return m.Status().LastError != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, m.Status().LastError, ErrUpstreamUnreachable)
}

func TestRelay_UpstreamResetRecordsTransferError(t *testing.T) {
	t.Parallel()

	up := startUpstream(t, func(c *net.TCPConn) {
		_ = c.SetLinger(0)
	})
	obs := &recordObserver{}
	m := newTestManager(t, []model.Node{nodeAt(t, "US", up.addr())}, Config{}, WithObserver(obs))
	require.NoError(t, m.Start(""))

	c := dialRelay(t, m)
	_, _ = io.ReadAll(c)

	require.Eventually(t, func() bool {
		out := obs.outcomes()
		return len(out) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{model.OutcomeError}, obs.outcomes())
	require.ErrorIs(t, m.Status().LastError, ErrTransfer)
	require.True(t, m.Status().Running)
}

func TestStop_CancelsForwardersWithoutError(t *testing.T) {
	t.Parallel()

	srv := startEcho(t)
	obs := &recordObserver{}
	m := newTestManager(t, []model.Node{nodeAt(t, "US", srv.Addr())}, Config{StopGrace: 100 * time.Millisecond}, WithObserver(obs))
	require.NoError(t, m.Start(""))
	addr := m.Status().ListenAddr

	c := dialRelay(t, m)
	_, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = io.ReadFull(c, make([]byte, 4))
	require.NoError(t, err)

	require.NoError(t, m.Stop())

	_, err = net.DialTimeout("tcp", addr, 500*time.Millisecond)
	require.Error(t, err, "listener must be closed once Stop returns")

	start := time.Now()
	_, _ = io.ReadAll(c)
	require.Less(t, time.Since(start), 2*time.Second)

	require.Eventually(t, func() bool {
		out := obs.outcomes()
		return len(out) == 1 && out[0] == model.OutcomeCancelled
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Status().LastError)
}

func TestStop_NegativeStopGraceClosesImmediately(t *testing.T) {
	t.Parallel()

	srv := startEcho(t)
	m := newTestManager(t, []model.Node{nodeAt(t, "US", srv.Addr())}, Config{StopGrace: -1})
	require.NoError(t, m.Start(""))

	c := dialRelay(t, m)
	_, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = io.ReadFull(c, make([]byte, 4))
	require.NoError(t, err)

	require.NoError(t, m.Stop())
	start := time.Now()
	_, _ = io.ReadAll(c)
	require.Less(t, time.Since(start), time.Second)
	require.NoError(t, m.Status().LastError)
}

func TestMaxConns_RejectsExtraConnections(t *testing.T) {
	t.Parallel()

	srv := startEcho(t)
	obs := &recordObserver{}
	m := newTestManager(t, []model.Node{nodeAt(t, "US", srv.Addr())}, Config{MaxConns: 1}, WithObserver(obs))
	require.NoError(t, m.Start(""))

	first := dialRelay(t, m)
	_, err := first.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = io.ReadFull(first, make([]byte, 4))
	require.NoError(t, err)

	second := dialRelay(t, m)
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		for _, o := range obs.outcomes() {
			if o == model.OutcomeRejected {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// The first connection keeps working.
	_, err = first.Write([]byte("pong"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(first, reply)
	require.NoError(t, err)
	require.Equal(t, "pong", string(reply))
}
