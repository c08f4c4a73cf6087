package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"vpnrelay/internal/model"
)

// forward relays one accepted client connection to the session node.
func (m *Manager) forward(sess *session, client net.Conn) {
	defer m.wg.Done()
	if m.sem != nil {
		defer m.sem.Release(1)
	}

	rec := model.ConnRecord{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Client:    client.RemoteAddr().String(),
		Upstream:  sess.node.Addr(),
		Country:   sess.node.Country,
	}
	log := m.log.WithFields(logrus.Fields{
		"conn_id":  rec.ID,
		"client":   rec.Client,
		"upstream": rec.Upstream,
	})

	m.active.Add(1)
	m.obs.ConnOpened()
	defer func() {
		m.active.Add(-1)
		rec.Duration = time.Since(rec.StartedAt)
		m.obs.ConnClosed(rec)
	}()

	upstream, err := m.dial(sess.ctx, sess.node)
	if err != nil {
		_ = client.Close()
		if sess.ctx.Err() != nil {
			rec.Outcome = model.OutcomeCancelled
			return
		}
		err = fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, rec.Upstream, err)
		m.setError(err)
		rec.Outcome = model.OutcomeUnreachable
		rec.Error = err.Error()
		log.WithError(err).Warn("upstream dial failed")
		return
	}
	log.Debug("connection opened")

	res := m.pipe(sess.ctx, client, upstream)
	rec.BytesUp, rec.BytesDown = res.up, res.down

	fields := logrus.Fields{
		"up":       sizestr.ToString(res.up),
		"down":     sizestr.ToString(res.down),
		"duration": time.Since(rec.StartedAt).Round(time.Millisecond),
	}
	switch {
	case res.err != nil:
		err := fmt.Errorf("%w: %w", ErrTransfer, res.err)
		m.setError(err)
		rec.Outcome = model.OutcomeError
		rec.Error = err.Error()
		log.WithFields(fields).WithError(err).Warn("connection failed")
	case res.cancelled:
		rec.Outcome = model.OutcomeCancelled
		log.WithFields(fields).Debug("connection cancelled")
	default:
		rec.Outcome = model.OutcomeOK
		log.WithFields(fields).Debug("connection closed")
	}
	if res.closeErr != nil {
		log.WithError(res.closeErr).Debug("close")
	}
}

func (m *Manager) dial(ctx context.Context, node model.Node) (net.Conn, error) {
	d := net.Dialer{Timeout: m.cfg.DialTimeout}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2}

	var lastErr error
	for attempt := 0; attempt < m.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		// Node protocol is descriptive; the relay always carries TCP.
		conn, err := d.DialContext(ctx, "tcp", node.Addr())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

type pipeResult struct {
	up, down  int64
	err       error
	cancelled bool
	closeErr  error
}

// pipe copies client<->upstream until both directions finish.
//
// EOF on one side half-closes the peer and arms the grace deadline for the
// other direction. A genuine error closes both sockets at once. Session
// cancellation arms the stop grace deadline. Errors caused by our own
// deadlines or closes are not reported.
func (m *Manager) pipe(ctx context.Context, client, upstream net.Conn) pipeResult {
	var (
		res       pipeResult
		wg        sync.WaitGroup
		forced    atomic.Bool
		graceSet  atomic.Bool
		errOnce   sync.Once
		closeOnce sync.Once
	)

	closeBoth := func() {
		closeOnce.Do(func() {
			forced.Store(true)
			res.closeErr = multierr.Combine(client.Close(), upstream.Close())
		})
	}
	setDeadline := func(d time.Duration) {
		t := time.Now().Add(d)
		_ = client.SetDeadline(t)
		_ = upstream.SetDeadline(t)
	}

	stop := context.AfterFunc(ctx, func() {
		if m.cfg.StopGrace <= 0 {
			closeBoth()
			return
		}
		graceSet.Store(true)
		setDeadline(m.cfg.StopGrace)
	})
	defer stop()

	copyHalf := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		buf := m.bufs.Get().(*[]byte)
		defer m.bufs.Put(buf)

		// Wrapping hides ReadFrom/WriteTo so transfers go through buf.
		written, err := io.CopyBuffer(writerOnly{dst}, readerOnly{src}, *buf)
		atomic.StoreInt64(n, written)
		if err == nil {
			if cw, ok := dst.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
			if graceSet.CompareAndSwap(false, true) {
				setDeadline(m.cfg.GracePeriod)
			}
			return
		}
		if forced.Load() || ctx.Err() != nil {
			return
		}
		if graceSet.Load() && errors.Is(err, os.ErrDeadlineExceeded) {
			return
		}
		errOnce.Do(func() { res.err = err })
		closeBoth()
	}

	wg.Add(2)
	go copyHalf(upstream, client, &res.up)
	go copyHalf(client, upstream, &res.down)
	wg.Wait()

	closeBoth()
	res.cancelled = ctx.Err() != nil && res.err == nil
	return res
}

type readerOnly struct{ io.Reader }

type writerOnly struct{ io.Writer }
