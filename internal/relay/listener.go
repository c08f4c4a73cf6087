package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"vpnrelay/internal/model"
)

// acceptLoop runs while the session listener is open.
func (m *Manager) acceptLoop(sess *session) {
	defer m.wg.Done()

	log := m.log.WithField("listen", sess.ln.Addr().String())
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		conn, err := sess.ln.Accept()
		if err != nil {
			if sess.ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				m.listenerLost(sess, err)
				return
			}
			m.setError(fmt.Errorf("accept: %w", err))
			wait := b.Duration()
			log.WithError(err).WithField("retry_in", wait).Warn("accept failed")
			select {
			case <-sess.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		if sess.ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		if m.sem != nil && !m.sem.TryAcquire(1) {
			m.reject(sess, conn)
			continue
		}

		m.wg.Add(1)
		go m.forward(sess, conn)
	}
}

func (m *Manager) reject(sess *session, conn net.Conn) {
	client := conn.RemoteAddr().String()
	_ = conn.Close()
	m.log.WithField("client", client).Warn("connection limit reached; rejecting")
	m.obs.ConnClosed(model.ConnRecord{
		StartedAt: time.Now().UTC(),
		Client:    client,
		Upstream:  sess.node.Addr(),
		Country:   sess.node.Country,
		Outcome:   model.OutcomeRejected,
	})
}
