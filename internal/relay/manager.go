package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"vpnrelay/internal/model"
)

const (
	DefaultListenAddr   = "127.0.0.1:1194"
	DefaultDialTimeout  = 5 * time.Second
	DefaultDialAttempts = 1
	DefaultGracePeriod  = 5 * time.Second
	DefaultStopGrace    = 2 * time.Second
	DefaultChunkSize    = 32 * 1024

	routeTimeout = 10 * time.Second
)

// Config tunes the relay. Zero values fall back to the Default* constants,
// except MaxConns where zero means unlimited. A negative StopGrace closes
// forwarders immediately on Stop.
type Config struct {
	ListenAddr   string
	DialTimeout  time.Duration
	DialAttempts int
	// GracePeriod bounds how long the remaining direction may drain after
	// the other side reached EOF.
	GracePeriod time.Duration
	// StopGrace bounds how long forwarders may keep running after Stop.
	StopGrace time.Duration
	ChunkSize int
	MaxConns  int
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.StopGrace == 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
}

// Selector picks the upstream node for a session.
type Selector interface {
	Select(preference string) (model.Node, error)
}

// Router applies and reverts host routing side effects for a session.
type Router interface {
	Apply(ctx context.Context, node model.Node) error
	Restore(ctx context.Context) error
}

// Observer receives session and connection events.
type Observer interface {
	SessionStarted(node model.Node, err error)
	SessionStopped()
	ConnOpened()
	ConnClosed(rec model.ConnRecord)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(model.Node, error) {}
func (nopObserver) SessionStopped()                  {}
func (nopObserver) ConnOpened()                      {}
func (nopObserver) ConnClosed(model.ConnRecord)      {}

// Option configures a Manager.
type Option func(*Manager)

func WithRouter(r Router) Option { return func(m *Manager) { m.router = r } }

func WithObserver(o Observer) Option { return func(m *Manager) { m.obs = o } }

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l.WithField("component", "relay") }
}

// State is a point-in-time copy of the session.
type State struct {
	Running     bool
	CurrentNode *model.Node
	LastError   error
	// ListenAddr is the bound address while running, the configured one otherwise.
	ListenAddr  string
	StartedAt   time.Time
	ActiveConns int64
}

type session struct {
	ln     net.Listener
	node   model.Node
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns the relay session. It is the only writer of session state.
type Manager struct {
	cfg      Config
	selector Selector
	router   Router
	obs      Observer
	log      *logrus.Entry

	// opMu serializes Start and Stop so side effects never interleave.
	opMu sync.Mutex

	mu        sync.Mutex
	sess      *session
	current   *model.Node
	lastErr   error
	startedAt time.Time

	active atomic.Int64
	sem    *semaphore.Weighted
	bufs   sync.Pool
	wg     sync.WaitGroup
}

// NewManager builds an idle manager.
func NewManager(cfg Config, sel Selector, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		selector: sel,
		obs:      nopObserver{},
		log:      logrus.StandardLogger().WithField("component", "relay"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.MaxConns > 0 {
		m.sem = semaphore.NewWeighted(int64(cfg.MaxConns))
	}
	size := cfg.ChunkSize
	m.bufs.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return m
}

// Start selects a node, binds the listen address and begins accepting.
// It returns once the accept loop is running.
func (m *Manager) Start(preference string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	running := m.sess != nil
	m.mu.Unlock()
	if running {
		return ErrAlreadyRunning
	}

	node, err := m.selector.Select(preference)
	if err != nil {
		m.setError(err)
		m.obs.SessionStarted(model.Node{}, err)
		return err
	}

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrBind, m.cfg.ListenAddr, err)
		m.setError(err)
		m.obs.SessionStarted(node, err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{ln: ln, node: node, ctx: ctx, cancel: cancel}

	m.mu.Lock()
	m.sess = sess
	current := node
	m.current = &current
	m.lastErr = nil
	m.startedAt = time.Now().UTC()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.acceptLoop(sess)

	log := m.log.WithFields(logrus.Fields{
		"listen":   ln.Addr().String(),
		"country":  node.Country,
		"upstream": node.Addr(),
	})
	if m.router != nil {
		rctx, rcancel := context.WithTimeout(context.Background(), routeTimeout)
		if err := m.router.Apply(rctx, node); err != nil {
			log.WithError(err).Warn("routing apply failed; relaying without it")
		}
		rcancel()
	}

	m.obs.SessionStarted(node, nil)
	log.Info("relay started")
	return nil
}

// Stop closes the listener and cancels forwarders. Forwarders drain in the
// background; use Shutdown to wait for them.
func (m *Manager) Stop() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sess := m.sess
	if sess == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	sess.cancel()
	closeErr := sess.ln.Close()
	m.sess = nil
	m.current = nil
	m.startedAt = time.Time{}
	m.mu.Unlock()

	log := m.log.WithField("listen", sess.ln.Addr().String())
	if closeErr != nil {
		log.WithError(closeErr).Debug("listener close")
	}
	if err := m.restoreRouting(); err != nil {
		m.setError(err)
		log.WithError(err).Warn("routing restore failed")
	}

	m.obs.SessionStopped()
	log.Info("relay stopped")
	return nil
}

// Status returns a consistent copy of the session state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{
		Running:     m.sess != nil,
		LastError:   m.lastErr,
		ListenAddr:  m.cfg.ListenAddr,
		StartedAt:   m.startedAt,
		ActiveConns: m.active.Load(),
	}
	if m.current != nil {
		n := *m.current
		st.CurrentNode = &n
	}
	if m.sess != nil {
		st.ListenAddr = m.sess.ln.Addr().String()
	}
	return st
}

// Shutdown stops a running session and waits for the accept loop and all
// forwarders to exit, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) restoreRouting() error {
	if m.router == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()
	if err := m.router.Restore(ctx); err != nil {
		return fmt.Errorf("restore routing: %w", err)
	}
	return nil
}

// listenerLost handles a listener that closed without Stop being called.
func (m *Manager) listenerLost(sess *session, cause error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.current = nil
	m.startedAt = time.Time{}
	m.lastErr = fmt.Errorf("listener lost: %w", cause)
	m.mu.Unlock()
	sess.cancel()

	if err := m.restoreRouting(); err != nil {
		m.log.WithError(err).Warn("routing restore failed")
	}
	m.obs.SessionStopped()
	m.log.WithError(cause).Error("listener lost; relay stopped")
}
