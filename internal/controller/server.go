package controller

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/sirupsen/logrus"
	"goji.io"
	"goji.io/pat"

	"vpnrelay/internal/api"
	"vpnrelay/internal/fingerprint"
	"vpnrelay/internal/model"
	"vpnrelay/internal/registry"
	"vpnrelay/internal/relay"
	"vpnrelay/internal/stunutil"
)

//go:embed web
var webFS embed.FS

const (
	DefaultStatusInterval = 5 * time.Second
	checkTimeout          = 10 * time.Second
)

// Session is the relay session the control surface drives.
type Session interface {
	Start(preference string) error
	Stop() error
	Status() relay.State
}

// Nodes is the registry view served by /api/nodes.
type Nodes interface {
	List() []model.Node
	UpdateHealth(key string, h registry.Health) error
}

// Checker probes the public address.
type Checker interface {
	Check(ctx context.Context) (stunutil.Result, error)
}

// Options configures optional parts of the control surface.
type Options struct {
	AllowOrigin    string
	RequestLog     bool
	StatusInterval time.Duration
	// Metrics is mounted on /metrics when non-nil.
	Metrics http.Handler
	// Checker backs /api/check; nil reports the check as unavailable.
	Checker Checker
	Log     logrus.FieldLogger
}

// Server provides the control HTTP API. It holds no session state of its
// own; everything is read from the injected Session and Nodes.
type Server struct {
	sess  Session
	nodes Nodes
	meta  fingerprint.Metadata
	opts  Options
	log   *logrus.Entry

	handler http.Handler

	srvMu sync.Mutex
	srv   *http.Server

	// done is closed by Shutdown to end websocket streams, which
	// http.Server.Shutdown does not track.
	done     chan struct{}
	doneOnce sync.Once
	streams  sync.WaitGroup
}

// NewServer constructs a control server.
func NewServer(sess Session, nodes Nodes, meta fingerprint.Metadata, opts Options) *Server {
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		sess:  sess,
		nodes: nodes,
		meta:  meta,
		opts:  opts,
		log:   log.WithField("component", "control"),
		done:  make(chan struct{}),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := goji.NewMux()
	mux.Use(s.cors)

	mux.HandleFunc(pat.Post("/"), s.handleAction)
	mux.HandleFunc(pat.Post("/api/connect"), s.handleConnect)
	mux.HandleFunc(pat.Post("/api/disconnect"), s.handleDisconnect)
	mux.HandleFunc(pat.Get("/api/status"), s.handleStatus)
	mux.HandleFunc(pat.Get("/api/nodes"), s.handleNodes)
	mux.HandleFunc(pat.Post("/api/nodes/health"), s.handleHealth)
	mux.HandleFunc(pat.Get("/api/check"), s.handleCheck)
	mux.HandleFunc(pat.Get("/api/events"), s.handleEvents)
	if s.opts.Metrics != nil {
		mux.Handle(pat.Get("/metrics"), s.opts.Metrics)
	}

	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		panic(err)
	}
	mux.Handle(pat.Get("/*"), http.FileServer(http.FS(sub)))

	var h http.Handler = mux
	if s.opts.RequestLog {
		h = requestlog.Wrap(h)
	}
	return h
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve runs the HTTP server on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()
	s.log.WithField("addr", ln.Addr().String()).Info("control listening")
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe binds addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown ends event streams and gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	waited := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.opts.AllowOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}
