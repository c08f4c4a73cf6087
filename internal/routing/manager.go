package routing

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"vpnrelay/internal/execx"
	"vpnrelay/internal/fingerprint"
	"vpnrelay/internal/model"
)

// Options describes the host side effects of a session.
type Options struct {
	// Enabled turns on ip route changes. The profile is written regardless.
	Enabled bool
	// Via is the next hop for the host route to the selected node.
	Via string
	// Dev and Table place the extra Routes.
	Dev    string
	Table  int
	Routes []string
	// ProfilePath is where the client profile is written; empty skips it.
	ProfilePath string
	RelayPort   int
}

// Manager executes ip route commands. It is injectable for unit tests and
// satisfies relay.Router.
type Manager struct {
	r    execx.Runner
	opts Options
	fp   fingerprint.Fingerprint
	log  logrus.FieldLogger

	mu      sync.Mutex
	applied [][]string
}

func NewManager(r execx.Runner, opts Options, fp fingerprint.Fingerprint, log logrus.FieldLogger) *Manager {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{r: r, opts: opts, fp: fp, log: log.WithField("component", "routing")}
}

// Apply writes the profile for node and, when enabled, installs routes.
// Routes installed before a failure are still remembered for Restore.
func (m *Manager) Apply(ctx context.Context, node model.Node) error {
	if m.opts.ProfilePath != "" {
		profile := RenderProfile(node, m.fp, m.opts.RelayPort)
		if err := os.MkdirAll(filepath.Dir(m.opts.ProfilePath), 0o755); err != nil {
			return err
		}
		if err := atomicWriteFile(m.opts.ProfilePath, []byte(profile), 0o600); err != nil {
			return fmt.Errorf("write profile: %w", err)
		}
		m.log.WithField("path", m.opts.ProfilePath).Debug("profile written")
	}

	if !m.opts.Enabled {
		return nil
	}

	specs, err := m.routeSpecs(node)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, spec := range specs {
		args := append([]string{"route", "replace"}, spec...)
		if err := m.r.Run(ctx, "ip", args...); err != nil {
			return err
		}
		m.applied = append(m.applied, spec)
	}
	return nil
}

// Restore removes every route installed by Apply, newest first. Routes that
// are already gone are not an error.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for i := len(m.applied) - 1; i >= 0; i-- {
		args := append([]string{"route", "del"}, m.applied[i]...)
		if err := m.r.Run(ctx, "ip", args...); err != nil && !isMissingRoute(err) {
			errs = multierr.Append(errs, err)
		}
	}
	m.applied = nil
	return errs
}

// Applied reports the route specs currently installed.
func (m *Manager) Applied() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.applied))
	copy(out, m.applied)
	return out
}

func (m *Manager) routeSpecs(node model.Node) ([][]string, error) {
	var specs [][]string
	if m.opts.Via != "" {
		addr, err := netip.ParseAddr(node.Host)
		if err != nil {
			return nil, fmt.Errorf("node host %q is not an IP address", node.Host)
		}
		prefix := netip.PrefixFrom(addr, addr.BitLen())
		specs = append(specs, []string{prefix.String(), "via", m.opts.Via})
	}

	for _, cidr := range m.opts.Routes {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return nil, fmt.Errorf("invalid route %q: %w", cidr, err)
		}
		spec := []string{cidr}
		switch {
		case m.opts.Dev != "":
			spec = append(spec, "dev", m.opts.Dev)
		case m.opts.Via != "":
			spec = append(spec, "via", m.opts.Via)
		default:
			return nil, fmt.Errorf("routing.dev or routing.via is required for route %s", cidr)
		}
		if m.opts.Table > 0 {
			spec = append(spec, "table", strconv.Itoa(m.opts.Table))
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func isMissingRoute(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No such process") ||
		strings.Contains(msg, "Cannot find device") ||
		strings.Contains(msg, "not found")
}
