package registry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"vpnrelay/internal/model"
)

var (
	ErrNoNodesAvailable = errors.New("no nodes available")
	ErrNodeNotFound     = errors.New("node not found")
)

// Registry holds the ordered set of upstream nodes.
//
// Readers work on an immutable snapshot; reloads and health updates swap in a
// new slice, so a Select never observes a half-applied change.
type Registry struct {
	path  string
	nodes atomic.Pointer[[]model.Node]
	// writeMu serializes copy-on-write updates.
	writeMu sync.Mutex
}

// New builds an in-memory registry. The slice is copied.
func New(nodes []model.Node) *Registry {
	r := &Registry{}
	r.store(nodes)
	return r
}

// Path returns the backing file, if any.
func (r *Registry) Path() string {
	return r.path
}

// List returns a copy of the nodes in registry order.
func (r *Registry) List() []model.Node {
	snap := r.snapshot()
	out := make([]model.Node, len(snap))
	copy(out, snap)
	return out
}

// Select picks a node for the given country preference. See SelectNode.
func (r *Registry) Select(preference string) (model.Node, error) {
	return SelectNode(r.snapshot(), preference)
}

// SelectNode picks a node from nodes without side effects.
//
// A non-empty preference returns the first node whose country matches it
// case-insensitively, or ErrNodeNotFound. An empty preference returns the
// node with the lowest latency; ties go to the node listed first.
func SelectNode(nodes []model.Node, preference string) (model.Node, error) {
	pref := strings.TrimSpace(preference)
	if pref != "" {
		for _, n := range nodes {
			if strings.EqualFold(n.Country, pref) {
				return n, nil
			}
		}
		return model.Node{}, fmt.Errorf("%w: country %q", ErrNodeNotFound, pref)
	}
	if len(nodes) == 0 {
		return model.Node{}, ErrNoNodesAvailable
	}

	best := 0
	for i := 1; i < len(nodes); i++ {
		if nodes[i].Latency < nodes[best].Latency {
			best = i
		}
	}
	return nodes[best], nil
}

// Health is an out-of-band measurement for one node.
type Health struct {
	Latency float64
	Load    float64
	Status  string
}

// UpdateHealth replaces the health metrics of the node identified by key
// (see model.Node.Key).
func (r *Registry) UpdateHealth(key string, h Health) error {
	if err := checkMetrics(h.Latency, h.Load); err != nil {
		return err
	}
	switch h.Status {
	case "":
		h.Status = model.StatusUnknown
	case model.StatusUnknown, model.StatusReachable, model.StatusUnreachable:
	default:
		return fmt.Errorf("invalid status %q", h.Status)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	snap := r.snapshot()
	next := make([]model.Node, len(snap))
	copy(next, snap)
	for i := range next {
		if !strings.EqualFold(next[i].Key(), key) {
			continue
		}
		next[i].Latency = h.Latency
		next[i].Load = h.Load
		next[i].Status = h.Status
		r.nodes.Store(&next)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNodeNotFound, key)
}

// checkMetrics requires finite, non-negative latency and load.
func checkMetrics(latency, load float64) error {
	for _, v := range []float64{latency, load} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("latency and load must be finite and >= 0")
		}
	}
	return nil
}

func (r *Registry) snapshot() []model.Node {
	p := r.nodes.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (r *Registry) store(nodes []model.Node) {
	next := make([]model.Node, len(nodes))
	copy(next, nodes)
	r.nodes.Store(&next)
}
