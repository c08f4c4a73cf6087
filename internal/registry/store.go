package registry

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"vpnrelay/internal/addrutil"
	"vpnrelay/internal/model"
)

// File is the on-disk registry format.
type File struct {
	UpdatedAt time.Time `yaml:"updated_at"`
	Nodes     []Entry   `yaml:"nodes"`
}

// Entry is one node as written in the registry file. Either Endpoint or
// Host/Port must be set.
type Entry struct {
	Country  string  `yaml:"country"`
	Endpoint string  `yaml:"endpoint,omitempty"`
	Host     string  `yaml:"host,omitempty"`
	Port     int     `yaml:"port,omitempty"`
	Protocol string  `yaml:"protocol,omitempty"`
	Status   string  `yaml:"status,omitempty"`
	Latency  float64 `yaml:"latency"`
	Load     float64 `yaml:"load"`
}

// LoadFile loads the registry file. If the file is missing, returns an empty registry.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrapf(err, "read registry %s", path)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse registry %s", path)
	}
	return &f, nil
}

// SaveFile writes the registry file to disk.
func SaveFile(path string, f *File) error {
	if f == nil {
		return nil
	}
	f.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// FileFromNodes converts nodes into their file representation.
func FileFromNodes(nodes []model.Node) *File {
	f := &File{Nodes: make([]Entry, 0, len(nodes))}
	for _, n := range nodes {
		f.Nodes = append(f.Nodes, Entry{
			Country:  n.Country,
			Host:     n.Host,
			Port:     n.Port,
			Protocol: n.Protocol,
			Status:   n.Status,
			Latency:  n.Latency,
			Load:     n.Load,
		})
	}
	return f
}

// ToNodes validates the entries and returns them as nodes, in file order.
func (f *File) ToNodes() ([]model.Node, error) {
	nodes := make([]model.Node, 0, len(f.Nodes))
	seen := make(map[string]bool, len(f.Nodes))
	for i, e := range f.Nodes {
		n, err := e.node()
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", i+1)
		}
		key := n.Key()
		if seen[key] {
			return nil, errors.Errorf("node %d: duplicate node %s", i+1, key)
		}
		seen[key] = true
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (e Entry) node() (model.Node, error) {
	n := model.Node{
		Country:  strings.TrimSpace(e.Country),
		Host:     strings.TrimSpace(e.Host),
		Port:     e.Port,
		Protocol: strings.ToLower(strings.TrimSpace(e.Protocol)),
		Status:   strings.ToLower(strings.TrimSpace(e.Status)),
		Latency:  e.Latency,
		Load:     e.Load,
	}
	if e.Endpoint != "" {
		host, port, err := addrutil.SplitEndpoint(e.Endpoint)
		if err != nil {
			return model.Node{}, err
		}
		n.Host, n.Port = host, port
	}

	if n.Country == "" {
		return model.Node{}, errors.New("country is required")
	}
	if n.Host == "" {
		return model.Node{}, errors.New("host is required")
	}
	if n.Port <= 0 || n.Port > 65535 {
		return model.Node{}, errors.Errorf("invalid port %d", n.Port)
	}
	if err := checkMetrics(n.Latency, n.Load); err != nil {
		return model.Node{}, err
	}

	switch n.Protocol {
	case "":
		n.Protocol = model.ProtocolTCP
	case model.ProtocolTCP, model.ProtocolUDP:
	default:
		return model.Node{}, errors.Errorf("invalid protocol %q", e.Protocol)
	}
	switch n.Status {
	case "":
		n.Status = model.StatusUnknown
	case model.StatusUnknown, model.StatusReachable, model.StatusUnreachable:
	default:
		return model.Node{}, errors.Errorf("invalid status %q", e.Status)
	}
	return n, nil
}

// Open returns a registry backed by path.
//
// An empty path yields the built-in nodes. A missing file is created with the
// built-in nodes so operators have something to edit.
func Open(path string) (*Registry, error) {
	if path == "" {
		return New(DefaultNodes()), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveFile(path, FileFromNodes(DefaultNodes())); err != nil {
			return nil, errors.Wrapf(err, "seed registry %s", path)
		}
	}

	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the backing file and swaps the snapshot. On error the
// previous snapshot stays in place.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return errors.Wrapf(err, "registry %s", r.path)
	}
	// A zero-length file is a write in progress, not an empty registry.
	if info.Size() == 0 {
		return errors.Errorf("registry %s is empty", r.path)
	}
	f, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	nodes, err := f.ToNodes()
	if err != nil {
		return errors.Wrapf(err, "registry %s", r.path)
	}

	r.writeMu.Lock()
	r.store(nodes)
	r.writeMu.Unlock()
	return nil
}
