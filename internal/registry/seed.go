package registry

import "vpnrelay/internal/model"

// DefaultNodes is the built-in node set used when no registry file is configured.
func DefaultNodes() []model.Node {
	seed := []struct {
		country string
		host    string
		latency float64
	}{
		{"US", "10.8.0.1", 50},
		{"UK", "10.8.0.2", 70},
		{"DE", "10.8.0.3", 80},
		{"FR", "10.8.0.4", 75},
		{"JP", "10.8.0.5", 100},
	}

	nodes := make([]model.Node, 0, len(seed))
	for _, s := range seed {
		nodes = append(nodes, model.Node{
			Country:  s.country,
			Host:     s.host,
			Port:     1194,
			Protocol: model.ProtocolTCP,
			Status:   model.StatusUnknown,
			Latency:  s.latency,
		})
	}
	return nodes
}
