// Package fingerprint generates the descriptive connection metadata shown by
// the control surface. None of it affects how bytes are relayed.
package fingerprint

import (
	"math/rand"
	"time"
)

// Fingerprint is opaque per-process metadata.
type Fingerprint struct {
	MTU           int       `json:"mtu"`
	TCPWindowSize int       `json:"tcp_window_size"`
	TCPTimestamps bool      `json:"tcp_timestamps"`
	TCPSack       bool      `json:"tcp_sack"`
	TCPECN        bool      `json:"tcp_ecn"`
	Timestamp     time.Time `json:"timestamp"`
}

// Route is one display-only routing entry.
type Route struct {
	Destination string `json:"destination"`
	NextHop     string `json:"next_hop"`
}

// RoutingTable is display-only routing metadata.
type RoutingTable struct {
	DefaultGateway string   `json:"default_gateway"`
	LocalNetwork   string   `json:"local_network"`
	VPNNetwork     string   `json:"vpn_network"`
	DNSServers     []string `json:"dns_servers"`
	MTU            int      `json:"mtu"`
	Routes         []Route  `json:"routes"`
}

// Metadata bundles both values so they are generated together.
type Metadata struct {
	Fingerprint  Fingerprint  `json:"fingerprint"`
	RoutingTable RoutingTable `json:"routing_table"`
}

var (
	mtus        = []int{1400, 1500, 1600}
	windowSizes = []int{65535, 65536, 65537}
)

// Generate builds a fresh random fingerprint and the routing table that goes with it.
func Generate(now time.Time) Metadata {
	fp := Fingerprint{
		MTU:           mtus[rand.Intn(len(mtus))],
		TCPWindowSize: windowSizes[rand.Intn(len(windowSizes))],
		TCPTimestamps: rand.Intn(2) == 1,
		TCPSack:       rand.Intn(2) == 1,
		TCPECN:        rand.Intn(2) == 1,
		Timestamp:     now.UTC(),
	}
	return Metadata{Fingerprint: fp, RoutingTable: NewRoutingTable(fp.MTU)}
}

// NewRoutingTable returns the fixed display routing table for the given MTU.
func NewRoutingTable(mtu int) RoutingTable {
	return RoutingTable{
		DefaultGateway: "0.0.0.0/0",
		LocalNetwork:   "192.168.1.0/24",
		VPNNetwork:     "10.8.0.0/24",
		DNSServers:     []string{"8.8.8.8", "8.8.4.4", "1.1.1.1"},
		MTU:            mtu,
		Routes: []Route{
			{Destination: "0.0.0.0/0", NextHop: "10.8.0.1"},
			{Destination: "10.8.0.0/24", NextHop: "10.8.0.1"},
			{Destination: "192.168.1.0/24", NextHop: "192.168.1.1"},
		},
	}
}
