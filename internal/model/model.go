package model

import (
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

const (
	StatusUnknown     = "unknown"
	StatusReachable   = "reachable"
	StatusUnreachable = "unreachable"
)

// Node is a relay upstream the session can forward to.
// Latency, Load and Status are health metrics maintained out-of-band.
type Node struct {
	Country  string  `json:"country" yaml:"country"`
	Host     string  `json:"host" yaml:"host"`
	Port     int     `json:"port" yaml:"port"`
	Protocol string  `json:"protocol" yaml:"protocol"`
	Status   string  `json:"status" yaml:"status"`
	Latency  float64 `json:"latency" yaml:"latency"`
	Load     float64 `json:"load" yaml:"load"`
}

// Key identifies a node by (country, host, port).
func (n Node) Key() string {
	return strings.ToUpper(n.Country) + "/" + n.Addr()
}

// Addr returns the dialable host:port form.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

const (
	OutcomeOK          = "ok"
	OutcomeUnreachable = "unreachable"
	OutcomeError       = "error"
	OutcomeCancelled   = "cancelled"
	OutcomeRejected    = "rejected"
)

// ConnRecord describes one finished relay connection.
type ConnRecord struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Client    string
	Upstream  string
	Country   string
	BytesUp   int64 // client -> upstream
	BytesDown int64 // upstream -> client
	Outcome   string
	Error     string
}
