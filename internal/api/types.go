package api

import (
	"time"

	"vpnrelay/internal/fingerprint"
	"vpnrelay/internal/model"
)

const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionStatus     = "status"

	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

// ActionRequest is the body of POST /. Country is only read by connect.
type ActionRequest struct {
	Action  string `json:"action"`
	Country string `json:"country,omitempty"`
}

// ActionResponse answers POST /. Status and Servers are set for the status
// action only.
type ActionResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Status  *StatusResponse `json:"status,omitempty"`
	Servers []ServerView    `json:"servers,omitempty"`
}

// ConnectRequest is the body of POST /api/connect. An empty country selects
// the lowest latency node.
type ConnectRequest struct {
	Country string `json:"country,omitempty"`
}

// Result answers connect and disconnect.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CurrentNode is the node a running session forwards to.
type CurrentNode struct {
	Country string  `json:"country"`
	Host    string  `json:"host"`
	Port    int     `json:"port"`
	Latency float64 `json:"latency"`
}

// StatusResponse is served by GET /api/status and pushed on /api/events.
type StatusResponse struct {
	Running           bool                     `json:"running"`
	Port              int                      `json:"port"`
	ConnectionStatus  string                   `json:"connection_status"`
	CurrentNode       *CurrentNode             `json:"current_node"`
	LastError         *string                  `json:"last_error"`
	ActiveConnections int64                    `json:"active_connections"`
	StartedAt         *time.Time               `json:"started_at,omitempty"`
	Fingerprint       fingerprint.Fingerprint  `json:"fingerprint"`
	RoutingTable      fingerprint.RoutingTable `json:"routing_table"`
}

// ServerView is the short node form listed by the status action.
type ServerView struct {
	Country string `json:"country"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// NodesResponse is served by GET /api/nodes.
type NodesResponse struct {
	Nodes []model.Node `json:"nodes"`
}

// HealthRequest is the body of POST /api/nodes/health. The node is addressed
// by country, host and port.
type HealthRequest struct {
	Country string  `json:"country"`
	Host    string  `json:"host"`
	Port    int     `json:"port"`
	Latency float64 `json:"latency"`
	Load    float64 `json:"load"`
	Status  string  `json:"status,omitempty"`
}

// Key matches model.Node.Key.
func (h HealthRequest) Key() string {
	return model.Node{Country: h.Country, Host: h.Host, Port: h.Port}.Key()
}

// CheckResponse is served by GET /api/check.
type CheckResponse struct {
	Success    bool   `json:"success"`
	PublicAddr string `json:"public_addr,omitempty"`
	NATType    string `json:"nat_type"`
	Error      string `json:"error,omitempty"`
}

// ErrorResponse is the body of non-2xx replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
