package addrutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SplitEndpoint parses "host:port" into its parts.
//
// Registry files are hand-edited, so unbracketed IPv6 ("2001:db8::1:1194") is
// accepted as well as the bracketed form; the last ":port" is peeled off.
func SplitEndpoint(endpoint string) (string, int, error) {
	a := strings.TrimSpace(endpoint)
	if a == "" {
		return "", 0, fmt.Errorf("empty endpoint")
	}

	host, portStr, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Count(a, ":") <= 1 || strings.HasPrefix(a, "[") {
			return "", 0, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		last := strings.LastIndexByte(a, ':')
		if last <= 0 || last == len(a)-1 {
			return "", 0, fmt.Errorf("invalid endpoint %q: missing port", endpoint)
		}
		host, portStr = a[:last], a[last+1:]
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid endpoint %q: bad port %q", endpoint, portStr)
	}
	return host, port, nil
}

// PortOf returns the numeric port of a listen address such as "127.0.0.1:1194".
func PortOf(addr string) int {
	_, port, err := SplitEndpoint(addr)
	if err != nil {
		return 0
	}
	return port
}

// BaseURL turns a control address ("127.0.0.1:8000") into an HTTP base URL.
func BaseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
