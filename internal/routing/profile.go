package routing

import (
	"fmt"
	"strconv"
	"strings"

	"vpnrelay/internal/fingerprint"
	"vpnrelay/internal/model"
)

// RenderProfile renders the client profile written next to the relay. The
// cipher and auth lines are informational; the relay does not encrypt.
func RenderProfile(node model.Node, fp fingerprint.Fingerprint, relayPort int) string {
	lines := []string{
		"interface mtu " + strconv.Itoa(fp.MTU),
		"proto tcp",
		"port " + strconv.Itoa(relayPort),
		"dev tun",
		fmt.Sprintf("remote %s %d", node.Host, node.Port),
		"cipher AES-256-CBC",
		"auth SHA256",
		"resolv-retry infinite",
		"nobind",
		"persist-key",
		"persist-tun",
		"remote-cert-tls server",
		"verify-x509-name server_XYZ1234567890",
		"auth-user-pass auth.txt",
		"comp-lzo",
		"verb 3",
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}
