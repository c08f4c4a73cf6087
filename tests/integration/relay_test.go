//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// This test builds the binary and drives it over loopback only:
// echo upstream <- serve (relay + control) <- connect/ping/status/disconnect.
//
// It is gated behind -tags=integration and VPNRELAY_INTEGRATION=1 because it
// compiles the module and binds real ports.
func TestRelay_EndToEnd(t *testing.T) {
	if os.Getenv("VPNRELAY_INTEGRATION") != "1" {
		t.Skip("set VPNRELAY_INTEGRATION=1 to run")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("missing go toolchain")
	}

	tmp := t.TempDir()
	bin := filepath.Join(tmp, "vpnrelay")
	run(t, "../..", "go", "build", "-o", bin, "./cmd/vpnrelay")

	echoAddr := freeAddr(t)
	relayAddr := freeAddr(t)
	controlAddr := freeAddr(t)
	echoHost, echoPort, _ := net.SplitHostPort(echoAddr)

	mustWrite(t, filepath.Join(tmp, "nodes.yaml"), fmt.Sprintf(`nodes:
  - country: US
    host: %q
    port: %s
    latency: 50
  - country: DE
    endpoint: "127.0.0.1:1"
    latency: 80
`, echoHost, echoPort))

	records := filepath.Join(tmp, "records.csv")
	cfgPath := filepath.Join(tmp, "vpnrelay.yaml")
	mustWrite(t, cfgPath, fmt.Sprintf(`data_dir: %q
log_level: debug
control:
  listen: %q
  status_interval: 1s
relay:
  listen: %q
  grace_period: 1s
  stop_grace: 500ms
registry:
  path: %q
  watch: true
telemetry:
  records_path: %q
`, tmp, controlAddr, relayAddr, filepath.Join(tmp, "nodes.yaml"), records))

	start(t, bin, "echo", "serve", "--listen", echoAddr)
	start(t, bin, "serve", "--config", cfgPath)
	waitDial(t, controlAddr)
	waitDial(t, echoAddr)

	out := runOut(t, ".", bin, "connect", "--control", controlAddr, "--country", "us")
	if !bytes.Contains(out, []byte("connected")) {
		t.Fatalf("connect output: %s", out)
	}

	out = runOut(t, ".", bin, "ping", "--addr", relayAddr, "--count", "2", "--interval", "50ms")
	if !bytes.Contains(out, []byte("loss=0.00%")) {
		t.Fatalf("ping output: %s", out)
	}

	var st struct {
		Running     bool `json:"running"`
		CurrentNode *struct {
			Country string `json:"country"`
		} `json:"current_node"`
	}
	out = runOut(t, ".", bin, "status", "--control", controlAddr, "--json")
	if err := json.Unmarshal(out, &st); err != nil {
		t.Fatalf("status json: %v\n%s", err, out)
	}
	if !st.Running || st.CurrentNode == nil || st.CurrentNode.Country != "US" {
		t.Fatalf("status: %s", out)
	}

	runOut(t, ".", bin, "disconnect", "--control", controlAddr)

	// Records are appended as forwarders finish.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(records)
		if strings.Count(string(data), ",ok,") >= 2 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	data, _ := os.ReadFile(records)
	t.Fatalf("records not written\n%s", data)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitDial(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("%s never came up", addr)
}

func start(t *testing.T, bin string, args ...string) {
	t.Helper()
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %v: %v", args, err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
		}
	})
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, string(out))
	}
}

func runOut(t *testing.T, dir, name string, args ...string) []byte {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, string(out))
	}
	return out
}
