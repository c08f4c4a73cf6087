package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/sizestr"

	"vpnrelay/internal/addrutil"
	"vpnrelay/internal/api"
	"vpnrelay/internal/config"
	"vpnrelay/internal/echo"
	"vpnrelay/internal/fingerprint"
	"vpnrelay/internal/metrics"
	"vpnrelay/internal/model"
	"vpnrelay/internal/registry"
	"vpnrelay/internal/routing"
	"vpnrelay/internal/stunutil"
)

const usage = `vpnrelay - local TCP relay session manager

Usage:
  vpnrelay serve --config <path> [--listen addr] [--relay-listen addr] [--connect] [--country CC]
  vpnrelay connect --control <addr> [--country CC]
  vpnrelay disconnect --control <addr>
  vpnrelay status --control <addr> [--json]
  vpnrelay nodes --config <path> | --control <addr>
  vpnrelay check --control <addr>
  vpnrelay discover --config <path>
  vpnrelay echo serve [--listen :5555]
  vpnrelay ping --addr <relay> [--count 3] [--message ping]
  vpnrelay perf --addr <relay> [--size 1024] [--count 64]
  vpnrelay profile --config <path> [--country CC]
  vpnrelay stats --config <path> [--window 5m]
  vpnrelay export csv --config <path> --out <file>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "serve":
		handleServe(os.Args[2:])
	case "connect":
		handleConnect(os.Args[2:])
	case "disconnect":
		handleDisconnect(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "nodes":
		handleNodes(os.Args[2:])
	case "check":
		handleCheck(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	case "echo":
		handleEcho(os.Args[2:])
	case "ping":
		handlePing(os.Args[2:])
	case "perf":
		handlePerf(os.Args[2:])
	case "profile":
		handleProfile(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	control := fs.String("control", config.DefaultControlListen, "control server address")
	country := fs.String("country", "", "preferred country code (empty = lowest latency)")
	_ = fs.Parse(args)

	res, err := controlClient(*control).Connect(context.Background(), *country)
	if err != nil {
		fatal(err)
	}
	if !res.Success {
		fatal(fmt.Errorf("connect failed: %s", res.Error))
	}
	fmt.Fprintln(os.Stdout, "connected")
}

func handleDisconnect(args []string) {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	control := fs.String("control", config.DefaultControlListen, "control server address")
	_ = fs.Parse(args)

	res, err := controlClient(*control).Disconnect(context.Background())
	if err != nil {
		fatal(err)
	}
	if !res.Success {
		fatal(fmt.Errorf("disconnect failed: %s", res.Error))
	}
	fmt.Fprintln(os.Stdout, "disconnected")
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	control := fs.String("control", config.DefaultControlListen, "control server address")
	asJSON := fs.Bool("json", false, "print raw JSON")
	_ = fs.Parse(args)

	st, err := controlClient(*control).Status(context.Background())
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(st)
		return
	}

	fmt.Fprintf(os.Stdout, "status=%s port=%d active=%d\n", st.ConnectionStatus, st.Port, st.ActiveConnections)
	if st.CurrentNode != nil {
		fmt.Fprintf(os.Stdout, "node=%s %s:%d latency=%.0fms\n", st.CurrentNode.Country, st.CurrentNode.Host, st.CurrentNode.Port, st.CurrentNode.Latency)
	}
	if st.StartedAt != nil {
		fmt.Fprintf(os.Stdout, "started=%s uptime=%s\n", st.StartedAt.Format(time.RFC3339), time.Since(*st.StartedAt).Round(time.Second))
	}
	if st.LastError != nil {
		fmt.Fprintf(os.Stdout, "last_error=%s\n", *st.LastError)
	}
}

func handleNodes(args []string) {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	control := fs.String("control", "", "query a running server instead of the registry file")
	_ = fs.Parse(args)

	var nodes []model.Node
	if *control != "" {
		resp, err := controlClient(*control).Nodes(context.Background())
		if err != nil {
			fatal(err)
		}
		nodes = resp.Nodes
	} else {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		reg, err := registry.Open(cfg.Registry.Path)
		if err != nil {
			fatal(err)
		}
		nodes = reg.List()
	}

	if len(nodes) == 0 {
		fmt.Fprintln(os.Stdout, "no nodes")
		return
	}
	fmt.Fprintf(os.Stdout, "%-8s  %-28s  %-5s  %-9s  %-6s  %-12s\n", "COUNTRY", "ENDPOINT", "PROTO", "LATENCY", "LOAD", "STATUS")
	for _, n := range nodes {
		fmt.Fprintf(os.Stdout, "%-8s  %-28s  %-5s  %-9.1f  %-6.2f  %-12s\n", n.Country, n.Addr(), n.Protocol, n.Latency, n.Load, n.Status)
	}
}

func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	control := fs.String("control", config.DefaultControlListen, "control server address")
	_ = fs.Parse(args)

	res, err := controlClient(*control).Check(context.Background())
	if err != nil {
		fatal(err)
	}
	if !res.Success {
		fatal(fmt.Errorf("check failed: %s", res.Error))
	}
	fmt.Fprintf(os.Stdout, "public_addr=%s nat_type=%s\n", res.PublicAddr, res.NATType)
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	timeout := fs.Duration("timeout", stunutil.DefaultTimeout, "per-server timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *stunList != "" {
		cfg.STUNServers = splitList(*stunList)
	}

	ctx, cancel := signalContext()
	defer cancel()
	res, err := stunutil.Probe(ctx, cfg.STUNServers, *timeout)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "public_addr=%s nat_type=%s\n", res.PublicAddr, res.NATType)
}

func handleEcho(args []string) {
	if len(args) == 0 || args[0] != "serve" {
		fmt.Fprint(os.Stderr, "echo subcommand required: serve\n")
		os.Exit(2)
	}
	fs := flag.NewFlagSet("echo serve", flag.ExitOnError)
	listen := fs.String("listen", echo.DefaultAddr, "listen address")
	_ = fs.Parse(args[1:])

	srv, err := echo.StartServer(*listen)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "echo listening on %s\n", srv.Addr())
	waitForSignal()
	fatal(srv.Close())
}

func handlePing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	addr := fs.String("addr", config.DefaultRelayListen, "relay (or echo) address")
	count := fs.Int("count", 3, "number of probes")
	message := fs.String("message", "ping", "payload to echo")
	interval := fs.Duration("interval", 500*time.Millisecond, "probe interval")
	timeout := fs.Duration("timeout", 2*time.Second, "probe timeout")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	ok := 0
	var total time.Duration
	for i := 0; i < *count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				fatal(ctx.Err())
			case <-time.After(*interval):
			}
		}
		rtt, err := echo.Probe(ctx, *addr, []byte(*message), *timeout)
		if err != nil {
			fmt.Fprintf(os.Stdout, "ping %s seq=%d error=%v\n", *addr, i+1, err)
			continue
		}
		ok++
		total += rtt
		fmt.Fprintf(os.Stdout, "ping %s seq=%d rtt=%.2fms\n", *addr, i+1, float64(rtt.Microseconds())/1000.0)
	}

	loss := 100 * float64(*count-ok) / float64(max(*count, 1))
	avg := 0.0
	if ok > 0 {
		avg = float64(total.Microseconds()) / 1000.0 / float64(ok)
	}
	fmt.Fprintf(os.Stdout, "ping summary addr=%s avg=%.2fms loss=%.2f%%\n", *addr, avg, loss)
	if ok == 0 {
		os.Exit(1)
	}
}

func handlePerf(args []string) {
	fs := flag.NewFlagSet("perf", flag.ExitOnError)
	addr := fs.String("addr", config.DefaultRelayListen, "relay (or echo) address")
	size := fs.Int("size", 1024, "chunk size in bytes")
	count := fs.Int("count", 64, "chunk count")
	timeout := fs.Duration("timeout", 10*time.Second, "overall timeout")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	res, err := echo.Perf(ctx, *addr, *size, *count, *timeout)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "perf addr=%s bytes=%s elapsed=%s throughput=%.2f Mbps\n",
		*addr, sizestr.ToString(res.Bytes), res.Elapsed.Round(time.Millisecond), res.ThroughputMbps)
}

func handleProfile(args []string) {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	country := fs.String("country", "", "preferred country code")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		fatal(err)
	}
	node, err := reg.Select(*country)
	if err != nil {
		fatal(err)
	}
	meta := fingerprint.Generate(time.Now())
	fmt.Fprint(os.Stdout, routing.RenderProfile(node, meta.Fingerprint, addrutil.PortOf(cfg.Relay.Listen)))
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", 5*time.Minute, "time window")
	path := fs.String("path", "", "records CSV path override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	recordsPath := selectRecordsPath(cfg, *path)
	if recordsPath == "" {
		fatal(errors.New("telemetry.records_path or --path required"))
	}

	items, err := metrics.ReadCSV(recordsPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summary := metrics.Summarize(items, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no connections in window")
		return
	}

	fmt.Fprintf(os.Stdout, "connections=%d from=%s to=%s\n", summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "duration avg=%.0fms p95=%.0fms max=%.0fms\n", summary.AvgDurationMs, summary.P95DurationMs, summary.MaxDurationMs)
	fmt.Fprintf(os.Stdout, "bytes up=%s down=%s\n", sizestr.ToString(summary.BytesUp), sizestr.ToString(summary.BytesDown))
	fmt.Fprintf(os.Stdout, "outcomes %s\n", formatCounts(summary.Outcomes))
	fmt.Fprintf(os.Stdout, "countries %s\n", formatCounts(summary.ByCountry))
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	path := fs.String("path", "", "records CSV path override")
	window := fs.Duration("window", 0, "only export records newer than this (0 = all)")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	recordsPath := selectRecordsPath(cfg, *path)
	if recordsPath == "" {
		fatal(errors.New("telemetry.records_path or --path required"))
	}

	items, err := metrics.ReadCSV(recordsPath)
	if err != nil {
		fatal(err)
	}
	if *window > 0 {
		cutoff := time.Now().UTC().Add(-*window)
		kept := items[:0]
		for _, it := range items {
			if !it.StartedAt.Before(cutoff) {
				kept = append(kept, it)
			}
		}
		items = kept
	}

	f, err := os.Create(*out)
	if err != nil {
		fatal(err)
	}
	if err := metrics.WriteCSV(f, items); err != nil {
		_ = f.Close()
		fatal(err)
	}
	fatal(f.Close())
	fmt.Fprintf(os.Stdout, "exported %d records to %s\n", len(items), *out)
}

func loadConfig(path string) (config.Config, error) {
	return config.Load(path)
}

func controlClient(addr string) *api.Client {
	return api.NewClient(addrutil.BaseURL(addr))
}

func selectRecordsPath(cfg config.Config, override string) string {
	if override != "" {
		return override
	}
	return cfg.Telemetry.RecordsPath
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
