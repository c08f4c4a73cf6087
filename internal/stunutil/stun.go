package stunutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

const DefaultTimeout = 3 * time.Second

var ErrNoServers = errors.New("no STUN servers provided")

// Result is the outcome of a public address check.
type Result struct {
	PublicAddr string   `json:"public_addr"`
	NATType    string   `json:"nat_type"`
	Mapped     []string `json:"mapped,omitempty"`
}

// Prober checks the public address against a fixed server list.
type Prober struct {
	Servers []string
	Timeout time.Duration
}

func (p Prober) Check(ctx context.Context) (Result, error) {
	return Probe(ctx, p.Servers, p.Timeout)
}

// Probe queries all STUN servers concurrently for the mapped address. The
// first server that answers, in list order, provides PublicAddr.
// The mapped address belongs to the STUN socket and may differ for others.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		return Result{NATType: NATTypeUnknown}, ErrNoServers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	mapped := make([]string, len(servers))
	var (
		mu      sync.Mutex
		lastErr error
	)
	var g errgroup.Group
	for i, server := range servers {
		i, server := i, server
		g.Go(func() error {
			addr, err := probeServer(ctx, server, timeout)
			if err != nil {
				mu.Lock()
				lastErr = errors.Wrapf(err, "stun %s", server)
				mu.Unlock()
				return nil
			}
			mapped[i] = addr
			return nil
		})
	}
	_ = g.Wait()

	results := make([]string, 0, len(mapped))
	for _, addr := range mapped {
		if addr != "" {
			results = append(results, addr)
		}
	}
	if len(results) == 0 {
		if lastErr == nil {
			lastErr = errors.New("STUN probe failed")
		}
		return Result{NATType: NATTypeUnknown}, lastErr
	}

	return Result{
		PublicAddr: results[0],
		NATType:    Classify(results),
		Mapped:     results,
	}, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func normalizeURI(server string) (string, error) {
	s := strings.TrimSpace(server)
	if s == "" {
		return "", errors.New("empty STUN server")
	}
	if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
		s = "stun:" + s
	}
	return s, nil
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr, err := normalizeURI(server)
	if err != nil {
		return "", err
	}
	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	done := make(chan struct{})
	var (
		addr    stun.XORMappedAddress
		probErr error
	)

	go func() {
		defer close(done)
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				probErr = res.Error
				return
			}
			probErr = addr.GetFrom(res.Message)
		})
		if err != nil {
			probErr = err
		}
	}()

	select {
	case <-done:
		if probErr != nil {
			return "", probErr
		}
		return addr.String(), nil
	case <-ctx.Done():
		// Close unblocks Do; wait so the goroutine does not outlive the call.
		_ = client.Close()
		<-done
		return "", ctx.Err()
	}
}
