package netmon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rickgao/venuesync/internal/clock"
)

// ReachableFunc reports host-level connectivity.
type ReachableFunc func() bool

// InterfacesUp reports whether any non-loopback interface is up with at
// least one address assigned.
func InterfacesUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Watch polls reachable every interval and feeds the result to SetOnline
// until ctx is done.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, reachable ReachableFunc) {
	if reachable == nil {
		reachable = InterfacesUp
	}
	m.SetOnline(reachable())
	for clock.Sleep(m.clock, interval, ctx.Done()) {
		m.SetOnline(reachable())
	}
}

// HTTPProbe returns a ProbeFunc issuing a GET against url. Any response
// below 500 counts as a completed round trip.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}
