// Package selector picks the concrete VPN server for a tunnel's region. It
// pulls candidates from a server directory, resolves them, and probes
// reachability concurrently, preferring the lowest round-trip time.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
)

// Server is one candidate endpoint in a region.
type Server struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	RegionID string `json:"region"`
}

// Directory lists candidate servers for a region.
type Directory interface {
	Servers(ctx context.Context, regionID string) ([]Server, error)
}

// Selector probes directory candidates and picks the best one.
type Selector struct {
	directory    Directory
	resolver     *Resolver
	probeTimeout time.Duration
	concurrency  int
	logger       *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithResolver sets a custom DNS resolver.
func WithResolver(r *Resolver) Option {
	return func(s *Selector) { s.resolver = r }
}

// WithProbeTimeout bounds each individual reachability probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Selector) { s.probeTimeout = d }
}

// WithConcurrency caps how many probes run at once.
func WithConcurrency(n int) Option {
	return func(s *Selector) { s.concurrency = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) { s.logger = l }
}

// New creates a Selector over a directory.
func New(directory Directory, opts ...Option) *Selector {
	s := &Selector{
		directory:    directory,
		resolver:     NewResolver(""),
		probeTimeout: 3 * time.Second,
		concurrency:  8,
		logger:       logging.WithComponent("selector"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type probeResult struct {
	server Server
	rtt    time.Duration
	err    error
}

// Select returns the lowest-latency reachable server in the region.
func (s *Selector) Select(ctx context.Context, regionID string) (Server, error) {
	servers, err := s.directory.Servers(ctx, regionID)
	if err != nil {
		return Server{}, fmt.Errorf("list servers for region %s: %w", regionID, err)
	}
	if len(servers) == 0 {
		return Server{}, fmt.Errorf("no servers available in region %s", regionID)
	}

	results := make([]probeResult, len(servers))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for i, srv := range servers {
		wg.Add(1)
		go func(i int, srv Server) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			rtt, err := s.probe(ctx, srv)
			results[i] = probeResult{server: srv, rtt: rtt, err: err}
		}(i, srv)
	}
	wg.Wait()

	best := -1
	for i, r := range results {
		if r.err != nil {
			s.logger.Debug("probe failed",
				slog.String("server", r.server.Hostname),
				slog.String("error", r.err.Error()))
			continue
		}
		if best < 0 || r.rtt < results[best].rtt {
			best = i
		}
	}
	if best < 0 {
		return Server{}, fmt.Errorf("no reachable server in region %s (%d probed)", regionID, len(servers))
	}

	s.logger.Info("server selected",
		slog.String("region", regionID),
		slog.String("server", results[best].server.Hostname),
		slog.Duration("rtt", results[best].rtt))
	return results[best].server, nil
}

// probe resolves the server and measures a TCP connect round trip.
func (s *Selector) probe(ctx context.Context, srv Server) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	addr, err := s.resolver.Resolve(ctx, srv.Hostname)
	if err != nil {
		return 0, err
	}
	return probeTCP(ctx, netip.AddrPortFrom(addr, uint16(srv.Port)))
}
