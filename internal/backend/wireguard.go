package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

// WireGuardOptions configures the WireGuard driver. The session runs on a
// userspace netstack device, so no OS tunnel interface or privileges are
// needed.
type WireGuardOptions struct {
	Address             string        `yaml:"address"` // Local tunnel address (e.g. "10.64.0.2/32")
	DNS                 []string      `yaml:"dns"`
	MTU                 int           `yaml:"mtu"`
	PersistentKeepalive int           `yaml:"persistent_keepalive"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
}

// WireGuardTunnel drives a userspace WireGuard session.
type WireGuardTunnel struct {
	tunnelID string
	opts     WireGuardOptions
	events   chan Event

	mu          sync.Mutex
	device      *device.Device
	tnet        *netstack.Net
	connected   bool
	stopMonitor chan struct{}
}

// NewWireGuardTunnel creates a driver for one tunnel.
func NewWireGuardTunnel(tunnelID string, opts WireGuardOptions) *WireGuardTunnel {
	if opts.Address == "" {
		opts.Address = "10.64.0.2/32"
	}
	if opts.MTU == 0 {
		opts.MTU = 1420
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	return &WireGuardTunnel{
		tunnelID: tunnelID,
		opts:     opts,
		events:   make(chan Event, 1),
	}
}

// TunnelID returns the tunnel config this driver serves.
func (t *WireGuardTunnel) TunnelID() string {
	return t.tunnelID
}

// Connected reports whether a session is up.
func (t *WireGuardTunnel) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Events delivers handshake-staleness drops.
func (t *WireGuardTunnel) Events() <-chan Event {
	return t.events
}

// Connect brings up the netstack device and waits for the first handshake.
func (t *WireGuardTunnel) Connect(ctx context.Context, endpoint Endpoint, creds core.Credentials) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("tunnel %s: already connected", t.tunnelID)
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	keys, err := ParseKeyPair(creds.PrivateKey, creds.PeerPublicKey)
	if err != nil {
		return core.NewConnectError(t.tunnelID, core.ReasonAuthFailed, err)
	}

	peerAddr, err := resolveEndpoint(ctx, endpoint)
	if err != nil {
		return core.NewConnectError(t.tunnelID, core.ReasonNetworkUnreachable, err)
	}

	localAddr, err := netip.ParsePrefix(t.opts.Address)
	if err != nil {
		return core.NewConnectError(t.tunnelID, core.ReasonNetworkUnreachable,
			fmt.Errorf("parse local address: %w", err))
	}
	dnsAddrs := make([]netip.Addr, 0, len(t.opts.DNS))
	for _, d := range t.opts.DNS {
		addr, parseErr := netip.ParseAddr(d)
		if parseErr != nil {
			return core.NewConnectError(t.tunnelID, core.ReasonNetworkUnreachable,
				fmt.Errorf("parse dns: %w", parseErr))
		}
		dnsAddrs = append(dnsAddrs, addr)
	}

	tun, tnet, err := netstack.CreateNetTUN([]netip.Addr{localAddr.Addr()}, dnsAddrs, t.opts.MTU)
	if err != nil {
		return core.NewConnectError(t.tunnelID, core.ReasonNetworkUnreachable,
			fmt.Errorf("create netstack tun: %w", err))
	}

	dev := device.NewDevice(tun, conn.NewDefaultBind(), device.NewLogger(device.LogLevelSilent, ""))
	if err := dev.IpcSet(t.buildIpcConfig(keys, peerAddr)); err != nil {
		dev.Close()
		return core.NewConnectError(t.tunnelID, core.ReasonServerRejected,
			fmt.Errorf("configure device: %w", err))
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return core.NewConnectError(t.tunnelID, core.ReasonNetworkUnreachable,
			fmt.Errorf("bring up device: %w", err))
	}

	if err := t.waitHandshake(ctx, dev); err != nil {
		dev.Close()
		return err
	}

	stop := make(chan struct{})
	t.mu.Lock()
	t.device = dev
	t.tnet = tnet
	t.connected = true
	t.stopMonitor = stop
	t.mu.Unlock()
	go t.monitor(dev, stop)
	return nil
}

// monitor watches handshake age. The protocol rekeys every couple of
// minutes, so a handshake older than three is a dead peer.
func (t *WireGuardTunnel) monitor(dev *device.Device, stop <-chan struct{}) {
	const staleAfter = 3 * time.Minute
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ipc, err := dev.IpcGet()
			if err != nil {
				continue
			}
			age, ok := handshakeAge(ipc)
			if ok && age > staleAfter {
				t.mu.Lock()
				wasConnected := t.connected
				t.connected = false
				t.mu.Unlock()
				if wasConnected {
					select {
					case t.events <- Event{Err: fmt.Errorf("no handshake for %s", age.Round(time.Second))}:
					default:
					}
				}
				return
			}
		}
	}
}

func handshakeAge(ipc string) (time.Duration, bool) {
	for _, line := range strings.Split(ipc, "\n") {
		if v, ok := strings.CutPrefix(line, "last_handshake_time_sec="); ok {
			sec, err := strconv.ParseInt(v, 10, 64)
			if err != nil || sec == 0 {
				return 0, false
			}
			return time.Since(time.Unix(sec, 0)), true
		}
	}
	return 0, false
}

// Disconnect closes the device.
func (t *WireGuardTunnel) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopMonitor != nil {
		close(t.stopMonitor)
		t.stopMonitor = nil
	}
	if t.device != nil {
		t.device.Close()
		t.device = nil
	}
	t.tnet = nil
	t.connected = false
	return nil
}

func (t *WireGuardTunnel) buildIpcConfig(keys KeyPair, peer netip.AddrPort) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", keys.PrivateHex)
	fmt.Fprintf(&b, "public_key=%s\n", keys.PeerPublicHex)
	fmt.Fprintf(&b, "endpoint=%s\n", peer.String())
	fmt.Fprint(&b, "allowed_ip=0.0.0.0/0\n")
	fmt.Fprint(&b, "allowed_ip=::/0\n")
	if t.opts.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", t.opts.PersistentKeepalive)
	}
	return b.String()
}

// waitHandshake polls the device until the peer completes its first
// handshake. WireGuard is silent on bad keys, so a handshake that never
// lands within the window reads as a timeout.
func (t *WireGuardTunnel) waitHandshake(ctx context.Context, dev *device.Device) error {
	deadline := time.Now().Add(t.opts.HandshakeTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return core.NewConnectError(t.tunnelID, core.ReasonTimeout, ctx.Err())
			}
			return ctx.Err()
		case <-ticker.C:
			got, err := dev.IpcGet()
			if err == nil && lastHandshakeDone(got) {
				return nil
			}
			if time.Now().After(deadline) {
				return core.NewConnectError(t.tunnelID, core.ReasonTimeout,
					errors.New("no handshake from peer"))
			}
		}
	}
}

func lastHandshakeDone(ipc string) bool {
	for _, line := range strings.Split(ipc, "\n") {
		if v, ok := strings.CutPrefix(line, "last_handshake_time_sec="); ok && v != "0" {
			return true
		}
	}
	return false
}

func resolveEndpoint(ctx context.Context, endpoint Endpoint) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(endpoint.Hostname); err == nil {
		return netip.AddrPortFrom(addr, uint16(endpoint.Port)), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", endpoint.Hostname)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", endpoint.Hostname, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: no addresses", endpoint.Hostname)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(endpoint.Port)), nil
}
