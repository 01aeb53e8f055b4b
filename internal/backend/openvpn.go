package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

// OpenVPNOptions configures the OpenVPN driver.
type OpenVPNOptions struct {
	Binary         string        `yaml:"binary"`          // Path to openvpn binary
	ConfigFile     string        `yaml:"config_file"`     // Base .ovpn profile, server lines appended per connect
	ManagementAddr string        `yaml:"management_addr"` // Management interface address
	ExtraArgs      []string      `yaml:"extra_args"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// OpenVPNTunnel drives an openvpn process over its management interface.
type OpenVPNTunnel struct {
	tunnelID string
	opts     OpenVPNOptions
	events   chan Event

	mu           sync.Mutex
	cmd          *exec.Cmd
	mgmtConn     net.Conn
	tempAuthFile string
	connected    bool
	closing      bool
	procDone     chan struct{}
	exitErr      error
}

// NewOpenVPNTunnel creates a driver for one tunnel.
func NewOpenVPNTunnel(tunnelID string, opts OpenVPNOptions) *OpenVPNTunnel {
	if opts.Binary == "" {
		opts.Binary = "openvpn"
	}
	if opts.ManagementAddr == "" {
		opts.ManagementAddr = "127.0.0.1"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	return &OpenVPNTunnel{
		tunnelID: tunnelID,
		opts:     opts,
		events:   make(chan Event, 1),
	}
}

// TunnelID returns the tunnel config this driver serves.
func (t *OpenVPNTunnel) TunnelID() string {
	return t.tunnelID
}

// Connected reports whether a session is up.
func (t *OpenVPNTunnel) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Events delivers unexpected process exits.
func (t *OpenVPNTunnel) Events() <-chan Event {
	return t.events
}

// Connect starts the openvpn process and waits on the management interface
// until the session reaches CONNECTED or fails.
func (t *OpenVPNTunnel) Connect(ctx context.Context, endpoint Endpoint, creds core.Credentials) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("tunnel %s: already connected", t.tunnelID)
	}
	t.closing = false
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	authFile, err := writeAuthFile(creds)
	if err != nil {
		return core.NewConnectError(t.tunnelID, core.ReasonNetworkUnreachable, err)
	}

	mgmtPort, err := freePort(t.opts.ManagementAddr)
	if err != nil {
		os.Remove(authFile)
		return core.NewConnectError(t.tunnelID, core.ReasonNetworkUnreachable, err)
	}

	args := []string{
		"--remote", endpoint.Hostname, strconv.Itoa(endpoint.Port),
		"--management", t.opts.ManagementAddr, strconv.Itoa(mgmtPort),
		"--auth-user-pass", authFile,
		"--auth-retry", "none",
	}
	if t.opts.ConfigFile != "" {
		args = append([]string{"--config", t.opts.ConfigFile}, args...)
	}
	args = append(args, t.opts.ExtraArgs...)

	cmd := exec.Command(t.opts.Binary, args...)
	if err := cmd.Start(); err != nil {
		os.Remove(authFile)
		return core.NewConnectError(t.tunnelID, core.ReasonNetworkUnreachable,
			fmt.Errorf("start openvpn: %w", err))
	}

	procDone := make(chan struct{})
	t.mu.Lock()
	t.cmd = cmd
	t.tempAuthFile = authFile
	t.procDone = procDone
	t.mu.Unlock()
	go t.reapProcess(cmd, procDone)

	conn, err := dialManagement(ctx, t.opts.ManagementAddr, mgmtPort, procDone)
	if err != nil {
		t.kill()
		return t.classify(ctx, err)
	}

	t.mu.Lock()
	t.mgmtConn = conn
	t.mu.Unlock()

	if err := waitConnected(ctx, conn, procDone); err != nil {
		t.kill()
		return t.classify(ctx, err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Disconnect asks the process to exit via the management interface, then
// kills it if it lingers.
func (t *OpenVPNTunnel) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	conn := t.mgmtConn
	procDone := t.procDone
	t.mu.Unlock()

	if conn != nil {
		fmt.Fprint(conn, "signal SIGTERM\n")
	}
	if procDone != nil {
		select {
		case <-procDone:
		case <-ctx.Done():
			t.kill()
		case <-time.After(5 * time.Second):
			t.kill()
		}
	}
	t.kill()
	return nil
}

// reapProcess is the sole waiter on the openvpn process. A process that
// dies while the session is up surfaces as a down event.
func (t *OpenVPNTunnel) reapProcess(cmd *exec.Cmd, procDone chan struct{}) {
	err := cmd.Wait()

	t.mu.Lock()
	t.exitErr = err
	wasConnected := t.connected
	unexpected := wasConnected && !t.closing
	t.connected = false
	t.mu.Unlock()
	close(procDone)

	if unexpected {
		select {
		case t.events <- Event{Err: fmt.Errorf("openvpn process exited: %w", err)}:
		default:
		}
	}
}

func (t *OpenVPNTunnel) kill() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closing = true
	if t.mgmtConn != nil {
		t.mgmtConn.Close()
		t.mgmtConn = nil
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
		t.cmd = nil
	}
	if t.tempAuthFile != "" {
		os.Remove(t.tempAuthFile)
		t.tempAuthFile = ""
	}
	t.connected = false
}

func (t *OpenVPNTunnel) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.NewConnectError(t.tunnelID, core.ReasonTimeout, err)
	}
	var already *core.ConnectError
	if errors.As(err, &already) {
		if already.TunnelID == "" {
			already.TunnelID = t.tunnelID
		}
		return err
	}
	return core.NewConnectError(t.tunnelID, core.ReasonNetworkUnreachable, err)
}

func writeAuthFile(creds core.Credentials) (string, error) {
	f, err := os.CreateTemp("", "nexus-ovpn-auth-*")
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", creds.Username, creds.Password); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	f.Close()
	return f.Name(), nil
}

// freePort grabs an ephemeral port for the management interface. The
// listener is closed before openvpn binds it; the window is acceptable on a
// loopback address.
func freePort(addr string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(addr, "0"))
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

func dialManagement(ctx context.Context, addr string, port int, procDone <-chan struct{}) (net.Conn, error) {
	target := net.JoinHostPort(addr, strconv.Itoa(port))
	for {
		conn, err := net.DialTimeout("tcp", target, time.Second)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-procDone:
			return nil, errors.New("openvpn exited before management came up")
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// waitConnected watches management state lines until the session reaches
// CONNECTED or reports a terminal failure.
func waitConnected(ctx context.Context, conn net.Conn, procDone <-chan struct{}) error {
	fmt.Fprint(conn, "state on\n")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-procDone:
			return errors.New("openvpn exited during connect")
		case err := <-scanErr:
			if err == nil {
				err = errors.New("management connection closed")
			}
			return err
		case line := <-lines:
			done, err := parseStateLine(line)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// parseStateLine interprets one management line. Returns done=true once the
// session is CONNECTED, or an error describing a terminal failure.
func parseStateLine(line string) (bool, error) {
	switch {
	case strings.Contains(line, "AUTH_FAILED"),
		strings.Contains(line, "Verification Failed"):
		return false, &core.ConnectError{Reason: core.ReasonAuthFailed,
			Err: fmt.Errorf("openvpn: %s", strings.TrimSpace(line))}
	case strings.Contains(line, "CONNECTION_REFUSED"),
		strings.Contains(line, "TLS Error"),
		strings.Contains(line, "EXITING"):
		return false, &core.ConnectError{Reason: core.ReasonServerRejected,
			Err: fmt.Errorf("openvpn: %s", strings.TrimSpace(line))}
	case strings.Contains(line, "RESOLVE") && strings.Contains(line, "failed"):
		return false, &core.ConnectError{Reason: core.ReasonNetworkUnreachable,
			Err: fmt.Errorf("openvpn: %s", strings.TrimSpace(line))}
	case strings.Contains(line, ",CONNECTED,SUCCESS,"):
		return true, nil
	}
	return false, nil
}
