package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// InstallConfig describes how the daemon is registered with the platform
// service manager.
type InstallConfig struct {
	// Name is the service name; defaults to "nexusd".
	Name string
	// Description shown by the service manager.
	Description string
	// BinaryPath is the daemon executable; resolved to an absolute path.
	BinaryPath string
	// ConfigPath is the daemon configuration file.
	ConfigPath string
	// WorkingDir defaults to the binary's directory.
	WorkingDir string
}

// Installer registers and unregisters the daemon with systemd, launchd
// or the Windows service manager.
type Installer struct {
	cfg InstallConfig
}

// NewInstaller normalizes the install configuration.
func NewInstaller(cfg InstallConfig) (*Installer, error) {
	if !filepath.IsAbs(cfg.BinaryPath) {
		abs, err := filepath.Abs(cfg.BinaryPath)
		if err != nil {
			return nil, fmt.Errorf("resolve binary path: %w", err)
		}
		cfg.BinaryPath = abs
	}
	if !filepath.IsAbs(cfg.ConfigPath) {
		abs, err := filepath.Abs(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		cfg.ConfigPath = abs
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(cfg.BinaryPath)
	}
	if cfg.Name == "" {
		cfg.Name = "nexusd"
	}
	if cfg.Description == "" {
		cfg.Description = "Nexus per-app VPN routing daemon"
	}
	return &Installer{cfg: cfg}, nil
}

// Install registers the service on the current platform.
func (i *Installer) Install() error {
	if _, err := os.Stat(i.cfg.BinaryPath); err != nil {
		return fmt.Errorf("binary not found: %s", i.cfg.BinaryPath)
	}
	if _, err := os.Stat(i.cfg.ConfigPath); err != nil {
		return fmt.Errorf("config not found: %s", i.cfg.ConfigPath)
	}
	switch runtime.GOOS {
	case "linux":
		return i.installSystemd()
	case "darwin":
		return i.installLaunchd()
	case "windows":
		return i.installWindows()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall removes the service registration.
func (i *Installer) Uninstall() error {
	switch runtime.GOOS {
	case "linux":
		return i.uninstallSystemd()
	case "darwin":
		return i.uninstallLaunchd()
	case "windows":
		return i.uninstallWindows()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Status reports whether the service is installed and running.
func (i *Installer) Status() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return i.statusSystemd()
	case "darwin":
		return i.statusLaunchd()
	case "windows":
		return i.statusWindows()
	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

const systemdTemplate = `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} run --config {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
WorkingDirectory={{.WorkingDir}}
Restart=always
RestartSec=5
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`

func (i *Installer) systemdPath() string {
	return filepath.Join("/etc/systemd/system", i.cfg.Name+".service")
}

func (i *Installer) installSystemd() error {
	unit, err := i.render("systemd", systemdTemplate)
	if err != nil {
		return err
	}
	unitPath := i.systemdPath()
	if err := os.WriteFile(unitPath, unit, 0644); err != nil {
		return fmt.Errorf("write unit file: %w (try running with sudo)", err)
	}
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}
	if err := exec.Command("systemctl", "enable", i.cfg.Name).Run(); err != nil {
		return fmt.Errorf("enable service: %w", err)
	}
	fmt.Printf("Service installed: %s\n", unitPath)
	fmt.Printf("Start with: sudo systemctl start %s\n", i.cfg.Name)
	return nil
}

func (i *Installer) uninstallSystemd() error {
	_ = exec.Command("systemctl", "stop", i.cfg.Name).Run()
	_ = exec.Command("systemctl", "disable", i.cfg.Name).Run()
	if err := os.Remove(i.systemdPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	_ = exec.Command("systemctl", "daemon-reload").Run()
	return nil
}

func (i *Installer) statusSystemd() (string, error) {
	if _, err := os.Stat(i.systemdPath()); os.IsNotExist(err) {
		return "not installed", nil
	}
	out, err := exec.Command("systemctl", "is-active", i.cfg.Name).Output()
	if err != nil {
		return "installed (inactive)", nil
	}
	return fmt.Sprintf("installed (%s)", strings.TrimSpace(string(out))), nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
    <key>StandardOutPath</key>
    <string>/tmp/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>/tmp/{{.Name}}.error.log</string>
</dict>
</plist>
`

func (i *Installer) launchdPath() string {
	daemonPath := filepath.Join("/Library/LaunchDaemons", i.cfg.Name+".plist")
	if f, err := os.OpenFile(daemonPath, os.O_WRONLY|os.O_CREATE, 0644); err == nil {
		f.Close()
		os.Remove(daemonPath)
		return daemonPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", i.cfg.Name+".plist")
}

func (i *Installer) installLaunchd() error {
	plist, err := i.render("launchd", launchdTemplate)
	if err != nil {
		return err
	}
	plistPath := i.launchdPath()
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(plistPath, plist, 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if err := exec.Command("launchctl", "load", plistPath).Run(); err != nil {
		return fmt.Errorf("load service: %w", err)
	}
	fmt.Printf("Service installed: %s\n", plistPath)
	return nil
}

func (i *Installer) uninstallLaunchd() error {
	plistPath := i.launchdPath()
	_ = exec.Command("launchctl", "unload", plistPath).Run()
	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (i *Installer) statusLaunchd() (string, error) {
	if _, err := os.Stat(i.launchdPath()); os.IsNotExist(err) {
		return "not installed", nil
	}
	if err := exec.Command("launchctl", "list", i.cfg.Name).Run(); err != nil {
		return "installed (not running)", nil
	}
	return "installed (running)", nil
}

func (i *Installer) installWindows() error {
	binPath := fmt.Sprintf(`"%s" run --config "%s"`, i.cfg.BinaryPath, i.cfg.ConfigPath)
	cmd := exec.Command("sc", "create", i.cfg.Name,
		"binPath=", binPath,
		"DisplayName=", i.cfg.Description,
		"start=", "auto")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create service: %w\n%s", err, string(out))
	}
	_ = exec.Command("sc", "description", i.cfg.Name, i.cfg.Description).Run()
	return nil
}

func (i *Installer) uninstallWindows() error {
	_ = exec.Command("sc", "stop", i.cfg.Name).Run()
	cmd := exec.Command("sc", "delete", i.cfg.Name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("delete service: %w\n%s", err, string(out))
	}
	return nil
}

func (i *Installer) statusWindows() (string, error) {
	out, err := exec.Command("sc", "query", i.cfg.Name).Output()
	if err != nil {
		return "not installed", nil
	}
	output := string(out)
	switch {
	case strings.Contains(output, "RUNNING"):
		return "installed (running)", nil
	case strings.Contains(output, "STOPPED"):
		return "installed (stopped)", nil
	}
	return "installed", nil
}

func (i *Installer) render(name, text string) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, i.cfg); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}
