// Package main is the nexusd entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/cli"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/config"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/service"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/version"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "nexusd",
		Short: "Per-app multi-VPN routing daemon",
		Long: `Nexusd keeps one tunnel per configured region and routes individual
applications through them on demand. Tunnels connect when an app needs
them and disconnect after an idle grace period.`,
		RunE: runDaemon,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "nexusd.yaml", "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon (default)",
		RunE:  runDaemon,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultDaemonConfig()
			if err := config.LoadAndValidate(configFile, &cfg); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	})

	rootCmd.AddCommand(cli.NewCommands())
	rootCmd.AddCommand(newServiceCommand())
}

func newServiceCommand() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the system service registration",
	}

	newInstaller := func() (*service.Installer, error) {
		bin, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		return service.NewInstaller(service.InstallConfig{
			BinaryPath: bin,
			ConfigPath: configFile,
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Register nexusd with the platform service manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := newInstaller()
			if err != nil {
				return err
			}
			return inst.Install()
		},
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := newInstaller()
			if err != nil {
				return err
			}
			return inst.Uninstall()
		},
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := newInstaller()
			if err != nil {
				return err
			}
			status, err := inst.Status()
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	})

	return serviceCmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultDaemonConfig()
	if err := config.LoadAndValidate(configFile, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(cfg.Log); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()

	logging.Info("starting nexusd", "version", version.Short(), "config", configFile)

	daemon, err := service.NewDaemon(cfg)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	return service.Run("nexusd", daemon)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
