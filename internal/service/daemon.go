// Package service assembles the daemon from its parts and runs it under
// the platform's service manager or plain signal handling.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/api"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/backend"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/config"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/inventory"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/lifecycle"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/metrics"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/provision"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/region"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/routing"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/selector"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/store"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/util"
)

// Daemon wires the store, tunnel lifecycle, routing engine, provisioner
// and API together. It implements Runner and Reloader.
type Daemon struct {
	cfg    config.DaemonConfig
	logger *slog.Logger

	store       *store.SQLiteStore
	lifecycle   *lifecycle.Manager
	routing     *routing.Engine
	provisioner *provision.Provisioner
	metrics     *metrics.Metrics
	api         *api.Server
}

// NewDaemon builds a daemon from configuration. Nothing starts until
// Start is called.
func NewDaemon(cfg config.DaemonConfig) (*Daemon, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.SeedPresetRules(context.Background(), store.DefaultPresets); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed presets: %w", err)
	}

	m := metrics.New()

	sel, err := buildSelector(cfg.Selector)
	if err != nil {
		st.Close()
		return nil, err
	}

	mgr := lifecycle.NewManager(
		st,
		backend.NewDriverFactory(cfg.Backend.OpenVPN, cfg.Backend.WireGuard),
		sel,
		newCredentialSource(cfg.CredentialsFile),
		lifecycle.Options{
			IdleGrace:         cfg.Lifecycle.IdleGrace,
			ConnectTimeout:    cfg.Lifecycle.ConnectTimeout,
			DisconnectTimeout: cfg.Lifecycle.DisconnectTimeout,
			ServerStaleness:   cfg.Lifecycle.ServerStaleness,
			Observer:          m,
		},
	)

	eng := routing.NewEngine(st, routing.AcquirerFunc(func(ctx context.Context, id string) (routing.TunnelLease, error) {
		h, err := mgr.Acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		return h, nil
	}))

	prov := provision.New(st, buildRegionResolver(cfg.Region), buildInventory(cfg.Inventory))

	d := &Daemon{
		cfg:         cfg,
		logger:      logging.WithComponent("daemon"),
		store:       st,
		lifecycle:   mgr,
		routing:     eng,
		provisioner: prov,
		metrics:     m,
	}
	d.api = api.New(api.Config{
		Listen:      cfg.API.Listen,
		Token:       cfg.API.Token,
		RateLimit:   cfg.API.RateLimit,
		Store:       st,
		Lifecycle:   mgr,
		Routing:     eng,
		Provisioner: prov,
		Metrics:     m,
	})
	return d, nil
}

// Start brings the daemon up: machines for every stored tunnel config,
// the periodic provisioner, then the API listener.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.lifecycle.SyncTunnels(ctx); err != nil {
		return fmt.Errorf("sync tunnels: %w", err)
	}
	if d.cfg.Provision.Interval > 0 {
		d.provisioner.StartPeriodic(ctx, d.cfg.Provision.Interval)
	}
	if err := d.api.Start(); err != nil {
		return fmt.Errorf("start api: %w", err)
	}
	d.logger.Info("daemon started", slog.String("store", d.cfg.Store.Path))
	return nil
}

// Stop tears the daemon down in dependency order: stop accepting work,
// stop the provisioner, drop all route demand, then close the machines
// and the store.
func (d *Daemon) Stop(ctx context.Context) error {
	errs := util.NewMultiError()
	errs.Add(d.api.Stop(ctx))
	d.provisioner.Stop()
	d.routing.ReleaseAll()
	errs.Add(d.lifecycle.Close())
	errs.Add(d.store.Close())
	d.logger.Info("daemon stopped")
	return errs.Err()
}

// Reload re-runs a provisioning pass. Configuration itself is not
// re-read; rule state is reconciled against the current region and
// installed apps.
func (d *Daemon) Reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := d.lifecycle.SyncTunnels(ctx); err != nil {
		return err
	}
	res, err := d.provisioner.Run(ctx)
	if err != nil {
		return err
	}
	d.metrics.ProvisionPass(res)
	d.logger.Info("reconcile pass finished", slog.String("result", res.String()))
	return nil
}

func buildSelector(cfg config.SelectorConfig) (*selector.Selector, error) {
	var dir selector.Directory
	if cfg.DirectoryURL != "" {
		opts := []selector.DirectoryOption{
			selector.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		}
		if cfg.CacheTTL > 0 {
			opts = append(opts, selector.WithCacheTTL(cfg.CacheTTL))
		}
		httpDir, err := selector.NewHTTPDirectory(cfg.DirectoryURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("directory: %w", err)
		}
		dir = httpDir
	} else {
		static := make(selector.StaticDirectory, len(cfg.Servers))
		for regionID, servers := range cfg.Servers {
			list := make([]selector.Server, 0, len(servers))
			for _, s := range servers {
				list = append(list, selector.Server{
					Hostname: s.Hostname,
					Port:     s.Port,
					RegionID: regionID,
				})
			}
			static[regionID] = list
		}
		dir = static
	}

	opts := []selector.Option{
		selector.WithResolver(selector.NewResolver(cfg.DNSServer)),
	}
	if cfg.ProbeTimeout > 0 {
		opts = append(opts, selector.WithProbeTimeout(cfg.ProbeTimeout))
	}
	if cfg.ProbeConcurrency > 0 {
		opts = append(opts, selector.WithConcurrency(cfg.ProbeConcurrency))
	}
	return selector.New(dir, opts...), nil
}

func buildRegionResolver(cfg config.RegionConfig) region.Resolver {
	if cfg.Static != "" {
		return region.Static(cfg.Static)
	}
	return region.NewHTTPResolver(cfg.Endpoint, nil)
}

func buildInventory(cfg config.InventoryConfig) inventory.Inventory {
	if cfg.Path != "" {
		return inventory.File{Path: cfg.Path}
	}
	return inventory.Static(cfg.Packages)
}
