// Package provision reconciles the rule store against the preset catalog:
// installed apps known to geo-block get a rule pointing at a tunnel for
// their home region, and rules become obsolete when the device is already
// in that region. Packages without a preset are never touched, so manual
// rules survive every pass.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/inventory"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/region"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/store"
)

// Result summarizes the writes of one pass.
type Result struct {
	Region    string `json:"region"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Deleted   int    `json:"deleted"`
	Unchanged int    `json:"unchanged"`
	// Skipped counts preset matches that need a tunnel no config exists
	// for. They are retried on the next pass.
	Skipped int `json:"skipped"`
}

func (r Result) String() string {
	return fmt.Sprintf("region=%s created=%d updated=%d deleted=%d unchanged=%d skipped=%d",
		r.Region, r.Created, r.Updated, r.Deleted, r.Unchanged, r.Skipped)
}

// Provisioner runs reconcile passes. Concurrent triggers coalesce into the
// in-flight pass.
type Provisioner struct {
	store     store.RuleStore
	region    region.Resolver
	inventory inventory.Inventory
	logger    *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a provisioner.
func New(st store.RuleStore, resolver region.Resolver, inv inventory.Inventory) *Provisioner {
	return &Provisioner{
		store:     st,
		region:    resolver,
		inventory: inv,
		logger:    logging.WithComponent("provision"),
	}
}

// Run executes one pass, or joins the pass already in flight.
func (p *Provisioner) Run(ctx context.Context) (Result, error) {
	v, err, shared := p.group.Do("pass", func() (interface{}, error) {
		return p.pass(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if shared {
		p.logger.Debug("joined in-flight pass")
	}
	return res, nil
}

// StartPeriodic runs a pass immediately and then on every interval tick
// until Stop or ctx cancellation.
func (p *Provisioner) StartPeriodic(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.runOnce(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runOnce(ctx)
			}
		}
	}()
}

// Stop halts the periodic runner and waits for a pass in flight.
func (p *Provisioner) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Provisioner) runOnce(ctx context.Context) {
	res, err := p.Run(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("provisioning pass failed", slog.String("error", err.Error()))
		}
		return
	}
	if res.Created+res.Updated+res.Deleted > 0 {
		p.logger.Info("provisioning pass applied changes", slog.String("result", res.String()))
	} else {
		p.logger.Debug("provisioning pass made no changes", slog.String("result", res.String()))
	}
}

// pass is one reconcile run. Reads happen up front; every write is preceded
// by a cancellation checkpoint so an aborted pass stops cleanly between
// rules, never mid-write.
func (p *Provisioner) pass(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	currentRegion, err := p.region.CurrentRegion(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Region: currentRegion}

	installed, err := p.inventory.InstalledPackages(ctx)
	if err != nil {
		return Result{}, err
	}
	installedSet := make(map[string]bool, len(installed))
	for _, pkg := range installed {
		installedSet[pkg] = true
	}

	presets, err := p.store.GetAllPresetRules(ctx)
	if err != nil {
		return Result{}, err
	}
	rules, err := p.store.GetAllRules(ctx)
	if err != nil {
		return Result{}, err
	}
	ruleByPkg := make(map[string]core.AppRule, len(rules))
	for _, r := range rules {
		ruleByPkg[r.PackageName] = r
	}

	tunnelByRegion := make(map[string]string)

	for _, preset := range presets {
		rule, hasRule := ruleByPkg[preset.PackageName]

		if !installedSet[preset.PackageName] || preset.TargetRegionID == currentRegion {
			// Not installed, or already exiting in the right region:
			// the preset needs no rule.
			if !hasRule {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := p.store.DeleteRule(ctx, preset.PackageName); err != nil {
				return res, err
			}
			p.logger.Info("rule removed",
				slog.String("package", preset.PackageName),
				slog.String("region", preset.TargetRegionID))
			res.Deleted++
			continue
		}

		tunnelID, ok := tunnelByRegion[preset.TargetRegionID]
		if !ok {
			cfg, findErr := p.store.FindTunnelForRegion(ctx, preset.TargetRegionID)
			if errors.Is(findErr, core.ErrTunnelNotFound) {
				p.logger.Warn("no tunnel configured for region",
					slog.String("package", preset.PackageName),
					slog.String("region", preset.TargetRegionID))
				res.Skipped++
				continue
			}
			if findErr != nil {
				return res, findErr
			}
			tunnelID = cfg.ID
			tunnelByRegion[preset.TargetRegionID] = tunnelID
		}

		if hasRule && rule.TunnelConfigID == tunnelID {
			res.Unchanged++
			continue
		}

		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.store.UpsertRule(ctx, core.AppRule{
			PackageName:    preset.PackageName,
			TunnelConfigID: tunnelID,
		}); err != nil {
			return res, err
		}
		if hasRule {
			p.logger.Info("rule repointed",
				slog.String("package", preset.PackageName),
				slog.String("tunnel", tunnelID))
			res.Updated++
		} else {
			p.logger.Info("rule created",
				slog.String("package", preset.PackageName),
				slog.String("tunnel", tunnelID))
			res.Created++
		}
	}

	return res, nil
}
