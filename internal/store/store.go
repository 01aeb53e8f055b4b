// Package store defines the rule store contract and its SQLite
// implementation. The store is the only shared mutable resource between the
// routing engine, the provisioner, and manual rule edits; single-row writes
// are atomic and concurrent writers converge last-write-wins.
package store

import (
	"context"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

// RuleStore is the persistence contract consumed by the routing core.
// Implementations report transient failures wrapped in
// core.ErrStoreUnavailable; callers abort the current operation and do not
// retry on their own.
type RuleStore interface {
	// GetAllTunnels returns every configured tunnel.
	GetAllTunnels(ctx context.Context) ([]core.TunnelConfig, error)

	// GetTunnel returns one tunnel config, or core.ErrTunnelNotFound.
	GetTunnel(ctx context.Context, id string) (core.TunnelConfig, error)

	// CreateTunnel persists a new tunnel config. An empty ID is assigned.
	CreateTunnel(ctx context.Context, cfg core.TunnelConfig) (core.TunnelConfig, error)

	// SetTunnelServer records the resolved server endpoint for a tunnel.
	SetTunnelServer(ctx context.Context, id, hostname string, port int) error

	// DeleteTunnel removes a tunnel and cascades deletion of every AppRule
	// referencing it, in a single transaction.
	DeleteTunnel(ctx context.Context, id string) error

	// GetRule returns the rule for a package, or core.ErrRuleNotFound.
	GetRule(ctx context.Context, packageName string) (core.AppRule, error)

	// GetAllRules returns every app rule.
	GetAllRules(ctx context.Context) ([]core.AppRule, error)

	// UpsertRule creates or replaces the rule for a package.
	UpsertRule(ctx context.Context, rule core.AppRule) error

	// DeleteRule removes the rule for a package. Deleting an absent rule is
	// a no-op.
	DeleteRule(ctx context.Context, packageName string) error

	// GetAllPresetRules returns the seeded preset catalog.
	GetAllPresetRules(ctx context.Context) ([]core.PresetRule, error)

	// SeedPresetRules inserts catalog entries that are not yet present.
	// Existing entries are never modified.
	SeedPresetRules(ctx context.Context, presets []core.PresetRule) error

	// FindTunnelForRegion returns a configured tunnel for the region, or
	// core.ErrTunnelNotFound when none exists.
	FindTunnelForRegion(ctx context.Context, regionID string) (core.TunnelConfig, error)

	// Close releases the underlying storage.
	Close() error
}
