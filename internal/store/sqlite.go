package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// SQLiteStore implements RuleStore on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*SQLiteStore, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*SQLiteStore, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	// Each pooled connection to an in-memory database would see its own
	// empty database; pin the pool to a single connection.
	if isMemoryPath(path) {
		maxOpenConns, maxIdleConns = 1, 1
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	// foreign_keys and synchronous are per-connection and are handled via DSN _pragma parameters.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate creates all required tables and indexes if they do not already exist.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tunnel_configs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	region_id TEXT NOT NULL,
	template_id TEXT NOT NULL,
	server_hostname TEXT NOT NULL DEFAULT '',
	server_port INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS app_rules (
	package_name TEXT PRIMARY KEY,
	tunnel_config_id TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS preset_rules (
	package_name TEXT PRIMARY KEY,
	target_region_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tunnel_configs_region ON tunnel_configs(region_id);
CREATE INDEX IF NOT EXISTS idx_app_rules_tunnel ON app_rules(tunnel_config_id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return storeErr("migrate", err)
	}
	return nil
}

func (s *SQLiteStore) GetAllTunnels(ctx context.Context) ([]core.TunnelConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, region_id, template_id, server_hostname, server_port, created_at, updated_at
FROM tunnel_configs
ORDER BY created_at ASC`)
	if err != nil {
		return nil, storeErr("get all tunnels", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.TunnelConfig
	for rows.Next() {
		var c core.TunnelConfig
		if err := rows.Scan(&c.ID, &c.Name, &c.RegionID, &c.TemplateID, &c.ServerHostname, &c.ServerPort, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, storeErr("scan tunnel", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get all tunnels", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetTunnel(ctx context.Context, id string) (core.TunnelConfig, error) {
	var c core.TunnelConfig
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, region_id, template_id, server_hostname, server_port, created_at, updated_at
FROM tunnel_configs
WHERE id = ?`, id).Scan(&c.ID, &c.Name, &c.RegionID, &c.TemplateID, &c.ServerHostname, &c.ServerPort, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.TunnelConfig{}, fmt.Errorf("%w: %s", core.ErrTunnelNotFound, id)
	}
	if err != nil {
		return core.TunnelConfig{}, storeErr("get tunnel", err)
	}
	return c, nil
}

func (s *SQLiteStore) CreateTunnel(ctx context.Context, cfg core.TunnelConfig) (core.TunnelConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tunnel_configs(id, name, region_id, template_id, server_hostname, server_port, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.RegionID, cfg.TemplateID, cfg.ServerHostname, cfg.ServerPort, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return core.TunnelConfig{}, storeErr("create tunnel", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) SetTunnelServer(ctx context.Context, id, hostname string, port int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tunnel_configs
SET server_hostname = ?, server_port = ?, updated_at = ?
WHERE id = ?`, hostname, port, time.Now().UTC(), id)
	if err != nil {
		return storeErr("set tunnel server", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("set tunnel server", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", core.ErrTunnelNotFound, id)
	}
	return nil
}

// DeleteTunnel removes a tunnel config and every rule referencing it in one
// transaction, so a routing lookup never observes a rule whose tunnel row is
// already gone.
func (s *SQLiteStore) DeleteTunnel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("delete tunnel", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM app_rules WHERE tunnel_config_id = ?`, id); err != nil {
		return storeErr("delete tunnel rules", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tunnel_configs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete tunnel", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete tunnel", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", core.ErrTunnelNotFound, id)
	}
	if err = tx.Commit(); err != nil {
		return storeErr("delete tunnel", err)
	}
	return nil
}

func (s *SQLiteStore) GetRule(ctx context.Context, packageName string) (core.AppRule, error) {
	var r core.AppRule
	err := s.db.QueryRowContext(ctx, `
SELECT package_name, tunnel_config_id, updated_at
FROM app_rules
WHERE package_name = ?`, packageName).Scan(&r.PackageName, &r.TunnelConfigID, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.AppRule{}, fmt.Errorf("%w: %s", core.ErrRuleNotFound, packageName)
	}
	if err != nil {
		return core.AppRule{}, storeErr("get rule", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetAllRules(ctx context.Context) ([]core.AppRule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT package_name, tunnel_config_id, updated_at
FROM app_rules
ORDER BY package_name ASC`)
	if err != nil {
		return nil, storeErr("get all rules", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.AppRule
	for rows.Next() {
		var r core.AppRule
		if err := rows.Scan(&r.PackageName, &r.TunnelConfigID, &r.UpdatedAt); err != nil {
			return nil, storeErr("scan rule", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get all rules", err)
	}
	return out, nil
}

// UpsertRule replaces the rule row for a package. Row-level last-write-wins
// is the intended resolution for concurrent manual and provisioned edits.
func (s *SQLiteStore) UpsertRule(ctx context.Context, rule core.AppRule) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO app_rules(package_name, tunnel_config_id, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(package_name) DO UPDATE SET
	tunnel_config_id = excluded.tunnel_config_id,
	updated_at = excluded.updated_at`,
		rule.PackageName, rule.TunnelConfigID, time.Now().UTC())
	if err != nil {
		return storeErr("upsert rule", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, packageName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_rules WHERE package_name = ?`, packageName); err != nil {
		return storeErr("delete rule", err)
	}
	return nil
}

func (s *SQLiteStore) GetAllPresetRules(ctx context.Context) ([]core.PresetRule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT package_name, target_region_id
FROM preset_rules
ORDER BY package_name ASC`)
	if err != nil {
		return nil, storeErr("get preset rules", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.PresetRule
	for rows.Next() {
		var p core.PresetRule
		if err := rows.Scan(&p.PackageName, &p.TargetRegionID); err != nil {
			return nil, storeErr("scan preset rule", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get preset rules", err)
	}
	return out, nil
}

// SeedPresetRules inserts missing catalog entries. Presets are never updated
// after seeding; the catalog is read-only to the provisioner.
func (s *SQLiteStore) SeedPresetRules(ctx context.Context, presets []core.PresetRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("seed presets", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range presets {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO preset_rules(package_name, target_region_id)
VALUES(?, ?)
ON CONFLICT(package_name) DO NOTHING`, p.PackageName, p.TargetRegionID); err != nil {
			return storeErr("seed presets", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("seed presets", err)
	}
	return nil
}

func (s *SQLiteStore) FindTunnelForRegion(ctx context.Context, regionID string) (core.TunnelConfig, error) {
	var c core.TunnelConfig
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, region_id, template_id, server_hostname, server_port, created_at, updated_at
FROM tunnel_configs
WHERE region_id = ?
ORDER BY created_at ASC
LIMIT 1`, regionID).Scan(&c.ID, &c.Name, &c.RegionID, &c.TemplateID, &c.ServerHostname, &c.ServerPort, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.TunnelConfig{}, fmt.Errorf("%w: no tunnel for region %s", core.ErrTunnelNotFound, regionID)
	}
	if err != nil {
		return core.TunnelConfig{}, storeErr("find tunnel for region", err)
	}
	return c, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStoreUnavailable, op, err)
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
