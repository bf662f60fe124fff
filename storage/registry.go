package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"saltshaker/typedef"
)

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	entry TEXT NOT NULL,
	storage_path TEXT NOT NULL DEFAULT '',
	installed_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS plugin_contexts (
	plugin_id TEXT PRIMARY KEY,
	permissions BLOB NOT NULL,
	resources BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plugins_installed_at ON plugins(installed_at);
`

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// Registry persists plugin metadata and contexts. Contexts are cached in
// memory and reloaded from the database on a miss.
type Registry struct {
	db     *sql.DB
	cache  cmap.ConcurrentMap[string, *typedef.PluginContext]
	logger zerolog.Logger

	// writers hold it exclusively across commit and cache update; cache
	// fills from the database hold it shared
	wmu sync.RWMutex
}

// OpenRegistry opens (creating if needed) the database at path.
func OpenRegistry(path string, logger zerolog.Logger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers; a single connection keeps it from reporting SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Registry{
		db:     db,
		cache:  cmap.New[*typedef.PluginContext](),
		logger: logger.With().Str("component", "storage.registry").Logger(),
	}, nil
}

// Put stores meta and pctx under meta.ID, replacing any previous install.
func (r *Registry) Put(ctx context.Context, meta typedef.PluginMetadata, pctx *typedef.PluginContext) error {
	if meta.ID == "" {
		return typedef.NewError(typedef.KindInvalidArgument, "registry.put", "", nil, "plugin id is required")
	}
	stored := pctx.Clone()
	if stored == nil {
		stored = &typedef.PluginContext{}
	}
	stored.PluginID = meta.ID
	if stored.Permissions == nil {
		stored.Permissions = []string{}
	}
	if stored.Resources == nil {
		stored.Resources = map[string]typedef.Resource{}
	}

	perms, err := encMode.Marshal(stored.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	resources, err := encMode.Marshal(sortedResources(stored.Resources))
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO plugins (id, name, version, content_hash, entry, storage_path, installed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Name, meta.Version, meta.ContentHash, meta.Entry, meta.StoragePath, meta.InstalledAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save plugin %s: %w", meta.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO plugin_contexts (plugin_id, permissions, resources)
	VALUES (?, ?, ?)`, meta.ID, perms, resources)
	if err != nil {
		return fmt.Errorf("save context %s: %w", meta.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.cache.Set(meta.ID, stored)
	r.logger.Debug().Str("plugin", meta.ID).Msg("stored")
	return nil
}

func sortedResources(m map[string]typedef.Resource) []typedef.Resource {
	out := make([]typedef.Resource, 0, len(m))
	for id, res := range m {
		res.ID = id
		out = append(out, res)
	}
	slices.SortFunc(out, func(a, b typedef.Resource) int { return strings.Compare(a.ID, b.ID) })
	return out
}

const metadataColumns = `id, name, version, content_hash, entry, storage_path, installed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row scanner) (typedef.PluginMetadata, error) {
	var (
		meta        typedef.PluginMetadata
		installedAt int64
	)
	err := row.Scan(&meta.ID, &meta.Name, &meta.Version, &meta.ContentHash, &meta.Entry, &meta.StoragePath, &installedAt)
	if err != nil {
		return meta, err
	}
	meta.InstalledAt = time.UnixMilli(installedAt).UTC()
	return meta, nil
}

// Metadata loads the metadata of an installed plugin.
func (r *Registry) Metadata(ctx context.Context, id string) (typedef.PluginMetadata, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM plugins WHERE id = ?`, id)
	meta, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, typedef.NewError(typedef.KindUnknownPlugin, "registry.metadata", id, nil, "")
	}
	return meta, err
}

// Context returns a copy of the plugin's grants.
func (r *Registry) Context(id string) (*typedef.PluginContext, error) {
	if pctx, ok := r.cache.Get(id); ok {
		return pctx.Clone(), nil
	}

	r.wmu.RLock()
	defer r.wmu.RUnlock()

	var perms, resources []byte
	err := r.db.QueryRow(`SELECT permissions, resources FROM plugin_contexts WHERE plugin_id = ?`, id).Scan(&perms, &resources)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, typedef.NewError(typedef.KindUnknownPlugin, "registry.context", id, nil, "")
	}
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", id, err)
	}

	pctx := &typedef.PluginContext{PluginID: id, Resources: map[string]typedef.Resource{}}
	if err := decMode.Unmarshal(perms, &pctx.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions of %s: %w", id, err)
	}
	var list []typedef.Resource
	if err := decMode.Unmarshal(resources, &list); err != nil {
		return nil, fmt.Errorf("decode resources of %s: %w", id, err)
	}
	for _, res := range list {
		pctx.Resources[res.ID] = res
	}
	if pctx.Permissions == nil {
		pctx.Permissions = []string{}
	}

	r.cache.Set(id, pctx)
	r.logger.Debug().Str("plugin", id).Msg("context rehydrated")
	return pctx.Clone(), nil
}

// List returns every installed plugin, oldest install first.
func (r *Registry) List(ctx context.Context) ([]typedef.PluginMetadata, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+metadataColumns+` FROM plugins ORDER BY installed_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []typedef.PluginMetadata{}
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Delete forgets a plugin. It reports whether anything was removed.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_contexts WHERE plugin_id = ?`, id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	r.cache.Remove(id)
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping checks the database is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ForgetCached drops the in-memory copy of a context so the next read hits the database.
func (r *Registry) ForgetCached(id string) {
	r.cache.Remove(id)
}

func (r *Registry) Close() error {
	return r.db.Close()
}
