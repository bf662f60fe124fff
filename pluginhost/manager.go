package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"

	"saltshaker/clock"
	"saltshaker/eventbus"
	"saltshaker/storage"
	"saltshaker/typedef"
)

// distDir is where packaged plugins keep their scripts after the leading
// archive component is stripped.
const distDir = "dist"

// Manager installs plugins into the registry and runs them on the Host.
type Manager struct {
	host       *Host
	registry   *storage.Registry
	bus        *eventbus.Bus
	pluginsDir string
	clock      clock.Clock
	logger     zerolog.Logger
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Host       *Host
	Registry   *storage.Registry
	Bus        *eventbus.Bus
	PluginsDir string
	Clock      clock.Clock
	Logger     zerolog.Logger
}

// NewManager creates a manager. PluginsDir is created on first install.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Bus == nil {
		cfg.Bus = cfg.Host.cfg.Bus
	}
	return &Manager{
		host:       cfg.Host,
		registry:   cfg.Registry,
		bus:        cfg.Bus,
		pluginsDir: cfg.PluginsDir,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With().Str("component", "plugins").Logger(),
	}
}

// Host returns the sandbox host the manager runs plugins on.
func (m *Manager) Host() *Host { return m.host }

// InstallPlugin verifies and unpacks the archive, records the plugin and
// its grants, and announces it on the bus. Reinstalling replaces the files.
func (m *Manager) InstallPlugin(ctx context.Context, req typedef.InstallRequest) (typedef.InstallResult, error) {
	if req.ID == "" {
		return typedef.InstallResult{}, typedef.NewError(typedef.KindInvalidArgument, "install", "", nil, "plugin id is required")
	}
	if err := storage.VerifyHash(req.Archive, req.ContentHash); err != nil {
		return typedef.InstallResult{}, fmt.Errorf("install %s: %w", req.ID, err)
	}

	folder := m.folder(req.ID)
	if err := os.RemoveAll(folder); err != nil {
		return typedef.InstallResult{}, fmt.Errorf("install %s: clear old files: %w", req.ID, err)
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return typedef.InstallResult{}, fmt.Errorf("install %s: %w", req.ID, err)
	}
	if err := storage.Extract(req.Archive, folder); err != nil {
		_ = os.RemoveAll(folder)
		return typedef.InstallResult{}, fmt.Errorf("install %s: %w", req.ID, err)
	}
	entry, err := findEntry(folder)
	if err != nil {
		_ = os.RemoveAll(folder)
		return typedef.InstallResult{}, fmt.Errorf("install %s: %w", req.ID, err)
	}

	hash := req.ContentHash
	if hash == "" {
		hash = storage.ContentHash(req.Archive)
	}
	name := req.Name
	if name == "" {
		name = req.ID
	}
	meta := typedef.PluginMetadata{
		ID:          req.ID,
		Name:        name,
		Version:     req.Version,
		ContentHash: hash,
		InstalledAt: m.clock.Now().UTC(),
		Entry:       entry,
		StoragePath: folder,
	}
	if err := m.registry.Put(ctx, meta, req.Context()); err != nil {
		_ = os.RemoveAll(folder)
		return typedef.InstallResult{}, fmt.Errorf("install %s: %w", req.ID, err)
	}

	m.logger.Info().Str("plugin", req.ID).Str("path", folder).Str("entry", entry).Msg("plugin installed")
	m.bus.Publish(eventbus.Event{Kind: eventbus.PluginsInstalled, Payload: meta, Source: "host"})
	return typedef.InstallResult{OK: true, StoragePath: folder, Metadata: meta}, nil
}

// findEntry prefers the dist directory and falls back to the archive root.
// The result is slash separated and relative to folder.
func findEntry(folder string) (string, error) {
	dist := filepath.Join(folder, distDir)
	if info, err := os.Stat(dist); err == nil && info.IsDir() {
		name, err := storage.FindEntry(dist)
		if err == nil {
			return path.Join(distDir, name), nil
		}
		if !errors.Is(err, storage.ErrNoEntry) {
			return "", err
		}
	}
	return storage.FindEntry(folder)
}

func (m *Manager) folder(id string) string {
	return filepath.Join(m.pluginsDir, storage.SanitizeID(id))
}

// UninstallPlugin deactivates the plugin, then removes its record and files.
func (m *Manager) UninstallPlugin(ctx context.Context, id string) error {
	m.host.Deactivate(ctx, id)

	found, err := m.registry.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("uninstall %s: %w", id, err)
	}
	if !found {
		return typedef.NewError(typedef.KindUnknownPlugin, "uninstall", id, nil, "")
	}
	if err := os.RemoveAll(m.folder(id)); err != nil {
		m.logger.Warn().Err(err).Str("plugin", id).Msg("remove plugin files")
	}

	m.logger.Info().Str("plugin", id).Msg("plugin uninstalled")
	m.bus.Publish(eventbus.Event{Kind: eventbus.PluginsUninstalled, Payload: map[string]any{"id": id}, Source: "host"})
	return nil
}

// RunInstalledPlugin loads the stored entry script and activates it.
func (m *Manager) RunInstalledPlugin(ctx context.Context, id string) error {
	meta, err := m.registry.Metadata(ctx, id)
	if err != nil {
		return err
	}
	code, err := os.ReadFile(filepath.Join(meta.StoragePath, filepath.FromSlash(meta.Entry)))
	if err != nil {
		return typedef.NewError(typedef.KindSandboxLoadError, "run", id, err, "entry %s is unreadable", meta.Entry)
	}
	return m.host.Activate(ctx, id, string(code), &meta)
}

// LoadAndRunPlugin activates ad-hoc code that was never installed.
func (m *Manager) LoadAndRunPlugin(ctx context.Context, id, code string) error {
	return m.host.Activate(ctx, id, code, nil)
}

// ListInstalledPlugins returns every installed plugin, oldest first.
func (m *Manager) ListInstalledPlugins(ctx context.Context) ([]typedef.PluginMetadata, error) {
	return m.registry.List(ctx)
}

// GetInstalledPluginContext returns the grants a plugin was installed with.
func (m *Manager) GetInstalledPluginContext(_ context.Context, id string) (*typedef.PluginContext, error) {
	return m.registry.Context(id)
}

// Shutdown disposes every active plugin.
func (m *Manager) Shutdown(ctx context.Context) {
	m.host.Shutdown(ctx)
}
