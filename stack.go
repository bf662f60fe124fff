package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"saltshaker/config"
	"saltshaker/eventbus"
	"saltshaker/filebridge"
	"saltshaker/pluginhost"
	"saltshaker/storage"
	"saltshaker/telemetry"
)

const lockName = ".saltshaker.lock"

const lockWriteGrace = 5 * time.Second

var errLocked = errors.New("another saltshaker host is using this data directory")

// stack is every long-lived component of a running host.
type stack struct {
	cfg     *config.Config
	logger  zerolog.Logger
	dataDir string

	pool      *ants.Pool
	bus       *eventbus.Bus
	registry  *storage.Registry
	telemetry *telemetry.Manager
	bridge    *telemetry.Bridge
	manager   *pluginhost.Manager

	unlock func()
}

func openStack(cfg *config.Config, logger zerolog.Logger) (*stack, error) {
	dataDir := cfg.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}
	unlock, err := acquireLock(filepath.Join(dataDir, lockName))
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(cfg.Sandbox.WorkerPoolSize, ants.WithPanicHandler(func(p any) {
		logger.Error().Interface("panic", p).Msg("bridge task panicked")
	}))
	if err != nil {
		unlock()
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	registry, err := storage.OpenRegistry(storage.DatabasePath(dataDir), logger)
	if err != nil {
		pool.Release()
		unlock()
		return nil, err
	}
	resolver, err := filebridge.NewResolver()
	if err != nil {
		registry.Close()
		pool.Release()
		unlock()
		return nil, fmt.Errorf("home directory: %w", err)
	}

	bus := eventbus.New(logger)
	subs := telemetry.NewSubscriptions()
	conn := telemetry.NewManager(subs, bus, telemetry.ManagerConfig{
		Host:    cfg.Telemetry.Host,
		Port:    cfg.Telemetry.Port,
		Backoff: backoff.NewConstantBackOff(cfg.Telemetry.ReconnectDelay.Duration),
		Logger:  logger,
	})
	bridge := telemetry.NewBridge(subs, conn, telemetry.NewSystemProbe(), logger)

	host := pluginhost.NewHost(pluginhost.HostConfig{
		Bus:            bus,
		Files:          filebridge.New(registry, resolver, logger),
		Telemetry:      bridge,
		Pool:           pool,
		ScriptTimeout:  cfg.Sandbox.ScriptTimeout.Duration,
		DisposeTimeout: cfg.Sandbox.DisposeTimeout.Duration,
		Logger:         logger,
	})
	manager := pluginhost.NewManager(pluginhost.ManagerConfig{
		Host:       host,
		Registry:   registry,
		Bus:        bus,
		PluginsDir: storage.PluginsDir(dataDir),
		Logger:     logger,
	})

	return &stack{
		cfg:       cfg,
		logger:    logger,
		dataDir:   dataDir,
		pool:      pool,
		bus:       bus,
		registry:  registry,
		telemetry: conn,
		bridge:    bridge,
		manager:   manager,
		unlock:    unlock,
	}, nil
}

// Close disposes every plugin, then tears down the connection, the registry and the pool.
func (s *stack) Close(ctx context.Context) {
	s.manager.Shutdown(ctx)
	s.telemetry.Close()
	if err := s.registry.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close registry")
	}
	s.pool.Release()
	s.unlock()
}

// acquireLock creates the lock file exclusively. A second host on the same
// data directory would race the registry and the plugin folders. A lock left
// behind by a process that no longer exists is taken over.
func acquireLock(lockPath string) (func(), error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) && lockIsStale(lockPath) {
		if rmErr := os.Remove(lockPath); rmErr == nil || errors.Is(rmErr, os.ErrNotExist) {
			f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w (remove %s if it is stale)", errLocked, lockPath)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = f.Close()
			_ = os.Remove(lockPath)
		})
	}, nil
}

// lockIsStale reports whether the PID recorded in the lock file is gone. A
// file without a PID counts as stale once it is older than lockWriteGrace,
// which covers a holder that died between creating and writing it.
func lockIsStale(lockPath string) bool {
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil || pid <= 0 {
		info, statErr := os.Stat(lockPath)
		return statErr == nil && time.Since(info.ModTime()) > lockWriteGrace
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && !exists
}
