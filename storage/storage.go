package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// DataDirEnv overrides the data directory.
const DataDirEnv = "SALTSHAKER_DATA_DIR"

const appName = "Saltshaker"

var (
	dataDirOnce sync.Once
	dataDirPath string
)

// DataDir returns the platform-appropriate writable data directory and creates it if missing.
func DataDir() string {
	dataDirOnce.Do(func() {
		dataDirPath = resolveDataDir()
		_ = os.MkdirAll(dataDirPath, 0o755)
	})
	return dataDirPath
}

// PluginsDir is where installed plugin trees live under dataDir.
func PluginsDir(dataDir string) string {
	return filepath.Join(dataDir, "plugins")
}

// DatabasePath is the registry database under dataDir.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "plugins.db")
}

func resolveDataDir() string {
	if custom := os.Getenv(DataDirEnv); custom != "" {
		return custom
	}

	switch runtime.GOOS {
	case "windows":
		if base := os.Getenv("APPDATA"); base != "" {
			return filepath.Join(base, appName)
		}
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, appName)
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", appName)
		}
	default: // Linux and others
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", appName)
		}
	}

	// Final fallback: use current directory
	return "./" + appName
}
