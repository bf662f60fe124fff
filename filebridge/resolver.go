package filebridge

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Placeholders recognised in resource path templates.
const (
	PlaceholderHome    = "{home}"
	PlaceholderAppData = "{appData}"
)

var errEscapesHome = errors.New("path escapes the home directory")

// Resolver turns resource path templates into canonical paths inside Home.
type Resolver struct {
	Home    string
	AppData string
}

// NewResolver uses the current user's home and app-data directories.
func NewResolver() (*Resolver, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Resolver{Home: home, AppData: appDataDir(home)}, nil
}

func appDataDir(home string) string {
	switch runtime.GOOS {
	case "windows":
		if base := os.Getenv("APPDATA"); base != "" {
			return base
		}
		return filepath.Join(home, "AppData", "Roaming")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return xdg
		}
		return filepath.Join(home, ".config")
	}
}

// Expand substitutes placeholders. Relative results are taken relative to Home.
func (r *Resolver) Expand(template string) string {
	p := strings.ReplaceAll(template, PlaceholderHome, r.Home)
	p = strings.ReplaceAll(p, PlaceholderAppData, r.AppData)
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.Home, p)
	}
	return filepath.Clean(p)
}

// Resolve expands template, follows symlinks and returns errEscapesHome
// unless the result lies inside Home.
func (r *Resolver) Resolve(template string) (string, error) {
	home, err := canonical(r.Home)
	if err != nil {
		return "", err
	}
	p, err := canonical(r.Expand(template))
	if err != nil {
		return "", err
	}
	if !within(home, p) {
		return "", errEscapesHome
	}
	return p, nil
}

// canonical resolves symlinks. For a missing file the deepest existing
// ancestor is resolved and the rest appended, so the read reports it.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	var missing []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		missing = append([]string{filepath.Base(cur)}, missing...)
		cur = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
