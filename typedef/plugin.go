package typedef

import (
	"slices"
	"time"
)

// PermFileRead grants the file bridge read operations.
const PermFileRead = "file.read"

// ResourceTypeJSON marks a resource readable through readJson.
const ResourceTypeJSON = "json"

// Resource is a manifest-declared file a plugin may ask the host to read.
type Resource struct {
	ID   string `json:"id" cbor:"id"`
	Type string `json:"type" cbor:"type"`
	Path string `json:"path" cbor:"path"`
}

// PluginMetadata captures the identity of an installed plugin. It never changes after install.
type PluginMetadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	ContentHash string    `json:"contentHash,omitempty"`
	InstalledAt time.Time `json:"installedAt"`
	Entry       string    `json:"entry"`
	StoragePath string    `json:"storagePath,omitempty"`
}

// PluginContext holds the grants a plugin was installed with.
type PluginContext struct {
	PluginID    string              `json:"pluginId"`
	Permissions []string            `json:"permissions"`
	Resources   map[string]Resource `json:"resources"`
}

// HasPermission reports whether perm was granted at install time.
func (c *PluginContext) HasPermission(perm string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Permissions, perm)
}

// Resource looks up a declared resource by id.
func (c *PluginContext) Resource(id string) (Resource, bool) {
	if c == nil || c.Resources == nil {
		return Resource{}, false
	}
	r, ok := c.Resources[id]
	return r, ok
}

// Clone returns a deep copy so cached contexts cannot be mutated by callers.
func (c *PluginContext) Clone() *PluginContext {
	if c == nil {
		return nil
	}
	out := &PluginContext{
		PluginID:    c.PluginID,
		Permissions: slices.Clone(c.Permissions),
		Resources:   make(map[string]Resource, len(c.Resources)),
	}
	for k, v := range c.Resources {
		out.Resources[k] = v
	}
	return out
}

// InstallRequest is what the installer collaborator hands the host.
type InstallRequest struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	ContentHash string     `json:"contentHash"`
	Archive     []byte     `json:"archive"`
	Permissions []string   `json:"permissions"`
	Resources   []Resource `json:"resources"`
}

// Context builds the PluginContext declared by the request.
func (r *InstallRequest) Context() *PluginContext {
	ctx := &PluginContext{
		PluginID:    r.ID,
		Permissions: slices.Clone(r.Permissions),
		Resources:   make(map[string]Resource, len(r.Resources)),
	}
	if ctx.Permissions == nil {
		ctx.Permissions = []string{}
	}
	for _, res := range r.Resources {
		ctx.Resources[res.ID] = res
	}
	return ctx
}

// InstallResult is returned by a successful install.
type InstallResult struct {
	OK          bool           `json:"ok"`
	StoragePath string         `json:"path"`
	Metadata    PluginMetadata `json:"metadata"`
}
