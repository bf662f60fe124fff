// Package filebridge lets plugins read the files their manifest declared,
// and nothing else.
package filebridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"

	"saltshaker/metrics"
	"saltshaker/typedef"
)

// MaxFileBytes caps every read.
const MaxFileBytes = 64 << 10

// ContextLookup returns a plugin's install-time grants. A missing plugin is
// reported as typedef.ErrUnknownPlugin.
type ContextLookup interface {
	Context(pluginID string) (*typedef.PluginContext, error)
}

// Bridge implements readText and readJson.
type Bridge struct {
	contexts ContextLookup
	paths    *Resolver
	logger   zerolog.Logger
}

// New builds a bridge over contexts, confining reads to paths.Home.
func New(contexts ContextLookup, paths *Resolver, logger zerolog.Logger) *Bridge {
	return &Bridge{
		contexts: contexts,
		paths:    paths,
		logger:   logger.With().Str("component", "filebridge").Logger(),
	}
}

// ReadText returns the declared resource as a string.
func (b *Bridge) ReadText(ctx context.Context, pluginID, resourceID string) (string, error) {
	data, err := b.read(ctx, "file.readText", pluginID, resourceID, false)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadJSON parses the declared json resource. Comments and trailing commas are tolerated.
func (b *Bridge) ReadJSON(ctx context.Context, pluginID, resourceID string) (any, error) {
	const op = "file.readJson"
	data, err := b.read(ctx, op, pluginID, resourceID, true)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(jsonc.ToJSON(data), &v); err != nil {
		return nil, b.deny(typedef.NewError(typedef.KindMalformedJSON, op, pluginID, err, "resource %q", resourceID))
	}
	return v, nil
}

func (b *Bridge) read(ctx context.Context, op, pluginID, resourceID string, wantJSON bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pluginID == "" || resourceID == "" {
		return nil, b.deny(typedef.NewError(typedef.KindInvalidArgument, op, pluginID, nil, "plugin and resource ids are required"))
	}

	pctx, err := b.contexts.Context(pluginID)
	switch {
	case errors.Is(err, typedef.ErrUnknownPlugin) || (err == nil && pctx == nil):
		return nil, b.deny(typedef.NewError(typedef.KindUnknownPlugin, op, pluginID, nil, ""))
	case err != nil:
		return nil, b.deny(typedef.NewError(typedef.KindResourceUnavailable, op, pluginID, err, "plugin context"))
	}

	if !pctx.HasPermission(typedef.PermFileRead) {
		return nil, b.deny(typedef.NewError(typedef.KindPermissionDenied, op, pluginID, nil, "missing permission %s", typedef.PermFileRead))
	}
	res, ok := pctx.Resource(resourceID)
	if !ok {
		return nil, b.deny(typedef.NewError(typedef.KindUnknownResource, op, pluginID, nil, "resource %q", resourceID))
	}
	if wantJSON && res.Type != typedef.ResourceTypeJSON {
		return nil, b.deny(typedef.NewError(typedef.KindWrongResourceType, op, pluginID, nil, "resource %q has type %q", resourceID, res.Type))
	}
	if res.Path == "" {
		return nil, b.deny(typedef.NewError(typedef.KindResourceUnavailable, op, pluginID, nil, "resource %q has no path", resourceID))
	}

	path, err := b.paths.Resolve(res.Path)
	if errors.Is(err, errEscapesHome) {
		return nil, b.deny(typedef.NewError(typedef.KindPathEscape, op, pluginID, nil, "resource %q resolves outside the home directory", resourceID))
	}
	if err != nil {
		return nil, b.deny(typedef.NewError(typedef.KindResourceUnavailable, op, pluginID, stripPath(err), "resource %q", resourceID))
	}
	b.logger.Debug().Str("plugin", pluginID).Str("resource", resourceID).Str("path", path).Msg("read")

	data, err := readLimited(path)
	switch {
	case errors.Is(err, errTooLarge):
		return nil, b.deny(typedef.NewError(typedef.KindSizeLimitExceeded, op, pluginID, nil, "resource %q exceeds %d bytes", resourceID, MaxFileBytes))
	case err != nil:
		return nil, b.deny(typedef.NewError(typedef.KindResourceUnavailable, op, pluginID, stripPath(err), "resource %q", resourceID))
	}
	return data, nil
}

var (
	errTooLarge   = errors.New("file too large")
	errNotRegular = errors.New("not a regular file")
)

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, errNotRegular
	}
	if info.Size() > MaxFileBytes {
		return nil, errTooLarge
	}
	// the file may grow between Stat and the read
	data, err := io.ReadAll(io.LimitReader(f, MaxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFileBytes {
		return nil, errTooLarge
	}
	return data, nil
}

// stripPath keeps filesystem paths out of messages that reach plugin code.
func stripPath(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

func (b *Bridge) deny(err *typedef.HostError) error {
	metrics.BridgeDenials.WithLabelValues(string(err.Kind)).Inc()
	b.logger.Warn().Str("plugin", err.PluginID).Str("op", err.Op).Str("kind", string(err.Kind)).Str("detail", err.Detail).Msg("bridge call denied")
	return err
}
