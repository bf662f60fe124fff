package storage

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4"
)

// MaxExtractedBytes bounds the total size of an unpacked plugin.
const MaxExtractedBytes = 64 << 20

var (
	ErrUnsupportedArchive = errors.New("unsupported archive format")
	ErrArchiveEscape      = errors.New("archive entry escapes the destination")
	ErrArchiveTooLarge    = errors.New("archive expands beyond the size limit")
	ErrNoEntry            = errors.New("no javascript entry point found")
)

// Format of a plugin archive.
type Format int

const (
	FormatUnknown Format = iota
	FormatTar
	FormatGzip
	FormatLZ4
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "tar.gz"
	case FormatLZ4:
		return "tar.lz4"
	default:
		return "unknown"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// DetectFormat sniffs the archive's magic bytes.
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(data, lz4Magic):
		return FormatLZ4
	case len(data) >= 262 && string(data[257:262]) == "ustar":
		return FormatTar
	default:
		return FormatUnknown
	}
}

// Extract unpacks a plugin archive into dest, dropping the leading path
// component of every entry (packages are built as <name>/...). Only
// directories and regular files are written.
func Extract(archive []byte, dest string) error {
	var r io.Reader
	switch DetectFormat(archive) {
	case FormatGzip:
		gz, err := gzip.NewReader(bytes.NewReader(archive))
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case FormatLZ4:
		r = lz4.NewReader(bytes.NewReader(archive))
	case FormatTar:
		r = bytes.NewReader(archive)
	default:
		return ErrUnsupportedArchive
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	var written int64
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		rel, err := stripFirst(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if written+hdr.Size > MaxExtractedBytes {
				return ErrArchiveTooLarge
			}
			n, err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			written += n
		}
	}
}

// stripFirst drops the first path component and rejects names that would
// leave the destination.
func stripFirst(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrArchiveEscape, name)
	}
	_, rest, ok := strings.Cut(strings.TrimPrefix(name, "./"), "/")
	if !ok || rest == "" {
		return "", nil
	}
	clean := path.Clean(rest)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrArchiveEscape, name)
	}
	return clean, nil
}

func writeEntry(target string, r io.Reader, perm os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, io.LimitReader(r, MaxExtractedBytes))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// entryCandidates are tried in order before falling back to any .js file.
var entryCandidates = []string{"plugin.js", "index.js", "main.js"}

// FindEntry picks the script to run from an extracted plugin directory.
func FindEntry(dir string) (string, error) {
	for _, name := range entryCandidates {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.Mode().IsRegular() {
			return name, nil
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".js") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrNoEntry
	}
	slices.Sort(names)
	return names[0], nil
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeID makes a plugin id safe to use as a directory name.
func SanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}
