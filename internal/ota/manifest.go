// Package ota builds update manifests from a source tree and
// orchestrates pushing them to devices over the bus.
package ota

import (
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Manifest is the update document published to a device. Files are
// sorted by path so repeated builds of the same tree are identical.
type Manifest struct {
	Ref   string         `json:"ref"`
	Files []ManifestFile `json:"files"`
}

// ManifestFile is one file to fetch: where from, and where to write it
// on the device.
type ManifestFile struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// URLStrategy selects how download URLs are built.
type URLStrategy string

const (
	// StrategyRaw points devices straight at the raw content host.
	StrategyRaw URLStrategy = "raw"
	// StrategyProxy routes downloads through the server's proxy base,
	// for devices that cannot reach the content host directly.
	StrategyProxy URLStrategy = "proxy"
)

// Refs are single path segments: tags, branches without slashes, or
// commit hashes. Separators and whitespace are refused outright so a
// ref can never steer the URL outside the repository layout.
var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Builder constructs manifests from the checked-out source tree.
type Builder struct {
	// SourceRoot is the repo checkout containing devices/ and shared/.
	SourceRoot string
	// RawBase is the raw content URL prefix, e.g. a raw.githubusercontent
	// repo root without the ref segment.
	RawBase string
	// ProxyBase is the server's own file proxy prefix.
	ProxyBase string
}

// Devices lists the device directories present under devices/.
func (b *Builder) Devices() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.SourceRoot, "devices"))
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Build assembles the manifest for one device at one ref. The file set
// is devices/<id>/app/** plus shared/**; VCS metadata, dot-directories,
// caches and editor backups are excluded, as are bootstrap files.
func (b *Builder) Build(deviceID string, ref string, strategy URLStrategy) (*Manifest, error) {
	if !refPattern.MatchString(ref) || strings.Contains(ref, "..") {
		return nil, fmt.Errorf("invalid ref %q", ref)
	}
	switch strategy {
	case StrategyRaw, StrategyProxy:
	default:
		return nil, fmt.Errorf("unknown url strategy %q", strategy)
	}

	deviceDir := filepath.Join(b.SourceRoot, "devices", deviceID)
	if info, err := os.Stat(deviceDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("unknown device %q", deviceID)
	}

	m := &Manifest{Ref: ref}

	appDir := filepath.Join(deviceDir, "app")
	if err := b.collect(appDir, "app", "devices/"+deviceID+"/app", ref, strategy, m); err != nil {
		return nil, err
	}
	sharedDir := filepath.Join(b.SourceRoot, "shared")
	if _, err := os.Stat(sharedDir); err == nil {
		if err := b.collect(sharedDir, "shared", "shared", ref, strategy, m); err != nil {
			return nil, err
		}
	}

	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	return m, nil
}

// collect walks root and appends manifest entries. devicePrefix is the
// target path prefix on the device; repoPrefix is the path prefix
// inside the repository used to build URLs.
func (b *Builder) collect(root, devicePrefix, repoPrefix, ref string, strategy URLStrategy, m *Manifest) error {
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != root && (strings.HasPrefix(name, ".") || name == "__pycache__" || name == "backups") {
				return fs.SkipDir
			}
			return nil
		}
		if skipFile(name) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		// Manifests only ever target app/ and shared/; the device's
		// bootstrap files at its root are structurally out of reach.
		target := path.Join(devicePrefix, rel)
		if strings.Contains(target, "..") {
			return nil
		}
		m.Files = append(m.Files, ManifestFile{
			URL:  b.fileURL(strategy, ref, repoPrefix+"/"+rel),
			Path: target,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	return nil
}

func skipFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch {
	case strings.HasSuffix(name, ".pyc"),
		strings.HasSuffix(name, ".bak"),
		strings.HasSuffix(name, "~"),
		strings.HasSuffix(name, ".swp"):
		return true
	}
	return false
}

// fileURL builds the download URL for one repo-relative path. Path
// segments are escaped; the ref is already validated.
func (b *Builder) fileURL(strategy URLStrategy, ref, repoPath string) string {
	base := b.RawBase
	if strategy == StrategyProxy {
		base = b.ProxyBase
	}
	return strings.TrimRight(base, "/") + "/" + escapePath(ref) + "/" + escapePath(repoPath)
}

// escapePath escapes each segment of a slash-separated path, keeping
// the separators literal.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
