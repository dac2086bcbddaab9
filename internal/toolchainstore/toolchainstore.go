// Package toolchainstore implements the Toolchain Store: installer
// binaries under rustup/dist/<target>/ and release channel manifests under
// dist/, plus the archive-merge and listing operations over them.
package toolchainstore

import (
	"io"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/cratesmirror/registry/internal/sealedarchive"
	"github.com/cratesmirror/registry/internal/syncx"
)

const channelPrefix = "channel-rust-"
const channelSuffix = ".toml"

// Store holds installer binaries and release channel manifests for the
// versions and platforms a registry mirrors.
type Store struct {
	dist   billy.Filesystem
	rustup billy.Filesystem

	// mu guards InstallArchive: install_archive takes an exclusive lock
	// over root/dist and root/rustup for the extraction duration.
	mu sync.Mutex

	// manifestCache memoizes targetsForManifest by manifest filename, since
	// list_versions and list_platforms both re-read and re-parse every
	// channel manifest on every call and the UI polls both repeatedly.
	// Invalidated wholesale on InstallArchive, which is the only thing that
	// can change a manifest's content.
	manifestCache syncx.Map[string, []string]
}

// New builds a Store rooted at dist and rustup (the chrooted subtrees of a
// registry root).
func New(dist, rustup billy.Filesystem) *Store {
	return &Store{dist: dist, rustup: rustup}
}

// InstallArchive stream-extracts a sealed archive produced by pack into the
// store, rejecting any entry whose normalised path escapes root or lies
// outside dist/ ∪ rustup/. Held exclusively for the duration of extraction
// so list_versions/list_platforms never observe a partially-merged tree.
func (s *Store) InstallArchive(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := sealedarchive.Unseal(r, s.dist, s.rustup); err != nil {
		return err
	}
	s.manifestCache.Clear()
	return nil
}

// channelManifest is the subset of the upstream channel-rust-<version>.toml
// schema list_versions needs: which target triples shipped a package for
// this release.
type channelManifest struct {
	Pkg map[string]struct {
		Target map[string]struct {
			Available bool `toml:"available"`
		} `toml:"target"`
	} `toml:"pkg"`
}

// ListVersions scans dist/ for channel-rust-*.toml manifests and returns,
// for each release it finds, the set of target triples with an available
// package in that manifest.
func (s *Store) ListVersions() (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.dist.ReadDir(".")
	if err != nil {
		return nil, errors.Wrap(err, "reading dist/")
	}
	versions := map[string][]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), channelPrefix) || !strings.HasSuffix(e.Name(), channelSuffix) {
			continue
		}
		version := strings.TrimSuffix(strings.TrimPrefix(e.Name(), channelPrefix), channelSuffix)
		targets, err := s.targetsForManifest(e.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "reading manifest %s", e.Name())
		}
		versions[version] = targets
	}
	return versions, nil
}

func (s *Store) targetsForManifest(name string) ([]string, error) {
	if cached, ok := s.manifestCache.Load(name); ok {
		return cached, nil
	}
	f, err := s.dist.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var manifest channelManifest
	if err := toml.Unmarshal(raw, &manifest); err != nil {
		return nil, errors.Wrap(err, "parsing channel manifest")
	}
	var targets []string
	seen := map[string]bool{}
	for _, pkg := range manifest.Pkg {
		for target, info := range pkg.Target {
			if info.Available && !seen[target] {
				seen[target] = true
				targets = append(targets, target)
			}
		}
	}
	s.manifestCache.Store(name, targets)
	return targets, nil
}

// ListPlatforms returns the union of target triples across every version
// ListVersions would report.
func (s *Store) ListPlatforms() ([]string, error) {
	versions, err := s.ListVersions()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var platforms []string
	for _, targets := range versions {
		for _, t := range targets {
			if !seen[t] {
				seen[t] = true
				platforms = append(platforms, t)
			}
		}
	}
	return platforms, nil
}

// RustupInitPath returns the path, relative to rustup/, of the installer
// for target, matching the "rustup/dist/<target>/rustup-init[.exe]" layout.
func RustupInitPath(target string) string {
	name := "rustup-init"
	if strings.Contains(target, "windows") {
		name += ".exe"
	}
	return "dist/" + target + "/" + name
}

// OpenRustupInit opens the installer binary for target.
func (s *Store) OpenRustupInit(target string) (billy.File, error) {
	return s.rustup.Open(RustupInitPath(target))
}

// OpenDistFile opens a file from the dist/ subtree by its path relative to
// dist/, used to stream arbitrary "/dist/..." requests.
func (s *Store) OpenDistFile(relPath string) (billy.File, error) {
	return s.dist.Open(relPath)
}
