// Package toolchainfetch implements pack's online half: downloading a
// curated set of channel manifests and installer binaries from an upstream
// rustup distribution server into the in-memory trees sealedarchive.Seal
// expects.
package toolchainfetch

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"

	"github.com/cratesmirror/registry/internal/cache"
	"github.com/cratesmirror/registry/internal/httpx"
	"github.com/cratesmirror/registry/internal/toolchainstore"
	"github.com/cratesmirror/registry/pkg/toolchain"
)

// DefaultSource is the upstream rustup distribution server pack downloads
// from absent an explicit --source.
const DefaultSource = "https://static.rust-lang.org"

// userAgent identifies pack's requests to the upstream distribution server.
const userAgent = "crates-registry-mirror-pack/1.0"

// Downloader fetches channel manifests and rustup installers for pack.
// Only the manifest and installer are mirrored, never the full per-target
// rustc/cargo tarballs under dist/<date>/ — mirroring the whole upstream
// catalog is out of scope, and list_versions/list_platforms only ever
// read the channel manifest.
type Downloader struct {
	client httpx.BasicClient
	source string
}

// New builds a Downloader against source (e.g. DefaultSource), rate
// limiting requests to one every rateLimit and coalescing/caching
// concurrent or repeated fetches of the same URL within one pack run.
func New(source string, rateLimit time.Duration) *Downloader {
	var client httpx.BasicClient = http.DefaultClient
	client = &httpx.RateLimitedClient{BasicClient: client, Ticker: time.NewTicker(rateLimit)}
	client = httpx.NewCachedClient(client, &cache.CoalescingMemoryCache{})
	client = &httpx.WithUserAgent{BasicClient: client, UserAgent: userAgent}
	return &Downloader{client: client, source: strings.TrimRight(source, "/")}
}

// FetchVersion downloads version's channel manifest into dist, and the
// rustup-init installer for each of platforms into rustup. The manifest is
// not consulted: an installer is fetched for every requested platform.
func (d *Downloader) FetchVersion(version string, platforms []string, dist, rustup billy.Filesystem) error {
	if _, err := toolchain.ReleaseDate(version); err != nil {
		return errors.Wrapf(err, "resolving release date for %s", version)
	}
	manifestName := toolchain.ChannelFile(version)
	if err := d.fetchInto(d.source+"/dist/"+manifestName, dist, manifestName); err != nil {
		return errors.Wrapf(err, "fetching channel manifest for %s", version)
	}
	for _, platform := range platforms {
		relPath := toolchainstore.RustupInitPath(platform)
		url := d.source + "/rustup/" + relPath
		if err := d.fetchInto(url, rustup, relPath); err != nil {
			return errors.Wrapf(err, "fetching rustup-init for %s", platform)
		}
	}
	return nil
}

func (d *Downloader) fetchInto(url string, fsys billy.Filesystem, relPath string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %s for %s", resp.Status, url)
	}
	if dir := dirOf(relPath); dir != "" {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating directory")
		}
	}
	f, err := fsys.Create(relPath)
	if err != nil {
		return errors.Wrap(err, "creating destination file")
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return errors.Wrap(err, "writing destination file")
	}
	return nil
}

func dirOf(relPath string) string {
	i := strings.LastIndexByte(relPath, '/')
	if i < 0 {
		return ""
	}
	return relPath[:i]
}
