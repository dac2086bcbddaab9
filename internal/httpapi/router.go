// Package httpapi implements the HTTP Router: the single net/http surface
// that serves the toolchain installer, the cargo git-index and
// sparse-index protocols, the crates download/publish/yank protocol, and a
// small management API, all over one Go 1.22+ method+wildcard
// http.ServeMux.
package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cratesmirror/registry/internal/layout"
	"github.com/cratesmirror/registry/internal/publish"
	"github.com/cratesmirror/registry/internal/regerrors"
	"github.com/cratesmirror/registry/internal/toolchainstore"
	"github.com/cratesmirror/registry/pkg/registry/index"

	"github.com/go-git/go-billy/v5"
)

// copyBufSize bounds the memory footprint of any single streaming request
// to well under a megabyte regardless of body size.
const copyBufSize = 256 * 1024

// Router wires a registry root's components to the HTTP URL table.
type Router struct {
	idx     *index.Repository
	crates  billy.Filesystem
	pub     *publish.Pipeline
	store   *toolchainstore.Store
	started time.Time
}

// New builds the Router's http.Handler. idx, crates, pub, and store must
// already be open against the same registry root.
func New(idx *index.Repository, crates billy.Filesystem, pub *publish.Pipeline, store *toolchainstore.Store) http.Handler {
	rt := &Router{idx: idx, crates: crates, pub: pub, store: store, started: time.Now()}
	mux := http.NewServeMux()

	mux.HandleFunc("/git/index/", rt.handleServeGit)

	mux.HandleFunc("GET /index/config.json", rt.handleConfigJSON)
	mux.HandleFunc("GET /index/{path...}", rt.handleSparseIndex)

	mux.HandleFunc("GET /api/v1/crates/{name}/{version}/download", rt.handleDownload)
	mux.HandleFunc("PUT /api/v1/crates/new", rt.handlePublish)
	mux.HandleFunc("DELETE /api/v1/crates/{name}/{version}/yank", rt.handleYank)
	mux.HandleFunc("PUT /api/v1/crates/{name}/{version}/unyank", rt.handleUnyank)

	mux.HandleFunc("GET /rustup/dist/{path...}", rt.handleRustupInit)
	mux.HandleFunc("GET /dist/{path...}", rt.handleDistFile)

	mux.HandleFunc("GET /api/versions", rt.handleVersions)
	mux.HandleFunc("GET /api/available-platforms", rt.handlePlatforms)
	mux.HandleFunc("PUT /api/load-pack-file", rt.handleLoadPackFile)
	mux.HandleFunc("GET /api/health", rt.handleHealth)

	return mux
}

func (rt *Router) handleServeGit(w http.ResponseWriter, r *http.Request) {
	rt.idx.ServeGit(w, r, "/git/index")
}

func (rt *Router) handleConfigJSON(w http.ResponseWriter, r *http.Request) {
	raw, err := rt.idx.ConfigJSONBytes()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// handleSparseIndex serves the cargo sparse-index protocol over
// "/index/{shards}/{name}": the package name is always the final path
// segment, regardless of how many shard directories precede it, so the
// handler doesn't need to replicate layout.BlobPath's sharding rules itself.
func (rt *Router) handleSparseIndex(w http.ResponseWriter, r *http.Request) {
	rest := r.PathValue("path")
	name := path.Base(rest)
	line, err := rt.idx.SnapshotLine(name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(line)
}

func (rt *Router) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, version := r.PathValue("name"), r.PathValue("version")
	if err := layout.ValidateName(name); err != nil {
		writeError(w, regerrors.Wrap(regerrors.BadRequest, err, "validating package name"))
		return
	}
	f, err := rt.crates.Open(layout.CrateFile(name, version))
	if err != nil {
		writeError(w, regerrors.New(regerrors.NotFound, "crate %s-%s not found", name, version))
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	streamCopy(w, f)
}

func (rt *Router) handlePublish(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	resp, err := rt.pub.Publish(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleYank(w http.ResponseWriter, r *http.Request) {
	rt.setYanked(w, r, true)
}

func (rt *Router) handleUnyank(w http.ResponseWriter, r *http.Request) {
	rt.setYanked(w, r, false)
}

func (rt *Router) setYanked(w http.ResponseWriter, r *http.Request, yanked bool) {
	name, version := r.PathValue("name"), r.PathValue("version")
	if err := rt.idx.SetYanked(name, version, yanked); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}

// handleRustupInit serves "/rustup/dist/{target}/rustup-init[.exe]". The
// target is every path segment up to the final one; the final segment must
// be the installer name toolchainstore.RustupInitPath would compute for
// that target, so a request for the wrong suffix (.exe on a non-Windows
// target, say) 404s rather than silently serving the wrong binary.
func (rt *Router) handleRustupInit(w http.ResponseWriter, r *http.Request) {
	rest := r.PathValue("path")
	idx := strings.LastIndexByte(rest, '/')
	if idx < 0 {
		http.NotFound(w, r)
		return
	}
	target, file := rest[:idx], rest[idx+1:]
	want := path.Base(toolchainstore.RustupInitPath(target))
	if file != want {
		http.NotFound(w, r)
		return
	}
	f, err := rt.store.OpenRustupInit(target)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	streamCopy(w, f)
}

func (rt *Router) handleDistFile(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")
	f, err := rt.store.OpenDistFile(rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	streamCopy(w, f)
}

func (rt *Router) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := rt.store.ListVersions()
	if err != nil {
		writeError(w, regerrors.Wrap(regerrors.StorageError, err, "listing versions"))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Versions map[string][]string `json:"versions"`
	}{versions})
}

func (rt *Router) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	platforms, err := rt.store.ListPlatforms()
	if err != nil {
		writeError(w, regerrors.Wrap(regerrors.StorageError, err, "listing platforms"))
		return
	}
	if platforms == nil {
		platforms = []string{}
	}
	writeJSON(w, http.StatusOK, platforms)
}

func (rt *Router) handleLoadPackFile(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if err := rt.store.InstallArchive(r.Body); err != nil {
		writeError(w, regerrors.Wrap(regerrors.StorageError, err, "installing pack file"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// healthResponse is the body of GET /api/health.
type healthResponse struct {
	IndexInitialized bool     `json:"index_initialized"`
	UptimeSeconds    float64  `json:"uptime_seconds"`
	RecentCommits    []string `json:"recent_commits"`
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{UptimeSeconds: time.Since(rt.started).Seconds()}
	if _, err := rt.idx.ConfigJSONBytes(); err == nil {
		resp.IndexInitialized = true
	}
	if commits, err := rt.idx.RecentCommits(5); err == nil {
		for _, c := range commits {
			resp.RecentCommits = append(resp.RecentCommits, c.Message)
		}
	}
	if resp.RecentCommits == nil {
		resp.RecentCommits = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamCopy copies src to w with a fixed-size buffer rather than
// io.Copy's internal allocation, so a single request's memory footprint
// stays bounded regardless of body size. Leaving Content-Length unset lets
// net/http fall back to chunked transfer encoding automatically.
func streamCopy(w io.Writer, src io.Reader) {
	buf := make([]byte, copyBufSize)
	if _, err := io.CopyBuffer(w, src, buf); err != nil {
		log.Printf("httpapi: streaming response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encoding JSON response: %v", err)
	}
}

// apiError mirrors crates.io's publish-protocol error body
// (`{"errors":[{"detail":…}]}`), used by writeError for every error from the
// index, crates and management API endpoints. The installer and /dist
// handlers answer a missing file with a plain http.NotFound, and
// /git/index errors are plain text as well.
type apiError struct {
	Errors []apiErrorDetail `json:"errors"`
}

type apiErrorDetail struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, err error) {
	status := regerrors.HTTPStatus(err)
	writeJSON(w, status, apiError{Errors: []apiErrorDetail{{Detail: err.Error()}}})
}
