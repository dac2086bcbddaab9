package publish

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cratesmirror/registry/internal/layout"
	"github.com/cratesmirror/registry/internal/regerrors"
	"github.com/cratesmirror/registry/pkg/registry/index"
)

// DefaultThresholdBytes is the crate-body size above which Pipeline spills
// to a temp file instead of buffering in memory.
const DefaultThresholdBytes = 16 << 20

// Pipeline implements the publish contract against a crate blob store and
// an index repository. A Pipeline is safe for concurrent use: mu
// serialises the existence-check-then-write sequence so two concurrent
// publishes of the same (name, vers) can't both pass the pre-check before
// either has written anything.
type Pipeline struct {
	crates         billy.Filesystem
	idx            *index.Repository
	thresholdBytes int64

	mu sync.Mutex
}

// New builds a Pipeline writing crate blobs under crates and index entries
// via idx. thresholdBytes <= 0 selects DefaultThresholdBytes.
func New(crates billy.Filesystem, idx *index.Repository, thresholdBytes int64) *Pipeline {
	if thresholdBytes <= 0 {
		thresholdBytes = DefaultThresholdBytes
	}
	return &Pipeline{crates: crates, idx: idx, thresholdBytes: thresholdBytes}
}

// Publish consumes one publish request body in full and either commits a
// new crate blob plus index entry, or returns a regerrors-classified error
// with the index unchanged. The only state a failure leaves behind is a
// crate blob written before a failed index commit.
func (p *Pipeline) Publish(r io.Reader) (*Response, error) {
	meta, err := readMetadata(r)
	if err != nil {
		return nil, err
	}
	if err := layout.ValidateName(meta.Name); err != nil {
		return nil, regerrors.Wrap(regerrors.BadRequest, err, "validating package name")
	}
	if meta.Vers == "" {
		return nil, regerrors.New(regerrors.BadRequest, "missing version")
	}

	crateLen, err := readU32LE(r)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.BadRequest, err, "reading crate length")
	}
	cksum, body, cleanup, err := p.readCrateBody(r, int64(crateLen))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "reading crate body")
	}
	defer cleanup()

	p.mu.Lock()
	defer p.mu.Unlock()

	if collision, err := p.idx.FindCaseCollision(meta.Name); err != nil {
		return nil, err
	} else if collision != "" {
		return nil, regerrors.New(regerrors.ConflictError, "package name %q collides case-insensitively with existing package %q", meta.Name, collision)
	}

	destPath := layout.CrateFile(meta.Name, meta.Vers)
	if _, err := p.crates.Stat(destPath); err == nil {
		return nil, regerrors.New(regerrors.AlreadyExists, "crate %s-%s already published", meta.Name, meta.Vers)
	}
	if has, err := p.idx.HasVersion(meta.Name, meta.Vers); err != nil {
		return nil, err
	} else if has {
		return nil, regerrors.New(regerrors.AlreadyExists, "crate %s-%s already published", meta.Name, meta.Vers)
	}

	if err := p.writeBlob(destPath, body); err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "writing crate blob")
	}

	entry := index.IndexEntry{
		Name:     meta.Name,
		Vers:     meta.Vers,
		Deps:     toIndexDeps(meta.Deps),
		Cksum:    cksum,
		Features: meta.Features,
		Yanked:   false,
		Links:    meta.Links,
	}
	if entry.Features == nil {
		entry.Features = map[string][]string{}
	}
	if entry.Deps == nil {
		entry.Deps = []index.Dep{}
	}
	// The blob above is already committed to disk by this point. If
	// add_entry fails here the blob is left orphaned rather than rolled
	// back — acceptable since blobs are append-only and never referenced
	// without a matching index line.
	if err := p.idx.AddEntry(entry); err != nil {
		log.Printf("publish: crate blob %s left orphaned after index commit failure: %v", destPath, err)
		return nil, err
	}
	return emptyResponse(), nil
}

func readMetadata(r io.Reader) (*Metadata, error) {
	metaLen, err := readU32LE(r)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.BadRequest, err, "reading metadata length")
	}
	raw := make([]byte, metaLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, regerrors.Wrap(regerrors.BadRequest, err, "reading metadata body")
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, regerrors.Wrap(regerrors.BadRequest, err, "parsing metadata JSON")
	}
	return &meta, nil
}

func toIndexDeps(deps []Dep) []index.Dep {
	out := make([]index.Dep, len(deps))
	for i, d := range deps {
		pkg := d.ExplicitNameInToml
		out[i] = index.Dep{
			Name:            d.Name,
			Req:             d.VersionReq,
			Features:        d.Features,
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            d.Kind,
			Registry:        d.Registry,
			Package:         pkg,
		}
		if out[i].Features == nil {
			out[i].Features = []string{}
		}
		if out[i].Kind == "" {
			out[i].Kind = "normal"
		}
	}
	return out
}

// readCrateBody streams exactly crateLen bytes from r, computing its
// SHA-256 checksum, buffering in memory when crateLen is at or below the
// configured threshold and spilling to a temp file above it. The returned
// bodyFn yields a fresh reader over the captured bytes each time it's
// called; cleanup removes any temp file created.
func (p *Pipeline) readCrateBody(r io.Reader, crateLen int64) (cksum string, bodyFn func() (io.ReadCloser, error), cleanup func(), err error) {
	h := sha256.New()
	if crateLen <= p.thresholdBytes {
		var buf bytes.Buffer
		if _, err := io.CopyN(io.MultiWriter(&buf, h), r, crateLen); err != nil {
			return "", nil, nil, errors.Wrap(err, "buffering crate body")
		}
		data := buf.Bytes()
		return hex.EncodeToString(h.Sum(nil)),
			func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
			func() {},
			nil
	}

	tmpName := ".publish-tmp-" + uuid.NewString()
	tmp, err := p.crates.Create(tmpName)
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "creating spill temp file")
	}
	if _, err := io.CopyN(io.MultiWriter(tmp, h), r, crateLen); err != nil {
		tmp.Close()
		p.crates.Remove(tmpName)
		return "", nil, nil, errors.Wrap(err, "spilling crate body to temp file")
	}
	if err := tmp.Close(); err != nil {
		p.crates.Remove(tmpName)
		return "", nil, nil, errors.Wrap(err, "closing spill temp file")
	}
	cleanup = func() { p.crates.Remove(tmpName) }
	bodyFn = func() (io.ReadCloser, error) { return p.crates.Open(tmpName) }
	return hex.EncodeToString(h.Sum(nil)), bodyFn, cleanup, nil
}

// writeBlob writes the content yielded by body to a temp sibling of
// destPath, then renames it into place. billy.Filesystem does not expose
// fsync (osfs.File.Close flushes; memfs has no durability concept), so
// Close is the closest available durability boundary.
func (p *Pipeline) writeBlob(destPath string, body func() (io.ReadCloser, error)) error {
	dir := path.Dir(destPath)
	if dir != "." {
		if err := p.crates.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating shard directory")
		}
	}
	tmpName := path.Join(dir, ".tmp-"+uuid.NewString())
	tmp, err := p.crates.Create(tmpName)
	if err != nil {
		return errors.Wrap(err, "creating staging file")
	}
	rc, err := body()
	if err != nil {
		tmp.Close()
		p.crates.Remove(tmpName)
		return errors.Wrap(err, "opening crate body")
	}
	defer rc.Close()
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		p.crates.Remove(tmpName)
		return errors.Wrap(err, "writing staging file")
	}
	if err := tmp.Close(); err != nil {
		p.crates.Remove(tmpName)
		return errors.Wrap(err, "closing staging file")
	}
	if err := p.crates.Rename(tmpName, destPath); err != nil {
		p.crates.Remove(tmpName)
		return errors.Wrap(err, "renaming staging file into place")
	}
	return nil
}
