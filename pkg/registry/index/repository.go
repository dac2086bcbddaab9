// Package index implements the git-backed index repository: durable,
// linearisable mutations to the cargo index, plus sparse and git-dumb-HTTP
// serving of its contents.
package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/pkg/errors"

	"github.com/cratesmirror/registry/internal/iterx"
	"github.com/cratesmirror/registry/internal/layout"
	"github.com/cratesmirror/registry/internal/regerrors"
)

// Config configures a Repository's commit identity and config.json content.
type Config struct {
	// Author and Email are used for every commit. Defaults to
	// "crates-registry <crates@registry.local>".
	Author string
	Email  string

	// DownloadBaseURL and APIBaseURL populate index/config.json's "dl" and
	// "api" fields.
	DownloadBaseURL string
	APIBaseURL      string
}

func (c Config) withDefaults() Config {
	if c.Author == "" {
		c.Author = "crates-registry"
	}
	if c.Email == "" {
		c.Email = "crates@registry.local"
	}
	return c
}

// Repository owns the git working tree backing a registry's index. All
// mutations are linearised through mu, a single async writer mutex.
type Repository struct {
	fs   billy.Filesystem
	repo *git.Repository
	cfg  Config
	mu   sync.Mutex
}

// Open opens the index repository rooted at fsys, creating it (writing
// config.json and an "initial" commit) if it doesn't already exist. Safe to
// call repeatedly against the same fsys.
func Open(fsys billy.Filesystem, cfg Config) (*Repository, error) {
	cfg = cfg.withDefaults()
	dot, err := fsys.Chroot(".git")
	if err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "chrooting .git")
	}
	storer := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())

	repo, err := git.Open(storer, fsys)
	if err == git.ErrRepositoryNotExists {
		repo, err = initRepo(fsys, storer, cfg)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "opening index repository")
	}
	return &Repository{fs: fsys, repo: repo, cfg: cfg}, nil
}

func initRepo(fsys billy.Filesystem, storer *filesystem.Storage, cfg Config) (*git.Repository, error) {
	repo, err := git.Init(storer, fsys)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "initializing index repository")
	}
	cj := ConfigJSON{DL: cfg.DownloadBaseURL, API: cfg.APIBaseURL}
	raw, err := json.Marshal(cj)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "encoding config.json")
	}
	if err := writeFile(fsys, "config.json", raw); err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "writing config.json")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "accessing worktree")
	}
	if _, err := wt.Add("config.json"); err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "staging config.json")
	}
	if _, err := commit(wt, "initial", cfg); err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "committing initial state")
	}
	return repo, nil
}

func commit(wt *git.Worktree, message string, cfg Config) (plumbing.Hash, error) {
	return wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  cfg.Author,
			Email: cfg.Email,
			When:  time.Now(),
		},
		// A repeated yank or unyank leaves the tree unchanged and still
		// records its own commit.
		AllowEmptyCommits: true,
	})
}

// AddEntry appends entry to its package's index file, creating intermediate
// shard directories as needed, and commits the change as "add {name}
// {vers}". A duplicate (name, vers) already present in the file is rejected
// with ConflictError and leaves the working tree untouched, as a defensive
// check beneath the publish pipeline's own AlreadyExists check.
func (r *Repository) AddEntry(entry IndexEntry) error {
	if err := layout.ValidateName(entry.Name); err != nil {
		return regerrors.Wrap(regerrors.BadRequest, err, "validating package name")
	}
	line, err := marshalLine(entry)
	if err != nil {
		return regerrors.Wrap(regerrors.BadRequest, err, "marshaling index entry")
	}
	relPath := layout.IndexFile(entry.Name)
	return r.mutate(fmt.Sprintf("add %s %s", entry.Name, entry.Vers), func(wt *git.Worktree) error {
		existing, err := readFileIfExists(r.fs, relPath)
		if err != nil {
			return regerrors.Wrap(regerrors.StorageError, err, "reading index file")
		}
		if existing != nil {
			entries, err := parseLines(existing)
			if err != nil {
				return regerrors.Wrap(regerrors.IndexCorruption, err, "parsing existing index file")
			}
			for _, prev := range entries {
				if prev.Vers == entry.Vers {
					return regerrors.New(regerrors.ConflictError, "duplicate index entry %s %s", entry.Name, entry.Vers)
				}
			}
		}
		if err := appendFile(r.fs, relPath, line); err != nil {
			return regerrors.Wrap(regerrors.StorageError, err, "writing index file")
		}
		if _, err := wt.Add(relPath); err != nil {
			return regerrors.Wrap(regerrors.StorageError, err, "staging index file")
		}
		return nil
	})
}

// SetYanked flips the yanked flag of the (name, vers) line in name's index
// file, preserving every other line and field byte-for-byte, and commits
// the change as "yank" or "unyank". Returns NotFound if the package or
// version is unknown, IndexCorruption if an existing line can't be parsed.
func (r *Repository) SetYanked(name, vers string, yanked bool) error {
	if err := layout.ValidateName(name); err != nil {
		return regerrors.Wrap(regerrors.BadRequest, err, "validating package name")
	}
	relPath := layout.IndexFile(name)
	message := "unyank"
	if yanked {
		message = "yank"
	}
	return r.mutate(message, func(wt *git.Worktree) error {
		content, err := readFileIfExists(r.fs, relPath)
		if err != nil {
			return regerrors.Wrap(regerrors.StorageError, err, "reading index file")
		}
		if content == nil {
			return regerrors.New(regerrors.NotFound, "no index entry for package %s", name)
		}
		entries, err := parseLines(content)
		if err != nil {
			return regerrors.Wrap(regerrors.IndexCorruption, err, "parsing index file")
		}
		found := false
		lines := make([][]byte, len(entries))
		for i, e := range entries {
			if e.Vers == vers {
				e.Yanked = yanked
				found = true
			}
			line, err := marshalLine(e)
			if err != nil {
				return regerrors.Wrap(regerrors.StorageError, err, "marshaling index entry")
			}
			lines[i] = bytes.TrimRight(line, "\n")
		}
		if !found {
			return regerrors.New(regerrors.NotFound, "no index entry for %s %s", name, vers)
		}
		out := bytes.Join(lines, []byte("\n"))
		out = append(out, '\n')
		if err := writeFile(r.fs, relPath, out); err != nil {
			return regerrors.Wrap(regerrors.StorageError, err, "writing index file")
		}
		if _, err := wt.Add(relPath); err != nil {
			return regerrors.Wrap(regerrors.StorageError, err, "staging index file")
		}
		return nil
	})
}

// SnapshotLine returns the current contents of name's index file for sparse
// serving. Lock-free: index files are append-only under the writer mutex,
// so a concurrent read either sees the file absent or sees a complete,
// final set of lines.
func (r *Repository) SnapshotLine(name string) ([]byte, error) {
	if err := layout.ValidateName(name); err != nil {
		return nil, regerrors.Wrap(regerrors.BadRequest, err, "validating package name")
	}
	content, err := readFileIfExists(r.fs, layout.IndexFile(name))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "reading index file")
	}
	if content == nil {
		return nil, regerrors.New(regerrors.NotFound, "no index entry for package %s", name)
	}
	return content, nil
}

// HasVersion reports whether an index line for (name, vers) already exists,
// used by the publish pipeline's own duplicate check.
func (r *Repository) HasVersion(name, vers string) (bool, error) {
	content, err := readFileIfExists(r.fs, layout.IndexFile(name))
	if err != nil {
		return false, regerrors.Wrap(regerrors.StorageError, err, "reading index file")
	}
	if content == nil {
		return false, nil
	}
	entries, err := parseLines(content)
	if err != nil {
		return false, regerrors.Wrap(regerrors.IndexCorruption, err, "parsing index file")
	}
	for _, e := range entries {
		if e.Vers == vers {
			return true, nil
		}
	}
	return false, nil
}

// FindCaseCollision reports the on-disk name of an existing index file in
// name's shard directory that matches name case-insensitively but not
// exactly, if any. BlobPath shards are lowercased but index file names
// preserve the publisher's casing, so "Foo" and "foo" land in the same
// shard directory under different file names without automatically
// colliding; the publish pipeline uses this to reject the second
// registration explicitly instead of silently allowing two live entries for
// what cargo treats as one logical package.
func (r *Repository) FindCaseCollision(name string) (string, error) {
	shardDir := path.Dir(layout.IndexFile(name))
	entries, err := r.fs.ReadDir(shardDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", regerrors.Wrap(regerrors.StorageError, err, "listing shard directory")
	}
	lower := strings.ToLower(name)
	for _, e := range entries {
		if e.IsDir() || e.Name() == name {
			continue
		}
		if strings.ToLower(e.Name()) == lower {
			return e.Name(), nil
		}
	}
	return "", nil
}

// ConfigJSONBytes returns the raw contents of index/config.json.
func (r *Repository) ConfigJSONBytes() ([]byte, error) {
	content, err := readFileIfExists(r.fs, "config.json")
	if err != nil {
		return nil, regerrors.Wrap(regerrors.StorageError, err, "reading config.json")
	}
	if content == nil {
		return nil, regerrors.New(regerrors.NotFound, "config.json not found")
	}
	return content, nil
}

// CommitSummary is the subset of a commit's metadata the management API
// reports in health checks.
type CommitSummary struct {
	Hash    string
	Message string
	When    time.Time
}

// RecentCommits returns the n most recent commits on the index's default
// branch, newest first, for /api/health's liveness report. Walks the
// repository's log iterator through iterx.ToSeq2 rather than hand-rolling
// the Next()/io.EOF loop.
func (r *Repository) RecentCommits(n int) ([]CommitSummary, error) {
	r.mu.Lock()
	headRef, err := r.repo.Head()
	if err != nil {
		r.mu.Unlock()
		return nil, regerrors.Wrap(regerrors.StorageError, err, "resolving HEAD")
	}
	logIter, err := r.repo.Log(&git.LogOptions{From: headRef.Hash()})
	if err != nil {
		r.mu.Unlock()
		return nil, regerrors.Wrap(regerrors.StorageError, err, "reading commit log")
	}
	defer logIter.Close()
	r.mu.Unlock()

	var out []CommitSummary
	for c, err := range iterx.ToSeq2[*object.Commit](logIter, io.EOF) {
		if err != nil {
			return nil, regerrors.Wrap(regerrors.StorageError, err, "walking commit log")
		}
		out = append(out, CommitSummary{Hash: c.Hash.String(), Message: c.Message, When: c.Author.When})
		if len(out) >= n {
			break
		}
	}
	return out, nil
}

// mutate is the shared "stage then commit" action behind add_entry,
// yank/unyank, and similar index writes: it runs fn against the current
// worktree under the writer mutex, then commits on success or resets hard
// on failure so a failed mutation never leaves a partially-staged working
// tree.
func (r *Repository) mutate(message string, fn func(wt *git.Worktree) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wt, err := r.repo.Worktree()
	if err != nil {
		return regerrors.Wrap(regerrors.StorageError, err, "accessing worktree")
	}
	if err := fn(wt); err != nil {
		_ = wt.Reset(&git.ResetOptions{Mode: git.HardReset})
		return err
	}
	if _, err := commit(wt, message, r.cfg); err != nil {
		_ = wt.Reset(&git.ResetOptions{Mode: git.HardReset})
		return regerrors.Wrap(regerrors.StorageError, err, "committing mutation")
	}
	return nil
}

func readFileIfExists(fsys billy.Filesystem, relPath string) ([]byte, error) {
	f, err := fsys.Open(relPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFile(fsys billy.Filesystem, relPath string, content []byte) error {
	if dir := path.Dir(relPath); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := fsys.Create(relPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(content)
	return err
}

func appendFile(fsys billy.Filesystem, relPath string, content []byte) error {
	if dir := path.Dir(relPath); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := fsys.OpenFile(relPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(content)
	return err
}
