// Package registryroot owns the four top-level subdirectories that make up
// a registry root and provides idempotent initialization of them.
package registryroot

import (
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
)

const (
	CratesDir = "crates"
	IndexDir  = "index"
	DistDir   = "dist"
	RustupDir = "rustup"
)

// Root is a RegistryRoot: a billy.Filesystem rooted at the registry
// directory, plus chrooted handles to each of its four children.
type Root struct {
	FS billy.Filesystem

	Crates billy.Filesystem
	Index  billy.Filesystem
	Dist   billy.Filesystem
	Rustup billy.Filesystem
}

// Open chroots a Root onto path on the real filesystem, creating path and
// its four children if they don't already exist. Safe to call repeatedly
// against the same path.
func Open(path string) (*Root, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating registry root")
	}
	return New(osfs.New(path))
}

// New builds a Root over an already-constructed billy.Filesystem (typically
// memfs.New() in tests, osfs.New(path) in production), creating the four
// child directories if absent.
func New(fs billy.Filesystem) (*Root, error) {
	r := &Root{FS: fs}
	var err error
	for _, d := range []string{CratesDir, IndexDir, DistDir, RustupDir} {
		if err = fs.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", d)
		}
	}
	if r.Crates, err = fs.Chroot(CratesDir); err != nil {
		return nil, errors.Wrap(err, "chrooting crates")
	}
	if r.Index, err = fs.Chroot(IndexDir); err != nil {
		return nil, errors.Wrap(err, "chrooting index")
	}
	if r.Dist, err = fs.Chroot(DistDir); err != nil {
		return nil, errors.Wrap(err, "chrooting dist")
	}
	if r.Rustup, err = fs.Chroot(RustupDir); err != nil {
		return nil, errors.Wrap(err, "chrooting rustup")
	}
	return r, nil
}
