// Package sealedarchive implements the sealed archive format: a
// gzip-compressed tar whose top-level directories mirror the dist/ +
// rustup/ layout merged into a registry root by unpack/install_archive.
package sealedarchive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

// Seal writes a gzip-compressed tar of dist and rustup's full contents to
// w, each tree's entries prefixed with its directory name.
func Seal(w io.Writer, dist, rustup billy.Filesystem) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)
	if err := addTree(tw, dist, "dist"); err != nil {
		return errors.Wrap(err, "archiving dist/")
	}
	if err := addTree(tw, rustup, "rustup"); err != nil {
		return errors.Wrap(err, "archiving rustup/")
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "closing tar writer")
	}
	return errors.Wrap(gw.Close(), "closing gzip writer")
}

func addTree(tw *tar.Writer, fsys billy.Filesystem, prefix string) error {
	return walk(fsys, "", func(rel string, info os.FileInfo) error {
		if rel == "" {
			return nil
		}
		name := path.Join(prefix, rel)
		if info.IsDir() {
			return tw.WriteHeader(&tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(info.Mode().Perm()),
			})
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Size:     info.Size(),
			Mode:     int64(info.Mode().Perm()),
		}); err != nil {
			return err
		}
		f, err := fsys.Open(rel)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func walk(fsys billy.Filesystem, dir string, fn func(rel string, info os.FileInfo) error) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rel := path.Join(dir, e.Name())
		if err := fn(rel, e); err != nil {
			return err
		}
		if e.IsDir() {
			if err := walk(fsys, rel, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Unseal extracts a sealed archive from r into root, rejecting any entry
// whose normalised path escapes root or lies outside dist/ ∪ rustup/.
// Rather than splitting the path into segments and checking for a literal
// ".." component, it runs path.Clean first so a
// lexically-collapsible traversal like "dist/../../etc/passwd" is caught
// too. Symmetric with Seal: entries are dispatched to dist or rustup by
// their top-level directory rather than requiring a single filesystem
// rooted above both (billy chroots can't escape upward to reach one).
func Unseal(r io.Reader, dist, rustup billy.Filesystem) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "opening gzip stream")
	}
	defer gr.Close()
	tr := tar.NewReader(gr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading tar stream")
		}
		fsys, rel, err := routeEntryPath(h.Name, dist, rustup)
		if err != nil {
			return err
		}
		switch h.Typeflag {
		case tar.TypeDir:
			if err := fsys.MkdirAll(rel, h.FileInfo().Mode()); err != nil {
				return errors.Wrapf(err, "creating directory %s", h.Name)
			}
		case tar.TypeReg:
			if dir := path.Dir(rel); dir != "." {
				if err := fsys.MkdirAll(dir, 0o755); err != nil {
					return errors.Wrapf(err, "creating directory %s", dir)
				}
			}
			f, err := fsys.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, h.FileInfo().Mode())
			if err != nil {
				return errors.Wrapf(err, "opening %s", h.Name)
			}
			if _, err := io.CopyN(f, tr, h.Size); err != nil {
				f.Close()
				return errors.Wrapf(err, "writing %s", h.Name)
			}
			if err := f.Close(); err != nil {
				return errors.Wrapf(err, "closing %s", h.Name)
			}
		default:
			// Sealed archives only ever contain regular files and
			// directories produced by Seal; anything else (symlinks,
			// devices, …) is silently skipped rather than honored.
			continue
		}
	}
}

// routeEntryPath validates name against path traversal and the dist/ ∪
// rustup/ boundary, then returns which filesystem it belongs under and its
// path relative to that filesystem's root.
func routeEntryPath(name string, dist, rustup billy.Filesystem) (billy.Filesystem, string, error) {
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return nil, "", errors.Errorf("sealed archive entry %q escapes the archive root", name)
	}
	top := cleaned
	rel := ""
	if i := strings.IndexByte(cleaned, '/'); i >= 0 {
		top = cleaned[:i]
		rel = cleaned[i+1:]
	}
	switch top {
	case "dist":
		return dist, rel, nil
	case "rustup":
		return rustup, rel, nil
	default:
		return nil, "", errors.Errorf("sealed archive entry %q lies outside dist/ and rustup/", name)
	}
}
