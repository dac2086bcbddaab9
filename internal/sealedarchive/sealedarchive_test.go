package sealedarchive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"path"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	dist := memfs.New()
	rustup := memfs.New()

	write(t, dist, "channel-rust-1.72.1.toml", "[pkg]\nversion = \"1.72.1\"\n")
	write(t, dist, "2023-09-19/rustc-1.72.1-x86_64-unknown-linux-gnu.tar.gz", "fake rustc tarball")
	write(t, rustup, "dist/x86_64-unknown-linux-gnu/rustup-init", "fake rustup-init binary")

	var buf bytes.Buffer
	if err := Seal(&buf, dist, rustup); err != nil {
		t.Fatalf("Seal() = %v", err)
	}

	destDist := memfs.New()
	destRustup := memfs.New()
	if err := Unseal(&buf, destDist, destRustup); err != nil {
		t.Fatalf("Unseal() = %v", err)
	}

	assertContent(t, destDist, "channel-rust-1.72.1.toml", "[pkg]\nversion = \"1.72.1\"\n")
	assertContent(t, destDist, "2023-09-19/rustc-1.72.1-x86_64-unknown-linux-gnu.tar.gz", "fake rustc tarball")
	assertContent(t, destRustup, "dist/x86_64-unknown-linux-gnu/rustup-init", "fake rustup-init binary")
}

func TestUnsealRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	body := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: "dist/../../etc/passwd", Typeflag: tar.TypeReg, Size: int64(len(body)), Mode: 0o644}); err != nil {
		t.Fatalf("WriteHeader() = %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	tw.Close()
	gw.Close()

	if err := Unseal(&buf, memfs.New(), memfs.New()); err == nil {
		t.Error("expected Unseal to reject a path-traversal entry")
	}
}

func TestUnsealRejectsEntriesOutsideAllowedRoots(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	body := []byte("x")
	if err := tw.WriteHeader(&tar.Header{Name: "crates/evil.crate", Typeflag: tar.TypeReg, Size: int64(len(body)), Mode: 0o644}); err != nil {
		t.Fatalf("WriteHeader() = %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	tw.Close()
	gw.Close()

	if err := Unseal(&buf, memfs.New(), memfs.New()); err == nil {
		t.Error("expected Unseal to reject an entry outside dist/ and rustup/")
	}
}

func write(t *testing.T, fsys billy.Filesystem, relPath, content string) {
	t.Helper()
	if dir := path.Dir(relPath); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll(%s) = %v", dir, err)
		}
	}
	f, err := fsys.Create(relPath)
	if err != nil {
		t.Fatalf("Create(%s) = %v", relPath, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(content)); err != nil {
		t.Fatalf("Write(%s) = %v", relPath, err)
	}
}

func assertContent(t *testing.T, root billy.Filesystem, relPath, want string) {
	t.Helper()
	f, err := root.Open(relPath)
	if err != nil {
		t.Fatalf("Open(%s) = %v", relPath, err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading %s: %v", relPath, err)
	}
	if string(got) != want {
		t.Errorf("%s content = %q, want %q", relPath, got, want)
	}
}
