package toolchainstore

import (
	"bytes"
	"io"
	"path"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"

	"github.com/cratesmirror/registry/internal/sealedarchive"
)

const fakeManifest = `
[pkg.rust]
version = "1.72.1"

[pkg.rust.target.x86_64-unknown-linux-gnu]
available = true
url = "https://example.invalid/rust-1.72.1.tar.gz"

[pkg.rust.target.aarch64-unknown-linux-gnu]
available = false
`

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

func TestListVersions(t *testing.T) {
	dist := memfs.New()
	write(t, dist, "channel-rust-1.72.1.toml", fakeManifest)
	s := New(dist, memfs.New())

	versions, err := s.ListVersions()
	if err != nil {
		t.Fatalf("ListVersions() = %v", err)
	}
	targets, ok := versions["1.72.1"]
	if !ok {
		t.Fatalf("versions = %+v, want a 1.72.1 entry", versions)
	}
	if len(targets) != 1 || targets[0] != "x86_64-unknown-linux-gnu" {
		t.Errorf("targets = %v, want only the available target", targets)
	}
}

func TestListPlatformsUnion(t *testing.T) {
	dist := memfs.New()
	write(t, dist, "channel-rust-1.72.1.toml", fakeManifest)
	write(t, dist, "channel-rust-1.71.0.toml", `
[pkg.rust.target.x86_64-pc-windows-msvc]
available = true
`)
	s := New(dist, memfs.New())

	platforms, err := s.ListPlatforms()
	if err != nil {
		t.Fatalf("ListPlatforms() = %v", err)
	}
	seen := map[string]bool{}
	for _, p := range platforms {
		seen[p] = true
	}
	if !seen["x86_64-unknown-linux-gnu"] || !seen["x86_64-pc-windows-msvc"] {
		t.Errorf("platforms = %v, want both targets present", platforms)
	}
}

func TestRustupInitPath(t *testing.T) {
	if got, want := RustupInitPath("x86_64-unknown-linux-gnu"), "dist/x86_64-unknown-linux-gnu/rustup-init"; got != want {
		t.Errorf("RustupInitPath() = %q, want %q", got, want)
	}
	if got, want := RustupInitPath("x86_64-pc-windows-msvc"), "dist/x86_64-pc-windows-msvc/rustup-init.exe"; got != want {
		t.Errorf("RustupInitPath(windows) = %q, want %q", got, want)
	}
}

func TestOpenRustupInit(t *testing.T) {
	rustup := memfs.New()
	write(t, rustup, "dist/x86_64-unknown-linux-gnu/rustup-init", "fake binary")
	s := New(memfs.New(), rustup)

	f, err := s.OpenRustupInit("x86_64-unknown-linux-gnu")
	if err != nil {
		t.Fatalf("OpenRustupInit() = %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading installer: %v", err)
	}
	if string(got) != "fake binary" {
		t.Errorf("installer content = %q", got)
	}
}

func TestInstallArchiveMergesIntoStore(t *testing.T) {
	srcDist := memfs.New()
	write(t, srcDist, "channel-rust-1.72.1.toml", fakeManifest)
	srcRustup := memfs.New()
	write(t, srcRustup, "dist/x86_64-unknown-linux-gnu/rustup-init", "fake binary")

	var buf bytes.Buffer
	if err := sealedarchive.Seal(&buf, srcDist, srcRustup); err != nil {
		t.Fatalf("Seal() = %v", err)
	}

	s := New(memfs.New(), memfs.New())
	if err := s.InstallArchive(&buf); err != nil {
		t.Fatalf("InstallArchive() = %v", err)
	}

	versions, err := s.ListVersions()
	if err != nil {
		t.Fatalf("ListVersions() = %v", err)
	}
	if _, ok := versions["1.72.1"]; !ok {
		t.Errorf("expected installed version 1.72.1, got %+v", versions)
	}
	if _, err := s.OpenRustupInit("x86_64-unknown-linux-gnu"); err != nil {
		t.Errorf("OpenRustupInit() after install = %v", err)
	}
}
