package toolchainfetch

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
)

func TestFetchVersion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dist/channel-rust-1.72.1.toml", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "[pkg.rust]\nversion = \"1.72.1\"\n")
	})
	mux.HandleFunc("/rustup/dist/x86_64-unknown-linux-gnu/rustup-init", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fake installer")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := New(srv.URL, time.Millisecond)
	dist := memfs.New()
	rustup := memfs.New()
	if err := d.FetchVersion("1.72.1", []string{"x86_64-unknown-linux-gnu"}, dist, rustup); err != nil {
		t.Fatalf("FetchVersion() = %v", err)
	}

	f, err := dist.Open("channel-rust-1.72.1.toml")
	if err != nil {
		t.Fatalf("Open(manifest) = %v", err)
	}
	defer f.Close()
	raw, _ := io.ReadAll(f)
	if string(raw) != "[pkg.rust]\nversion = \"1.72.1\"\n" {
		t.Errorf("manifest content = %q", raw)
	}

	rf, err := rustup.Open("dist/x86_64-unknown-linux-gnu/rustup-init")
	if err != nil {
		t.Fatalf("Open(installer) = %v", err)
	}
	defer rf.Close()
	raw2, _ := io.ReadAll(rf)
	if string(raw2) != "fake installer" {
		t.Errorf("installer content = %q", raw2)
	}
}

func TestFetchVersionUnknownReleaseErrors(t *testing.T) {
	d := New(DefaultSource, time.Millisecond)
	if err := d.FetchVersion("0.0.0-nonexistent", nil, memfs.New(), memfs.New()); err == nil {
		t.Error("expected an error for an unknown release")
	}
}
