package index

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServeGitHEAD(t *testing.T) {
	r := newTestRepo(t)
	req := httptest.NewRequest(http.MethodGet, "/git/index/HEAD", nil)
	rec := httptest.NewRecorder()
	r.ServeGit(rec, req, "/git/index")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.HasSuffix(strings.TrimSpace(rec.Body.String()), "") {
		t.Fatalf("unexpected HEAD body %q", rec.Body.String())
	}
	if len(strings.TrimSpace(rec.Body.String())) != 40 {
		t.Errorf("HEAD body should be a 40-char hex hash, got %q", rec.Body.String())
	}
}

func TestServeGitInfoRefs(t *testing.T) {
	r := newTestRepo(t)
	if err := r.AddEntry(testEntry("foo", "0.1.0")); err != nil {
		t.Fatalf("AddEntry() = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/git/index/info/refs?service=git-upload-pack", nil)
	rec := httptest.NewRecorder()
	r.ServeGit(rec, req, "/git/index")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "001e# service=git-upload-pack\n0000") {
		t.Errorf("unexpected info/refs preamble: %q", body[:min(40, len(body))])
	}
	if !strings.Contains(body, "refs/heads/master") && !strings.Contains(body, "refs/heads/main") {
		t.Errorf("expected a default branch ref in advertisement: %q", body)
	}
}

func TestServeGitInfoRefsRejectsOtherServices(t *testing.T) {
	r := newTestRepo(t)
	req := httptest.NewRequest(http.MethodGet, "/git/index/info/refs?service=git-receive-pack", nil)
	rec := httptest.NewRecorder()
	r.ServeGit(rec, req, "/git/index")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServeGitUploadPack(t *testing.T) {
	r := newTestRepo(t)
	if err := r.AddEntry(testEntry("foo", "0.1.0")); err != nil {
		t.Fatalf("AddEntry() = %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/git/index/git-upload-pack", strings.NewReader("0000"))
	rec := httptest.NewRecorder()
	r.ServeGit(rec, req, "/git/index")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.Bytes()
	if !strings.HasPrefix(string(body), "0008NAK\n") {
		t.Errorf("expected leading NAK pkt-line, got %q", body[:min(20, len(body))])
	}
	if !strings.Contains(string(body), "PACK") {
		t.Error("expected a PACK signature in the upload-pack response")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
