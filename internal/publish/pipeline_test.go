package publish

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/cratesmirror/registry/internal/regerrors"
	"github.com/cratesmirror/registry/pkg/registry/index"
)

func newTestPipeline(t *testing.T, thresholdBytes int64) (*Pipeline, *index.Repository) {
	t.Helper()
	idx, err := index.Open(memfs.New(), index.Config{})
	if err != nil {
		t.Fatalf("index.Open() = %v", err)
	}
	return New(memfs.New(), idx, thresholdBytes), idx
}

func encodeRequest(t *testing.T, meta Metadata, crateBytes []byte) []byte {
	t.Helper()
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshaling metadata: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaJSON)))
	buf.Write(lenBuf[:])
	buf.Write(metaJSON)

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(crateBytes)))
	buf.Write(lenBuf[:])
	buf.Write(crateBytes)

	return buf.Bytes()
}

func TestPublishSuccess(t *testing.T) {
	p, idx := newTestPipeline(t, DefaultThresholdBytes)
	crateBytes := []byte("fake crate tarball contents")
	req := encodeRequest(t, Metadata{
		Name:     "foo",
		Vers:     "0.1.0",
		Deps:     []Dep{{Name: "bar", VersionReq: "^1.0"}},
		Features: map[string][]string{"default": {"bar"}},
	}, crateBytes)

	resp, err := p.Publish(bytes.NewReader(req))
	if err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if resp.Warnings.InvalidCategories == nil || resp.Warnings.InvalidBadges == nil || resp.Warnings.Other == nil {
		t.Errorf("warnings fields should be empty slices, not nil: %+v", resp.Warnings)
	}

	has, err := idx.HasVersion("foo", "0.1.0")
	if err != nil || !has {
		t.Fatalf("HasVersion() = %v, %v, want true, nil", has, err)
	}

	line, err := idx.SnapshotLine("foo")
	if err != nil {
		t.Fatalf("SnapshotLine() = %v", err)
	}
	var entries []index.IndexEntry
	for _, l := range bytes.Split(bytes.TrimRight(line, "\n"), []byte("\n")) {
		var e index.IndexEntry
		if err := json.Unmarshal(l, &e); err != nil {
			t.Fatalf("unmarshal index line: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	sum := sha256.Sum256(crateBytes)
	want := hex.EncodeToString(sum[:])
	if entries[0].Cksum != want {
		t.Errorf("cksum = %q, want %q", entries[0].Cksum, want)
	}
	if len(entries[0].Deps) != 1 || entries[0].Deps[0].Name != "bar" || entries[0].Deps[0].Req != "^1.0" {
		t.Errorf("unexpected deps: %+v", entries[0].Deps)
	}
}

func TestPublishStreamsCrateBytesToBlobStore(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultThresholdBytes)
	crateBytes := []byte("crate contents for download")
	req := encodeRequest(t, Metadata{Name: "bar", Vers: "1.0.0"}, crateBytes)
	if _, err := p.Publish(bytes.NewReader(req)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	f, err := p.crates.Open("3/b/bar/bar-1.0.0.crate")
	if err != nil {
		t.Fatalf("opening published blob: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if !bytes.Equal(got, crateBytes) {
		t.Errorf("blob contents = %q, want %q", got, crateBytes)
	}
}

func TestPublishDuplicateVersionAlreadyExists(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultThresholdBytes)
	meta := Metadata{Name: "foo", Vers: "0.1.0"}
	req1 := encodeRequest(t, meta, []byte("v1"))
	if _, err := p.Publish(bytes.NewReader(req1)); err != nil {
		t.Fatalf("first Publish() = %v", err)
	}
	req2 := encodeRequest(t, meta, []byte("v1 again"))
	_, err := p.Publish(bytes.NewReader(req2))
	if regerrors.KindOf(err) != regerrors.AlreadyExists {
		t.Errorf("KindOf(duplicate publish) = %v, want AlreadyExists", regerrors.KindOf(err))
	}
}

func TestPublishCaseInsensitiveCollision(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultThresholdBytes)
	req1 := encodeRequest(t, Metadata{Name: "Foo", Vers: "0.1.0"}, []byte("v1"))
	if _, err := p.Publish(bytes.NewReader(req1)); err != nil {
		t.Fatalf("first Publish() = %v", err)
	}
	req2 := encodeRequest(t, Metadata{Name: "foo", Vers: "0.1.0"}, []byte("v1"))
	_, err := p.Publish(bytes.NewReader(req2))
	if regerrors.KindOf(err) != regerrors.ConflictError {
		t.Errorf("KindOf(case-insensitive collision) = %v, want ConflictError", regerrors.KindOf(err))
	}
}

func TestPublishInvalidNameBadRequest(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultThresholdBytes)
	req := encodeRequest(t, Metadata{Name: "../escape", Vers: "0.1.0"}, []byte("x"))
	_, err := p.Publish(bytes.NewReader(req))
	if regerrors.KindOf(err) != regerrors.BadRequest {
		t.Errorf("KindOf(invalid name) = %v, want BadRequest", regerrors.KindOf(err))
	}
}

func TestPublishMissingVersionBadRequest(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultThresholdBytes)
	req := encodeRequest(t, Metadata{Name: "foo"}, []byte("x"))
	_, err := p.Publish(bytes.NewReader(req))
	if regerrors.KindOf(err) != regerrors.BadRequest {
		t.Errorf("KindOf(missing version) = %v, want BadRequest", regerrors.KindOf(err))
	}
}

// TestPublishSpillsAboveThreshold exercises the temp-file spill path with
// a threshold small enough to force it on an ordinary test payload, and
// checks the resulting checksum still matches.
func TestPublishSpillsAboveThreshold(t *testing.T) {
	p, _ := newTestPipeline(t, 4)
	crateBytes := bytes.Repeat([]byte("x"), 1024)
	req := encodeRequest(t, Metadata{Name: "big", Vers: "0.1.0"}, crateBytes)
	if _, err := p.Publish(bytes.NewReader(req)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	f, err := p.crates.Open("3/b/big/big-0.1.0.crate")
	if err != nil {
		t.Fatalf("opening published blob: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if !bytes.Equal(got, crateBytes) {
		t.Error("spilled blob contents mismatch")
	}
	// The spill temp file must not be left behind in the store.
	entries, err := p.crates.ReadDir("")
	if err != nil {
		t.Fatalf("ReadDir() = %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".publish-tmp-") {
			t.Errorf("leftover spill temp file: %s", e.Name())
		}
	}
}

func TestPublishNoLeftoverStagingFile(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultThresholdBytes)
	req := encodeRequest(t, Metadata{Name: "foo", Vers: "0.1.0"}, []byte("v1"))
	if _, err := p.Publish(bytes.NewReader(req)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	entries, err := p.crates.ReadDir("3/f/foo")
	if err != nil {
		t.Fatalf("ReadDir() = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "foo-0.1.0.crate" {
		t.Errorf("expected only the published blob in shard dir, got %+v", entries)
	}
}

// TestConcurrentPublishSameNameVersionExactlyOneSucceeds fires two
// concurrent Publish calls for the same (name, vers) against one Pipeline:
// exactly one must succeed, the other must fail with AlreadyExists or
// ConflictError, and the index must end up with exactly one matching line.
func TestConcurrentPublishSameNameVersionExactlyOneSucceeds(t *testing.T) {
	p, idx := newTestPipeline(t, DefaultThresholdBytes)
	meta := Metadata{Name: "racer", Vers: "0.1.0"}

	const attempts = 8
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := encodeRequest(t, meta, []byte("crate bytes"))
			_, err := p.Publish(bytes.NewReader(req))
			successes[i] = err == nil
			errs[i] = err
		}()
	}
	wg.Wait()

	succeeded := 0
	for i, ok := range successes {
		if ok {
			succeeded++
			continue
		}
		kind := regerrors.KindOf(errs[i])
		if kind != regerrors.AlreadyExists && kind != regerrors.ConflictError {
			t.Errorf("attempt %d failed with unexpected kind %v: %v", i, kind, errs[i])
		}
	}
	if succeeded != 1 {
		t.Fatalf("got %d successful concurrent publishes, want exactly 1", succeeded)
	}

	line, err := idx.SnapshotLine("racer")
	if err != nil {
		t.Fatalf("SnapshotLine() = %v", err)
	}
	lines := bytes.Split(bytes.TrimRight(line, "\n"), []byte("\n"))
	matching := 0
	for _, l := range lines {
		var e index.IndexEntry
		if err := json.Unmarshal(l, &e); err != nil {
			t.Fatalf("unmarshal index line: %v", err)
		}
		if e.Vers == "0.1.0" {
			matching++
		}
	}
	if matching != 1 {
		t.Errorf("index has %d lines matching 0.1.0, want exactly 1", matching)
	}
}
