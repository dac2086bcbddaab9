package index

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/pkg/errors"
)

// ServeGit implements the dumb-HTTP git protocol over "/git/index/..."
// sufficiently for cargo's git-index clone and fetch:
// HEAD, the git-upload-pack ref advertisement, a non-negotiated full-pack
// git-upload-pack response, and static loose objects. prefix is the URL
// path segment already consumed by the router (e.g. "/git/index").
//
// The upload-pack response always contains every object in the repository
// rather than negotiating against the client's "have" lines. Clients tolerate receiving objects they already have; the cost is a
// larger-than-necessary transfer on repeat fetches, not incorrectness.
func (r *Repository) ServeGit(w http.ResponseWriter, req *http.Request, prefix string) {
	p := strings.TrimPrefix(req.URL.Path, prefix)
	switch {
	case p == "/HEAD" && req.Method == http.MethodGet:
		r.serveGitHEAD(w)
	case p == "/info/refs" && req.Method == http.MethodGet:
		r.serveInfoRefs(w, req)
	case p == "/git-upload-pack" && req.Method == http.MethodPost:
		r.serveUploadPack(w, req)
	case strings.HasPrefix(p, "/objects/") && req.Method == http.MethodGet:
		r.serveLooseObject(w, strings.TrimPrefix(p, "/objects/"))
	default:
		http.NotFound(w, req)
	}
}

type refSnapshot struct {
	head plumbing.Hash
	refs map[string]plumbing.Hash
}

// snapshotRefs takes the writer mutex briefly to read a consistent view of
// HEAD and the reference table, excluding writers during reads of the ref
// advertisement to avoid torn refs.
func (r *Repository) snapshotRefs() (*refSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	headRef, err := r.repo.Head()
	if err != nil {
		return nil, errors.Wrap(err, "resolving HEAD")
	}
	snap := &refSnapshot{head: headRef.Hash(), refs: map[string]plumbing.Hash{}}
	iter, err := r.repo.Storer.IterReferences()
	if err != nil {
		return nil, errors.Wrap(err, "listing references")
	}
	defer iter.Close()
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference {
			snap.refs[ref.Name().String()] = ref.Hash()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterating references")
	}
	return snap, nil
}

func (r *Repository) serveGitHEAD(w http.ResponseWriter) {
	snap, err := r.snapshotRefs()
	if err != nil {
		http.Error(w, "no HEAD", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s\n", snap.head.String())
}

func (r *Repository) serveInfoRefs(w http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Get("service") != "git-upload-pack" {
		http.Error(w, "only git-upload-pack is supported", http.StatusBadRequest)
		return
	}
	snap, err := r.snapshotRefs()
	if err != nil {
		http.Error(w, "no refs", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	writePktLine(w, []byte("# service=git-upload-pack\n"))
	writeFlushPkt(w)

	names := make([]string, 0, len(snap.refs))
	for name := range snap.refs {
		names = append(names, name)
	}
	sort.Strings(names)

	// No multi_ack/side-band capabilities are advertised: the upload-pack
	// response below always sends a bare NAK plus the full unframed
	// packfile, so advertising negotiation or multiplexing capabilities
	// the client would then expect us to honor would corrupt the stream.
	caps := "agent=crates-registry/1.0"
	if len(names) == 0 {
		writePktLine(w, []byte(fmt.Sprintf("%s capabilities^{}\x00%s\n", plumbing.ZeroHash.String(), caps)))
	} else {
		first := true
		for _, name := range names {
			hash := snap.refs[name]
			if first {
				writePktLine(w, []byte(fmt.Sprintf("%s %s\x00%s\n", hash.String(), name, caps)))
				first = false
			} else {
				writePktLine(w, []byte(fmt.Sprintf("%s %s\n", hash.String(), name)))
			}
		}
	}
	writeFlushPkt(w)
}

// serveUploadPack implements a non-negotiated git-upload-pack: it discards
// the client's want/have lines (aside from draining the request body) and
// always responds with a single NAK followed by a packfile of every object
// in the repository storer.
func (r *Repository) serveUploadPack(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	if _, err := io.Copy(io.Discard, req.Body); err != nil {
		http.Error(w, "reading request", http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	iter, err := r.repo.Storer.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		r.mu.Unlock()
		http.Error(w, "listing objects", http.StatusInternalServerError)
		return
	}
	var hashes []plumbing.Hash
	err = iter.ForEach(func(o plumbing.EncodedObject) error {
		hashes = append(hashes, o.Hash())
		return nil
	})
	iter.Close()
	r.mu.Unlock()
	if err != nil {
		http.Error(w, "listing objects", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	writePktLine(w, []byte("NAK\n"))
	enc := packfile.NewEncoder(w, r.repo.Storer, false)
	if _, err := enc.Encode(hashes, 10); err != nil {
		// Headers are already flushed; nothing more to do but stop writing.
		return
	}
}

func (r *Repository) serveLooseObject(w http.ResponseWriter, rel string) {
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) != 2 || len(parts[0]) != 2 {
		http.NotFound(w, nil)
		return
	}
	f, err := r.fs.Open(".git/objects/" + parts[0] + "/" + parts[1])
	if err != nil {
		http.NotFound(w, nil)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/x-git-loose-object")
	io.Copy(w, f)
}

func writePktLine(w io.Writer, data []byte) {
	length := len(data) + 4
	fmt.Fprintf(w, "%04x", length)
	w.Write(data)
}

func writeFlushPkt(w io.Writer) {
	io.WriteString(w, "0000")
}
