package index

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Dep is a single dependency record within an IndexEntry, matching the
// canonical upstream crates-index line format field-for-field.
type Dep struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target,omitempty"`
	Kind            string   `json:"kind"`
	Registry        *string  `json:"registry,omitempty"`
	Package         *string  `json:"package,omitempty"`
}

// IndexEntry is one published version of a package, serialized as a single
// newline-delimited JSON line in its package's index file. Field order
// matches the upstream crates-index line format and must not be reordered.
type IndexEntry struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []Dep               `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	Links    *string             `json:"links"`
}

// ConfigJSON is the contents of index/config.json.
type ConfigJSON struct {
	DL  string `json:"dl"`
	API string `json:"api"`
}

// marshalLine renders an entry as a single newline-terminated JSON line. It
// disables HTML escaping since the upstream format does not escape '<',
// '>', or '&' and doing so would corrupt feature/name strings containing
// them.
func marshalLine(e IndexEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, errors.Wrap(err, "encoding index entry")
	}
	return buf.Bytes(), nil
}

// parseLines splits the contents of an index file into its IndexEntry
// records, in publish order. A malformed line is reported as an error
// without attempting partial recovery.
func parseLines(content []byte) ([]IndexEntry, error) {
	content = bytes.TrimRight(content, "\n")
	if len(content) == 0 {
		return nil, nil
	}
	rawLines := bytes.Split(content, []byte("\n"))
	entries := make([]IndexEntry, len(rawLines))
	for i, l := range rawLines {
		if err := json.Unmarshal(l, &entries[i]); err != nil {
			return nil, errors.Wrapf(err, "parsing index line %d", i)
		}
	}
	return entries, nil
}
