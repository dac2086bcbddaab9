// Package layout computes the content-addressed filesystem paths used by a
// registry root: the directory shard a package name hashes to, and the
// crate/index file names within that shard.
package layout

import (
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// NameRE matches a valid, lowercased-or-not package name.
var NameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reserved names that must never resolve to a shard. None of them matches
// NameRE either; checking them first gives them their own error message.
var reserved = map[string]bool{"": true, ".": true, "..": true}

// ValidateName reports whether name is an acceptable package name: matching
// the identifier regex and not one of the reserved path segments.
func ValidateName(name string) error {
	if reserved[name] {
		return errors.Errorf("reserved package name %q", name)
	}
	if !NameRE.MatchString(name) {
		return errors.Errorf("invalid package name %q", name)
	}
	return nil
}

// BlobPath returns the shard directory for name, relative to whichever root
// (crates/ or index/) it is joined against. Depends only on the lowercased
// form of name, per the compatibility-fixed upstream layout.
func BlobPath(name string) string {
	name = strings.ToLower(name)
	switch len(name) {
	case 1:
		return path.Join("1", name)
	case 2:
		return path.Join("2", name)
	case 3:
		return path.Join("3", name[0:1], name)
	default:
		return path.Join(name[0:2], name[2:4], name)
	}
}

// CrateFile returns the path, relative to crates/, of the blob for a single
// published version.
func CrateFile(name, version string) string {
	return path.Join(BlobPath(name), name+"-"+version+".crate")
}

// IndexFile returns the path, relative to index/, of the newline-delimited
// index file holding every published version of name.
func IndexFile(name string) string {
	return path.Join(BlobPath(name), name)
}
