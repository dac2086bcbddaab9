// Package publish implements the publish pipeline: parsing the upstream
// publish wire format, validating and checksumming the crate body, and
// committing the result into an index.Repository and a crate blob store.
package publish

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// readU32LE reads a little-endian uint32 length prefix, as used by the
// upstream publish wire format ahead of both the metadata and crate bodies.
func readU32LE(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "reading length prefix")
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
