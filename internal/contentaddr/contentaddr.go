// Package contentaddr derives the stable on-disk identity of a media item
// from its source-site identity. Same (extractor, sourceID) always maps to
// the same id and path, on every machine.
package contentaddr

import (
	"crypto/md5"
	"encoding/hex"
	"path"
)

// ID returns the 32-hex-character identifier for a media source:
// md5 over "<extractor>__<sourceID>". MD5 is used only as a stable hash,
// not as a cryptographic primitive.
func ID(extractor, sourceID string) string {
	sum := md5.Sum([]byte(extractor + "__" + sourceID))
	return hex.EncodeToString(sum[:])
}

// ObjectPath returns the relative artifact directory for an id:
// id[0:4]/id[4:8]/id. Two fan-out levels of 16^4 keep directories small.
// The id must come from ID (32 hex chars); anything shorter is returned as-is
// so a malformed row never panics a path join.
func ObjectPath(id string) string {
	if len(id) < 8 {
		return id
	}
	return path.Join(id[0:4], id[4:8], id)
}
