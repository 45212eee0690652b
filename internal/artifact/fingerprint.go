package artifact

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint derives the cache key for one stage execution from the stage
// identity, the ordered hashes of its input artifacts, and the canonical
// bytes of its configuration. Identical fingerprints imply identical
// expected output.
//
// Each component is length-prefixed so that no concatenation of different
// inputs can collide with another.
func Fingerprint(stageID string, inputHashes []string, config []byte) string {
	h := sha256.New()
	writeComponent := func(b []byte) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeComponent([]byte(stageID))
	for _, in := range inputHashes {
		writeComponent([]byte(in))
	}
	writeComponent(config)
	return hex.EncodeToString(h.Sum(nil))
}
