package db

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSize is the byte length of a content hash.
const HashSize = sha256.Size

// Hash returns the SHA-256 digest of the text's UTF-8 bytes. The hash is the
// content-addressed identity of a chunk: its embedding, projection and stored
// text are all keyed by it.
func Hash(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return sum[:]
}

// HashHex returns the hash of text as a hex string.
func HashHex(text string) string {
	return hex.EncodeToString(Hash(text))
}
