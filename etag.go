package gateway

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ETag derives the gateway content ETag from the plaintext fingerprint and
// the formatting parameters applied on write. Identical bytes stored with
// identical encryption and encoding parameters always produce the same tag;
// any change to the bytes or the parameters produces a new one.
func ETag(plaintext Fingerprint, encryptionAlg, encoding string) string {
	h := blake3.New()
	h.Write(plaintext[:])
	h.Write([]byte{0})
	h.Write([]byte(encryptionAlg))
	h.Write([]byte{0})
	h.Write([]byte(encoding))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
