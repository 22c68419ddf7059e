package hash

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// Checksum fingerprints a JSON payload. Payloads are compacted first so
// whitespace differences do not change the result.
func Checksum(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}

	var buf bytes.Buffer
	data := payload
	if err := json.Compact(&buf, payload); err == nil {
		data = buf.Bytes()
	}

	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
