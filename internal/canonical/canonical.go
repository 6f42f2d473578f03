// Package canonical produces deterministic, key-order-invariant JSON
// encodings used everywhere a hash or signature must be reproducible:
// mandate bodies, receipt bodies, and idempotency request fingerprints.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal renders m as JSON with keys sorted lexicographically and no
// insignificant whitespace, regardless of the map's iteration order.
func Marshal(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("canonical: marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valueBytes, err := marshalValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("canonical: marshal value for key %q: %w", k, err)
		}
		buf.Write(valueBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalValue(v any) ([]byte, error) {
	if nested, ok := v.(map[string]any); ok {
		return Marshal(nested)
	}
	return json.Marshal(v)
}

// SHA256Hex returns "sha256:" followed by the lower-case hex SHA-256 digest
// of body.
func SHA256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// StripPrefix removes the "sha256:" prefix from a hash string produced by
// SHA256Hex, returning the raw hex digest.
func StripPrefix(hash string) string {
	const prefix = "sha256:"
	if len(hash) > len(prefix) && hash[:len(prefix)] == prefix {
		return hash[len(prefix):]
	}
	return hash
}
