// Package fingerprint derives deterministic content hashes for incoming
// events so that retries and duplicate deliveries can be detected by what
// an event says, not when or how it arrived.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// receiptMetadata are keys that describe delivery, not business content.
// They are stripped at every nesting level before hashing so that a
// client re-sending the same event with a fresh "id" or "created_at"
// still hashes to the same fingerprint.
var receiptMetadata = map[string]bool{
	"received_at": true,
	"created_at":  true,
	"id":          true,
}

// Compute returns the hex SHA-256 fingerprint of a payload's canonical
// form. Two payloads that differ only in key order, string case, surface
// whitespace, or receipt metadata produce the same fingerprint.
func Compute(payload map[string]interface{}) (string, error) {
	data, err := json.Marshal(Canonicalize(payload))
	if err != nil {
		return "", fmt.Errorf("serialize canonical payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize rebuilds a decoded JSON value into its canonical form:
// receipt-metadata keys dropped, string values lowercased and trimmed,
// array order preserved, numbers/booleans/null untouched. Object key
// ordering is handled by encoding/json, which emits map keys sorted.
func Canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if receiptMetadata[k] {
				continue
			}
			out[k] = Canonicalize(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = Canonicalize(inner)
		}
		return out
	case string:
		return strings.ToLower(strings.TrimSpace(val))
	default:
		return val
	}
}
