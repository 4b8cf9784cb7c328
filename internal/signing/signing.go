// Package signing builds the canonical, sorted-key JSON body shared by the
// Sender and Pinger and computes the HMAC-SHA256 signature over the exact
// bytes that go on the wire. There is no third-party HMAC/canonical-JSON
// library in the example corpus or the wider ecosystem that beats
// crypto/hmac + encoding/json's native map-key sorting for this — see
// DESIGN.md.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Body marshals v (expected to be a map[string]any tree so that
// encoding/json's alphabetical map-key ordering gives a reproducible,
// sorted-key encoding) into the exact bytes that must be both signed and
// sent. Callers must reuse the returned slice for the HTTP request body;
// re-marshaling the same value is not guaranteed to be byte-identical
// across Go versions.
func Body(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal signed body: %w", err)
	}
	return b, nil
}

// Sign computes base64(hmac_sha256(secretKey, body)) with no line breaks.
func Sign(secretKey string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
