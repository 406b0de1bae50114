package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalizeJSON returns the RFC 8785 (JCS) canonical form of JSON input.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// DigestJCS canonicalizes JSON (RFC 8785) and returns a sha256 hex digest.
func DigestJCS(input []byte) (string, error) {
	canonical, err := CanonicalizeJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DigestValue marshals value and digests its canonical form, so two manifests
// that differ only in key order or whitespace share one digest.
func DigestValue(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal digest input: %w", err)
	}
	return DigestJCS(raw)
}
