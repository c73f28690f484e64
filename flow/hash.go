package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashAlgorithm identifies the digest algorithm used for all content
// addressing in the engine.
const HashAlgorithm = "sha256"

// Digest is a content-address over the canonical form of a value. The
// algorithm tag travels with the hex digest so records remain verifiable if
// the algorithm ever changes.
type Digest struct {
	Algorithm string `json:"algorithm"`
	Hex       string `json:"hex"`
}

// String returns the digest in "<algorithm>:<hex>" form.
func (d Digest) String() string {
	return d.Algorithm + ":" + d.Hex
}

// CanonicalJSON serializes v into its canonical JSON form: object keys
// sorted at every nesting level, no insignificant whitespace, and Go's
// stable float formatting for numbers.
//
// The canonicalization works by round-tripping v through encoding/json:
// structs and maps collapse into map[string]any, and encoding/json emits
// map keys in sorted order. Two structurally equal values therefore always
// produce byte-identical canonical forms, regardless of struct field order
// or map iteration order.
//
// Provenance hashes, plan hashes, and attestation statements all use this
// form, so records can be re-verified by any implementation that follows
// the same rules.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: unmarshal: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: re-marshal: %w", err)
	}
	return canonical, nil
}

// HashValue computes the SHA-256 digest of the canonical JSON form of v.
func HashValue(v any) (Digest, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return Digest{}, err
	}
	sum := sha256.Sum256(canonical)
	return Digest{Algorithm: HashAlgorithm, Hex: hex.EncodeToString(sum[:])}, nil
}

// HashString computes the SHA-256 digest of a raw string. Used for step
// image digests, which hash the implementation version string directly
// rather than a JSON document.
func HashString(s string) Digest {
	sum := sha256.Sum256([]byte(s))
	return Digest{Algorithm: HashAlgorithm, Hex: hex.EncodeToString(sum[:])}
}
