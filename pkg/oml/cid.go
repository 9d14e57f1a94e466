package oml

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/multiformats/go-multibase"
	"lukechampine.com/blake3"
)

// CID returns the content identifier of canonical bytes: BLAKE3-256,
// base32-lower without padding, multibase "b" prefix.
func CID(data []byte) string {
	sum := blake3.Sum256(data)
	s, err := multibase.Encode(multibase.Base32, sum[:])
	if err != nil {
		// Base32 encoding of a fixed-length digest cannot fail.
		panic(fmt.Sprintf("oml: multibase encode: %v", err))
	}
	return s
}

// CIDFor canonicalizes v under alg and returns the CID of the result.
func CIDFor(v any, alg string) (string, error) {
	b, err := Canonicalize(v, alg)
	if err != nil {
		return "", err
	}
	return CID(b), nil
}

// SHA256 returns the raw SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256B64U returns the SHA-256 digest of data as base64url without padding.
func SHA256B64U(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Blake3 returns the raw BLAKE3-256 digest of data.
func Blake3(data []byte) [32]byte {
	return blake3.Sum256(data)
}
