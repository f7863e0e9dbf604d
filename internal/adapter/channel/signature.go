// Package channel implements the vendor-facing provider facade: one client
// per channel kind over plain HTTP, sharing retry, rate-limit, circuit and
// webhook-signature plumbing.
package channel

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"
)

// Signature schemes. POS and online-store vendors sign sha256=<hex>; the
// delivery marketplace still ships sha1=<hex>.
const (
	SchemeSHA256 = "sha256"
	SchemeSHA1   = "sha1"
)

// Sign computes the scheme-prefixed hex HMAC of raw under secret.
func Sign(scheme, secret string, raw []byte) string {
	var mac hash.Hash
	switch scheme {
	case SchemeSHA1:
		mac = hmac.New(sha1.New, []byte(secret))
	default:
		mac = hmac.New(sha256.New, []byte(secret))
	}
	mac.Write(raw)
	return scheme + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a scheme-prefixed hex HMAC in constant time. A
// missing prefix, a different scheme or a length mismatch fails closed; it
// never panics on malformed input.
func VerifySignature(scheme, secret string, raw []byte, signature string) bool {
	if !strings.HasPrefix(signature, scheme+"=") {
		return false
	}
	want := Sign(scheme, secret, raw)
	if len(signature) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}
