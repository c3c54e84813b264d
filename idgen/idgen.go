// Package idgen provides pluggable ID generation.
//
// Constructors across the module (registry, observability, mcpquic) take a
// Generator so tests can inject fixed IDs and deployments can pick their
// strategy at startup. The shipped strategies cover both ends: UUIDv7 when
// IDs should sort by creation time (instance and event IDs), NanoID when
// they ride in tight spots like QUIC session tags.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator of base-36 IDs with the given length. Short
// and URL safe; collision resistance depends on the length, so stay at 8+
// for anything long-lived.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		raw := make([]byte, length)
		if _, err := rand.Read(raw); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		out := make([]byte, length)
		for i, b := range raw {
			out[i] = alphabet[int(b)%len(alphabet)]
		}
		return string(out)
	}
}

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings, globally unique
// and time-ordered.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed tag to every ID from gen, giving type-scoped
// identifiers like "inst_..." or "evt_...".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the module-wide default strategy: UUIDv7.
var Default Generator = UUIDv7()

// New produces one ID with the Default generator.
func New() string {
	return Default()
}
