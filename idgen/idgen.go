// Package idgen provides pluggable ID generation. Run output directories
// and sink record identifiers both take a Generator, making the ID
// strategy a startup-time decision.
package idgen

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given
// length. Short and filesystem-safe, used for run directory suffixes
// where a full UUID is too verbose.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		b := make([]byte, length)
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range b {
			b[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(b)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so artifacts listed by ID come out in capture order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Timestamped returns a Generator producing IDs in the format
// "20060102T150405Z_<suffix>" where suffix comes from the inner
// generator. Run IDs use this so output directories sort by start time.
func Timestamped(gen Generator) Generator {
	return func() string {
		return time.Now().UTC().Format("20060102T150405Z") + "_" + gen()
	}
}

// RunID is the generator for capture-run identifiers.
var RunID Generator = Timestamped(NanoID(6))

// Default is the artifact-level default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
