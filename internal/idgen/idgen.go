// Package idgen provides ID generation for terascout entities.
package idgen

import (
	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings —
// time-sortable, globally unique, URL-safe.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// New is the process-wide default generator: UUIDv7.
var New Generator = UUIDv7()
