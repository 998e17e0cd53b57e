// Package idgen generates the identifiers shelfwatch stamps on lock owners
// and check cycles.
//
// Identifiers are UUIDv7 so that lock markers and cycle log lines sort by
// creation time when an operator inspects them.
package idgen

import (

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// LockOwner returns a new lock owner identifier ("lck_<uuid>").
func LockOwner() string { return Prefixed("lck_", Default)() }

// Cycle returns a new check cycle identifier ("cyc_<uuid>").
func Cycle() string { return Prefixed("cyc_", Default)() }
