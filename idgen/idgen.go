// Package idgen produces the identifiers a11yscan stamps on scans, exports
// and HTTP requests. The strategy is a startup-time choice: callers take a
// Generator, and tests substitute a deterministic one.
package idgen

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings. They sort by
// creation time, so scan and export ids list chronologically.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every ID, e.g. "scan_" or "exp_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator of "<prefix>1", "<prefix>2", ... Intended
// for tests that assert on ids.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Scan produces a scan identifier.
func Scan() string {
	return "scan_" + Default()
}

// Parse validates a UUID string, with or without a type prefix, and
// returns it normalized.
func Parse(s string) (string, error) {
	prefix := ""
	if i := lastUnderscore(s); i >= 0 {
		prefix, s = s[:i+1], s[i+1:]
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid id: %w", err)
	}
	return prefix + u.String(), nil
}

func lastUnderscore(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			return i
		}
	}
	return -1
}
