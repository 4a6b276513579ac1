// Package cache is the shared response cache: a content-addressed store
// mapping a request fingerprint to a previously computed result, with expiry.
// Synthesis stores audio bytes; generation stores encoded token sequences.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Store is implemented by the redis driver and the in-memory driver. All
// operations are single atomic primitives from the caller's point of view;
// callers never compose read-then-write sequences against it.
type Store interface {
	// Get returns the cached value and whether the key was present and live.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Fingerprint derives a stable cache key from the request content. Parts are
// length-prefixed before hashing so ("ab","c") and ("a","bc") cannot collide.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
