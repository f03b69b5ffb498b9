// Package cache stores provider results so that repeated requests skip the
// external call. Transcriptions are keyed by the audio digest and language,
// synthesized speech by text, voice and speed.
//
// Two backends implement [Cache]: [Memory], a bounded LRU for single-instance
// deployments and tests, and [Redis] for deployments that share results
// across replicas. Cache failures are never fatal to a request; the typed
// wrappers log them and report a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// Cache is a byte-oriented key/value store with per-entry expiry.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value for key. ok is false on a miss or an expired
	// entry; err is reserved for backend failures.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key for ttl. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Key derives a fixed-length cache key from namespace and parts. Parts are
// length-prefixed before hashing so that ("ab","c") and ("a","bc") differ.
func Key(namespace string, parts ...[]byte) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		l := uint64(len(p))
		for i := range n {
			n[i] = byte(l >> (8 * i))
		}
		h.Write(n[:])
		h.Write(p)
	}
	return namespace + ":" + hex.EncodeToString(h.Sum(nil))
}
