package key

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"slices"
)

// digestDomain separates key-set digests from any other sha256 use.
// Version suffix enables future algorithm migration.
const digestDomain = "keysync/keyset/v1"

// Set is a set of keys indexed by exact identity (Key.ID).
// The zero value is not usable; use NewSet.
type Set struct {
	items map[string]Key
}

// NewSet creates a set holding keys.
func NewSet(keys ...Key) *Set {
	s := &Set{items: make(map[string]Key, len(keys))}
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add inserts k. Adding an existing key is a no-op.
func (s *Set) Add(k Key) {
	s.items[k.id] = k
}

// Has reports whether k is in the set.
func (s *Set) Has(k Key) bool {
	_, ok := s.items[k.id]
	return ok
}

// Len returns the number of keys.
func (s *Set) Len() int {
	return len(s.items)
}

// Difference returns the keys of s that are not in other (s minus other),
// sorted by Key.Compare.
func (s *Set) Difference(other *Set) []Key {
	var out []Key
	for id, k := range s.items {
		if _, ok := other.items[id]; !ok {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

// Sorted returns every key ordered by Key.Compare.
func (s *Set) Sorted() []Key {
	out := make([]Key, 0, len(s.items))
	for _, k := range s.items {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// Digest returns a stable hex digest of the set contents.
// Two sets have the same digest iff they hold the same keys.
//
// Format: SHA256(domain + (uvarint len + id) per key), keys in Sorted order.
func (s *Set) Digest() string {
	h := sha256.New()
	h.Write([]byte(digestDomain))
	for _, k := range s.Sorted() {
		h.Write(binary.AppendUvarint(nil, uint64(len(k.id))))
		h.Write([]byte(k.id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortKeys(keys []Key) {
	slices.SortFunc(keys, Key.Compare)
}
