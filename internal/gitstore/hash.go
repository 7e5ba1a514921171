package gitstore

import (
	"crypto/sha256"
	"encoding/binary"
)

// canonicalHasher feeds a length-prefixed, field-ordered encoding of a
// commit record into sha2-256, so two equal records hash identically
// regardless of map iteration order.
type canonicalHasher struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func newCanonicalHasher() *canonicalHasher {
	return &canonicalHasher{h: sha256.New()}
}

func (c *canonicalHasher) writeInt(v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, _ = c.h.Write(buf[:])
}

func (c *canonicalHasher) writeBytes(b []byte) {
	c.writeInt(int64(len(b)))
	_, _ = c.h.Write(b)
}

func (c *canonicalHasher) writeString(s string) {
	c.writeBytes([]byte(s))
}

func (c *canonicalHasher) sum() [32]byte {
	var out [32]byte
	copy(out[:], c.h.Sum(nil))
	return out
}
