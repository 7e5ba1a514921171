// Package oid encodes and decodes the content-addressed identifiers used
// throughout cob: object ids and the commit-hash references embedded in
// change-commit trailers.
//
// An identifier is a multibase-multihash string: a one-byte multibase
// prefix ('z'), followed by a multihash (an unsigned-varint hash-function
// code, an unsigned-varint digest length, then the digest itself), the
// whole thing base58-btc encoded. This mirrors the wire form radicle uses
// for commit-hash references; see DESIGN.md for why this module reads
// spec.md's "base-32 z alphabet" as the multibase table's actual
// definition of 'z' (base58btc) rather than literal base32.
package oid

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cob-systems/cob/internal/base58"
)

// Prefix is the multibase prefix this package emits and requires on decode.
const Prefix = 'z'

// CodeSHA2_256 is the multicodec code for sha2-256, the only hash function
// the substrate's commit-hash algorithm recognizes in this revision.
const CodeSHA2_256 = 0x12

// DigestLength is the expected digest length, in bytes, for CodeSHA2_256.
const DigestLength = 32

// ID is a decoded commit-hash reference: a hash-function code plus digest.
type ID struct {
	Code   uint64
	Digest [DigestLength]byte
}

// ErrInvalidID is wrapped by every rejection reason below.
var ErrInvalidID = errors.New("oid: invalid identifier")

// MarshalJSON renders an ID the same way Encode does, so a struct
// embedding an ID serializes to its familiar zBase58 string rather than
// its raw Code/Digest fields.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(Encode(id))
}

// UnmarshalJSON parses an ID from its Encode string form.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := Decode(s)
	if err != nil {
		return err
	}
	*id = decoded
	return nil
}

// New wraps a raw sha2-256 digest as an ID.
func New(digest [DigestLength]byte) ID {
	return ID{Code: CodeSHA2_256, Digest: digest}
}

// Encode renders an ID as a multibase-multihash string.
func Encode(id ID) string {
	buf := make([]byte, 0, 2+DigestLength)
	buf = appendUvarint(buf, id.Code)
	buf = appendUvarint(buf, uint64(len(id.Digest)))
	buf = append(buf, id.Digest[:]...)
	return string(Prefix) + base58.Encode(buf)
}

// Decode parses a multibase-multihash string produced by Encode, rejecting
// anything whose multibase prefix, hash-function code, or digest length
// disagrees with the substrate's commit-hash algorithm (sha2-256, 32 bytes).
//
// decode(encode(h)) == h holds for every ID accepted by Decode.
func Decode(s string) (ID, error) {
	if len(s) == 0 || s[0] != Prefix {
		return ID{}, fmt.Errorf("%w: missing %q multibase prefix", ErrInvalidID, string(Prefix))
	}
	raw, err := base58.Decode(s[1:])
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	code, n := binary.Uvarint(raw)
	if n <= 0 {
		return ID{}, fmt.Errorf("%w: truncated multihash code", ErrInvalidID)
	}
	raw = raw[n:]
	length, n := binary.Uvarint(raw)
	if n <= 0 {
		return ID{}, fmt.Errorf("%w: truncated multihash length", ErrInvalidID)
	}
	raw = raw[n:]
	if code != CodeSHA2_256 {
		return ID{}, fmt.Errorf("%w: unsupported hash function code %d", ErrInvalidID, code)
	}
	if length != DigestLength {
		return ID{}, fmt.Errorf("%w: unexpected digest length %d", ErrInvalidID, length)
	}
	if uint64(len(raw)) != length {
		return ID{}, fmt.Errorf("%w: digest length mismatch: header says %d, got %d", ErrInvalidID, length, len(raw))
	}
	var id ID
	id.Code = code
	copy(id.Digest[:], raw)
	return id, nil
}

// String implements fmt.Stringer by delegating to Encode.
func (id ID) String() string {
	return Encode(id)
}

// IsZero reports whether id is the zero value (no hash held).
func (id ID) IsZero() bool {
	return id.Code == 0 && id.Digest == [DigestLength]byte{}
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// EncodeRaw applies the same multibase 'z' (base58btc) envelope Encode
// uses, but around arbitrary bytes rather than a multihash-shaped digest.
// Signature trailers (X-Rad-Signature) carry raw signature bytes, not
// commit-hash references, so they use this form instead of Encode.
func EncodeRaw(data []byte) string {
	return string(Prefix) + base58.Encode(data)
}

// DecodeRaw reverses EncodeRaw.
func DecodeRaw(s string) ([]byte, error) {
	if len(s) == 0 || s[0] != Prefix {
		return nil, fmt.Errorf("%w: missing %q multibase prefix", ErrInvalidID, string(Prefix))
	}
	raw, err := base58.Decode(s[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return raw, nil
}
