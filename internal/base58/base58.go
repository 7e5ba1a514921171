// Package base58 implements the Bitcoin base58 alphabet, the encoding
// multibase's 'z' prefix denotes. It exists because no third-party base58
// implementation is available among this module's dependencies; the
// algorithm is small and well known enough that reaching for the standard
// library's big.Int is the idiomatic choice here (see DESIGN.md).
package base58

import (
	"errors"
	"math/big"
)

const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var (
	radix       = big.NewInt(58)
	decodeTable [256]int8
)

func init() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i, c := range alphabet {
		decodeTable[byte(c)] = int8(i)
	}
}

// Encode returns the base58 encoding of b, preserving leading-zero bytes as
// leading '1' characters the way Bitcoin's base58check does.
func Encode(b []byte) string {
	zero := 0
	for zero < len(b) && b[zero] == 0 {
		zero++
	}

	n := new(big.Int).SetBytes(b)
	var out []byte
	mod := new(big.Int)
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, alphabet[mod.Int64()])
	}
	for i := 0; i < zero; i++ {
		out = append(out, alphabet[0])
	}
	reverse(out)
	return string(out)
}

// Decode parses a base58 string produced by Encode.
func Decode(s string) ([]byte, error) {
	zero := 0
	for zero < len(s) && s[zero] == alphabet[0] {
		zero++
	}

	n := new(big.Int)
	for i := 0; i < len(s); i++ {
		d := decodeTable[s[i]]
		if d < 0 {
			return nil, errors.New("base58: invalid character")
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(d)))
	}

	decoded := n.Bytes()
	out := make([]byte, zero+len(decoded))
	copy(out[zero:], decoded)
	return out, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
