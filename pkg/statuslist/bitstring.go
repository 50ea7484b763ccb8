// Package statuslist implements a W3C StatusList 2021 style revocation engine:
// compressed bitstrings tracking per-credential revocation or suspension state,
// with index allocation, mutation, and signed credential emission.
package statuslist

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Length bounds for a status list bitstring.
const (
	MinLength     = 1024
	MaxLength     = 1 << 23
	DefaultLength = 131072
)

var (
	ErrInvalidLength     = errors.New("statuslist: length must be a positive multiple of 8 in [1024, 2^23]")
	ErrIndexOutOfRange   = errors.New("statuslist: index out of range")
	ErrMalformedEncoding = errors.New("statuslist: malformed encoded list")
)

// Bitstring is a fixed-length bit array. The transport encoding is gzip of the
// raw byte array, then base64url without padding, per StatusList 2021.
//
// Bitstring is not safe for concurrent use; the Store serializes access.
type Bitstring struct {
	bits   []byte
	length int
}

// NewBitstring allocates an all-zero bitstring of the given length.
func NewBitstring(length int) (*Bitstring, error) {
	if err := ValidateLength(length); err != nil {
		return nil, err
	}
	return &Bitstring{bits: make([]byte, length/8), length: length}, nil
}

// ValidateLength checks the status-list length invariant.
func ValidateLength(length int) error {
	if length < MinLength || length > MaxLength || length%8 != 0 {
		return ErrInvalidLength
	}
	return nil
}

// Len returns the number of bits.
func (b *Bitstring) Len() int {
	return b.length
}

// Get returns the bit at index i.
func (b *Bitstring) Get(i int) (bool, error) {
	if i < 0 || i >= b.length {
		return false, ErrIndexOutOfRange
	}
	return b.bits[i/8]&(1<<(7-uint(i%8))) != 0, nil
}

// Set writes the bit at index i.
func (b *Bitstring) Set(i int, value bool) error {
	if i < 0 || i >= b.length {
		return ErrIndexOutOfRange
	}
	mask := byte(1 << (7 - uint(i%8)))
	if value {
		b.bits[i/8] |= mask
	} else {
		b.bits[i/8] &^= mask
	}
	return nil
}

// Clone returns an independent copy.
func (b *Bitstring) Clone() *Bitstring {
	bits := make([]byte, len(b.bits))
	copy(bits, b.bits)
	return &Bitstring{bits: bits, length: b.length}
}

// Encoded returns base64url(gzip(bits)) with no padding.
func (b *Bitstring) Encoded() (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b.bits); err != nil {
		return "", fmt.Errorf("statuslist: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("statuslist: compress: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBitstring reverses Encoded. The expected length is enforced so a
// truncated or padded list cannot silently change meaning.
func DecodeBitstring(encoded string, length int) (*Bitstring, error) {
	if err := ValidateLength(length); err != nil {
		return nil, err
	}

	compressed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	defer func() { _ = zr.Close() }()

	bits, err := io.ReadAll(io.LimitReader(zr, int64(length/8)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if len(bits) != length/8 {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrMalformedEncoding, len(bits), length/8)
	}
	return &Bitstring{bits: bits, length: length}, nil
}
