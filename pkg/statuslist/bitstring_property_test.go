//go:build property

package statuslist

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Encode/decode is lossless for any valid length and any set of bit positions.
func TestBitstring_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	genLength := gen.IntRange(128, 2048).Map(func(n int) int { return n * 8 })

	properties.Property("encode/decode preserves every bit", prop.ForAll(
		func(length int, positions []int) bool {
			b, err := NewBitstring(length)
			if err != nil {
				return false
			}
			want := map[int]bool{}
			for _, p := range positions {
				i := p % length
				if i < 0 {
					i += length
				}
				if err := b.Set(i, true); err != nil {
					return false
				}
				want[i] = true
			}

			encoded, err := b.Encoded()
			if err != nil {
				return false
			}
			decoded, err := DecodeBitstring(encoded, length)
			if err != nil {
				return false
			}
			for i := 0; i < length; i++ {
				got, err := decoded.Get(i)
				if err != nil || got != want[i] {
					return false
				}
			}
			return true
		},
		genLength,
		gen.SliceOf(gen.Int()),
	))

	properties.Property("set then clear restores the empty encoding", prop.ForAll(
		func(length int, position int) bool {
			b, err := NewBitstring(length)
			if err != nil {
				return false
			}
			empty, err := b.Encoded()
			if err != nil {
				return false
			}
			i := position % length
			if i < 0 {
				i += length
			}
			if err := b.Set(i, true); err != nil {
				return false
			}
			if err := b.Set(i, false); err != nil {
				return false
			}
			again, err := b.Encoded()
			return err == nil && again == empty
		},
		genLength,
		gen.Int(),
	))

	properties.TestingRun(t)
}
