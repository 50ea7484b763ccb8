package did

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse("did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK")
	require.NoError(t, err)
	assert.Equal(t, "key", d.Method)
	assert.Equal(t, "z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK", d.ID)
	assert.Empty(t, d.Fragment)

	d, err = Parse("did:web:status.example.com#key-1")
	require.NoError(t, err)
	assert.Equal(t, "web", d.Method)
	assert.Equal(t, "key-1", d.Fragment)
	assert.Equal(t, "did:web:status.example.com", d.String())

	for _, bad := range []string{"", "did:", "did:key", "key:z6Mk", "did:KEY:abc", "http://x"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidDID, "input %q", bad)
	}
}

func TestDidKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	id, err := FromEd25519PublicKey(pub)
	require.NoError(t, err)
	assert.Contains(t, id, "did:key:z6Mk")

	resolved, err := KeyResolver{}.ResolvePublicKey(id)
	require.NoError(t, err)
	assert.Equal(t, pub, resolved.(ed25519.PublicKey))
}

// Known vector from the did:key spec (Ed25519 test key).
func TestKeyResolver_KnownVector(t *testing.T) {
	resolved, err := KeyResolver{}.ResolvePublicKey(
		"did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK")
	require.NoError(t, err)
	pub, ok := resolved.(ed25519.PublicKey)
	require.True(t, ok)
	assert.Len(t, []byte(pub), ed25519.PublicKeySize)
}

func TestKeyResolver_Rejections(t *testing.T) {
	cases := []string{
		// not resolvable offline
		"did:web:example.com",
		// wrong multibase prefix
		"did:key:f6Mkhax",
		// invalid base58 characters
		"did:key:z0OIl",
		// wrong multicodec / truncated
		"did:key:z6LSbysY2xFMRpGMhb",
	}
	for _, input := range cases {
		_, err := KeyResolver{}.ResolvePublicKey(input)
		assert.ErrorIs(t, err, ErrInvalidDID, "input %q", input)
	}
}

func TestBase58RoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		{0},
		{0, 0, 1, 2, 3},
		{0xff, 0xfe, 0xfd},
	}
	for _, in := range inputs {
		decoded, err := base58Decode(base58Encode(in))
		require.NoError(t, err)
		assert.Equal(t, in, decoded)
	}
}
