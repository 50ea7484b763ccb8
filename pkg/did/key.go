package did

import (
	"crypto/ed25519"
	"fmt"
)

// ed25519Multicodec is the varint-encoded 0xed multicodec prefix for an
// Ed25519 public key.
var ed25519Multicodec = []byte{0xed, 0x01}

// FromEd25519PublicKey derives the did:key identifier for a public key.
func FromEd25519PublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: ed25519 public key must be %d bytes, got %d",
			ErrInvalidDID, ed25519.PublicKeySize, len(pub))
	}
	payload := append(append([]byte{}, ed25519Multicodec...), pub...)
	return "did:key:z" + base58Encode(payload), nil
}

// KeyResolver resolves did:key identifiers locally. Only Ed25519
// (multicodec 0xed01) is supported.
type KeyResolver struct{}

func (KeyResolver) ResolvePublicKey(s string) (any, error) {
	d, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if d.Method != "key" {
		return nil, fmt.Errorf("%w: method %q is not resolvable offline", ErrInvalidDID, d.Method)
	}
	if len(d.ID) < 2 || d.ID[0] != 'z' {
		return nil, fmt.Errorf("%w: did:key requires multibase base58btc ('z')", ErrInvalidDID)
	}

	payload, err := base58Decode(d.ID[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if len(payload) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		payload[0] != ed25519Multicodec[0] || payload[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("%w: unsupported multicodec in did:key", ErrInvalidDID)
	}
	return ed25519.PublicKey(payload[2:]), nil
}
