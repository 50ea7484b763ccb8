// Package did implements Decentralized Identifier parsing and did:key
// resolution for Ed25519, so issued credentials can be verified without any
// network lookup.
package did

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidDID = errors.New("did: invalid identifier")

// didPattern follows the DID Core syntax: did:<method>:<method-specific-id>.
var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[A-Za-z0-9._%:-]+$`)

// DID is a parsed identifier. Fragment holds the verification method
// reference, if one was present.
type DID struct {
	Method   string
	ID       string
	Fragment string
}

// String renders the DID without its fragment.
func (d DID) String() string {
	return "did:" + d.Method + ":" + d.ID
}

// Parse validates and splits a DID or DID URL.
func Parse(s string) (DID, error) {
	var d DID
	base := s
	if i := strings.IndexByte(s, '#'); i >= 0 {
		base = s[:i]
		d.Fragment = s[i+1:]
	}
	if !didPattern.MatchString(base) {
		return DID{}, fmt.Errorf("%w: %q", ErrInvalidDID, s)
	}
	parts := strings.SplitN(base, ":", 3)
	d.Method = parts[1]
	d.ID = parts[2]
	return d, nil
}

// Resolver maps a DID to the public key material of its verification method.
type Resolver interface {
	ResolvePublicKey(did string) (any, error)
}
