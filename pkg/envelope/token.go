package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingSubject = errors.New("envelope: token has no subject claim")

// CallerFromToken extracts the caller identity and requested scopes from a
// bearer token the transport has already authenticated. Signature validation
// is deliberately not repeated here; only the claims are read.
func CallerFromToken(tokenString string) (*Caller, []string, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil, fmt.Errorf("envelope: unexpected claims type %T", token.Claims)
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, nil, ErrMissingSubject
	}

	caller := &Caller{ID: subject, Type: "service"}
	if kind, ok := claims["agent_type"].(string); ok && kind != "" {
		caller.Type = kind
	}
	if did, ok := claims["did"].(string); ok {
		caller.DID = did
	}

	return caller, scopesFromClaims(claims), nil
}

// scopesFromClaims accepts either an OAuth-style space-separated "scope"
// string or a "scopes" array.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		return strings.Fields(scope)
	}
	raw, ok := claims["scopes"].([]any)
	if !ok {
		return nil
	}
	scopes := make([]string, 0, len(raw))
	for _, s := range raw {
		if str, ok := s.(string); ok {
			scopes = append(scopes, str)
		}
	}
	return scopes
}
