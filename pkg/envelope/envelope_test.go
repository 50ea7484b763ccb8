package envelope

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/oracle"
)

func validEnvelope() *RequestEnvelope {
	return &RequestEnvelope{
		RequestID: "req-1",
		Caller:    Caller{ID: "agent-1", Type: "ai"},
		BondID:    "bond-1",
		Action:    "chat.write",
		RequestedScopes: []string{
			"chat.write",
		},
		Payload:   Payload{Text: "hello"},
		Encrypted: true,
	}
}

func TestValidate_AcceptsWellFormedEnvelope(t *testing.T) {
	require.NoError(t, validEnvelope().Validate())
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RequestEnvelope)
	}{
		{"missing request id", func(e *RequestEnvelope) { e.RequestID = "" }},
		{"missing caller id", func(e *RequestEnvelope) { e.Caller.ID = "" }},
		{"bad caller type", func(e *RequestEnvelope) { e.Caller.Type = "robot" }},
		{"action without resource", func(e *RequestEnvelope) { e.Action = "chat" }},
		{"uppercase action", func(e *RequestEnvelope) { e.Action = "Chat.Write" }},
		{"malformed caller did", func(e *RequestEnvelope) { e.Caller.DID = "did::broken" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEnvelope()
			tc.mutate(e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	e, err := ParseEnvelope([]byte(`{
		"requestId": "req-9",
		"caller": {"id": "agent-7", "type": "ai", "ip": "10.0.0.1"},
		"action": "data.export",
		"requestedScopes": ["data.export"],
		"payload": {"classification": "public", "export": true},
		"encrypted": true
	}`))
	require.NoError(t, err)
	assert.Equal(t, "req-9", e.RequestID)
	assert.Equal(t, "agent-7", e.Caller.ID)
	assert.True(t, e.Payload.Export)

	_, err = ParseEnvelope([]byte(`{"requestId": "x", "unknown": 1}`))
	assert.Error(t, err)
}

func TestTrustContext(t *testing.T) {
	e := validEnvelope()
	bond := &oracle.Bond{ID: "bond-1", State: oracle.BondActive}

	ctx := e.TrustContext(bond, true)
	assert.Equal(t, "req-1", ctx.RequestID)
	assert.Equal(t, oracle.AgentAI, ctx.AgentKind)
	assert.Equal(t, "chat.write", ctx.Action)
	assert.Same(t, bond, ctx.Bond)
	assert.True(t, ctx.AuditEnabled)
	assert.Equal(t, "hello", ctx.Data.Text)
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestCallerFromToken(t *testing.T) {
	tokenString := signedToken(t, jwt.MapClaims{
		"sub":        "agent-42",
		"agent_type": "ai",
		"did":        "did:key:z6MkAgent42",
		"scope":      "chat.read chat.write",
	})

	caller, scopes, err := CallerFromToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "agent-42", caller.ID)
	assert.Equal(t, "ai", caller.Type)
	assert.Equal(t, "did:key:z6MkAgent42", caller.DID)
	assert.Equal(t, []string{"chat.read", "chat.write"}, scopes)
}

func TestCallerFromToken_ScopesArray(t *testing.T) {
	tokenString := signedToken(t, jwt.MapClaims{
		"sub":    "agent-1",
		"scopes": []string{"a.read", "b.write"},
	})

	caller, scopes, err := CallerFromToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "service", caller.Type)
	assert.Equal(t, []string{"a.read", "b.write"}, scopes)
}

func TestCallerFromToken_MissingSubject(t *testing.T) {
	tokenString := signedToken(t, jwt.MapClaims{"scope": "x.y"})
	_, _, err := CallerFromToken(tokenString)
	assert.ErrorIs(t, err, ErrMissingSubject)

	_, _, err = CallerFromToken("not-a-token")
	assert.Error(t, err)
}
