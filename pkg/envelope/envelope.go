// Package envelope defines the request envelope the surrounding transport
// hands to the core per evaluation, and validates it before any trust logic
// runs. Validation is fail-closed: a structurally invalid envelope never
// reaches the Oracle.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/did"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/oracle"
)

// Caller identifies who is making the request. The transport is responsible
// for authenticating it; the core trusts these fields.
type Caller struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // ai | human | service
	DID       string `json:"did,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Payload carries the data flags the Oracle inspects.
type Payload struct {
	Classification string `json:"classification,omitempty"`
	ContainsPII    bool   `json:"containsPII,omitempty"`
	Text           string `json:"text,omitempty"`
	Export         bool   `json:"export,omitempty"`
}

// RequestEnvelope is the structured record supplied per evaluation.
type RequestEnvelope struct {
	RequestID       string            `json:"requestId"`
	Caller          Caller            `json:"caller"`
	BondID          string            `json:"bondId,omitempty"`
	Action          string            `json:"action"`
	RequestedScopes []string          `json:"requestedScopes,omitempty"`
	Payload         Payload           `json:"payload,omitempty"`
	Encrypted       bool              `json:"encrypted,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["requestId", "caller", "action"],
  "properties": {
    "requestId": {"type": "string", "minLength": 1},
    "caller": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"enum": ["ai", "human", "service"]},
        "did": {"type": "string"},
        "ip": {"type": "string"},
        "userAgent": {"type": "string"}
      }
    },
    "bondId": {"type": "string"},
    "action": {"type": "string", "pattern": "^[a-z][a-z0-9_]*(\\.[a-z][a-z0-9_]*)+$"},
    "requestedScopes": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "payload": {
      "type": "object",
      "properties": {
        "classification": {"type": "string"},
        "containsPII": {"type": "boolean"},
        "text": {"type": "string"},
        "export": {"type": "boolean"}
      }
    },
    "encrypted": {"type": "boolean"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("envelope.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// Validate checks the envelope against the embedded JSON Schema and, when a
// caller DID is present, its syntax.
func (e *RequestEnvelope) Validate() error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("envelope: compile schema: %w", err)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("envelope: marshal: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("envelope: decode: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("envelope: invalid request envelope: %w", err)
	}
	if e.Caller.DID != "" {
		if _, err := did.Parse(e.Caller.DID); err != nil {
			return fmt.Errorf("envelope: caller did: %w", err)
		}
	}
	return nil
}

// ParseEnvelope decodes and validates an envelope from raw JSON.
func ParseEnvelope(raw []byte) (*RequestEnvelope, error) {
	var e RequestEnvelope
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&e); err != nil {
		return nil, fmt.Errorf("envelope: parse: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// TrustContext assembles the Oracle input from a validated envelope and the
// bond resolved by the caller. The bond lookup happens outside the core.
func (e *RequestEnvelope) TrustContext(bond *oracle.Bond, auditEnabled bool) *oracle.Context {
	return &oracle.Context{
		RequestID:       e.RequestID,
		UserID:          e.Caller.ID,
		AgentID:         e.Caller.ID,
		AgentKind:       oracle.AgentKind(e.Caller.Type),
		Action:          e.Action,
		RequestedScopes: e.RequestedScopes,
		Data: oracle.Data{
			Classification: e.Payload.Classification,
			ContainsPII:    e.Payload.ContainsPII,
			Text:           e.Payload.Text,
			Export:         e.Payload.Export,
		},
		Encrypted:    e.Encrypted,
		Headers:      e.Headers,
		Bond:         bond,
		AuditEnabled: auditEnabled,
	}
}
