// Package audit provides a tamper-evident, hash-chained, key-signed log of
// trust-relevant events. Entries are append-only and totally ordered; each
// entry's previousHash is the prior entry's signature, and integrity of the
// whole chain can be verified independently of the writer.
package audit

import (
	"errors"
	"maps"
)

var (
	ErrAuditDisabled = errors.New("audit: logging disabled")
	ErrChainBroken   = errors.New("audit: hash chain broken")
	ErrImportInvalid = errors.New("audit: imported chain failed verification")
)

// GenesisHash anchors the first entry of a fresh chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashOnlySigner marks entries hashed without a KMS key.
const HashOnlySigner = "hash-only"

// Severity of an audited event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Result of the audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPartial Result = "partial"
)

// Actor is who performed the audited action.
type Actor struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	DID       string `json:"did,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Target is what the action was performed on.
type Target struct {
	Type  string            `json:"type"`
	ID    string            `json:"id"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Entry is an audit event before signing. ID and Timestamp are assigned by
// the log at append time.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"` // RFC3339Nano, UTC
	EventType string            `json:"eventType"`
	Severity  Severity          `json:"severity"`
	Actor     Actor             `json:"actor"`
	Target    *Target           `json:"target,omitempty"`
	Action    string            `json:"action"`
	Result    Result            `json:"result"`
	Details   map[string]any    `json:"details,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SignedEntry is an Entry welded into the chain. PreviousHash is the prior
// entry's signature (or the segment's genesis hash); Signature is either a
// KMS signature over the canonical pre-image or, in hash-only mode, a SHA-256
// hex digest of it.
type SignedEntry struct {
	Entry
	PreviousHash string `json:"previousHash"`
	Signature    string `json:"signature"`
	SignedBy     string `json:"signedBy"`
	SignedAt     string `json:"signedAt"`
}

// clone returns a deep copy. Query hands these out so callers can never
// mutate the live chain through a returned entry.
func (e *SignedEntry) clone() *SignedEntry {
	out := *e
	if e.Target != nil {
		target := *e.Target
		target.Attrs = maps.Clone(e.Target.Attrs)
		out.Target = &target
	}
	out.Details = maps.Clone(e.Details)
	out.Metadata = maps.Clone(e.Metadata)
	return &out
}

// preimage is the exact signing input: the entry plus previousHash, with the
// signature fields excluded.
type preimage struct {
	Entry
	PreviousHash string `json:"previousHash"`
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	From       string     `json:"from,omitempty"` // RFC3339, inclusive
	To         string     `json:"to,omitempty"`   // RFC3339, exclusive
	EventTypes []string   `json:"eventTypes,omitempty"`
	ActorIDs   []string   `json:"actorIds,omitempty"`
	TargetIDs  []string   `json:"targetIds,omitempty"`
	Severities []Severity `json:"severities,omitempty"`
	Results    []Result   `json:"results,omitempty"`
	Offset     int        `json:"offset,omitempty"`
	Limit      int        `json:"limit,omitempty"` // default 100, max 1000
}

// Page is one page of query results in insertion order.
type Page struct {
	Entries []*SignedEntry `json:"entries"`
	Total   int            `json:"total"`
	HasMore bool           `json:"hasMore"`
}

// IntegrityError pinpoints one failed entry in a report.
type IntegrityError struct {
	EntryID string `json:"entryId"`
	Reason  string `json:"reason"`
}

// Report is the outcome of a full chain verification.
type Report struct {
	Valid           bool             `json:"valid"`
	TotalEntries    int              `json:"totalEntries"`
	VerifiedEntries int              `json:"verifiedEntries"`
	FailedEntries   int              `json:"failedEntries"`
	BrokenChain     bool             `json:"brokenChain"`
	Errors          []IntegrityError `json:"errors,omitempty"`
}
