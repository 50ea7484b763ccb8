package audit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/canonicalize"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/kms"
)

// Log is the append-only signed event chain. A single append lock serializes
// writers so the chain stays totally ordered; readers snapshot under a read
// lock and never observe a half-appended entry.
type Log struct {
	mu      sync.RWMutex
	entries []*SignedEntry
	storage Storage

	provider     kms.Provider
	signingKeyID string

	enabled bool
	genesis string
	last    string

	now   func() time.Time
	newID func() string
}

// Option configures a Log.
type Option func(*Log)

// WithSigner wires the KMS key that signs every entry. Without a signer the
// log runs in hash-only mode.
func WithSigner(provider kms.Provider, keyID string) Option {
	return func(l *Log) {
		l.provider = provider
		l.signingKeyID = keyID
	}
}

// WithEnabled toggles the master audit switch.
func WithEnabled(enabled bool) Option {
	return func(l *Log) { l.enabled = enabled }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog opens the log over the given storage, replaying any persisted chain
// to recover the genesis anchor and last hash.
func NewLog(ctx context.Context, storage Storage, opts ...Option) (*Log, error) {
	l := &Log{
		storage: storage,
		enabled: true,
		genesis: GenesisHash,
		last:    GenesisHash,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}

	entries, err := storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	l.entries = entries
	if len(entries) > 0 {
		l.genesis = entries[0].PreviousHash
		l.last = entries[len(entries)-1].Signature
	}
	return l, nil
}

// Append assembles, signs, persists, and chains a new entry. On any failure
// the chain is unchanged and nothing is acknowledged.
func (l *Log) Append(ctx context.Context, entry Entry) (*SignedEntry, error) {
	if !l.enabled {
		return nil, ErrAuditDisabled
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.ID == "" {
		entry.ID = l.newID()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = l.now().Format(time.RFC3339Nano)
	}

	signed := &SignedEntry{
		Entry:        entry,
		PreviousHash: l.last,
	}

	signature, signedBy, err := l.sign(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("audit: sign entry: %w", err)
	}
	signed.Signature = signature
	signed.SignedBy = signedBy
	signed.SignedAt = l.now().Format(time.RFC3339Nano)

	if err := l.storage.Append(ctx, signed); err != nil {
		return nil, err
	}

	l.entries = append(l.entries, signed)
	l.last = signed.Signature
	return signed, nil
}

// sign produces the signature over the canonical pre-image: the entry fields
// plus previousHash, excluding signature, signedBy, and signedAt. In
// hash-only mode the signature is the SHA-256 hex digest of the same
// pre-image, so previousHash participates exactly once.
func (l *Log) sign(ctx context.Context, entry *SignedEntry) (signature, signedBy string, err error) {
	payload, err := canonicalize.JCS(preimage{Entry: entry.Entry, PreviousHash: entry.PreviousHash})
	if err != nil {
		return "", "", err
	}

	if l.provider == nil || l.signingKeyID == "" {
		digest := sha256.Sum256(payload)
		return hex.EncodeToString(digest[:]), HashOnlySigner, nil
	}

	raw, err := l.provider.Sign(ctx, l.signingKeyID, payload, kms.MessageRaw)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(raw), l.signingKeyID, nil
}

// Query returns entries matching the filter in insertion order.
func (l *Log) Query(ctx context.Context, filter Filter) (*Page, error) {
	l.mu.RLock()
	snapshot := l.entries
	l.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var matched []*SignedEntry
	for _, entry := range snapshot {
		ok, err := filter.matches(entry)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, entry)
		}
	}

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	window := matched[start:end]
	entries := make([]*SignedEntry, len(window))
	for i, e := range window {
		entries[i] = e.clone()
	}

	return &Page{
		Entries: entries,
		Total:   total,
		HasMore: end < total,
	}, nil
}

func (f *Filter) matches(entry *SignedEntry) (bool, error) {
	if f.From != "" || f.To != "" {
		ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
		if err != nil {
			return false, fmt.Errorf("audit: entry %s has malformed timestamp: %w", entry.ID, err)
		}
		if f.From != "" {
			from, err := time.Parse(time.RFC3339, f.From)
			if err != nil {
				return false, fmt.Errorf("audit: bad filter from: %w", err)
			}
			if ts.Before(from) {
				return false, nil
			}
		}
		if f.To != "" {
			to, err := time.Parse(time.RFC3339, f.To)
			if err != nil {
				return false, fmt.Errorf("audit: bad filter to: %w", err)
			}
			if !ts.Before(to) {
				return false, nil
			}
		}
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, entry.EventType) {
		return false, nil
	}
	if len(f.ActorIDs) > 0 && !containsString(f.ActorIDs, entry.Actor.ID) {
		return false, nil
	}
	if len(f.TargetIDs) > 0 {
		if entry.Target == nil || !containsString(f.TargetIDs, entry.Target.ID) {
			return false, nil
		}
	}
	if len(f.Severities) > 0 && !contains(f.Severities, entry.Severity) {
		return false, nil
	}
	if len(f.Results) > 0 && !contains(f.Results, entry.Result) {
		return false, nil
	}
	return true, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func contains[T comparable](haystack []T, needle T) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// VerifyIntegrity replays the chain from the genesis anchor, checking each
// entry's previousHash link and signature. It never mutates the log.
func (l *Log) VerifyIntegrity(ctx context.Context) (*Report, error) {
	l.mu.RLock()
	snapshot := l.entries
	genesis := l.genesis
	l.mu.RUnlock()
	return l.verifyEntries(ctx, snapshot, genesis)
}

func (l *Log) verifyEntries(ctx context.Context, entries []*SignedEntry, genesis string) (*Report, error) {
	report := &Report{Valid: true, TotalEntries: len(entries)}

	expected := genesis
	for _, entry := range entries {
		failed := false
		if entry.PreviousHash != expected {
			report.BrokenChain = true
			report.Errors = append(report.Errors, IntegrityError{
				EntryID: entry.ID,
				Reason:  "previous hash does not match prior signature",
			})
			failed = true
		}

		ok, err := l.verifySignature(ctx, entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			report.Errors = append(report.Errors, IntegrityError{
				EntryID: entry.ID,
				Reason:  "signature verification failed",
			})
			failed = true
		}

		if failed {
			report.FailedEntries++
		} else {
			report.VerifiedEntries++
		}
		expected = entry.Signature
	}

	report.Valid = report.FailedEntries == 0 && !report.BrokenChain
	return report, nil
}

func (l *Log) verifySignature(ctx context.Context, entry *SignedEntry) (bool, error) {
	payload, err := canonicalize.JCS(preimage{Entry: entry.Entry, PreviousHash: entry.PreviousHash})
	if err != nil {
		return false, err
	}

	if entry.SignedBy == HashOnlySigner {
		digest := sha256.Sum256(payload)
		return hex.EncodeToString(digest[:]) == entry.Signature, nil
	}

	if l.provider == nil {
		return false, fmt.Errorf("audit: entry %s signed by %s but no KMS provider configured",
			entry.ID, entry.SignedBy)
	}
	raw, err := base64.StdEncoding.DecodeString(entry.Signature)
	if err != nil {
		return false, nil
	}
	return l.provider.Verify(ctx, entry.SignedBy, payload, raw, kms.MessageRaw)
}

// Len reports the number of entries in the chain.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
