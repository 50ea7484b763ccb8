package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/kms"
)

func testEntry(eventType, actorID string) Entry {
	return Entry{
		EventType: eventType,
		Severity:  SeverityInfo,
		Actor:     Actor{ID: actorID, Type: "service"},
		Action:    "trust.evaluate",
		Result:    ResultSuccess,
		Details:   map[string]any{"score": 95},
	}
}

func newHashOnlyLog(t *testing.T) *Log {
	t.Helper()
	l, err := NewLog(context.Background(), NewMemoryStorage())
	require.NoError(t, err)
	return l
}

func newSignedLog(t *testing.T, storage Storage) *Log {
	t.Helper()
	provider, err := kms.NewLocalProvider(filepath.Join(t.TempDir(), "keystore.json"), nil)
	require.NoError(t, err)
	meta, err := provider.CreateKey(context.Background(), kms.CreateKeyInput{
		Algorithm: kms.AlgorithmED25519,
		Usage:     kms.UsageSignVerify,
		Alias:     "audit-signing",
	})
	require.NoError(t, err)

	l, err := NewLog(context.Background(), storage, WithSigner(provider, meta.KeyID))
	require.NoError(t, err)
	return l
}

func TestAppend_ChainsEntries(t *testing.T) {
	l := newHashOnlyLog(t)
	ctx := context.Background()

	var prev string
	for i := 0; i < 5; i++ {
		signed, err := l.Append(ctx, testEntry("trust.verdict", "agent-1"))
		require.NoError(t, err)
		require.NotEmpty(t, signed.ID)
		require.NotEmpty(t, signed.Signature)
		assert.Equal(t, HashOnlySigner, signed.SignedBy)

		if i == 0 {
			assert.Equal(t, GenesisHash, signed.PreviousHash)
		} else {
			assert.Equal(t, prev, signed.PreviousHash)
		}
		prev = signed.Signature
	}
	assert.Equal(t, 5, l.Len())
}

func TestAppend_Disabled(t *testing.T) {
	l, err := NewLog(context.Background(), NewMemoryStorage(), WithEnabled(false))
	require.NoError(t, err)
	_, err = l.Append(context.Background(), testEntry("x", "a"))
	assert.ErrorIs(t, err, ErrAuditDisabled)
}

func TestVerifyIntegrity_HashOnly(t *testing.T) {
	l := newHashOnlyLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, testEntry("trust.verdict", "agent-1"))
		require.NoError(t, err)
	}

	report, err := l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 10, report.TotalEntries)
	assert.Equal(t, 10, report.VerifiedEntries)
	assert.Zero(t, report.FailedEntries)
	assert.False(t, report.BrokenChain)
}

func TestVerifyIntegrity_DetectsMutatedDetails(t *testing.T) {
	l := newHashOnlyLog(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, testEntry("trust.verdict", "agent-1"))
		require.NoError(t, err)
	}

	victim := l.entries[2]
	victim.Details["score"] = 0

	report, err := l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Errors)
	assert.Equal(t, victim.ID, report.Errors[0].EntryID)
	assert.Equal(t, "signature verification failed", report.Errors[0].Reason)
}

// Entries returned by Query are detached copies; writing through them must
// not reach the live chain.
func TestQuery_ResultsAreDetached(t *testing.T) {
	l := newHashOnlyLog(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, testEntry("trust.verdict", "agent-1"))
		require.NoError(t, err)
	}

	page, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	page.Entries[2].Details["score"] = 0
	page.Entries[2].Signature = "forged"

	report, err := l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, "mutating query results must not corrupt the chain")
}

// Tamper with the persisted chain out of band: flip one character of the
// third entry's signature on disk, reload, and verify.
func TestVerifyIntegrity_DetectsDiskTampering(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	storage, err := NewFileStorage(path)
	require.NoError(t, err)

	provider, err := kms.NewLocalProvider(filepath.Join(t.TempDir(), "keystore.json"), nil)
	require.NoError(t, err)
	meta, err := provider.CreateKey(ctx, kms.CreateKeyInput{
		Algorithm: kms.AlgorithmED25519,
		Usage:     kms.UsageSignVerify,
	})
	require.NoError(t, err)

	l, err := NewLog(ctx, storage, WithSigner(provider, meta.KeyID))
	require.NoError(t, err)

	var third *SignedEntry
	for i := 0; i < 5; i++ {
		signed, err := l.Append(ctx, testEntry("trust.verdict", "agent-1"))
		require.NoError(t, err)
		if i == 2 {
			third = signed
		}
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 5)

	var tampered SignedEntry
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &tampered))
	sig := []byte(tampered.Signature)
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered.Signature = string(sig)
	mutated, err := json.Marshal(&tampered)
	require.NoError(t, err)
	lines[2] = string(mutated)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	reloaded, err := NewLog(ctx, storage, WithSigner(provider, meta.KeyID))
	require.NoError(t, err)
	report, err := reloaded.VerifyIntegrity(ctx)
	require.NoError(t, err)

	assert.False(t, report.Valid)
	found := false
	for _, e := range report.Errors {
		if e.EntryID == third.ID && e.Reason == "signature verification failed" {
			found = true
		}
	}
	assert.True(t, found, "entry 3 must be reported with a signature failure: %+v", report.Errors)
	// The forged signature also breaks the next entry's link.
	assert.True(t, report.BrokenChain)
}

func TestSignedAppend_FailsClosedOnKMSError(t *testing.T) {
	ctx := context.Background()
	provider, err := kms.NewLocalProvider(filepath.Join(t.TempDir(), "keystore.json"), nil)
	require.NoError(t, err)
	meta, err := provider.CreateKey(ctx, kms.CreateKeyInput{
		Algorithm: kms.AlgorithmED25519,
		Usage:     kms.UsageSignVerify,
	})
	require.NoError(t, err)

	l, err := NewLog(ctx, NewMemoryStorage(), WithSigner(provider, meta.KeyID))
	require.NoError(t, err)

	_, err = l.Append(ctx, testEntry("trust.verdict", "agent-1"))
	require.NoError(t, err)

	require.NoError(t, provider.DisableKey(ctx, meta.KeyID))
	_, err = l.Append(ctx, testEntry("trust.verdict", "agent-1"))
	require.ErrorIs(t, err, kms.ErrKeyDisabled)
	assert.Equal(t, 1, l.Len(), "failed signing leaves the chain unchanged")

	require.NoError(t, provider.EnableKey(ctx, meta.KeyID))
	report, err := l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestQuery_FiltersAndPaginates(t *testing.T) {
	l := newHashOnlyLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e := testEntry("trust.verdict", "agent-1")
		if i%2 == 1 {
			e.EventType = "status.revoke"
			e.Actor.ID = "agent-2"
			e.Severity = SeverityWarning
			e.Result = ResultFailure
			e.Target = &Target{Type: "statuslist", ID: "L"}
		}
		_, err := l.Append(ctx, e)
		require.NoError(t, err)
	}

	page, err := l.Query(ctx, Filter{EventTypes: []string{"status.revoke"}})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.False(t, page.HasMore)

	page, err = l.Query(ctx, Filter{ActorIDs: []string{"agent-2"}, Severities: []Severity{SeverityWarning}})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)

	page, err = l.Query(ctx, Filter{TargetIDs: []string{"L"}, Results: []Result{ResultFailure}})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)

	page, err = l.Query(ctx, Filter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 3)
	assert.Equal(t, 10, page.Total)
	assert.True(t, page.HasMore)

	page, err = l.Query(ctx, Filter{Offset: 9, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
	assert.False(t, page.HasMore)
}

func TestQuery_TimeRange(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tick := 0
	l, err := NewLog(context.Background(), NewMemoryStorage(), WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, testEntry("trust.verdict", "agent-1"))
		require.NoError(t, err)
	}

	page, err := l.Query(ctx, Filter{
		From: base.Add(4 * time.Minute).Format(time.RFC3339),
		To:   base.Add(8 * time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestExportImport_RoundTrip(t *testing.T) {
	l := newHashOnlyLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, testEntry("trust.verdict", "agent-1"))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, l.Export(ctx, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], `"genesisHash":"`+GenesisHash+`"`)
	assert.NotContains(t, lines[1], "genesisHash")

	fresh := newHashOnlyLog(t)
	require.NoError(t, fresh.Import(ctx, bytes.NewReader(buf.Bytes())))
	assert.Equal(t, 5, fresh.Len())

	report, err := fresh.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	// Appending after import continues the chain.
	signed, err := fresh.Append(ctx, testEntry("trust.verdict", "agent-1"))
	require.NoError(t, err)
	report, err = fresh.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.NotEqual(t, GenesisHash, signed.PreviousHash)
}

func TestImport_RejectsTamperedChain(t *testing.T) {
	l := newHashOnlyLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, testEntry("trust.verdict", "agent-1"))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, l.Export(ctx, &buf))
	corrupted := strings.Replace(buf.String(), `"score":95`, `"score":0`, 1)

	fresh := newHashOnlyLog(t)
	_, err := fresh.Append(ctx, testEntry("keep", "agent-9"))
	require.NoError(t, err)

	err = fresh.Import(ctx, strings.NewReader(corrupted))
	require.ErrorIs(t, err, ErrImportInvalid)
	assert.Equal(t, 1, fresh.Len(), "failed import leaves state untouched")
}

func TestArchive_PreservesVerifiabilityAcrossSegments(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tick := 0
	now := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Hour)
	}
	l, err := NewLog(context.Background(), NewMemoryStorage(), WithClock(now))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, testEntry("trust.verdict", "agent-1"))
		require.NoError(t, err)
	}

	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	// The clock is past base+12h; entries stamped in the first ~6 hours age out.
	archived, err := l.Archive(ctx, 6*time.Hour, sink)
	require.NoError(t, err)
	require.Greater(t, archived, 0)
	require.Less(t, archived, 6)

	// The live remainder still verifies against its new genesis anchor.
	report, err := l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 6-archived, report.TotalEntries)

	// The archived segment is a self-contained verifiable chain.
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)

	segment := newHashOnlyLog(t)
	require.NoError(t, segment.Import(ctx, bytes.NewReader(data)))
	report, err = segment.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, archived, report.TotalEntries)

	// New appends continue the live chain.
	_, err = l.Append(ctx, testEntry("trust.verdict", "agent-1"))
	require.NoError(t, err)
	report, err = l.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}
