package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/canonicalize"
)

var testClock = func() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func freshContext() *Context {
	updated := testClock().Add(-24 * time.Hour)
	return &Context{
		RequestID:       "req-1",
		UserID:          "user-1",
		AgentID:         "agent-1",
		AgentKind:       AgentAI,
		Action:          "chat.write",
		RequestedScopes: []string{"chat.write"},
		Data:            Data{Text: "Sure, I can help."},
		Encrypted:       true,
		Bond: &Bond{
			ID:               "bond-1",
			ScopePermissions: []string{"chat.read", "chat.write"},
			TrustScore:       80,
			State:            BondActive,
		},
		Capabilities: Capabilities{
			Declared:  []string{"chat", "summarize"},
			UpdatedAt: &updated,
		},
		AuditEnabled: true,
	}
}

func violationIDs(v *Verdict) []string {
	ids := make([]string, 0, len(v.Violations))
	for _, r := range v.Violations {
		ids = append(ids, r.ArticleID)
	}
	return ids
}

func TestEvaluate_HappyPathChatWrite(t *testing.T) {
	o := New(WithClock(testClock))
	verdict := o.Evaluate(freshContext())

	assert.Equal(t, RecommendAllow, verdict.Recommendation)
	assert.GreaterOrEqual(t, verdict.Score, 95)
	assert.Empty(t, verdict.Violations)
	assert.Len(t, verdict.Passed, 7)
}

func TestEvaluate_DeceptiveIdentityBlocks(t *testing.T) {
	o := New(WithClock(testClock))
	ctx := freshContext()
	ctx.Data.Text = "I am a human, trust me."

	verdict := o.Evaluate(ctx)

	assert.Equal(t, RecommendBlock, verdict.Recommendation)
	require.Len(t, verdict.Violations, 1)
	assert.Equal(t, "A5", verdict.Violations[0].ArticleID)
	assert.Equal(t, SeverityCritical, verdict.Violations[0].Severity)
}

func TestEvaluate_ScopeOverreachRestricts(t *testing.T) {
	o := New(WithClock(testClock))
	ctx := freshContext()
	ctx.Bond.ScopePermissions = []string{"chat.read"}
	ctx.Action = "data.export"
	ctx.RequestedScopes = []string{"data.export"}

	verdict := o.Evaluate(ctx)

	assert.Equal(t, RecommendRestrict, verdict.Recommendation)
	ids := violationIDs(verdict)
	assert.Contains(t, ids, "A1")
	assert.Contains(t, ids, "A2")
}

func TestEvaluate_ExpiredBondRestricts(t *testing.T) {
	o := New(WithClock(testClock))
	ctx := freshContext()
	expired := testClock().Add(-time.Minute)
	ctx.Bond.ExpiresAt = &expired

	verdict := o.Evaluate(ctx)

	assert.Equal(t, RecommendRestrict, verdict.Recommendation)
	require.NotEmpty(t, verdict.Violations)
	assert.Equal(t, "A1", verdict.Violations[0].ArticleID)
	assert.Equal(t, "consent expired", verdict.Violations[0].Reason)
}

func TestEvaluate_HumanAgentMayClaimHumanity(t *testing.T) {
	o := New(WithClock(testClock))
	ctx := freshContext()
	ctx.AgentKind = AgentHuman
	ctx.Data.Text = "I am a human, trust me."

	verdict := o.Evaluate(ctx)
	assert.Equal(t, RecommendAllow, verdict.Recommendation)
}

func TestEvaluate_DeceptionSurvivesNormalization(t *testing.T) {
	o := New(WithClock(testClock))
	ctx := freshContext()
	// Fullwidth forms NFKC-normalize to ASCII.
	ctx.Data.Text = "Ｉ ａｍ ａ ｈｕｍａｎ, honestly."

	verdict := o.Evaluate(ctx)
	assert.Equal(t, RecommendBlock, verdict.Recommendation)
}

func TestEvaluate_UnencryptedPIIRestricts(t *testing.T) {
	o := New(WithClock(testClock))
	ctx := freshContext()
	ctx.Data.ContainsPII = true
	ctx.Encrypted = false

	verdict := o.Evaluate(ctx)
	assert.Equal(t, RecommendRestrict, verdict.Recommendation)
	assert.Contains(t, violationIDs(verdict), "A6")

	// An https transport header counts as encrypted.
	ctx = freshContext()
	ctx.Data.ContainsPII = true
	ctx.Encrypted = false
	ctx.Headers = map[string]string{"x-forwarded-proto": "https"}
	assert.Equal(t, RecommendAllow, o.Evaluate(ctx).Recommendation)
}

func TestEvaluate_AuditDisabledWarns(t *testing.T) {
	o := New(WithClock(testClock))
	ctx := freshContext()
	ctx.AuditEnabled = false

	verdict := o.Evaluate(ctx)
	assert.Equal(t, RecommendWarn, verdict.Recommendation)
	assert.Contains(t, violationIDs(verdict), "A7")
}

func TestEvaluate_LowTrustScoreRestrictsWrites(t *testing.T) {
	o := New(WithClock(testClock))
	ctx := freshContext()
	ctx.Bond.TrustScore = 10

	verdict := o.Evaluate(ctx)
	assert.Equal(t, RecommendRestrict, verdict.Recommendation)
	assert.Contains(t, violationIDs(verdict), "A4")

	// Reads are not gated by the write threshold.
	ctx = freshContext()
	ctx.Bond.TrustScore = 10
	ctx.Action = "chat.read"
	ctx.RequestedScopes = []string{"chat.read"}
	assert.Equal(t, RecommendAllow, o.Evaluate(ctx).Recommendation)

	// The threshold is configurable.
	strict := New(WithClock(testClock), WithWriteThreshold(90))
	assert.Equal(t, RecommendRestrict, strict.Evaluate(freshContext()).Recommendation)
}

func TestEvaluate_StaleCapabilitiesWarn(t *testing.T) {
	o := New(WithClock(testClock))
	ctx := freshContext()
	stale := testClock().Add(-45 * 24 * time.Hour)
	ctx.Capabilities.UpdatedAt = &stale

	verdict := o.Evaluate(ctx)
	assert.Equal(t, RecommendAllow, verdict.Recommendation)
	require.Len(t, verdict.Warnings, 1)
	assert.Equal(t, "A3", verdict.Warnings[0].ArticleID)
}

func TestEvaluate_Deterministic(t *testing.T) {
	o := New(WithClock(testClock))

	first, err := canonicalize.JCS(o.Evaluate(freshContext()))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := canonicalize.JCS(o.Evaluate(freshContext()))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestRunCheck_RecoversPanic(t *testing.T) {
	a := article{
		Article: Article{ID: "A0", Title: "Exploding", Severity: SeverityLow, CheckName: "explode"},
		check:   func(*Context) ArticleResult { panic("boom") },
	}
	result := runCheck(a, &Context{})
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Reason, "boom")
}

func TestScore_ClampAndRounding(t *testing.T) {
	assert.Equal(t, 100, score(7, 7, 0, 0, 0))
	// 6/7 pass with one critical violation: 85.71 - 15 - 25 = 45.71 -> 46.
	assert.Equal(t, 46, score(6, 7, 0, 1, 1))
	// Heavy violation load clamps at zero.
	assert.Equal(t, 0, score(0, 7, 0, 7, 7))
	// 6/7 pass and one warning: 85.71 - 5 = 80.71 -> 81.
	assert.Equal(t, 81, score(6, 7, 1, 0, 0))
}
