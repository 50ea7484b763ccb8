package oracle

import (
	"fmt"
	"math"
	"time"
)

// DefaultWriteThreshold is the minimum bond trust score for mutating actions.
const DefaultWriteThreshold = 40

// Oracle evaluates Trust Contexts against the fixed article set.
type Oracle struct {
	writeThreshold int
	now            func() time.Time
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithWriteThreshold overrides the trust score required for write actions.
func WithWriteThreshold(threshold int) Option {
	return func(o *Oracle) { o.writeThreshold = threshold }
}

// WithClock overrides the time source used to stamp EvaluatedAt (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// New creates an Oracle with the closed A1..A7 article set.
func New(opts ...Option) *Oracle {
	o := &Oracle{
		writeThreshold: DefaultWriteThreshold,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Evaluate runs every article check against the context and folds the results
// into a verdict. It performs no I/O and never panics: a panicking check is
// recovered as a high-severity violation with status "error". Evaluating a
// structurally equal context twice yields an identical verdict.
func (o *Oracle) Evaluate(ctx *Context) *Verdict {
	if ctx.EvaluatedAt.IsZero() {
		ctx.EvaluatedAt = o.now()
	}

	articles := o.articles()
	verdict := &Verdict{
		Passed:     []ArticleResult{},
		Warnings:   []ArticleResult{},
		Violations: []ArticleResult{},
	}

	critical := 0
	for _, a := range articles {
		result := runCheck(a, ctx)
		result.ArticleID = a.ID
		result.Title = a.Title
		result.Severity = a.Severity
		if result.Status == StatusError {
			result.Severity = SeverityHigh
		}

		switch result.Status {
		case StatusPass:
			verdict.Passed = append(verdict.Passed, result)
		case StatusWarning:
			verdict.Warnings = append(verdict.Warnings, result)
		default:
			verdict.Violations = append(verdict.Violations, result)
			if result.Severity == SeverityCritical {
				critical++
			}
		}
	}

	verdict.Score = score(len(verdict.Passed), len(articles),
		len(verdict.Warnings), len(verdict.Violations), critical)
	verdict.Recommendation = recommend(verdict)
	return verdict
}

// runCheck shields evaluation from a misbehaving check.
func runCheck(a article, ctx *Context) (result ArticleResult) {
	defer func() {
		if r := recover(); r != nil {
			result = ArticleResult{
				Status: StatusError,
				Reason: fmt.Sprintf("check %s panicked: %v", a.CheckName, r),
			}
		}
	}()
	return a.check(ctx)
}

// score = clamp(0,100, round(100*pass/total - 5*warn - 15*viol - 25*critical)).
func score(passed, total, warnings, violations, critical int) int {
	raw := 100*float64(passed)/float64(total) -
		5*float64(warnings) - 15*float64(violations) - 25*float64(critical)
	s := int(math.Round(raw))
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// recommend applies the decision table top to bottom, first match wins.
func recommend(v *Verdict) Recommendation {
	for _, violation := range v.Violations {
		if violation.Severity == SeverityCritical {
			return RecommendBlock
		}
	}
	for _, violation := range v.Violations {
		if violation.Severity == SeverityHigh {
			return RecommendRestrict
		}
	}
	if len(v.Violations) >= 1 || len(v.Warnings) >= 3 {
		return RecommendWarn
	}
	return RecommendAllow
}
