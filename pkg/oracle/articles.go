package oracle

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// capabilityStaleAfter is how long a capability disclosure stays fresh.
const capabilityStaleAfter = 30 * 24 * time.Hour

// deceptivePatterns match an AI agent claiming to be human. Text is NFKC
// normalized and lower-cased before matching so homoglyph and spacing tricks
// do not slip through.
var deceptivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bi\s+am\s+(a\s+)?(real\s+)?(human|person)\b`),
	regexp.MustCompile(`\bi'?m\s+(a\s+)?(real\s+)?(human|person)\b`),
	regexp.MustCompile(`\bnot\s+(an?\s+)?(ai|bot|robot|machine)\b`),
	regexp.MustCompile(`\bas\s+a\s+(fellow\s+)?human\b`),
	regexp.MustCompile(`\bno\s+ai\s+(is\s+)?involved\b`),
}

// article pairs a Trust Article with its check. The set is closed and ordered;
// it is built once per Oracle and never mutated.
type article struct {
	Article
	check func(*Context) ArticleResult
}

func (o *Oracle) articles() []article {
	return []article{
		{
			Article: Article{ID: "A1", Title: "Consent-First Data Use", Severity: SeverityHigh,
				Category: "consent", CheckName: "consent_first"},
			check: checkConsentFirst,
		},
		{
			Article: Article{ID: "A2", Title: "No Unrequested Data Extraction", Severity: SeverityHigh,
				Category: "data", CheckName: "no_extraction"},
			check: checkNoExtraction,
		},
		{
			Article: Article{ID: "A3", Title: "Transparent Capability Disclosure", Severity: SeverityMedium,
				Category: "transparency", CheckName: "capability_disclosure"},
			check: checkCapabilityDisclosure,
		},
		{
			Article: Article{ID: "A4", Title: "Respect Boundaries", Severity: SeverityHigh,
				Category: "boundaries", CheckName: "respect_boundaries"},
			check: o.checkRespectBoundaries,
		},
		{
			Article: Article{ID: "A5", Title: "No Deceptive Practices", Severity: SeverityCritical,
				Category: "honesty", CheckName: "no_deception"},
			check: checkNoDeception,
		},
		{
			Article: Article{ID: "A6", Title: "Secure Data Handling", Severity: SeverityHigh,
				Category: "security", CheckName: "secure_handling"},
			check: checkSecureHandling,
		},
		{
			Article: Article{ID: "A7", Title: "Audit Trail Maintenance", Severity: SeverityMedium,
				Category: "audit", CheckName: "audit_trail"},
			check: checkAuditTrail,
		},
	}
}

func pass(reason string) ArticleResult {
	return ArticleResult{Status: StatusPass, Reason: reason}
}

func warn(reason string) ArticleResult {
	return ArticleResult{Status: StatusWarning, Reason: reason}
}

func violate(reason string) ArticleResult {
	return ArticleResult{Status: StatusViolation, Reason: reason}
}

// A1: bond present and active, every requested scope consented, consent not
// expired.
func checkConsentFirst(ctx *Context) ArticleResult {
	if ctx.Bond == nil {
		return violate("no trust bond attached to request")
	}
	if ctx.Bond.State != BondActive {
		return violate(fmt.Sprintf("trust bond is %s", ctx.Bond.State))
	}
	if ctx.Bond.Expired(ctx.EvaluatedAt) {
		return violate("consent expired")
	}
	for _, scope := range ctx.RequestedScopes {
		if !ctx.Bond.HasPermission(scope) {
			return violate(fmt.Sprintf("requested scope %q exceeds consented permissions", scope))
		}
	}
	return pass("all requested scopes covered by active consent")
}

// A2: extraction-shaped actions require an explicit data.export grant and a
// consented data classification.
func checkNoExtraction(ctx *Context) ArticleResult {
	if !isExtraction(ctx.Action) && !ctx.Data.Export {
		return pass("action does not extract data")
	}
	if ctx.Bond == nil {
		return violate("data extraction requested without a trust bond")
	}
	if !ctx.Bond.HasPermission("data.export") {
		return violate("data extraction not permitted by bond")
	}
	if ctx.Data.Classification != "" && !ctx.Bond.HasDataClass(ctx.Data.Classification) {
		return violate(fmt.Sprintf("data class %q not consented", ctx.Data.Classification))
	}
	return pass("extraction covered by data.export grant")
}

func isExtraction(action string) bool {
	for _, part := range strings.Split(action, ".") {
		if part == "extract" || part == "export" {
			return true
		}
	}
	return false
}

// A3: the agent must disclose capabilities; a stale disclosure is a warning
// rather than a violation.
func checkCapabilityDisclosure(ctx *Context) ArticleResult {
	if len(ctx.Capabilities.Declared) == 0 {
		return violate("agent has not declared capabilities")
	}
	if ctx.Capabilities.UpdatedAt == nil {
		return warn("capability disclosure has no update timestamp")
	}
	if ctx.EvaluatedAt.Sub(*ctx.Capabilities.UpdatedAt) > capabilityStaleAfter {
		return warn("capability disclosure older than 30 days")
	}
	return pass("capabilities declared and current")
}

// A4: mutating actions need a trust score at or above the configured write
// threshold, and the requested scopes must overlap the consented ones.
func (o *Oracle) checkRespectBoundaries(ctx *Context) ArticleResult {
	if ctx.Bond == nil {
		return violate("no trust bond to establish boundaries")
	}
	if isWrite(ctx.Action) && ctx.Bond.TrustScore < o.writeThreshold {
		return violate(fmt.Sprintf("trust score %d below write threshold %d",
			ctx.Bond.TrustScore, o.writeThreshold))
	}
	if len(ctx.RequestedScopes) > 0 {
		overlap := false
		for _, scope := range ctx.RequestedScopes {
			if ctx.Bond.HasPermission(scope) {
				overlap = true
				break
			}
		}
		if !overlap {
			return violate("requested scopes share nothing with consented scopes")
		}
	}
	return pass("action within consented boundaries")
}

func isWrite(action string) bool {
	for _, part := range strings.Split(action, ".") {
		switch part {
		case "write", "create", "update", "delete", "export", "extract":
			return true
		}
	}
	return false
}

// A5: an AI agent claiming to be human is a critical violation.
func checkNoDeception(ctx *Context) ArticleResult {
	if ctx.AgentKind != AgentAI || ctx.Data.Text == "" {
		return pass("no deceptive-identity signal")
	}
	text := strings.ToLower(norm.NFKC.String(ctx.Data.Text))
	for _, pattern := range deceptivePatterns {
		if match := pattern.FindString(text); match != "" {
			result := violate("content contains a deceptive identity claim")
			result.Details = match
			return result
		}
	}
	return pass("no deceptive-identity signal")
}

// A6: PII must travel encrypted.
func checkSecureHandling(ctx *Context) ArticleResult {
	if !ctx.Data.ContainsPII {
		return pass("no PII in payload")
	}
	if ctx.Encrypted || ctx.Headers["x-forwarded-proto"] == "https" {
		return pass("PII transported over an encrypted channel")
	}
	return violate("PII transmitted without encryption")
}

// A7: an audit trail must be in place for the request.
func checkAuditTrail(ctx *Context) ArticleResult {
	if !ctx.AuditEnabled {
		return violate("audit trail disabled for this request")
	}
	return pass("audit trail enabled")
}
