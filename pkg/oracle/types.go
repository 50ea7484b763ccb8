// Package oracle evaluates candidate actions against the fixed set of Trust
// Articles and produces an allow/warn/restrict/block verdict with a numeric
// trust score. Evaluation is pure: no I/O, no clock reads beyond the expiry
// comparison against the context's evaluation time, and byte-identical output
// for structurally equal input.
package oracle

import "time"

// Severity ranks how damaging a violated article is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CheckStatus classifies a single article check outcome.
type CheckStatus string

const (
	StatusPass      CheckStatus = "pass"
	StatusWarning   CheckStatus = "warning"
	StatusViolation CheckStatus = "violation"
	// StatusError marks a check that panicked; it counts as a violation.
	StatusError CheckStatus = "error"
)

// Recommendation is the Oracle's enforcement advice.
type Recommendation string

const (
	RecommendAllow    Recommendation = "allow"
	RecommendWarn     Recommendation = "warn"
	RecommendRestrict Recommendation = "restrict"
	RecommendBlock    Recommendation = "block"
)

// AgentKind distinguishes who is acting.
type AgentKind string

const (
	AgentAI      AgentKind = "ai"
	AgentHuman   AgentKind = "human"
	AgentService AgentKind = "service"
)

// BondState is the lifecycle state of a trust bond.
type BondState string

const (
	BondActive    BondState = "active"
	BondSuspended BondState = "suspended"
	BondRevoked   BondState = "revoked"
)

// Article identifies one policy rule from the closed A1..A7 set.
type Article struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Severity  Severity `json:"severity"`
	Category  string   `json:"category"`
	CheckName string   `json:"checkName"`
}

// ArticleResult is the outcome of one article check within a verdict.
type ArticleResult struct {
	ArticleID string      `json:"articleId"`
	Title     string      `json:"title"`
	Severity  Severity    `json:"severity"`
	Status    CheckStatus `json:"status"`
	Reason    string      `json:"reason"`
	Details   string      `json:"details,omitempty"`
}

// Bond is the consent envelope attached to a caller-agent pair. It is owned
// by an external bond manager and read-only here.
type Bond struct {
	ID               string     `json:"id"`
	ScopePermissions []string   `json:"scopePermissions"`
	ScopeDataClasses []string   `json:"scopeDataClasses"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	TrustScore       int        `json:"trustScore"`
	State            BondState  `json:"state"`
}

// HasPermission reports whether the bond grants the scope.
func (b *Bond) HasPermission(scope string) bool {
	for _, p := range b.ScopePermissions {
		if p == scope {
			return true
		}
	}
	return false
}

// HasDataClass reports whether the bond covers the data classification.
func (b *Bond) HasDataClass(class string) bool {
	for _, c := range b.ScopeDataClasses {
		if c == class {
			return true
		}
	}
	return false
}

// Expired reports whether the bond's consent window has closed at t.
func (b *Bond) Expired(t time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(t)
}

// Data carries the payload flags the checks inspect. The payload itself is
// never persisted; only the verdict is.
type Data struct {
	Classification string `json:"classification,omitempty"`
	ContainsPII    bool   `json:"containsPII,omitempty"`
	Text           string `json:"text,omitempty"`
	Export         bool   `json:"export,omitempty"`
}

// Capabilities is the agent's self-declared capability disclosure.
type Capabilities struct {
	Declared  []string   `json:"declared,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Context is the per-request input to an evaluation. It is transient and
// lives only for the duration of one Evaluate call.
type Context struct {
	RequestID       string            `json:"requestId"`
	UserID          string            `json:"userId"`
	AgentID         string            `json:"agentId"`
	AgentKind       AgentKind         `json:"agentKind"`
	Action          string            `json:"action"` // verb.resource
	RequestedScopes []string          `json:"requestedScopes"`
	Data            Data              `json:"data"`
	Encrypted       bool              `json:"encrypted"`
	Headers         map[string]string `json:"headers,omitempty"`
	Bond            *Bond             `json:"bond,omitempty"`
	Capabilities    Capabilities      `json:"capabilities"`
	AuditEnabled    bool              `json:"auditEnabled"`

	// EvaluatedAt anchors expiry and staleness comparisons so that repeated
	// evaluation of an equal context yields an identical verdict. Zero means
	// the Oracle stamps it at the start of Evaluate.
	EvaluatedAt time.Time `json:"evaluatedAt,omitempty"`
}

// Verdict is the structured output of one evaluation.
type Verdict struct {
	Passed         []ArticleResult `json:"passed"`
	Warnings       []ArticleResult `json:"warnings"`
	Violations     []ArticleResult `json:"violations"`
	Score          int             `json:"score"`
	Recommendation Recommendation  `json:"recommendation"`
}
