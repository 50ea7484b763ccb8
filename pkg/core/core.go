// Package core is the façade the surrounding transport calls. It owns the
// Status List Store, the Audit Log, and a reference to a KMS provider, and
// enforces admission control, timeouts, and cancellation at the three
// suspension points (KMS, status persistence, audit persistence).
package core

import (
	"context"
	"time"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/audit"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/kms"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/observability"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/oracle"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/statuslist"
)

const (
	// DefaultKMSTimeout bounds every KMS call.
	DefaultKMSTimeout = 5 * time.Second
	// DefaultStorageTimeout bounds status and audit persistence.
	DefaultStorageTimeout = 2 * time.Second
)

// Deps are the explicit dependencies of a Core. No ambient singletons.
type Deps struct {
	Oracle      *oracle.Oracle
	StatusLists *statuslist.Store
	AuditLog    *audit.Log
	KMS         kms.Provider
	Limiter     Limiter
	Obs         *observability.Provider

	KMSTimeout     time.Duration
	StorageTimeout time.Duration
}

// Core is the small surface exposed to transports.
type Core struct {
	oracle *oracle.Oracle
	lists  *statuslist.Store
	log    *audit.Log
	kms    kms.Provider

	limiter Limiter
	obs     *observability.Provider

	kmsTimeout     time.Duration
	storageTimeout time.Duration
}

// New wires a Core from its dependencies. Limiter and Obs are optional;
// timeouts default to 5s (KMS) and 2s (storage).
func New(deps Deps) *Core {
	c := &Core{
		oracle:         deps.Oracle,
		lists:          deps.StatusLists,
		log:            deps.AuditLog,
		kms:            deps.KMS,
		limiter:        deps.Limiter,
		obs:            deps.Obs,
		kmsTimeout:     deps.KMSTimeout,
		storageTimeout: deps.StorageTimeout,
	}
	if c.limiter == nil {
		c.limiter = unlimited{}
	}
	if c.obs == nil {
		c.obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	if c.kmsTimeout <= 0 {
		c.kmsTimeout = DefaultKMSTimeout
	}
	if c.storageTimeout <= 0 {
		c.storageTimeout = DefaultStorageTimeout
	}
	return c
}

// Evaluate runs the Oracle over the context. The verdict is returned even
// when the recommendation is block; enforcement and logging are the caller's
// responsibility.
func (c *Core) Evaluate(ctx context.Context, tc *oracle.Context) (*oracle.Verdict, error) {
	if err := c.limiter.Allow(ctx); err != nil {
		return nil, err
	}
	ctx, done := c.obs.TrackOperation(ctx, "core.evaluate")

	verdict := c.oracle.Evaluate(tc)
	c.obs.RecordEvaluation(ctx, string(verdict.Recommendation))
	done(nil)
	return verdict, nil
}

// IssueStatus allocates the next index on a list and returns the entry to
// embed in the issued credential.
func (c *Core) IssueStatus(ctx context.Context, listID string) (*statuslist.Entry, error) {
	if err := c.limiter.Allow(ctx); err != nil {
		return nil, err
	}
	ctx, done := c.obs.TrackOperation(ctx, "core.issue_status")
	ctx, cancel := context.WithTimeout(ctx, c.storageTimeout)
	defer cancel()

	entry, err := c.lists.AllocateIndex(ctx, listID)
	if err == nil {
		c.obs.RecordStatusMutation(ctx, listID, "allocate")
	}
	done(err)
	return entry, err
}

// SetStatus flips a status bit, durably, before acknowledging.
func (c *Core) SetStatus(ctx context.Context, listID string, index int, revoked bool, actor, reason string) error {
	if err := c.limiter.Allow(ctx); err != nil {
		return err
	}
	ctx, done := c.obs.TrackOperation(ctx, "core.set_status")
	ctx, cancel := context.WithTimeout(ctx, c.storageTimeout)
	defer cancel()

	err := c.lists.SetStatus(ctx, listID, index, revoked, actor, reason)
	if err == nil {
		kind := "revoke"
		if !revoked {
			kind = "unrevoke"
		}
		c.obs.RecordStatusMutation(ctx, listID, kind)
	}
	done(err)
	return err
}

// CheckStatus is a pure read; it never touches the KMS, so status checks
// keep working through a KMS outage.
func (c *Core) CheckStatus(ctx context.Context, listID string, index int) (*statuslist.StatusResult, error) {
	if err := c.limiter.Allow(ctx); err != nil {
		return nil, err
	}
	return c.lists.CheckStatus(ctx, listID, index)
}

// EmitStatusCredential signs and returns the list's StatusList 2021
// credential. Fails closed when the KMS is unavailable.
func (c *Core) EmitStatusCredential(ctx context.Context, listID string) (*statuslist.Credential, error) {
	if err := c.limiter.Allow(ctx); err != nil {
		return nil, err
	}
	ctx, done := c.obs.TrackOperation(ctx, "core.emit_status_credential")
	ctx, cancel := context.WithTimeout(ctx, c.kmsTimeout)
	defer cancel()

	cred, err := c.lists.GenerateCredential(ctx, listID)
	done(err)
	return cred, err
}

// Log appends a signed entry to the audit chain. Fails closed when signing
// fails; the chain is never advanced on error.
func (c *Core) Log(ctx context.Context, entry audit.Entry) (*audit.SignedEntry, error) {
	if err := c.limiter.Allow(ctx); err != nil {
		return nil, err
	}
	ctx, done := c.obs.TrackOperation(ctx, "core.log")
	ctx, cancel := context.WithTimeout(ctx, c.kmsTimeout)
	defer cancel()

	signed, err := c.log.Append(ctx, entry)
	if err == nil {
		c.obs.RecordAuditAppend(ctx)
	}
	done(err)
	return signed, err
}

// QueryAudit returns a filtered page of the audit chain.
func (c *Core) QueryAudit(ctx context.Context, filter audit.Filter) (*audit.Page, error) {
	if err := c.limiter.Allow(ctx); err != nil {
		return nil, err
	}
	return c.log.Query(ctx, filter)
}

// VerifyIntegrity replays and verifies the whole audit chain.
func (c *Core) VerifyIntegrity(ctx context.Context) (*audit.Report, error) {
	if err := c.limiter.Allow(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.kmsTimeout)
	defer cancel()
	return c.log.VerifyIntegrity(ctx)
}
