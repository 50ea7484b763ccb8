package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// All recording paths must be safe without initialized instruments.
	p.RecordEvaluation(ctx, "allow")
	p.RecordStatusMutation(ctx, "L", "revoke")
	p.RecordAuditAppend(ctx)
	p.RecordError(ctx, "evaluate", errors.New("boom"))

	opCtx, done := p.TrackOperation(ctx, "core.evaluate")
	assert.NotNil(t, opCtx)
	done(nil)
	done2Ctx, done2 := p.TrackOperation(ctx, "core.log")
	assert.NotNil(t, done2Ctx)
	done2(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Logger())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "symphony-core", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}
