package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, DefaultConfig())
	require.NoError(t, err)

	// All recording paths are no-ops on a disabled provider.
	p.RecordReceiptPersistFailure(ctx)
	p.RecordLedgerAppendFailure(ctx)
	p.RecordPolicyBlock(ctx)

	trackCtx, done := p.TrackRequest(ctx, "/v1/translate")
	assert.NotNil(t, trackCtx)
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "odin-gateway", p.config.ServiceName)
	assert.NotNil(t, p.Tracer())
}
