package pacer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacer_DisabledByDefault(t *testing.T) {
	p := New(0)
	start := time.Now()
	err := p.Wait(context.Background(), 10*1024*1024)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPacer_NilIsNoOp(t *testing.T) {
	var p *Pacer
	err := p.Wait(context.Background(), 1024)
	require.NoError(t, err)
}

func TestPacer_ThrottlesAboveLimit(t *testing.T) {
	p := New(10) // 10 KB/s
	start := time.Now()
	// Request 20KB, twice the per-second budget. New starts from a
	// limiter with burst 0, so the bucket is empty once the limit is
	// set: this takes roughly two seconds.
	err := p.Wait(context.Background(), 20*1024)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestPacer_SetLimitDisables(t *testing.T) {
	p := New(1) // 1 KB/s, would be slow
	p.SetLimit(0)
	start := time.Now()
	err := p.Wait(context.Background(), 10*1024*1024)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPacer_WaitRespectsContextCancellation(t *testing.T) {
	p := New(1) // 1 KB/s, will need to wait
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.Wait(ctx, 10*1024*1024)
	assert.Error(t, err)
}
