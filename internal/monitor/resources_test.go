package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestResourceSampler(t *testing.T) {
	sampler := NewResourceSampler(50*time.Millisecond, zaptest.NewLogger(t))

	_, ok := sampler.Last()
	assert.False(t, ok)

	usage, err := sampler.Sample(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, usage.CPUPercent, 0.0)
	assert.LessOrEqual(t, usage.CPUPercent, 100.0)
	assert.Greater(t, usage.MemoryPercent, 0.0)
	assert.Greater(t, usage.MemoryUsed, uint64(0))

	last, ok := sampler.Last()
	require.True(t, ok)
	assert.Equal(t, usage, last)
}
