package planner

import (
	"testing"

	"github.com/dashfetch/engine/internal/engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() types.Config {
	cfg := types.DefaultConfig()
	cfg.MinSplitSize = 10 * types.MB
	cfg.SegmentCount = 4
	return cfg
}

func TestPlan_SingleStreamWhenRangeUnsupported(t *testing.T) {
	segs := Plan(100*types.MB, false, baseConfig())
	require.Len(t, segs, 1)
	assert.Equal(t, int64(0), segs[0].Start)
	assert.Equal(t, int64(100*types.MB-1), segs[0].End)
}

func TestPlan_SingleStreamWhenBelowMinSplit(t *testing.T) {
	segs := Plan(1*types.MB, true, baseConfig())
	require.Len(t, segs, 1)
}

func TestPlan_SingleStreamWhenSegmentCountIsOne(t *testing.T) {
	cfg := baseConfig()
	cfg.SegmentCount = 1
	segs := Plan(100*types.MB, true, cfg)
	require.Len(t, segs, 1)
}

func TestPlan_SplitsIntoNSegments(t *testing.T) {
	cfg := baseConfig()
	totalSize := int64(100 * types.MB)
	segs := Plan(totalSize, true, cfg)
	require.Len(t, segs, cfg.SegmentCount)

	var sum int64
	for i, s := range segs {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, types.SegmentPending, s.Status)
		sum += s.Length()
	}
	assert.Equal(t, totalSize, sum, "segments must cover the whole file with no gaps or overlaps")

	for i := 0; i < len(segs)-1; i++ {
		assert.Equal(t, segs[i].End+1, segs[i+1].Start, "segments must be contiguous")
	}
	assert.Equal(t, totalSize-1, segs[len(segs)-1].End, "last segment must reach the final byte")
}

func TestPlan_RemainderGoesToLastSegment(t *testing.T) {
	cfg := baseConfig()
	cfg.SegmentCount = 3
	// 100MB + 1 byte doesn't divide evenly by 3.
	totalSize := int64(100*types.MB) + 1
	segs := Plan(totalSize, true, cfg)
	require.Len(t, segs, 3)

	base := totalSize / 3
	assert.Equal(t, base, segs[0].Length())
	assert.Equal(t, base, segs[1].Length())
	assert.Equal(t, totalSize-2*base, segs[2].Length())
}

func TestPlan_UnknownSizeIsSingleStream(t *testing.T) {
	segs := Plan(0, true, baseConfig())
	require.Len(t, segs, 1)
}
