// Package planner decides, given a probed size and range support,
// whether a Task downloads as a single stream or as N fixed byte-range
// segments, and computes the byte offsets for each.
package planner

import "github.com/dashfetch/engine/internal/engine/types"

// Plan returns the Segments a Task Runner should launch Segment Fetchers
// for. A single-element slice means single-stream: one fetcher covering
// the whole resource, used whenever the server can't serve ranges, the
// file is no larger than MinSplitSize or of unknown size, or
// SegmentCount <= 1.
func Plan(totalSize int64, supportsRange bool, cfg types.Config) []types.Segment {
	if !supportsRange || cfg.SegmentCount <= 1 || totalSize <= cfg.MinSplitSize || totalSize <= 0 {
		return []types.Segment{singleStream(totalSize)}
	}

	n := cfg.SegmentCount
	base := totalSize / int64(n)
	if base <= 0 {
		return []types.Segment{singleStream(totalSize)}
	}

	segments := make([]types.Segment, n)
	var start int64
	for i := 0; i < n-1; i++ {
		segments[i] = types.Segment{
			Index:  i,
			Start:  start,
			End:    start + base - 1,
			Status: types.SegmentPending,
		}
		start += base
	}
	// The last segment absorbs whatever remainder integer division left.
	segments[n-1] = types.Segment{
		Index:  n - 1,
		Start:  start,
		End:    totalSize - 1,
		Status: types.SegmentPending,
	}
	return segments
}

func singleStream(totalSize int64) types.Segment {
	end := totalSize - 1
	if totalSize <= 0 {
		end = -1 // unknown size: fetcher reads until EOF
	}
	return types.Segment{Index: 0, Start: 0, End: end, Status: types.SegmentPending}
}
