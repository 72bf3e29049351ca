package domain

import "math"

// DefaultMaxSegmentBytes is the submission ceiling for an estimated clip (1 GiB).
const DefaultMaxSegmentBytes int64 = 1 << 30

// EstimateSize projects the clip size linearly from the selected format's full size.
// It returns 0 ("unknown, do not block") when the format, its size or the duration
// is missing.
func EstimateSize(meta VideoMetadata, start, end int, selector string) int64 {
	f, ok := FindFormat(selector, meta.Formats)
	if !ok || f.Size == nil || *f.Size <= 0 || meta.Duration <= 0 {
		return 0
	}
	return int64(math.Round(float64(*f.Size) / float64(meta.Duration) * float64(end-start)))
}
