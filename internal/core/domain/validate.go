package domain

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// DurationDriftTolerance is how far, in seconds, an end offset may overshoot the
// reported duration before it is rejected instead of clamped.
const DurationDriftTolerance = 5

// DefaultMaxSegmentSeconds caps a single clip's length.
const DefaultMaxSegmentSeconds = 3600

var sourceURLRegex = regexp.MustCompile(
	`^(?:https?://)?(?:www\.|m\.)?` +
		`(?:youtube\.com/(?:watch\?(?:[^#]*&)?v=|embed/|v/|shorts/|live/)|youtube-nocookie\.com/embed/|youtu\.be/)` +
		`([A-Za-z0-9_-]{11})(?:[?&#/].*)?$`,
)

// ValidateSourceURL accepts watch, embed, shorts, live and short-link URLs that carry
// an 11-character video id.
func ValidateSourceURL(rawURL string) bool {
	return sourceURLRegex.MatchString(strings.TrimSpace(rawURL))
}

// ExtractSourceID returns the video id carried by a valid source URL.
func ExtractSourceID(rawURL string) (string, bool) {
	m := sourceURLRegex.FindStringSubmatch(strings.TrimSpace(rawURL))
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// ValidateTimestamps checks 0 <= start < end <= duration. An end that overshoots the
// duration by at most DurationDriftTolerance seconds is clamped to the duration.
func ValidateTimestamps(start, end, duration int) (int, int, error) {
	if start < 0 {
		return 0, 0, invalid("start_time", "start time cannot be negative")
	}
	if end <= start {
		return 0, 0, invalid("end_time", "end time must be greater than start time")
	}
	if end > duration {
		if end > duration+DurationDriftTolerance {
			return 0, 0, invalid("end_time", "end exceeds duration")
		}
		end = duration
	}
	// a clamp can collapse the window when start sits inside the drift zone
	if end <= start {
		return 0, 0, invalid("start_time", "start time exceeds duration")
	}
	return start, end, nil
}

// ValidateSegmentLength rejects clips longer than maxSeconds. A non-positive
// maxSeconds disables the rule.
func ValidateSegmentLength(start, end, maxSeconds int) error {
	if maxSeconds > 0 && end-start > maxSeconds {
		return invalid("end_time", "segment exceeds maximum length of %d seconds", maxSeconds)
	}
	return nil
}

// ValidateQuality reports whether selector names a quality label or a format id
// among formats.
func ValidateQuality(selector string, formats []FormatDescriptor) bool {
	_, ok := FindFormat(selector, formats)
	return ok
}

// FindFormat returns the first format whose quality label or format id equals selector.
func FindFormat(selector string, formats []FormatDescriptor) (FormatDescriptor, bool) {
	if selector == "" {
		return FormatDescriptor{}, false
	}
	return lo.Find(formats, func(f FormatDescriptor) bool {
		return f.Quality == selector || f.FormatID == selector
	})
}
