package domain

import (
	"errors"
	"testing"
)

func TestValidateSourceURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"http://youtube.com/watch?v=dQw4w9WgXcQ&t=42", true},
		{"https://www.youtube.com/watch?feature=share&v=dQw4w9WgXcQ", true},
		{"youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"https://m.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", true},
		{"https://www.youtube-nocookie.com/embed/dQw4w9WgXcQ?start=3", true},
		{"https://youtu.be/abc12345678", true},
		{"https://www.youtube.com/shorts/abc12345678", true},
		{"https://example.com/video", false},
		{"https://www.youtube.com/watch?v=short", false},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQextra", false},
		{"https://vimeo.com/123456789", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidateSourceURL(tc.url); got != tc.want {
			t.Fatalf("ValidateSourceURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestExtractSourceID(t *testing.T) {
	id, ok := ExtractSourceID("https://youtu.be/abc12345678?t=10")
	if !ok || id != "abc12345678" {
		t.Fatalf("ExtractSourceID = %q, %v", id, ok)
	}
	if _, ok := ExtractSourceID("https://example.com/watch?v=abc12345678"); ok {
		t.Fatal("expected foreign host to be rejected")
	}
}

func TestValidateTimestamps(t *testing.T) {
	const duration = 1000

	start, end, err := ValidateTimestamps(10, 20, duration)
	if err != nil || start != 10 || end != 20 {
		t.Fatalf("valid window: got (%d, %d, %v)", start, end, err)
	}

	if _, _, err := ValidateTimestamps(-1, 20, duration); err == nil {
		t.Fatal("expected negative start to fail")
	}
	if _, _, err := ValidateTimestamps(10, 10, duration); err == nil {
		t.Fatal("expected end == start to fail")
	}
	if _, _, err := ValidateTimestamps(10, 5, duration); err == nil {
		t.Fatal("expected end < start to fail")
	}

	_, end, err = ValidateTimestamps(10, 1003, duration)
	if err != nil {
		t.Fatalf("drift within tolerance: %v", err)
	}
	if end != duration {
		t.Fatalf("end = %d, want clamped to %d", end, duration)
	}

	_, end, err = ValidateTimestamps(10, duration+DurationDriftTolerance, duration)
	if err != nil || end != duration {
		t.Fatalf("drift at tolerance edge: end=%d err=%v", end, err)
	}

	_, _, err = ValidateTimestamps(10, 2000, duration)
	if err == nil {
		t.Fatal("expected end far beyond duration to fail")
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Message != "end exceeds duration" {
		t.Fatalf("err = %v, want ValidationError(end exceeds duration)", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected error to wrap ErrValidation")
	}

	if _, _, err := ValidateTimestamps(1002, 1004, duration); err == nil {
		t.Fatal("expected window collapsed by clamping to fail")
	}
}

func TestValidateTimestampsProperties(t *testing.T) {
	const duration = 300
	for start := -5; start < 0; start++ {
		if _, _, err := ValidateTimestamps(start, 50, duration); err == nil {
			t.Fatalf("start=%d: expected failure", start)
		}
	}
	for end := 0; end <= 40; end++ {
		if _, _, err := ValidateTimestamps(40, end, duration); err == nil {
			t.Fatalf("end=%d <= start: expected failure", end)
		}
	}
	for end := 41; end <= duration+DurationDriftTolerance; end++ {
		_, got, err := ValidateTimestamps(40, end, duration)
		if err != nil {
			t.Fatalf("end=%d: unexpected error %v", end, err)
		}
		want := end
		if end > duration {
			want = duration
		}
		if got != want {
			t.Fatalf("end=%d: got %d, want %d", end, got, want)
		}
	}
	for end := duration + DurationDriftTolerance + 1; end < duration+20; end++ {
		if _, _, err := ValidateTimestamps(40, end, duration); err == nil {
			t.Fatalf("end=%d: expected failure", end)
		}
	}
}

func TestValidateSegmentLength(t *testing.T) {
	if err := ValidateSegmentLength(0, 3601, DefaultMaxSegmentSeconds); err == nil {
		t.Fatal("expected 3601s segment to exceed default maximum")
	}
	if err := ValidateSegmentLength(0, 3600, DefaultMaxSegmentSeconds); err != nil {
		t.Fatalf("3600s segment: %v", err)
	}
	if err := ValidateSegmentLength(0, 10000, 0); err != nil {
		t.Fatalf("disabled rule: %v", err)
	}
}

func TestValidateQuality(t *testing.T) {
	formats := []FormatDescriptor{
		{FormatID: "22", Quality: "720p", Container: "mp4"},
		{FormatID: "abc123", Quality: "1080p", Container: "mp4"},
	}
	if !ValidateQuality("720p", formats) {
		t.Fatal("expected quality label match")
	}
	if !ValidateQuality("abc123", formats) {
		t.Fatal("expected format id match")
	}
	if ValidateQuality("480p", formats) {
		t.Fatal("expected unmatched selector to fail")
	}
	if ValidateQuality("", formats) {
		t.Fatal("expected empty selector to fail")
	}
	if ValidateQuality("720p", nil) {
		t.Fatal("expected no formats to fail")
	}
}
