package utils

import (
	"testing"
	"time"
)

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2024, 12, 22, 10, 0, 2, 123456000, time.UTC)
	for _, value := range []string{"2024-12-22T10:00:02.123456Z", "2024-12-22T10:00:02.123456", "2024-12-22 10:00:02.123456"} {
		got, err := ParseTimestamp(value)
		if err != nil {
			t.Fatalf("parse %q: %v", value, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: expected %v, got %v", value, want, got)
		}
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for unsupported layout")
	}
}

func TestHumanDuration(t *testing.T) {
	if got := HumanDuration(4*time.Minute + 5*time.Second); got != "4m05s" {
		t.Fatalf("unexpected rendering %q", got)
	}
	if got := HumanDuration(-time.Second); got != "0s" {
		t.Fatalf("unexpected rendering %q", got)
	}
}
