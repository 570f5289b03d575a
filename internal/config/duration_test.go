package config

import (
	"errors"
	"testing"
	"time"
)

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{"0s", 5 * time.Second, false},
		{"90s", 90 * time.Second, false},
		{" 1m ", time.Minute, false},
		{"-1s", 0, true},
		{"later", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("x", tc.raw, 5*time.Second)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) err = %v", tc.raw, err)
		}
		if err == nil && got != tc.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestParseDurationFieldNegative(t *testing.T) {
	t.Parallel()
	_, err := ParseDurationField("triggers.x.timeout", "-5m")
	if !errors.Is(err, ErrNegativeDuration) {
		t.Fatalf("err = %v, want ErrNegativeDuration", err)
	}
	if got := err.Error(); got != "triggers.x.timeout: duration must be >= 0" {
		t.Fatalf("message = %q", got)
	}
}
