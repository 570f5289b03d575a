package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNegativeDuration = errors.New("duration must be >= 0")

// ParseDurationField parses the optional Go duration at config key path.
// An empty value is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration such as \"90s\" or \"12h\": %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %w", path, ErrNegativeDuration)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
