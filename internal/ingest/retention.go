package ingest

import (
	"fmt"
	"strings"
	"time"
)

// Retention choices offered to uploaders.
var retentionChoices = map[string]time.Duration{
	"":      0,
	"never": 0,
	"1h":    time.Hour,
	"24h":   24 * time.Hour,
	"7d":    7 * 24 * time.Hour,
	"30d":   30 * 24 * time.Hour,
}

// ParseRetention maps a deleteAfter choice to a duration. Zero means the
// image never expires.
func ParseRetention(choice string) (time.Duration, error) {
	d, ok := retentionChoices[strings.ToLower(strings.TrimSpace(choice))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown deleteAfter %q", ErrInvalidInput, choice)
	}
	return d, nil
}
