package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamps are stored as text in UTC with "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func encodeMetadata(md map[string]any) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

// Metadata decodes the way event.NewRecord normalizes it, so recovered
// members match the ingested ones.
func decodeMetadata(b []byte) (map[string]any, error) {
	md, err := event.DecodeMetadata(b)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}
