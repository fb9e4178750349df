package stores

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is the row recorded for a task that produced a remote resource.
type Resource struct {
	TaskID       string    `json:"task_id"`
	ResourceType string    `json:"resource_type"`
	Ref          string    `json:"ref"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// toUnix stores times as unix nanoseconds; the zero time maps to 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeJSON marshals v for a TEXT column, using fallback for nil values.
func encodeJSON(v any, fallback string) (string, error) {
	if v == nil {
		return fallback, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	if string(b) == "null" {
		return fallback, nil
	}
	return string(b), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}
