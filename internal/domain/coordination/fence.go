package coordination

import (
	"encoding/json"
	"fmt"
	"time"
)

// FencePayload is stored at a fence key while a workflow is in flight.
type FencePayload struct {
	ExpectedUnitCount int        `json:"expected_unit_count"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	AttemptID         *int64     `json:"attempt_id,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
}

// Encode serializes the payload.
func (p FencePayload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode fence payload: %w", err)
	}
	return string(b), nil
}

// DecodeFencePayload parses a stored fence payload.
func DecodeFencePayload(s string) (*FencePayload, error) {
	var p FencePayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("failed to decode fence payload: %w", err)
	}
	return &p, nil
}
