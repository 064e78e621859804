package indexing

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxCheckpointSize is the largest approximate content size a checkpoint
// may reach before it is rejected (200MB).
const DefaultMaxCheckpointSize int64 = 200 * 1024 * 1024

// Checkpoint is the connector-owned resumption token for an index attempt.
// Content is opaque to the orchestrator; HasMore tells the runner whether the
// connector expects to be invoked again from this checkpoint.
//
// A checkpoint is owned by exactly one attempt and is replaced, never mutated,
// by each successive save.
type Checkpoint struct {
	HasMore bool           `json:"has_more"`
	Content map[string]any `json:"content"`
}

// NewDummyCheckpoint returns the empty starting checkpoint used when no prior
// checkpoint can be resumed.
func NewDummyCheckpoint() Checkpoint {
	return Checkpoint{HasMore: true, Content: map[string]any{}}
}

// FinalCheckpoint returns a checkpoint marking the source exhausted.
func FinalCheckpoint() Checkpoint {
	return Checkpoint{HasMore: false, Content: map[string]any{}}
}

// CheckpointBlobName returns the deterministic blob name for an attempt's checkpoint.
func CheckpointBlobName(attemptID int64) string {
	return fmt.Sprintf("checkpoint_%d.json", attemptID)
}

// Marshal serializes the checkpoint to its stored text form.
func (c Checkpoint) Marshal() ([]byte, error) {
	if c.Content == nil {
		c.Content = map[string]any{}
	}
	return json.Marshal(c)
}

// UnmarshalCheckpoint parses a stored checkpoint. Any decode failure is
// reported as ErrCheckpointCorrupt.
func UnmarshalCheckpoint(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if cp.Content == nil {
		cp.Content = map[string]any{}
	}
	return cp, nil
}

// ApproxSize walks the checkpoint content and returns an approximate deep size
// in bytes. Strings count their length, numbers and bools a fixed width, and
// containers the sum of their keys and elements.
func (c Checkpoint) ApproxSize() int64 { return approxSize(c.Content) }

func approxSize(v any) int64 {
	const (
		wordSize   = 8
		headerSize = 16
	)

	switch val := v.(type) {
	case nil:
		return wordSize
	case string:
		return headerSize + int64(len(val))
	case []byte:
		return headerSize + int64(len(val))
	case bool:
		return wordSize
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return wordSize
	case map[string]any:
		size := int64(headerSize)
		for k, item := range val {
			size += headerSize + int64(len(k)) + approxSize(item)
		}
		return size
	case []any:
		size := int64(headerSize)
		for _, item := range val {
			size += approxSize(item)
		}
		return size
	case []string:
		size := int64(headerSize)
		for _, item := range val {
			size += headerSize + int64(len(item))
		}
		return size
	case []map[string]any:
		size := int64(headerSize)
		for _, item := range val {
			size += approxSize(item)
		}
		return size
	default:
		// Unknown shapes are sized by their encoded form.
		b, err := json.Marshal(val)
		if err != nil {
			return wordSize
		}
		return int64(len(b))
	}
}
