package indexing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_MarshalRoundTrip(t *testing.T) {
	cp := Checkpoint{
		HasMore: true,
		Content: map[string]any{
			"cursor": "abc",
			"page":   float64(3),
			"seen":   []any{"a", "b"},
			"nested": map[string]any{"done": false},
		},
	}

	data, err := cp.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

func TestUnmarshalCheckpoint_Corrupt(t *testing.T) {
	_, err := UnmarshalCheckpoint([]byte("{not json"))
	require.ErrorIs(t, err, ErrCheckpointCorrupt)
	assert.True(t, IsCheckpointIntegrityError(err))
}

func TestCheckpoint_ApproxSize(t *testing.T) {
	tests := []struct {
		name    string
		content map[string]any
		atLeast int64
		atMost  int64
	}{
		{
			name:    "empty",
			content: map[string]any{},
			atLeast: 0,
			atMost:  64,
		},
		{
			name:    "large string dominates",
			content: map[string]any{"blob": strings.Repeat("x", 1<<20)},
			atLeast: 1 << 20,
			atMost:  (1 << 20) + 128,
		},
		{
			name: "nested containers are walked",
			content: map[string]any{
				"ids": []any{strings.Repeat("a", 1000), strings.Repeat("b", 1000)},
				"sub": map[string]any{"c": strings.Repeat("c", 1000)},
			},
			atLeast: 3000,
			atMost:  3300,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := Checkpoint{Content: tt.content}.ApproxSize()
			assert.GreaterOrEqual(t, size, tt.atLeast)
			assert.LessOrEqual(t, size, tt.atMost)
		})
	}
}

func TestCheckpointBlobName(t *testing.T) {
	assert.Equal(t, "checkpoint_42.json", CheckpointBlobName(42))
}
