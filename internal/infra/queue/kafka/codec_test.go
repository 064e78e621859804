package kafka

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/internal/domain/tasks"
)

func toConsumerHeaders(in []sarama.RecordHeader) []*sarama.RecordHeader {
	out := make([]*sarama.RecordHeader, len(in))
	for i := range in {
		out[i] = &in[i]
	}
	return out
}

func TestCodec_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := tasks.NewTask(tasks.KindConnectorDeletionUnit, "acme", tasks.QueueDeletion, tasks.PriorityLow,
		map[string]any{
			"cc_pair_id":   int64(42),
			"unit_id":      "u-1",
			"document_ids": []string{"a", "b"},
		}, now, time.Hour)

	headers, value, err := encodeTask(task)
	require.NoError(t, err)

	got, err := decodeTask(toConsumerHeaders(headers), value)
	require.NoError(t, err)

	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Kind, got.Kind)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, tasks.QueueDeletion, got.Queue)
	assert.Equal(t, tasks.PriorityLow, got.Priority)
	assert.True(t, got.EnqueuedAt.Equal(now))
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.Equal(t, map[string]any{
		"cc_pair_id":   float64(42),
		"unit_id":      "u-1",
		"document_ids": []any{"a", "b"},
	}, got.Args)
}

func TestCodec_NoExpiryNoArgs(t *testing.T) {
	task := tasks.NewTask(tasks.KindMonitorBackgroundProcesses, "public", tasks.QueuePrimary, tasks.PriorityHigh, nil, time.Now(), 0)

	headers, value, err := encodeTask(task)
	require.NoError(t, err)
	got, err := decodeTask(toConsumerHeaders(headers), value)
	require.NoError(t, err)

	assert.True(t, got.ExpiresAt.IsZero())
	assert.Empty(t, got.Args)
	assert.False(t, got.Expired(time.Now().Add(24*time.Hour)))
}

func TestCodec_RejectsRecordsWithoutKind(t *testing.T) {
	_, err := decodeTask(nil, nil)
	require.Error(t, err)

	_, err = decodeTask([]*sarama.RecordHeader{{Key: []byte(headerKind), Value: []byte("x")}, {Key: []byte(headerPriority), Value: []byte("high")}}, nil)
	require.Error(t, err)
}
