package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ahrav/index-armada/internal/domain/tasks"
)

// Task metadata travels in record headers; the value holds the args as a
// protobuf Struct.
const (
	headerTaskID     = "task-id"
	headerKind       = "task-kind"
	headerTenant     = "tenant-id"
	headerQueue      = "queue"
	headerPriority   = "priority"
	headerEnqueuedAt = "enqueued-at"
	headerExpiresAt  = "expires-at"
)

// encodeTask builds the record for task. Args are normalized through JSON so
// typed slices and structs become protobuf-compatible values; numbers are
// float64 on the consuming side.
func encodeTask(task tasks.Task) ([]sarama.RecordHeader, []byte, error) {
	args, err := normalizeArgs(task.Args)
	if err != nil {
		return nil, nil, err
	}
	st, err := structpb.NewStruct(args)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to convert args of task %s: %w", task.ID, err)
	}
	value, err := proto.Marshal(st)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal args of task %s: %w", task.ID, err)
	}

	enqueuedAt, err := proto.Marshal(timestamppb.New(task.EnqueuedAt))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal enqueue time: %w", err)
	}
	headers := []sarama.RecordHeader{
		{Key: []byte(headerTaskID), Value: []byte(task.ID)},
		{Key: []byte(headerKind), Value: []byte(task.Kind)},
		{Key: []byte(headerTenant), Value: []byte(task.TenantID)},
		{Key: []byte(headerQueue), Value: []byte(task.Queue)},
		{Key: []byte(headerPriority), Value: []byte(strconv.Itoa(int(task.Priority)))},
		{Key: []byte(headerEnqueuedAt), Value: enqueuedAt},
	}
	if !task.ExpiresAt.IsZero() {
		expiresAt, err := proto.Marshal(timestamppb.New(task.ExpiresAt))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal expiry: %w", err)
		}
		headers = append(headers, sarama.RecordHeader{Key: []byte(headerExpiresAt), Value: expiresAt})
	}
	return headers, value, nil
}

func normalizeArgs(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task args: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize task args: %w", err)
	}
	return out, nil
}

// decodeTask rebuilds a task from a consumed record.
func decodeTask(headers []*sarama.RecordHeader, value []byte) (tasks.Task, error) {
	var task tasks.Task
	for _, h := range headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case headerTaskID:
			task.ID = string(h.Value)
		case headerKind:
			task.Kind = tasks.Kind(h.Value)
		case headerTenant:
			task.TenantID = string(h.Value)
		case headerQueue:
			task.Queue = string(h.Value)
		case headerPriority:
			p, err := strconv.Atoi(string(h.Value))
			if err != nil {
				return tasks.Task{}, fmt.Errorf("invalid priority header %q: %w", h.Value, err)
			}
			task.Priority = tasks.Priority(p)
		case headerEnqueuedAt, headerExpiresAt:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(h.Value, &ts); err != nil {
				return tasks.Task{}, fmt.Errorf("invalid %s header: %w", h.Key, err)
			}
			if string(h.Key) == headerEnqueuedAt {
				task.EnqueuedAt = ts.AsTime()
			} else {
				task.ExpiresAt = ts.AsTime()
			}
		}
	}
	if task.Kind == "" {
		return tasks.Task{}, fmt.Errorf("record without %s header", headerKind)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(value, &st); err != nil {
		return tasks.Task{}, fmt.Errorf("failed to unmarshal args of task %s: %w", task.ID, err)
	}
	task.Args = st.AsMap()
	return task, nil
}
