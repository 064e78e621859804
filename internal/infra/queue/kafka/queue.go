// Package kafka is the distributed task queue on Kafka. Each queue name maps
// to one topic; tasks are keyed by tenant so one tenant's tasks keep their
// order within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/tasks"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

// Config contains settings for connecting to the brokers and naming topics.
type Config struct {
	Brokers []string
	// GroupID identifies the consumer group shared by all controllers.
	GroupID  string
	ClientID string
	// TopicPrefix is prepended to the queue name to form the topic.
	TopicPrefix string
	// Queues are the queue names this process consumes.
	Queues []string
	// HandlerRetries bounds redelivery attempts of a failing task before it
	// is dropped. Beat tasks are regenerated on the next tick.
	HandlerRetries uint64
	// CommitInterval is how often marked offsets are committed.
	CommitInterval time.Duration
}

// Topic returns the topic backing queue.
func (c *Config) Topic(queue string) string {
	if queue == "" {
		queue = tasks.QueuePrimary
	}
	return c.TopicPrefix + queue
}

// NewClient creates a sarama client shared by the producer and the consumer group.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

var (
	_ tasks.Enqueuer = (*Queue)(nil)
	_ tasks.Consumer = (*Queue)(nil)
)

// Queue publishes and consumes tasks.
type Queue struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	cfg           *Config

	published metric.Int64Counter
	consumed  metric.Int64Counter
	failed    metric.Int64Counter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewQueue wraps an existing producer and consumer group. consumerGroup may
// be nil for publish-only processes.
func NewQueue(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	meter metric.Meter,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Queue, error) {
	q := &Queue{
		producer:      producer,
		consumerGroup: consumerGroup,
		cfg:           cfg,
		logger:        logger.With("component", "kafka_task_queue", "group_id", cfg.GroupID),
		tracer:        tracer,
	}

	var err error
	if q.published, err = meter.Int64Counter("queue.tasks.published",
		metric.WithDescription("Tasks published to the queue")); err != nil {
		return nil, err
	}
	if q.consumed, err = meter.Int64Counter("queue.tasks.consumed",
		metric.WithDescription("Tasks consumed and handled")); err != nil {
		return nil, err
	}
	if q.failed, err = meter.Int64Counter("queue.tasks.failed",
		metric.WithDescription("Tasks that failed to publish, decode or handle")); err != nil {
		return nil, err
	}
	return q, nil
}

// Connect builds a Queue on client, retrying with exponential backoff while
// the brokers are unavailable.
func Connect(cfg *Config, client sarama.Client, meter metric.Meter, logger *logger.Logger, tracer trace.Tracer) (*Queue, error) {
	var q *Queue

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}
		q, err = NewQueue(producer, consumerGroup, cfg, meter, logger, tracer)
		if err != nil {
			producer.Close()
			consumerGroup.Close()
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect task queue after retries: %w", err)
	}
	return q, nil
}

// Enqueue publishes task to its queue's topic.
func (q *Queue) Enqueue(ctx context.Context, task tasks.Task) error {
	topic := q.cfg.Topic(task.Queue)
	ctx, span := startProducerSpan(ctx, topic, q.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("kind", task.Kind.String()),
		attribute.String("tenant_id", task.TenantID),
	)
	topicAttr := metric.WithAttributes(attribute.String("topic", topic))

	headers, value, err := encodeTask(task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode task")
		q.failed.Add(ctx, 1, topicAttr)
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(task.TenantID),
		Value:   sarama.ByteEncoder(value),
		Headers: headers,
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send task")
		q.failed.Add(ctx, 1, topicAttr)
		return fmt.Errorf("failed to send task %s to topic %s: %w", task.ID, topic, err)
	}
	q.published.Add(ctx, 1, topicAttr)

	q.logger.Debug(ctx, "task published",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"task_id", task.ID,
		"kind", task.Kind,
	)
	return nil
}

// Consume delivers tasks from the configured queues to handler until ctx is
// canceled. Consumer group sessions are re-joined after rebalances.
func (q *Queue) Consume(ctx context.Context, handler tasks.Handler) error {
	if q.consumerGroup == nil {
		return errors.New("task queue has no consumer group")
	}
	topics := make([]string, 0, len(q.cfg.Queues))
	for _, queue := range q.cfg.Queues {
		topics = append(topics, q.cfg.Topic(queue))
	}
	q.logger.Info(ctx, "consuming task queues", "topics", topics)

	cgHandler := &groupHandler{queue: q, handler: handler}
	for {
		if err := q.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			q.logger.Error(ctx, "error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close shuts down the producer and the consumer group.
func (q *Queue) Close() error {
	var errs []error
	if err := q.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if q.consumerGroup != nil {
		if err := q.consumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
		}
	}
	return errors.Join(errs...)
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	queue   *Queue
	handler tasks.Handler
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.queue.logger.Info(sess.Context(), "consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.queue.logger.Info(sess.Context(), "consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim handles the records of one partition in order. Every record
// is marked once handled or given up on; offsets are committed periodically
// and when the claim ends. The claim ends when its channel closes or the
// session is done, so a rebalance never waits for the next record.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := h.queue.logger.With("operation", "consume_claim", "topic", claim.Topic(), "partition", claim.Partition())
	interval := h.queue.cfg.CommitInterval
	if interval <= 0 {
		interval = time.Second
	}
	lastCommit := time.Now()
	defer sess.Commit()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.process(sess.Context(), log, msg)
			sess.MarkMessage(msg, "")
			if time.Since(lastCommit) > interval {
				sess.Commit()
				lastCommit = time.Now()
			}
		case <-sess.Context().Done():
			log.Debug(sess.Context(), "session ended, releasing claim")
			return nil
		}
	}
}

func (h *groupHandler) process(ctx context.Context, log *logger.Logger, msg *sarama.ConsumerMessage) {
	ctx = extractTraceContext(ctx, msg)
	ctx, span := startConsumerSpan(ctx, msg, h.queue.tracer)
	defer span.End()
	topicAttr := metric.WithAttributes(attribute.String("topic", msg.Topic))

	task, err := decodeTask(msg.Headers, msg.Value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode task")
		h.queue.failed.Add(ctx, 1, topicAttr)
		log.Error(ctx, "dropping undecodable record", "offset", msg.Offset, "error", err)
		return
	}
	span.SetAttributes(attribute.String("task_id", task.ID), attribute.String("kind", task.Kind.String()))

	retry := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), h.queue.cfg.HandlerRetries), ctx)
	err = backoff.Retry(func() error {
		err := h.handler.Handle(ctx, task)
		if errors.Is(err, tasks.ErrUnknownKind) {
			return backoff.Permanent(err)
		}
		return err
	}, retry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		h.queue.failed.Add(ctx, 1, topicAttr)
		log.Error(ctx, "task failed", "task_id", task.ID, "kind", task.Kind, "tenant_id", task.TenantID, "error", err)
		return
	}
	h.queue.consumed.Add(ctx, 1, topicAttr)
}
