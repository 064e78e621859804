package connector

import (
	"context"
	"fmt"
	"iter"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

// DefaultBatchSize is the number of documents per emitted batch.
const DefaultBatchSize = 16

// Batch is one element of the normalized stream. Exactly one field is set.
// Checkpoint is only set on the last batch of a run.
type Batch struct {
	Documents  []indexing.Document
	Failure    *indexing.Failure
	Checkpoint *indexing.Checkpoint
}

// Adapter drives a connector capability and re-batches its output. Batches
// are produced synchronously so batch and checkpoint order is preserved.
type Adapter struct {
	source    string
	batchSize int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewAdapter creates an Adapter for connectors of the given source type.
func NewAdapter(source string, batchSize int, logger *logger.Logger, tracer trace.Tracer) *Adapter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Adapter{
		source:    source,
		batchSize: batchSize,
		logger:    logger.With("component", "connector_adapter", "source", source),
		tracer:    tracer,
	}
}

// runState is the adapter bookkeeping reported when a connector fails.
type runState struct {
	capability  CapabilityKind
	window      indexing.Window
	docsEmitted int
	failures    int
	lastDocID   string
	finalSeen   bool
	checkpoint  map[string]any
}

func (s *runState) String() string {
	return fmt.Sprintf(
		"capability=%s window=[%s,%s] docs_emitted=%d failures=%d last_doc_id=%q final_seen=%t checkpoint=%v",
		s.capability, s.window.Start.Format("2006-01-02T15:04:05Z07:00"), s.window.End.Format("2006-01-02T15:04:05Z07:00"),
		s.docsEmitted, s.failures, s.lastDocID, s.finalSeen, s.checkpoint,
	)
}

// Run streams normalized batches. Poll and Load capabilities end with a
// synthetic final checkpoint with HasMore false; Load ignores the window. The
// stream stops after the first error, which is always a *ConnectorError.
func (a *Adapter) Run(
	ctx context.Context,
	capability Capability,
	window indexing.Window,
	cp indexing.Checkpoint,
) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		ctx, span := a.tracer.Start(ctx, "connector.adapter.run",
			trace.WithAttributes(
				attribute.String("source", a.source),
				attribute.String("capability", capability.Kind.String()),
				attribute.Int("batch_size", a.batchSize),
			))
		defer span.End()

		state := &runState{capability: capability.Kind, window: window, checkpoint: cp.Content}

		var (
			pending    []indexing.Document
			inConsumer bool
			stopped    bool
		)

		// emit hands a batch to the consumer. Panics raised by the consumer
		// are not connector failures and are re-raised untouched.
		emit := func(b Batch) bool {
			inConsumer = true
			ok := yield(b, nil)
			inConsumer = false
			if !ok {
				stopped = true
			}
			return ok
		}
		flush := func() bool {
			if len(pending) == 0 {
				return true
			}
			b := Batch{Documents: pending}
			pending = nil
			return emit(b)
		}
		addDocs := func(docs ...indexing.Document) bool {
			for _, d := range docs {
				pending = append(pending, d)
				state.docsEmitted++
				state.lastDocID = d.ID
				if len(pending) >= a.batchSize && !flush() {
					return false
				}
			}
			return true
		}
		fail := func(err error, stack string, frame string) {
			snapshot := state.String()
			if frame != "" {
				snapshot += " frame=" + frame
			}
			cerr := &ConnectorError{
				Source:     a.source,
				Capability: capability.Kind,
				State:      truncate(snapshot, maxStateBytes),
				Stack:      stack,
				Err:        err,
			}
			a.logger.Error(ctx, "connector failed", "error", err, "connector_state", cerr.State)
			span.RecordError(cerr)
			span.SetStatus(codes.Error, "connector failed")
			if !stopped {
				yield(Batch{}, cerr)
			}
		}

		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if inConsumer {
				panic(r)
			}
			fail(fmt.Errorf("connector panic: %v", r), panicStack(), panicFrame())
		}()

		var final indexing.Checkpoint
		switch capability.Kind {
		case CapabilityCheckpointed:
			var err error
			for item, itemErr := range capability.checkpointed.LoadFromCheckpoint(ctx, window.Start, window.End, cp) {
				if itemErr != nil {
					err = itemErr
					break
				}
				if state.finalSeen {
					err = ErrItemAfterFinalCheckpoint
					break
				}
				switch item.Kind {
				case ItemDocument:
					if !addDocs(item.Document) {
						return
					}
				case ItemFailure:
					state.failures++
					f := item.Failure
					if !flush() || !emit(Batch{Failure: &f}) {
						return
					}
				case ItemFinalCheckpoint:
					state.finalSeen = true
					final = item.Checkpoint
				default:
					err = fmt.Errorf("unknown connector item kind %d", item.Kind)
				}
				if err != nil {
					break
				}
			}
			if err == nil && !state.finalSeen {
				err = ErrMissingFinalCheckpoint
			}
			if err != nil {
				fail(err, "", "")
				return
			}

		case CapabilityPoll, CapabilityLoad:
			var docs iter.Seq2[[]indexing.Document, error]
			if capability.Kind == CapabilityPoll {
				docs = capability.poll.PollSource(ctx, window.Start, window.End)
			} else {
				docs = capability.load.LoadFromState(ctx)
			}
			for batch, err := range docs {
				if err != nil {
					fail(err, "", "")
					return
				}
				if !addDocs(batch...) {
					return
				}
			}
			final = indexing.FinalCheckpoint()

		default:
			fail(ErrNoCapability, "", "")
			return
		}

		if final.Content == nil {
			final.Content = map[string]any{}
		}
		if !flush() {
			return
		}
		span.SetAttributes(
			attribute.Int("documents", state.docsEmitted),
			attribute.Int("failures", state.failures),
			attribute.Bool("has_more", final.HasMore),
		)
		emit(Batch{Checkpoint: &final})
	}
}
