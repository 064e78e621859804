// Package connector normalizes the three connector protocols (checkpointed
// iteration, time range polling and full state loading) into a single stream
// of document batches, failures and checkpoints.
package connector

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/ahrav/index-armada/internal/domain/indexing"
)

var (
	// ErrNoCapability is returned when a connector implements none of the
	// supported protocols.
	ErrNoCapability = errors.New("connector implements no indexing capability")
	// ErrMissingFinalCheckpoint is returned when a checkpointed stream ends
	// without a final checkpoint item.
	ErrMissingFinalCheckpoint = errors.New("connector stream ended without a final checkpoint")
	// ErrItemAfterFinalCheckpoint is returned when a checkpointed stream keeps
	// producing items after its final checkpoint.
	ErrItemAfterFinalCheckpoint = errors.New("connector stream produced items after the final checkpoint")
)

// Connector is the contract shared by every connector.
type Connector interface {
	// LoadCredentials hands the connector its decoded credentials before any
	// indexing call.
	LoadCredentials(credentials map[string]any) error
}

// CheckpointedConnector resumes from a checkpoint and streams items that end
// with exactly one final checkpoint.
type CheckpointedConnector interface {
	Connector
	LoadFromCheckpoint(ctx context.Context, start, end time.Time, cp indexing.Checkpoint) iter.Seq2[Item, error]
	BuildDummyCheckpoint() indexing.Checkpoint
}

// PollConnector fetches everything changed in a time range in one pass.
type PollConnector interface {
	Connector
	PollSource(ctx context.Context, start, end time.Time) iter.Seq2[[]indexing.Document, error]
}

// LoadConnector dumps the full source state with no time semantics.
type LoadConnector interface {
	Connector
	LoadFromState(ctx context.Context) iter.Seq2[[]indexing.Document, error]
}

// ItemKind tags the variant held by an Item.
type ItemKind int

const (
	ItemDocument ItemKind = iota + 1
	ItemFailure
	ItemFinalCheckpoint
)

func (k ItemKind) String() string {
	switch k {
	case ItemDocument:
		return "document"
	case ItemFailure:
		return "failure"
	case ItemFinalCheckpoint:
		return "final_checkpoint"
	default:
		return "unknown"
	}
}

// Item is one element of a checkpointed stream. Only the field matching Kind is set.
type Item struct {
	Kind       ItemKind
	Document   indexing.Document
	Failure    indexing.Failure
	Checkpoint indexing.Checkpoint
}

func DocumentItem(d indexing.Document) Item { return Item{Kind: ItemDocument, Document: d} }
func FailureItem(f indexing.Failure) Item   { return Item{Kind: ItemFailure, Failure: f} }

// FinalCheckpointItem terminates a checkpointed stream.
func FinalCheckpointItem(cp indexing.Checkpoint) Item {
	return Item{Kind: ItemFinalCheckpoint, Checkpoint: cp}
}

// CapabilityKind enumerates the supported protocols.
type CapabilityKind int

const (
	CapabilityCheckpointed CapabilityKind = iota + 1
	CapabilityPoll
	CapabilityLoad
)

func (k CapabilityKind) String() string {
	switch k {
	case CapabilityCheckpointed:
		return "checkpointed"
	case CapabilityPoll:
		return "poll"
	case CapabilityLoad:
		return "load"
	default:
		return "unknown"
	}
}

// Capability is the closed union of connector protocols. Adding a protocol
// means adding a kind here and a branch in Adapter.Run.
type Capability struct {
	Kind CapabilityKind

	checkpointed CheckpointedConnector
	poll         PollConnector
	load         LoadConnector
}

// Resolve selects the richest protocol the connector implements.
func Resolve(c Connector) (Capability, error) {
	switch conn := c.(type) {
	case CheckpointedConnector:
		return Capability{Kind: CapabilityCheckpointed, checkpointed: conn}, nil
	case PollConnector:
		return Capability{Kind: CapabilityPoll, poll: conn}, nil
	case LoadConnector:
		return Capability{Kind: CapabilityLoad, load: conn}, nil
	default:
		return Capability{}, ErrNoCapability
	}
}

// DummyCheckpoint returns the starting checkpoint for a fresh run.
func (c Capability) DummyCheckpoint() indexing.Checkpoint {
	if c.Kind == CapabilityCheckpointed {
		return c.checkpointed.BuildDummyCheckpoint()
	}
	return indexing.NewDummyCheckpoint()
}
