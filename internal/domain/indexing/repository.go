package indexing

import (
	"context"
	"time"
)

// AttemptRepository is the run-history surface for index attempts.
type AttemptRepository interface {
	// CreateAttempt persists a new attempt and returns its ID.
	CreateAttempt(ctx context.Context, attempt *IndexAttempt) (int64, error)
	GetAttempt(ctx context.Context, id int64) (*IndexAttempt, error)

	// GetRecentTerminalAttempts returns up to limit terminal attempts for the
	// pair and generation, newest first. Attempts canceled before they started
	// (a full worker pool, a stop before launch) are not history and are
	// omitted, so they cannot push older attempts out of the limit.
	GetRecentTerminalAttempts(ctx context.Context, ccPairID, generationID int64, limit int) ([]*IndexAttempt, error)
	// GetLatestAttempt returns the newest attempt of any status or ErrAttemptNotFound.
	GetLatestAttempt(ctx context.Context, ccPairID, generationID int64) (*IndexAttempt, error)
	// GetLastSuccessfulAttempt returns the newest SUCCESS or
	// COMPLETED_WITH_ERRORS attempt or ErrAttemptNotFound.
	GetLastSuccessfulAttempt(ctx context.Context, ccPairID, generationID int64) (*IndexAttempt, error)

	UpdateStatus(ctx context.Context, id int64, update StatusUpdate) error
	UpdateProgress(ctx context.Context, id int64, progress Progress) error
	// SetCheckpointPointer sets or clears (nil) the checkpoint pointer. Returns
	// ErrAttemptNotFound when the attempt does not exist.
	SetCheckpointPointer(ctx context.Context, id int64, pointer *string) error

	// ListCheckpointedBefore returns the IDs of attempts holding a checkpoint
	// that were last updated before cutoff.
	ListCheckpointedBefore(ctx context.Context, cutoff time.Time) ([]int64, error)
	// ListCheckpointedForCCPair returns the IDs of the pair's attempts holding a checkpoint.
	ListCheckpointedForCCPair(ctx context.Context, ccPairID int64) ([]int64, error)
	DeleteAttemptsForCCPair(ctx context.Context, ccPairID int64) error

	// RecordFailures appends transient failures to the attempt's error log.
	RecordFailures(ctx context.Context, attemptID int64, failures []Failure) error
}

// CCPairRepository persists connector-credential pairs.
type CCPairRepository interface {
	GetCCPair(ctx context.Context, id int64) (*ConnectorCredentialPair, error)
	ListCCPairs(ctx context.Context, tenantID string) ([]*ConnectorCredentialPair, error)
	UpdateCCPairStatus(ctx context.Context, id int64, status CCPairStatus) error
	SetRepeatedErrorState(ctx context.Context, id int64, inRepeatedErrorState bool) error
	DeleteCCPair(ctx context.Context, id int64) error
}

// DocumentRepository tracks which documents each pair has indexed. Writes are
// idempotent so re-delivered batches are harmless.
type DocumentRepository interface {
	// UpsertDocuments records the documents for the pair and returns how many
	// were not previously known.
	UpsertDocuments(ctx context.Context, ccPairID int64, docs []Document) (int, error)
	ListDocumentIDs(ctx context.Context, ccPairID int64) ([]string, error)
	DeleteDocuments(ctx context.Context, ccPairID int64, documentIDs []string) error
}

// TenantRepository lists tenants for multi-tenant fan-out.
type TenantRepository interface {
	ListActiveTenants(ctx context.Context) ([]Tenant, error)
	GetTenant(ctx context.Context, id string) (*Tenant, error)
}

// BlobStore persists opaque named objects.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte, metadata map[string]string) error
	// Get returns ErrBlobNotFound for missing objects.
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete is a no-op for missing objects.
	Delete(ctx context.Context, name string) error
}
