package indexing

import "time"

// Window is the poll range of an attempt. It is fixed for the life of the
// attempt and is the key used to decide whether a prior checkpoint may be
// resumed by a new attempt.
type Window struct {
	Start time.Time
	End   time.Time
}

// Equal reports whether both bounds match exactly.
func (w Window) Equal(o Window) bool { return w.Start.Equal(o.Start) && w.End.Equal(o.End) }

// IndexAttempt is the run record of one execution of a connector-credential
// pair against a search index generation.
type IndexAttempt struct {
	ID           int64
	TenantID     string
	CCPairID     int64
	GenerationID int64
	Status       AttemptStatus
	Window       Window

	// CheckpointPointer names the blob holding the latest checkpoint, nil when
	// the attempt has none.
	CheckpointPointer *string

	NewDocs     int
	TotalDocs   int
	RemovedDocs int

	ErrorMsg           string
	FullExceptionTrace string

	CreatedAt time.Time
	StartedAt *time.Time
	UpdatedAt time.Time
}

// HasCheckpoint reports whether the attempt references a stored checkpoint.
func (a *IndexAttempt) HasCheckpoint() bool {
	return a.CheckpointPointer != nil && *a.CheckpointPointer != ""
}

// NeverStarted reports whether the attempt was canceled before a worker
// picked it up.
func (a *IndexAttempt) NeverStarted() bool {
	return a.Status == AttemptStatusCanceled && a.StartedAt == nil
}

// Progress holds the document counters of an attempt.
type Progress struct {
	NewDocs     int
	TotalDocs   int
	RemovedDocs int
}

// StatusUpdate carries a status change plus the error details recorded with it.
type StatusUpdate struct {
	Status             AttemptStatus
	ErrorMsg           string
	FullExceptionTrace string
}
