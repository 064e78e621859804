package indexing

import "errors"

var (
	// ErrAttemptNotFound is returned when an index attempt row does not exist.
	ErrAttemptNotFound = errors.New("index attempt not found")
	// ErrCCPairNotFound is returned when a connector-credential pair does not exist.
	ErrCCPairNotFound = errors.New("connector credential pair not found")
	// ErrTenantNotFound is returned when a tenant does not exist.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrCheckpointNotFound is returned when an attempt has no checkpoint
	// pointer or the referenced blob is missing.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointTooLarge is returned by the size guard. It is fatal for the
	// attempt and never retried.
	ErrCheckpointTooLarge = errors.New("checkpoint too large")
	// ErrCheckpointCorrupt is returned when a stored checkpoint cannot be decoded.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrBlobNotFound is returned by blob stores for missing objects.
	ErrBlobNotFound = errors.New("blob not found")
)

// IsCheckpointIntegrityError reports whether err means the attempt's
// checkpoint must not be resumed from again.
func IsCheckpointIntegrityError(err error) bool {
	return errors.Is(err, ErrCheckpointTooLarge) || errors.Is(err, ErrCheckpointCorrupt)
}
