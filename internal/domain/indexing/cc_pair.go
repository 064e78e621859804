package indexing

import "time"

// CCPairStatus is the lifecycle state of a connector-credential pair.
type CCPairStatus string

const (
	CCPairStatusScheduled       CCPairStatus = "SCHEDULED"
	CCPairStatusInitialIndexing CCPairStatus = "INITIAL_INDEXING"
	CCPairStatusActive          CCPairStatus = "ACTIVE"
	CCPairStatusPaused          CCPairStatus = "PAUSED"
	CCPairStatusDeleting        CCPairStatus = "DELETING"
	CCPairStatusInvalid         CCPairStatus = "INVALID"
)

func (s CCPairStatus) String() string { return string(s) }

// IsSchedulable reports whether periodic indexing may run for the pair.
func (s CCPairStatus) IsSchedulable() bool {
	switch s {
	case CCPairStatusScheduled, CCPairStatusInitialIndexing, CCPairStatusActive:
		return true
	default:
		return false
	}
}

// ConnectorCredentialPair combines one connector configuration with one set of
// credentials. It is the unit of work identity for all per-tenant periodic tasks.
type ConnectorCredentialPair struct {
	ID              int64
	TenantID        string
	Name            string
	Source          string
	ConnectorConfig map[string]any
	Credentials     map[string]any
	Status          CCPairStatus

	// RefreshFrequency of zero disables periodic indexing once the pair has
	// been indexed at least once.
	RefreshFrequency time.Duration
	IndexingStart    *time.Time

	// InRepeatedErrorState caches the value derived from run history for display.
	InRepeatedErrorState bool

	CreatedAt time.Time
}

// IsDue reports whether a new attempt should be dispatched given the newest
// attempt for the pair (nil when the pair was never indexed).
func (p *ConnectorCredentialPair) IsDue(latest *IndexAttempt, now time.Time) bool {
	if !p.Status.IsSchedulable() {
		return false
	}
	if latest == nil {
		return true
	}
	if !latest.Status.IsTerminal() {
		return false
	}
	if p.RefreshFrequency <= 0 {
		return false
	}
	return !now.Before(latest.CreatedAt.Add(p.RefreshFrequency))
}

// Tenant is an isolated customer namespace. Single-tenant deployments use
// DefaultTenantID.
type Tenant struct {
	ID                string
	Active            bool
	CurrentGeneration int64
}

// DefaultTenantID identifies the only tenant of a single-tenant deployment.
const DefaultTenantID = "public"
