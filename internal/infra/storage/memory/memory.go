// Package memory implements the indexing repositories in process. It backs the
// controller's local mode and the application tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

var (
	_ indexing.AttemptRepository  = (*AttemptStore)(nil)
	_ indexing.CCPairRepository   = (*CCPairStore)(nil)
	_ indexing.DocumentRepository = (*DocumentStore)(nil)
	_ indexing.TenantRepository   = (*TenantStore)(nil)
)

// AttemptStore keeps attempts and their error logs in memory.
type AttemptStore struct {
	mu       sync.RWMutex
	clock    timeutil.Provider
	nextID   int64
	attempts map[int64]*indexing.IndexAttempt
	failures map[int64][]indexing.Failure
}

// NewAttemptStore creates an empty AttemptStore using clock for timestamps.
func NewAttemptStore(clock timeutil.Provider) *AttemptStore {
	return &AttemptStore{
		clock:    clock,
		attempts: make(map[int64]*indexing.IndexAttempt),
		failures: make(map[int64][]indexing.Failure),
	}
}

func cloneAttempt(a *indexing.IndexAttempt) *indexing.IndexAttempt {
	c := *a
	if a.CheckpointPointer != nil {
		p := *a.CheckpointPointer
		c.CheckpointPointer = &p
	}
	if a.StartedAt != nil {
		s := *a.StartedAt
		c.StartedAt = &s
	}
	return &c
}

func (s *AttemptStore) CreateAttempt(_ context.Context, attempt *indexing.IndexAttempt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	a := cloneAttempt(attempt)
	a.ID = s.nextID
	now := s.clock.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.attempts[a.ID] = a
	return a.ID, nil
}

// Put stores an attempt verbatim, keeping its ID and timestamps. Used to seed history.
func (s *AttemptStore) Put(attempt *indexing.IndexAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[attempt.ID] = cloneAttempt(attempt)
	s.nextID = max(s.nextID, attempt.ID)
}

func (s *AttemptStore) GetAttempt(_ context.Context, id int64) (*indexing.IndexAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[id]
	if !ok {
		return nil, indexing.ErrAttemptNotFound
	}
	return cloneAttempt(a), nil
}

// newestFirst returns the pair's attempts matching keep, ordered like the
// relational store (created_at DESC, id DESC).
func (s *AttemptStore) newestFirst(ccPairID, generationID int64, keep func(*indexing.IndexAttempt) bool) []*indexing.IndexAttempt {
	var out []*indexing.IndexAttempt
	for _, a := range s.attempts {
		if a.CCPairID == ccPairID && a.GenerationID == generationID && keep(a) {
			out = append(out, cloneAttempt(a))
		}
	}
	slices.SortFunc(out, func(a, b *indexing.IndexAttempt) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

func (s *AttemptStore) GetRecentTerminalAttempts(_ context.Context, ccPairID, generationID int64, limit int) ([]*indexing.IndexAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.newestFirst(ccPairID, generationID, func(a *indexing.IndexAttempt) bool {
		return a.Status.IsTerminal() && !a.NeverStarted()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *AttemptStore) GetLatestAttempt(_ context.Context, ccPairID, generationID int64) (*indexing.IndexAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.newestFirst(ccPairID, generationID, func(*indexing.IndexAttempt) bool { return true })
	if len(out) == 0 {
		return nil, indexing.ErrAttemptNotFound
	}
	return out[0], nil
}

func (s *AttemptStore) GetLastSuccessfulAttempt(_ context.Context, ccPairID, generationID int64) (*indexing.IndexAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.newestFirst(ccPairID, generationID, func(a *indexing.IndexAttempt) bool { return a.Status.IsSuccessful() })
	if len(out) == 0 {
		return nil, indexing.ErrAttemptNotFound
	}
	return out[0], nil
}

func (s *AttemptStore) UpdateStatus(_ context.Context, id int64, update indexing.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return indexing.ErrAttemptNotFound
	}
	if err := a.Status.ValidateTransition(update.Status); err != nil {
		return err
	}

	now := s.clock.Now()
	a.Status = update.Status
	a.ErrorMsg = update.ErrorMsg
	a.FullExceptionTrace = update.FullExceptionTrace
	if update.Status == indexing.AttemptStatusInProgress {
		a.StartedAt = &now
	}
	a.UpdatedAt = now
	return nil
}

func (s *AttemptStore) UpdateProgress(_ context.Context, id int64, progress indexing.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return indexing.ErrAttemptNotFound
	}
	a.NewDocs, a.TotalDocs, a.RemovedDocs = progress.NewDocs, progress.TotalDocs, progress.RemovedDocs
	a.UpdatedAt = s.clock.Now()
	return nil
}

func (s *AttemptStore) SetCheckpointPointer(_ context.Context, id int64, pointer *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return indexing.ErrAttemptNotFound
	}
	if pointer == nil {
		a.CheckpointPointer = nil
	} else {
		p := *pointer
		a.CheckpointPointer = &p
	}
	a.UpdatedAt = s.clock.Now()
	return nil
}

func (s *AttemptStore) ListCheckpointedBefore(_ context.Context, cutoff time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, a := range s.attempts {
		if a.HasCheckpoint() && a.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *AttemptStore) ListCheckpointedForCCPair(_ context.Context, ccPairID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, a := range s.attempts {
		if a.CCPairID == ccPairID && a.HasCheckpoint() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *AttemptStore) DeleteAttemptsForCCPair(_ context.Context, ccPairID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range s.attempts {
		if a.CCPairID == ccPairID {
			delete(s.attempts, id)
			delete(s.failures, id)
		}
	}
	return nil
}

func (s *AttemptStore) RecordFailures(_ context.Context, attemptID int64, failures []indexing.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attempts[attemptID]; !ok {
		return indexing.ErrAttemptNotFound
	}
	s.failures[attemptID] = append(s.failures[attemptID], failures...)
	return nil
}

// Failures returns the failures recorded for an attempt.
func (s *AttemptStore) Failures(attemptID int64) []indexing.Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.failures[attemptID])
}

// CCPairStore keeps connector-credential pairs in memory.
type CCPairStore struct {
	mu     sync.RWMutex
	nextID int64
	pairs  map[int64]*indexing.ConnectorCredentialPair
}

// NewCCPairStore creates an empty CCPairStore.
func NewCCPairStore() *CCPairStore {
	return &CCPairStore{pairs: make(map[int64]*indexing.ConnectorCredentialPair)}
}

// Add stores a pair, assigning an ID when it has none, and returns the ID.
func (s *CCPairStore) Add(p indexing.ConnectorCredentialPair) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		s.nextID++
		p.ID = s.nextID
	}
	s.nextID = max(s.nextID, p.ID)
	s.pairs[p.ID] = &p
	return p.ID
}

func (s *CCPairStore) GetCCPair(_ context.Context, id int64) (*indexing.ConnectorCredentialPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairs[id]
	if !ok {
		return nil, indexing.ErrCCPairNotFound
	}
	c := *p
	return &c, nil
}

func (s *CCPairStore) ListCCPairs(_ context.Context, tenantID string) ([]*indexing.ConnectorCredentialPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*indexing.ConnectorCredentialPair
	for _, id := range slices.Sorted(maps.Keys(s.pairs)) {
		if p := s.pairs[id]; p.TenantID == tenantID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *CCPairStore) UpdateCCPairStatus(_ context.Context, id int64, status indexing.CCPairStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairs[id]
	if !ok {
		return indexing.ErrCCPairNotFound
	}
	p.Status = status
	return nil
}

func (s *CCPairStore) SetRepeatedErrorState(_ context.Context, id int64, inRepeatedErrorState bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairs[id]
	if !ok {
		return indexing.ErrCCPairNotFound
	}
	p.InRepeatedErrorState = inRepeatedErrorState
	return nil
}

func (s *CCPairStore) DeleteCCPair(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pairs, id)
	return nil
}

// DocumentStore keeps document-by-pair rows in memory.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[int64]map[string]indexing.Document
}

// NewDocumentStore creates an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[int64]map[string]indexing.Document)}
}

func (s *DocumentStore) UpsertDocuments(_ context.Context, ccPairID int64, docs []indexing.Document) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.docs[ccPairID]
	if !ok {
		byID = make(map[string]indexing.Document)
		s.docs[ccPairID] = byID
	}

	inserted := 0
	for _, d := range docs {
		if _, exists := byID[d.ID]; !exists {
			inserted++
		}
		byID[d.ID] = d
	}
	return inserted, nil
}

func (s *DocumentStore) ListDocumentIDs(_ context.Context, ccPairID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Sorted(maps.Keys(s.docs[ccPairID])), nil
}

func (s *DocumentStore) DeleteDocuments(_ context.Context, ccPairID int64, documentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range documentIDs {
		delete(s.docs[ccPairID], id)
	}
	return nil
}

// TenantStore keeps tenants in memory.
type TenantStore struct {
	mu      sync.RWMutex
	tenants map[string]indexing.Tenant
}

// NewTenantStore creates a TenantStore seeded with tenants.
func NewTenantStore(tenants ...indexing.Tenant) *TenantStore {
	s := &TenantStore{tenants: make(map[string]indexing.Tenant)}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

func (s *TenantStore) ListActiveTenants(context.Context) ([]indexing.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []indexing.Tenant
	for _, id := range slices.Sorted(maps.Keys(s.tenants)) {
		if t := s.tenants[id]; t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *TenantStore) GetTenant(_ context.Context, id string) (*indexing.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", indexing.ErrTenantNotFound, id)
	}
	return &t, nil
}
