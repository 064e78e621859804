// Package indexing dispatches indexing attempts to the worker pool, runs them
// inside worker processes and recovers attempts whose workers died.
package indexing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ahrav/index-armada/internal/domain/coordination"
)

// JobRunAttempt is the worker pool function that runs one attempt.
const JobRunAttempt = "run_indexing_attempt"

// EntityID names the indexing workflow of a pair within a generation.
func EntityID(ccPairID, generationID int64) string {
	return fmt.Sprintf("%d/%d", ccPairID, generationID)
}

// ParseEntityID reverses EntityID.
func ParseEntityID(entityID string) (ccPairID, generationID int64, err error) {
	pair, gen, ok := strings.Cut(entityID, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed indexing entity %q", entityID)
	}
	if ccPairID, err = strconv.ParseInt(pair, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed cc pair in entity %q: %w", entityID, err)
	}
	if generationID, err = strconv.ParseInt(gen, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed generation in entity %q: %w", entityID, err)
	}
	return ccPairID, generationID, nil
}

const workflowKind = coordination.KindIndexing
