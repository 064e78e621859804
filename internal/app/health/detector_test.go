package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/internal/app/tunables"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/infra/storage"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

type mockHistory struct{ mock.Mock }

func (m *mockHistory) GetRecentTerminalAttempts(ctx context.Context, ccPairID, generationID int64, limit int) ([]*indexing.IndexAttempt, error) {
	args := m.Called(ctx, ccPairID, generationID, limit)
	if a := args.Get(0); a != nil {
		return a.([]*indexing.IndexAttempt), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockPairs struct{ mock.Mock }

func (m *mockPairs) SetRepeatedErrorState(ctx context.Context, id int64, state bool) error {
	return m.Called(ctx, id, state).Error(0)
}

// history builds attempts newest first from status codes.
func history(statuses ...indexing.AttemptStatus) []*indexing.IndexAttempt {
	out := make([]*indexing.IndexAttempt, len(statuses))
	for i, s := range statuses {
		out[i] = &indexing.IndexAttempt{ID: int64(len(statuses) - i), Status: s}
	}
	return out
}

const (
	failed    = indexing.AttemptStatusFailed
	success   = indexing.AttemptStatusSuccess
	canceled  = indexing.AttemptStatusCanceled
	withErrs  = indexing.AttemptStatusCompletedWithErrors
	threshold = 3
)

func newDetector(h *mockHistory, p *mockPairs) *Detector {
	src := tunables.Static{ErrorThreshold: threshold}
	return NewDetector(h, p, src, logger.Noop(), storage.NoOpTracer())
}

func TestDetector_Evaluate(t *testing.T) {
	tests := []struct {
		name    string
		history []*indexing.IndexAttempt
		want    bool
	}{
		{name: "no history", history: nil, want: false},
		{name: "streak at threshold", history: history(failed, failed, failed), want: true},
		{name: "streak below threshold", history: history(failed, failed, success, failed), want: false},
		{name: "newest success resets", history: history(success, failed, failed, failed), want: false},
		{name: "completed with errors resets", history: history(failed, failed, withErrs, failed), want: false},
		{name: "cancellations skipped", history: history(failed, canceled, failed, canceled, failed), want: true},
		{name: "only cancellations", history: history(canceled, canceled, canceled), want: false},
		{name: "longer streak", history: history(failed, failed, failed, failed, failed), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := new(mockHistory)
			h.On("GetRecentTerminalAttempts", mock.Anything, int64(1), int64(0), threshold*lookbackFactor).
				Return(tt.history, nil)

			got, err := newDetector(h, new(mockPairs)).Evaluate(context.Background(), 1, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			h.AssertExpectations(t)
		})
	}
}

// Three failures, one success, three failures: the flag is raised, cleared,
// then raised again as attempts complete.
func TestDetector_RefreshSequence(t *testing.T) {
	sequence := []indexing.AttemptStatus{failed, failed, failed, success, failed, failed, failed}
	want := []bool{false, false, true, false, false, false, true}

	var completed []indexing.AttemptStatus
	for i, status := range sequence {
		completed = append([]indexing.AttemptStatus{status}, completed...)

		h := new(mockHistory)
		h.On("GetRecentTerminalAttempts", mock.Anything, int64(7), int64(2), mock.Anything).
			Return(history(completed...), nil)
		p := new(mockPairs)
		p.On("SetRepeatedErrorState", mock.Anything, int64(7), want[i]).Return(nil)

		got, err := newDetector(h, p).Refresh(context.Background(), 7, 2)
		require.NoError(t, err)
		assert.Equal(t, want[i], got, "after attempt %d", i+1)
		p.AssertExpectations(t)
	}
}

func TestDetector_Errors(t *testing.T) {
	errDB := errors.New("db down")

	h := new(mockHistory)
	h.On("GetRecentTerminalAttempts", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errDB)
	_, err := newDetector(h, new(mockPairs)).Evaluate(context.Background(), 1, 0)
	require.ErrorIs(t, err, errDB)

	h = new(mockHistory)
	h.On("GetRecentTerminalAttempts", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(history(failed), nil)
	p := new(mockPairs)
	p.On("SetRepeatedErrorState", mock.Anything, int64(1), false).Return(errDB)
	_, err = newDetector(h, p).Refresh(context.Background(), 1, 0)
	require.ErrorIs(t, err, errDB)
}
