package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/pkg/common/logger"
)

func specReader(t *testing.T, spec JobSpec) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(spec)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestRunChild(t *testing.T) {
	reg := NewRegistry()
	var seen *JobContext
	reg.Register("capture", func(_ context.Context, jc *JobContext) error {
		seen = jc
		return nil
	})
	reg.Register("fail", func(context.Context, *JobContext) error { return errors.New("source unreachable") })
	reg.Register("panic", func(context.Context, *JobContext) error { panic("bad state") })

	tests := []struct {
		name        string
		input       *bytes.Reader
		wantCode    int
		wantMessage string
	}{
		{
			name:     "success",
			input:    specReader(t, JobSpec{Func: "capture", TenantID: "acme", JobID: "j1", Args: map[string]any{"attempt_id": 7}}),
			wantCode: 0,
		},
		{
			name:        "job error",
			input:       specReader(t, JobSpec{Func: "fail", TenantID: "acme", JobID: "j2"}),
			wantCode:    ExitCodeJobError,
			wantMessage: "source unreachable",
		},
		{
			name:        "panic",
			input:       specReader(t, JobSpec{Func: "panic", JobID: "j3"}),
			wantCode:    ExitCodeJobError,
			wantMessage: "panic: bad state",
		},
		{
			name:        "unknown function",
			input:       specReader(t, JobSpec{Func: "missing", JobID: "j4"}),
			wantCode:    ExitCodeJobError,
			wantMessage: "unknown job function: missing",
		},
		{
			name:        "malformed spec",
			input:       bytes.NewReader([]byte("{not json")),
			wantCode:    ExitCodeJobError,
			wantMessage: "failed to decode job spec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var back bytes.Buffer
			code := RunChild(context.Background(), tt.input, &back, reg, logger.Noop())
			assert.Equal(t, tt.wantCode, code)

			if tt.wantMessage == "" {
				assert.Zero(t, back.Len())
				return
			}
			exc, ok := readException(back.Bytes())
			require.True(t, ok)
			assert.Contains(t, exc.Message, tt.wantMessage)
		})
	}

	require.NotNil(t, seen)
	assert.Equal(t, "acme", seen.TenantID)
	assert.Equal(t, "j1", seen.JobID)
	id, err := seen.Int64Arg("attempt_id")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestJobContext_Int64Arg(t *testing.T) {
	jc := &JobContext{Args: map[string]any{"n": float64(3), "s": "x"}}

	n, err := jc.Int64Arg("n")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = jc.Int64Arg("s")
	require.Error(t, err)

	_, err = jc.Int64Arg("missing")
	require.Error(t, err)
}

func TestException_String(t *testing.T) {
	assert.Equal(t, "msg", exception{Message: "msg"}.String())
	s := exception{Message: "msg", Stack: "frame\n"}.String()
	assert.True(t, strings.HasPrefix(s, "msg\n\nframe"))

	exc, ok := readException([]byte("plain text"))
	require.True(t, ok)
	assert.Equal(t, "plain text", exc.Message)

	_, ok = readException(nil)
	assert.False(t, ok)
}
