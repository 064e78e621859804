package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ahrav/index-armada/pkg/common/logger"
)

// ExitCodeJobError is the exit code a child uses after reporting a job error
// on the back-channel.
const ExitCodeJobError = 3

// ErrUnknownJobFunc is returned when a spec names an unregistered function.
var ErrUnknownJobFunc = errors.New("unknown job function")

// JobSpec is sent to the child process on stdin.
type JobSpec struct {
	Func     string         `json:"func"`
	TenantID string         `json:"tenant_id"`
	JobID    string         `json:"job_id"`
	Args     map[string]any `json:"args,omitempty"`
}

// JobContext is handed to every job invocation in place of process globals.
type JobContext struct {
	TenantID string
	JobID    string
	Func     string
	Args     map[string]any
	Logger   *logger.Logger
}

// Int64Arg reads a numeric argument decoded from JSON.
func (jc *JobContext) Int64Arg(key string) (int64, error) {
	switch v := jc.Args[key].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case nil:
		return 0, fmt.Errorf("missing job argument %q", key)
	default:
		return 0, fmt.Errorf("job argument %q has type %T, want number", key, v)
	}
}

// JobFunc is a unit of work executed inside a child process.
type JobFunc func(ctx context.Context, jc *JobContext) error

// Registry maps job function names to implementations. Parent and child must
// register the same names.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]JobFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry { return &Registry{funcs: make(map[string]JobFunc)} }

// Register adds fn under name.
func (r *Registry) Register(name string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) lookup(name string) (JobFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// exception is the back-channel payload describing a job failure.
type exception struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e exception) String() string {
	if e.Stack == "" {
		return e.Message
	}
	return e.Message + "\n\n" + strings.TrimSpace(e.Stack)
}

func writeException(w io.Writer, e exception) {
	if w == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(e)
}

func readException(data []byte) (exception, bool) {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return exception{}, false
	}
	var e exception
	if err := json.Unmarshal(data, &e); err != nil {
		// Not our encoding; surface the raw text.
		return exception{Message: string(data)}, true
	}
	return e, true
}
