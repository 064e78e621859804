package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/ahrav/index-armada/pkg/common/logger"
)

// backChannelFD is the descriptor the parent attaches the back-channel pipe to.
const backChannelFD = 3

// OpenBackChannel returns the back-channel inherited from the parent, or nil
// when the process was not started by a Pool.
func OpenBackChannel() *os.File {
	f := os.NewFile(backChannelFD, "backchannel")
	if f == nil {
		return nil
	}
	if _, err := f.Stat(); err != nil {
		return nil
	}
	return f
}

// RunChild executes the job described on stdin and returns the process exit
// code. Failures and panics are written to backChannel before returning
// ExitCodeJobError so the parent can report a readable cause.
func RunChild(ctx context.Context, stdin io.Reader, backChannel io.Writer, registry *Registry, log *logger.Logger) (code int) {
	var spec JobSpec
	if err := json.NewDecoder(stdin).Decode(&spec); err != nil {
		writeException(backChannel, exception{Message: fmt.Sprintf("failed to decode job spec: %v", err)})
		return ExitCodeJobError
	}

	jobLog := log.With("tenant_id", spec.TenantID, "job_id", spec.JobID, "func", spec.Func)

	fn, ok := registry.lookup(spec.Func)
	if !ok {
		writeException(backChannel, exception{Message: fmt.Sprintf("%v: %s", ErrUnknownJobFunc, spec.Func)})
		return ExitCodeJobError
	}

	jc := &JobContext{
		TenantID: spec.TenantID,
		JobID:    spec.JobID,
		Func:     spec.Func,
		Args:     spec.Args,
		Logger:   jobLog,
	}

	defer func() {
		if r := recover(); r != nil {
			jobLog.Error(ctx, "job panicked", "panic", r)
			writeException(backChannel, exception{
				Message: fmt.Sprintf("panic: %v", r),
				Stack:   string(debug.Stack()),
			})
			code = ExitCodeJobError
		}
	}()

	if err := fn(ctx, jc); err != nil {
		jobLog.Error(ctx, "job failed", "error", err)
		exc := exception{Message: err.Error()}
		if detail := fmt.Sprintf("%+v", err); detail != exc.Message {
			exc.Stack = detail
		}
		writeException(backChannel, exc)
		return ExitCodeJobError
	}

	jobLog.Debug(ctx, "job finished")
	return 0
}
