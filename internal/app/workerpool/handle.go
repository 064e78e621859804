package workerpool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Status is the observed state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
	StatusFinished  Status = "finished"
)

// maxExceptionBytes bounds how much of the back-channel is retained.
const maxExceptionBytes = 64 * 1024

// JobHandle tracks one child process.
type JobHandle struct {
	spec JobSpec
	cmd  *exec.Cmd

	mu        sync.Mutex
	started   bool
	exitCode  int
	signaled  bool
	backData  []byte
	exception string

	done chan struct{}
}

func newJobHandle(spec JobSpec, cmd *exec.Cmd) *JobHandle {
	return &JobHandle{spec: spec, cmd: cmd, exitCode: -1, done: make(chan struct{})}
}

// ID returns the job ID.
func (h *JobHandle) ID() string { return h.spec.JobID }

// Spec returns the submitted job spec.
func (h *JobHandle) Spec() JobSpec { return h.spec }

// PID returns the child's process ID, or zero before start.
func (h *JobHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *JobHandle) markStarted() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
}

func (h *JobHandle) wait(backChannel *os.File) {
	data, _ := io.ReadAll(io.LimitReader(backChannel, maxExceptionBytes))
	backChannel.Close()

	err := h.cmd.Wait()

	h.mu.Lock()
	h.backData = data
	if state := h.cmd.ProcessState; state != nil {
		h.exitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			h.signaled = true
		}
	}
	if exc, ok := readException(data); ok {
		h.exception = exc.String()
	} else if err != nil {
		h.exception = fmt.Sprintf("worker process exited abnormally: %v", err)
	}
	h.mu.Unlock()

	close(h.done)
}

func (h *JobHandle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed once the process has exited and its output was collected.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits or ctx is done.
func (h *JobHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status derives the job state from process liveness and exit code. A
// signal or missing exit code means cancelled, any other non-zero code error.
func (h *JobHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return StatusPending
	}
	if !h.isDone() {
		return StatusRunning
	}
	switch {
	case h.signaled || h.exitCode == -1:
		return StatusCancelled
	case h.exitCode != 0:
		return StatusError
	default:
		return StatusFinished
	}
}

// ExitCode returns the child's exit code, -1 while running or when killed by a signal.
func (h *JobHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Exception returns the failure reported by the child, or a description of
// an abnormal exit when the child could not report one. Empty on success.
func (h *JobHandle) Exception() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exception
}

// Cancel asks a live child to terminate. It reports whether a signal was sent.
func (h *JobHandle) Cancel() bool {
	if h.isDone() || h.cmd.Process == nil {
		return false
	}
	return h.cmd.Process.Signal(syscall.SIGTERM) == nil
}

// Kill forcibly stops a live child.
func (h *JobHandle) Kill() bool {
	if h.isDone() || h.cmd.Process == nil {
		return false
	}
	return h.cmd.Process.Kill() == nil
}

// backChannelBytes exposes the raw back-channel for tests.
func (h *JobHandle) backChannelBytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Clone(h.backData)
}
