// Package lifecycle reports a task's Running → Succeeded|Failed transitions,
// its progress and its artifacts to the control plane.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/logger"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
)

// ErrScopeClosed is returned by a second Close of the same scope.
var ErrScopeClosed = errors.New("lifecycle scope already closed")

// ControlPlane is the part of the control-plane session a scope needs.
// *controlplane.Session satisfies it.
type ControlPlane interface {
	BaseURL() string
	Headers(ctx context.Context) (http.Header, error)
	Send(ctx context.Context, method, path string, body, out interface{}) error
	PatchTask(ctx context.Context, taskID int, update types.TaskUpdate) error
	PostArtifact(ctx context.Context, taskID int, artifact types.Artifact) error
}

// ProgressCallback is what handlers that process a known number of
// sub-steps report progress through.
type ProgressCallback interface {
	ResetProgressTotal(total int)
	IncrementProgress()
}

// Scope is one task's lifecycle. It is entered by Open and must be closed
// exactly once with the task's outcome.
type Scope struct {
	taskID   int
	cp       ControlPlane
	ctx      context.Context
	logger   *logger.Logger
	now      func() time.Time
	observer func(types.TaskResult)
	opened   time.Time

	mu        sync.Mutex
	artifacts []types.Artifact
	progress  int
	total     int
	closed    bool
}

type Option func(*Scope)

func WithLogger(l *logger.Logger) Option {
	return func(s *Scope) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scope) { s.now = now }
}

// WithObserver registers fn to receive the task's result once its
// terminal state has been reported.
func WithObserver(fn func(types.TaskResult)) Option {
	return func(s *Scope) { s.observer = fn }
}

// Open reports the task as Running and returns its scope. If the Running
// report cannot be delivered no scope is created.
func Open(ctx context.Context, cp ControlPlane, taskID int, opts ...Option) (*Scope, error) {
	s := &Scope{
		taskID: taskID,
		cp:     cp,
		ctx:    ctx,
		logger: logger.Nop(),
		now:    time.Now,
		total:  1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("task_id", taskID)
	s.opened = s.now()

	err := cp.PatchTask(ctx, taskID, types.TaskUpdate{
		Status:    types.TaskStatusRunning,
		StartedAt: types.Timestamp(s.opened),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to report task %d running: %w", taskID, err)
	}
	s.logger.Infow("task running")
	return s, nil
}

// Close moves the task to its terminal state. With a nil taskErr every
// collected artifact is posted in order and the task is reported Succeeded.
// Otherwise the task is reported Failed, the artifacts are discarded and
// taskErr is returned. An artifact that cannot be posted fails the task
// with the post error. Terminal reports are not cancelled with ctx.
func (s *Scope) Close(ctx context.Context, taskErr error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScopeClosed
	}
	s.closed = true
	artifacts := s.artifacts
	s.artifacts = nil
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	if taskErr != nil {
		return s.fail(ctx, taskErr)
	}

	for i, a := range artifacts {
		if err := s.cp.PostArtifact(ctx, s.taskID, a); err != nil {
			return s.fail(ctx, fmt.Errorf("failed to post artifact %d of task %d: %w", i, s.taskID, err))
		}
	}

	err := s.cp.PatchTask(ctx, s.taskID, types.TaskUpdate{
		Status:      types.TaskStatusSucceeded,
		CompletedAt: types.Timestamp(s.now()),
	})
	if err != nil {
		return fmt.Errorf("failed to report task %d succeeded: %w", s.taskID, err)
	}
	s.logger.Infow("task succeeded", "artifacts", len(artifacts))
	s.notify(types.TaskStatusSucceeded, "")
	return nil
}

func (s *Scope) fail(ctx context.Context, cause error) error {
	s.logger.Errorw("task failed", "error", cause)
	msg := cause.Error()
	err := s.cp.PatchTask(ctx, s.taskID, types.TaskUpdate{
		Status:       types.TaskStatusFailed,
		ErrorMessage: &msg,
	})
	s.notify(types.TaskStatusFailed, msg)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("failed to report task %d failed: %w", s.taskID, err))
	}
	return cause
}

func (s *Scope) notify(status types.TaskStatus, errMsg string) {
	if s.observer == nil {
		return
	}
	now := s.now()
	s.observer(types.TaskResult{
		TaskID:    s.taskID,
		Status:    status,
		Timestamp: now,
		Duration:  now.Sub(s.opened).Seconds(),
		Error:     errMsg,
	})
}

// Run opens a scope, runs fn inside it and closes it with fn's outcome. A
// panic in fn is reported as a failure and then re-raised.
func Run(ctx context.Context, cp ControlPlane, taskID int, fn func(context.Context, *Scope) error, opts ...Option) error {
	s, err := Open(ctx, cp, taskID, opts...)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = s.Close(ctx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	return s.Close(ctx, fn(ctx, s))
}

func (s *Scope) TaskID() int {
	return s.taskID
}

func (s *Scope) BaseURL() string {
	return s.cp.BaseURL()
}

// Headers returns authorization headers for extra control-plane calls.
func (s *Scope) Headers(ctx context.Context) (http.Header, error) {
	return s.cp.Headers(ctx)
}

// ControlPlane exposes the scope's authorized session for handlers that
// create resources of their own (e.g. insights).
func (s *Scope) ControlPlane() ControlPlane {
	return s.cp
}

func (s *Scope) AddArtifact(a types.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a)
}

func (s *Scope) Artifacts() []types.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Artifact, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}
