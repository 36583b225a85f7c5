/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package process manages child process lifecycle. Processes started through
// an Executor are tied to a context: when the context is cancelled, the
// process is terminated.
package process

import (
	"context"
	"errors"
	"os/exec"

	"github.com/go-logr/logr"

	"github.com/pbrilius/nuclide/pkg/syncmap"
)

// UnknownExitCode is reported when the exit code could not be captured.
const UnknownExitCode int32 = -1

// ErrProcessNotFound is returned by StopProcess when the PID is not tracked
// by this executor.
var ErrProcessNotFound = errors.New("process not found")

// Executor starts and stops child processes.
type Executor interface {
	// StartProcess starts the process described by cmd.
	// When ctx is cancelled the process is killed automatically.
	// The returned startWaitForExit function must be called to enable exit
	// notifications delivered to exitHandler; it may be called at most once.
	StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ExitHandler) (pid int32, startWaitForExit func(), err error)

	// StopProcess kills the process with the given PID.
	StopProcess(pid int32) error
}

// ExitHandler receives process exit notifications.
// If err is nil the exit code was captured and exitCode is valid.
type ExitHandler interface {
	OnProcessExited(pid int32, exitCode int32, err error)
}

// ExitHandlerFunc adapts a function to the ExitHandler interface.
type ExitHandlerFunc func(pid int32, exitCode int32, err error)

func (f ExitHandlerFunc) OnProcessExited(pid int32, exitCode int32, err error) {
	f(pid, exitCode, err)
}

type osExecutor struct {
	log     logr.Logger
	running syncmap.Map[int32, *exec.Cmd]
}

// NewOSExecutor returns an Executor backed by the operating system.
func NewOSExecutor(log logr.Logger) Executor {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &osExecutor{log: log}
}

func (e *osExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ExitHandler) (int32, func(), error) {
	if startErr := cmd.Start(); startErr != nil {
		return 0, nil, startErr
	}

	pid := int32(cmd.Process.Pid)
	e.running.Store(pid, cmd)
	e.log.V(1).Info("Started process", "pid", pid, "path", cmd.Path)

	// Kill the process when the context is cancelled. The exited channel
	// keeps this goroutine from outliving the process.
	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if killErr := cmd.Process.Kill(); killErr != nil {
				e.log.V(1).Info("Failed to kill process on context cancellation", "pid", pid, "error", killErr)
			}
		case <-exited:
		}
	}()

	startWaitForExit := func() {
		go func() {
			waitErr := cmd.Wait()
			close(exited)
			e.running.Delete(pid)

			exitCode := UnknownExitCode
			if cmd.ProcessState != nil {
				exitCode = int32(cmd.ProcessState.ExitCode())
			}

			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				// Abnormal exit is still a captured exit, not a tracking failure.
				waitErr = nil
			}

			if exitHandler != nil {
				exitHandler.OnProcessExited(pid, exitCode, waitErr)
			}
		}()
	}

	return pid, startWaitForExit, nil
}

func (e *osExecutor) StopProcess(pid int32) error {
	cmd, ok := e.running.Load(pid)
	if !ok {
		return ErrProcessNotFound
	}

	e.log.V(1).Info("Stopping process", "pid", pid)
	return cmd.Process.Kill()
}
