/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import (
	"context"
	"os"
	"os/exec"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/pbrilius/nuclide/pkg/process"
)

// warmupProcess is the child process behind the dummy connection. Its only
// purpose is to make the remote runtime fully initialize so the first real
// breakpoint hit has complete symbol information. Spawned on Listen, killed
// on Dispose.
type warmupProcess struct {
	executor process.Executor
	pid      int32
	log      logr.Logger
	stopped  atomic.Bool
}

// startWarmup spawns the warm-up command. The IDE key is passed through the
// environment so the resulting connection can be classified as the dummy.
// The process lifetime is additionally bounded by ctx through the executor.
func startWarmup(ctx context.Context, executor process.Executor, command []string, ideKey string, log logr.Logger) (*warmupProcess, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(),
		"DBGP_IDEKEY="+ideKey,
		"XDEBUG_CONFIG=idekey="+ideKey,
	)

	w := &warmupProcess{executor: executor, log: log}

	exitHandler := process.ExitHandlerFunc(func(pid int32, exitCode int32, err error) {
		w.stopped.Store(true)
		if err != nil {
			log.V(1).Info("Warm-up process tracking failed", "pid", pid, "error", err)
			return
		}
		log.V(1).Info("Warm-up process exited", "pid", pid, "exitCode", exitCode)
	})

	pid, startWaitForExit, startErr := executor.StartProcess(ctx, cmd, exitHandler)
	if startErr != nil {
		return nil, startErr
	}
	startWaitForExit()

	w.pid = pid
	log.Info("Started warm-up process", "pid", pid, "command", command[0])
	return w, nil
}

// Kill force-terminates the warm-up process. Safe to call after the process
// has already exited.
func (w *warmupProcess) Kill() {
	if w.stopped.Swap(true) {
		return
	}
	if stopErr := w.executor.StopProcess(w.pid); stopErr != nil {
		w.log.V(1).Info("Failed to stop warm-up process", "pid", w.pid, "error", stopErr)
	}
}
