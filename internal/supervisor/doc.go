// Package supervisor keeps a Server's worker processes alive.
//
// Each shard range gets one Handle, which is a suture.Service under a single
// suture tree. Every Serve call launches one incarnation of the worker,
// waits for it, and decides what happens next:
//
//	exit 0 or Stop requested  -> exited, suture.ErrDoNotRestart
//	crash, under the ceiling  -> backoff (1s, 2s, 4s ... capped) then restart
//	crash, over the ceiling   -> degraded, OnDegraded fires, suture.ErrDoNotRestart
//
// The per-range backoff comes from retry.Policy and is slept at the start of
// the next Serve. suture's own failure threshold only guards against crash
// storms across the whole tree. Restarts are logged and counted from suture's
// EventHook.
//
// A run that lasts longer than Options.ResetAfter clears the crash count, so
// a worker that fails once a day is not eventually marked degraded.
//
// Launching is behind the Launcher interface: ExecLauncher starts real
// processes and InProcessLauncher runs workers as goroutines.
package supervisor
