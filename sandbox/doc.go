// Package sandbox runs shell commands and code snippets on the local machine
// with a hard wall-clock timeout and a destructive-operation denylist.
//
// Each process is started in its own process group. On timeout or context
// cancellation the entire group receives SIGKILL, so a shell that forked
// background children cannot outlive its deadline. Output is captured into
// separate, size-capped stdout and stderr buffers, and variables that look
// like secrets are removed from the child environment.
//
// This is not an OS-level sandbox: there is no filesystem, network, or
// syscall isolation. The denylist only refuses a small set of operations that
// would destroy the host (recursive root deletes, raw disk writes, filesystem
// formats, partition-table edits, fork bombs).
//
//	exec := sandbox.New(sandbox.WithWorkingDir("/tmp/work"))
//	res, err := exec.RunCommand(ctx, "ls -la", 10*time.Second)
package sandbox
