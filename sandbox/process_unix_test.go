//go:build !windows

package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandTimeoutKillsProcessGroup(t *testing.T) {
	e := newTestExecutor(t)

	start := time.Now()
	res, err := e.RunCommand(context.Background(), "sleep 100", time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 5*time.Second)

	require.NotZero(t, res.PID)
	assert.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(-res.PID, 0), syscall.ESRCH)
	}, 2*time.Second, 50*time.Millisecond, "process group %d still alive", res.PID)
}

func TestRunCommandTimeoutKillsGrandchildren(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("requires /proc to tell zombies from live processes")
	}
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	e := newTestExecutor(t, WithWorkingDir(dir))

	res, err := e.RunCommand(context.Background(), "sleep 100 & echo $! > child.pid; wait", time.Second)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	// The background sleep shares the shell's process group and must be gone.
	assert.Eventually(t, func() bool { return processDead(pid) }, 2*time.Second, 50*time.Millisecond)
}

// processDead reports whether pid no longer runs. An orphaned child that was
// killed may linger as a zombie until init reaps it; that counts as dead.
func processDead(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return os.IsNotExist(err)
	}
	// Format: pid (comm) state ...
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func TestKillProcessGroupMissing(t *testing.T) {
	// A pid far above any realistic pid_max has no process group.
	assert.ErrorIs(t, killProcessGroup(1<<30), os.ErrProcessDone)
}
