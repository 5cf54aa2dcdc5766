package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStreamsLinesInOrder(t *testing.T) {
	var lines []string
	res, err := Run("sh", []string{"-c", "echo one; echo two; echo three"}, Options{
		Sink: func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
	assert.Equal(t, []string{"one", "two", "three"}, res.Tail)
}

func TestRunCapturesStderrInTail(t *testing.T) {
	res, err := Run("sh", []string{"-c", "echo out; echo err >&2; exit 4"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)
	assert.Contains(t, res.Tail, "out")
	assert.Contains(t, res.Tail, "err")
}

func TestRunBoundsTail(t *testing.T) {
	res, err := Run("sh", []string{"-c", "for i in $(seq 1 50); do echo line$i; done"}, Options{
		TailLines: 5,
	})
	require.NoError(t, err)
	require.Len(t, res.Tail, 5)
	assert.Equal(t, "line46", res.Tail[0])
	assert.Equal(t, "line50", res.Tail[4])
}

func TestRunMissingToolFailsToStart(t *testing.T) {
	_, err := Run("definitely-not-a-real-tool-xyz", nil, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartFailed)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	res, err := Run("sleep", []string{"30"}, Options{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCancelTerminatesProcessGroup(t *testing.T) {
	c, err := Start("sh", []string{"-c", "sleep 30"}, Options{KillGrace: time.Second})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		c.Cancel()
	}()

	start := time.Now()
	res := c.Wait()
	assert.True(t, res.Cancelled)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestAwaitConditionMetWhileRunning(t *testing.T) {
	c, err := Start("sleep", []string{"30"}, Options{})
	require.NoError(t, err)
	defer func() {
		c.Cancel()
		c.Wait()
	}()

	calls := 0
	outcome := c.AwaitCondition(func() bool {
		calls++
		return calls >= 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ConditionMet, outcome)
}

func TestAwaitConditionExitedEarly(t *testing.T) {
	c, err := Start("sh", []string{"-c", "echo boom >&2; exit 1"}, Options{})
	require.NoError(t, err)

	outcome := c.AwaitCondition(func() bool { return false }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ExitedEarly, outcome)
	res := c.Wait()
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Tail, "boom")
}

func TestAwaitConditionGraceExpired(t *testing.T) {
	c, err := Start("sleep", []string{"30"}, Options{})
	require.NoError(t, err)
	defer func() {
		c.Cancel()
		c.Wait()
	}()

	outcome := c.AwaitCondition(func() bool { return false }, 150*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, GraceExpired, outcome)
}

// Exit status of a daemonizing parent must not decide success: condition met
// right after the parent exits nonzero still reports ConditionMet.
func TestAwaitConditionMetDespiteNonzeroParentExit(t *testing.T) {
	c, err := Start("sh", []string{"-c", "exit 2"}, Options{})
	require.NoError(t, err)

	// Condition flips true on the second probe, after the parent is gone.
	calls := 0
	outcome := c.AwaitCondition(func() bool {
		calls++
		return calls >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ConditionMet, outcome)
}

func TestTimerFiringAfterCleanExitIsNotATimeout(t *testing.T) {
	cmd, err := Start("sh", []string{"-c", "exit 0"}, Options{Timeout: 300 * time.Millisecond})
	require.NoError(t, err)

	// Let the deadline pass well after the process has exited, so the
	// timer fires against an already-reaped process.
	time.Sleep(600 * time.Millisecond)

	res := cmd.Wait()
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut, "a process that exited before the deadline must not be reported as timed out")
}
