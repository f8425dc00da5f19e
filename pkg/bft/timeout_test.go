package bft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() TimeoutConfig {
	return TimeoutConfig{
		ProposeBase:      30 * time.Millisecond,
		ProposeDelta:     5 * time.Millisecond,
		PrevoteTimeout:   20 * time.Millisecond,
		PrecommitTimeout: 20 * time.Millisecond,
	}
}

func TestProposeTimeoutIncreasesWithRound(t *testing.T) {
	sched := NewTimeoutScheduler(testConfig())
	d0 := sched.Duration(StepPropose, 0)
	d1 := sched.Duration(StepPropose, 1)
	assert.Greater(t, d1, d0)
}

func TestPrevoteTimeoutConstant(t *testing.T) {
	sched := NewTimeoutScheduler(testConfig())
	assert.Equal(t, sched.Duration(StepPrevote, 0), sched.Duration(StepPrevote, 5))
}

func TestCommitHasZeroTimeout(t *testing.T) {
	sched := NewTimeoutScheduler(testConfig())
	assert.Equal(t, time.Duration(0), sched.Duration(StepCommit, 0))
}

func TestNoActiveTimeoutInitially(t *testing.T) {
	sched := NewTimeoutScheduler(testConfig())
	_, ok := sched.CheckExpired()
	assert.False(t, ok)
}

func TestStartAndCancel(t *testing.T) {
	sched := NewTimeoutScheduler(testConfig())
	sched.Start(StepPrevote, 0)
	step, ok := sched.ActiveStep()
	assert.True(t, ok)
	assert.Equal(t, StepPrevote, step)

	sched.Cancel()
	_, ok = sched.ActiveStep()
	assert.False(t, ok)
}

func TestTimeoutExpires(t *testing.T) {
	sched := NewTimeoutScheduler(testConfig())
	sched.Start(StepPrevote, 0)
	time.Sleep(25 * time.Millisecond)
	step, ok := sched.CheckExpired()
	assert.True(t, ok)
	assert.Equal(t, StepPrevote, step)
}

func TestRemainingDecreases(t *testing.T) {
	sched := NewTimeoutScheduler(testConfig())
	sched.Start(StepPrevote, 0)
	r0 := sched.Remaining()
	time.Sleep(5 * time.Millisecond)
	r1 := sched.Remaining()
	assert.Less(t, r1, r0)
}
