package bft

import "time"

// TimeoutConfig carries the durations the scheduler needs. ProposeBase
// and ProposeDelta combine as base + delta*round so slower proposers
// get more time in later rounds; Prevote/Precommit are constant.
type TimeoutConfig struct {
	ProposeBase      time.Duration
	ProposeDelta     time.Duration
	PrevoteTimeout   time.Duration
	PrecommitTimeout time.Duration
}

// TimeoutScheduler tracks a single active timer for the current step.
// It does not run a background thread — the service loop polls
// CheckExpired.
type TimeoutScheduler struct {
	config TimeoutConfig

	active      bool
	startedAt   time.Time
	activeStep  Step
	currentRound int32
}

// NewTimeoutScheduler builds a scheduler with the given config.
func NewTimeoutScheduler(config TimeoutConfig) *TimeoutScheduler {
	return &TimeoutScheduler{config: config}
}

// Start arms the timer for the given step and round.
func (t *TimeoutScheduler) Start(step Step, round int32) {
	t.active = true
	t.startedAt = time.Now()
	t.activeStep = step
	t.currentRound = round
}

// Cancel disarms the timer.
func (t *TimeoutScheduler) Cancel() {
	t.active = false
}

// Duration returns the configured timeout for a (step, round) pair.
func (t *TimeoutScheduler) Duration(step Step, round int32) time.Duration {
	switch step {
	case StepPropose, StepNewRound:
		return t.config.ProposeBase + t.config.ProposeDelta*time.Duration(round)
	case StepPrevote:
		return t.config.PrevoteTimeout
	case StepPrecommit:
		return t.config.PrecommitTimeout
	default: // StepCommit
		return 0
	}
}

// CheckExpired returns the step that just expired, or false if no
// timer is active or it hasn't elapsed yet.
func (t *TimeoutScheduler) CheckExpired() (Step, bool) {
	if !t.active {
		return 0, false
	}
	d := t.Duration(t.activeStep, t.currentRound)
	if time.Since(t.startedAt) >= d {
		return t.activeStep, true
	}
	return 0, false
}

// Remaining returns the time left on the active timer, or zero if
// inactive or already expired.
func (t *TimeoutScheduler) Remaining() time.Duration {
	if !t.active {
		return 0
	}
	d := t.Duration(t.activeStep, t.currentRound)
	elapsed := time.Since(t.startedAt)
	if elapsed >= d {
		return 0
	}
	return d - elapsed
}

// ActiveStep reports the step currently armed, if any.
func (t *TimeoutScheduler) ActiveStep() (Step, bool) {
	if !t.active {
		return 0, false
	}
	return t.activeStep, true
}

// CurrentRound reports the round the active timer was armed for.
func (t *TimeoutScheduler) CurrentRound() int32 { return t.currentRound }

// UpdateConfig swaps in a new timeout configuration (e.g. after an
// epoch change); it does not affect an already-armed timer's duration
// retroactively beyond the next Duration() call.
func (t *TimeoutScheduler) UpdateConfig(config TimeoutConfig) {
	t.config = config
}
