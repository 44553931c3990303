package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/boardhead/cute-cryo/internal/config"
	"github.com/boardhead/cute-cryo/internal/model"
)

func TestPollWatchdogDeactivatesAtThreshold(t *testing.T) {
	var w PollWatchdog
	for i := 1; i < config.MaxBadPolls; i++ {
		assert.False(t, w.RecordBad(), "should not deactivate before threshold, attempt %d", i)
	}
	assert.True(t, w.RecordBad())
}

func TestPollWatchdogResetsOnGoodPoll(t *testing.T) {
	var w PollWatchdog
	w.RecordBad()
	w.RecordBad()
	w.RecordGood()
	assert.Equal(t, 0, w.BadPolls())
	for i := 1; i < config.MaxBadPolls; i++ {
		assert.False(t, w.RecordBad())
	}
	assert.True(t, w.RecordBad())
}

func TestFailSafeLimitsAreAllHit(t *testing.T) {
	l := FailSafeLimits()
	for i, v := range l.Switches {
		assert.Equal(t, model.Hit, v, "switch %d", i)
	}
}

func TestFilterSpeedBlocksIntoHitBottomSwitch(t *testing.T) {
	var l LimitState
	l.SetFromBits([]bool{false, true, false, false, false, false}) // axis 0 bottom hit
	allowed, blocked := l.FilterSpeed(0, -100)
	assert.True(t, blocked)
	assert.EqualValues(t, 0, allowed)

	allowed, blocked = l.FilterSpeed(0, 100)
	assert.False(t, blocked)
	assert.EqualValues(t, 100, allowed)
}

func TestFilterSpeedBlocksIntoHitTopSwitch(t *testing.T) {
	var l LimitState
	l.SetFromBits([]bool{true, false, false, false, false, false}) // axis 0 top hit
	allowed, blocked := l.FilterSpeed(0, 100)
	assert.True(t, blocked)
	assert.EqualValues(t, 0, allowed)

	allowed, blocked = l.FilterSpeed(0, -100)
	assert.False(t, blocked)
	assert.EqualValues(t, -100, allowed)
}

func TestFilterSpeedUnaffectedWhenNoSwitchHit(t *testing.T) {
	var l LimitState
	allowed, blocked := l.FilterSpeed(1, -500)
	assert.False(t, blocked)
	assert.EqualValues(t, -500, allowed)
}

func TestMotorStageConsistentWithinTolerance(t *testing.T) {
	stageMM := 1.0
	motorSteps := int64(stageMM * config.MotorStepsPerMM)
	assert.True(t, MotorStageConsistent(motorSteps, stageMM))
}

func TestMotorStageInconsistentBeyondTolerance(t *testing.T) {
	stageMM := 1.0
	driftSteps := int64((config.MotorTol + 0.2) * config.MotorStepsPerMM)
	motorSteps := int64(stageMM*config.MotorStepsPerMM) + driftSteps
	assert.False(t, MotorStageConsistent(motorSteps, stageMM))
}
