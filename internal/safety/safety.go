// Package safety implements the interlocks that can preempt the control
// law regardless of its own state: the bad-poll watchdog, limit-switch
// speed overrides, and the motor/stage position consistency check
// (spec.md §4.7, C7). Nothing here talks to the wire; it only decides.
package safety

import (
	"math"

	"github.com/boardhead/cute-cryo/internal/config"
	"github.com/boardhead/cute-cryo/internal/model"
)

// PollWatchdog counts consecutive bad polls and reports when the count
// has reached config.MaxBadPolls, at which point the caller must
// deactivate control (spec.md §4.7).
type PollWatchdog struct {
	badPolls int
}

// RecordGood resets the bad-poll count after a well-formed poll.
func (w *PollWatchdog) RecordGood() {
	w.badPolls = 0
}

// RecordBad increments the bad-poll count and reports whether it has
// reached the deactivation threshold.
func (w *PollWatchdog) RecordBad() (deactivate bool) {
	w.badPolls++
	return w.badPolls >= config.MaxBadPolls
}

// BadPolls returns the current consecutive-bad-poll count.
func (w *PollWatchdog) BadPolls() int {
	return w.badPolls
}

// LimitState holds the last-known value of all limit switches. Switch
// indices are paired per axis: for axis n, index 2n is the top switch and
// 2n+1 is the bottom switch (spec.md §4.7's "odd switches are bottom
// limits, even switches are top limits").
type LimitState struct {
	Switches [model.NumLimitSwitches]model.LimitValue
}

// FailSafeLimits returns the limit state a malformed limit poll forces:
// every switch reported HIT, so the control law can drive no axis in
// either direction until the next well-formed poll (spec.md §4.7).
func FailSafeLimits() LimitState {
	var l LimitState
	for i := range l.Switches {
		l.Switches[i] = model.Hit
	}
	return l
}

// SetFromBits loads a LimitState from a parsed 'g' poll response.
func (l *LimitState) SetFromBits(bits []bool) {
	for i := 0; i < model.NumLimitSwitches && i < len(bits); i++ {
		if bits[i] {
			l.Switches[i] = model.Hit
		} else {
			l.Switches[i] = model.NotHit
		}
	}
}

// TopHit / BottomHit report whether axis's top/bottom limit switch is hit.
func (l LimitState) TopHit(axis int) bool {
	return l.Switches[2*axis] == model.Hit
}

func (l LimitState) BottomHit(axis int) bool {
	return l.Switches[2*axis+1] == model.Hit
}

// FilterSpeed clamps a requested motor speed to zero if it would drive the
// axis further into a hit limit switch (spec.md §4.7): a hit bottom
// switch allows only positive (retreating) speed, a hit top switch allows
// only negative (retreating) speed. blocked reports whether the requested
// speed was overridden.
func (l LimitState) FilterSpeed(axis int, requested int32) (allowed int32, blocked bool) {
	if l.BottomHit(axis) && requested < 0 {
		return 0, true
	}
	if l.TopHit(axis) && requested > 0 {
		return 0, true
	}
	return requested, false
}

// MotorStageConsistent reports whether a motor's reported step position
// agrees with the independently-tracked stage position within
// config.MotorTol millimetres (spec.md §4.7). A mismatch beyond tolerance
// means the motor is no longer trustworthy and forces deactivation
// regardless of anything else the control law is doing.
func MotorStageConsistent(motorPositionSteps int64, stagePositionMM float64) bool {
	motorMM := float64(motorPositionSteps) / config.MotorStepsPerMM
	return math.Abs(motorMM-stagePositionMM) <= config.MotorTol
}
