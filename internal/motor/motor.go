// Package motor tracks the shadow state of the three lab-jack motors and
// implements RampMotor, the single entry point through which anything else
// in the supervisor changes a motor's commanded speed (spec.md §4.5, C5).
package motor

import (
	"fmt"

	"github.com/boardhead/cute-cryo/internal/model"
	"github.com/boardhead/cute-cryo/internal/usbproto"
)

// Command is one "set motor N to speed S" instruction ready to be encoded
// onto the wire. RampMotor may return zero, one, or two of these for a
// single call (spec.md §4.5: a direction reversal is stop-then-reverse,
// two wire commands, never a single jump across zero).
type Command struct {
	Motor int
	Speed int32
}

// Item converts a Command to the wire-protocol request fragment for it.
func (c Command) Item() usbproto.Item {
	return usbproto.Item{ID: 'm', Cmd: fmt.Sprintf("m%d ramp %d", c.Motor, c.Speed)}
}

// Shadows holds the supervisor's last-known and last-commanded state for
// each of the three motors. Not safe for concurrent use; owned by the
// engine loop.
type Shadows struct {
	states [model.NumAxes]model.MotorState
}

// State returns the current shadow for motor n.
func (s *Shadows) State(n int) model.MotorState {
	return s.states[n]
}

// UpdateFromFeedback applies an 'f' response's parsed motor feedback to the
// matching shadow.
func (s *Shadows) UpdateFromFeedback(fb usbproto.MotorFeedback) error {
	if fb.Motor < 0 || fb.Motor >= model.NumAxes {
		return fmt.Errorf("motor: feedback for out-of-range motor %d", fb.Motor)
	}
	st := &s.states[fb.Motor]
	st.CurrentSpeed = fb.Speed
	st.CurrentPosition = fb.Position
	st.Running = fb.Speed != 0
	return nil
}

// SeedPosition sets a motor's shadow position directly, used when
// activating control to align the shadow to the observed stage position
// before the first ramp command (spec.md §4.8).
func (s *Shadows) SeedPosition(n int, position int64) {
	s.states[n].CurrentPosition = position
}

// Speeds returns the three motors' last-commanded target speeds as a
// structured, directly-comparable value. Comparing two Speeds snapshots
// with == replaces the teacher's stringly-typed comparison (spec.md's
// redesign note): Go array equality already does an exact element-wise
// compare, so there is nothing to format into a string first.
func (s *Shadows) Speeds() [model.NumAxes]int32 {
	var out [model.NumAxes]int32
	for i := range s.states {
		out[i] = s.states[i].TargetSpeed
	}
	return out
}

func signOf(v int32) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// RampMotor changes motor n's commanded target speed to target, returning
// the wire commands needed to do so.
//
// Per spec.md §4.5:
//   - Repeating the same target is a no-op (idempotent): RampMotor issued
//     twice in a row for the same target produces no second wire command.
//   - Reversing direction while running (nonzero current target, opposite
//     sign new target) always stops first: two commands, speed 0 then the
//     new target, never a single command that jumps across zero.
//   - Any other change (including starting from a stop, or ramping within
//     the same direction) is a single command.
func (s *Shadows) RampMotor(n int, target int32) []Command {
	st := &s.states[n]
	if st.TargetSpeed == target {
		return nil
	}

	var cmds []Command
	if target != 0 && st.TargetSpeed != 0 && signOf(st.TargetSpeed) != signOf(target) {
		cmds = append(cmds, Command{Motor: n, Speed: 0})
	}
	cmds = append(cmds, Command{Motor: n, Speed: target})
	st.TargetSpeed = target
	return cmds
}
