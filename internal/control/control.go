// Package control implements the three-axis vibration-isolation control
// law (spec.md §4.8, C8): for each damper, decide a target motor speed
// from its current load and position, subject to the limit-switch
// interlocks in internal/safety.
package control

import (
	"math"

	"github.com/boardhead/cute-cryo/internal/config"
	"github.com/boardhead/cute-cryo/internal/model"
	"github.com/boardhead/cute-cryo/internal/motor"
	"github.com/boardhead/cute-cryo/internal/safety"
)

// Controller runs the per-axis decision table and turns its verdicts into
// motor commands, respecting limit-switch overrides. Not safe for
// concurrent use; owned by the engine loop.
type Controller struct {
	activation [model.NumAxes]model.Activation
	motors     *motor.Shadows
}

// NewController wires a Controller to the motor shadow state it commands.
func NewController(motors *motor.Shadows) *Controller {
	return &Controller{motors: motors}
}

// Activation reports axis's current activation state.
func (c *Controller) Activation(axis int) model.Activation {
	return c.activation[axis]
}

// AnyActive reports whether any axis is currently On or Starting.
func (c *Controller) AnyActive() bool {
	for axis := 0; axis < model.NumAxes; axis++ {
		if c.activation[axis] != model.Off {
			return true
		}
	}
	return false
}

// Activate transitions axis from Off to Starting and seeds the motor
// shadow's position to stagePositionMM * config.MotorStepsPerMM. It changes
// only server-side state: it issues no wire command, so the device's
// position counter is not written and the windings are not energized, and
// it does not check whether slot 0 is present.
func (c *Controller) Activate(axis int, stagePositionMM float64) {
	if c.activation[axis] != model.Off {
		return
	}
	c.motors.SeedPosition(axis, int64(stagePositionMM*config.MotorStepsPerMM))
	c.activation[axis] = model.Starting
}

// Deactivate immediately halts axis and returns it to Off. Used both by
// operator command and by the safety interlocks (spec.md §4.7's
// deactivation procedure).
func (c *Controller) Deactivate(axis int) []motor.Command {
	c.activation[axis] = model.Off
	return c.motors.RampMotor(axis, 0)
}

// DeactivateAll halts every axis, used by the bad-poll watchdog and the
// motor/stage consistency check (spec.md §4.7).
func (c *Controller) DeactivateAll() []motor.Command {
	var cmds []motor.Command
	for axis := 0; axis < model.NumAxes; axis++ {
		cmds = append(cmds, c.Deactivate(axis)...)
	}
	return cmds
}

// signOf reports the sign of v as -1, 0, or +1.
func signOf(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// speedTier picks the speed magnitude for a drive decision from how far
// position is from nominal (spec.md §4.8's tier table):
//
//	> kPositionFast -> kMotorFast
//	> kPositionTol  -> kMotorMed
//	else            -> kMotorSlow
func speedTier(position float64) int32 {
	delta := math.Abs(position - config.PositionNom)
	switch {
	case delta > config.PositionFast:
		return config.MotorFast
	case delta > config.PositionTol:
		return config.MotorMed
	default:
		return config.MotorSlow
	}
}

// decideSpeed runs the per-axis decision table (spec.md §4.8) and returns
// the signed speed the axis should be commanded to. spd is the axis's
// current commanded speed, consulted by the direction-hysteresis rules
// (5/6) below.
//
// Rule order:
//  1. Off axes never move.
//  2. Overload (load > kLoadMax): drive to retract (-1).
//  3. Underload (load < kLoadMin): drive to extend (+1).
//  4. Position low within load margin (pos < nom-tol AND load <
//     kLoadMax-kLoadTol): drive to extend.
//  5. Position high within load margin (pos > nom+tol AND load >
//     kLoadMin+kLoadTol): drive to retract.
//  6. Currently driving up: stop once at/above nominal or load is near
//     max, otherwise keep driving up.
//  7. Currently driving down: symmetric to 6.
//  8. Starting (not yet moving): force motion by the sign of pos-nominal,
//     even within tolerance.
//  9. Otherwise: hold (drive 0).
func decideSpeed(activation model.Activation, spd int32, load, position float64) int32 {
	if activation == model.Off {
		return 0
	}

	var drive int
	switch {
	case load > config.LoadMax:
		drive = -1
	case load < config.LoadMin:
		drive = 1
	case position < config.PositionNom-config.PositionTol && load < config.LoadMax-config.LoadTol:
		drive = 1
	case position > config.PositionNom+config.PositionTol && load > config.LoadMin+config.LoadTol:
		drive = -1
	case spd > 0:
		if position >= config.PositionNom || load >= config.LoadMax-config.LoadTol {
			drive = 0
		} else {
			drive = 1
		}
	case spd < 0:
		if position <= config.PositionNom || load <= config.LoadMin+config.LoadTol {
			drive = 0
		} else {
			drive = -1
		}
	case activation == model.Starting:
		drive = signOf(position - config.PositionNom)
	default:
		drive = 0
	}

	if drive == 0 {
		return 0
	}
	return int32(drive) * speedTier(position)
}

// Step evaluates the decision table for every active axis, applies the
// limit-switch overrides, and issues the resulting motor commands. A
// Starting axis always demotes to On after its one tick (spec.md §4.8:
// "after processing all three axes, if active == STARTING, transition to
// ON"), regardless of which rule decided its speed.
func (c *Controller) Step(ps model.PhysicalState, limits safety.LimitState) []motor.Command {
	var cmds []motor.Command
	for axis := 0; axis < model.NumAxes; axis++ {
		activation := c.activation[axis]
		if activation == model.Off {
			continue
		}
		spd := c.motors.State(axis).TargetSpeed
		speed := decideSpeed(activation, spd, ps.DamperLoad[axis], ps.DamperPosition[axis])
		if activation == model.Starting {
			c.activation[axis] = model.On
		}

		speed, _ = limits.FilterSpeed(axis, speed)
		cmds = append(cmds, c.motors.RampMotor(axis, speed)...)
	}
	return cmds
}
