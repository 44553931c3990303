package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardhead/cute-cryo/internal/config"
	"github.com/boardhead/cute-cryo/internal/model"
	"github.com/boardhead/cute-cryo/internal/motor"
	"github.com/boardhead/cute-cryo/internal/safety"
)

func newTestController() (*Controller, *motor.Shadows) {
	shadows := &motor.Shadows{}
	return NewController(shadows), shadows
}

func TestOffAxisNeverMoves(t *testing.T) {
	c, _ := newTestController()
	ps := model.PhysicalState{
		DamperLoad:      [model.NumAxes]float64{1000, 1000, 1000}, // wildly overloaded
		DamperAddWeight: [model.NumAxes]float64{0, 0, 0},
	}
	cmds := c.Step(ps, safety.LimitState{})
	assert.Empty(t, cmds)
}

func TestActivateSeedsPositionAndStarts(t *testing.T) {
	c, shadows := newTestController()
	c.Activate(0, 2.5)
	assert.Equal(t, model.Starting, c.Activation(0))
	assert.EqualValues(t, int64(2.5*config.MotorStepsPerMM), shadows.State(0).CurrentPosition)
}

func TestActivateTwiceIsNoop(t *testing.T) {
	c, _ := newTestController()
	c.Activate(0, 1.0)
	c.Activate(0, 99.0) // should be ignored, already Starting
	assert.Equal(t, model.Starting, c.Activation(0))
}

func TestOverloadDrivesFastRetract(t *testing.T) {
	c, _ := newTestController()
	c.Activate(0, config.PositionNom)
	ps := model.PhysicalState{
		DamperLoad:      [model.NumAxes]float64{config.LoadMax + config.LoadTol + 1, 0, 0},
		DamperAddWeight: [model.NumAxes]float64{0, 0, 0},
		DamperPosition:  [model.NumAxes]float64{config.PositionNom + config.PositionFast + 0.1, 0, 0},
	}
	cmds := c.Step(ps, safety.LimitState{})
	require.Len(t, cmds, 1)
	assert.EqualValues(t, -config.MotorFast, cmds[0].Speed)
}

func TestUnderloadDrivesFastExtend(t *testing.T) {
	c, _ := newTestController()
	c.Activate(0, config.PositionNom)
	ps := model.PhysicalState{
		DamperLoad:      [model.NumAxes]float64{config.LoadMin - config.LoadTol - 1, 0, 0},
		DamperAddWeight: [model.NumAxes]float64{0, 0, 0},
		DamperPosition:  [model.NumAxes]float64{config.PositionNom - config.PositionFast - 0.1, 0, 0},
	}
	cmds := c.Step(ps, safety.LimitState{})
	require.Len(t, cmds, 1)
	assert.EqualValues(t, config.MotorFast, cmds[0].Speed)
}

func TestInBandStartingPromotesToOnAndHolds(t *testing.T) {
	c, _ := newTestController()
	c.Activate(0, config.PositionNom)
	ps := model.PhysicalState{
		DamperLoad:      [model.NumAxes]float64{config.LoadNom, 0, 0},
		DamperAddWeight: [model.NumAxes]float64{0, 0, 0},
		DamperPosition:  [model.NumAxes]float64{config.PositionNom, 0, 0},
	}
	cmds := c.Step(ps, safety.LimitState{})
	assert.Empty(t, cmds) // speed 0, RampMotor no-ops from initial 0
	assert.Equal(t, model.On, c.Activation(0))
}

func TestPositionHysteresisMediumTier(t *testing.T) {
	c, _ := newTestController()
	c.Activate(0, config.PositionNom)
	ps := model.PhysicalState{
		DamperLoad:      [model.NumAxes]float64{config.LoadNom, 0, 0},
		DamperAddWeight: [model.NumAxes]float64{0, 0, 0},
		DamperPosition:  [model.NumAxes]float64{config.PositionNom + config.PositionTol + 0.01, 0, 0},
	}
	cmds := c.Step(ps, safety.LimitState{})
	require.Len(t, cmds, 1)
	assert.EqualValues(t, -config.MotorMed, cmds[0].Speed)
}

func TestLimitSwitchOverridesControlLawOutput(t *testing.T) {
	c, _ := newTestController()
	c.Activate(0, config.PositionNom)
	ps := model.PhysicalState{
		DamperLoad:      [model.NumAxes]float64{config.LoadMax + config.LoadTol + 1, 0, 0},
		DamperAddWeight: [model.NumAxes]float64{0, 0, 0},
		DamperPosition:  [model.NumAxes]float64{config.PositionNom, 0, 0},
	}
	var limits safety.LimitState
	limits.SetFromBits([]bool{false, true, false, false, false, false}) // axis 0 bottom hit, blocks negative speed
	cmds := c.Step(ps, limits)
	assert.Empty(t, cmds) // -MotorSlow requested but blocked to 0, which is a no-op from initial 0
}

func TestDeactivateAllHaltsEveryRunningAxis(t *testing.T) {
	c, shadows := newTestController()
	c.Activate(0, config.PositionNom)
	c.Activate(1, config.PositionNom)
	shadows.RampMotor(0, 500)
	shadows.RampMotor(1, -500)

	cmds := c.DeactivateAll()
	assert.Equal(t, model.Off, c.Activation(0))
	assert.Equal(t, model.Off, c.Activation(1))
	require.Len(t, cmds, 2)
	for _, cmd := range cmds {
		assert.EqualValues(t, 0, cmd.Speed)
	}
}
