package motor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardhead/cute-cryo/internal/usbproto"
)

func TestRampMotorFromStopIsSingleCommand(t *testing.T) {
	var s Shadows
	cmds := s.RampMotor(0, 200)
	require.Len(t, cmds, 1)
	assert.Equal(t, Command{Motor: 0, Speed: 200}, cmds[0])
}

func TestRampMotorRepeatedTargetIsNoop(t *testing.T) {
	var s Shadows
	require.Len(t, s.RampMotor(1, 200), 1)
	assert.Nil(t, s.RampMotor(1, 200))
}

func TestRampMotorDirectionChangeStopsFirst(t *testing.T) {
	var s Shadows
	require.Len(t, s.RampMotor(2, 200), 1)
	cmds := s.RampMotor(2, -100)
	require.Len(t, cmds, 2)
	assert.Equal(t, Command{Motor: 2, Speed: 0}, cmds[0])
	assert.Equal(t, Command{Motor: 2, Speed: -100}, cmds[1])
}

func TestRampMotorSameDirectionChangeIsSingleCommand(t *testing.T) {
	var s Shadows
	require.Len(t, s.RampMotor(0, 200), 1)
	cmds := s.RampMotor(0, 800)
	require.Len(t, cmds, 1)
	assert.Equal(t, Command{Motor: 0, Speed: 800}, cmds[0])
}

func TestRampMotorToZeroDoesNotStopTwice(t *testing.T) {
	var s Shadows
	require.Len(t, s.RampMotor(0, 200), 1)
	cmds := s.RampMotor(0, 0)
	require.Len(t, cmds, 1)
	assert.Equal(t, Command{Motor: 0, Speed: 0}, cmds[0])
}

func TestCommandItemEncodesRampWireForm(t *testing.T) {
	c := Command{Motor: 1, Speed: -500}
	item := c.Item()
	assert.Equal(t, byte('m'), item.ID)
	assert.Equal(t, "m1 ramp -500", item.Cmd)
}

func TestUpdateFromFeedbackTracksRunning(t *testing.T) {
	var s Shadows
	err := s.UpdateFromFeedback(usbproto.MotorFeedback{Motor: 0, Speed: 200, Position: 1234})
	require.NoError(t, err)
	st := s.State(0)
	assert.EqualValues(t, 200, st.CurrentSpeed)
	assert.EqualValues(t, 1234, st.CurrentPosition)
	assert.True(t, st.Running)
}

func TestUpdateFromFeedbackRejectsOutOfRangeMotor(t *testing.T) {
	var s Shadows
	err := s.UpdateFromFeedback(usbproto.MotorFeedback{Motor: 9})
	assert.Error(t, err)
}

func TestSpeedsSnapshotStructuralEquality(t *testing.T) {
	var a, b Shadows
	a.RampMotor(0, 200)
	b.RampMotor(0, 200)
	assert.Equal(t, a.Speeds(), b.Speeds())
	b.RampMotor(1, 50)
	assert.NotEqual(t, a.Speeds(), b.Speeds())
}
