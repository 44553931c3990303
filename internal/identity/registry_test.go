package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardhead/cute-cryo/internal/model"
	"github.com/boardhead/cute-cryo/internal/usbdevice"
)

func testExpected() map[int]string {
	return map[int]string{
		0: "serial-0",
		1: "serial-1",
	}
}

func TestAttachAllocatesHoldingSlotAboveRoleSlots(t *testing.T) {
	r := NewRegistry(testExpected())
	h := &usbdevice.Handle{}
	slot := r.Attach(h)
	assert.Equal(t, 2, slot.Index)
	assert.Equal(t, model.LivenessUnknownSerial, slot.Liveness)
}

func TestIdentifyMatchingSerialRehomesToRoleSlot(t *testing.T) {
	r := NewRegistry(testExpected())
	h := &usbdevice.Handle{}
	hold := r.Attach(h)

	result, err := r.Identify(hold.Index, "serial-0")
	require.NoError(t, err)
	assert.True(t, result.Identified)
	require.NotNil(t, result.RoleSlot)
	assert.Equal(t, 0, result.RoleSlot.Index)
	assert.Nil(t, r.Slot(hold.Index))
	assert.Equal(t, 1, r.FoundCount())
}

func TestIdentifyUnknownSerialMarksForeign(t *testing.T) {
	r := NewRegistry(testExpected())
	h := &usbdevice.Handle{}
	hold := r.Attach(h)

	result, err := r.Identify(hold.Index, "unknown-serial")
	require.NoError(t, err)
	assert.True(t, result.Foreign)
	assert.NotNil(t, r.Slot(hold.Index)) // still held pending watchdog-disable ack
}

func TestReleaseForeignFreesHoldingSlot(t *testing.T) {
	r := NewRegistry(testExpected())
	h := &usbdevice.Handle{}
	hold := r.Attach(h)
	r.Identify(hold.Index, "unknown-serial")

	r.ReleaseForeign(hold.Index)
	assert.Nil(t, r.Slot(hold.Index))
}

func TestIdentifyDisplacesPreviousOccupant(t *testing.T) {
	r := NewRegistry(testExpected())
	h1 := &usbdevice.Handle{}
	hold1 := r.Attach(h1)
	r.Identify(hold1.Index, "serial-0")

	h2 := &usbdevice.Handle{}
	hold2 := r.Attach(h2)
	result, err := r.Identify(hold2.Index, "serial-0")
	require.NoError(t, err)
	assert.True(t, result.Identified)
	assert.Equal(t, h1, result.DisplacedHandle)
	assert.Equal(t, h2, r.Slot(0).Handle)
}

func TestDetachFreesRoleSlotButKeepsItsRecord(t *testing.T) {
	r := NewRegistry(testExpected())
	h := &usbdevice.Handle{}
	hold := r.Attach(h)
	r.Identify(hold.Index, "serial-0")

	slot, ok := r.Detach(h)
	require.True(t, ok)
	assert.Equal(t, 0, slot.Index)
	assert.False(t, r.Slot(0).Occupied())
	assert.Equal(t, "serial-0", r.Slot(0).ExpectedSerial)
}

func TestDetachUnknownHandleIsNoop(t *testing.T) {
	r := NewRegistry(testExpected())
	_, ok := r.Detach(&usbdevice.Handle{})
	assert.False(t, ok)
}

func TestFoundCountCountsOnlyOccupiedRoleSlots(t *testing.T) {
	r := NewRegistry(testExpected())
	assert.Equal(t, 0, r.FoundCount())
	h := &usbdevice.Handle{}
	hold := r.Attach(h)
	r.Identify(hold.Index, "serial-0")
	assert.Equal(t, 1, r.FoundCount())
}
