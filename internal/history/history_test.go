package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardhead/cute-cryo/internal/model"
)

func TestReplayEmptyHistory(t *testing.T) {
	h := New()
	assert.Nil(t, h.Replay(10))
}

func TestReplayReturnsNewestFirst(t *testing.T) {
	h := New()
	h.Add(1000, model.PhysicalState{AirPressure: 1})
	h.Add(2000, model.PhysicalState{AirPressure: 2})
	h.Add(3000, model.PhysicalState{AirPressure: 3})

	got := h.Replay(3)
	require.Len(t, got, 3)
	assert.EqualValues(t, 3, got[0].Time)
	assert.Equal(t, 3.0, got[0].State.AirPressure)
	assert.EqualValues(t, 2, got[1].Time)
	assert.Equal(t, 2.0, got[1].State.AirPressure)
	assert.EqualValues(t, 1, got[2].Time)
	assert.Equal(t, 1.0, got[2].State.AirPressure)
}

func TestReplaySkipsMissedSeconds(t *testing.T) {
	h := New()
	h.Add(1000, model.PhysicalState{AirPressure: 1})
	h.Add(4000, model.PhysicalState{AirPressure: 4}) // seconds 2, 3 missed

	got := h.Replay(10)
	require.Len(t, got, 2)
	assert.EqualValues(t, 4, got[0].Time)
	assert.EqualValues(t, 1, got[1].Time)
}

func TestReplayCapsAtRequestedCount(t *testing.T) {
	h := New()
	for i := int64(1); i <= 5; i++ {
		h.Add(i*1000, model.PhysicalState{AirPressure: float64(i)})
	}
	got := h.Replay(2)
	require.Len(t, got, 2)
	assert.EqualValues(t, 5, got[0].Time)
	assert.EqualValues(t, 4, got[1].Time)
}

func TestAddEvictsOldestAfterCapacity(t *testing.T) {
	h := New()
	for i := int64(1); i <= Capacity+5; i++ {
		h.Add(i*1000, model.PhysicalState{AirPressure: float64(i)})
	}
	got := h.Replay(Capacity + 10)
	assert.Len(t, got, Capacity)
	assert.EqualValues(t, Capacity+5, got[0].Time)
	assert.EqualValues(t, 6, got[len(got)-1].Time)
}
