// Package model defines the data-model types shared across the cute-cryo
// supervisory server: controller slots, raw ADC samples, derived physical
// state, motor shadow state, limit switches, and the observer/activation
// enums.
package model

import "fmt"

// NumAxes is the number of damper/stage axes the platform supports.
const NumAxes = 3

// NumADCChannels is the number of channels the ADC reports per sample.
const NumADCChannels = 8

// NumLimitSwitches is the number of limit switches (two per axis: top,
// bottom).
const NumLimitSwitches = 2 * NumAxes

// Liveness describes what the server currently believes about the
// controller occupying a slot.
type Liveness int

const (
	// LivenessAbsent means no device currently occupies the slot.
	LivenessAbsent Liveness = iota
	// LivenessUnknownSerial means a device is attached but has not yet
	// reported (or reported a serial the registry does not recognize).
	LivenessUnknownSerial
	// LivenessOK means the device identified itself and is responding.
	LivenessOK
)

// String implements fmt.Stringer.
func (l Liveness) String() string {
	switch l {
	case LivenessAbsent:
		return "absent"
	case LivenessUnknownSerial:
		return "unknown-serial"
	case LivenessOK:
		return "ok"
	default:
		return fmt.Sprintf("Liveness(%d)", int(l))
	}
}

// ControllerSlot is a logical position (0..N-1) that a physical USB
// controller can occupy. Slot 0 owns the motors and limit switches. Slot 1
// is reserved. Slots >=2 are holding positions for devices not yet
// identified.
type ControllerSlot struct {
	Index int

	// ExpectedSerial is the serial number this role slot expects, empty
	// for holding slots (index >= 2).
	ExpectedSerial string

	// CurrentSerial is the serial number of the device occupying the slot,
	// if known.
	CurrentSerial string

	// Handle is an opaque transport handle (the USB device/endpoint pair);
	// nil when the slot is empty.
	Handle interface{}

	Liveness Liveness

	// Acked is set when any response arrives on this slot's handle. Only
	// slot 0's flag is cleared each tick, when its poll is sent; the
	// engine reads it as slot 0's liveness.
	Acked bool
}

// Occupied reports whether a device currently occupies the slot.
func (s *ControllerSlot) Occupied() bool {
	return s.Handle != nil
}

// ADCSample holds the eight raw 16-bit unsigned counts from one ADC poll.
// Channel assignment (this deployment): 0..2 damper top positions, 3..5
// stage top positions, 6 air pressure, 7 spare.
type ADCSample [NumADCChannels]uint16

// PhysicalState is the calibrated/derived physical state recomputed from
// each ADC sample.
type PhysicalState struct {
	DamperPosition [NumAxes]float64 // mm
	StagePosition  [NumAxes]float64 // mm
	AirPressure    float64          // hPa
	DamperLoad     [NumAxes]float64 // kg
	DamperAddWeight [NumAxes]float64 // kg
}

// MotorState is the server-side shadow of one motor's reported state.
type MotorState struct {
	// TargetSpeed is the last speed the server commanded (signed
	// steps/s; sign is direction).
	TargetSpeed int32
	// CurrentSpeed is the last speed the device reported.
	CurrentSpeed int32
	// CurrentPosition is the last position (steps) the device reported.
	CurrentPosition int64
	Running         bool
}

// LimitValue is the state of one limit switch.
type LimitValue int

const (
	// NotHit means the switch is not engaged (travel permitted in that
	// direction).
	NotHit LimitValue = iota
	// Hit means the switch is engaged (end of travel reached).
	Hit
)

// String implements fmt.Stringer.
func (v LimitValue) String() string {
	if v == Hit {
		return "HIT"
	}
	return "NOT_HIT"
}

// Activation is the tagged enum replacing the string/number ambiguity noted
// in the design notes: OFF (no drive), ON (drive only out of band), and
// STARTING (drive even in-band for one tick, then demoted to ON).
type Activation int

const (
	Off Activation = iota
	On
	Starting
)

// String implements fmt.Stringer.
func (a Activation) String() string {
	switch a {
	case Off:
		return "OFF"
	case On:
		return "ON"
	case Starting:
		return "STARTING"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// BadPollKind names the reason a tick was counted as a bad poll.
type BadPollKind int

const (
	// BadPollNone means the tick produced no bad-poll condition.
	BadPollNone BadPollKind = iota
	// BadPollADAM means the ADC did not produce a usable sample this tick.
	BadPollADAM
	// BadPollAVR0 means the slot-0 controller did not acknowledge this
	// tick.
	BadPollAVR0
)

// String implements fmt.Stringer.
func (k BadPollKind) String() string {
	switch k {
	case BadPollNone:
		return "None"
	case BadPollADAM:
		return "Adam"
	case BadPollAVR0:
		return "AVR0"
	default:
		return fmt.Sprintf("BadPollKind(%d)", int(k))
	}
}
