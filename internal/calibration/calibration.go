// Package calibration turns raw ADC counts into physical quantities (air
// pressure, damper/stage positions) and derives the load terms the control
// law needs from them (spec.md §4.4, C4).
//
// The interpolation itself is grounded on gonum.org/v1/gonum/interp's
// PiecewiseLinear, the teacher's own gonum dependency redirected from its
// original least-squares/SVD use (CK6170-CalRunrilla-web's
// calibration/calibration.go) to table lookup, since spec.md §4.4 specifies
// calibration as strictly table-driven with endpoint extrapolation.
package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"

	"github.com/boardhead/cute-cryo/internal/config"
	"github.com/boardhead/cute-cryo/internal/model"
)

// Table is a single channel's raw-counts-to-physical-units calibration
// curve: piecewise-linear through the anchor points, with extrapolation
// beyond the first/last anchor (spec.md §4.4).
type Table struct {
	pl      interp.PiecewiseLinear
	xmin    float64
	xmax    float64
	loSlope float64 // slope of the first segment
	hiSlope float64 // slope of the last segment
}

// NewTable fits a Table from anchor points xs (raw counts) -> ys (physical
// units). xs must be strictly increasing; NewTable returns an error
// otherwise, since interp.PiecewiseLinear requires it.
func NewTable(xs, ys []float64) (*Table, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("calibration: NewTable: len(xs)=%d != len(ys)=%d", len(xs), len(ys))
	}
	if len(xs) < 2 {
		return nil, fmt.Errorf("calibration: NewTable: need at least 2 anchor points, got %d", len(xs))
	}
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return nil, fmt.Errorf("calibration: NewTable: xs must be strictly increasing")
		}
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("calibration: fit: %w", err)
	}
	n := len(xs)
	return &Table{
		pl:      pl,
		xmin:    xs[0],
		xmax:    xs[n-1],
		loSlope: (ys[1] - ys[0]) / (xs[1] - xs[0]),
		hiSlope: (ys[n-1] - ys[n-2]) / (xs[n-1] - xs[n-2]),
	}, nil
}

// Eval maps a raw count to its physical value: inside the anchor range it
// interpolates along the bracketing segment, and beyond the first/last
// anchor it extrapolates along the first/last segment's slope (spec.md
// §4.4).
func (t *Table) Eval(x float64) float64 {
	switch {
	case x < t.xmin:
		return t.pl.Predict(t.xmin) + t.loSlope*(x-t.xmin)
	case x > t.xmax:
		return t.pl.Predict(t.xmax) + t.hiSlope*(x-t.xmax)
	}
	return t.pl.Predict(x)
}

// bellowArea is the effective cross-sectional area (cm^2) of the pulse-tube
// bellows, used to convert an ambient-pressure deviation into a load delta.
var bellowArea = math.Pi * config.BellowDia * config.BellowDia / 4

// damperShare[i] is the fraction of the bellows pressure force borne by
// damper i, derived from the bellows' offset toward damper 0 (spec.md §4.4
// open question, resolved in SPEC_FULL.md: damper 0 carries a larger share
// the closer the bellows sits to it).
var damperShare = [model.NumAxes]float64{
	(1 + 2*config.BellowPos/config.DamperPos) / 3,
	(1 - config.BellowPos/config.DamperPos) / 3,
	(1 - config.BellowPos/config.DamperPos) / 3,
}

// DamperLoad computes the per-damper mechanical load (kg) from how far the
// stage has compressed relative to each damper (spec.md §4.4):
//
//	load[i] = kLoadNom + (stagePosition[i] - damperPosition[i]) * kDamperForceConst
func DamperLoad(stagePosition, damperPosition [model.NumAxes]float64) [model.NumAxes]float64 {
	var load [model.NumAxes]float64
	for i := 0; i < model.NumAxes; i++ {
		load[i] = config.LoadNom + (stagePosition[i]-damperPosition[i])*config.DamperForceConst
	}
	return load
}

// PressureForce converts an absolute air pressure reading (hPa) into the
// equivalent kg-force the bellows exerts due to its deviation from nominal
// ambient pressure (spec.md §4.4):
//
//	f = (airPressure - kAirPressureNom) * bellowArea / (100 * kGravity)
func PressureForce(airPressure float64) float64 {
	return (airPressure - config.AirPressureNom) * bellowArea / (100 * config.Gravity)
}

// DamperAddWeight computes, per damper, how far the measured load falls
// short of the pressure-corrected nominal load (spec.md §4.4):
//
//	addWeight[i] = (kLoadNom - f*share[i]) - load[i]
func DamperAddWeight(airPressure float64, load [model.NumAxes]float64) [model.NumAxes]float64 {
	f := PressureForce(airPressure)
	var add [model.NumAxes]float64
	for i := 0; i < model.NumAxes; i++ {
		add[i] = (config.LoadNom - f*damperShare[i]) - load[i]
	}
	return add
}

// DerivePhysicalState runs the full per-tick calibration/derivation chain
// (spec.md §4.4): raw ADC sample plus calibrated stage/damper positions
// (mm) in, a fully derived PhysicalState out.
func DerivePhysicalState(sample model.ADCSample, tables [model.NumADCChannels]*Table, stagePosition, damperPosition [model.NumAxes]float64) model.PhysicalState {
	var ps model.PhysicalState
	ps.StagePosition = stagePosition
	ps.DamperPosition = damperPosition

	// Channel 6 is wired to the ambient air pressure sensor (spec.md §3);
	// channels 0..2 are damper positions, 3..5 stage positions.
	if t := tables[6]; t != nil {
		ps.AirPressure = t.Eval(float64(sample[6]))
	}

	ps.DamperLoad = DamperLoad(stagePosition, damperPosition)
	ps.DamperAddWeight = DamperAddWeight(ps.AirPressure, ps.DamperLoad)
	return ps
}
