// Package config holds the static deployment configuration for the
// cute-cryo supervisor: physical constants for the control law and
// derivation math, the expected controller serial numbers, and the
// observer IP allow-list. These are the "static configuration constants"
// referenced in spec.md §6.4 — there is no persisted state (§6.5), so this
// is the entire configuration surface besides the CLI flags in Flags.
package config

import (
	"flag"
	"net"
	"strings"
)

// Physical/control constants (spec.md §4.4, §4.7, §4.8).
const (
	// TickPeriodMS is the scheduler's fixed tick period.
	TickPeriodMS = 80

	// MaxBadPolls is the number of consecutive bad polls that forces
	// deactivation while active.
	MaxBadPolls = 3

	// LoadNom is the nominal per-damper load (kg) at zero pressure
	// deviation and zero stage-minus-damper compression.
	LoadNom = 45.0

	// DamperForceConst converts stage-minus-damper travel (mm) into a load
	// delta (kg).
	DamperForceConst = 0.5

	// LoadMax / LoadMin bound the safe per-damper load envelope (kg).
	LoadMax = 50.0
	LoadMin = 40.0

	// LoadTol is the load hysteresis margin (kg) used by the control law.
	LoadTol = 2.0

	// PositionNom is the nominal damper top height (mm).
	PositionNom = 1.0

	// PositionTol is the position hysteresis margin (mm).
	PositionTol = 0.1

	// PositionFast is the |pos-nominal| threshold (mm) above which the
	// fast speed tier applies.
	PositionFast = 0.4

	// Speed tiers (steps/s).
	MotorSlow = 50
	MotorMed  = 200
	MotorFast = 1000

	// MotorStepsPerMM converts stage position (mm) to motor steps.
	MotorStepsPerMM = 400.0

	// MotorTol is the allowed divergence (mm) between the motor's
	// reported position and the stage position before the motor/stage
	// consistency check forces deactivation.
	MotorTol = 0.5

	// AirPressureNom is the ambient air pressure (hPa) baseline the
	// pressure-correction term is computed against.
	AirPressureNom = 1013.25

	// BellowDia is the pulse-tube bellows diameter (cm) used to compute
	// the effective bellows area.
	BellowDia = 10.0

	// Gravity is standard gravity (m/s^2) used to convert a pressure
	// force into a kg-equivalent load.
	Gravity = 9.80665

	// BellowPos / DamperPos describe the pulse-tube bellows offset from
	// centre toward damper 0, used in the per-damper force-share split
	// (spec.md §4.4, open question recorded in DESIGN.md/SPEC_FULL.md).
	BellowPos = 50.0
	DamperPos = 150.0
)

// USB device identity (spec.md §4.1, §6.1).
const (
	// ControllerVendorID / ControllerProductID select the USB
	// vendor/product pair the identity registry watches for.
	ControllerVendorID  = 0x03EB
	ControllerProductID = 0x2300
)

// NumRoleSlots is the number of functional role slots (0 and 1); slots with
// a higher index are holding positions.
const NumRoleSlots = 2

// ExpectedSerials maps role slot index -> expected controller serial
// number. Slot 0 owns motors and limit switches; slot 1 is reserved.
var ExpectedSerials = map[int]string{
	0: "ffffffff3850313339302020ff0e20",
	1: "ffffffff3850313339302020ff0d12",
}

// AllowList is the set of observer remote addresses permitted to issue
// commands (spec.md §4.10). "*" is a wildcard permitting any address.
type AllowList []string

// Allows reports whether addr is permitted by the allow-list. A "host:port"
// addr is matched on its host part.
func (a AllowList) Allows(addr string) bool {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	for _, entry := range a {
		if entry == "*" || entry == addr {
			return true
		}
	}
	return false
}

// ParseAllowList splits a comma-separated allow-list flag value.
func ParseAllowList(raw string) AllowList {
	parts := strings.Split(raw, ",")
	out := make(AllowList, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Flags is the parsed command-line configuration (spec.md §6.4).
type Flags struct {
	Addr      string
	ADCAddr   string
	LogDir    string
	Verbose   bool
	AllowList AllowList
}

// ParseFlags parses the process's command-line flags into a Flags value.
func ParseFlags(args []string) (*Flags, error) {
	fs := flag.NewFlagSet("cute-server", flag.ContinueOnError)
	addr := fs.String("addr", ":8080", "HTTP/WebSocket listen address")
	adcAddr := fs.String("adc", "192.168.1.50:502", "ADC (ADAM) host:port")
	logDir := fs.String("log-dir", ".", "directory for cute_server_YYYYMM.log")
	verbose := fs.Bool("verbose", false, "initial console verbosity")
	allow := fs.String("allow", "127.0.0.1,*", "comma-separated observer IP allow-list")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return &Flags{
		Addr:      *addr,
		ADCAddr:   *adcAddr,
		LogDir:    *logDir,
		Verbose:   *verbose,
		AllowList: ParseAllowList(*allow),
	}, nil
}
