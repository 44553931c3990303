// Package engine wires every other package into the single-consumer
// supervisory loop described by spec.md §5 and §4.6 (C6, C11): one
// goroutine owns all mutable state, and every other goroutine — the ADC
// reader, the USB bulk readers, the observer WebSocket read-loops, the
// tick source — only ever enqueues a closure onto cmdQueue for that
// goroutine to run.
//
// Grounded on CK6170-CalRunrilla-web's Server aggregate (internal/server/
// server.go): one struct holding every subsystem's state, constructed
// once in main and driven by goroutines that call back into it. The
// teacher relies on per-field mutexes for that safety; this package
// replaces them with the single-consumer channel spec.md §5 calls for,
// since the USB/ADC/WebSocket event rates here are low enough that
// serializing them costs nothing and removes an entire category of
// lock-ordering bugs.
package engine

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/gousb"

	"github.com/boardhead/cute-cryo/internal/adc"
	"github.com/boardhead/cute-cryo/internal/calibration"
	"github.com/boardhead/cute-cryo/internal/config"
	"github.com/boardhead/cute-cryo/internal/control"
	"github.com/boardhead/cute-cryo/internal/history"
	"github.com/boardhead/cute-cryo/internal/identity"
	"github.com/boardhead/cute-cryo/internal/model"
	"github.com/boardhead/cute-cryo/internal/motor"
	"github.com/boardhead/cute-cryo/internal/observer"
	"github.com/boardhead/cute-cryo/internal/safety"
	"github.com/boardhead/cute-cryo/internal/usbdevice"
	"github.com/boardhead/cute-cryo/internal/usbproto"
)

// cmdQueueSize bounds how many pending closures may queue up behind a slow
// tick; it is generous because every closure here does a small, bounded
// amount of work.
const cmdQueueSize = 256

// Engine is the supervisor's single piece of mutable state, run
// exclusively from its own goroutine (Run).
type Engine struct {
	cmdQueue chan func(*Engine)

	registry   *identity.Registry
	usbCtx     *usbdevice.Context
	adcPoller  *adc.Poller
	tables     [model.NumADCChannels]*calibration.Table
	motors     *motor.Shadows
	watchdog   safety.PollWatchdog
	limits     safety.LimitState
	controller *control.Controller
	hist       *history.History
	hub        *observer.Hub

	allow config.AllowList

	logDir     string
	logFile    *os.File
	logMonth   string
	verbose    bool
	fullPollOn bool

	lastStagePosition  [model.NumAxes]float64
	lastDamperPosition [model.NumAxes]float64
	lastPhysicalState  model.PhysicalState
	lastBroadcastSpd   [model.NumAxes]int32
	lastHistorySecond  int64

	noUSB bool
	ctx   context.Context
}

// New constructs an Engine from parsed CLI flags. It does not start any
// goroutines; call Run for that.
func New(flags *config.Flags) *Engine {
	motors := &motor.Shadows{}
	e := &Engine{
		cmdQueue:   make(chan func(*Engine), cmdQueueSize),
		registry:   identity.NewRegistry(config.ExpectedSerials),
		adcPoller:  adc.NewPoller(flags.ADCAddr),
		motors:     motors,
		controller: control.NewController(motors),
		hist:       history.New(),
		hub:        observer.NewHub(),
		allow:      flags.AllowList,
		logDir:     flags.LogDir,
		verbose:    flags.Verbose,
		noUSB:      os.Getenv("CUTE_NO_USB") == "1",
	}
	return e
}

// Enqueue posts fn to run on the engine's own goroutine. Safe to call from
// any goroutine (spec.md §5).
func (e *Engine) Enqueue(fn func(*Engine)) {
	e.cmdQueue <- fn
}

// Hub exposes the observer broadcast hub for the HTTP layer's WebSocket
// upgrade handler.
func (e *Engine) Hub() *observer.Hub {
	return e.hub
}

// AllowList exposes the observer IP allow-list for the HTTP layer.
func (e *Engine) AllowList() config.AllowList {
	return e.allow
}

// Run is the engine's main loop: it owns every mutable field above and is
// the only goroutine that may touch them directly. It returns when ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	if err := e.rollLogFile(time.Now()); err != nil {
		return fmt.Errorf("engine: open log file: %w", err)
	}
	defer e.closeLogFile()

	if !e.noUSB {
		e.usbCtx = usbdevice.NewContext()
		defer e.usbCtx.Close()
		go e.usbScanLoop(ctx)
	}
	go e.adcReadLoop(ctx)

	ticker := time.NewTicker(config.TickPeriodMS * time.Millisecond)
	defer ticker.Stop()

	e.Log("engine started")

	for {
		select {
		case <-ctx.Done():
			e.Log("engine shutting down")
			return nil
		case fn := <-e.cmdQueue:
			fn(e)
		case now := <-ticker.C:
			e.onTick(now)
		}
	}
}

// usbScanLoop periodically rescans for newly attached USB controllers and
// enqueues attach events. Scanning itself does no mutable-state access, so
// it is safe to run outside the engine goroutine; only the result is
// enqueued (spec.md §5).
func (e *Engine) usbScanLoop(ctx context.Context) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			handles, err := e.usbCtx.Scan(gousb.ID(config.ControllerVendorID), gousb.ID(config.ControllerProductID))
			if err != nil {
				e.Enqueue(func(e *Engine) { e.Log(fmt.Sprintf("usb scan error: %v", err)) })
				continue
			}
			for _, h := range handles {
				h := h
				e.Enqueue(func(e *Engine) { e.onAttach(h) })
			}
		}
	}
}

// adcReadLoop drives the ADC poller's state machine once per tick period
// and enqueues each successfully decoded sample.
func (e *Engine) adcReadLoop(ctx context.Context) {
	t := time.NewTicker(config.TickPeriodMS * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sample, ok, err := e.adcPoller.Tick()
			if err != nil {
				e.Enqueue(func(e *Engine) { e.onBadPoll(err) })
				continue
			}
			if ok {
				e.Enqueue(func(e *Engine) { e.onADCSample(sample) })
			}
		}
	}
}

// onAttach runs on the engine goroutine when a new USB controller is
// discovered: it registers a holding slot and sends the "a.ser;b.ver"
// discovery request (spec.md §4.1).
func (e *Engine) onAttach(h *usbdevice.Handle) {
	slot := e.registry.Attach(h)
	req := usbproto.EncodeRequest(usbproto.Item{ID: 'a', Cmd: "ser"}, usbproto.Item{ID: 'b', Cmd: "ver"})
	if err := h.Write(req); err != nil {
		e.Log(fmt.Sprintf("slot %d: discovery request failed, forgetting device: %v", slot.Index, err))
		e.registry.Detach(h)
		return
	}
	e.Log(fmt.Sprintf("slot %d: device attached, awaiting identification", slot.Index))
	go e.usbReadLoop(e.ctx, h)
}

// usbReadLoop repeatedly reads bulk-in packets from h and enqueues their
// parsed responses for routing on the engine goroutine. It runs until the
// read fails (device unplugged) or ctx is canceled (spec.md §4.1, §6.1).
func (e *Engine) usbReadLoop(ctx context.Context, h *usbdevice.Handle) {
	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := h.Read(buf)
		if err != nil {
			e.Enqueue(func(e *Engine) { e.onDetach(h) })
			return
		}
		responses := usbproto.ParsePacket(buf[:n])
		if len(responses) == 0 {
			continue
		}
		e.Enqueue(func(e *Engine) { e.onResponses(h, responses) })
	}
}

// onDetach runs on the engine goroutine when a controller's bulk-in read
// fails, meaning the device has gone away (spec.md §4.1).
func (e *Engine) onDetach(h *usbdevice.Handle) {
	slot, ok := e.registry.Detach(h)
	if !ok {
		e.Log("detach of unknown handle ignored")
		return
	}
	e.Log(fmt.Sprintf("slot %d: device detached", slot.Index))
}

// onResponses runs on the engine goroutine with one device's freshly
// parsed response lines and routes each by its response ID (spec.md §4.1,
// §4.5, §4.7).
func (e *Engine) onResponses(h *usbdevice.Handle, responses []usbproto.Response) {
	slot := e.registry.SlotByHandle(h)
	if slot == nil {
		return
	}
	slot.Acked = true
	for _, r := range responses {
		switch r.ID {
		case 'a':
			if r.Status == usbproto.OK {
				e.onIdentifyResponse(slot.Index, r.Text)
				slot = e.registry.SlotByHandle(h) // may have moved to a role slot
			}
		case 'z':
			if slot.Index >= config.NumRoleSlots {
				e.registry.ReleaseForeign(slot.Index)
			}
		case 'f':
			fb, err := usbproto.ParseMotorFeedback(r.Text)
			if err != nil {
				e.Log(fmt.Sprintf("slot %d: malformed motor feedback: %v", slot.Index, err))
				continue
			}
			if err := e.motors.UpdateFromFeedback(fb); err != nil {
				e.Log(fmt.Sprintf("slot %d: %v", slot.Index, err))
			}
		case 'g':
			bits, err := usbproto.ParseLimitBitfield(r.Text, model.NumLimitSwitches)
			if err != nil {
				e.limits = safety.FailSafeLimits()
				e.deactivateAll(fmt.Sprintf("malformed limit poll: %v", err))
				continue
			}
			e.limits.SetFromBits(bits)
		}
	}
}

// onIdentifyResponse runs on the engine goroutine when an "a.OK <serial>"
// response arrives on a holding slot (spec.md §4.1).
func (e *Engine) onIdentifyResponse(holdSlotIndex int, serial string) {
	result, err := e.registry.Identify(holdSlotIndex, serial)
	if err != nil {
		e.Log(fmt.Sprintf("identify: %v", err))
		return
	}
	if result.Foreign {
		e.Log(fmt.Sprintf("slot %d: unrecognized serial %q, disabling watchdog", holdSlotIndex, serial))
		if slot := e.registry.Slot(holdSlotIndex); slot != nil {
			if h, ok := slot.Handle.(*usbdevice.Handle); ok {
				if err := h.Write(usbproto.EncodeRequest(usbproto.Item{ID: 'z', Cmd: "wdt 0"})); err != nil {
					e.Log(fmt.Sprintf("slot %d: watchdog disable failed: %v", holdSlotIndex, err))
				}
			}
		}
		return
	}
	if result.DisplacedHandle != nil {
		e.Log(fmt.Sprintf("slot %d: already occupied by a different device, replacing", result.RoleSlot.Index))
	}
	e.Log(fmt.Sprintf("slot %d: identified serial %q", result.RoleSlot.Index, serial))
}

// onBadPoll runs on the engine goroutine when the ADC poller reports an
// error for this cycle (spec.md §4.7).
func (e *Engine) onBadPoll(cause error) {
	if e.watchdog.RecordBad() {
		e.deactivateAll(fmt.Sprintf("bad poll watchdog tripped: %v", cause))
	}
}

// onADCSample runs on the engine goroutine with a freshly decoded ADC
// sample: it resets the bad-poll watchdog, re-derives physical state, and
// evaluates the control law (spec.md §4.4, §4.6, §4.7, §4.8).
func (e *Engine) onADCSample(sample model.ADCSample) {
	e.watchdog.RecordGood()

	// Channels 0..2 are the damper top positions, 3..5 the stage top
	// positions (model.ADCSample's documented channel assignment).
	e.lastDamperPosition = e.evalPositions(sample, 0)
	e.lastStagePosition = e.evalPositions(sample, model.NumAxes)

	ps := calibration.DerivePhysicalState(sample, e.tables, e.lastStagePosition, e.lastDamperPosition)
	e.lastPhysicalState = ps

	for i := 0; i < model.NumAxes; i++ {
		if e.controller.Activation(i) == model.Off {
			continue
		}
		motorSteps := e.motors.State(i).CurrentPosition
		if !safety.MotorStageConsistent(motorSteps, e.lastStagePosition[i]) {
			e.deactivateAll(fmt.Sprintf("axis %d: motor/stage position mismatch", i))
			return
		}
	}

	cmds := e.controller.Step(ps, e.limits)
	e.sendMotorCommands(cmds)
}

// evalPositions runs the calibration tables for three consecutive ADC
// channels starting at channelOffset into a per-axis position vector
// (spec.md §4.4). A channel with no table loaded yet contributes zero.
func (e *Engine) evalPositions(sample model.ADCSample, channelOffset int) [model.NumAxes]float64 {
	var out [model.NumAxes]float64
	for i := 0; i < model.NumAxes; i++ {
		ch := channelOffset + i
		if t := e.tables[ch]; t != nil {
			out[i] = t.Eval(float64(sample[ch]))
		}
	}
	return out
}

// deactivateAll halts every axis and broadcasts the resulting state
// change, used by both safety interlocks (spec.md §4.7).
func (e *Engine) deactivateAll(reason string) {
	cmds := e.controller.DeactivateAll()
	e.sendMotorCommands(cmds)
	e.hub.BroadcastActivation(false)
	e.Log("deactivated: " + reason)
}

// sendMotorCommands encodes cmds into one request line and writes it to the
// bulk-out endpoint of the controller in slot 0, looked up through the
// identity registry; it does nothing when slot 0 is empty (spec.md §4.1,
// §4.5).
func (e *Engine) sendMotorCommands(cmds []motor.Command) {
	if len(cmds) == 0 {
		return
	}
	slot := e.registry.Slot(0)
	if slot == nil || !slot.Occupied() {
		return
	}
	h, ok := slot.Handle.(*usbdevice.Handle)
	if !ok {
		return
	}
	items := make([]usbproto.Item, len(cmds))
	for i, c := range cmds {
		items[i] = c.Item()
	}
	if err := h.Write(usbproto.EncodeRequest(items...)); err != nil {
		e.Log(fmt.Sprintf("motor command write failed: %v", err))
	}
}

// pollControllers implements §4.6 step 4: every occupied controller slot
// is sent its scheduled per-tick command. Slot 0 owns the motors and
// limit switches, so it is polled for motor feedback and the limit-switch
// bitfield; slot 1 is polled with a no-op that only exercises its
// liveness; holding slots (not yet identified) are re-sent the discovery
// request until they answer. Slot 0's Acked flag is cleared here so the
// next tick can tell whether anything answered its poll.
func (e *Engine) pollControllers() {
	for _, slot := range e.registry.Slots() {
		if !slot.Occupied() {
			continue
		}
		h, ok := slot.Handle.(*usbdevice.Handle)
		if !ok {
			continue
		}

		var req []byte
		switch {
		case slot.Index == 0:
			slot.Acked = false
			req = usbproto.EncodeRequest(
				usbproto.Item{ID: 'f', Cmd: "m0;m1;m2"},
				usbproto.Item{ID: 'g', Cmd: fmt.Sprintf("pa0-%d", model.NumLimitSwitches-1)},
			)
		case slot.Index == 1:
			req = usbproto.EncodeRequest(usbproto.Item{ID: 'c', Cmd: "nop"})
		default:
			req = usbproto.EncodeRequest(usbproto.Item{ID: 'a', Cmd: "ser"}, usbproto.Item{ID: 'b', Cmd: "ver"})
		}
		if err := h.Write(req); err != nil {
			e.Log(fmt.Sprintf("slot %d: poll write failed: %v", slot.Index, err))
		}
	}
}

// onTick runs the scheduler's four-step per-tick algorithm (spec.md
// §4.6):
//  1. If the ADC is not OK and this is a fullPoll tick, record and
//     broadcast an empty sample (the "F t" short form, spec.md §8).
//     Otherwise, on a fullPoll tick, broadcast the live sample. Every
//     fullPoll tick also broadcasts the motor speeds if they changed.
//  2. Slot 0's liveness since the last tick decides an AVR0 bad poll; a
//     bad poll while any axis is active trips the shared watchdog.
//  3. The ADC state machine itself is driven by adcReadLoop, off the
//     ADC's own poll cycle.
//  4. Send every occupied controller slot its scheduled command.
func (e *Engine) onTick(now time.Time) {
	e.fullPollOn = !e.fullPollOn
	nowMS := now.UnixMilli()
	t := (nowMS + 999) / 1000

	adcOK := e.adcPoller.State() == adc.StateOK
	if e.fullPollOn {
		if !adcOK {
			e.hist.Add(nowMS, model.PhysicalState{})
			e.hub.BroadcastSample(t, false, 0, 0, 0, 0, 0, 0, 0)
		} else {
			ps := e.lastPhysicalState
			e.hub.BroadcastSample(t, true,
				ps.DamperPosition[0], ps.DamperPosition[1], ps.DamperPosition[2],
				ps.DamperAddWeight[0], ps.DamperAddWeight[1], ps.DamperAddWeight[2],
				ps.AirPressure)
		}

		speeds := e.motors.Speeds()
		if speeds != e.lastBroadcastSpd {
			e.hub.BroadcastSpeeds(speeds)
			e.lastBroadcastSpd = speeds
		}
	}

	if slot0 := e.registry.Slot(0); slot0 != nil && slot0.Occupied() && !slot0.Acked && e.controller.AnyActive() {
		if e.watchdog.RecordBad() {
			e.deactivateAll(fmt.Sprintf("bad poll watchdog tripped: %s", model.BadPollAVR0))
		}
	}

	e.pollControllers()

	if adcOK {
		second := nowMS / 1000
		if second != e.lastHistorySecond {
			e.lastHistorySecond = second
			e.hist.Add(nowMS, e.lastPhysicalState)
		}
	}

	if err := e.rollLogFile(now); err != nil {
		log.Printf("engine: roll log file: %v", err)
	}
}

// rollLogFile opens cute_server_YYYYMM.log for the current month if it is
// not already open (spec.md §4.11).
func (e *Engine) rollLogFile(now time.Time) error {
	month := now.Format("200601")
	if e.logFile != nil && e.logMonth == month {
		return nil
	}
	e.closeLogFile()
	path := filepath.Join(e.logDir, fmt.Sprintf("cute_server_%s.log", month))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	e.logFile = f
	e.logMonth = month
	return nil
}

func (e *Engine) closeLogFile() {
	if e.logFile != nil {
		_ = e.logFile.Close()
		e.logFile = nil
	}
}

// Log writes a timestamped line to the rolling log file, echoes it to
// stdout, and broadcasts it to every connected observer (spec.md §4.11).
func (e *Engine) Log(msg string) {
	line := fmt.Sprintf("%s %s", time.Now().Format(time.RFC3339), msg)
	fmt.Println(line)
	if e.logFile != nil {
		_, _ = fmt.Fprintln(e.logFile, line)
	}
	e.hub.BroadcastConsole(msg)
}

// HandleWebSocket upgrades an HTTP request to an observer connection and
// runs its read-loop until disconnect (spec.md §4.10). It is safe to call
// from the HTTP server's own goroutine: the only engine state it touches
// is through Enqueue.
func (e *Engine) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := observer.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client, ok := e.hub.Add(conn, r.RemoteAddr, e.allow)
	if !ok {
		return
	}
	defer e.hub.Remove(client)

	done := make(chan struct{})
	e.Enqueue(func(e *Engine) {
		defer close(done)
		e.sendOnConnect(client)
	})
	<-done

	for {
		line, err := client.ReadLine()
		if err != nil {
			return
		}
		cmd := observer.ParseCommand(line)
		e.Enqueue(func(e *Engine) { e.handleObserverCommand(client, cmd) })
	}
}

// sendOnConnect runs on the engine goroutine right after a new observer is
// registered, sending the §4.10 on-connect sequence: a banner, the current
// activation state, the last-commanded motor speeds, then the history
// replay (newest first).
func (e *Engine) sendOnConnect(client *observer.Client) {
	_ = client.Send(observer.ConsoleLine("cute-cryo supervisor: connected"))
	_ = client.Send(observer.ActivationLine(e.controller.AnyActive()))
	_ = client.Send("E " + observer.FormatSpeeds(e.motors.Speeds()))
	for _, entry := range e.hist.Replay(history.Capacity) {
		seq := ((entry.Time % history.Capacity) + history.Capacity) % history.Capacity
		d := entry.State.DamperPosition
		_ = client.Send("B " + observer.FormatHistoryEntry(seq, d[0], d[1], d[2]))
	}
}

// handleObserverCommand runs on the engine goroutine and dispatches one
// parsed observer command (spec.md §4.10).
func (e *Engine) handleObserverCommand(client *observer.Client, cmd observer.Command) {
	switch {
	case cmd.Name == observer.CmdWho:
		_ = client.Send("C who: " + client.Addr + "<br/>")
	case cmd.Name == observer.CmdName:
		client.Name = cmd.Arg
	case cmd.Name == observer.CmdList:
		_ = client.Send("C observers: " + fmt.Sprint(e.hub.Names()) + "<br/>")
	case cmd.Name == observer.CmdVerbose:
		client.Verbose = cmd.Arg == "on"
	case cmd.Name == observer.CmdLog:
		e.Log("[" + client.Addr + "] " + cmd.Arg)
	case cmd.Name == observer.CmdActive:
		e.handleActiveCommand(cmd.Arg)
	case cmd.Name == observer.CmdHelp:
		_ = client.Send("C commands: help active cal list log name verbose who avrN<br/>")
	case observer.IsAVRCommand(cmd.Name):
		var n int
		_, err := fmt.Sscanf(cmd.Name, "avr%d", &n)
		var h *usbdevice.Handle
		if slot := e.registry.Slot(n); err == nil && slot != nil {
			h, _ = slot.Handle.(*usbdevice.Handle)
		}
		if h == nil {
			_ = client.Send(observer.ConsoleLine("no controller for " + cmd.Name))
			return
		}
		e.Log("pass-through " + cmd.Name + ": " + cmd.Arg)
		if err := h.Write(usbproto.EncodeRequest(usbproto.Item{ID: 'e', Cmd: cmd.Arg})); err != nil {
			e.Log(fmt.Sprintf("%s: pass-through write failed: %v", cmd.Name, err))
		}
	default:
		_ = client.Send(observer.ConsoleLine("unknown command: " + cmd.Name))
	}
}

func (e *Engine) handleActiveCommand(arg string) {
	switch arg {
	case "off", "":
		e.deactivateAll("operator command")
	case "on", "start":
		for i := 0; i < model.NumAxes; i++ {
			e.controller.Activate(i, e.lastStagePosition[i])
		}
		e.hub.BroadcastActivation(true)
	}
}
