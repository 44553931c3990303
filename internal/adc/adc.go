// Package adc polls the Modbus-TCP-like analog-to-digital converter (the
// "ADAM" unit, spec.md §4.3, C3) that supplies the 8 raw channels backing
// pressure and load calibration. One fixed-size request is sent per poll
// cycle and a fixed-size response is expected back; there is no
// application-level framing beyond that.
//
// Grounded on nasa-jpl-golaborate/comm's RemoteDevice Open/SendRecv idiom
// (io.ReadWriteCloser over net.Conn, explicit state rather than a
// generic retry loop), but without its exponential backoff — per spec.md
// §4.3 reconnection attempts happen at most once per engine tick, so the
// tick period itself is the only backoff.
package adc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/boardhead/cute-cryo/internal/model"
)

// requestHex is the fixed 12-byte Modbus "read 8 input registers"
// request this supervisor always sends: unit 1, function 4 (read input
// registers), starting address 0, quantity 8.
const requestHex = "010000000006010400000008"

var request = func() []byte {
	b, err := hex.DecodeString(requestHex)
	if err != nil {
		panic("adc: invalid requestHex literal: " + err.Error())
	}
	return b
}()

// responseLen is the expected reply size: 9-byte Modbus header plus 8
// big-endian uint16 channel values (bytes 9..24 inclusive).
const responseLen = 25

// exceptionLen is the size of a Modbus exception reply (function code with
// the high bit set, plus a one-byte exception code).
const exceptionLen = 9

// State is the poller's connection/poll state (spec.md §4.3).
type State int

const (
	StateNotConnected State = iota
	StateOK
	StateWaiting
	StateMissed
	StateBad
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "NOT_CONNECTED"
	case StateOK:
		return "OK"
	case StateWaiting:
		return "WAITING"
	case StateMissed:
		return "MISSED"
	case StateBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// Poller holds the persistent TCP connection to the ADC and its polling
// state machine. Not safe for concurrent use; the engine loop owns it.
type Poller struct {
	addr  string
	dial  time.Duration
	read  time.Duration
	conn  net.Conn
	state State
}

// NewPoller constructs a Poller targeting addr (host:port).
func NewPoller(addr string) *Poller {
	return &Poller{
		addr:  addr,
		dial:  200 * time.Millisecond,
		read:  50 * time.Millisecond,
		state: StateNotConnected,
	}
}

// State reports the poller's current state.
func (p *Poller) State() State {
	return p.state
}

// Close releases the underlying connection, if any.
func (p *Poller) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// Tick drives one step of the poll state machine and should be called once
// per engine tick (spec.md §4.3, §4.6). ok is true only when a fresh
// sample was decoded this tick.
func (p *Poller) Tick() (sample model.ADCSample, ok bool, err error) {
	switch p.state {
	case StateNotConnected:
		if err := p.connect(); err != nil {
			return sample, false, err
		}
		p.state = StateOK
		return sample, false, nil

	case StateOK, StateMissed, StateBad:
		if err := p.send(); err != nil {
			p.state = StateNotConnected
			return sample, false, err
		}
		p.state = StateWaiting
		return sample, false, nil

	case StateWaiting:
		buf, n, err := p.readOnce()
		if err != nil {
			// Connection-level failure: drop it and reconnect next tick.
			_ = p.Close()
			p.state = StateNotConnected
			return sample, false, err
		}
		switch {
		case n == 0:
			// Nothing arrived within the read window yet: keep waiting.
			return sample, false, nil
		case n == exceptionLen:
			p.state = StateBad
			return sample, false, fmt.Errorf("adc: device reported exception code %d", buf[exceptionLen-1])
		case n != responseLen:
			p.state = StateMissed
			return sample, false, fmt.Errorf("adc: short response: got %d bytes, want %d", n, responseLen)
		}
		sample = decodeSample(buf)
		p.state = StateOK
		return sample, true, nil
	}
	return sample, false, fmt.Errorf("adc: unreachable state %v", p.state)
}

func (p *Poller) connect() error {
	conn, err := net.DialTimeout("tcp", p.addr, p.dial)
	if err != nil {
		return fmt.Errorf("adc: dial %s: %w", p.addr, err)
	}
	p.conn = conn
	return nil
}

func (p *Poller) send() error {
	if p.conn == nil {
		return fmt.Errorf("adc: send: not connected")
	}
	if _, err := p.conn.Write(request); err != nil {
		return fmt.Errorf("adc: write request: %w", err)
	}
	return nil
}

// readOnce attempts a bounded read of up to responseLen bytes. n==0 with a
// nil error means the read window elapsed with nothing available yet (not
// a failure — the caller stays in StateWaiting); if the window elapsed after
// some bytes arrived, those bytes are returned so the caller can judge the
// short reply.
func (p *Poller) readOnce() ([]byte, int, error) {
	if p.conn == nil {
		return nil, 0, fmt.Errorf("adc: read: not connected")
	}
	if err := p.conn.SetReadDeadline(time.Now().Add(p.read)); err != nil {
		return nil, 0, fmt.Errorf("adc: set read deadline: %w", err)
	}
	buf := make([]byte, responseLen)
	n, err := io.ReadFull(p.conn, buf)
	if err != nil {
		if ne, isNetErr := err.(net.Error); isNetErr && ne.Timeout() {
			if n == 0 {
				return nil, 0, nil
			}
			return buf[:n], n, nil
		}
		if n == 0 {
			return nil, 0, fmt.Errorf("adc: read: %w", err)
		}
		// Short read of a Modbus exception reply: return the bytes we have
		// if they match exceptionLen, otherwise surface as an error.
		if n == exceptionLen {
			return buf[:n], n, nil
		}
		return nil, 0, fmt.Errorf("adc: read: %w", err)
	}
	return buf, n, nil
}

func decodeSample(buf []byte) model.ADCSample {
	var s model.ADCSample
	for i := 0; i < model.NumADCChannels; i++ {
		off := 9 + i*2
		s[i] = binary.BigEndian.Uint16(buf[off : off+2])
	}
	return s
}
