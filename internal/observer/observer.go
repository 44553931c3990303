// Package observer implements the WebSocket observer/command plane
// (spec.md §4.10, C10): human or scripted clients connect over the
// "cute" WebSocket subprotocol and exchange single-line ASCII messages —
// tagged broadcasts out, a small command grammar in.
//
// Grounded on CK6170-CalRunrilla-web's ws.go/ws_handlers.go (WSHub
// broadcast-to-many pattern, per-connection write mutex, read-loop purely
// to detect disconnects), reworked from JSON envelopes to the spec's
// tagged ASCII lines and given an authenticated read side, since this
// server's observers can issue commands the teacher's local-only UI
// stream never needed to.
package observer

import (
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/boardhead/cute-cryo/internal/config"
)

// Subprotocol is the WebSocket subprotocol observers must negotiate.
const Subprotocol = "cute"

// Upgrader upgrades incoming HTTP requests to the observer WebSocket.
// CheckOrigin always returns true: origin is not how this server
// authorizes observers (see AllowList) — the supervisor listens on a lab
// network, not the public web, and restricting by IP is what spec.md
// §4.10 actually asks for.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected observer.
type Client struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	Addr    string
	Name    string
	Verbose bool
}

// Send writes one ASCII line to this client.
func (c *Client) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// ReadLine blocks for the client's next inbound line.
func (c *Client) ReadLine() (string, error) {
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Hub is a broadcast hub for connected observers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Add authorizes and registers a new connection. addr is the remote
// address gorilla reports for the underlying TCP connection; if it is not
// on allow, the connection is closed and ok is false (spec.md §4.10: "an
// unauthorized connection is accepted at the WebSocket layer and then
// immediately dropped, since the allow-list is an application concern").
func (h *Hub) Add(conn *websocket.Conn, addr string, allow config.AllowList) (c *Client, ok bool) {
	if !allow.Allows(addr) {
		_ = conn.Close()
		return nil, false
	}
	c = &Client{conn: conn, Addr: addr}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c, true
}

// Remove unregisters and closes a client.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.Close()
}

// Count reports the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Names returns the display name of every connected observer (for the
// "list" command), falling back to its address when unnamed.
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for c := range h.clients {
		if c.Name != "" {
			out = append(out, c.Name)
		} else {
			out = append(out, c.Addr)
		}
	}
	return out
}

// broadcast sends line to every connected client, ignoring write errors —
// the read-loop in the HTTP handler notices disconnects and calls Remove.
func (h *Hub) broadcast(line string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		_ = c.Send(line)
	}
}

// ConsoleLine formats text as a "C" console line: HTML-escaped and
// suffixed with "<br/>" so it renders safely and legibly in an observer
// displaying it as a scrolling HTML log (spec.md §4.11). Exposed so the
// engine can address a single client (e.g. an unknown-command reply)
// without going through the broadcast hub.
func ConsoleLine(text string) string {
	return "C " + html.EscapeString(text) + "<br/>"
}

// BroadcastConsole sends a "C" console-log line to every observer.
func (h *Hub) BroadcastConsole(text string) {
	h.broadcast(ConsoleLine(text))
}

// ActivationLine formats a "D" activation-state line: "D 1" if any axis is
// active, "D 0" otherwise.
func ActivationLine(active bool) string {
	if active {
		return "D 1"
	}
	return "D 0"
}

// BroadcastActivation sends a "D" activation-state line to every observer.
func (h *Hub) BroadcastActivation(active bool) {
	h.broadcast(ActivationLine(active))
}

// FormatSpeeds renders the three motors' target speeds as an "E" line body
// (spec.md §4.10: "E s0 s1 s2").
func FormatSpeeds(s [3]int32) string {
	return fmt.Sprintf("%d %d %d", s[0], s[1], s[2])
}

// BroadcastSpeeds sends an "E" motor-speeds line to every observer.
func (h *Hub) BroadcastSpeeds(s [3]int32) {
	h.broadcast("E " + FormatSpeeds(s))
}

// FormatHistoryEntry renders one history replay record as a "B" line body
// (spec.md §4.9/§4.10: "B t d0 d1 d2").
func FormatHistoryEntry(seq int64, d0, d1, d2 float64) string {
	return fmt.Sprintf("%d %g %g %g", seq, d0, d1, d2)
}

// FormatSample renders one live per-tick sample as an "F" line body. When
// ok is false (the ADC was not producing samples this tick) only the
// timestamp is present — the short-form "F t" marker of spec.md §8's
// fullPoll-toggle-with-ADC-not-OK boundary.
func FormatSample(t int64, ok bool, d0, d1, d2, w0, w1, w2, p float64) string {
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return fmt.Sprintf("%d %g %g %g %g %g %g %g", t, d0, d1, d2, w0, w1, w2, p)
}

// BroadcastSample sends an "F" live-sample line to every observer.
func (h *Hub) BroadcastSample(t int64, ok bool, d0, d1, d2, w0, w1, w2, p float64) {
	h.broadcast("F " + FormatSample(t, ok, d0, d1, d2, w0, w1, w2, p))
}

// Command is one parsed inbound observer line (spec.md §4.10's
// "cmd[:arg]" grammar, lower-cased command name).
type Command struct {
	Name string
	Arg  string
}

// ParseCommand parses a raw inbound line into a Command.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, ":")
	return Command{Name: strings.ToLower(strings.TrimSpace(name)), Arg: strings.TrimSpace(arg)}
}

// Recognized command names (spec.md §4.10).
const (
	CmdHelp    = "help"
	CmdActive  = "active"
	CmdCal     = "cal"
	CmdList    = "list"
	CmdLog     = "log"
	CmdName    = "name"
	CmdVerbose = "verbose"
	CmdWho     = "who"
)

// IsAVRCommand reports whether name addresses a raw pass-through command to
// one of the USB controllers directly, e.g. "avr0" (spec.md §4.10).
func IsAVRCommand(name string) bool {
	return strings.HasPrefix(name, "avr") && len(name) > len("avr")
}
