package observer

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardhead/cute-cryo/internal/config"
)

func TestParseCommandWithArg(t *testing.T) {
	c := ParseCommand("Active:On")
	assert.Equal(t, "active", c.Name)
	assert.Equal(t, "On", c.Arg)
}

func TestParseCommandWithoutArg(t *testing.T) {
	c := ParseCommand("  who  ")
	assert.Equal(t, "who", c.Name)
	assert.Equal(t, "", c.Arg)
}

func TestIsAVRCommand(t *testing.T) {
	assert.True(t, IsAVRCommand("avr0"))
	assert.True(t, IsAVRCommand("avr12"))
	assert.False(t, IsAVRCommand("avr"))
	assert.False(t, IsAVRCommand("active"))
}

func TestBroadcastConsoleEscapesHTML(t *testing.T) {
	hub := NewHub()
	srv := newTestServer(t, hub)
	defer srv.Close()

	client := dialObserver(t, srv.URL)
	defer client.Close()

	hub.BroadcastConsole("<script>alert(1)</script>")
	line := readLine(t, client)
	assert.Equal(t, "C &lt;script&gt;alert(1)&lt;/script&gt;<br/>", line)
}

func TestBroadcastActivation(t *testing.T) {
	hub := NewHub()
	srv := newTestServer(t, hub)
	defer srv.Close()

	client := dialObserver(t, srv.URL)
	defer client.Close()

	hub.BroadcastActivation(true)
	assert.Equal(t, "D 1", readLine(t, client))

	hub.BroadcastActivation(false)
	assert.Equal(t, "D 0", readLine(t, client))
}

func TestAddRejectsDisallowedAddress(t *testing.T) {
	hub := NewHub()
	allow := config.ParseAllowList("10.0.0.1")
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, ok := hub.Add(conn, r.RemoteAddr, allow)
		assert.False(t, ok)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := dialObserver(t, srv.URL)
	defer client.Close()
	_, _, err := client.ReadMessage()
	assert.Error(t, err) // server closed the connection
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, ok := hub.Add(conn, r.RemoteAddr, config.AllowList{"*"})
		require.True(t, ok)
	})
	return httptest.NewServer(mux)
}

func dialObserver(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + url[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func readLine(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(b)
}
