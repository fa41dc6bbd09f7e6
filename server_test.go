package thunderpush

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// newTestServer starts s behind an httptest server. Server goroutines outlive
// individual tests, so it logs nowhere.
func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *Hub, string) {
	t.Helper()
	s, err := NewServer(opts...)
	require.NoError(t, err)
	hub, err := s.Registry().Register("key", "secretkey")
	require.NoError(t, err)

	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Shutdown()
		ts.Close()
	})
	return s, hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/connect"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func read(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(waitFor))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestServerScenario(t *testing.T) {
	_, hub, url := newTestServer(t)
	ws := dial(t, url)

	write(t, ws, "CONNECT u1:key")
	write(t, ws, "SUBSCRIBE news:sports")
	require.Eventually(t, func() bool {
		return len(hub.ChannelUsers("sports")) == 1
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 1, hub.PublishToChannel("news", []byte("hello")))
	assert.Equal(t, "hello", read(t, ws))

	assert.Equal(t, 1, hub.PublishToUser("u1", []byte(`{"direct":true}`)))
	assert.Equal(t, `{"direct":true}`, read(t, ws))

	ws.Close()
	require.Eventually(t, func() bool {
		return hub.UserCount() == 0 && hub.ChannelCount() == 0
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, hub.PublishToChannel("news", []byte("x")))
}

func TestServerWrongKey(t *testing.T) {
	_, hub, url := newTestServer(t)
	ws := dial(t, url)

	write(t, ws, "CONNECT u2:badkey")
	assert.Equal(t, "WRONGKEY", read(t, ws))

	ws.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected close, got %v", err)
	assert.Equal(t, 0, hub.UserCount())
}

func TestServerMultipleDevices(t *testing.T) {
	_, hub, url := newTestServer(t)
	phone, laptop := dial(t, url), dial(t, url)

	write(t, phone, "CONNECT u1:key")
	write(t, laptop, "CONNECT u1:key")
	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 2
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 1, hub.UserCount())
	assert.Equal(t, 2, hub.PublishToUser("u1", []byte("ding")))
	assert.Equal(t, "ding", read(t, phone))
	assert.Equal(t, "ding", read(t, laptop))
}

func TestServerDisconnectUser(t *testing.T) {
	_, hub, url := newTestServer(t)
	ws := dial(t, url)

	write(t, ws, "CONNECT u1:key")
	require.Eventually(t, func() bool {
		return hub.IsUserConnected("u1")
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 1, hub.DisconnectUser("u1"))

	ws.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestServerStatusConnections(t *testing.T) {
	s, hub, url := newTestServer(t)
	dial(t, url)
	ws := dial(t, url)
	write(t, ws, "CONNECT u1:key")
	require.Eventually(t, func() bool {
		return hub.IsUserConnected("u1")
	}, waitFor, 5*time.Millisecond)

	// the upgrade completes before the server starts tracking the session
	require.Eventually(t, func() bool {
		return len(s.Status().Connections) == 2
	}, waitFor, 5*time.Millisecond)

	st := s.Status()
	assert.Equal(t, "OK", st.Status)
	require.Len(t, st.Connections, 2)
	require.Len(t, st.Tenants, 1)
	assert.Equal(t, 1, st.Tenants[0].Users)

	var states []string
	for _, c := range st.Connections {
		states = append(states, c.State)
	}
	assert.ElementsMatch(t, []string{"open", "authenticated"}, states)
}

func TestServerRejectsOrigin(t *testing.T) {
	_, _, url := newTestServer(t, WithAllowedOrigins("good.example.com"))

	header := http.Header{"Origin": {"http://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": {"http://good.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	ws.Close()
}

func TestServerOptions(t *testing.T) {
	for name, opt := range map[string]ServerOption{
		"buffer":   WithConnBufSize(0),
		"size":     WithMaxMessageSize(-1),
		"ping":     WithPingInterval(0),
		"registry": WithRegistry(nil),
	} {
		_, err := NewServer(opt)
		assert.Error(t, err, name)
	}
}

func TestServer_Shutdown(t *testing.T) {
	s, hub, url := newTestServer(t)
	ws := dial(t, url)
	write(t, ws, "CONNECT u1:key")
	require.Eventually(t, func() bool {
		return hub.IsUserConnected("u1")
	}, waitFor, 5*time.Millisecond)

	// verify calling multiple times is safe and does not hang
	for i := 0; i < 5; i++ {
		s.Shutdown()
	}

	ws.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		return hub.UserCount() == 0
	}, waitFor, 5*time.Millisecond)

	// new sessions are refused once shut down
	ws2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		ws2.SetReadDeadline(time.Now().Add(waitFor))
		_, _, err = ws2.ReadMessage()
		ws2.Close()
	}
	assert.Error(t, err)
}

// a session whose socket fails a write stops accepting frames right away,
// before the reader gets around to tearing it down
func TestWriteFailureClosesConnection(t *testing.T) {
	s, hub := mockServer(t)
	upgraded := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws, err := s.upgrader.Upgrade(w, r, nil); err == nil {
			upgraded <- ws
		}
	}))
	defer ts.Close()
	dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))

	var ws *websocket.Conn
	select {
	case ws = <-upgraded:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for upgrade")
	}

	c := newConnection(s, ws, httptest.NewRequest(http.MethodGet, "/connect", nil))
	c.handleFrame("CONNECT u1:key")
	require.True(t, c.Send([]byte("lost")))

	ws.Close()
	c.writer()

	assert.True(t, c.isClosed())
	assert.False(t, c.Send([]byte("x")))
	assert.Equal(t, 0, hub.PublishToUser("u1", []byte("x")))
}
