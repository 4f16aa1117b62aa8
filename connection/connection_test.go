package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlectoTheFirst/hoas-cresontrol/snapshot"
)

// deviceServer fakes a CresControl WebSocket endpoint: it echoes every
// received read command as "command::value".
type deviceServer struct {
	server *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
	values   map[string]string
}

func newDeviceServer(t *testing.T) *deviceServer {
	t.Helper()

	ds := &deviceServer{values: map[string]string{}}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	ds.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ds.mu.Lock()
		ds.conns = append(ds.conns, conn)
		ds.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cmd := string(data)
			ds.mu.Lock()
			ds.received = append(ds.received, cmd)
			value, ok := ds.values[cmd]
			ds.mu.Unlock()
			if ok {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(cmd+"::"+value))
			}
		}
	}))
	t.Cleanup(ds.server.Close)
	return ds
}

func (ds *deviceServer) url() string {
	return "ws" + ds.server.URL[4:]
}

func (ds *deviceServer) set(key, value string) {
	ds.mu.Lock()
	ds.values[key] = value
	ds.mu.Unlock()
}

func (ds *deviceServer) push(line string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, conn := range ds.conns {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(line))
	}
}

func (ds *deviceServer) dropAll() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, conn := range ds.conns {
		_ = conn.Close()
	}
	ds.conns = nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testPolicy() Policy {
	return NewPolicy(10*time.Millisecond, 100*time.Millisecond, 2.0, 5)
}

func TestConn_ConnectAndReceive(t *testing.T) {
	ds := newDeviceServer(t)
	store := snapshot.NewStore()

	var mu sync.Mutex
	var updates [][]string
	states := make(chan State, 16)

	conn, err := New(Options{
		URL:    ds.url(),
		Policy: testPolicy(),
		Store:  store,
		OnUpdate: func(keys []string) {
			mu.Lock()
			updates = append(updates, keys)
			mu.Unlock()
		},
		OnStateChange: func(s State) { states <- s },
	})
	require.NoError(t, err)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(2 * time.Second)

	waitFor(t, 2*time.Second, conn.IsConnected)

	ds.push("in-a:voltage::9.52")
	waitFor(t, 2*time.Second, func() bool {
		entry, ok := store.Get("in-a:voltage")
		return ok && entry.Value == "9.52"
	})

	entry, _ := store.Get("in-a:voltage")
	assert.Equal(t, snapshot.SourceLive, entry.Source)

	mu.Lock()
	require.NotEmpty(t, updates)
	assert.Equal(t, []string{"in-a:voltage"}, updates[0])
	mu.Unlock()
}

func TestConn_SendRoundTrip(t *testing.T) {
	ds := newDeviceServer(t)
	ds.set("fan:rpm", "1200")
	store := snapshot.NewStore()

	conn, err := New(Options{URL: ds.url(), Policy: testPolicy(), Store: store})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(2 * time.Second)

	waitFor(t, 2*time.Second, conn.IsConnected)
	conn.Send("fan:rpm")

	waitFor(t, 2*time.Second, func() bool {
		entry, ok := store.Get("fan:rpm")
		return ok && entry.Value == "1200"
	})

	stats := conn.Stats()
	assert.Equal(t, int64(1), stats.MessagesSent)
	assert.GreaterOrEqual(t, stats.MessagesReceived, int64(1))
}

func TestConn_SendWhileDisconnectedIsNoop(t *testing.T) {
	store := snapshot.NewStore()
	conn, err := New(Options{URL: "ws://127.0.0.1:1/websocket", Policy: testPolicy(), Store: store})
	require.NoError(t, err)

	assert.NotPanics(t, func() { conn.Send("fan:rpm") })
	assert.Equal(t, int64(0), conn.Stats().MessagesSent)
}

func TestConn_ReconnectsAfterDrop(t *testing.T) {
	ds := newDeviceServer(t)
	store := snapshot.NewStore()

	conn, err := New(Options{URL: ds.url(), Policy: testPolicy(), Store: store})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(2 * time.Second)

	waitFor(t, 2*time.Second, conn.IsConnected)
	ds.dropAll()

	// Drops back out of Connected, then the supervisor re-dials
	waitFor(t, 2*time.Second, func() bool {
		return conn.Stats().Connects >= 2 && conn.IsConnected()
	})
	assert.Equal(t, 0, conn.Stats().Attempt)
}

func TestConn_DeliberateStopDoesNotReconnect(t *testing.T) {
	ds := newDeviceServer(t)
	store := snapshot.NewStore()

	conn, err := New(Options{URL: ds.url(), Policy: testPolicy(), Store: store})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))

	waitFor(t, 2*time.Second, conn.IsConnected)
	require.NoError(t, conn.Stop(2*time.Second))
	assert.Equal(t, StateDisconnected, conn.State())

	connects := conn.Stats().Connects
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, connects, conn.Stats().Connects)

	// Idempotent
	assert.NoError(t, conn.Stop(2*time.Second))
}

func TestConn_ExhaustedThenManualReconnect(t *testing.T) {
	ds := newDeviceServer(t)
	store := snapshot.NewStore()

	// Point at a dead endpoint first so attempts exhaust quickly
	conn, err := New(Options{
		URL:    "ws://127.0.0.1:1/websocket",
		Policy: NewPolicy(time.Millisecond, 5*time.Millisecond, 2.0, 2),
		Store:  store,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(2 * time.Second)

	waitFor(t, 2*time.Second, func() bool {
		return conn.State() == StateDisconnected && conn.Stats().FailedAttempts >= 3
	})

	// Retarget and ask for a manual reconnect
	conn.opts.URL = ds.url()
	conn.ManualReconnect()

	waitFor(t, 2*time.Second, conn.IsConnected)
	assert.Equal(t, 0, conn.Stats().Attempt)
}

func TestConn_ManualReconnectCutsBackoffShort(t *testing.T) {
	ds := newDeviceServer(t)
	store := snapshot.NewStore()

	// Long initial delay so the supervisor sits in a backoff wait after
	// the first failed dial
	conn, err := New(Options{
		URL:    "ws://127.0.0.1:1/websocket",
		Policy: NewPolicy(5*time.Second, 10*time.Second, 2.0, 0),
		Store:  store,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(2 * time.Second)

	waitFor(t, 2*time.Second, func() bool {
		return conn.Stats().FailedAttempts >= 1 && conn.State() == StateReconnecting
	})

	conn.opts.URL = ds.url()
	start := time.Now()
	conn.ManualReconnect()

	waitFor(t, 2*time.Second, conn.IsConnected)
	assert.Less(t, time.Since(start), 2*time.Second,
		"manual reconnect must not wait out the backoff timer")
	assert.Equal(t, 0, conn.Stats().Attempt)
}

func TestConn_ManualReconnectWhileConnectedIsNoop(t *testing.T) {
	ds := newDeviceServer(t)
	conn, err := New(Options{URL: ds.url(), Policy: testPolicy(), Store: snapshot.NewStore()})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(2 * time.Second)

	waitFor(t, 2*time.Second, conn.IsConnected)
	conn.ManualReconnect()

	assert.Equal(t, StateConnected, conn.State())
	assert.Zero(t, len(conn.manualReconnect), "no token may be left behind")
}

func TestConn_RetriesExhausted(t *testing.T) {
	conn, err := New(Options{
		URL:    "ws://127.0.0.1:1/websocket",
		Policy: NewPolicy(time.Millisecond, 5*time.Millisecond, 2.0, 2),
		Store:  snapshot.NewStore(),
	})
	require.NoError(t, err)
	assert.False(t, conn.RetriesExhausted())

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(2 * time.Second)

	waitFor(t, 2*time.Second, conn.RetriesExhausted)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConn_StartTwiceFails(t *testing.T) {
	ds := newDeviceServer(t)
	conn, err := New(Options{URL: ds.url(), Policy: testPolicy(), Store: snapshot.NewStore()})
	require.NoError(t, err)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(2 * time.Second)

	assert.Error(t, conn.Start(context.Background()))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Store: snapshot.NewStore()})
	assert.Error(t, err)

	_, err = New(Options{URL: "ws://host/websocket"})
	assert.Error(t, err)
}
