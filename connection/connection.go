// Package connection owns the persistent WebSocket session to a
// CresControl device: dialing, the read loop that feeds decoded replies
// into the snapshot, and the backoff-driven reconnect supervisor.
package connection

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AlectoTheFirst/hoas-cresontrol/errors"
	"github.com/AlectoTheFirst/hoas-cresontrol/logging"
	"github.com/AlectoTheFirst/hoas-cresontrol/metric"
	"github.com/AlectoTheFirst/hoas-cresontrol/protocol"
	"github.com/AlectoTheFirst/hoas-cresontrol/snapshot"
)

// Options configures a Conn. Store is required; the handlers and
// observability fields are optional.
type Options struct {
	// URL is the ws:// endpoint of the device.
	URL string

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	// Policy drives reconnection after unexpected drops.
	Policy Policy

	// Store receives decoded parameter updates from the read loop.
	Store *snapshot.Store

	// OnUpdate is called from the read loop with the keys whose values
	// changed. Duplicate identical replies do not trigger it.
	OnUpdate func(keys []string)

	// OnStateChange is called on every state transition.
	OnStateChange func(State)

	Logger  *logging.Logger
	Metrics *metric.BridgeMetrics
}

// Stats is a point-in-time view of connection counters.
type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	Connects         int64
	FailedAttempts   int64
	ConnectedSince   time.Time
	Attempt          int
}

// Conn is a persistent connection to one device. Construct with New,
// drive with Start/Stop. All methods are safe for concurrent use.
type Conn struct {
	opts   Options
	dialer *websocket.Dialer
	log    *logging.Logger

	ws   *websocket.Conn
	wsMu sync.Mutex

	state           atomic.Int32
	shouldReconnect atomic.Bool
	attempt         atomic.Int32

	manualReconnect chan struct{}
	shutdown        chan struct{}
	shutdownOnce    sync.Once
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	started         atomic.Bool
	lifecycleMu     sync.Mutex

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	connects         atomic.Int64
	failedAttempts   atomic.Int64
	connectedSince   atomic.Value // time.Time
}

// New creates a connection. It does not dial; call Start.
func New(opts Options) (*Conn, error) {
	if opts.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "connection", "New", "url is required")
	}
	if opts.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "connection", "New", "snapshot store is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 45 * time.Second
	}

	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("connection", opts.URL, nil, nil)
	}

	return &Conn{
		opts:            opts,
		dialer:          &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		log:             log,
		manualReconnect: make(chan struct{}, 1),
		shutdown:        make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the connection is currently usable.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// RetriesExhausted reports whether automatic reconnection has given up
// and the supervisor is parked waiting for ManualReconnect.
func (c *Conn) RetriesExhausted() bool {
	return c.State() == StateDisconnected && c.opts.Policy.Exhausted(int(c.attempt.Load()))
}

// Stats returns cumulative connection counters.
func (c *Conn) Stats() Stats {
	since, _ := c.connectedSince.Load().(time.Time)
	return Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		Connects:         c.connects.Load(),
		FailedAttempts:   c.failedAttempts.Load(),
		ConnectedSince:   since,
		Attempt:          int(c.attempt.Load()),
	}
}

// Start launches the connect loop. Returns ErrAlreadyStarted on repeat
// calls without an intervening Stop.
func (c *Conn) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "connection", "Start", "check started state")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.shouldReconnect.Store(true)

	c.wg.Add(1)
	go c.connectLoop(loopCtx)

	c.started.Store(true)
	return nil
}

// Stop tears the connection down deliberately: the reconnect flag is
// cleared first so the supervisor does not re-trigger, then any pending
// backoff wait is cancelled and the socket closed. Safe to call twice.
func (c *Conn) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.started.Load() {
		return nil
	}

	c.shouldReconnect.Store(false)
	c.shutdownOnce.Do(func() { close(c.shutdown) })
	if c.cancel != nil {
		c.cancel()
	}
	c.closeSocket()

	doneCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "connection", "Stop", "wait for goroutines")
	}

	c.started.Store(false)
	return nil
}

// Send writes a command line to the device. When the connection is not
// usable this is a logged no-op: write failures surface through state
// transitions, not through the caller.
func (c *Conn) Send(command string) {
	c.wsMu.Lock()
	ws := c.ws
	c.wsMu.Unlock()

	if ws == nil || c.State() != StateConnected {
		c.log.Debug("dropping command, not connected", "command", command)
		return
	}

	c.wsMu.Lock()
	err := ws.WriteMessage(websocket.TextMessage, []byte(command))
	c.wsMu.Unlock()

	if err != nil {
		c.log.Warn("write failed", "command", command, "error", err.Error())
		return
	}

	c.messagesSent.Add(1)
	if c.opts.Metrics != nil {
		c.opts.Metrics.MessagesSent.Inc()
	}
}

// ManualReconnect resets the attempt counter and wakes the supervisor,
// whether it is parked after exhaustion or waiting out a backoff delay.
// No-op while connected.
func (c *Conn) ManualReconnect() {
	if c.State() == StateConnected {
		return
	}
	c.attempt.Store(0)
	select {
	case c.manualReconnect <- struct{}{}:
	default:
	}
}

func (c *Conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.ConnectionState.Set(float64(s))
	}
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Conn) closeSocket() {
	c.wsMu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()
}

// connectLoop dials, hands the socket to the read loop, and applies the
// reconnect policy after unexpected drops.
func (c *Conn) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-c.shutdown:
			c.setState(StateDisconnected)
			return
		default:
		}

		attempt := int(c.attempt.Load())
		if attempt > 0 {
			if c.opts.Policy.Exhausted(attempt) {
				c.log.Error("reconnect attempts exhausted", errors.ErrRetriesExhausted,
					"attempts", attempt-1)
				c.setState(StateDisconnected)
				if !c.waitForManualReconnect(ctx) {
					return
				}
				continue
			}

			delay := c.opts.Policy.Delay(attempt)
			c.log.Info("scheduling reconnect", "attempt", attempt, "delay", delay.String())
			c.setState(StateReconnecting)
			if c.opts.Metrics != nil {
				c.opts.Metrics.ReconnectAttempts.Inc()
			}
			if err := c.waitCancellable(ctx, delay); err != nil {
				c.setState(StateDisconnected)
				return
			}
		} else {
			c.setState(StateConnecting)
		}

		ws, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			c.failedAttempts.Add(1)
			c.log.Warn("dial failed", "url", c.opts.URL, "error", err.Error())
			c.attempt.Add(1)
			continue
		}

		c.attempt.Store(0)
		// A reconnect request that raced the successful dial must not
		// wake the supervisor later
		select {
		case <-c.manualReconnect:
		default:
		}
		c.connects.Add(1)
		c.connectedSince.Store(time.Now())
		if c.opts.Metrics != nil {
			c.opts.Metrics.ConnectsTotal.Inc()
		}

		c.wsMu.Lock()
		c.ws = ws
		c.wsMu.Unlock()

		c.log.Info("connected", "url", c.opts.URL)
		c.setState(StateConnected)

		c.readLoop(ws)

		c.closeSocket()

		if !c.shouldReconnect.Load() {
			c.setState(StateDisconnected)
			return
		}

		// Unexpected drop: first retry waits the initial backoff delay
		c.log.Warn("connection lost", "url", c.opts.URL)
		c.attempt.Store(1)
	}
}

// waitForManualReconnect parks until ManualReconnect or shutdown.
// Returns false when the loop should exit.
func (c *Conn) waitForManualReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.shutdown:
		return false
	case <-c.manualReconnect:
		c.log.Info("manual reconnect requested")
		return true
	}
}

// waitCancellable waits out a backoff delay. A manual reconnect request
// cuts the wait short so the next dial happens immediately.
func (c *Conn) waitCancellable(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.shutdown:
		return errors.ErrShuttingDown
	case <-c.manualReconnect:
		c.log.Info("manual reconnect requested")
		return nil
	case <-timer.C:
		return nil
	}
}

// readLoop consumes text frames until the socket fails. Each frame may
// carry one or more reply lines; decodable lines are merged into the
// snapshot and changed keys are fanned out.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		c.messagesReceived.Add(1)
		if c.opts.Metrics != nil {
			c.opts.Metrics.MessagesReceived.Inc()
		}

		var changed []string
		for _, line := range strings.Split(string(data), "\n") {
			key, value, ok := protocol.DecodeLine(strings.TrimRight(line, "\r"))
			if !ok {
				if line != "" {
					c.log.Debug("ignoring undecodable line", "line", line)
				}
				continue
			}
			if c.opts.Store.Apply(snapshot.SourceLive, key, value) {
				changed = append(changed, key)
			}
		}

		if len(changed) > 0 && c.opts.OnUpdate != nil {
			c.opts.OnUpdate(changed)
		}
	}
}
