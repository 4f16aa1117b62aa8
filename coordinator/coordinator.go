// Package coordinator merges the live WebSocket feed and the HTTP
// fallback into one consistent parameter snapshot per device. It owns
// the connection, the refresh scheduler and the poller, decides which
// transport is authoritative, and fans snapshot changes out to
// subscribers.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AlectoTheFirst/hoas-cresontrol/config"
	"github.com/AlectoTheFirst/hoas-cresontrol/connection"
	"github.com/AlectoTheFirst/hoas-cresontrol/errors"
	"github.com/AlectoTheFirst/hoas-cresontrol/logging"
	"github.com/AlectoTheFirst/hoas-cresontrol/metric"
	"github.com/AlectoTheFirst/hoas-cresontrol/poller"
	"github.com/AlectoTheFirst/hoas-cresontrol/protocol"
	"github.com/AlectoTheFirst/hoas-cresontrol/scheduler"
	"github.com/AlectoTheFirst/hoas-cresontrol/snapshot"
)

// Status is a point-in-time view of the device session, suitable for a
// diagnostics endpoint.
type Status struct {
	SessionID           string    `json:"session_id"`
	Host                string    `json:"host"`
	State               string    `json:"state"`
	Connected           bool      `json:"connected"`
	RetriesExhausted    bool      `json:"retries_exhausted"`
	AuthoritativeSource string    `json:"authoritative_source"`
	DataFresh           bool      `json:"data_fresh"`
	LastLiveData        time.Time `json:"last_live_data"`
	LastFallbackData    time.Time `json:"last_fallback_data"`
	SnapshotKeys        int       `json:"snapshot_keys"`
	MessagesSent        int64     `json:"messages_sent"`
	MessagesReceived    int64     `json:"messages_received"`
	Connects            int64     `json:"connects"`
	FailedAttempts      int64     `json:"failed_attempts"`
	ReconnectAttempt    int       `json:"reconnect_attempt"`
	PollRounds          int64     `json:"poll_rounds"`
}

// Options configures a Coordinator beyond the device config record.
type Options struct {
	Config  config.Config
	Logger  *logging.Logger
	Metrics *metric.BridgeMetrics
}

// Coordinator runs one device session. Construct with New, drive with
// Start/Stop. All methods are safe for concurrent use.
type Coordinator struct {
	cfg       config.Config
	sessionID string
	log       *logging.Logger
	metrics   *metric.BridgeMetrics

	store     *snapshot.Store
	conn      *connection.Conn
	refresher *scheduler.Refresher
	poll      *poller.Poller

	subMu sync.Mutex
	subs  map[string]chan []string

	pollRounds atomic.Int64

	shutdown     chan struct{}
	shutdownOnce sync.Once
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      atomic.Bool
	lifecycleMu  sync.Mutex
}

// New wires up a coordinator from a validated config.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "coordinator", "New", "validate config")
	}

	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("coordinator", cfg.Host, nil, nil)
	}

	c := &Coordinator{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		log:       log,
		metrics:   opts.Metrics,
		store:     snapshot.NewStore(),
		subs:      make(map[string]chan []string),
		shutdown:  make(chan struct{}),
	}

	conn, err := connection.New(connection.Options{
		URL:              cfg.WebSocketURL(),
		HandshakeTimeout: cfg.RequestTimeout,
		Policy: connection.NewPolicy(cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay,
			cfg.ReconnectMultiplier, cfg.MaxReconnectAttempts),
		Store:         c.store,
		OnUpdate:      c.notify,
		OnStateChange: c.onStateChange,
		Logger:        log.With("connection"),
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.conn = conn

	refresher, err := scheduler.New(scheduler.Options{
		Keys:     cfg.SubscribedKeys,
		Interval: cfg.UpdateInterval,
		Spacing:  cfg.CommandSpacing,
		Send:     conn.Send,
		Logger:   log.With("scheduler"),
	})
	if err != nil {
		return nil, err
	}
	c.refresher = refresher

	poll, err := poller.New(poller.Options{
		CommandURL: cfg.CommandURL(),
		Timeout:    cfg.RequestTimeout,
		Store:      c.store,
		Logger:     log.With("poller"),
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.poll = poll

	return c, nil
}

// SessionID returns the identifier assigned to this session at
// construction time. It appears in the status view and log records.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Start brings the session up: the persistent connection, the refresh
// scheduler and the fallback poll loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "coordinator", "Start", "check started state")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.refresher.Start(loopCtx); err != nil {
		cancel()
		return err
	}
	if err := c.conn.Start(loopCtx); err != nil {
		cancel()
		_ = c.refresher.Stop(time.Second)
		return err
	}

	c.wg.Add(1)
	go c.pollLoop(loopCtx)

	c.started.Store(true)
	c.log.Info("session started", "session_id", c.sessionID, "host", c.cfg.Host)
	return nil
}

// Stop tears the session down: poll loop first, then the scheduler, then
// the connection. Safe to call repeatedly.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.started.Load() {
		return nil
	}

	c.shutdownOnce.Do(func() { close(c.shutdown) })
	if c.cancel != nil {
		c.cancel()
	}

	doneCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(doneCh)
	}()

	var firstErr error
	select {
	case <-doneCh:
	case <-time.After(timeout):
		firstErr = errors.WrapTransient(errors.ErrConnectionTimeout, "coordinator", "Stop", "wait for poll loop")
	}

	if err := c.refresher.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.conn.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}

	c.closeSubscribers()
	c.started.Store(false)
	c.log.Info("session stopped", "session_id", c.sessionID)
	return firstErr
}

// GetSnapshot returns a copy of the current key→value view. Never
// blocks on network activity.
func (c *Coordinator) GetSnapshot() map[string]string {
	return c.store.Values()
}

// Get returns the latest entry for a single key.
func (c *Coordinator) Get(key string) (snapshot.Entry, bool) {
	return c.store.Get(key)
}

// SendCommand writes a parameter value, routing over the live connection
// when it is up and over HTTP otherwise. A read-back of the new value
// arrives through the normal update path on the live route; on the
// fallback route the device's direct reply is merged immediately.
func (c *Coordinator) SendCommand(ctx context.Context, key, value string) error {
	command := protocol.EncodeCommand(key, value)

	if c.conn.IsConnected() {
		c.conn.Send(command)
		return nil
	}

	reply, err := c.poll.SendCommand(ctx, command)
	if err != nil {
		return errors.Wrap(err, "coordinator", "SendCommand", "fallback write")
	}
	if reply != "" {
		if c.store.Apply(snapshot.SourceFallback, key, reply) {
			c.notify([]string{key})
		}
	}
	return nil
}

// ManualReconnect resets the reconnect attempt counter and wakes the
// connection supervisor if it has given up.
func (c *Coordinator) ManualReconnect() {
	c.log.Info("manual reconnect", "session_id", c.sessionID)
	c.conn.ManualReconnect()
}

// Subscribe registers a snapshot-change listener and returns its channel
// plus an id for Unsubscribe. Slow consumers lose batches rather than
// blocking the data path.
func (c *Coordinator) Subscribe() (<-chan []string, string) {
	id := uuid.NewString()
	ch := make(chan []string, 16)

	c.subMu.Lock()
	c.subs[id] = ch
	c.subMu.Unlock()
	return ch, id
}

// Unsubscribe removes a listener and closes its channel.
func (c *Coordinator) Unsubscribe(id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
}

// GetConnectionStatus assembles the current session status.
func (c *Coordinator) GetConnectionStatus() Status {
	stats := c.conn.Stats()
	lastLive := c.store.LastUpdate(snapshot.SourceLive)
	lastFallback := c.store.LastUpdate(snapshot.SourceFallback)

	return Status{
		SessionID:           c.sessionID,
		Host:                c.cfg.Host,
		State:               c.conn.State().String(),
		Connected:           c.conn.IsConnected(),
		RetriesExhausted:    c.conn.RetriesExhausted(),
		AuthoritativeSource: string(c.authoritativeSource()),
		DataFresh:           c.isDataFresh(),
		LastLiveData:        lastLive,
		LastFallbackData:    lastFallback,
		SnapshotKeys:        c.store.Len(),
		MessagesSent:        stats.MessagesSent,
		MessagesReceived:    stats.MessagesReceived,
		Connects:            stats.Connects,
		FailedAttempts:      stats.FailedAttempts,
		ReconnectAttempt:    stats.Attempt,
		PollRounds:          c.pollRounds.Load(),
	}
}

// isDataFresh reports whether any source delivered data within the
// freshness threshold.
func (c *Coordinator) isDataFresh() bool {
	last := c.lastData()
	if last.IsZero() {
		return false
	}
	return time.Since(last) < c.cfg.FreshnessThreshold
}

func (c *Coordinator) lastData() time.Time {
	last := c.store.LastUpdate(snapshot.SourceLive)
	if fb := c.store.LastUpdate(snapshot.SourceFallback); fb.After(last) {
		last = fb
	}
	return last
}

// authoritativeSource is live while the connection is up and has
// produced data recently; otherwise the fallback poller owns the
// snapshot.
func (c *Coordinator) authoritativeSource() snapshot.Source {
	if c.conn.IsConnected() && c.liveIsRecent() {
		return snapshot.SourceLive
	}
	return snapshot.SourceFallback
}

// liveIsRecent reports whether the live feed delivered anything within
// two refresh periods. One missed cycle is tolerated before the session
// counts as quiet.
func (c *Coordinator) liveIsRecent() bool {
	last := c.store.LastUpdate(snapshot.SourceLive)
	if last.IsZero() {
		return false
	}
	return time.Since(last) < 2*c.cfg.UpdateInterval
}

// pollInterval stretches the fallback cadence when the live path is
// doing its job: 4x base while live data is flowing, 2x while the
// connection is up but quiet, base interval while it is down.
func (c *Coordinator) pollInterval() time.Duration {
	if c.conn.IsConnected() {
		if c.liveIsRecent() {
			return 4 * c.cfg.UpdateInterval
		}
		return 2 * c.cfg.UpdateInterval
	}
	return c.cfg.UpdateInterval
}

// pollLoop runs the fallback cadence. Each wake re-evaluates the
// interval, skips the HTTP round entirely while live data is fresh, and
// otherwise polls the full subscription list. A failed round keeps the
// stale snapshot; values are never dropped on error.
func (c *Coordinator) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	timer := time.NewTimer(c.pollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-timer.C:
		}

		if !(c.conn.IsConnected() && c.liveIsRecent()) {
			c.pollOnce(ctx)
		}
		c.updateSnapshotMetrics()

		timer.Reset(c.pollInterval())
	}
}

func (c *Coordinator) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	changed, err := c.poll.Poll(pollCtx, c.cfg.SubscribedKeys)
	c.pollRounds.Add(1)
	if err != nil {
		c.log.Warn("fallback poll failed", "error", err.Error())
		return
	}
	if len(changed) > 0 {
		c.notify(changed)
	}
}

func (c *Coordinator) updateSnapshotMetrics() {
	if c.metrics == nil {
		return
	}
	c.metrics.SnapshotKeys.Set(float64(c.store.Len()))
	if last := c.lastData(); !last.IsZero() {
		c.metrics.SnapshotAgeSeconds.Set(time.Since(last).Seconds())
	}
}

// onStateChange pauses or resumes the refresh scheduler as the
// connection comes and goes. Every transition into connected kicks an
// immediate full refresh so a new session starts with current values.
func (c *Coordinator) onStateChange(s connection.State) {
	c.log.Info("connection state", "state", s.String())
	if s == connection.StateConnected {
		c.refresher.Resume()
	} else {
		c.refresher.Pause()
	}
}

// notify fans changed keys out to all subscribers without blocking.
func (c *Coordinator) notify(keys []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- keys:
		default:
		}
	}
}

func (c *Coordinator) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
