// Package scheduler drives periodic parameter refreshes over the live
// connection. While the connection is up it walks the subscribed keys on
// every tick and issues one read command per key, spaced out so the
// device's single-core firmware is not flooded.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlectoTheFirst/hoas-cresontrol/errors"
	"github.com/AlectoTheFirst/hoas-cresontrol/logging"
	"github.com/AlectoTheFirst/hoas-cresontrol/protocol"
)

// Options configures a Refresher.
type Options struct {
	// Keys is the subscription list walked on every refresh cycle.
	Keys []string

	// Interval is the refresh period while the connection is up.
	Interval time.Duration

	// Spacing is the pause between consecutive commands in one cycle.
	Spacing time.Duration

	// Send delivers one encoded read command to the device.
	Send func(command string)

	Logger *logging.Logger
}

// Refresher periodically re-reads the subscribed parameters. It starts
// paused; Resume is called on every transition into the connected state
// and kicks off an immediate cycle, Pause is called when the connection
// drops. Stop is idempotent and leaves no timers behind.
type Refresher struct {
	opts Options
	log  *logging.Logger

	enabled atomic.Bool
	kick    chan struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      atomic.Bool
	lifecycleMu  sync.Mutex

	cycles atomic.Int64
}

// New creates a Refresher. Send is required.
func New(opts Options) (*Refresher, error) {
	if opts.Send == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "scheduler", "New", "send function is required")
	}
	if opts.Interval <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "scheduler", "New", "interval must be positive")
	}

	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("scheduler", "", nil, nil)
	}

	return &Refresher{
		opts:     opts,
		log:      log,
		kick:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}, nil
}

// Start launches the refresh loop in the paused state.
func (r *Refresher) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.started.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "scheduler", "Start", "check started state")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(loopCtx)

	r.started.Store(true)
	return nil
}

// Stop shuts the refresh loop down. Safe to call repeatedly.
func (r *Refresher) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started.Load() {
		return nil
	}

	r.enabled.Store(false)
	r.shutdownOnce.Do(func() { close(r.shutdown) })
	if r.cancel != nil {
		r.cancel()
	}

	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "scheduler", "Stop", "wait for refresh loop")
	}

	r.started.Store(false)
	return nil
}

// Resume enables refreshing and triggers an immediate cycle. Called on
// every transition into the connected state so a fresh session starts
// with a full read of the subscription list.
func (r *Refresher) Resume() {
	r.enabled.Store(true)
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Pause disables refreshing without stopping the loop. Any cycle in
// progress finishes its current command and bails out.
func (r *Refresher) Pause() {
	r.enabled.Store(false)
}

// Cycles returns how many refresh cycles have completed.
func (r *Refresher) Cycles() int64 {
	return r.cycles.Load()
}

func (r *Refresher) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		case <-r.kick:
			// Immediate cycle on resume, then realign the ticker
			ticker.Reset(r.opts.Interval)
			r.refresh(ctx)
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh issues one read command per subscribed key. Bails out as soon
// as the refresher is paused or the loop is shutting down.
func (r *Refresher) refresh(ctx context.Context) {
	if !r.enabled.Load() || len(r.opts.Keys) == 0 {
		return
	}

	r.log.Debug("refresh cycle", "keys", len(r.opts.Keys))
	for i, key := range r.opts.Keys {
		if !r.enabled.Load() {
			return
		}
		r.opts.Send(protocol.EncodeCommand(key, ""))

		if r.opts.Spacing > 0 && i < len(r.opts.Keys)-1 {
			timer := time.NewTimer(r.opts.Spacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-r.shutdown:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
	r.cycles.Add(1)
}
