package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendRecorder struct {
	mu       sync.Mutex
	commands []string
}

func (sr *sendRecorder) send(command string) {
	sr.mu.Lock()
	sr.commands = append(sr.commands, command)
	sr.mu.Unlock()
}

func (sr *sendRecorder) snapshot() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	out := make([]string, len(sr.commands))
	copy(out, sr.commands)
	return out
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

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Interval: time.Second})
	assert.Error(t, err)

	_, err = New(Options{Send: func(string) {}})
	assert.Error(t, err)
}

func TestRefresher_ResumeTriggersImmediateCycle(t *testing.T) {
	rec := &sendRecorder{}
	r, err := New(Options{
		Keys:     []string{"in-a:voltage", "in-b:voltage", "fan:rpm"},
		Interval: time.Hour,
		Send:     rec.send,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	r.Resume()
	waitFor(t, 2*time.Second, func() bool { return r.Cycles() >= 1 })

	assert.Equal(t, []string{"in-a:voltage", "in-b:voltage", "fan:rpm"}, rec.snapshot())
}

func TestRefresher_PausedDoesNotSend(t *testing.T) {
	rec := &sendRecorder{}
	r, err := New(Options{
		Keys:     []string{"in-a:voltage"},
		Interval: 10 * time.Millisecond,
		Send:     rec.send,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestRefresher_TicksWhileResumed(t *testing.T) {
	rec := &sendRecorder{}
	r, err := New(Options{
		Keys:     []string{"fan:rpm"},
		Interval: 10 * time.Millisecond,
		Send:     rec.send,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	r.Resume()
	waitFor(t, 2*time.Second, func() bool { return r.Cycles() >= 3 })

	r.Pause()
	cycles := r.Cycles()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, cycles, r.Cycles())
}

func TestRefresher_CommandSpacing(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	r, err := New(Options{
		Keys:     []string{"a", "b", "c"},
		Interval: time.Hour,
		Spacing:  20 * time.Millisecond,
		Send: func(string) {
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	r.Resume()
	waitFor(t, 2*time.Second, func() bool { return r.Cycles() >= 1 })

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 15*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 15*time.Millisecond)
}

func TestRefresher_StopIdempotent(t *testing.T) {
	r, err := New(Options{
		Keys:     []string{"a"},
		Interval: time.Second,
		Send:     func(string) {},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	assert.NoError(t, r.Stop(time.Second))
	assert.NoError(t, r.Stop(time.Second))
}

func TestRefresher_StartTwiceFails(t *testing.T) {
	r, err := New(Options{
		Keys:     []string{"a"},
		Interval: time.Second,
		Send:     func(string) {},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	assert.Error(t, r.Start(context.Background()))
}
