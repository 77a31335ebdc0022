package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookflow/config"
	"bookflow/internal/channel"
	"bookflow/models"
)

var (
	ackFrame      = []byte(`{"type":"subscriptions","channels":[{"name":"level2_50","product_ids":["BTC-USD"],"account_ids":null}]}`)
	badAckFrame   = []byte(`{"type":"subscriptions","channels":[{"name":"ticker","product_ids":["BTC-USD"]}]}`)
	snapshotFrame = []byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["100","1"],["99","1"]],"asks":[["101","1"],["102","1"]]}`)
	deltaFrame    = []byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100","0"]]}`)
)

// scriptTransport plays back a fixed frame sequence. When the script
// runs out it either blocks until Close or fails immediately,
// depending on failWhenDone.
type scriptTransport struct {
	frames       chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	failWhenDone bool

	mu     sync.Mutex
	writes []interface{}
}

func newScriptTransport(failWhenDone bool, frames ...[]byte) *scriptTransport {
	t := &scriptTransport{
		frames:       make(chan []byte, len(frames)),
		closed:       make(chan struct{}),
		failWhenDone: failWhenDone,
	}
	for _, f := range frames {
		t.frames <- f
	}
	return t
}

func (t *scriptTransport) ReadMessage() ([]byte, error) {
	if t.failWhenDone {
		select {
		case f := <-t.frames:
			return f, nil
		case <-t.closed:
			return nil, errors.New("connection closed")
		default:
			return nil, errors.New("connection reset")
		}
	}
	select {
	case f := <-t.frames:
		return f, nil
	case <-t.closed:
		return nil, errors.New("connection closed")
	}
}

func (t *scriptTransport) WriteJSON(v interface{}) error {
	select {
	case <-t.closed:
		return errors.New("connection closed")
	default:
	}
	t.mu.Lock()
	t.writes = append(t.writes, v)
	t.mu.Unlock()
	return nil
}

func (t *scriptTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *scriptTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

func testConfig() *config.Config {
	return &config.Config{
		Pair: "BTC-USD",
		Feed: config.FeedConfig{
			Mode:            config.FeedModeLive,
			LiveURL:         "wss://feed.test/ws",
			MaxMessageBytes: 8 * 1024 * 1024,
		},
		Book:      config.BookConfig{Depth: 50},
		Analytics: config.AnalyticsConfig{MovingAveragePeriod: 10},
		Reconnect: config.ReconnectConfig{BaseDelayMs: 10, MaxDelayMs: 40},
	}
}

func newTestChannels() *channel.Channels {
	return channel.NewChannels(256, 256, 256)
}

func nextEvent(t *testing.T, events <-chan models.LifecycleEvent, kind models.EventKind) models.LifecycleEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestManagerHappyPathToStreaming(t *testing.T) {
	transport := newScriptTransport(false, ackFrame, snapshotFrame, deltaFrame)
	dial := func(ctx context.Context) (Transport, error) { return transport, nil }

	channels := newTestChannels()
	defer channels.Close()
	m := NewManager(testConfig(), dial, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	nextEvent(t, channels.Events, models.EventSubscriptionAcked)
	nextEvent(t, channels.Events, models.EventSnapshotLoaded)
	nextEvent(t, channels.Events, models.EventDeltaApplied)

	require.Eventually(t, func() bool {
		return m.State() == models.StateStreaming
	}, 3*time.Second, 10*time.Millisecond)

	// one subscribe request went out
	assert.Equal(t, 1, transport.writeCount())

	// snapshot metrics, then metrics after the delta removed bid 100
	first := <-channels.Metrics
	assert.Equal(t, "100", first.BestBid.String())
	assert.Equal(t, "101", first.BestAsk.String())
	assert.Equal(t, "1", first.Spread.String())
	assert.Equal(t, "100.5", first.MidPrice.String())

	second := <-channels.Metrics
	assert.Equal(t, "99", second.BestBid.String())
	assert.Equal(t, "2", second.Spread.String())
	assert.Equal(t, "2", second.MaxSpread.String())

	m.Stop()
	nextEvent(t, channels.Events, models.EventStopped)
	assert.Equal(t, models.StateIdle, m.State())
}

func TestManagerValidationFailureTriggersReconnect(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	dial := func(ctx context.Context) (Transport, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return newScriptTransport(false, badAckFrame), nil
		}
		return newScriptTransport(false, ackFrame, snapshotFrame), nil
	}

	channels := newTestChannels()
	defer channels.Close()
	m := NewManager(testConfig(), dial, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	nextEvent(t, channels.Events, models.EventValidationFailed)
	nextEvent(t, channels.Events, models.EventReconnectScheduled)
	nextEvent(t, channels.Events, models.EventSnapshotLoaded)

	require.Eventually(t, func() bool {
		return m.State() == models.StateStreaming
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
}

func TestManagerBackoffDoublesUpToMax(t *testing.T) {
	dial := func(ctx context.Context) (Transport, error) {
		return nil, errors.New("dial refused")
	}

	channels := newTestChannels()
	defer channels.Close()
	m := NewManager(testConfig(), dial, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond, // capped
	}
	for i, delay := range want {
		ev := nextEvent(t, channels.Events, models.EventReconnectScheduled)
		assert.Equal(t, delay, ev.Delay, "attempt %d", i+1)
	}
}

func TestManagerBackoffResetsAfterStreaming(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	dial := func(ctx context.Context) (Transport, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		switch n {
		case 1, 2:
			return nil, errors.New("dial refused")
		default:
			// reaches Streaming, then the read fails
			return newScriptTransport(true, ackFrame, snapshotFrame, deltaFrame), nil
		}
	}

	channels := newTestChannels()
	defer channels.Close()
	m := NewManager(testConfig(), dial, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	first := nextEvent(t, channels.Events, models.EventReconnectScheduled)
	assert.Equal(t, 10*time.Millisecond, first.Delay)
	second := nextEvent(t, channels.Events, models.EventReconnectScheduled)
	assert.Equal(t, 20*time.Millisecond, second.Delay)

	// the third attempt streams, resetting the backoff before its read
	// failure schedules the next reconnect
	third := nextEvent(t, channels.Events, models.EventReconnectScheduled)
	assert.Equal(t, 10*time.Millisecond, third.Delay)
}

func TestManagerFatalOnMissingPair(t *testing.T) {
	cfg := testConfig()
	cfg.Pair = ""

	channels := newTestChannels()
	defer channels.Close()
	m := NewManager(cfg, func(ctx context.Context) (Transport, error) {
		return newScriptTransport(false), nil
	}, channels)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, models.StateFatal, m.State())

	nextEvent(t, channels.Events, models.EventFatal)
}

func TestManagerFatalAfterRepeatedValidationFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect.MaxValidationFailures = 2

	dial := func(ctx context.Context) (Transport, error) {
		return newScriptTransport(false, badAckFrame), nil
	}

	channels := newTestChannels()
	defer channels.Close()
	m := NewManager(cfg, dial, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	nextEvent(t, channels.Events, models.EventValidationFailed)
	nextEvent(t, channels.Events, models.EventValidationFailed)
	nextEvent(t, channels.Events, models.EventFatal)

	require.Eventually(t, func() bool {
		return m.State() == models.StateFatal
	}, 3*time.Second, 10*time.Millisecond)

	m.Stop()
}

func TestManagerStopWhileAwaitingMessages(t *testing.T) {
	// a transport that never delivers anything
	transport := newScriptTransport(false, ackFrame)
	dial := func(ctx context.Context) (Transport, error) { return transport, nil }

	channels := newTestChannels()
	defer channels.Close()
	m := NewManager(testConfig(), dial, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool {
		return m.State() == models.StateAwaitingSnapshot
	}, 3*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not unblock the pending read")
	}

	assert.Equal(t, models.StateIdle, m.State())
}
