// Package feed owns the connection/subscription state machine for one
// trading pair: dial, subscribe, validate the ack, load the snapshot,
// then stream deltas until the transport or the protocol fails, and
// reconnect with exponential backoff. Book and analytics state live
// for exactly one connection attempt; nothing carries over between
// attempts.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"bookflow/analytics"
	"bookflow/book"
	"bookflow/config"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/protocol"
)

// ErrConfiguration marks unusable local configuration. It is the only
// error class that stops the manager permanently.
var ErrConfiguration = errors.New("unusable configuration")

var errStopped = errors.New("feed manager stopped")

// fatalError wraps an error that must terminate the retry loop.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Manager runs the single receive loop for one trading pair. All book
// and analytics mutation happens on this loop, one message at a time,
// in strict receipt order.
type Manager struct {
	cfg      *config.Config
	dial     DialFunc
	channels *channel.Channels
	log      *logger.Log

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	once    sync.Once

	state              models.ConnectionState
	attemptID          string
	validationFailures int
	retry              *backoff.Backoff

	transportMu sync.Mutex
	transport   Transport
}

// NewManager creates a manager that dials through the provided
// DialFunc and publishes lifecycle events, metrics snapshots and raw
// frames through the provided channels.
func NewManager(cfg *config.Config, dial DialFunc, channels *channel.Channels) *Manager {
	return &Manager{
		cfg:      cfg,
		dial:     dial,
		channels: channels,
		log:      logger.GetLogger(),
		wg:       &sync.WaitGroup{},
		stop:     make(chan struct{}),
		state:    models.StateIdle,
		retry: &backoff.Backoff{
			Min:    cfg.Reconnect.BaseDelay(),
			Max:    cfg.Reconnect.MaxDelay(),
			Factor: 2,
		},
	}
}

// Start begins the connect/stream loop. Configuration-class problems
// move the manager straight to Fatal and are returned; transient
// failures are retried forever.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("feed manager already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	log := m.log.WithComponent("feed_manager").WithPair(m.cfg.Pair)

	if err := m.checkConfiguration(); err != nil {
		m.setState(models.StateFatal)
		m.emit(models.LifecycleEvent{Kind: models.EventFatal, Error: err.Error()})
		log.WithError(err).Error("fatal configuration error")
		return err
	}

	log.WithFields(logger.Fields{
		"mode": m.cfg.Feed.Mode,
		"url":  m.cfg.Feed.URL(),
	}).Info("starting feed manager")

	m.wg.Add(1)
	go m.run()

	return nil
}

// Stop requests orderly shutdown. It is observable at the next
// suspension point: a blocked read is unblocked by closing the
// transport, a backoff wait returns immediately. No further reconnects
// are attempted.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.once.Do(func() { close(m.stop) })
	m.closeTransport()

	m.log.WithComponent("feed_manager").WithPair(m.cfg.Pair).Info("stopping feed manager")
	m.wg.Wait()
	m.log.WithComponent("feed_manager").WithPair(m.cfg.Pair).Info("feed manager stopped")
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) checkConfiguration() error {
	if m.cfg.Pair == "" {
		return fmt.Errorf("%w: trading pair is empty", ErrConfiguration)
	}
	if m.cfg.Feed.URL() == "" {
		return fmt.Errorf("%w: feed endpoint is empty", ErrConfiguration)
	}
	if m.dial == nil {
		return fmt.Errorf("%w: no transport dialer", ErrConfiguration)
	}
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()

	log := m.log.WithComponent("feed_manager").WithPair(m.cfg.Pair)

	for {
		if m.stopped() {
			m.finish()
			return
		}

		err := m.runAttempt()
		if err == nil || errors.Is(err, errStopped) {
			m.finish()
			return
		}

		var fatal *fatalError
		if errors.As(err, &fatal) {
			m.setState(models.StateFatal)
			m.emit(models.LifecycleEvent{Kind: models.EventFatal, Error: err.Error()})
			log.WithError(err).Error("fatal error, giving up")
			return
		}

		delay := m.retry.Duration()
		m.setState(models.StateReconnecting)
		logger.IncrementReconnect()
		m.emit(models.LifecycleEvent{
			Kind:  models.EventReconnectScheduled,
			Delay: delay,
			Error: err.Error(),
		})
		log.WithError(err).WithFields(logger.Fields{"delay": delay.String()}).Warn("connection attempt failed, reconnecting")

		select {
		case <-m.stop:
			m.finish()
			return
		case <-m.ctx.Done():
			m.finish()
			return
		case <-time.After(delay):
		}
	}
}

func (m *Manager) finish() {
	m.setState(models.StateIdle)
	m.emit(models.LifecycleEvent{Kind: models.EventStopped})
}

// runAttempt performs one full connection lifecycle: dial, subscribe,
// ack, snapshot, stream. It returns nil only on orderly stop while
// streaming.
func (m *Manager) runAttempt() error {
	m.mu.Lock()
	m.attemptID = uuid.New().String()
	m.mu.Unlock()

	log := m.log.WithComponent("feed_manager").WithPair(m.cfg.Pair)

	m.setState(models.StateConnecting)
	transport, err := m.dial(m.ctx)
	if err != nil {
		if m.stopped() {
			return errStopped
		}
		m.emit(models.LifecycleEvent{Kind: models.EventTransportError, Error: err.Error()})
		return err
	}
	m.setTransport(transport)
	defer m.closeTransport()

	// Unblock a pending read the moment stop or cancellation is
	// observed, so the transport is never left half-open.
	attemptDone := make(chan struct{})
	defer close(attemptDone)
	go func() {
		select {
		case <-m.ctx.Done():
			transport.Close()
		case <-m.stop:
			transport.Close()
		case <-attemptDone:
		}
	}()

	// Fresh state per connection: the protocol mandates a new
	// snapshot after every reconnect.
	b := book.New(m.cfg.Book.Depth)
	engine := analytics.New(m.cfg.Pair, m.cfg.Analytics.MovingAveragePeriod)

	request := models.NewSubscribeRequest(m.cfg.Pair)
	if err := transport.WriteJSON(request); err != nil {
		if m.stopped() {
			return errStopped
		}
		m.emit(models.LifecycleEvent{Kind: models.EventTransportError, Error: err.Error()})
		return err
	}
	m.captureOutbound(request)
	log.Info("subscribe request sent")

	m.setState(models.StateAwaitingSubscriptionAck)
	raw, err := m.read(transport)
	if err != nil {
		return err
	}
	if _, err := protocol.ParseSubscriptionAck(raw, m.cfg.Pair); err != nil {
		return m.validationFailure(err)
	}
	m.emit(models.LifecycleEvent{Kind: models.EventSubscriptionAcked})
	log.Info("subscription acknowledged")

	m.setState(models.StateAwaitingSnapshot)
	raw, err = m.read(transport)
	if err != nil {
		return err
	}
	snapshot, err := protocol.ParseSnapshot(raw, m.cfg.Pair)
	if err != nil {
		return m.validationFailure(err)
	}
	b.ApplySnapshot(snapshot)
	m.emit(models.LifecycleEvent{Kind: models.EventSnapshotLoaded})
	log.WithFields(logger.Fields{
		"bids": len(snapshot.Bids),
		"asks": len(snapshot.Asks),
	}).Info("snapshot loaded")
	m.observe(engine, b)

	m.setState(models.StateStreaming)
	m.retry.Reset()
	m.resetValidationFailures()

	for {
		raw, err = m.read(transport)
		if err != nil {
			return err
		}
		delta, err := protocol.ParseDelta(raw, m.cfg.Pair)
		if err != nil {
			return m.validationFailure(err)
		}
		b.ApplyDelta(delta)
		m.emit(models.LifecycleEvent{Kind: models.EventDeltaApplied})
		m.observe(engine, b)
	}
}

// read receives one frame, counts it and hands a copy to the capture
// sink. Transport failures during shutdown surface as errStopped.
func (m *Manager) read(transport Transport) ([]byte, error) {
	data, err := transport.ReadMessage()
	if err != nil {
		if m.stopped() {
			return nil, errStopped
		}
		m.emit(models.LifecycleEvent{Kind: models.EventTransportError, Error: err.Error()})
		return nil, err
	}
	logger.IncrementMessageRead(len(data))
	m.channels.PublishRaw(m.ctx, models.RawMessage{
		Pair:      m.cfg.Pair,
		Direction: "in",
		Data:      data,
		Timestamp: time.Now(),
	})
	return data, nil
}

func (m *Manager) captureOutbound(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	m.channels.PublishRaw(m.ctx, models.RawMessage{
		Pair:      m.cfg.Pair,
		Direction: "out",
		Data:      data,
		Timestamp: time.Now(),
	})
}

// observe recomputes the indicators after a successful book mutation
// and publishes a metrics snapshot. Nothing is published while either
// side of the book is empty.
func (m *Manager) observe(engine *analytics.Engine, b *book.Book) {
	snapshot, ok := engine.Observe(b)
	if !ok {
		return
	}
	m.channels.PublishMetrics(m.ctx, snapshot)
	m.log.WithComponent("feed_manager").WithPair(m.cfg.Pair).WithFields(logger.Fields{
		"best_bid":       snapshot.BestBid.String(),
		"best_ask":       snapshot.BestAsk.String(),
		"spread":         snapshot.Spread.String(),
		"max_spread":     snapshot.MaxSpread.String(),
		"mid_price":      snapshot.MidPrice.String(),
		"moving_average": snapshot.MovingAverage.String(),
	}).Debug("book metrics")
}

// validationFailure records one protocol failure and decides whether
// to keep retrying or escalate to fatal per the configured threshold.
func (m *Manager) validationFailure(err error) error {
	m.mu.Lock()
	m.validationFailures++
	failures := m.validationFailures
	m.mu.Unlock()

	m.emit(models.LifecycleEvent{Kind: models.EventValidationFailed, Error: err.Error()})
	m.log.WithComponent("feed_manager").WithPair(m.cfg.Pair).WithError(err).WithFields(logger.Fields{
		"consecutive_failures": failures,
	}).Warn("message validation failed")

	max := m.cfg.Reconnect.MaxValidationFailures
	if max > 0 && failures >= max {
		return &fatalError{err: fmt.Errorf("%d consecutive validation failures: %w", failures, err)}
	}
	return err
}

func (m *Manager) resetValidationFailures() {
	m.mu.Lock()
	m.validationFailures = 0
	m.mu.Unlock()
}

func (m *Manager) setState(to models.ConnectionState) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.emit(models.LifecycleEvent{Kind: models.EventStateChange, From: from, To: to})
	m.log.WithComponent("feed_manager").WithPair(m.cfg.Pair).WithFields(logger.Fields{
		"from": string(from),
		"to":   string(to),
	}).Debug("state transition")
}

func (m *Manager) emit(ev models.LifecycleEvent) {
	m.mu.RLock()
	ev.AttemptID = m.attemptID
	ctx := m.ctx
	m.mu.RUnlock()

	ev.ID = uuid.New().String()
	ev.Pair = m.cfg.Pair
	ev.Timestamp = time.Now()

	if ctx == nil {
		ctx = context.Background()
	}
	m.channels.PublishEvent(ctx, ev)
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
	}
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()
	return ctx != nil && ctx.Err() != nil
}

func (m *Manager) setTransport(t Transport) {
	m.transportMu.Lock()
	m.transport = t
	m.transportMu.Unlock()
}

func (m *Manager) closeTransport() {
	m.transportMu.Lock()
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
	m.transportMu.Unlock()
}
