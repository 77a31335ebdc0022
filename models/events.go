package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionState is the feed connection state machine position. It is
// owned exclusively by the feed manager; it appears here so lifecycle
// events can carry transitions without importing the feed package.
type ConnectionState string

const (
	StateIdle                    ConnectionState = "idle"
	StateConnecting              ConnectionState = "connecting"
	StateAwaitingSubscriptionAck ConnectionState = "awaiting_subscription_ack"
	StateAwaitingSnapshot        ConnectionState = "awaiting_snapshot"
	StateStreaming               ConnectionState = "streaming"
	StateReconnecting            ConnectionState = "reconnecting"
	StateFatal                   ConnectionState = "fatal"
)

// EventKind classifies lifecycle events emitted by the feed manager.
type EventKind string

const (
	EventStateChange        EventKind = "state_change"
	EventSubscriptionAcked  EventKind = "subscription_acked"
	EventSnapshotLoaded     EventKind = "snapshot_loaded"
	EventDeltaApplied       EventKind = "delta_applied"
	EventValidationFailed   EventKind = "validation_failed"
	EventTransportError     EventKind = "transport_error"
	EventReconnectScheduled EventKind = "reconnect_scheduled"
	EventFatal              EventKind = "fatal"
	EventStopped            EventKind = "stopped"
)

// LifecycleEvent is the observable record of one state transition or
// one message outcome. Every error surfaced by the feed manager
// produces exactly one event.
type LifecycleEvent struct {
	ID        string          `json:"id"`
	AttemptID string          `json:"attempt_id"`
	Pair      string          `json:"pair"`
	Kind      EventKind       `json:"kind"`
	From      ConnectionState `json:"from,omitempty"`
	To        ConnectionState `json:"to,omitempty"`
	Delay     time.Duration   `json:"delay,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MetricsSnapshot is the read-only analytics view published after each
// successful book mutation.
type MetricsSnapshot struct {
	Pair          string          `json:"pair"`
	BestBid       decimal.Decimal `json:"best_bid"`
	BestAsk       decimal.Decimal `json:"best_ask"`
	Spread        decimal.Decimal `json:"spread"`
	MaxSpread     decimal.Decimal `json:"max_spread"`
	MidPrice      decimal.Decimal `json:"mid_price"`
	MovingAverage decimal.Decimal `json:"moving_average"`
	Timestamp     time.Time       `json:"timestamp"`
}

// RawMessage is a verbatim wire frame handed to the capture sink.
type RawMessage struct {
	Pair      string    `json:"pair"`
	Direction string    `json:"direction"` // "in" or "out"
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
