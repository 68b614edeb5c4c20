// Package events carries optimizer progress to RabbitMQ and optimizer commands back.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// Routing keys for events.
const (
	RoutingKeyPrefixOptimization = "optimization."
	RoutingKeyBacktestCompleted  = "backtest.completed"

	// Commands consumed by the optimizer.
	RoutingKeyCommandPause  = "optimizer.command.pause"
	RoutingKeyCommandResume = "optimizer.command.resume"
	RoutingKeyCommandSkip   = "optimizer.command.skip"
	RoutingKeyCommandCancel = "optimizer.command.cancel"
)

// CommandRoutingKeys lists every command key the optimizer listens on.
var CommandRoutingKeys = []string{
	RoutingKeyCommandPause,
	RoutingKeyCommandResume,
	RoutingKeyCommandSkip,
	RoutingKeyCommandCancel,
}

// RoutingKeyFor returns the routing key of a progress event, e.g.
// "optimization.test_completed".
func RoutingKeyFor(t domain.EventType) string {
	return RoutingKeyPrefixOptimization + string(t)
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with auto-generated event_id.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
		Source:    "stratlab",
	}
}

// ProgressMessage wraps an optimizer progress event. The envelope reuses the
// event's own id so consumers can deduplicate redeliveries.
type ProgressMessage struct {
	BaseEvent
	Progress domain.ProgressEvent `json:"progress"`
}

// NewProgressMessage creates the message published for ev.
func NewProgressMessage(ev domain.ProgressEvent) *ProgressMessage {
	base := NewBaseEvent(RoutingKeyFor(ev.Type))
	if ev.ID != uuid.Nil {
		base.EventID = ev.ID.String()
	}
	if !ev.Timestamp.IsZero() {
		base.Timestamp = ev.Timestamp
	}
	return &ProgressMessage{BaseEvent: base, Progress: ev}
}

// BacktestCompletedEvent is published after a standalone backtest finishes.
type BacktestCompletedEvent struct {
	BaseEvent
	Strategy    string              `json:"strategy"`
	Parameters  domain.ParameterSet `json:"parameters,omitempty"`
	TotalTrades int                 `json:"total_trades"`
	DeepBars    int                 `json:"deep_bars"`
	Metrics     *domain.Metrics     `json:"metrics,omitempty"`
}

// NewBacktestCompletedEvent summarizes result without its trade list and equity curve.
func NewBacktestCompletedEvent(result *domain.BacktestResult) *BacktestCompletedEvent {
	return &BacktestCompletedEvent{
		BaseEvent:   NewBaseEvent(RoutingKeyBacktestCompleted),
		Strategy:    result.Strategy,
		Parameters:  result.Parameters,
		TotalTrades: len(result.Trades),
		DeepBars:    result.DeepBars,
		Metrics:     result.Metrics,
	}
}

// ControlMessage is the body of an optimizer command.
type ControlMessage struct {
	JobID    uuid.UUID           `json:"job_id"`
	Stage    int                 `json:"stage,omitempty"`
	Defaults domain.ParameterSet `json:"defaults,omitempty"`
}
