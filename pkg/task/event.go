package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind tags events crossing the worker/supervisor boundary.
type EventKind string

const (
	EventUsage            EventKind = "usage_report"
	EventHeartbeat        EventKind = "heartbeat"
	EventOutgoingMessage  EventKind = "outgoing_message"
	EventTypingIndicator  EventKind = "typing_indicator"
	EventTaskCompleted    EventKind = "task_completed"
	EventTaskMetrics      EventKind = "task_metrics"
	EventRestartRequested EventKind = "restart_requested"
	EventPromoteRequested EventKind = "promote_requested"
	EventScheduleTask     EventKind = "schedule_task"
	EventCancelTask       EventKind = "cancel_task"
)

// Event is the tagged union carried over the shared worker→supervisor
// channel. Unknown kinds decode into UnknownEvent and are logged and
// dropped by the dispatcher, never treated as fatal.
type Event interface {
	Kind() EventKind
}

// WorkerEvent wraps an event with the worker that produced it. The
// supervisor's reader goroutines fill WorkerID before multiplexing.
type WorkerEvent struct {
	WorkerID int
	Event    Event
}

// UsageEvent reports model spend for one call within a task.
type UsageEvent struct {
	TaskID   string  `json:"task_id"`
	Model    string  `json:"model"`
	Usage    Usage   `json:"usage"`
	Cost     float64 `json:"cost"`
	Estimate bool    `json:"estimate,omitempty"`
}

func (UsageEvent) Kind() EventKind { return EventUsage }

// HeartbeatEvent is a liveness ping emitted on a fixed interval while a
// task runs, distinct from completion.
type HeartbeatEvent struct {
	TaskID string `json:"task_id"`
	Phase  string `json:"phase,omitempty"`
}

func (HeartbeatEvent) Kind() EventKind { return EventHeartbeat }

// MessageEvent asks the supervisor to deliver text to a recipient.
type MessageEvent struct {
	TaskID    string `json:"task_id"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	Progress  bool   `json:"progress,omitempty"`
}

func (MessageEvent) Kind() EventKind { return EventOutgoingMessage }

// TypingEvent signals the requester that the worker is composing.
type TypingEvent struct {
	TaskID    string `json:"task_id"`
	Recipient string `json:"recipient"`
}

func (TypingEvent) Kind() EventKind { return EventTypingIndicator }

// CompletedEvent carries the terminal result of a task.
type CompletedEvent struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
	Usage  Usage  `json:"usage"`
}

func (CompletedEvent) Kind() EventKind { return EventTaskCompleted }

// MetricsEvent reports per-task execution metrics for observability.
type MetricsEvent struct {
	TaskID     string        `json:"task_id"`
	Rounds     int           `json:"rounds"`
	ToolCalls  int           `json:"tool_calls"`
	ToolErrors int           `json:"tool_errors"`
	Duration   time.Duration `json:"duration"`
}

func (MetricsEvent) Kind() EventKind { return EventTaskMetrics }

// RestartEvent asks the supervisor to apply a pending code update and
// respawn the pool.
type RestartEvent struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

func (RestartEvent) Kind() EventKind { return EventRestartRequested }

// PromoteEvent asks the supervisor to mark the current revision as
// last-known-good.
type PromoteEvent struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

func (PromoteEvent) Kind() EventKind { return EventPromoteRequested }

// ScheduleEvent asks the supervisor to enqueue a new task.
type ScheduleEvent struct {
	TaskID string `json:"task_id"`
	Task   Task   `json:"task"`
}

func (ScheduleEvent) Kind() EventKind { return EventScheduleTask }

// CancelEvent asks the supervisor to cancel a pending or running task.
type CancelEvent struct {
	TaskID string `json:"task_id"`
	Target string `json:"target"`
}

func (CancelEvent) Kind() EventKind { return EventCancelTask }

// UnknownEvent preserves an unrecognized tag for logging.
type UnknownEvent struct {
	Tag string
	Raw json.RawMessage
}

func (UnknownEvent) Kind() EventKind { return EventKind("unknown") }

type envelope struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent serializes an event into its wire envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	return json.Marshal(envelope{Type: ev.Kind(), Data: data})
}

// DecodeEvent parses a wire envelope into a typed event. Unrecognized
// tags yield an UnknownEvent, not an error: new event kinds from newer
// workers must never crash an older supervisor.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode event: missing type tag")
	}

	var ev Event
	switch env.Type {
	case EventUsage:
		ev = &UsageEvent{}
	case EventHeartbeat:
		ev = &HeartbeatEvent{}
	case EventOutgoingMessage:
		ev = &MessageEvent{}
	case EventTypingIndicator:
		ev = &TypingEvent{}
	case EventTaskCompleted:
		ev = &CompletedEvent{}
	case EventTaskMetrics:
		ev = &MetricsEvent{}
	case EventRestartRequested:
		ev = &RestartEvent{}
	case EventPromoteRequested:
		ev = &PromoteEvent{}
	case EventScheduleTask:
		ev = &ScheduleEvent{}
	case EventCancelTask:
		ev = &CancelEvent{}
	default:
		return UnknownEvent{Tag: string(env.Type), Raw: env.Data}, nil
	}

	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", env.Type, err)
	}
	return ev, nil
}
