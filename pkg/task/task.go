package task

import (
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Type classifies a unit of work. Priority and scheduling behavior are
// derived from it unless the task carries an explicit priority.
type Type string

const (
	// TypeInteractive is a direct request from the owner.
	TypeInteractive Type = "interactive"
	// TypeReview is an automated follow-up review of a completed task.
	TypeReview Type = "review"
	// TypeSelfImprove is a background self-improvement cycle.
	TypeSelfImprove Type = "self_improve"
	// TypeScheduled is cron-driven background work.
	TypeScheduled Type = "scheduled"
	// TypeIdle is opportunistic work scheduled when the pool is quiet.
	TypeIdle Type = "idle"
)

// Task is one unit of requested work. It is immutable once dequeued,
// except for Attempt which retry/recovery logic bumps.
type Task struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Text      string    `json:"text"`
	ImageB64  string    `json:"image_b64,omitempty"`
	ImageMime string    `json:"image_mime,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Priority  int       `json:"priority"`
	Attempt   int       `json:"attempt"`
	Seq       int64     `json:"seq"`
	QueuedAt  time.Time `json:"queued_at,omitempty"`

	// RetryOf is set when this task is a hard-timeout or crash retry of
	// an earlier attempt.
	RetryOf string `json:"retry_of,omitempty"`
	// ReviewOf links a review task back to the task it reviews.
	ReviewOf string `json:"review_of,omitempty"`
}

// NewID returns a short unique task identifier.
func NewID() string {
	id, err := gonanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 10)
	if err != nil {
		// nanoid only fails when the RNG does; fall back to a timestamp id
		return "t" + time.Now().UTC().Format("20060102150405.000000")
	}
	return id
}

// New creates a task of the given type with a fresh ID and default
// priority for its class.
func New(typ Type, text string) Task {
	return Task{
		ID:       NewID(),
		Type:     typ,
		Text:     text,
		Priority: PriorityFor(typ),
		Attempt:  1,
	}
}

// PriorityFor maps a task type to its default priority class.
// Lower is more urgent.
func PriorityFor(typ Type) int {
	switch Type(strings.ToLower(string(typ))) {
	case TypeInteractive, TypeReview:
		return 0
	case TypeSelfImprove:
		return 1
	case TypeIdle, TypeScheduled:
		return 2
	default:
		return 3
	}
}

// Usage accumulates model spend for one task.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CachedTokens     int     `json:"cached_tokens"`
	Cost             float64 `json:"cost"`
	Rounds           int     `json:"rounds"`
}

// Add merges another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CachedTokens += other.CachedTokens
	u.Cost += other.Cost
	u.Rounds += other.Rounds
}
