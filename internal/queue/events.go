package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventRunQueued    = "run.queued"
	EventRunStarted   = "run.started"
	EventRunStep      = "run.step"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunCancelled = "run.cancelled"
	EventMessageAdded = "message.added"
)

// Event is what execution publishes and the HTTP layer streams out.
type Event struct {
	Type           string    `json:"type"`
	RunID          string    `json:"run_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Agent          string    `json:"agent,omitempty"`
	StepNumber     int       `json:"step,omitempty"`
	Role           string    `json:"role,omitempty"`
	Content        string    `json:"content,omitempty"`
	At             time.Time `json:"at"`
}

// Notifier fans execution events out over redis pub/sub, one channel per
// run and one per conversation.
type Notifier struct {
	redis *redis.Client
}

func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{redis: rdb}
}

func runChannel(runID string) string {
	return "agentmux:events:run:" + runID
}

func conversationChannel(conversationID string) string {
	return "agentmux:events:conversation:" + conversationID
}

func (n *Notifier) Publish(ctx context.Context, ev Event) error {
	if n == nil || n.redis == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if ev.RunID != "" {
		if err := n.redis.Publish(ctx, runChannel(ev.RunID), payload).Err(); err != nil {
			return fmt.Errorf("publish run event: %w", err)
		}
	}
	if ev.ConversationID != "" {
		if err := n.redis.Publish(ctx, conversationChannel(ev.ConversationID), payload).Err(); err != nil {
			return fmt.Errorf("publish conversation event: %w", err)
		}
	}
	return nil
}

// SubscribeRun opens a subscription for one run's events. The caller owns
// the returned PubSub and must Close it.
func (n *Notifier) SubscribeRun(ctx context.Context, runID string) *redis.PubSub {
	return n.redis.Subscribe(ctx, runChannel(runID))
}

// SubscribeConversation opens a subscription for one conversation's events.
func (n *Notifier) SubscribeConversation(ctx context.Context, conversationID string) *redis.PubSub {
	return n.redis.Subscribe(ctx, conversationChannel(conversationID))
}

// DecodeEvent parses a pub/sub payload back into an Event.
func DecodeEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
