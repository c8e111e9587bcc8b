package commandbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CommandChannel is the per-meeting topic workers subscribe to.
func CommandChannel(meetingID int64) string {
	return fmt.Sprintf("bot_commands:meeting:%d", meetingID)
}

// EventChannel is the per-meeting topic workers publish events to.
func EventChannel(meetingID int64) string {
	return fmt.Sprintf("va:meeting:%d:events", meetingID)
}

// Event is a worker-emitted bus message (speak.*, chat.*, screen.*,
// avatar.*, voice_agent.*). Extra per-event fields land in Payload.
type Event struct {
	Event     string         `json:"event"`
	MeetingID int64          `json:"meeting_id"`
	TS        time.Time      `json:"ts"`
	Payload   map[string]any `json:"-"`
}

// Bus publishes commands and subscribes to worker events.
type Bus struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// New creates a Bus on an externally-owned Redis client.
func New(rdb redis.UniversalClient, logger *slog.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger.With("component", "commandbus")}
}

// NewFromURL connects a dedicated Redis client from a redis:// URL.
func NewFromURL(redisURL string, logger *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("commandbus: parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), logger), nil
}

// Ping verifies Redis connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("commandbus: ping: %w", err)
	}
	return nil
}

// Publish sends a command on the meeting's topic. Delivery is
// best-effort: a worker that is not subscribed misses the message, and
// the reaper covers for it.
func (b *Bus) Publish(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("commandbus: encode command: %w", err)
	}
	receivers, err := b.rdb.Publish(ctx, CommandChannel(cmd.MeetingID), raw).Result()
	if err != nil {
		return fmt.Errorf("commandbus: publish: %w", err)
	}
	if receivers == 0 {
		b.logger.Warn("Command published with no subscribers",
			"action", cmd.Action, "meeting_id", cmd.MeetingID)
	}
	return nil
}

// SubscribeEvents streams a meeting's worker events until the context is
// canceled. Messages whose meeting_id does not match the channel are
// dropped: channel names alone are not trusted.
func (b *Bus) SubscribeEvents(ctx context.Context, meetingID int64) (<-chan Event, error) {
	pubsub := b.rdb.Subscribe(ctx, EventChannel(meetingID))
	// Force the subscription onto the wire before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("commandbus: subscribe: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := decodeEvent(msg.Payload)
				if err != nil {
					b.logger.Warn("Dropping undecodable event",
						"meeting_id", meetingID, "error", err)
					continue
				}
				if ev.MeetingID != meetingID {
					b.logger.Warn("Dropping event with mismatched meeting_id",
						"channel_meeting_id", meetingID, "event_meeting_id", ev.MeetingID)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SubscribeCommands streams a meeting's commands, with the same
// meeting_id filtering workers apply. Used by tests and by the in-proc
// voice agent.
func (b *Bus) SubscribeCommands(ctx context.Context, meetingID int64) (<-chan Command, error) {
	pubsub := b.rdb.Subscribe(ctx, CommandChannel(meetingID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("commandbus: subscribe: %w", err)
	}

	out := make(chan Command)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cmd Command
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					b.logger.Warn("Dropping undecodable command",
						"meeting_id", meetingID, "error", err)
					continue
				}
				if cmd.MeetingID != meetingID {
					b.logger.Warn("Dropping command with mismatched meeting_id",
						"channel_meeting_id", meetingID, "command_meeting_id", cmd.MeetingID)
					continue
				}
				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PublishEvent emits a worker-side event. The control plane itself uses
// this for events it synthesizes (voice agent lifecycle).
func (b *Bus) PublishEvent(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	flat := map[string]any{
		"event":      ev.Event,
		"meeting_id": ev.MeetingID,
		"ts":         ev.TS,
	}
	for k, v := range ev.Payload {
		if _, reserved := flat[k]; !reserved {
			flat[k] = v
		}
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("commandbus: encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, EventChannel(ev.MeetingID), raw).Err(); err != nil {
		return fmt.Errorf("commandbus: publish event: %w", err)
	}
	return nil
}

func decodeEvent(payload string) (Event, error) {
	var flat map[string]any
	if err := json.Unmarshal([]byte(payload), &flat); err != nil {
		return Event{}, err
	}
	var ev Event
	if name, ok := flat["event"].(string); ok {
		ev.Event = name
	}
	if id, ok := flat["meeting_id"].(float64); ok {
		ev.MeetingID = int64(id)
	}
	if ts, ok := flat["ts"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.TS = parsed
		}
	}
	delete(flat, "event")
	delete(flat, "meeting_id")
	delete(flat, "ts")
	if len(flat) > 0 {
		ev.Payload = flat
	}
	return ev, nil
}

// Close releases the underlying Redis client.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
