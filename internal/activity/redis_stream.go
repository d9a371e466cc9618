package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream appends events to a capped Redis stream.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream connects to redisURL and verifies the connection.
func NewRedisStream(redisURL, stream string, maxLen int64) (*RedisStream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStreamWithClient(client, stream, maxLen), nil
}

func NewRedisStreamWithClient(client *redis.Client, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStream) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":         event.Type,
			"projectId":    event.ProjectID,
			"suggestionId": event.SuggestionID,
			"actorId":      event.ActorID,
			"payload":      string(payload),
			"at":           event.At.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// Recent returns up to count of the newest events, newest first.
func (s *RedisStream) Recent(ctx context.Context, count int64) ([]Event, error) {
	messages, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read activity: %w", err)
	}
	events := make([]Event, 0, len(messages))
	for _, msg := range messages {
		event := Event{
			Type:         stringValue(msg.Values, "type"),
			ProjectID:    stringValue(msg.Values, "projectId"),
			SuggestionID: stringValue(msg.Values, "suggestionId"),
			ActorID:      stringValue(msg.Values, "actorId"),
		}
		if raw := stringValue(msg.Values, "payload"); raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &event.Payload); err != nil {
				return nil, fmt.Errorf("decode activity payload %s: %w", msg.ID, err)
			}
		}
		if at, err := time.Parse(time.RFC3339Nano, stringValue(msg.Values, "at")); err == nil {
			event.At = at
		}
		events = append(events, event)
	}
	return events, nil
}

func stringValue(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}

func (s *RedisStream) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
