package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus stores each request's events in a Redis stream. Stream entry IDs
// double as event IDs, so SSE clients can resume with Last-Event-ID.
type RedisBus struct {
	client *redis.Client
	prefix string
	maxLen int64
	block  time.Duration
}

// NewRedisBus connects to redisURL.
func NewRedisBus(redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBusWithClient(client), nil
}

// NewRedisBusWithClient creates a bus from an existing client.
func NewRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: "helpdesk:events:",
		maxLen: 1000,
		block:  2 * time.Second,
	}
}

func (b *RedisBus) key(requestID string) string {
	return b.prefix + requestID
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) (Event, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.ID = ""
	payload, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.key(ev.RequestID),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"type": string(ev.Type), "event": string(payload)},
	}).Result()
	if err != nil {
		return Event{}, fmt.Errorf("publish event: %w", err)
	}
	ev.ID = id
	return ev, nil
}

func (b *RedisBus) History(ctx context.Context, requestID, afterID string) ([]Event, error) {
	start := "-"
	if afterID != "" {
		start = afterID
	}
	msgs, err := b.client.XRange(ctx, b.key(requestID), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read event history: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == afterID {
			continue
		}
		ev, err := decode(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (b *RedisBus) Subscribe(ctx context.Context, requestID, afterID string) (<-chan Event, error) {
	last := afterID
	if last == "" {
		last = "$"
	}
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		for {
			streams, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.key(requestID), last},
				Count:   100,
				Block:   b.block,
			}).Result()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				log.Printf(`{"level":"error","msg":"read event stream","request_id":%q,"error":%q}`, requestID, err.Error())
				return
			}
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					last = msg.ID
					ev, err := decode(msg)
					if err != nil {
						log.Printf(`{"level":"warn","msg":"skip malformed event","request_id":%q,"event_id":%q}`, requestID, msg.ID)
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// Ping checks if Redis is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func decode(msg redis.XMessage) (Event, error) {
	raw, _ := msg.Values["event"].(string)
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, fmt.Errorf("decode event %s: %w", msg.ID, err)
	}
	ev.ID = msg.ID
	return ev, nil
}
