package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"vodpipeline/models"

	"github.com/redis/go-redis/v9"
)

const eventField = "event"

// encodeEvent stamps ev and returns the stream field value.
func encodeEvent(ev models.Event) (string, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	return string(data), nil
}

func (q *Queue) addEvent(ctx context.Context, c redis.Cmdable, ev models.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.eventsKey(),
		MaxLen: eventsMaxLen,
		Approx: true,
		Values: map[string]any{eventField: data},
	}).Err()
}

// Delivery is one lifecycle event handed to a subscriber. Unacknowledged
// deliveries are handed out again when the same consumer subscribes after a
// restart.
type Delivery struct {
	Event models.Event

	q     *Queue
	group string
}

func (d Delivery) Ack(ctx context.Context) error {
	return d.q.rdb.XAck(ctx, d.q.eventsKey(), d.group, d.Event.ID).Err()
}

// Subscribe streams lifecycle events of every job to a consumer of group.
// Each event is delivered to one consumer per group. The channel closes when
// ctx ends.
func (q *Queue) Subscribe(ctx context.Context, group, consumer string) (<-chan Delivery, error) {
	err := q.rdb.XGroupCreateMkStream(ctx, q.eventsKey(), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", group, err)
	}

	out := make(chan Delivery)
	go q.consume(ctx, group, consumer, out)
	return out, nil
}

func (q *Queue) consume(ctx context.Context, group, consumer string, out chan<- Delivery) {
	defer close(out)

	// Replay this consumer's pending entries first, then switch to new ones.
	cursor := "0"
	for ctx.Err() == nil {
		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{q.eventsKey(), cursor},
			Count:    16,
			Block:    q.blockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			cursor = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Queue] Event read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var messages []redis.XMessage
		if len(streams) > 0 {
			messages = streams[0].Messages
		}
		if cursor != ">" && len(messages) == 0 {
			cursor = ">"
			continue
		}

		for _, msg := range messages {
			if cursor != ">" {
				cursor = msg.ID
			}
			ev, err := decodeEvent(msg)
			if err != nil {
				log.Printf("[Queue] Dropping malformed event %s: %v", msg.ID, err)
				q.rdb.XAck(ctx, q.eventsKey(), group, msg.ID)
				continue
			}
			select {
			case out <- Delivery{Event: ev, q: q, group: group}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decodeEvent(msg redis.XMessage) (models.Event, error) {
	raw, ok := msg.Values[eventField].(string)
	if !ok {
		return models.Event{}, fmt.Errorf("missing %q field", eventField)
	}
	var ev models.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return models.Event{}, err
	}
	ev.ID = msg.ID
	return ev, nil
}
