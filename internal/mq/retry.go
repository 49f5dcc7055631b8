package mq

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PublishFunc publishes one event
type PublishFunc func(ctx context.Context, routingKey string, payload any) error

// PendingEvent is an event whose publish failed
type PendingEvent struct {
	RoutingKey    string
	Payload       any
	Attempts      int
	FirstFailedAt time.Time
	LastError     string
}

// RetryStats summarizes one Drain
type RetryStats struct {
	Republished int
	Requeued    int
	Dropped     int
}

// RetryBuffer holds unpublished events in memory until they are republished
// or run out of attempts. When full, the oldest event is dropped.
type RetryBuffer struct {
	capacity    int
	maxAttempts int
	logger      *zap.Logger

	mu     sync.Mutex
	events []PendingEvent
}

// NewRetryBuffer creates a buffer holding at most capacity events
func NewRetryBuffer(capacity, maxAttempts int, logger *zap.Logger) *RetryBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryBuffer{
		capacity:    capacity,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Add records a failed publish. It counts as the first attempt.
func (b *RetryBuffer) Add(routingKey string, payload any, cause error) {
	event := PendingEvent{
		RoutingKey:    routingKey,
		Payload:       payload,
		Attempts:      1,
		FirstFailedAt: time.Now(),
	}
	if cause != nil {
		event.LastError = cause.Error()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(event)
}

func (b *RetryBuffer) push(event PendingEvent) {
	if event.Attempts >= b.maxAttempts {
		b.drop(event, "max attempts reached")
		return
	}
	if len(b.events) >= b.capacity {
		b.drop(b.events[0], "retry buffer full")
		b.events = b.events[1:]
	}
	b.events = append(b.events, event)
}

func (b *RetryBuffer) drop(event PendingEvent, reason string) {
	b.logger.Error("dropping unpublished event",
		zap.String("reason", reason),
		zap.String("routing_key", event.RoutingKey),
		zap.Int("attempts", event.Attempts),
		zap.String("last_error", event.LastError),
		zap.Time("first_failed_at", event.FirstFailedAt),
	)
}

// Len returns the number of buffered events
func (b *RetryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Drain tries to publish every buffered event once. Failed events go back
// into the buffer unless they ran out of attempts.
func (b *RetryBuffer) Drain(ctx context.Context, publish PublishFunc) RetryStats {
	b.mu.Lock()
	pending := b.events
	b.events = nil
	b.mu.Unlock()

	var stats RetryStats
	for i, event := range pending {
		if ctx.Err() != nil {
			b.mu.Lock()
			for _, rest := range pending[i:] {
				b.push(rest)
			}
			b.mu.Unlock()
			stats.Requeued += len(pending) - i
			break
		}

		err := publish(ctx, event.RoutingKey, event.Payload)
		if err == nil {
			stats.Republished++
			continue
		}

		event.Attempts++
		event.LastError = err.Error()

		b.mu.Lock()
		if event.Attempts >= b.maxAttempts {
			b.drop(event, "max attempts reached")
			stats.Dropped++
		} else {
			b.push(event)
			stats.Requeued++
		}
		b.mu.Unlock()
	}

	return stats
}
