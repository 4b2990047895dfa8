package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "SparkLLM-Demo/internal/errors"
)

func TestMemoryQueueDeliversAll(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, Completion{RequestID: id, Status: "ok"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var (
		mu  sync.Mutex
		got = map[string]bool{}
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, c Completion) error {
			mu.Lock()
			got[c.RequestID] = true
			mu.Unlock()
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("consume did not return after close")
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 completions, got %v", got)
	}
	if err := q.Publish(ctx, Completion{}); err == nil {
		t.Fatalf("publish after close must fail")
	}
}

func TestMemoryQueueConsumeStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Consume(ctx, 1, func(context.Context, Completion) error { return nil }); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	data, err := encode(Completion{RequestID: "r1", Status: "failed", ErrorCode: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c, err := decode(data)
	if err != nil || c.RequestID != "r1" || c.ErrorCode != 1 {
		t.Fatalf("unexpected decode result %+v (%v)", c, err)
	}
	if _, err := decode([]byte("{")); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected QUEUE_FAILURE, got %v", err)
	}
}

func TestRemoteQueuesRequireAddress(t *testing.T) {
	if _, err := NewRedisQueue(RedisQueueConfig{}); err == nil {
		t.Fatalf("expected error for empty redis address")
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); err == nil {
		t.Fatalf("expected error for empty rabbitmq url")
	}
}

func TestHandlerErrorsDoNotStopConsumption(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	for _, id := range []string{"bad", "good"} {
		if err := q.Publish(ctx, Completion{RequestID: id}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_ = q.Close()

	var seen []string
	err := q.Consume(ctx, 1, func(_ context.Context, c Completion) error {
		seen = append(seen, c.RequestID)
		if c.RequestID == "bad" {
			return errors.New("handler failed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(seen) != 2 || seen[1] != "good" {
		t.Fatalf("expected both completions to be handled in order, got %v", seen)
	}
}

func TestRedisQueueDefaults(t *testing.T) {
	q := newRedisQueue(nil, "", 0)
	if q.key != "sparkdemo:completions" || q.wait != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", q)
	}
}

func TestRelayCloseWaitsForConsumer(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	relay := StartRelay(context.Background(), NewMemoryQueue(8), 2, func(_ context.Context, c Completion) error {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		seen = append(seen, c.RequestID)
		mu.Unlock()
		return nil
	})
	for _, id := range []string{"a", "b", "c"} {
		if err := relay.Publish(context.Background(), Completion{RequestID: id}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if err := relay.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("close returned before every completion was handled: %v", seen)
	}
	if err := relay.Publish(context.Background(), Completion{RequestID: "late"}); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("publish after close should fail, got %v", err)
	}
}

func TestRelayStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	relay := StartRelay(ctx, NewMemoryQueue(1), 1, func(context.Context, Completion) error { return nil })
	cancel()
	done := make(chan error, 1)
	go func() { done <- relay.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancellation must not surface as a close error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("relay close hung after cancellation")
	}
}

func TestRedisQueueConsumeEndsAfterClose(t *testing.T) {
	q := newRedisQueue(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "", time.Second)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	err := q.Consume(context.Background(), 2, func(context.Context, Completion) error {
		t.Fatalf("no completion expected from a closed queue")
		return nil
	})
	if err != nil {
		t.Fatalf("consume on a closed queue should end cleanly, got %v", err)
	}
}
