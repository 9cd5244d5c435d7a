package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adsdev/ads/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var got *Event

	sub, err := bus.Subscribe("task.created", func(ctx context.Context, event *Event) error {
		got = event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("task.created", "queue", map[string]interface{}{"task_id": "t-1"})
	if err := bus.Publish(ctx, "task.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got == nil {
		t.Fatal("Expected event to be delivered")
	}
	if got.ID != event.ID {
		t.Errorf("Expected event ID %s, got %s", event.ID, got.ID)
	}
	if got.String("task_id") != "t-1" {
		t.Errorf("Expected task_id t-1, got %q", got.String("task_id"))
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	count := 0

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("task.completed", func(ctx context.Context, event *Event) error {
			count++
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	event := NewEvent("task.completed", "queue", nil)
	if err := bus.Publish(ctx, "task.completed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if count != 3 {
		t.Errorf("Expected 3 handlers to be called, got %d", count)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	count := 0

	sub, err := bus.Subscribe("task.created", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent("task.created", "queue", nil)
	if err := bus.Publish(ctx, "task.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, "task.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if count != 1 {
		t.Errorf("Expected 1 handler call, got %d", count)
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	count := 0

	sub, err := bus.Subscribe("task.*", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for _, subject := range []string{"task.created", "task.completed"} {
		if err := bus.Publish(ctx, subject, NewEvent(subject, "queue", nil)); err != nil {
			t.Fatalf("Publish %s failed: %v", subject, err)
		}
	}
	// Two tokens after the prefix, must not match '*'
	if err := bus.Publish(ctx, "task.created.extra", NewEvent("task.created.extra", "queue", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if count != 2 {
		t.Errorf("Expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	count := 0

	sub, err := bus.Subscribe("task.>", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for _, subject := range []string{"task.created", "task.status.changed"} {
		if err := bus.Publish(ctx, subject, NewEvent(subject, "queue", nil)); err != nil {
			t.Fatalf("Publish %s failed: %v", subject, err)
		}
	}
	// Bare prefix has no trailing token, must not match '>'
	if err := bus.Publish(ctx, "task", NewEvent("task", "queue", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if count != 2 {
		t.Errorf("Expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBus_WildcardNoMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	count := 0

	sub, err := bus.Subscribe("events.*.created", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, "events.created", NewEvent("events.created", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if count != 0 {
		t.Errorf("Expected 0 events (no match), got %d", count)
	}
}

func TestCompilePatternRejectsBadSubjects(t *testing.T) {
	cases := []string{"", "task.>.created", "task.foo*"}
	for _, subject := range cases {
		if _, err := compilePattern(subject); err == nil {
			t.Errorf("Expected error for subject %q", subject)
		}
	}
}

func TestMemoryEventBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	delivered := false

	sub1, err := bus.Subscribe("task.created", func(ctx context.Context, event *Event) error {
		return errors.New("handler boom")
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub1.Unsubscribe()
	}()

	sub2, err := bus.Subscribe("task.created", func(ctx context.Context, event *Event) error {
		delivered = true
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub2.Unsubscribe()
	}()

	if err := bus.Publish(ctx, "task.created", NewEvent("task.created", "queue", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !delivered {
		t.Error("Expected second handler to run despite first handler error")
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var mu sync.Mutex
	received := 0
	var wg sync.WaitGroup

	sub, err := bus.Subscribe("task.created", func(ctx context.Context, event *Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	numGoroutines := 10
	eventsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				event := NewEvent("task.created", "queue", nil)
				if err := bus.Publish(ctx, "task.created", event); err != nil {
					t.Errorf("Publish failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := numGoroutines * eventsPerGoroutine
	if received != want {
		t.Errorf("Expected %d events, got %d", want, received)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, "task.created", NewEvent("task.created", "queue", nil)); err == nil {
		t.Error("Expected error when publishing to closed bus")
	}

	_, err := bus.Subscribe("task.created", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err == nil {
		t.Error("Expected error when subscribing to closed bus")
	}
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent("task.created", "queue", map[string]interface{}{"task_id": "t-9"})
	after := time.Now().UTC()

	if event.ID == "" {
		t.Error("Expected event ID to be set")
	}
	if event.Type != "task.created" {
		t.Errorf("Expected type task.created, got %s", event.Type)
	}
	if event.Source != "queue" {
		t.Errorf("Expected source queue, got %s", event.Source)
	}
	if event.String("task_id") != "t-9" {
		t.Errorf("Expected data to contain task_id=t-9, got %q", event.String("task_id"))
	}
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Error("Expected timestamp to be set correctly")
	}
}

// Dispatch is synchronous so subscribers observe events in publish order.
// Streamed agent output rides the bus as discrete events and must not be
// reordered between publisher and subscriber.
func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	receivedOrder := make([]int, 0, numEvents)

	sub, err := bus.Subscribe("task.stream", func(ctx context.Context, event *Event) error {
		seq := event.Data["seq"].(int)
		receivedOrder = append(receivedOrder, seq)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEvents; i++ {
		event := NewEvent("task.stream", "queue", map[string]interface{}{"seq": i})
		if err := bus.Publish(ctx, "task.stream", event); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	if len(receivedOrder) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(receivedOrder))
	}
	for i, seq := range receivedOrder {
		if seq != i {
			t.Fatalf("Ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}
