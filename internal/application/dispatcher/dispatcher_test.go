package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/garyjia/requisition-portal/internal/domain/event"
)

// mockLogger implements Logger for testing
type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

func (m *mockLogger) HasError(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.errors {
		if e == msg {
			return true
		}
	}
	return false
}

func submitted() *event.Event {
	return event.NewEvent(event.TypeRequisitionSubmitted, 1, "PR-FIN-202610-0001", nil)
}

func TestSubscribe(t *testing.T) {
	t.Run("subscribes multiple handlers to same event type", func(t *testing.T) {
		d := NewDispatcher()
		var order []string

		d.Subscribe(event.TypeRequisitionSubmitted, func(ctx context.Context, evt *event.Event) error {
			order = append(order, "first")
			return nil
		})
		d.Subscribe(event.TypeRequisitionSubmitted, func(ctx context.Context, evt *event.Event) error {
			order = append(order, "second")
			return nil
		})

		if err := d.Dispatch(context.Background(), submitted()); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
		if len(order) != 2 || order[0] != "first" || order[1] != "second" {
			t.Errorf("handlers ran as %v, want [first second]", order)
		}

		handlers := d.ListHandlers(event.TypeRequisitionSubmitted)
		if handlers[0].Name != "handler-0" || handlers[1].Name != "handler-1" {
			t.Errorf("auto-generated names = %s, %s", handlers[0].Name, handlers[1].Name)
		}
	})

	t.Run("subscribes one handler to many types", func(t *testing.T) {
		d := NewDispatcher()
		var calls atomic.Int32

		d.SubscribeMany([]event.Type{event.TypeRequisitionApproved, event.TypeRequisitionRejected}, "notify",
			func(ctx context.Context, evt *event.Event) error {
				calls.Add(1)
				return nil
			})

		_ = d.Dispatch(context.Background(), event.NewEvent(event.TypeRequisitionApproved, 1, "", nil))
		_ = d.Dispatch(context.Background(), event.NewEvent(event.TypeRequisitionRejected, 1, "", nil))
		_ = d.Dispatch(context.Background(), event.NewEvent(event.TypeRequisitionReturned, 1, "", nil))

		if calls.Load() != 2 {
			t.Errorf("handler called %d times, want 2", calls.Load())
		}
	})
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher(WithLogger(&mockLogger{}))
	called1, called2 := false, false

	d.SubscribeNamed(event.TypeRequisitionReturned, "handler-1", func(ctx context.Context, evt *event.Event) error {
		called1 = true
		return nil
	})
	d.SubscribeNamed(event.TypeRequisitionReturned, "handler-2", func(ctx context.Context, evt *event.Event) error {
		called2 = true
		return nil
	})
	d.Unsubscribe(event.TypeRequisitionReturned, "handler-1")

	_ = d.Dispatch(context.Background(), event.NewEvent(event.TypeRequisitionReturned, 1, "", nil))

	if called1 {
		t.Error("unsubscribed handler should not be called")
	}
	if !called2 {
		t.Error("remaining handler should be called")
	}
}

func TestDispatch(t *testing.T) {
	t.Run("returns first error encountered", func(t *testing.T) {
		d := NewDispatcher()
		secondCalled := false
		sinkErr := errors.New("sink unavailable")

		d.SubscribeNamed(event.TypeRequisitionSubmitted, "failing", func(ctx context.Context, evt *event.Event) error {
			return sinkErr
		})
		d.SubscribeNamed(event.TypeRequisitionSubmitted, "after", func(ctx context.Context, evt *event.Event) error {
			secondCalled = true
			return nil
		})

		err := d.Dispatch(context.Background(), submitted())
		if !errors.Is(err, sinkErr) {
			t.Errorf("expected wrapped sink error, got %v", err)
		}
		if secondCalled {
			t.Error("handlers after a failure should not run")
		}
	})

	t.Run("recovers from handler panic", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))

		d.Subscribe(event.TypeRequisitionSubmitted, func(ctx context.Context, evt *event.Event) error {
			panic("boom")
		})

		err := d.Dispatch(context.Background(), submitted())
		if err == nil {
			t.Fatal("expected error from panicking handler")
		}
		if !logger.HasError("Handler panic recovered") {
			t.Error("panic should be logged")
		}
	})

	t.Run("returns error when dispatcher is closed", func(t *testing.T) {
		d := NewDispatcher()
		_ = d.Close()

		if err := d.Dispatch(context.Background(), submitted()); err == nil {
			t.Error("expected error when dispatching on closed dispatcher")
		}
	})
}

func TestDispatchAsync(t *testing.T) {
	t.Run("dispatches to handlers asynchronously", func(t *testing.T) {
		d := NewDispatcher()
		var calls atomic.Int32
		release := make(chan struct{})

		for i := 0; i < 3; i++ {
			d.Subscribe(event.TypeRequisitionAdvanced, func(ctx context.Context, evt *event.Event) error {
				<-release
				calls.Add(1)
				return nil
			})
		}

		d.DispatchAsync(context.Background(), event.NewEvent(event.TypeRequisitionAdvanced, 1, "", nil))

		if calls.Load() != 0 {
			t.Error("DispatchAsync should not wait for handlers")
		}
		close(release)

		if err := d.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if calls.Load() != 3 {
			t.Errorf("handlers called %d times, want 3", calls.Load())
		}
	})

	t.Run("logs handler errors without propagating", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))

		d.Subscribe(event.TypeRequisitionApproved, func(ctx context.Context, evt *event.Event) error {
			return fmt.Errorf("lark unreachable")
		})

		d.DispatchAsync(context.Background(), event.NewEvent(event.TypeRequisitionApproved, 1, "", nil))
		_ = d.Close()

		if !logger.HasError("Async handler error") {
			t.Error("async handler error should be logged")
		}
	})

	t.Run("bounds each handler by the async timeout", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger), WithAsyncTimeout(20*time.Millisecond))

		d.Subscribe(event.TypeRequisitionApproved, func(ctx context.Context, evt *event.Event) error {
			<-ctx.Done()
			return ctx.Err()
		})

		d.DispatchAsync(context.Background(), event.NewEvent(event.TypeRequisitionApproved, 1, "", nil))

		closed := make(chan struct{})
		go func() {
			_ = d.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			t.Fatal("close blocked on a hung handler")
		}
		if !logger.HasError("Async handler error") {
			t.Error("timed out handler should be logged")
		}
	})

	t.Run("does not dispatch when dispatcher is closed", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))
		called := false

		d.Subscribe(event.TypeRequisitionApproved, func(ctx context.Context, evt *event.Event) error {
			called = true
			return nil
		})
		_ = d.Close()

		d.DispatchAsync(context.Background(), event.NewEvent(event.TypeRequisitionApproved, 1, "", nil))
		time.Sleep(10 * time.Millisecond)

		if called {
			t.Error("handler should not run after close")
		}
		if !logger.HasError("Cannot dispatch async event, dispatcher is closed") {
			t.Error("dropped event should be logged")
		}
	})
}

func TestListHandlers(t *testing.T) {
	d := NewDispatcher()

	if got := d.ListHandlers(event.TypeRoutingGap); len(got) != 0 {
		t.Errorf("expected no handlers, got %d", len(got))
	}

	d.SubscribeNamed(event.TypeRoutingGap, "alert", func(ctx context.Context, evt *event.Event) error { return nil })

	handlers := d.ListHandlers(event.TypeRoutingGap)
	if len(handlers) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(handlers))
	}
	if handlers[0].Name != "alert" || handlers[0].EventType != event.TypeRoutingGap {
		t.Errorf("unexpected handler info: %+v", handlers[0])
	}
	if handlers[0].Handler != nil {
		t.Error("handler function should not be exposed")
	}
}

func TestClose(t *testing.T) {
	d := NewDispatcher()
	if err := d.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := d.Close(); err == nil {
		t.Error("expected error on double close")
	}
}

func TestConcurrentDispatch(t *testing.T) {
	d := NewDispatcher()
	var calls atomic.Int32

	d.Subscribe(event.TypeRequisitionSubmitted, func(ctx context.Context, evt *event.Event) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = d.Dispatch(context.Background(), event.NewEvent(event.TypeRequisitionSubmitted, int64(i), "", nil))
			} else {
				d.DispatchAsync(context.Background(), event.NewEvent(event.TypeRequisitionSubmitted, int64(i), "", nil))
			}
		}(i)
	}
	wg.Wait()
	_ = d.Close()

	if calls.Load() != 50 {
		t.Errorf("handler called %d times, want 50", calls.Load())
	}
}
