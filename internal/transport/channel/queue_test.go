package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/certpipe/internal/testutil"
)

func TestQueue_PublishReceiveDelete(t *testing.T) {
	q := NewQueue("completion")
	ctx := context.Background()

	id, err := q.Publish(ctx, []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msgs, err := q.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != id {
		t.Errorf("ID = %q, want %q", msgs[0].ID, id)
	}
	if string(msgs[0].Body) != `{"n":1}` {
		t.Errorf("Body = %s", msgs[0].Body)
	}
	if msgs[0].ReceiveCount != 1 {
		t.Errorf("ReceiveCount = %d, want 1", msgs[0].ReceiveCount)
	}

	// In flight: not visible to a second receiver.
	again, _ := q.Receive(ctx, 10, 0)
	if len(again) != 0 {
		t.Errorf("in-flight message was redelivered immediately")
	}

	if err := q.Delete(ctx, msgs[0].Handle); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after delete, want 0", q.Len())
	}
}

func TestQueue_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	q := NewQueue("notification", WithClock(clock.Now), WithVisibilityTimeout(30*time.Second))
	ctx := context.Background()

	q.Publish(ctx, []byte("x"))

	first, _ := q.Receive(ctx, 1, 0)
	if len(first) != 1 {
		t.Fatalf("got %d messages, want 1", len(first))
	}

	clock.Advance(29 * time.Second)
	if got, _ := q.Receive(ctx, 1, 0); len(got) != 0 {
		t.Fatal("message visible before timeout elapsed")
	}

	clock.Advance(2 * time.Second)
	second, _ := q.Receive(ctx, 1, 0)
	if len(second) != 1 {
		t.Fatalf("message not redelivered after timeout")
	}
	if second[0].ReceiveCount != 2 {
		t.Errorf("ReceiveCount = %d, want 2", second[0].ReceiveCount)
	}
	if second[0].Handle == first[0].Handle {
		t.Error("redelivery reused the receipt handle")
	}

	// Stale handle is a no-op.
	if err := q.Delete(ctx, first[0].Handle); err != nil {
		t.Fatalf("stale Delete failed: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("stale handle deleted the message")
	}

	if err := q.Delete(ctx, second[0].Handle); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestQueue_RedriveToDeadLetter(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	dlq := NewQueue("notification-dlq")
	metrics := &mockMetrics{}
	q := NewQueue("notification",
		WithClock(clock.Now),
		WithVisibilityTimeout(time.Second),
		WithRedrive(3, dlq),
		WithMetrics(metrics),
	)
	ctx := context.Background()

	q.Publish(ctx, []byte("poison"))

	for i := 1; i <= 3; i++ {
		msgs, _ := q.Receive(ctx, 1, 0)
		if len(msgs) != 1 {
			t.Fatalf("receive %d: got %d messages", i, len(msgs))
		}
		if msgs[0].ReceiveCount != i {
			t.Errorf("receive %d: ReceiveCount = %d", i, msgs[0].ReceiveCount)
		}
		clock.Advance(2 * time.Second)
	}

	msgs, _ := q.Receive(ctx, 1, 0)
	if len(msgs) != 0 {
		t.Fatalf("message delivered a 4th time, want dead-lettered")
	}
	if q.Len() != 0 {
		t.Errorf("source Len = %d, want 0", q.Len())
	}
	bodies := dlq.Bodies()
	if len(bodies) != 1 || string(bodies[0]) != "poison" {
		t.Errorf("dlq bodies = %q, want [poison]", bodies)
	}
	if metrics.deadLettered() != 1 {
		t.Errorf("DeadLettered calls = %d, want 1", metrics.deadLettered())
	}
}

func TestQueue_ReceiveRespectsMaxCount(t *testing.T) {
	q := NewQueue("q")
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		q.Publish(ctx, []byte{byte(i)})
	}

	msgs, _ := q.Receive(ctx, 10, 0)
	if len(msgs) != 10 {
		t.Errorf("got %d messages, want 10", len(msgs))
	}
	rest, _ := q.Receive(ctx, 10, 0)
	if len(rest) != 5 {
		t.Errorf("got %d messages, want 5", len(rest))
	}
}

func TestQueue_ReceiveWaitTimesOut(t *testing.T) {
	q := NewQueue("q")
	start := time.Now()
	msgs, err := q.Receive(context.Background(), 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages from empty queue", len(msgs))
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("Receive returned before wait elapsed")
	}
}

func TestQueue_ReceiveWakesOnPublish(t *testing.T) {
	q := NewQueue("q")
	ctx := testutil.TestContext(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var got int
	go func() {
		defer wg.Done()
		msgs, _ := q.Receive(ctx, 10, 3*time.Second)
		got = len(msgs)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Publish(ctx, []byte("late"))
	wg.Wait()

	if got != 1 {
		t.Errorf("waiting Receive got %d messages, want 1", got)
	}
}

func TestQueue_ContextCancelled(t *testing.T) {
	q := NewQueue("q")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Receive(ctx, 1, time.Second); err != context.Canceled {
		t.Errorf("Receive err = %v, want context.Canceled", err)
	}
	if _, err := q.Publish(ctx, []byte("x")); err != context.Canceled {
		t.Errorf("Publish err = %v, want context.Canceled", err)
	}
}

func TestQueue_Capacity(t *testing.T) {
	q := NewQueue("q", WithCapacity(1))
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("a")); err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	if _, err := q.Publish(ctx, []byte("b")); err != ErrBufferFull {
		t.Errorf("err = %v, want ErrBufferFull", err)
	}
}

func TestQueue_ConcurrentConsumersNoDoubleDelivery(t *testing.T) {
	q := NewQueue("q")
	ctx := context.Background()
	const total = 200
	for i := 0; i < total; i++ {
		q.Publish(ctx, []byte{byte(i)})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, _ := q.Receive(ctx, 7, 0)
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("received %d distinct messages, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s delivered %d times within visibility timeout", id, n)
		}
	}
}

type mockMetrics struct {
	mu    sync.Mutex
	depth []int
	dead  int
}

func (m *mockMetrics) QueueDepthUpdate(queue string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth = append(m.depth, depth)
}

func (m *mockMetrics) DeadLettered(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead++
}

func (m *mockMetrics) deadLettered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}
