package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/queue"
	"github.com/djlord-it/certpipe/internal/testutil"
	"github.com/djlord-it/certpipe/internal/transport/channel"
)

// mockLedger is an append-only certificate map with failure injection.
type mockLedger struct {
	mu        sync.Mutex
	entries   map[string]domain.LedgerEntry
	putErr    error
	markErr   error
	putCalls  int
	markCalls int
}

func newMockLedger() *mockLedger {
	return &mockLedger{entries: make(map[string]domain.LedgerEntry)}
}

func (l *mockLedger) PutIfAbsent(_ context.Context, cert domain.Certificate) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.putCalls++
	if l.putErr != nil {
		return false, l.putErr
	}
	if _, ok := l.entries[cert.ID]; ok {
		return false, nil
	}
	l.entries[cert.ID] = domain.LedgerEntry{Certificate: cert}
	return true, nil
}

func (l *mockLedger) GetCertificate(_ context.Context, id string) (domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (l *mockLedger) MarkNotified(_ context.Context, id string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markCalls++
	if l.markErr != nil {
		return l.markErr
	}
	e, ok := l.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	if e.NotifiedAt == nil {
		e.NotifiedAt = &at
		l.entries[id] = e
	}
	return nil
}

func (l *mockLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// failingPublisher wraps a publisher and fails the first failN calls.
type failingPublisher struct {
	mu    sync.Mutex
	next  queue.Publisher
	failN int
	calls int
}

func (p *failingPublisher) Publish(ctx context.Context, body []byte) (string, error) {
	p.mu.Lock()
	p.calls++
	fail := p.calls <= p.failN
	p.mu.Unlock()
	if fail {
		return "", domain.TransientError("queue", errors.New("unavailable"))
	}
	return p.next.Publish(ctx, body)
}

type mockDirectory struct {
	emails map[string]string
	err    error
}

func (d *mockDirectory) LookupEmail(_ context.Context, learnerID string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	email, ok := d.emails[learnerID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return email, nil
}

type mockMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	gaps     int
	inFlight int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{outcomes: make(map[string]int)}
}

func (m *mockMetrics) IssuerOutcome(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[state]++
}

func (m *mockMetrics) NotificationGap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps++
}

func (m *mockMetrics) EventsInFlightIncr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
}

func (m *mockMetrics) EventsInFlightDecr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock         *testutil.FakeClock
	completions   *channel.Queue
	notifications *channel.Queue
	deadLetter    *channel.Queue
	ledger        *mockLedger
	issuer        *Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(t0)
	f := &fixture{
		clock:         clock,
		completions:   channel.NewQueue("completions", channel.WithClock(clock.Now)),
		notifications: channel.NewQueue("notifications", channel.WithClock(clock.Now)),
		deadLetter:    channel.NewQueue("dead-letter", channel.WithClock(clock.Now)),
		ledger:        newMockLedger(),
	}
	f.issuer = New(f.completions, f.ledger, f.notifications).
		WithClock(clock.Now).
		WithReceive(10, 0).
		WithRecoveryGrace(0)
	return f
}

func (f *fixture) publishCompletion(t *testing.T, e domain.CompletionEvent) {
	t.Helper()
	body, err := domain.Encode(e)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.completions.Publish(context.Background(), body); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) notificationEvents(t *testing.T) []domain.NotificationEvent {
	t.Helper()
	var out []domain.NotificationEvent
	for _, b := range f.notifications.Bodies() {
		var e domain.NotificationEvent
		if err := json.Unmarshal(b, &e); err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func completion(learner, course string) domain.CompletionEvent {
	return domain.CompletionEvent{LearnerID: learner, CourseID: course, Email: learner + "@example.com", CompletedAt: t0}
}

func TestHandleCompletionEvent_IssuesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	first, err := f.issuer.HandleCompletionEvent(ctx, completion("u1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if first.State != StateNotified || !first.Ack {
		t.Errorf("first outcome = %+v, want notified and acked", first)
	}
	if first.CertificateID != domain.CertificateID("u1", "c1") {
		t.Errorf("CertificateID = %q", first.CertificateID)
	}

	second, err := f.issuer.HandleCompletionEvent(ctx, completion("u1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if second.State != StateDuplicate || !second.Ack {
		t.Errorf("second outcome = %+v, want duplicate and acked", second)
	}

	if f.ledger.size() != 1 {
		t.Errorf("ledger size = %d, want 1", f.ledger.size())
	}
	events := f.notificationEvents(t)
	if len(events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(events))
	}
	want := domain.NotificationEvent{
		LearnerID:     "u1",
		CourseID:      "c1",
		Email:         "u1@example.com",
		CertificateID: domain.CertificateID("u1", "c1"),
	}
	if events[0] != want {
		t.Errorf("notification = %+v, want %+v", events[0], want)
	}

	entry, _ := f.ledger.GetCertificate(ctx, first.CertificateID)
	if !entry.Notified() {
		t.Error("ledger entry should be marked notified")
	}
}

func TestHandleCompletionEvent_LedgerFailureNacks(t *testing.T) {
	f := newFixture(t)
	f.ledger.putErr = errors.New("throttled")

	outcome, err := f.issuer.HandleCompletionEvent(context.Background(), completion("u1", "c1"))
	if !errors.Is(err, domain.ErrStoreUnavailable) || !domain.IsTransient(err) {
		t.Errorf("err = %v, want transient store error", err)
	}
	if outcome.Ack || outcome.State != StateNacked {
		t.Errorf("outcome = %+v, want nacked", outcome)
	}
	if f.notifications.Len() != 0 {
		t.Error("nothing should be published")
	}
}

func TestHandleCompletionEvent_PublishFailureNacksThenRecovers(t *testing.T) {
	f := newFixture(t)
	pub := &failingPublisher{next: f.notifications, failN: 1}
	f.issuer.notifications = pub
	ctx := context.Background()

	outcome, err := f.issuer.HandleCompletionEvent(ctx, completion("u1", "c1"))
	if !errors.Is(err, domain.ErrQueuePublishFailed) {
		t.Errorf("err = %v, want ErrQueuePublishFailed", err)
	}
	if outcome.Ack {
		t.Error("publish failure should not ack by default")
	}
	if f.ledger.size() != 1 {
		t.Error("certificate should already be in the ledger")
	}

	// Redelivery: the certificate exists but was never notified.
	outcome, err = f.issuer.HandleCompletionEvent(ctx, completion("u1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.State != StateRecovered || !outcome.Ack {
		t.Errorf("outcome = %+v, want recovered and acked", outcome)
	}
	if got := len(f.notificationEvents(t)); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}

	outcome, _ = f.issuer.HandleCompletionEvent(ctx, completion("u1", "c1"))
	if outcome.State != StateDuplicate {
		t.Errorf("third delivery state = %q, want duplicate", outcome.State)
	}
}

func TestHandleCompletionEvent_RecoveryGrace(t *testing.T) {
	f := newFixture(t)
	f.issuer.WithRecoveryGrace(30 * time.Second)
	ctx := context.Background()

	// A certificate written moments ago by another delivery.
	f.ledger.PutIfAbsent(ctx, domain.NewCertificate("u1", "c1", t0))

	outcome, err := f.issuer.HandleCompletionEvent(ctx, completion("u1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Ack || outcome.State != StateNacked {
		t.Errorf("outcome = %+v, want nacked within grace", outcome)
	}
	if f.notifications.Len() != 0 {
		t.Error("should not publish within grace")
	}

	f.clock.Advance(time.Minute)
	outcome, _ = f.issuer.HandleCompletionEvent(ctx, completion("u1", "c1"))
	if outcome.State != StateRecovered {
		t.Errorf("after grace state = %q, want recovered", outcome.State)
	}
}

func TestHandleCompletionEvent_AckOnPublishFailure(t *testing.T) {
	f := newFixture(t)
	metrics := newMockMetrics()
	f.issuer.notifications = &failingPublisher{next: f.notifications, failN: 1}
	f.issuer.WithAckOnPublishFailure(true).WithMetrics(metrics)

	outcome, err := f.issuer.HandleCompletionEvent(context.Background(), completion("u1", "c1"))
	if err == nil {
		t.Error("the gap should still be reported as an error")
	}
	if !outcome.Ack || outcome.State != StatePublishGap {
		t.Errorf("outcome = %+v, want acked publish gap", outcome)
	}
	if metrics.gaps != 1 {
		t.Errorf("gap metric = %d, want 1", metrics.gaps)
	}
}

func TestHandleCompletionEvent_MarkFailureStillAcks(t *testing.T) {
	f := newFixture(t)
	f.ledger.markErr = errors.New("timeout")

	outcome, err := f.issuer.HandleCompletionEvent(context.Background(), completion("u1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Ack {
		t.Error("published notification should be acked even if marking fails")
	}
}

func TestHandleCompletionEvent_EmailResolution(t *testing.T) {
	tests := []struct {
		name      string
		event     domain.CompletionEvent
		directory Directory
		wantEmail string
		wantErr   bool
	}{
		{
			name:      "event email wins",
			event:     completion("u1", "c1"),
			directory: &mockDirectory{emails: map[string]string{"u1": "other@example.com"}},
			wantEmail: "u1@example.com",
		},
		{
			name:      "directory lookup",
			event:     domain.CompletionEvent{LearnerID: "u1", CourseID: "c1"},
			directory: &mockDirectory{emails: map[string]string{"u1": "dir@example.com"}},
			wantEmail: "dir@example.com",
		},
		{
			name:      "unknown learner publishes without address",
			event:     domain.CompletionEvent{LearnerID: "u1", CourseID: "c1"},
			directory: &mockDirectory{},
			wantEmail: "",
		},
		{
			name:      "no directory",
			event:     domain.CompletionEvent{LearnerID: "u1", CourseID: "c1"},
			wantEmail: "",
		},
		{
			name:      "directory failure nacks",
			event:     domain.CompletionEvent{LearnerID: "u1", CourseID: "c1"},
			directory: &mockDirectory{err: errors.New("enrollment service down")},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.directory != nil {
				f.issuer.WithDirectory(tt.directory)
			}

			outcome, err := f.issuer.HandleCompletionEvent(context.Background(), tt.event)
			if tt.wantErr {
				if err == nil || outcome.Ack {
					t.Errorf("want nack with error, got outcome=%+v err=%v", outcome, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			events := f.notificationEvents(t)
			if len(events) != 1 {
				t.Fatalf("notifications = %d", len(events))
			}
			if events[0].Email != tt.wantEmail {
				t.Errorf("Email = %q, want %q", events[0].Email, tt.wantEmail)
			}

			entry, err := f.ledger.GetCertificate(context.Background(), outcome.CertificateID)
			if err != nil {
				t.Fatal(err)
			}
			if !outcome.Ack {
				t.Errorf("outcome should ack, got %+v", outcome)
			}
			if tt.wantEmail == "" {
				if outcome.State != StateUnaddressed {
					t.Errorf("State = %s, want %s", outcome.State, StateUnaddressed)
				}
				if entry.Notified() {
					t.Error("unaddressed certificate must stay un-notified")
				}
			} else if !entry.Notified() {
				t.Error("addressed certificate should be marked notified")
			}
		})
	}
}

func TestHandleCompletionEvent_UnaddressedRecoversOnceEmailKnown(t *testing.T) {
	f := newFixture(t)
	dir := &mockDirectory{emails: map[string]string{}}
	f.issuer.WithDirectory(dir)
	event := domain.CompletionEvent{LearnerID: "u1", CourseID: "c1", CompletedAt: t0}

	first, err := f.issuer.HandleCompletionEvent(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if first.State != StateUnaddressed {
		t.Fatalf("first State = %s, want %s", first.State, StateUnaddressed)
	}

	// The learner registers an address; a republished completion now notifies.
	dir.emails["u1"] = "u1@example.com"
	second, err := f.issuer.HandleCompletionEvent(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if second.State != StateRecovered || !second.Ack {
		t.Fatalf("second outcome = %+v, want recovered and acked", second)
	}
	if f.ledger.size() != 1 {
		t.Errorf("ledger size = %d, want 1", f.ledger.size())
	}

	events := f.notificationEvents(t)
	if len(events) != 2 || events[1].Email != "u1@example.com" {
		t.Errorf("notifications = %+v", events)
	}
}

func TestPollOnce_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	f.publishCompletion(t, completion("u1", "c1"))
	f.publishCompletion(t, completion("u1", "c1"))
	f.publishCompletion(t, completion("u2", "c1"))

	res, err := f.issuer.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Received != 3 || res.Issued != 2 || res.Duplicates != 1 {
		t.Errorf("result = %+v, want 3 received, 2 issued, 1 duplicate", res)
	}
	if f.completions.Len() != 0 {
		t.Errorf("all messages should be deleted, %d left", f.completions.Len())
	}
	if got := len(f.notificationEvents(t)); got != 2 {
		t.Errorf("notifications = %d, want 2", got)
	}
}

func TestHandleBatch_NackedMessageStaysOnQueue(t *testing.T) {
	f := newFixture(t)
	f.issuer.notifications = &failingPublisher{next: f.notifications, failN: 1}
	ctx := testutil.TestContext(t)

	f.publishCompletion(t, completion("u1", "c1"))
	res, _ := f.issuer.PollOnce(ctx)
	if res.Nacked != 1 {
		t.Fatalf("result = %+v, want 1 nacked", res)
	}
	if f.completions.Len() != 1 {
		t.Fatal("nacked message should stay on the queue")
	}

	f.clock.Advance(channel.DefaultVisibilityTimeout + time.Second)
	res, _ = f.issuer.PollOnce(ctx)
	if res.Recovered != 1 {
		t.Errorf("redelivery result = %+v, want 1 recovered", res)
	}
	if f.completions.Len() != 0 {
		t.Error("recovered message should be deleted")
	}
}

func TestHandleBatch_MalformedMessages(t *testing.T) {
	t.Run("with dead letter", func(t *testing.T) {
		f := newFixture(t)
		f.issuer.WithDeadLetter(f.deadLetter)
		f.completions.Publish(context.Background(), []byte("{not json"))
		f.completions.Publish(context.Background(), []byte(`{"learner_id":"u1"}`))

		res, err := f.issuer.PollOnce(testutil.TestContext(t))
		if err != nil {
			t.Fatal(err)
		}
		if res.DeadLettered != 2 {
			t.Errorf("result = %+v, want 2 dead-lettered", res)
		}
		if f.completions.Len() != 0 || f.deadLetter.Len() != 2 {
			t.Errorf("completions=%d deadLetter=%d", f.completions.Len(), f.deadLetter.Len())
		}
	})

	t.Run("without dead letter", func(t *testing.T) {
		f := newFixture(t)
		f.completions.Publish(context.Background(), []byte("{not json"))

		res, _ := f.issuer.PollOnce(testutil.TestContext(t))
		if res.Nacked != 1 {
			t.Errorf("result = %+v, want 1 nacked", res)
		}
		if f.completions.Len() != 1 {
			t.Error("malformed message should be left for queue redrive")
		}
	})
}

func TestHandleBatch_ReceiveCapDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.issuer.WithDeadLetter(f.deadLetter).WithMaxReceives(2)
	ctx := context.Background()

	msgs := []queue.Message{
		{ID: "1", Body: mustEncode(t, completion("u1", "c1")), Handle: "h1", ReceiveCount: 3},
		{ID: "2", Body: mustEncode(t, completion("u2", "c1")), Handle: "h2", ReceiveCount: 2},
	}
	res := f.issuer.HandleBatch(ctx, msgs)

	if res.DeadLettered != 1 || res.Issued != 1 {
		t.Errorf("result = %+v, want 1 dead-lettered, 1 issued", res)
	}
	if f.ledger.size() != 1 {
		t.Errorf("over-cap message should not be processed, ledger=%d", f.ledger.size())
	}
}

func TestHandleBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	metrics := newMockMetrics()
	f.issuer.WithMetrics(metrics)
	ctx := testutil.TestContext(t)

	f.publishCompletion(t, completion("u1", "c1"))
	f.completions.Publish(ctx, []byte("garbage"))
	f.publishCompletion(t, completion("u3", "c1"))

	res, _ := f.issuer.PollOnce(ctx)
	if res.Issued != 2 || res.Nacked != 1 {
		t.Errorf("result = %+v, want 2 issued, 1 nacked", res)
	}
	if metrics.outcomes[string(StateNotified)] != 2 || metrics.outcomes[string(StateNacked)] != 1 {
		t.Errorf("outcomes = %v", metrics.outcomes)
	}
	if metrics.inFlight != 0 {
		t.Errorf("inFlight = %d, want 0", metrics.inFlight)
	}
}

func TestHandleBatch_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msgs := []queue.Message{
		{ID: "1", Body: mustEncode(t, completion("u1", "c1")), Handle: "h1", ReceiveCount: 1},
	}
	res := f.issuer.HandleBatch(ctx, msgs)
	if res.Issued != 0 || f.ledger.size() != 0 {
		t.Errorf("cancelled batch should not process messages: %+v", res)
	}
}

type erroringConsumer struct{ queue.Consumer }

func (erroringConsumer) Receive(context.Context, int, time.Duration) ([]queue.Message, error) {
	return nil, errors.New("connection refused")
}

func TestPollOnce_ReceiveError(t *testing.T) {
	f := newFixture(t)
	f.issuer.consumer = erroringConsumer{}

	if _, err := f.issuer.PollOnce(context.Background()); err == nil {
		t.Error("receive failure should be returned")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.issuer.WithReceive(10, 10*time.Millisecond)
	f.publishCompletion(t, completion("u1", "c1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.issuer.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for f.ledger.size() == 0 {
		select {
		case <-deadline:
			t.Fatal("Run did not process the message")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := domain.Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
