package notification

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/domain/reminder"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSource struct {
	mu          sync.Mutex
	tasks       []reminder.Task
	acked       map[uuid.UUID]int
	invalidated map[uuid.UUID]bool
	ackErr      error
}

func newFakeSource(tasks ...reminder.Task) *fakeSource {
	return &fakeSource{tasks: tasks, acked: make(map[uuid.UUID]int), invalidated: make(map[uuid.UUID]bool)}
}

func (f *fakeSource) invalidate(id uuid.UUID) {
	f.mu.Lock()
	f.invalidated[id] = true
	f.mu.Unlock()
}

func (f *fakeSource) Pending(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked[id] == 0 && !f.invalidated[id], nil
}

func (f *fakeSource) Due(context.Context, time.Time) ([]reminder.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []reminder.Task
	for _, t := range f.tasks {
		if f.acked[t.ID] == 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeSource) Ack(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked[id]++
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func preVisit(patient string) reminder.Task {
	return reminder.Task{
		ID:              uuid.New(),
		AppointmentID:   uuid.New(),
		Kind:            reminder.KindPreVisit,
		DueAt:           time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC),
		AppointmentType: "consultation",
		PatientRef:      patient,
	}
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Name:    "Test Template",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_MessageFor(t *testing.T) {
	eng := NewTemplateEngine()
	task := preVisit("patient-9")

	msg, err := eng.MessageFor(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TaskID != task.ID || msg.AppointmentID != task.AppointmentID {
		t.Errorf("expected ids copied from task, got %+v", msg)
	}
	if !strings.Contains(msg.Body, "patient-9") || !strings.Contains(msg.Body, task.AppointmentID.String()) {
		t.Errorf("expected body to name patient and appointment, got %q", msg.Body)
	}
	if strings.Contains(msg.Body, "{{") || strings.Contains(msg.Subject, "{{") {
		t.Errorf("expected every placeholder filled, got %q / %q", msg.Subject, msg.Body)
	}

	followUp := task
	followUp.Kind = reminder.KindFollowUp
	msg, err = eng.MessageFor(followUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(msg.Subject, "follow-up") {
		t.Errorf("expected follow-up subject, got %q", msg.Subject)
	}

	unknown := task
	unknown.Kind = "sms_blast"
	if _, err := eng.MessageFor(unknown); err == nil {
		t.Error("expected error for unknown kind")
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatcher_PublishesAndAcknowledges(t *testing.T) {
	src := newFakeSource(preVisit("p1"), preVisit("p2"))
	pub := &fakePublisher{}
	d := NewDispatcher(src, NewMemoryClaimer(), pub, nil, zerolog.Nop(), DispatcherConfig{})

	stats, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Due != 2 || stats.Published != 2 {
		t.Errorf("expected 2 due and 2 published, got %+v", stats)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(pub.sent))
	}
	for _, task := range src.tasks {
		if src.acked[task.ID] != 1 {
			t.Errorf("expected task %s acknowledged once, got %d", task.ID, src.acked[task.ID])
		}
	}

	stats, _ = d.Tick(context.Background())
	if stats.Due != 0 || len(pub.sent) != 2 {
		t.Errorf("expected nothing further after ack, got %+v and %d messages", stats, len(pub.sent))
	}
}

func TestDispatcher_PublishFailureReleasesClaim(t *testing.T) {
	task := preVisit("p1")
	src := newFakeSource(task)
	pub := &fakePublisher{err: errors.New("broker down")}
	claimer := NewMemoryClaimer()
	d := NewDispatcher(src, claimer, pub, nil, zerolog.Nop(), DispatcherConfig{})

	stats, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("expected 1 failure, got %+v", stats)
	}
	if src.acked[task.ID] != 0 {
		t.Error("expected no ack after failed publish")
	}

	pub.err = nil
	stats, _ = d.Tick(context.Background())
	if stats.Published != 1 || src.acked[task.ID] != 1 {
		t.Errorf("expected retry to publish and ack, got %+v", stats)
	}
}

func TestDispatcher_SkipsTasksInvalidatedAfterPoll(t *testing.T) {
	task := preVisit("p1")
	src := newFakeSource(task)
	pub := &fakePublisher{}
	claimer := NewMemoryClaimer()
	d := NewDispatcher(src, claimer, pub, nil, zerolog.Nop(), DispatcherConfig{})

	// The appointment is cancelled between Due and delivery.
	due, err := src.Due(context.Background(), time.Now())
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due task, got %d (%v)", len(due), err)
	}
	src.invalidate(task.ID)

	if err := d.dispatch(context.Background(), due[0]); !errors.Is(err, errStale) {
		t.Errorf("expected errStale, got %v", err)
	}
	if len(pub.sent) != 0 {
		t.Errorf("expected nothing published, got %d messages", len(pub.sent))
	}
	if src.acked[task.ID] != 0 {
		t.Error("expected no ack for a skipped task")
	}
	if ok, _ := claimer.Claim(context.Background(), task.ID, time.Minute); !ok {
		t.Error("expected the claim to be released")
	}
	_ = claimer.Release(context.Background(), task.ID)

	stats, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Skipped != 1 || stats.Published != 0 {
		t.Errorf("expected the invalidated task skipped, got %+v", stats)
	}
}

func TestDispatcher_SkipsTasksClaimedElsewhere(t *testing.T) {
	task := preVisit("p1")
	src := newFakeSource(task)
	pub := &fakePublisher{}
	claimer := NewMemoryClaimer()
	if ok, _ := claimer.Claim(context.Background(), task.ID, time.Minute); !ok {
		t.Fatal("expected first claim to succeed")
	}
	d := NewDispatcher(src, claimer, pub, nil, zerolog.Nop(), DispatcherConfig{})

	stats, _ := d.Tick(context.Background())
	if stats.Skipped != 1 || len(pub.sent) != 0 {
		t.Errorf("expected the claimed task to be skipped, got %+v", stats)
	}
}

func TestDispatcher_ConcurrentDispatchersPublishOnce(t *testing.T) {
	var tasks []reminder.Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, preVisit("p"))
	}
	claimer := NewMemoryClaimer()
	pub := &fakePublisher{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each dispatcher sees the full due list, as with a shared remote source.
			d := NewDispatcher(newFakeSource(tasks...), claimer, pub, nil, zerolog.Nop(), DispatcherConfig{})
			if _, err := d.Tick(context.Background()); err != nil {
				t.Errorf("Tick: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uuid.UUID]int)
	for _, m := range pub.sent {
		seen[m.TaskID]++
	}
	if len(seen) != len(tasks) {
		t.Errorf("expected %d distinct tasks published, got %d", len(tasks), len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s published %d times", id, n)
		}
	}
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	src := newFakeSource(preVisit("p1"))
	pub := &fakePublisher{}
	d := NewDispatcher(src, NewMemoryClaimer(), pub, nil, zerolog.Nop(), DispatcherConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		pub.mu.Lock()
		n := len(pub.sent)
		pub.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for publish")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected nil from Run, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Claimers
// ---------------------------------------------------------------------------

func TestMemoryClaimer_ExpiresAndReleases(t *testing.T) {
	c := NewMemoryClaimer()
	now := time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	id := uuid.New()

	if ok, _ := c.Claim(context.Background(), id, time.Minute); !ok {
		t.Fatal("expected first claim to succeed")
	}
	if ok, _ := c.Claim(context.Background(), id, time.Minute); ok {
		t.Error("expected second claim to fail while held")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := c.Claim(context.Background(), id, time.Minute); !ok {
		t.Error("expected claim to succeed after expiry")
	}
	_ = c.Release(context.Background(), id)
	if ok, _ := c.Claim(context.Background(), id, time.Minute); !ok {
		t.Error("expected claim to succeed after release")
	}
}

type fakeRedis struct {
	keys map[string]interface{}
	ttl  map[string]time.Duration
	err  error
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = value
	f.ttl[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisClaimer(t *testing.T) {
	rdb := &fakeRedis{keys: map[string]interface{}{}, ttl: map[string]time.Duration{}}
	c := NewRedisClaimer(rdb, "dispatcher-a")
	id := uuid.New()
	key := "reminder:claim:" + id.String()

	ok, err := c.Claim(context.Background(), id, 90*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected claim, got %v %v", ok, err)
	}
	if rdb.keys[key] != "dispatcher-a" || rdb.ttl[key] != 90*time.Second {
		t.Errorf("expected owner and ttl stored, got %v %v", rdb.keys[key], rdb.ttl[key])
	}
	if ok, _ := c.Claim(context.Background(), id, time.Minute); ok {
		t.Error("expected second claim to fail")
	}
	if err := c.Release(context.Background(), id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, held := rdb.keys[key]; held {
		t.Error("expected key deleted on release")
	}

	rdb.err = errors.New("connection refused")
	if _, err := c.Claim(context.Background(), uuid.New(), time.Minute); err == nil {
		t.Error("expected redis error to surface")
	}
}

// ---------------------------------------------------------------------------
// Publishers
// ---------------------------------------------------------------------------

type fakeChannel struct {
	key string
	msg amqp091.Publishing
	err error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	f.key, f.msg = key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{channel: ch, queue: "appointment_reminders"}
	msg, err := NewTemplateEngine().MessageFor(preVisit("p1"))
	if err != nil {
		t.Fatalf("MessageFor: %v", err)
	}

	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ch.key != "appointment_reminders" {
		t.Errorf("expected routing key appointment_reminders, got %q", ch.key)
	}
	if ch.msg.DeliveryMode != amqp091.Persistent || ch.msg.MessageId != msg.TaskID.String() {
		t.Errorf("expected persistent message keyed by task id, got %+v", ch.msg)
	}
	var decoded Message
	if err := json.Unmarshal(ch.msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.TaskID != msg.TaskID || decoded.Body != msg.Body {
		t.Errorf("expected body to round-trip the message, got %+v", decoded)
	}

	ch.err = errors.New("channel closed")
	if err := p.Publish(context.Background(), msg); err == nil {
		t.Error("expected publish error")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

type fakePoller struct {
	tasks []reminder.Task
	acked []uuid.UUID
}

func (f *fakePoller) ReminderPending(_ context.Context, id uuid.UUID) (bool, error) {
	for _, t := range f.tasks {
		if t.ID == id {
			return t.Pending(), nil
		}
	}
	return false, reminder.ErrTaskNotFound
}

func (f *fakePoller) PollDueReminders(time.Time) iter.Seq[reminder.Task] {
	return func(yield func(reminder.Task) bool) {
		for _, t := range f.tasks {
			if !yield(t) {
				return
			}
		}
	}
}

func (f *fakePoller) AcknowledgeReminder(_ context.Context, id uuid.UUID) error {
	f.acked = append(f.acked, id)
	return nil
}

func TestServiceSource_Limit(t *testing.T) {
	p := &fakePoller{tasks: []reminder.Task{preVisit("a"), preVisit("b"), preVisit("c")}}
	src := NewServiceSource(p, 2)

	due, err := src.Due(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(due))
	}
	if err := src.Ack(context.Background(), due[0].ID); err != nil || len(p.acked) != 1 {
		t.Errorf("expected ack forwarded, got %v %v", err, p.acked)
	}
}

func TestHTTPSource(t *testing.T) {
	task := preVisit("p1")
	var gotAuth, ackPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/reminders/due":
			if r.URL.Query().Get("now") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode([]reminder.Task{task})
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/pending"):
			if !strings.Contains(r.URL.Path, task.ID.String()) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"` + task.ID.String() + `","pending":true}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/ack"):
			ackPath = r.URL.Path
			if strings.Contains(r.URL.Path, task.ID.String()) {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", "dispatch-token", srv.Client())
	due, err := src.Due(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != task.ID {
		t.Fatalf("expected the served task, got %+v", due)
	}
	if gotAuth != "Bearer dispatch-token" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}

	pending, err := src.Pending(context.Background(), task.ID)
	if err != nil || !pending {
		t.Errorf("expected pending task, got %v %v", pending, err)
	}
	if _, err := src.Pending(context.Background(), uuid.New()); !errors.Is(err, reminder.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for unknown task, got %v", err)
	}

	if err := src.Ack(context.Background(), task.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if ackPath != "/api/v1/reminders/"+task.ID.String()+"/ack" {
		t.Errorf("unexpected ack path %q", ackPath)
	}
	if err := src.Ack(context.Background(), uuid.New()); !errors.Is(err, reminder.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
