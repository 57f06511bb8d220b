package reminder

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type fakePoller struct {
	sched *Scheduler
}

func (f *fakePoller) PollDueReminders(now time.Time) iter.Seq[Task] {
	return f.sched.PollDue(now)
}

func (f *fakePoller) AcknowledgeReminder(_ context.Context, id uuid.UUID) error {
	_, _, err := f.sched.Acknowledge(id, time.Now())
	return err
}

func (f *fakePoller) ReminderPending(_ context.Context, id uuid.UUID) (bool, error) {
	t, err := f.sched.Get(id)
	if err != nil {
		return false, err
	}
	return t.Pending(), nil
}

func TestHandler_Pending(t *testing.T) {
	s := NewScheduler(DefaultPolicy())
	ref := newRef("consultation")
	task, _ := s.SchedulePreVisit(ref, t0.Add(30*time.Hour), t0)
	h := NewHandler(&fakePoller{sched: s})
	e := echo.New()

	pending := func(id string) (bool, error) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		c.SetParamNames("id")
		c.SetParamValues(id)
		if err := h.Pending(c); err != nil {
			return false, err
		}
		var body struct {
			Pending bool `json:"pending"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body.Pending, nil
	}

	if got, err := pending(task.ID.String()); err != nil || !got {
		t.Errorf("expected pending, got %v %v", got, err)
	}
	s.Invalidate(ref.AppointmentID)
	if got, err := pending(task.ID.String()); err != nil || got {
		t.Errorf("expected not pending after invalidation, got %v %v", got, err)
	}
	_, err := pending(uuid.NewString())
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %v", err)
	}
}

func TestHandler_ListDue(t *testing.T) {
	s := NewScheduler(DefaultPolicy())
	task, _ := s.SchedulePreVisit(newRef("consultation"), t0.Add(30*time.Hour), t0)
	h := NewHandler(&fakePoller{sched: s})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?now="+t0.Add(10*time.Hour).Format(time.RFC3339), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListDue(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var items []Task
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].ID != task.ID {
		t.Errorf("expected task %s, got %+v", task.ID, items)
	}
}

func TestHandler_ListDue_BadNow(t *testing.T) {
	h := NewHandler(&fakePoller{sched: NewScheduler(DefaultPolicy())})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?now=yesterday", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.ListDue(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Acknowledge(t *testing.T) {
	s := NewScheduler(DefaultPolicy())
	task, _ := s.SchedulePreVisit(newRef("consultation"), t0.Add(30*time.Hour), t0)
	h := NewHandler(&fakePoller{sched: s})
	e := echo.New()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
		c.SetParamNames("id")
		c.SetParamValues(task.ID.String())
		if err := h.Acknowledge(c); err != nil {
			t.Fatalf("ack %d: unexpected error: %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("ack %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestHandler_Acknowledge_NotFound(t *testing.T) {
	h := NewHandler(&fakePoller{sched: NewScheduler(DefaultPolicy())})
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.Acknowledge(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
