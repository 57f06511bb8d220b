package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/internal/platform/audit"
	"github.com/ehr/scheduler/internal/platform/auth"
	"github.com/ehr/scheduler/internal/platform/middleware"
)

type handlerFixture struct {
	*fixture
	h *Handler
	e *echo.Echo
}

func newHandlerFixture(t *testing.T, opts ...Option) *handlerFixture {
	t.Helper()
	e := echo.New()
	e.Validator = middleware.NewValidator()
	f := newFixture(t, opts...)
	return &handlerFixture{fixture: f, h: NewHandler(f.svc), e: e}
}

// request builds a context acting as drLee. params alternate name, value.
func (hf *handlerFixture) request(method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(auth.WithActor(req.Context(), drLee))
	rec := httptest.NewRecorder()
	c := hf.e.NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	if len(names) > 0 {
		c.SetParamNames(names...)
		c.SetParamValues(values...)
	}
	return c, rec
}

func createBody(ids []uuid.UUID, start, end time.Time, typ Type) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf(`{"patient_ref":"patient-1","resource_ids":[%s],"start":%q,"end":%q,"type":%q}`,
		strings.Join(quoted, ","), start.Format(time.RFC3339), end.Format(time.RFC3339), typ)
}

func expectHTTPStatus(t *testing.T, err error, code int) *echo.HTTPError {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
	return httpErr
}

func TestHandler_CreateAppointment(t *testing.T) {
	hf := newHandlerFixture(t)
	c, rec := hf.request(http.MethodPost, "/appointments", createBody([]uuid.UUID{hf.room, hf.lee}, at(9, 0), at(9, 30), TypeConsultation))

	if err := hf.h.CreateAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Appointment == nil || res.Appointment.Status != StatusScheduled {
		t.Fatalf("expected scheduled appointment, got %+v", res.Appointment)
	}
	if len(res.Appointment.ResourceIDs) != 2 {
		t.Errorf("expected 2 resources, got %d", len(res.Appointment.ResourceIDs))
	}
	if rec.Header().Get("Warning") != "" {
		t.Errorf("expected no warning header, got %q", rec.Header().Get("Warning"))
	}
}

func TestHandler_CreateAppointment_ValidationErrors(t *testing.T) {
	hf := newHandlerFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"end before start", createBody([]uuid.UUID{hf.room}, at(9, 30), at(9, 0), TypeConsultation)},
		{"no resources", createBody(nil, at(9, 0), at(9, 30), TypeConsultation)},
		{"bad type", createBody([]uuid.UUID{hf.room}, at(9, 0), at(9, 30), "surgery")},
		{"blank patient", fmt.Sprintf(`{"patient_ref":"  ","resource_ids":[%q],"start":%q,"end":%q,"type":"consultation"}`,
			hf.room, at(9, 0).Format(time.RFC3339), at(9, 30).Format(time.RFC3339))},
		{"malformed", `{"patient_ref":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := hf.request(http.MethodPost, "/appointments", tt.body)
			expectHTTPStatus(t, hf.h.CreateAppointment(c), http.StatusBadRequest)
		})
	}
}

func TestHandler_CreateAppointment_Conflict(t *testing.T) {
	hf := newHandlerFixture(t)
	first := hf.book(t, TypeConsultation, at(9, 0), at(9, 30), hf.room)

	c, _ := hf.request(http.MethodPost, "/appointments", createBody([]uuid.UUID{hf.room}, at(9, 15), at(9, 45), TypeConsultation))
	httpErr := expectHTTPStatus(t, hf.h.CreateAppointment(c), http.StatusConflict)

	body, ok := httpErr.Message.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map message, got %T", httpErr.Message)
	}
	conflicts, ok := body["conflicts"].([]Conflict)
	if !ok || len(conflicts) != 1 || conflicts[0].AppointmentID != first.ID {
		t.Errorf("expected conflict naming %s, got %v", first.ID, body["conflicts"])
	}
}

func TestHandler_CreateAppointment_ErrorMapping(t *testing.T) {
	hf := newHandlerFixture(t)
	outsider := auth.Actor{ID: "dr-kim", Roles: []string{"physician"}, Departments: []string{"oncology"}}

	t.Run("outside availability", func(t *testing.T) {
		c, _ := hf.request(http.MethodPost, "/appointments", createBody([]uuid.UUID{hf.room}, at(19, 0), at(19, 30), TypeConsultation))
		expectHTTPStatus(t, hf.h.CreateAppointment(c), http.StatusUnprocessableEntity)
	})
	t.Run("unknown resource", func(t *testing.T) {
		c, _ := hf.request(http.MethodPost, "/appointments", createBody([]uuid.UUID{uuid.New()}, at(9, 0), at(9, 30), TypeConsultation))
		expectHTTPStatus(t, hf.h.CreateAppointment(c), http.StatusNotFound)
	})
	t.Run("duration out of range", func(t *testing.T) {
		c, _ := hf.request(http.MethodPost, "/appointments", createBody([]uuid.UUID{hf.room}, at(9, 0), at(9, 1), TypeConsultation))
		expectHTTPStatus(t, hf.h.CreateAppointment(c), http.StatusBadRequest)
	})
	t.Run("permission denied", func(t *testing.T) {
		c, _ := hf.request(http.MethodPost, "/appointments", createBody([]uuid.UUID{hf.room}, at(9, 0), at(9, 30), TypeConsultation))
		c.SetRequest(c.Request().WithContext(auth.WithActor(context.Background(), outsider)))
		expectHTTPStatus(t, hf.h.CreateAppointment(c), http.StatusForbidden)
	})
}

func TestHandler_CreateAppointment_Busy(t *testing.T) {
	hf := newHandlerFixture(t)
	release, err := hf.svc.lanes.acquire(context.Background(), []uuid.UUID{hf.room})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	c, rec := hf.request(http.MethodPost, "/appointments", createBody([]uuid.UUID{hf.room}, at(9, 0), at(9, 30), TypeConsultation))
	ctx, cancel := context.WithTimeout(c.Request().Context(), 20*time.Millisecond)
	defer cancel()
	c.SetRequest(c.Request().WithContext(ctx))

	expectHTTPStatus(t, hf.h.CreateAppointment(c), http.StatusServiceUnavailable)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestHandler_CreateAppointment_AuditDegraded(t *testing.T) {
	failing := audit.RecorderFunc(func(context.Context, audit.Event) error { return errors.New("down") })
	hf := newHandlerFixture(t, WithRecorder(failing))

	c, rec := hf.request(http.MethodPost, "/appointments", createBody([]uuid.UUID{hf.room}, at(9, 0), at(9, 30), TypeConsultation))
	if err := hf.h.CreateAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Warning"), "199") {
		t.Errorf("expected 199 warning header, got %q", rec.Header().Get("Warning"))
	}
}

func TestHandler_TransitionAppointment(t *testing.T) {
	hf := newHandlerFixture(t)
	appt := hf.book(t, TypeConsultation, at(9, 0), at(9, 30), hf.room)

	c, rec := hf.request(http.MethodPost, "/", `{}`, "id", appt.ID.String(), "action", "check-in")
	if err := hf.h.TransitionAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Appointment.Status != StatusCheckedIn {
		t.Errorf("expected checked_in, got %s", res.Appointment.Status)
	}

	c, _ = hf.request(http.MethodPost, "/", `{}`, "id", appt.ID.String(), "action", "confirm")
	expectHTTPStatus(t, hf.h.TransitionAppointment(c), http.StatusConflict)

	c, _ = hf.request(http.MethodPost, "/", `{}`, "id", appt.ID.String(), "action", "archive")
	expectHTTPStatus(t, hf.h.TransitionAppointment(c), http.StatusNotFound)

	c, _ = hf.request(http.MethodPost, "/", `{}`, "id", uuid.New().String(), "action", "cancel")
	expectHTTPStatus(t, hf.h.TransitionAppointment(c), http.StatusNotFound)
}

func TestHandler_CancelWithReason(t *testing.T) {
	hf := newHandlerFixture(t)
	appt := hf.book(t, TypeConsultation, at(9, 0), at(9, 30), hf.room)

	c, rec := hf.request(http.MethodPost, "/", `{"reason":"weather"}`, "id", appt.ID.String(), "action", "cancel")
	if err := hf.h.TransitionAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Appointment.CancellationReason != "weather" {
		t.Errorf("expected reason weather, got %q", res.Appointment.CancellationReason)
	}
}

func TestHandler_RescheduleAppointment(t *testing.T) {
	hf := newHandlerFixture(t)
	appt := hf.book(t, TypeConsultation, at(9, 0), at(9, 30), hf.room)
	body := fmt.Sprintf(`{"start":%q,"end":%q}`, at(13, 0).Format(time.RFC3339), at(13, 30).Format(time.RFC3339))

	c, rec := hf.request(http.MethodPost, "/", body, "id", appt.ID.String())
	if err := hf.h.RescheduleAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Appointment.Start.Equal(at(13, 0)) {
		t.Errorf("expected start 13:00, got %s", res.Appointment.Start)
	}

	c, _ = hf.request(http.MethodPost, "/", body, "id", "not-a-uuid")
	expectHTTPStatus(t, hf.h.RescheduleAppointment(c), http.StatusBadRequest)
}

func TestHandler_GetAppointment(t *testing.T) {
	hf := newHandlerFixture(t)
	appt := hf.book(t, TypeConsultation, at(9, 0), at(9, 30), hf.room)

	c, rec := hf.request(http.MethodGet, "/", "", "id", appt.ID.String())
	if err := hf.h.GetAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = hf.request(http.MethodGet, "/", "", "id", uuid.New().String())
	expectHTTPStatus(t, hf.h.GetAppointment(c), http.StatusNotFound)
}

func TestHandler_ListAppointments_Paginates(t *testing.T) {
	hf := newHandlerFixture(t)
	for h := 9; h < 12; h++ {
		hf.book(t, TypeConsultation, at(h, 0), at(h, 30), hf.room)
	}

	c, rec := hf.request(http.MethodGet, "/appointments?limit=2&resource="+hf.room.String(), "")
	if err := hf.h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data    []Appointment `json:"data"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("expected 2 of 3 with more, got %d of %d (has_more=%v)", len(page.Data), page.Total, page.HasMore)
	}
	if !page.Data[0].Start.Equal(at(9, 0)) {
		t.Errorf("expected earliest first, got %s", page.Data[0].Start)
	}

	c, _ = hf.request(http.MethodGet, "/appointments?from=yesterday", "")
	expectHTTPStatus(t, hf.h.ListAppointments(c), http.StatusBadRequest)
}

func TestHandler_ListAppointments_StatusFilter(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.book(t, TypeConsultation, at(9, 0), at(9, 30), hf.room)

	c, rec := hf.request(http.MethodGet, "/appointments?status=scheduled", "")
	if err := hf.h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("expected 1 scheduled appointment, got %d", page.Total)
	}

	c, _ = hf.request(http.MethodGet, "/appointments?status=booked", "")
	expectHTTPStatus(t, hf.h.ListAppointments(c), http.StatusBadRequest)
}

func TestHandler_QueryAvailability(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.book(t, TypeConsultation, at(9, 0), at(9, 30), hf.room)

	c, rec := hf.request(http.MethodGet, "/availability?resource="+hf.room.String()+"&from=2025-03-01", "")
	if err := hf.h.QueryAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var open []OpenInterval
	if err := json.Unmarshal(rec.Body.Bytes(), &open); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open intervals, got %d", len(open))
	}
	if !open[1].Start.Equal(at(9, 30)) {
		t.Errorf("expected second interval from 09:30, got %s", open[1].Start)
	}

	c, _ = hf.request(http.MethodGet, "/availability?resource=nope&from=2025-03-01", "")
	expectHTTPStatus(t, hf.h.QueryAvailability(c), http.StatusBadRequest)

	c, _ = hf.request(http.MethodGet, "/availability?resource="+hf.room.String()+"&from=2025-03-01&to=2025-12-31", "")
	expectHTTPStatus(t, hf.h.QueryAvailability(c), http.StatusBadRequest)
}

func TestHandler_GetStats(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.book(t, TypeProcedure, at(9, 0), at(10, 0), hf.room)

	c, rec := hf.request(http.MethodGet, "/appointments/stats", "")
	if err := hf.h.GetStats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stats map[Type]TypeStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats[TypeProcedure].Total != 1 {
		t.Errorf("expected 1 procedure, got %+v", stats[TypeProcedure])
	}
}
