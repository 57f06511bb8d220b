package middleware

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type sampleRequest struct {
	PatientRef string    `validate:"not_blank"`
	Type       string    `validate:"required,oneof=consultation procedure"`
	Start      time.Time `validate:"required"`
	End        time.Time `validate:"required,gtfield=Start"`
}

func TestValidator_Valid(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	req := sampleRequest{PatientRef: "p-1", Type: "procedure", Start: now, End: now.Add(time.Hour)}
	if err := v.Validate(&req); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidator_Invalid(t *testing.T) {
	v := NewValidator()
	now := time.Now()
	req := sampleRequest{PatientRef: "  ", Type: "surgery", Start: now, End: now}

	err := v.Validate(&req)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", httpErr.Code)
	}
	msg, _ := httpErr.Message.(string)
	for _, want := range []string{"patient_ref must not be blank", "type must be one of: consultation, procedure", "end must be after start"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected message to contain %q, got %q", want, msg)
		}
	}
}

func TestToSnake(t *testing.T) {
	tests := map[string]string{
		"PatientRef":  "patient_ref",
		"ResourceIDs": "resource_ids",
		"End":         "end",
	}
	for in, want := range tests {
		if got := toSnake(in); got != want {
			t.Errorf("toSnake(%q) = %q, want %q", in, got, want)
		}
	}
}
