package notification

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/reminder"
)

// Source yields due reminder tasks and accepts acknowledgements. Pending
// re-reads a single task so one invalidated after Due is not delivered.
type Source interface {
	Due(ctx context.Context, now time.Time) ([]reminder.Task, error)
	Pending(ctx context.Context, taskID uuid.UUID) (bool, error)
	Ack(ctx context.Context, taskID uuid.UUID) error
}

// ServiceSource reads from an in-process scheduling service.
type ServiceSource struct {
	poller reminder.Poller
	limit  int
}

// NewServiceSource wraps p. At most limit tasks are taken per poll; zero
// means no limit.
func NewServiceSource(p reminder.Poller, limit int) *ServiceSource {
	return &ServiceSource{poller: p, limit: limit}
}

func (s *ServiceSource) Due(ctx context.Context, now time.Time) ([]reminder.Task, error) {
	var out []reminder.Task
	for t := range s.poller.PollDueReminders(now) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, t)
		if s.limit > 0 && len(out) == s.limit {
			break
		}
	}
	return out, nil
}

func (s *ServiceSource) Pending(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.poller.ReminderPending(ctx, taskID)
}

func (s *ServiceSource) Ack(ctx context.Context, taskID uuid.UUID) error {
	return s.poller.AcknowledgeReminder(ctx, taskID)
}

// HTTPSource reads from a remote scheduler-server through its reminder
// endpoints, authenticating with a bearer token.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPSource(baseURL, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (s *HTTPSource) Due(ctx context.Context, now time.Time) ([]reminder.Task, error) {
	endpoint := s.baseURL + "/api/v1/reminders/due?now=" + url.QueryEscape(now.UTC().Format(time.RFC3339))
	resp, err := s.do(ctx, http.MethodGet, endpoint, uuid.Nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tasks []reminder.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("decoding due reminders: %w", err)
	}
	return tasks, nil
}

func (s *HTTPSource) Pending(ctx context.Context, taskID uuid.UUID) (bool, error) {
	resp, err := s.do(ctx, http.MethodGet, s.baseURL+"/api/v1/reminders/"+taskID.String()+"/pending", taskID)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var body struct {
		Pending bool `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decoding reminder state: %w", err)
	}
	return body.Pending, nil
}

func (s *HTTPSource) Ack(ctx context.Context, taskID uuid.UUID) error {
	resp, err := s.do(ctx, http.MethodPost, s.baseURL+"/api/v1/reminders/"+taskID.String()+"/ack", taskID)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends one request. For task endpoints a 404 maps to reminder.ErrTaskNotFound.
func (s *HTTPSource) do(ctx context.Context, method, endpoint string, taskID uuid.UUID) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if resp.StatusCode == http.StatusNotFound && taskID != uuid.Nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, reminder.ErrTaskNotFound)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, endpoint, resp.StatusCode)
	}
	return resp, nil
}
