package scheduling

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/domain/reminder"
	"github.com/ehr/scheduler/internal/domain/resource"
	"github.com/ehr/scheduler/internal/platform/audit"
	"github.com/ehr/scheduler/internal/platform/auth"
	"github.com/ehr/scheduler/pkg/interval"
)

type Config struct {
	// LockTimeout bounds lock acquisition when the caller set no deadline.
	LockTimeout time.Duration
	// AuditTimeout bounds each audit and journal write after commit.
	AuditTimeout                time.Duration
	EmergencyBypassAvailability bool
	MaxAvailabilityDays         int
}

func DefaultConfig() Config {
	return Config{
		LockTimeout:                 5 * time.Second,
		AuditTimeout:                3 * time.Second,
		EmergencyBypassAvailability: true,
		MaxAvailabilityDays:         92,
	}
}

// Service is the entry point of the scheduling engine. All booking state
// lives in memory; the journal and task store are written after each
// commit and read back by Restore.
type Service struct {
	registry  *resource.Registry
	lanes     *laneSet
	detector  *Detector
	reminders *reminder.Scheduler
	authz     auth.Authorizer
	recorder  audit.Recorder
	journal   Journal
	tasks     reminder.Store
	logger    zerolog.Logger
	cfg       Config
	now       func() time.Time

	mu           sync.RWMutex
	appointments map[uuid.UUID]*Appointment
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithJournal(j Journal) Option {
	return func(s *Service) { s.journal = j }
}

func WithTaskStore(st reminder.Store) Option {
	return func(s *Service) { s.tasks = st }
}

func WithRecorder(r audit.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

func NewService(reg *resource.Registry, reminders *reminder.Scheduler, authz auth.Authorizer, logger zerolog.Logger, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = def.AuditTimeout
	}
	if cfg.MaxAvailabilityDays <= 0 {
		cfg.MaxAvailabilityDays = def.MaxAvailabilityDays
	}

	lanes := newLaneSet()
	s := &Service{
		registry:     reg,
		lanes:        lanes,
		detector:     NewDetector(reg, lanes, cfg.EmergencyBypassAvailability),
		reminders:    reminders,
		authz:        authz,
		recorder:     audit.NewLogRecorder(logger),
		journal:      NewMemoryJournal(),
		tasks:        reminder.NewMemoryStore(),
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		appointments: make(map[uuid.UUID]*Appointment),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Mutations --

func (s *Service) CreateAppointment(ctx context.Context, actor auth.Actor, req CreateRequest) (*Result, error) {
	ids := dedupe(req.ResourceIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one resource is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.PatientRef) == "" {
		return nil, fmt.Errorf("%w: patient_ref is required", ErrInvalidRequest)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: invalid appointment type %q", ErrInvalidRequest, req.Type)
	}
	if err := req.Type.validateRange(req.Range); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, auth.CapScheduleWrite, ids); err != nil {
		return nil, err
	}
	if req.ParentID != nil {
		if _, ok := s.lookup(*req.ParentID); !ok {
			return nil, fmt.Errorf("parent %s: %w", *req.ParentID, ErrNotFound)
		}
	}
	req.ResourceIDs = ids

	release, err := s.lock(ctx, ids)
	if err != nil {
		return nil, err
	}
	appt, tasks, err := s.book(req, actor)
	release()
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", appt.ID.String()).Str("actor", actor.ID).
		Str("type", string(appt.Type)).Msg("appointment booked")
	return s.finish(ctx, change{appt: appt, action: ActionCreate, actor: actor.ID, tasks: tasks}), nil
}

func (s *Service) RescheduleAppointment(ctx context.Context, actor auth.Actor, id uuid.UUID, r TimeRange) (*Result, error) {
	current, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	if err := current.Type.validateRange(r); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, auth.CapScheduleWrite, current.ResourceIDs); err != nil {
		return nil, err
	}

	release, err := s.lock(ctx, current.ResourceIDs)
	if err != nil {
		return nil, err
	}
	appt, tasks, err := s.move(id, r, actor)
	release()
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", id.String()).Str("actor", actor.ID).
		Time("start", r.Start).Msg("appointment rescheduled")
	return s.finish(ctx, change{appt: appt, from: appt.Status, action: ActionReschedule, actor: actor.ID, tasks: tasks}), nil
}

func (s *Service) Transition(ctx context.Context, actor auth.Actor, id uuid.UUID, action Action, extra TransitionExtra) (*Result, error) {
	current, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	if _, err := NextStatus(current.Status, action); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, auth.CapScheduleWrite, current.ResourceIDs); err != nil {
		return nil, err
	}

	release, err := s.lock(ctx, current.ResourceIDs)
	if err != nil {
		return nil, err
	}
	appt, from, tasks, err := s.apply(id, action, extra, actor)
	release()
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", id.String()).Str("actor", actor.ID).
		Str("from", string(from)).Str("to", string(appt.Status)).Msg("appointment transitioned")
	return s.finish(ctx, change{appt: appt, from: from, action: action, actor: actor.ID, reason: extra.Reason, tasks: tasks}), nil
}

// -- Reads --

func (s *Service) GetAppointment(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	appt, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	if err := s.authorize(ctx, actor, auth.CapScheduleRead, appt.ResourceIDs); err != nil {
		return nil, err
	}
	return appt, nil
}

// ListAppointments returns matching appointments ordered by start.
// Appointments the actor may not read are left out.
func (s *Service) ListAppointments(ctx context.Context, actor auth.Actor, f ListFilter) []*Appointment {
	s.mu.RLock()
	items := make([]*Appointment, 0, len(s.appointments))
	for _, a := range s.appointments {
		if f.match(a) {
			items = append(items, a.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Start.Equal(items[j].Start) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].Start.Before(items[j].Start)
	})

	out := items[:0]
	for _, a := range items {
		if s.authorize(ctx, actor, auth.CapScheduleRead, a.ResourceIDs) == nil {
			out = append(out, a)
		}
	}
	return out
}

// Stats counts readable appointments per type by outcome.
func (s *Service) Stats(ctx context.Context, actor auth.Actor) map[Type]TypeStats {
	out := make(map[Type]TypeStats, len(durationRules))
	for t := range durationRules {
		out[t] = TypeStats{}
	}
	for _, a := range s.ListAppointments(ctx, actor, ListFilter{}) {
		st := out[a.Type]
		st.Total++
		switch a.Status {
		case StatusCompleted:
			st.Completed++
		case StatusCancelled:
			st.Cancelled++
		case StatusNoShow:
			st.NoShow++
		}
		out[a.Type] = st
	}
	return out
}

// QueryAvailability yields the free intervals of each resource for every
// calendar day from..to inclusive: availability windows minus occupancy.
// Permission is checked up front. A resource removed mid-iteration yields
// nothing further.
func (s *Service) QueryAvailability(ctx context.Context, actor auth.Actor, resourceIDs []uuid.UUID, from, to time.Time) (iter.Seq[OpenInterval], error) {
	ids := dedupe(resourceIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one resource is required", ErrInvalidRequest)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: to is before from", ErrInvalidTimeRange)
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > s.cfg.MaxAvailabilityDays {
		return nil, fmt.Errorf("%w: at most %d days per query", ErrInvalidTimeRange, s.cfg.MaxAvailabilityDays)
	}
	if err := s.authorize(ctx, actor, auth.CapScheduleRead, ids); err != nil {
		return nil, err
	}

	return func(yield func(OpenInterval) bool) {
		for _, id := range ids {
			for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
				windows, err := s.registry.AvailabilityWindows(id, day)
				if err != nil {
					break
				}
				if len(windows) == 0 {
					continue
				}
				for _, open := range interval.Subtract(windows, s.occupied(id, windows)) {
					if !yield(OpenInterval{ResourceID: id, TimeRange: open}) {
						return
					}
				}
			}
		}
	}, nil
}

// -- Reminders --

// PollDueReminders yields due reminder tasks. Tasks whose appointment is
// unknown or was cancelled are suppressed.
func (s *Service) PollDueReminders(now time.Time) iter.Seq[reminder.Task] {
	return func(yield func(reminder.Task) bool) {
		for t := range s.reminders.PollDue(now) {
			s.mu.RLock()
			appt, ok := s.appointments[t.AppointmentID]
			suppressed := !ok || appt.Status == StatusCancelled || appt.Status == StatusNoShow
			s.mu.RUnlock()
			if suppressed {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// ReminderPending reports whether a task may still be delivered: it has not
// fired, was not invalidated, and its appointment is neither cancelled nor a
// no-show.
func (s *Service) ReminderPending(_ context.Context, id uuid.UUID) (bool, error) {
	t, err := s.reminders.Get(id)
	if err != nil {
		return false, err
	}
	if !t.Pending() {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	appt, ok := s.appointments[t.AppointmentID]
	return ok && appt.Status != StatusCancelled && appt.Status != StatusNoShow, nil
}

// AcknowledgeReminder marks a task fired. Repeated acknowledgements succeed
// without effect.
func (s *Service) AcknowledgeReminder(ctx context.Context, id uuid.UUID) error {
	task, changed, err := s.reminders.Acknowledge(id, s.now())
	if err != nil {
		return err
	}
	if changed {
		s.logger.Info().Str("task_id", id.String()).Str("appointment_id", task.AppointmentID.String()).
			Msg("reminder acknowledged")
		s.persist(context.WithoutCancel(ctx), nil, []reminder.Task{task})
	}
	return nil
}

// -- Resources --

// RetireResource runs remove while holding the writer slot of the resource,
// so nothing can be booked on it meanwhile. It refuses with
// resource.ErrResourceInUse while an active appointment still uses it.
func (s *Service) RetireResource(ctx context.Context, id uuid.UUID, remove func() error) error {
	release, err := s.lock(ctx, []uuid.UUID{id})
	if err != nil {
		return err
	}
	defer release()

	if n := s.activeOn(id); n > 0 {
		return fmt.Errorf("%w: %s has %d active appointments", resource.ErrResourceInUse, id, n)
	}
	return remove()
}

func (s *Service) activeOn(resourceID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.appointments {
		if !a.Status.Active() {
			continue
		}
		for _, id := range a.ResourceIDs {
			if id == resourceID {
				n++
				break
			}
		}
	}
	return n
}

// -- Recovery --

// Restore rebuilds in-memory state from the journal and the task store.
// It is meant to run once at startup, before traffic is served.
func (s *Service) Restore(ctx context.Context) error {
	appts, err := s.journal.ListAppointments(ctx)
	if err != nil {
		return fmt.Errorf("list appointments: %w", err)
	}
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return fmt.Errorf("list reminder tasks: %w", err)
	}

	sort.Slice(appts, func(i, j int) bool { return appts[i].Start.Before(appts[j].Start) })

	s.mu.Lock()
	s.appointments = make(map[uuid.UUID]*Appointment, len(appts))
	for _, a := range appts {
		s.appointments[a.ID] = a
	}
	s.mu.Unlock()

	s.lanes.reset()
	for _, a := range appts {
		if !a.Status.Active() {
			continue
		}
		if clash := s.firstOverlap(a); clash != uuid.Nil {
			s.logger.Error().Str("appointment_id", a.ID.String()).Str("conflicts_with", clash.String()).
				Msg("overlapping active appointment in journal; not indexed")
			continue
		}
		s.occupy(a)
	}
	s.reminders.Load(tasks)

	s.logger.Info().Int("appointments", len(appts)).Int("reminder_tasks", len(tasks)).Msg("scheduling state restored")
	return nil
}

func (s *Service) firstOverlap(a *Appointment) uuid.UUID {
	for _, id := range a.ResourceIDs {
		if hits := s.lanes.get(id).index.overlapping(a.Range(), a.ID); len(hits) > 0 {
			return hits[0]
		}
	}
	return uuid.Nil
}

// -- Helpers --

func (s *Service) lookup(id uuid.UUID) (*Appointment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// authorize checks capability on the scope of every resource.
func (s *Service) authorize(ctx context.Context, actor auth.Actor, capability auth.Capability, ids []uuid.UUID) error {
	for _, id := range ids {
		scope, err := s.registry.Scope(id)
		if err != nil {
			return err
		}
		if err := s.authz.Authorize(ctx, actor, capability, scope); err != nil {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}
	return nil
}

func (s *Service) lock(ctx context.Context, ids []uuid.UUID) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LockTimeout)
		defer cancel()
	}
	return s.lanes.acquire(ctx, ids)
}

// change is a committed mutation awaiting its audit record and journal write.
type change struct {
	appt   *Appointment
	from   Status
	action Action
	actor  string
	reason string
	tasks  []reminder.Task
}

// finish runs after the locks are released. Audit failure degrades the
// result; journal failure is logged only.
func (s *Service) finish(ctx context.Context, c change) *Result {
	res := &Result{Appointment: c.appt}
	bg := context.WithoutCancel(ctx)

	actx, cancel := context.WithTimeout(bg, s.cfg.AuditTimeout)
	defer cancel()
	evt := audit.Event{
		ID:            uuid.New(),
		AppointmentID: c.appt.ID,
		Action:        string(c.action),
		FromStatus:    string(c.from),
		ToStatus:      string(c.appt.Status),
		Actor:         c.actor,
		PatientRef:    c.appt.PatientRef,
		ResourceIDs:   c.appt.ResourceIDs,
		Reason:        c.reason,
		Timestamp:     c.appt.UpdatedAt,
	}
	if err := s.recorder.Record(actx, evt); err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", c.appt.ID.String()).Msg("audit record failed")
		res.Warnings = append(res.Warnings, WarningAuditDegraded+": "+err.Error())
	}

	s.persist(bg, c.appt, c.tasks)
	return res
}

func (s *Service) persist(ctx context.Context, appt *Appointment, tasks []reminder.Task) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuditTimeout)
	defer cancel()

	var errs []error
	if appt != nil {
		if err := s.journal.SaveAppointment(ctx, appt); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range tasks {
		if err := s.tasks.Save(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		evt := s.logger.Error().Err(err)
		if appt != nil {
			evt = evt.Str("appointment_id", appt.ID.String())
		}
		evt.Msg("journal write failed")
	}
}
