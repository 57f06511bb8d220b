package reminder

import (
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler owns reminder tasks. It never delivers anything itself: due
// tasks are pulled with PollDue and confirmed with Acknowledge.
//
// Mutating methods return copies of every task they created or changed so
// the caller can persist them.
type Scheduler struct {
	mu     sync.Mutex
	policy Policy
	tasks  map[uuid.UUID]*Task
	byAppt map[uuid.UUID][]uuid.UUID
}

func NewScheduler(p Policy) *Scheduler {
	if p.LeadTime <= 0 {
		p.LeadTime = DefaultPolicy().LeadTime
	}
	if p.FollowUpIntervals == nil {
		p.FollowUpIntervals = DefaultPolicy().FollowUpIntervals
	}
	if p.FollowUpTypes == nil {
		p.FollowUpTypes = DefaultPolicy().FollowUpTypes
	}
	return &Scheduler{
		policy: p,
		tasks:  make(map[uuid.UUID]*Task),
		byAppt: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *Scheduler) Policy() Policy { return s.policy }

// SchedulePreVisit creates the pre-visit reminder for an appointment
// starting at start. Nothing is created when the due instant is not after
// now, or when the appointment already has a live pre-visit task.
func (s *Scheduler) SchedulePreVisit(ref Ref, start, now time.Time) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedulePreVisitLocked(ref, start, now)
}

func (s *Scheduler) schedulePreVisitLocked(ref Ref, start, now time.Time) (Task, bool) {
	for _, id := range s.byAppt[ref.AppointmentID] {
		t := s.tasks[id]
		if t.Kind == KindPreVisit && !t.Invalidated {
			return Task{}, false
		}
	}
	due := start.Add(-s.policy.LeadTime)
	if !due.After(now) {
		return Task{}, false
	}
	return s.addLocked(ref, KindPreVisit, due, now), true
}

// ReschedulePreVisit invalidates pending pre-visit reminders and computes a
// new one from the new start.
func (s *Scheduler) ReschedulePreVisit(ref Ref, start, now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Task
	for _, id := range s.byAppt[ref.AppointmentID] {
		t := s.tasks[id]
		if t.Kind == KindPreVisit && t.Pending() {
			t.Invalidated = true
			changed = append(changed, *t)
		}
	}
	if t, ok := s.schedulePreVisitLocked(ref, start, now); ok {
		changed = append(changed, t)
	}
	return changed
}

// ScheduleFollowUp creates a follow-up prompt due completedAt plus the
// interval for the appointment type, when the type always warrants one or
// the clinician requested it.
func (s *Scheduler) ScheduleFollowUp(ref Ref, completedAt time.Time, requested bool) (Task, bool) {
	if !requested && !s.policy.FollowUpTypes[ref.AppointmentType] {
		return Task{}, false
	}
	interval, ok := s.policy.FollowUpIntervals[ref.AppointmentType]
	if !ok || interval <= 0 {
		return Task{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(ref, KindFollowUp, completedAt.Add(interval), completedAt), true
}

// Invalidate suppresses every pending task of an appointment.
func (s *Scheduler) Invalidate(appointmentID uuid.UUID) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Task
	for _, id := range s.byAppt[appointmentID] {
		t := s.tasks[id]
		if t.Pending() {
			t.Invalidated = true
			changed = append(changed, *t)
		}
	}
	return changed
}

// PollDue yields due, unfired, non-invalidated tasks ordered by due time.
// Each task is re-checked just before it is yielded, so a task invalidated
// mid-iteration is skipped. Iterating again restarts from the current state.
func (s *Scheduler) PollDue(now time.Time) iter.Seq[Task] {
	return func(yield func(Task) bool) {
		s.mu.Lock()
		var due []*Task
		for _, t := range s.tasks {
			if t.Pending() && !t.DueAt.After(now) {
				due = append(due, t)
			}
		}
		s.mu.Unlock()

		sort.Slice(due, func(i, j int) bool {
			if due[i].DueAt.Equal(due[j].DueAt) {
				return due[i].ID.String() < due[j].ID.String()
			}
			return due[i].DueAt.Before(due[j].DueAt)
		})

		for _, t := range due {
			s.mu.Lock()
			live := t.Pending()
			snapshot := *t
			s.mu.Unlock()
			if !live {
				continue
			}
			if !yield(snapshot) {
				return
			}
		}
	}
}

// Acknowledge marks a task fired. Acknowledging a fired or invalidated task
// is a no-op; changed reports whether the task was updated.
func (s *Scheduler) Acknowledge(id uuid.UUID, now time.Time) (task Task, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false, ErrTaskNotFound
	}
	if !t.Pending() {
		return *t, false, nil
	}
	t.Fired = true
	firedAt := now.UTC()
	t.FiredAt = &firedAt
	return *t, true, nil
}

func (s *Scheduler) Get(id uuid.UUID) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// ForAppointment returns every task of an appointment in creation order.
func (s *Scheduler) ForAppointment(appointmentID uuid.UUID) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byAppt[appointmentID]
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.tasks[id])
	}
	return out
}

// Load replaces the scheduler state with persisted tasks.
func (s *Scheduler) Load(tasks []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	s.tasks = make(map[uuid.UUID]*Task, len(tasks))
	s.byAppt = make(map[uuid.UUID][]uuid.UUID)
	for i := range tasks {
		t := tasks[i]
		s.tasks[t.ID] = &t
		s.byAppt[t.AppointmentID] = append(s.byAppt[t.AppointmentID], t.ID)
	}
}

func (s *Scheduler) addLocked(ref Ref, kind Kind, due, now time.Time) Task {
	t := &Task{
		ID:              uuid.New(),
		AppointmentID:   ref.AppointmentID,
		Kind:            kind,
		DueAt:           due,
		AppointmentType: ref.AppointmentType,
		PatientRef:      ref.PatientRef,
		CreatedAt:       now.UTC(),
	}
	s.tasks[t.ID] = t
	s.byAppt[ref.AppointmentID] = append(s.byAppt[ref.AppointmentID], t.ID)
	return *t
}
