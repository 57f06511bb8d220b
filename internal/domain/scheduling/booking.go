package scheduling

import (
	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/reminder"
	"github.com/ehr/scheduler/internal/platform/auth"
	"github.com/ehr/scheduler/pkg/interval"
)

// The functions in this file run with the writer slot of every resource of
// the appointment held. They either commit completely or return an error
// before touching any state.

func (s *Service) book(req CreateRequest, actor auth.Actor) (*Appointment, []reminder.Task, error) {
	conflicts, err := s.detector.Check(req.ResourceIDs, req.Range, uuid.Nil, req.Type)
	if err != nil {
		return nil, nil, err
	}
	if len(conflicts) > 0 {
		return nil, nil, &ConflictError{Conflicts: conflicts}
	}

	var parent *uuid.UUID
	if req.ParentID != nil {
		p := *req.ParentID
		parent = &p
	}
	now := s.now().UTC()
	appt := &Appointment{
		ID:          uuid.New(),
		PatientRef:  req.PatientRef,
		ResourceIDs: req.ResourceIDs,
		Start:       req.Range.Start,
		End:         req.Range.End,
		Type:        req.Type,
		Status:      StatusScheduled,
		ParentID:    parent,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   actor.ID,
		UpdatedBy:   actor.ID,
		Version:     1,
	}
	s.occupy(appt)
	s.mu.Lock()
	s.appointments[appt.ID] = appt
	s.mu.Unlock()

	var tasks []reminder.Task
	if t, ok := s.reminders.SchedulePreVisit(refOf(appt), appt.Start, now); ok {
		tasks = append(tasks, t)
	}
	return appt.clone(), tasks, nil
}

func (s *Service) move(id uuid.UUID, r TimeRange, actor auth.Actor) (*Appointment, []reminder.Task, error) {
	s.mu.RLock()
	appt, ok := s.appointments[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	if !canReschedule(appt.Status) {
		_, err := NextStatus(appt.Status, ActionReschedule)
		return nil, nil, err
	}

	conflicts, err := s.detector.Check(appt.ResourceIDs, r, appt.ID, appt.Type)
	if err != nil {
		return nil, nil, err
	}
	if len(conflicts) > 0 {
		return nil, nil, &ConflictError{Conflicts: conflicts}
	}

	now := s.now().UTC()
	old := appt.Range()
	s.mu.Lock()
	appt.Start, appt.End = r.Start, r.End
	appt.UpdatedAt = now
	appt.UpdatedBy = actor.ID
	appt.Version++
	s.mu.Unlock()
	s.shift(appt, old)

	tasks := s.reminders.ReschedulePreVisit(refOf(appt), appt.Start, now)
	return appt.clone(), tasks, nil
}

func (s *Service) apply(id uuid.UUID, action Action, extra TransitionExtra, actor auth.Actor) (*Appointment, Status, []reminder.Task, error) {
	s.mu.RLock()
	appt, ok := s.appointments[id]
	s.mu.RUnlock()
	if !ok {
		return nil, "", nil, ErrNotFound
	}
	from := appt.Status
	to, err := NextStatus(from, action)
	if err != nil {
		return nil, "", nil, err
	}

	now := s.now().UTC()
	s.mu.Lock()
	appt.Status = to
	appt.UpdatedAt = now
	appt.UpdatedBy = actor.ID
	appt.Version++
	switch action {
	case ActionCancel:
		appt.CancellationReason = extra.Reason
	case ActionComplete:
		appt.NotesRef = extra.NotesRef
		appt.FollowUpRequested = extra.FollowUp
	}
	s.mu.Unlock()

	if !to.Active() {
		s.vacate(appt)
	}

	var tasks []reminder.Task
	switch action {
	case ActionConfirm:
		if t, ok := s.reminders.SchedulePreVisit(refOf(appt), appt.Start, now); ok {
			tasks = append(tasks, t)
		}
	case ActionCheckIn, ActionCancel, ActionNoShow:
		tasks = s.reminders.Invalidate(appt.ID)
	case ActionComplete:
		tasks = s.reminders.Invalidate(appt.ID)
		if t, ok := s.reminders.ScheduleFollowUp(refOf(appt), now, extra.FollowUp); ok {
			tasks = append(tasks, t)
		}
	}
	return appt.clone(), from, tasks, nil
}

func (s *Service) occupy(a *Appointment) {
	for _, id := range a.ResourceIDs {
		l := s.lanes.get(id)
		l.mu.Lock()
		l.index.insert(a.Range(), a.ID)
		l.mu.Unlock()
	}
}

func (s *Service) vacate(a *Appointment) {
	for _, id := range a.ResourceIDs {
		l := s.lanes.get(id)
		l.mu.Lock()
		l.index.remove(a.ID)
		l.mu.Unlock()
	}
}

// shift moves the entries of a from old to its current range. Each index
// changes under one write lock so readers never see the booking missing.
func (s *Service) shift(a *Appointment, old TimeRange) {
	for _, id := range a.ResourceIDs {
		l := s.lanes.get(id)
		l.mu.Lock()
		l.index.remove(a.ID)
		l.index.insert(a.Range(), a.ID)
		l.mu.Unlock()
	}
	s.logger.Debug().Str("appointment_id", a.ID.String()).Str("from", old.String()).
		Str("to", a.Range().String()).Msg("occupancy moved")
}

// occupied snapshots the busy ranges of a resource across the span of windows.
func (s *Service) occupied(id uuid.UUID, windows []interval.Interval) []interval.Interval {
	span := TimeRange{Start: windows[0].Start, End: windows[len(windows)-1].End}
	l := s.lanes.get(id)
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.busy(span)
}

func refOf(a *Appointment) reminder.Ref {
	return reminder.Ref{
		AppointmentID:   a.ID,
		AppointmentType: string(a.Type),
		PatientRef:      a.PatientRef,
	}
}
