package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment/repository"
	"github.com/medibook/medibook/backend/booking-service/internal/readcache"
	"github.com/medibook/medibook/backend/booking-service/pkg/logger"
	"github.com/medibook/medibook/backend/booking-service/pkg/metrics"
)

// Options tunes the Manager. Zero values fall back to defaults.
type Options struct {
	DefaultDurationMinutes int
	MaxNotesLength         int
	ReadRetryBackoff       time.Duration
	Now                    func() time.Time
	NewID                  func() string
}

func (o *Options) setDefaults() {
	if o.DefaultDurationMinutes <= 0 {
		o.DefaultDurationMinutes = 30
	}
	if o.MaxNotesLength <= 0 {
		o.MaxNotesLength = 2000
	}
	if o.ReadRetryBackoff <= 0 {
		o.ReadRetryBackoff = 100 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Manager owns the appointment state machine. Writes for one doctor are
// serialized in process; the store's overlap guard covers other processes.
type Manager struct {
	store    repository.Store
	cache    *readcache.Coordinator
	detector *ConflictDetector
	locks    *doctorLocks
	notes    *notesCleaner
	opts     Options
}

var _ Service = (*Manager)(nil)

func NewManager(store repository.Store, cache *readcache.Coordinator, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		store:    store,
		cache:    cache,
		detector: NewConflictDetector(store),
		locks:    newDoctorLocks(),
		notes:    newNotesCleaner(opts.MaxNotesLength),
		opts:     opts,
	}
}

func (m *Manager) now() time.Time { return normalizeTime(m.opts.Now()) }

// CreateAppointment books a new SCHEDULED appointment if the doctor is free.
func (m *Manager) CreateAppointment(ctx context.Context, req CreateRequest) (a *appointment.Appointment, err error) {
	defer func() { record("create", err) }()

	if req.DurationMinutes == 0 {
		req.DurationMinutes = m.opts.DefaultDurationMinutes
	}
	if req.VisitType == "" {
		req.VisitType = appointment.VisitInPerson
	}
	req.ScheduledAt = normalizeTime(req.ScheduledAt)
	if err := validationError(req.Validate()); err != nil {
		return nil, err
	}
	notes, err := m.notes.clean(req.Notes)
	if err != nil {
		return nil, err
	}

	now := m.now()
	a = &appointment.Appointment{
		ID:              m.opts.NewID(),
		DoctorID:        req.DoctorID,
		PatientID:       req.PatientID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Status:          appointment.StatusScheduled,
		Notes:           notes,
		VisitType:       req.VisitType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.createLocked(ctx, a); err != nil {
		return nil, err
	}
	m.invalidate(ctx, a)
	return a, nil
}

func (m *Manager) createLocked(ctx context.Context, a *appointment.Appointment) error {
	unlock := m.locks.Lock(a.DoctorID)
	defer unlock()

	w := a.Window()
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := m.detector.FindConflict(ctx, a.DoctorID, w, "")
		if err != nil {
			return fmt.Errorf("check conflicts: %w", err)
		}
		if existing != nil {
			return &appointment.ConflictError{DoctorID: a.DoctorID, Window: w, ExistingID: existing.ID}
		}
		err = m.store.Create(ctx, a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrOverlap) {
			return fmt.Errorf("create appointment: %w", err)
		}
		// another process won the window between our check and the insert
		logger.Infof("create for doctor %s rejected by store overlap guard (attempt %d)", a.DoctorID, attempt+1)
	}
	return &appointment.ConflictError{DoctorID: a.DoctorID, Window: w}
}

// RescheduleAppointment moves a SCHEDULED appointment and/or replaces its notes.
func (m *Manager) RescheduleAppointment(ctx context.Context, id string, req RescheduleRequest) (a *appointment.Appointment, err error) {
	defer func() { record("reschedule", err) }()

	if req.ScheduledAt != nil {
		t := normalizeTime(*req.ScheduledAt)
		req.ScheduledAt = &t
	}
	if err := validationError(req.Validate()); err != nil {
		return nil, err
	}
	if req.Notes != nil {
		cleaned, err := m.notes.clean(*req.Notes)
		if err != nil {
			return nil, err
		}
		req.Notes = &cleaned
	}

	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err = m.rescheduleLocked(ctx, cur.DoctorID, id, req)
	if err != nil {
		return nil, err
	}
	m.invalidate(ctx, a)
	return a, nil
}

func (m *Manager) rescheduleLocked(ctx context.Context, doctorID, id string, req RescheduleRequest) (*appointment.Appointment, error) {
	unlock := m.locks.Lock(doctorID)
	defer unlock()

	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != appointment.StatusScheduled {
		return nil, &appointment.IllegalStateError{ID: id, From: cur.Status, Op: "reschedule"}
	}

	next := cur.Clone()
	patch := appointment.Patch{
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Notes:           req.Notes,
		UpdatedAt:       m.now(),
		ExpectStatus:    appointment.StatusScheduled,
	}
	patch.Apply(next)
	moved := !next.Window().Start.Equal(cur.Window().Start) || !next.Window().End.Equal(cur.Window().End)

	if moved {
		existing, err := m.detector.FindConflict(ctx, doctorID, next.Window(), id)
		if err != nil {
			return nil, fmt.Errorf("check conflicts: %w", err)
		}
		if existing != nil {
			return nil, &appointment.ConflictError{DoctorID: doctorID, Window: next.Window(), ExistingID: existing.ID}
		}
	}

	updated, err := m.store.Update(ctx, id, patch)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, repository.ErrOverlap):
		return nil, &appointment.ConflictError{DoctorID: doctorID, Window: next.Window()}
	case errors.Is(err, repository.ErrStoreNotFound):
		return nil, &appointment.NotFoundError{ID: id}
	case errors.Is(err, repository.ErrStatusChanged):
		return nil, m.staleStateError(ctx, id, "reschedule", "")
	}
	return nil, fmt.Errorf("update appointment: %w", err)
}

// CancelAppointment moves a SCHEDULED appointment to CANCELLED, freeing its window.
func (m *Manager) CancelAppointment(ctx context.Context, id string) (*appointment.Appointment, error) {
	return m.transition(ctx, id, appointment.StatusCancelled, "cancel")
}

// StartAppointment marks a SCHEDULED appointment as IN_PROGRESS.
func (m *Manager) StartAppointment(ctx context.Context, id string) (*appointment.Appointment, error) {
	return m.transition(ctx, id, appointment.StatusInProgress, "start")
}

// CompleteAppointment marks an IN_PROGRESS appointment as COMPLETED.
func (m *Manager) CompleteAppointment(ctx context.Context, id string) (*appointment.Appointment, error) {
	return m.transition(ctx, id, appointment.StatusCompleted, "complete")
}

// transition applies a status change with a compare-and-set on the current
// status, so concurrent transitions cannot both apply.
func (m *Manager) transition(ctx context.Context, id string, to appointment.Status, op string) (a *appointment.Appointment, err error) {
	defer func() { record(op, err) }()

	for attempt := 0; attempt < 2; attempt++ {
		cur, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !appointment.CanTransition(cur.Status, to) {
			return nil, &appointment.IllegalStateError{ID: id, From: cur.Status, To: to, Op: op}
		}
		status := to
		a, err = m.store.Update(ctx, id, appointment.Patch{
			Status:       &status,
			UpdatedAt:    m.now(),
			ExpectStatus: cur.Status,
		})
		switch {
		case err == nil:
			m.invalidate(ctx, a)
			return a, nil
		case errors.Is(err, repository.ErrStatusChanged):
			continue
		case errors.Is(err, repository.ErrStoreNotFound):
			return nil, &appointment.NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return nil, m.staleStateError(ctx, id, op, to)
}

func (m *Manager) staleStateError(ctx context.Context, id, op string, to appointment.Status) error {
	cur, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	return &appointment.IllegalStateError{ID: id, From: cur.Status, To: to, Op: op}
}

// load reads the record of truth for a write path. Transient errors are not retried.
func (m *Manager) load(ctx context.Context, id string) (*appointment.Appointment, error) {
	a, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a == nil {
		return nil, &appointment.NotFoundError{ID: id}
	}
	return a, nil
}

// invalidate drops every projection derived from a. It runs after the doctor
// lock is released.
func (m *Manager) invalidate(ctx context.Context, a *appointment.Appointment) {
	if m.cache == nil {
		return
	}
	m.cache.Invalidate(ctx,
		readcache.AppointmentKey(a.ID),
		readcache.ProfileKey(a.PatientID),
		readcache.ProfileKey(a.DoctorID),
	)
	m.cache.InvalidateByPrefix(ctx, readcache.ListPrefix)
	m.cache.InvalidateByPrefix(ctx, readcache.DoctorCalendarPrefix(a.DoctorID))
}

// GetAppointment reads one appointment through the cache.
func (m *Manager) GetAppointment(ctx context.Context, id string) (*appointment.Appointment, error) {
	load := func(ctx context.Context) (*appointment.Appointment, error) {
		a, err := retryRead(ctx, m.opts.ReadRetryBackoff, "get appointment", func(ctx context.Context) (*appointment.Appointment, error) {
			return m.store.FindByID(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, &appointment.NotFoundError{ID: id}
		}
		return a, nil
	}
	if m.cache == nil {
		return load(ctx)
	}
	a, err := readcache.GetOrLoad(ctx, m.cache, readcache.AppointmentKey(id), load)
	return a.UTC(), err
}

// ListAppointments returns matching appointments ordered by scheduledAt.
func (m *Manager) ListAppointments(ctx context.Context, f ListFilter) ([]*appointment.Appointment, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	load := func(ctx context.Context) ([]*appointment.Appointment, error) {
		return retryRead(ctx, m.opts.ReadRetryBackoff, "list appointments", func(ctx context.Context) ([]*appointment.Appointment, error) {
			return m.store.Find(ctx, appointment.Filter{DoctorID: f.DoctorID, PatientID: f.PatientID, Status: f.Status})
		})
	}
	var (
		list []*appointment.Appointment
		err  error
	)
	if m.cache == nil {
		list, err = load(ctx)
	} else {
		list, err = readcache.GetOrLoad(ctx, m.cache, readcache.ListKey(f.params()), load)
	}
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*appointment.Appointment{}
	}
	for _, a := range list {
		a.UTC()
	}
	return list, nil
}

// DoctorCalendar returns the busy windows of a doctor within [from, to).
func (m *Manager) DoctorCalendar(ctx context.Context, doctorID string, from, to time.Time) ([]appointment.Window, error) {
	from, to = normalizeTime(from), normalizeTime(to)
	switch {
	case doctorID == "":
		return nil, appointment.NewValidationError("doctorId", "cannot be blank")
	case from.IsZero() || !to.After(from):
		return nil, appointment.NewValidationError("range", "from must be before to")
	case to.Sub(from) > MaxCalendarRange:
		return nil, appointment.NewValidationError("range", "must not exceed 93 days")
	}
	load := func(ctx context.Context) ([]appointment.Window, error) {
		list, err := retryRead(ctx, m.opts.ReadRetryBackoff, "doctor calendar", func(ctx context.Context) ([]*appointment.Appointment, error) {
			return m.store.Find(ctx, appointment.Filter{DoctorID: doctorID, ActiveOnly: true, From: from, To: to})
		})
		if err != nil {
			return nil, err
		}
		busy := make([]appointment.Window, 0, len(list))
		for _, a := range list {
			busy = append(busy, a.Window())
		}
		return busy, nil
	}
	if m.cache == nil {
		return load(ctx)
	}
	busy, err := readcache.GetOrLoad(ctx, m.cache, readcache.CalendarKey(doctorID, from, to), load)
	if busy == nil && err == nil {
		busy = []appointment.Window{}
	}
	for i := range busy {
		busy[i] = appointment.Window{Start: busy[i].Start.UTC(), End: busy[i].End.UTC()}
	}
	return busy, err
}

// CountScheduled counts SCHEDULED appointments where userID is the patient or the doctor.
func (m *Manager) CountScheduled(ctx context.Context, userID string) (int, error) {
	count := 0
	for _, f := range []appointment.Filter{
		{PatientID: userID, Status: appointment.StatusScheduled},
		{DoctorID: userID, Status: appointment.StatusScheduled},
	} {
		list, err := retryRead(ctx, m.opts.ReadRetryBackoff, "count appointments", func(ctx context.Context) ([]*appointment.Appointment, error) {
			return m.store.Find(ctx, f)
		})
		if err != nil {
			return 0, err
		}
		for _, a := range list {
			// a self-booked doctor would be counted twice
			if f.DoctorID != "" && a.PatientID == userID {
				continue
			}
			count++
		}
	}
	return count, nil
}

func record(op string, err error) {
	metrics.BookingOperations.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, appointment.ErrConflict):
		return "conflict"
	case errors.Is(err, appointment.ErrIllegalState):
		return "illegal_state"
	case errors.Is(err, appointment.ErrNotFound):
		return "not_found"
	case errors.Is(err, appointment.ErrValidation):
		return "invalid"
	case errors.Is(err, appointment.ErrTransient):
		return "unavailable"
	}
	return "error"
}
