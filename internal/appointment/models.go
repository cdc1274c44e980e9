package appointment

import (
	"time"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// VisitType describes how the visit takes place.
type VisitType string

const (
	VisitInPerson VisitType = "in-person"
	VisitRemote   VisitType = "remote"
)

// transitions lists the legal target states for every source state.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether an appointment in this status still reserves its window.
func (s Status) Active() bool { return s != StatusCancelled }

func (v VisitType) Valid() bool { return v == VisitInPerson || v == VisitRemote }

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start" msgpack:"start"`
	End   time.Time `json:"end" msgpack:"end"`
}

// NewWindow builds a window starting at start that lasts the given minutes.
func NewWindow(start time.Time, minutes int) Window {
	return Window{Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}
}

// Overlaps reports whether two half-open windows intersect.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

func (w Window) Valid() bool { return !w.Start.IsZero() && w.End.After(w.Start) }

// Appointment is the record of a booked visit.
type Appointment struct {
	ID              string    `json:"id" msgpack:"id"`
	DoctorID        string    `json:"doctorId" msgpack:"doctorId"`
	PatientID       string    `json:"patientId" msgpack:"patientId"`
	ScheduledAt     time.Time `json:"scheduledAt" msgpack:"scheduledAt"`
	DurationMinutes int       `json:"durationMinutes" msgpack:"durationMinutes"`
	Status          Status    `json:"status" msgpack:"status"`
	Notes           string    `json:"notes,omitempty" msgpack:"notes"`
	VisitType       VisitType `json:"visitType" msgpack:"visitType"`
	CreatedAt       time.Time `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt" msgpack:"updatedAt"`
}

// Window returns the interval reserved by the appointment.
func (a *Appointment) Window() Window { return NewWindow(a.ScheduledAt, a.DurationMinutes) }

// EndsAt is the exclusive end of the reserved window.
func (a *Appointment) EndsAt() time.Time { return a.Window().End }

// Clone returns a copy safe to hand out of a store.
func (a *Appointment) Clone() *Appointment {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// UTC converts the timestamps to UTC in place. Cached copies are decoded
// in the local zone.
func (a *Appointment) UTC() *Appointment {
	if a == nil {
		return nil
	}
	a.ScheduledAt = a.ScheduledAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a
}

// Filter selects appointments. Zero fields do not constrain the result.
type Filter struct {
	DoctorID   string
	PatientID  string
	Status     Status
	ActiveOnly bool
	// From/To select appointments whose window intersects [From, To).
	From      time.Time
	To        time.Time
	ExcludeID string
}

// Matches applies the filter to a single record.
func (f Filter) Matches(a *Appointment) bool {
	if f.DoctorID != "" && a.DoctorID != f.DoctorID {
		return false
	}
	if f.PatientID != "" && a.PatientID != f.PatientID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.ActiveOnly && !a.Status.Active() {
		return false
	}
	if f.ExcludeID != "" && a.ID == f.ExcludeID {
		return false
	}
	w := a.Window()
	if !f.From.IsZero() && !w.End.After(f.From) {
		return false
	}
	if !f.To.IsZero() && !w.Start.Before(f.To) {
		return false
	}
	return true
}

// Patch is a partial update applied by a store. Nil fields are left unchanged.
type Patch struct {
	ScheduledAt     *time.Time
	DurationMinutes *int
	Notes           *string
	Status          *Status
	UpdatedAt       time.Time
	// ExpectStatus makes the update conditional on the current status.
	ExpectStatus Status
}

// Apply writes the patch onto a.
func (p Patch) Apply(a *Appointment) {
	if p.ScheduledAt != nil {
		a.ScheduledAt = *p.ScheduledAt
	}
	if p.DurationMinutes != nil {
		a.DurationMinutes = *p.DurationMinutes
	}
	if p.Notes != nil {
		a.Notes = *p.Notes
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if !p.UpdatedAt.IsZero() {
		a.UpdatedAt = p.UpdatedAt
	}
}
