package service

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"github.com/microcosm-cc/bluemonday"
)

const (
	MinDurationMinutes = 5
	MaxDurationMinutes = 8 * 60
	// MaxCalendarRange bounds a single calendar query.
	MaxCalendarRange = 93 * 24 * time.Hour
)

// Service is the appointment lifecycle used by the HTTP layer.
type Service interface {
	CreateAppointment(ctx context.Context, req CreateRequest) (*appointment.Appointment, error)
	RescheduleAppointment(ctx context.Context, id string, req RescheduleRequest) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id string) (*appointment.Appointment, error)
	StartAppointment(ctx context.Context, id string) (*appointment.Appointment, error)
	CompleteAppointment(ctx context.Context, id string) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id string) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]*appointment.Appointment, error)
	DoctorCalendar(ctx context.Context, doctorID string, from, to time.Time) ([]appointment.Window, error)
}

type CreateRequest struct {
	DoctorID        string                `json:"doctorId"`
	PatientID       string                `json:"patientId"`
	ScheduledAt     time.Time             `json:"scheduledAt"`
	DurationMinutes int                   `json:"durationMinutes"`
	Notes           string                `json:"notes"`
	VisitType       appointment.VisitType `json:"visitType"`
}

func (r CreateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DoctorID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.PatientID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.ScheduledAt, validation.Required),
		validation.Field(&r.DurationMinutes, validation.Required, validation.Min(MinDurationMinutes), validation.Max(MaxDurationMinutes)),
		validation.Field(&r.VisitType, validation.Required, validation.In(appointment.VisitInPerson, appointment.VisitRemote)),
	)
}

// RescheduleRequest moves and/or annotates a scheduled appointment. Nil
// fields keep their current value.
type RescheduleRequest struct {
	ScheduledAt     *time.Time `json:"scheduledAt"`
	DurationMinutes *int       `json:"durationMinutes"`
	Notes           *string    `json:"notes"`
}

func (r RescheduleRequest) Validate() error {
	if r.ScheduledAt == nil && r.DurationMinutes == nil && r.Notes == nil {
		return appointment.NewValidationError("body", "nothing to update")
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.ScheduledAt, validation.NilOrNotEmpty),
		validation.Field(&r.DurationMinutes, validation.NilOrNotEmpty, validation.Min(MinDurationMinutes), validation.Max(MaxDurationMinutes)),
	)
}

// ListFilter selects appointments for listing. Empty fields match everything.
type ListFilter struct {
	DoctorID  string
	PatientID string
	Status    appointment.Status
}

func (f ListFilter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return appointment.NewValidationError("status", "must be one of SCHEDULED, IN_PROGRESS, COMPLETED, CANCELLED")
	}
	return nil
}

func (f ListFilter) params() map[string]string {
	return map[string]string{"doctorId": f.DoctorID, "patientId": f.PatientID, "status": string(f.Status)}
}

// validationError converts ozzo field errors into the domain error.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var ve *appointment.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	var fields validation.Errors
	if errors.As(err, &fields) {
		out := &appointment.ValidationError{Fields: make(map[string]string, len(fields))}
		for k, e := range fields {
			out.Fields[k] = e.Error()
		}
		return out
	}
	return err
}

// notesCleaner strips markup from free text notes.
type notesCleaner struct {
	policy *bluemonday.Policy
	max    int
}

func newNotesCleaner(max int) *notesCleaner {
	return &notesCleaner{policy: bluemonday.StrictPolicy(), max: max}
}

func (c *notesCleaner) clean(s string) (string, error) {
	out := strings.TrimSpace(html.UnescapeString(c.policy.Sanitize(s)))
	if c.max > 0 && len([]rune(out)) > c.max {
		return "", appointment.NewValidationError("notes", "too long")
	}
	return out, nil
}

func normalizeTime(t time.Time) time.Time { return t.UTC().Truncate(time.Second) }
