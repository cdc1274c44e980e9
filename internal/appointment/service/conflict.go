package service

import (
	"context"

	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment/repository"
)

// ConflictDetector finds active appointments of a doctor that overlap a window.
type ConflictDetector struct {
	store repository.Store
}

func NewConflictDetector(store repository.Store) *ConflictDetector {
	return &ConflictDetector{store: store}
}

// FindConflict returns the first active appointment of doctorID overlapping w,
// ignoring excludeID, or nil when the window is free.
func (d *ConflictDetector) FindConflict(ctx context.Context, doctorID string, w appointment.Window, excludeID string) (*appointment.Appointment, error) {
	candidates, err := d.store.Find(ctx, appointment.Filter{
		DoctorID:   doctorID,
		ActiveOnly: true,
		From:       w.Start,
		To:         w.End,
		ExcludeID:  excludeID,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range candidates {
		if a.ID == excludeID || !a.Status.Active() {
			continue
		}
		if a.Window().Overlaps(w) {
			return a, nil
		}
	}
	return nil, nil
}

func (d *ConflictDetector) HasConflict(ctx context.Context, doctorID string, w appointment.Window, excludeID string) (bool, error) {
	a, err := d.FindConflict(ctx, doctorID, w, excludeID)
	return a != nil, err
}
