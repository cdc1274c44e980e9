package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"gorm.io/gorm"
)

// AppointmentRow is the gorm mapping of the appointments table.
type AppointmentRow struct {
	ID              string    `gorm:"primaryKey;size:64"`
	DoctorID        string    `gorm:"size:64;not null;index:idx_appointments_doctor_scheduled,priority:1"`
	PatientID       string    `gorm:"size:64;not null;index:idx_appointments_patient_scheduled,priority:1"`
	ScheduledAt     time.Time `gorm:"not null;index:idx_appointments_doctor_scheduled,priority:2;index:idx_appointments_patient_scheduled,priority:2"`
	EndsAt          time.Time `gorm:"not null"`
	DurationMinutes int       `gorm:"not null"`
	Status          string    `gorm:"size:16;not null;index"`
	Notes           string
	VisitType       string    `gorm:"size:16;not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (AppointmentRow) TableName() string { return "appointments" }

func rowFrom(a *appointment.Appointment) *AppointmentRow {
	return &AppointmentRow{
		ID:              a.ID,
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		ScheduledAt:     a.ScheduledAt.UTC(),
		EndsAt:          a.EndsAt().UTC(),
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		Notes:           a.Notes,
		VisitType:       string(a.VisitType),
		CreatedAt:       a.CreatedAt.UTC(),
		UpdatedAt:       a.UpdatedAt.UTC(),
	}
}

func (r *AppointmentRow) toDomain() *appointment.Appointment {
	return &appointment.Appointment{
		ID:              r.ID,
		DoctorID:        r.DoctorID,
		PatientID:       r.PatientID,
		ScheduledAt:     r.ScheduledAt.UTC(),
		DurationMinutes: r.DurationMinutes,
		Status:          appointment.Status(r.Status),
		Notes:           r.Notes,
		VisitType:       appointment.VisitType(r.VisitType),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

// GormStore implements Store with gorm, used with the SQLite driver for
// single-node deployments. Overlap is checked inside the write transaction.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return classify("ping", sqlDB.PingContext(ctx))
}

func (s *GormStore) Find(ctx context.Context, f appointment.Filter) ([]*appointment.Appointment, error) {
	var rows []*AppointmentRow
	q := applyFilter(s.db.WithContext(ctx).Model(&AppointmentRow{}), f)
	if err := q.Order("scheduled_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, classify("find appointments", fmt.Errorf("find appointments: %w", err))
	}
	out := make([]*appointment.Appointment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *GormStore) FindByID(ctx context.Context, id string) (*appointment.Appointment, error) {
	var row AppointmentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find appointment", fmt.Errorf("find appointment by id: %w", err))
	}
	return row.toDomain(), nil
}

func (s *GormStore) Create(ctx context.Context, a *appointment.Appointment) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if a.Status.Active() {
			taken, err := overlapExists(tx, a.DoctorID, a.Window(), a.ID)
			if err != nil {
				return err
			}
			if taken {
				return ErrOverlap
			}
		}
		return tx.Create(rowFrom(a)).Error
	})
	if errors.Is(err, ErrOverlap) {
		return err
	}
	return classify("create appointment", err)
}

func (s *GormStore) Update(ctx context.Context, id string, p appointment.Patch) (*appointment.Appointment, error) {
	var updated *appointment.Appointment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row AppointmentRow
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStoreNotFound
			}
			return err
		}
		if p.ExpectStatus != "" && appointment.Status(row.Status) != p.ExpectStatus {
			return ErrStatusChanged
		}
		next := row.toDomain()
		p.Apply(next)
		if next.Status.Active() {
			taken, err := overlapExists(tx, next.DoctorID, next.Window(), id)
			if err != nil {
				return err
			}
			if taken {
				return ErrOverlap
			}
		}
		nr := rowFrom(next)
		if err := tx.Model(&AppointmentRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"scheduled_at":     nr.ScheduledAt,
			"ends_at":          nr.EndsAt,
			"duration_minutes": nr.DurationMinutes,
			"notes":            nr.Notes,
			"status":           nr.Status,
			"updated_at":       nr.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		updated = next
		return nil
	})
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, ErrStoreNotFound), errors.Is(err, ErrStatusChanged), errors.Is(err, ErrOverlap):
		return nil, err
	}
	return nil, classify("update appointment", err)
}

func overlapExists(tx *gorm.DB, doctorID string, w appointment.Window, excludeID string) (bool, error) {
	var count int64
	err := tx.Model(&AppointmentRow{}).
		Where("doctor_id = ?", doctorID).
		Where("status <> ?", string(appointment.StatusCancelled)).
		Where("id <> ?", excludeID).
		Where("scheduled_at < ?", w.End.UTC()).
		Where("ends_at > ?", w.Start.UTC()).
		Count(&count).Error
	return count > 0, err
}

func applyFilter(q *gorm.DB, f appointment.Filter) *gorm.DB {
	if f.DoctorID != "" {
		q = q.Where("doctor_id = ?", f.DoctorID)
	}
	if f.PatientID != "" {
		q = q.Where("patient_id = ?", f.PatientID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.ActiveOnly {
		q = q.Where("status <> ?", string(appointment.StatusCancelled))
	}
	if !f.From.IsZero() {
		q = q.Where("ends_at > ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("scheduled_at < ?", f.To.UTC())
	}
	if f.ExcludeID != "" {
		q = q.Where("id <> ?", f.ExcludeID)
	}
	return q
}
