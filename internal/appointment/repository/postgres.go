package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
)

const exclusionViolation = "23P01"

const selectColumns = `id, doctor_id, patient_id, scheduled_at, duration_minutes, status, notes, visit_type, created_at, updated_at`

// PostgresStore implements Store on the appointments table. The table's
// exclusion constraint rejects overlapping active windows across processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping", r.db.PingContext(ctx))
}

func (r *PostgresStore) Find(ctx context.Context, f appointment.Filter) ([]*appointment.Appointment, error) {
	where, args := buildWhere(f)
	q := `SELECT ` + selectColumns + ` FROM appointments`
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY scheduled_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("find appointments", fmt.Errorf("query appointments: %w", err))
	}
	defer rows.Close()

	out := make([]*appointment.Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, classify("find appointments", fmt.Errorf("scan appointment: %w", err))
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("find appointments", err)
	}
	return out, nil
}

func (r *PostgresStore) FindByID(ctx context.Context, id string) (*appointment.Appointment, error) {
	a, err := scanAppointment(r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM appointments WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find appointment", fmt.Errorf("find appointment by id: %w", err))
	}
	return a, nil
}

func (r *PostgresStore) Create(ctx context.Context, a *appointment.Appointment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO appointments (id, doctor_id, patient_id, scheduled_at, ends_at, duration_minutes, status, notes, visit_type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.DoctorID, a.PatientID, a.ScheduledAt, a.EndsAt(), a.DurationMinutes,
		string(a.Status), a.Notes, string(a.VisitType), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isExclusionViolation(err) {
			return ErrOverlap
		}
		return classify("create appointment", fmt.Errorf("insert appointment: %w", err))
	}
	return nil
}

func (r *PostgresStore) Update(ctx context.Context, id string, p appointment.Patch) (*appointment.Appointment, error) {
	var (
		scheduledAt sql.NullTime
		duration    sql.NullInt64
		notes       sql.NullString
		status      sql.NullString
	)
	if p.ScheduledAt != nil {
		scheduledAt = sql.NullTime{Time: *p.ScheduledAt, Valid: true}
	}
	if p.DurationMinutes != nil {
		duration = sql.NullInt64{Int64: int64(*p.DurationMinutes), Valid: true}
	}
	if p.Notes != nil {
		notes = sql.NullString{String: *p.Notes, Valid: true}
	}
	if p.Status != nil {
		status = sql.NullString{String: string(*p.Status), Valid: true}
	}

	a, err := scanAppointment(r.db.QueryRowContext(ctx,
		`UPDATE appointments SET
			scheduled_at = COALESCE($2, scheduled_at),
			duration_minutes = COALESCE($3::int, duration_minutes),
			ends_at = COALESCE($2, scheduled_at) + make_interval(mins => COALESCE($3::int, duration_minutes)),
			notes = COALESCE($4, notes),
			status = COALESCE($5, status),
			updated_at = $6
		 WHERE id = $1 AND ($7 = '' OR status = $7)
		 RETURNING `+selectColumns,
		id, scheduledAt, duration, notes, status, p.UpdatedAt, string(p.ExpectStatus),
	))
	if err == sql.ErrNoRows {
		return nil, r.missingOrChanged(ctx, id)
	}
	if err != nil {
		if isExclusionViolation(err) {
			return nil, ErrOverlap
		}
		return nil, classify("update appointment", fmt.Errorf("update appointment: %w", err))
	}
	return a, nil
}

func (r *PostgresStore) missingOrChanged(ctx context.Context, id string) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM appointments WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrStoreNotFound
	}
	if err != nil {
		return classify("update appointment", err)
	}
	return ErrStatusChanged
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAppointment(s rowScanner) (*appointment.Appointment, error) {
	var (
		a         appointment.Appointment
		status    string
		visitType string
	)
	if err := s.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.ScheduledAt, &a.DurationMinutes,
		&status, &a.Notes, &visitType, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = appointment.Status(status)
	a.VisitType = appointment.VisitType(visitType)
	a.ScheduledAt = a.ScheduledAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// buildWhere renders the filter as a parameterised predicate.
func buildWhere(f appointment.Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DoctorID != "" {
		add("doctor_id = $%d", f.DoctorID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ActiveOnly {
		conds = append(conds, "status <> 'CANCELLED'")
	}
	if !f.From.IsZero() {
		add("ends_at > $%d", f.From)
	}
	if !f.To.IsZero() {
		add("scheduled_at < $%d", f.To)
	}
	if f.ExcludeID != "" {
		add("id <> $%d", f.ExcludeID)
	}
	return strings.Join(conds, " AND "), args
}

func isExclusionViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == exclusionViolation
}
