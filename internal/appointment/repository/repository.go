package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
)

var (
	ErrStoreNotFound = errors.New("record not found")
	// ErrOverlap is reported when the store's own overlap guard rejects a write.
	ErrOverlap = errors.New("overlapping active appointment")
	// ErrStatusChanged is reported when a conditional update finds a different status.
	ErrStatusChanged = errors.New("status changed concurrently")
)

// Store is the record store gateway for appointments.
type Store interface {
	Find(ctx context.Context, f appointment.Filter) ([]*appointment.Appointment, error)
	// FindByID returns nil, nil when no record exists.
	FindByID(ctx context.Context, id string) (*appointment.Appointment, error)
	Create(ctx context.Context, a *appointment.Appointment) error
	Update(ctx context.Context, id string, p appointment.Patch) (*appointment.Appointment, error)
}

// Pinger is implemented by stores backed by a network connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// classify wraps connection-level failures as transient and passes the rest through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return appointment.Transient(op, err)
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			// connection exception, insufficient resources, operator intervention
			return true
		}
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		// another connection holds the database lock
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
