package service

import (
	"context"
	"errors"
	"time"

	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"github.com/medibook/medibook/backend/booking-service/pkg/logger"
	"github.com/medibook/medibook/backend/booking-service/pkg/metrics"
)

// retryRead runs a store read and repeats it once after backoff when the
// first attempt failed transiently. Only use it for reads.
func retryRead[T any](ctx context.Context, backoff time.Duration, op string, read func(context.Context) (T, error)) (T, error) {
	v, err := read(ctx)
	if err == nil || !errors.Is(err, appointment.ErrTransient) {
		return v, err
	}
	metrics.StoreReadRetries.Inc()
	logger.Infof("%s: transient store error, retrying in %s: %v", op, backoff, err)

	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return v, err
	case <-t.C:
	}
	return read(ctx)
}
