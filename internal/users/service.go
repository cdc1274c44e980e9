package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/medibook/medibook/backend/booking-service/internal/models"
	"github.com/medibook/medibook/backend/booking-service/internal/readcache"
	"github.com/medibook/medibook/backend/booking-service/pkg/middleware"
)

var ErrNoSubject = errors.New("principal has no subject")

// AppointmentCounter reports how many scheduled appointments involve a user.
type AppointmentCounter interface {
	CountScheduled(ctx context.Context, userID string) (int, error)
}

// Service encapsulates user-related business logic
type Service struct {
	repo    UserRepository
	counter AppointmentCounter
	cache   *readcache.Coordinator
}

func NewService(r UserRepository, counter AppointmentCounter, cache *readcache.Coordinator) *Service {
	return &Service{repo: r, counter: counter, cache: cache}
}

// UpsertFromPrincipal creates or refreshes the account of the caller.
func (s *Service) UpsertFromPrincipal(ctx context.Context, p middleware.Principal) (*models.User, error) {
	if p.UserID == "" {
		return nil, ErrNoSubject
	}
	u, err := s.repo.UpsertBySub(ctx, &models.User{Sub: p.UserID, Email: p.Email, Name: p.Name, Role: p.Role})
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, readcache.ProfileKey(p.UserID))
	}
	return u, nil
}

// Profile returns the caller's cached profile, creating the account on first use.
func (s *Service) Profile(ctx context.Context, p middleware.Principal) (*models.Profile, error) {
	if p.UserID == "" {
		return nil, ErrNoSubject
	}
	load := func(ctx context.Context) (*models.Profile, error) {
		u, err := s.repo.GetBySub(ctx, p.UserID)
		if err != nil {
			return nil, fmt.Errorf("get user: %w", err)
		}
		if u == nil {
			if u, err = s.repo.UpsertBySub(ctx, &models.User{Sub: p.UserID, Email: p.Email, Name: p.Name, Role: p.Role}); err != nil {
				return nil, fmt.Errorf("create user: %w", err)
			}
		}
		n, err := s.counter.CountScheduled(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		return &models.Profile{User: *u, ScheduledAppointments: n}, nil
	}
	if s.cache == nil {
		return load(ctx)
	}
	return readcache.GetOrLoad(ctx, s.cache, readcache.ProfileKey(p.UserID), load)
}
