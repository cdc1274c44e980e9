package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment/repository"
	"github.com/medibook/medibook/backend/booking-service/internal/readcache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func slot(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

// tickClock advances one second per call so updatedAt changes are observable.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// spyStore counts calls and can inject failures.
type spyStore struct {
	repository.Store
	finds, creates int32
	failFinds      int32
	createErr      error
}

func (s *spyStore) Find(ctx context.Context, f appointment.Filter) ([]*appointment.Appointment, error) {
	atomic.AddInt32(&s.finds, 1)
	if atomic.AddInt32(&s.failFinds, -1) >= 0 {
		return nil, appointment.Transient("find", errors.New("connection reset"))
	}
	return s.Store.Find(ctx, f)
}

func (s *spyStore) Create(ctx context.Context, a *appointment.Appointment) error {
	atomic.AddInt32(&s.creates, 1)
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.Create(ctx, a)
}

func newRedisCoordinator(t *testing.T) *readcache.Coordinator {
	t.Helper()
	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	return readcache.NewCoordinator(readcache.NewRedisGateway(client, "booking:"), time.Minute)
}

func newManager(t *testing.T, store repository.Store) *Manager {
	t.Helper()
	clock := &tickClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	return NewManager(store, newRedisCoordinator(t), Options{Now: clock.Now, ReadRetryBackoff: time.Millisecond})
}

func book(t *testing.T, m *Manager, doctor, patient string, start time.Time, minutes int) *appointment.Appointment {
	t.Helper()
	a, err := m.CreateAppointment(context.Background(), CreateRequest{DoctorID: doctor, PatientID: patient, ScheduledAt: start, DurationMinutes: minutes})
	require.NoError(t, err)
	return a
}

func TestCreateAppointmentDefaults(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	a := book(t, m, "d1", "p1", slot(10, 0).Add(1500*time.Millisecond), 0)

	require.NotEmpty(t, a.ID)
	require.Equal(t, appointment.StatusScheduled, a.Status)
	require.Equal(t, 30, a.DurationMinutes)
	require.Equal(t, appointment.VisitInPerson, a.VisitType)
	require.True(t, a.ScheduledAt.Equal(slot(10, 0).Add(time.Second)))
	require.Equal(t, a.CreatedAt, a.UpdatedAt)
}

func TestScenarioA_PartialOverlapConflicts(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	first := book(t, m, "D", "p1", slot(10, 0), 30)

	_, err := m.CreateAppointment(context.Background(), CreateRequest{DoctorID: "D", PatientID: "p2", ScheduledAt: slot(10, 15), DurationMinutes: 30})
	require.ErrorIs(t, err, appointment.ErrConflict)
	var ce *appointment.ConflictError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, first.ID, ce.ExistingID)

	// adjacent slots and other doctors are free
	book(t, m, "D", "p2", slot(10, 30), 30)
	book(t, m, "E", "p2", slot(10, 15), 30)
}

func TestScenarioB_CancelFreesWindow(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	a := book(t, m, "D", "p1", slot(10, 0), 30)

	cancelled, err := m.CancelAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, appointment.StatusCancelled, cancelled.Status)

	again := book(t, m, "D", "p2", slot(10, 0), 30)
	require.NotEqual(t, a.ID, again.ID)

	// the cancelled record is kept
	kept, err := m.GetAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, appointment.StatusCancelled, kept.Status)
}

func TestScenarioC_RescheduleCompletedIsIllegal(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	a := book(t, m, "D", "p1", slot(10, 0), 30)
	_, err := m.StartAppointment(ctx, a.ID)
	require.NoError(t, err)
	_, err = m.CompleteAppointment(ctx, a.ID)
	require.NoError(t, err)

	start := slot(12, 0)
	_, err = m.RescheduleAppointment(ctx, a.ID, RescheduleRequest{ScheduledAt: &start})
	require.ErrorIs(t, err, appointment.ErrIllegalState)
	var ie *appointment.IllegalStateError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, appointment.StatusCompleted, ie.From)
}

func TestScenarioD_ListSeesNewAppointmentDespiteCachedList(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	book(t, m, "D", "p1", slot(9, 0), 30)

	before, err := m.ListAppointments(ctx, ListFilter{DoctorID: "D"})
	require.NoError(t, err)
	require.Len(t, before, 1)

	created := book(t, m, "D", "p2", slot(8, 0), 30)

	after, err := m.ListAppointments(ctx, ListFilter{DoctorID: "D"})
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, created.ID, after[0].ID, "ordered by scheduledAt")
}

func TestNoDoubleBookingUnderConcurrency(t *testing.T) {
	store := repository.NewMemoryStore()
	// two managers over one store behave like two service instances
	managers := []*Manager{newManager(t, store), newManager(t, store)}

	const n = 40
	var (
		wg        sync.WaitGroup
		successes int32
		conflicts int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := slot(10, 0).Add(time.Duration(i%6) * 5 * time.Minute)
			_, err := managers[i%2].CreateAppointment(context.Background(), CreateRequest{
				DoctorID: "D", PatientID: fmt.Sprintf("p%d", i), ScheduledAt: start, DurationMinutes: 30,
			})
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, appointment.ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), successes)
	require.Equal(t, int32(n-1), conflicts)

	active, err := store.Find(context.Background(), appointment.Filter{DoctorID: "D", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestStoreOverlapGuardMapsToConflict(t *testing.T) {
	spy := &spyStore{Store: repository.NewMemoryStore(), createErr: repository.ErrOverlap}
	m := newManager(t, spy)
	_, err := m.CreateAppointment(context.Background(), CreateRequest{DoctorID: "D", PatientID: "p", ScheduledAt: slot(10, 0)})
	require.ErrorIs(t, err, appointment.ErrConflict)
	require.Equal(t, int32(2), atomic.LoadInt32(&spy.creates), "one retry after the store rejects the write")
}

func TestCancelIsNotRepeatable(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	a := book(t, m, "D", "p1", slot(10, 0), 30)

	first, err := m.CancelAppointment(ctx, a.ID)
	require.NoError(t, err)

	_, err = m.CancelAppointment(ctx, a.ID)
	require.ErrorIs(t, err, appointment.ErrIllegalState)

	stored, err := m.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, stored.UpdatedAt.Equal(first.UpdatedAt))
}

func TestStatusMachine(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()

	a := book(t, m, "D", "p1", slot(10, 0), 30)
	started, err := m.StartAppointment(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, appointment.StatusInProgress, started.Status)
	require.True(t, started.UpdatedAt.After(a.UpdatedAt))

	_, err = m.CancelAppointment(ctx, a.ID)
	require.ErrorIs(t, err, appointment.ErrIllegalState)
	_, err = m.StartAppointment(ctx, a.ID)
	require.ErrorIs(t, err, appointment.ErrIllegalState)

	done, err := m.CompleteAppointment(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, appointment.StatusCompleted, done.Status)

	for _, op := range []func(context.Context, string) (*appointment.Appointment, error){m.StartAppointment, m.CompleteAppointment, m.CancelAppointment} {
		_, err := op(ctx, a.ID)
		require.ErrorIs(t, err, appointment.ErrIllegalState)
	}

	b := book(t, m, "D", "p1", slot(11, 0), 30)
	_, err = m.CompleteAppointment(ctx, b.ID)
	require.ErrorIs(t, err, appointment.ErrIllegalState, "cannot skip IN_PROGRESS")

	_, err = m.CancelAppointment(ctx, "missing")
	require.ErrorIs(t, err, appointment.ErrNotFound)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	a := book(t, m, "D", "p1", slot(10, 0), 30)

	var (
		wg sync.WaitGroup
		ok int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = m.CancelAppointment(context.Background(), a.ID)
			} else {
				_, err = m.StartAppointment(context.Background(), a.ID)
			}
			if err == nil {
				atomic.AddInt32(&ok, 1)
				return
			}
			if !errors.Is(err, appointment.ErrIllegalState) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), ok)
}

func TestRescheduleExcludesOwnWindow(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	a := book(t, m, "D", "p1", slot(10, 0), 30)

	start := slot(10, 15)
	moved, err := m.RescheduleAppointment(ctx, a.ID, RescheduleRequest{ScheduledAt: &start})
	require.NoError(t, err)
	require.True(t, moved.ScheduledAt.Equal(start))
	require.Equal(t, a.ID, moved.ID)
	require.Equal(t, a.CreatedAt, moved.CreatedAt)
}

func TestRescheduleIntoTakenWindowLeavesRecord(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	a := book(t, m, "D", "p1", slot(10, 0), 30)
	other := book(t, m, "D", "p2", slot(11, 0), 30)

	start := slot(10, 45)
	notes := "moved"
	_, err := m.RescheduleAppointment(ctx, a.ID, RescheduleRequest{ScheduledAt: &start, Notes: &notes})
	var ce *appointment.ConflictError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, other.ID, ce.ExistingID)

	stored, err := m.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, stored.ScheduledAt.Equal(slot(10, 0)))
	require.Empty(t, stored.Notes)

	// extending the duration into the next slot conflicts as well
	dur := 90
	_, err = m.RescheduleAppointment(ctx, a.ID, RescheduleRequest{DurationMinutes: &dur})
	require.ErrorIs(t, err, appointment.ErrConflict)
}

func TestRescheduleNotesOnly(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	a := book(t, m, "D", "p1", slot(10, 0), 30)

	notes := "  <b>Fasting</b> & bring x-rays<script>alert(1)</script> "
	updated, err := m.RescheduleAppointment(ctx, a.ID, RescheduleRequest{Notes: &notes})
	require.NoError(t, err)
	require.Equal(t, "Fasting & bring x-rays", updated.Notes)

	_, err = m.RescheduleAppointment(ctx, "missing", RescheduleRequest{Notes: &notes})
	require.ErrorIs(t, err, appointment.ErrNotFound)

	_, err = m.RescheduleAppointment(ctx, a.ID, RescheduleRequest{})
	require.ErrorIs(t, err, appointment.ErrValidation)
}

func TestValidationHappensBeforeStoreAccess(t *testing.T) {
	spy := &spyStore{Store: repository.NewMemoryStore()}
	m := newManager(t, spy)
	ctx := context.Background()

	cases := []CreateRequest{
		{PatientID: "p", ScheduledAt: slot(10, 0)},
		{DoctorID: "d", ScheduledAt: slot(10, 0)},
		{DoctorID: "d", PatientID: "p"},
		{DoctorID: "d", PatientID: "p", ScheduledAt: slot(10, 0), DurationMinutes: -15},
		{DoctorID: "d", PatientID: "p", ScheduledAt: slot(10, 0), DurationMinutes: 24 * 60},
		{DoctorID: "d", PatientID: "p", ScheduledAt: slot(10, 0), VisitType: "house-call"},
	}
	for i, req := range cases {
		_, err := m.CreateAppointment(ctx, req)
		require.ErrorIs(t, err, appointment.ErrValidation, "case %d", i)
	}
	require.Zero(t, atomic.LoadInt32(&spy.finds))
	require.Zero(t, atomic.LoadInt32(&spy.creates))

	var ve *appointment.ValidationError
	_, err := m.CreateAppointment(ctx, CreateRequest{DoctorID: "d", PatientID: "p"})
	require.True(t, errors.As(err, &ve))
	require.Contains(t, ve.Fields, "scheduledAt")
}

func TestReadRetriesTransientOnce(t *testing.T) {
	spy := &spyStore{Store: repository.NewMemoryStore()}
	m := newManager(t, spy)
	ctx := context.Background()
	book(t, m, "D", "p1", slot(10, 0), 30)
	atomic.StoreInt32(&spy.finds, 0)

	atomic.StoreInt32(&spy.failFinds, 1)
	list, err := m.ListAppointments(ctx, ListFilter{PatientID: "p1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, int32(2), atomic.LoadInt32(&spy.finds))

	atomic.StoreInt32(&spy.failFinds, 2)
	_, err = m.ListAppointments(ctx, ListFilter{PatientID: "p2"})
	require.ErrorIs(t, err, appointment.ErrTransient)
}

func TestWriteDoesNotRetryTransient(t *testing.T) {
	spy := &spyStore{Store: repository.NewMemoryStore(), createErr: appointment.Transient("insert", errors.New("timeout"))}
	m := newManager(t, spy)
	_, err := m.CreateAppointment(context.Background(), CreateRequest{DoctorID: "D", PatientID: "p", ScheduledAt: slot(10, 0)})
	require.ErrorIs(t, err, appointment.ErrTransient)
	require.Equal(t, int32(1), atomic.LoadInt32(&spy.creates))
}

func TestCachedAppointmentIsFreshAfterWrite(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	a := book(t, m, "D", "p1", slot(10, 0), 30)

	cached, err := m.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, appointment.StatusScheduled, cached.Status)

	start := slot(15, 0)
	_, err = m.RescheduleAppointment(ctx, a.ID, RescheduleRequest{ScheduledAt: &start})
	require.NoError(t, err)
	got, err := m.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, got.ScheduledAt.Equal(start))

	_, err = m.CancelAppointment(ctx, a.ID)
	require.NoError(t, err)
	got, err = m.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, appointment.StatusCancelled, got.Status)

	_, err = m.GetAppointment(ctx, "missing")
	require.ErrorIs(t, err, appointment.ErrNotFound)
}

// slowStore delays reads so concurrent callers collapse onto one load.
type slowStore struct {
	repository.Store
	delay time.Duration
	finds int32
}

func (s *slowStore) Find(ctx context.Context, f appointment.Filter) ([]*appointment.Appointment, error) {
	atomic.AddInt32(&s.finds, 1)
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.Find(ctx, f)
}

func newLocalManager(store repository.Store) *Manager {
	cache := readcache.NewCoordinator(readcache.NewLocalGateway(readcache.LocalConfig{TTL: time.Minute}), time.Minute)
	return NewManager(store, cache, Options{ReadRetryBackoff: time.Millisecond})
}

func TestCollapsedListCallersDoNotShareRecords(t *testing.T) {
	mem := repository.NewMemoryStore()
	seed := NewManager(mem, nil, Options{})
	book(t, seed, "D", "p1", slot(10, 0), 30)
	book(t, seed, "D", "p2", slot(11, 0), 30)

	store := &slowStore{Store: mem, delay: 50 * time.Millisecond}
	m := newLocalManager(store)

	const n = 8
	var wg sync.WaitGroup
	results := make([][]*appointment.Appointment, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			list, err := m.ListAppointments(context.Background(), ListFilter{DoctorID: "D"})
			if err != nil {
				t.Errorf("list: %v", err)
				return
			}
			results[i] = list
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&store.finds))
	seen := map[*appointment.Appointment]int{}
	for i, list := range results {
		require.Len(t, list, 2)
		for _, a := range list {
			require.Equal(t, time.UTC, a.ScheduledAt.Location())
			prev, dup := seen[a]
			require.False(t, dup, "callers %d and %d share a record", prev, i)
			seen[a] = i
		}
	}
}

func TestCancelledReaderDoesNotFailOthers(t *testing.T) {
	mem := repository.NewMemoryStore()
	seed := NewManager(mem, nil, Options{})
	a := book(t, seed, "D", "p1", slot(10, 0), 30)

	store := &slowStore{Store: mem, delay: 100 * time.Millisecond}
	m := newLocalManager(store)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.ListAppointments(ctx, ListFilter{DoctorID: "D"})
		firstErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	secondErr := make(chan error, 1)
	var second []*appointment.Appointment
	go func() {
		var err error
		second, err = m.ListAppointments(context.Background(), ListFilter{DoctorID: "D"})
		secondErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-secondErr)
	require.Len(t, second, 1)
	require.Equal(t, a.ID, second[0].ID)
	require.Equal(t, int32(1), atomic.LoadInt32(&store.finds))
}

func TestListFilterByStatus(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	a := book(t, m, "D", "p1", slot(10, 0), 30)
	book(t, m, "D", "p1", slot(11, 0), 30)
	_, err := m.CancelAppointment(ctx, a.ID)
	require.NoError(t, err)

	cancelled, err := m.ListAppointments(ctx, ListFilter{DoctorID: "D", Status: appointment.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	require.Equal(t, a.ID, cancelled[0].ID)

	empty, err := m.ListAppointments(ctx, ListFilter{DoctorID: "nobody"})
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	_, err = m.ListAppointments(ctx, ListFilter{Status: "DONE"})
	require.ErrorIs(t, err, appointment.ErrValidation)
}

func TestDoctorCalendar(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	from, to := slot(0, 0), slot(0, 0).Add(24*time.Hour)

	busy, err := m.DoctorCalendar(ctx, "D", from, to)
	require.NoError(t, err)
	require.Empty(t, busy)

	a := book(t, m, "D", "p1", slot(10, 0), 45)
	busy, err = m.DoctorCalendar(ctx, "D", from, to)
	require.NoError(t, err)
	require.Len(t, busy, 1)
	require.True(t, busy[0].End.Equal(slot(10, 45)))

	_, err = m.CancelAppointment(ctx, a.ID)
	require.NoError(t, err)
	busy, err = m.DoctorCalendar(ctx, "D", from, to)
	require.NoError(t, err)
	require.Empty(t, busy)

	_, err = m.DoctorCalendar(ctx, "D", to, from)
	require.ErrorIs(t, err, appointment.ErrValidation)
	_, err = m.DoctorCalendar(ctx, "D", from, from.AddDate(1, 0, 0))
	require.ErrorIs(t, err, appointment.ErrValidation)
}

func TestCountScheduled(t *testing.T) {
	m := newManager(t, repository.NewMemoryStore())
	ctx := context.Background()
	book(t, m, "D", "p1", slot(10, 0), 30)
	b := book(t, m, "D", "p1", slot(11, 0), 30)
	book(t, m, "E", "D", slot(12, 0), 30)
	_, err := m.CancelAppointment(ctx, b.ID)
	require.NoError(t, err)

	n, err := m.CountScheduled(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = m.CountScheduled(ctx, "D")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestManagerWithoutCache(t *testing.T) {
	m := NewManager(repository.NewMemoryStore(), nil, Options{})
	ctx := context.Background()
	a, err := m.CreateAppointment(ctx, CreateRequest{DoctorID: "D", PatientID: "p", ScheduledAt: slot(10, 0)})
	require.NoError(t, err)
	got, err := m.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)
}
