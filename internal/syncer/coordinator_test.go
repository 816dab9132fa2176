package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/smallbiznis/adminis/internal/clock"
	"github.com/smallbiznis/adminis/internal/config"
	"github.com/smallbiznis/adminis/internal/observability/metrics"
	"github.com/smallbiznis/adminis/internal/session"
	"github.com/smallbiznis/adminis/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type authMock struct{ mock.Mock }

func (m *authMock) EnsureAuthenticated(ctx context.Context) (session.Session, error) {
	args := m.Called(ctx)
	return args.Get(0).(session.Session), args.Error(1)
}

func (m *authMock) UpdateCredentials(creds session.Credentials) {
	m.Called(creds)
}

type fetcherMock struct{ mock.Mock }

func (m *fetcherMock) ListProperties(ctx context.Context) ([]domain.Property, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.Property), args.Error(1)
}

func (m *fetcherMock) FetchProperty(ctx context.Context, propertyID string) (upstream.RawProperty, error) {
	args := m.Called(ctx, propertyID)
	return args.Get(0).(upstream.RawProperty), args.Error(1)
}

type lockMock struct{ mock.Mock }

func (m *lockMock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *lockMock) Release(ctx context.Context, key, token string) error {
	return m.Called(ctx, key, token).Error(0)
}

type fixture struct {
	coord    *Coordinator
	auth     *authMock
	fetcher  *fetcherMock
	registry *prometheus.Registry
	clock    *clock.FakeClock
}

func newFixture(t *testing.T, lock CycleLock) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		auth:     &authMock{},
		fetcher:  &fetcherMock{},
		registry: prometheus.NewRegistry(),
		clock:    clock.NewFakeClock(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)),
	}
	f.coord, err = New(Params{
		Log:      zap.NewNop(),
		Clock:    f.clock,
		GenID:    node,
		Auth:     f.auth,
		Fetcher:  f.fetcher,
		Settings: config.NewStaticSettings(config.DefaultSettings()),
		Lock:     lock,
		Metrics:  metrics.NewSyncMetricsForTest(f.registry),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) authenticated() *mock.Call {
	return f.auth.On("EnsureAuthenticated", mock.Anything).Return(session.Session{Generation: 1}, nil)
}

var (
	apartment = domain.Property{ID: "A1", Address: "Str. Lalelelor 4, ap. 12, Cluj", Kind: domain.PropertyKindApartment, Unit: "12"}
	parking   = domain.Property{ID: "P5", Address: "PARCARI Str. Lalelelor 4, ap. P5", Kind: domain.PropertyKindParking, Unit: "P5"}
)

func apartmentRaw() upstream.RawProperty {
	bill := upstream.RawBill{
		Date:    "15.01.2024",
		Receipt: "R-100",
		Total:   upstream.Amount("862.12"),
		Details: []upstream.RawCharge{
			{Name: "Apa calda", Amount: upstream.Amount("300.00")},
			{Name: "Încălzire", Amount: upstream.Amount("562,12")},
		},
	}
	return upstream.RawProperty{
		Bill: &bill,
		Payments: []upstream.RawPayment{
			{Amount: upstream.Amount("862.12"), Date: "15.01.2024", Receipt: "R-100", FetchSeq: 2},
			{Amount: upstream.Amount("700"), Date: "14.12.2023", Receipt: "R-090", FetchSeq: 1},
		},
		Pending: upstream.RawPending{AllowPayments: true, Owner: upstream.Amount("862.12")},
	}
}

func parkingRaw() upstream.RawProperty {
	return upstream.RawProperty{
		Payments: []upstream.RawPayment{
			{Amount: upstream.Amount("50"), Date: "10.01.2024", FetchSeq: 3},
		},
		Pending: upstream.RawPending{Owner: upstream.Amount("-10")},
	}
}

func TestRunOnce_PublishesSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{parking, apartment}, nil)
	f.fetcher.On("FetchProperty", mock.Anything, "A1").Return(apartmentRaw(), nil)
	f.fetcher.On("FetchProperty", mock.Anything, "P5").Return(parkingRaw(), nil)

	events, cancel := f.coord.Subscribe(context.Background(), 4)
	defer cancel()

	require.NoError(t, f.coord.RunOnce(context.Background()))

	snap := f.coord.Snapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Properties, 2)
	assert.Equal(t, "A1", snap.Properties[0].Property.ID)
	assert.Equal(t, "P5", snap.Properties[1].Property.ID)

	a1 := snap.Properties[0]
	require.NotNil(t, a1.Bill)
	assert.True(t, a1.Bill.Total.Equal(decimal.RequireFromString("862.12")))
	assert.False(t, a1.Bill.BreakdownMismatch)
	require.Len(t, a1.Bill.Breakdown, 2)
	assert.Equal(t, "Incalzire", a1.Bill.Breakdown[1].Label)
	assert.Equal(t, 2, a1.PaymentCount)
	require.NotNil(t, a1.LastPayment)
	assert.Equal(t, "R-100", a1.LastPayment.Reference)

	p5 := snap.Properties[1]
	assert.Nil(t, p5.Bill)
	assert.True(t, p5.Pending.Amount.Equal(decimal.NewFromInt(-10)))

	assert.Equal(t, 2, snap.Totals.PropertyCount)
	assert.True(t, snap.Totals.TotalPending.Equal(decimal.RequireFromString("862.12")))
	require.NotNil(t, snap.Totals.LastPayment)
	assert.Equal(t, "A1", snap.Totals.LastPayment.PropertyID)

	status := f.coord.Status()
	assert.Equal(t, domain.SyncStateIdle, status.State)
	assert.Equal(t, snap.CycleID, status.LastCycleID)
	assert.NotNil(t, status.LastSuccessAt)

	select {
	case ev := <-events:
		assert.Equal(t, domain.EventSnapshotUpdated, ev.Type)
		assert.Equal(t, snap.CycleID, ev.CycleID)
	default:
		t.Fatal("expected snapshot_updated event")
	}
}

func TestRunOnce_ExcludesFailedProperty(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{apartment, parking}, nil)
	f.fetcher.On("FetchProperty", mock.Anything, "A1").Return(apartmentRaw(), nil)
	f.fetcher.On("FetchProperty", mock.Anything, "P5").
		Return(upstream.RawProperty{}, domain.NewUpstreamError(domain.UpstreamServerError, upstream.OpPendingPayments, 502, nil))

	require.NoError(t, f.coord.RunOnce(context.Background()))

	snap := f.coord.Snapshot()
	require.Len(t, snap.Properties, 1)
	assert.Equal(t, "A1", snap.Properties[0].Property.ID)
	assert.Equal(t, 1, snap.Totals.PropertyCount)

	count, err := testutil.GatherAndCount(f.registry, "adminis_sync_properties_excluded_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunOnce_InvalidCredentialsKeepsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated().Once()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{apartment}, nil)
	f.fetcher.On("FetchProperty", mock.Anything, "A1").Return(apartmentRaw(), nil)

	require.NoError(t, f.coord.RunOnce(context.Background()))
	before := f.coord.Snapshot()
	require.NotNil(t, before)

	f.auth.On("EnsureAuthenticated", mock.Anything).
		Return(session.Session{}, &domain.AuthError{Kind: domain.AuthInvalidCredentials})

	events, cancel := f.coord.Subscribe(context.Background(), 4)
	defer cancel()

	err := f.coord.RunOnce(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	assert.Same(t, before, f.coord.Snapshot())
	assert.True(t, f.coord.ReauthRequired())
	status := f.coord.Status()
	assert.Equal(t, domain.SyncStateFailed, status.State)
	assert.Equal(t, metrics.ReasonInvalidCredentials, status.LastError)

	ev := <-events
	assert.Equal(t, domain.EventAuthFailed, ev.Type)
	assert.Equal(t, metrics.ReasonInvalidCredentials, ev.Reason)

	// Scheduled cycles stay paused until new credentials arrive.
	f.coord.scheduled(context.Background())
	f.auth.AssertNumberOfCalls(t, "EnsureAuthenticated", 2)
}

func TestRunOnce_AuthFailureDuringFetchFailsCycle(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{apartment, parking}, nil)
	f.fetcher.On("FetchProperty", mock.Anything, "A1").Return(apartmentRaw(), nil)
	f.fetcher.On("FetchProperty", mock.Anything, "P5").
		Return(upstream.RawProperty{}, &domain.AuthError{Kind: domain.AuthSessionExpired})

	err := f.coord.RunOnce(context.Background())

	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, domain.AuthSessionExpired, authErr.Kind)
	assert.Nil(t, f.coord.Snapshot())
	assert.False(t, f.coord.ReauthRequired())
}

func TestRunOnce_ListFailureLeavesSnapshotUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).
		Return([]domain.Property(nil), domain.NewUpstreamError(domain.UpstreamTimeout, upstream.OpListProperties, 0, context.DeadlineExceeded))

	events, cancel := f.coord.Subscribe(context.Background(), 4)
	defer cancel()

	err := f.coord.RunOnce(context.Background())
	require.Error(t, err)
	assert.Nil(t, f.coord.Snapshot())
	assert.Equal(t, domain.EventCycleFailed, (<-events).Type)
	f.fetcher.AssertNotCalled(t, "FetchProperty", mock.Anything, mock.Anything)
}

func TestRunOnce_EmptyListingKeepsPreviousProperties(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{apartment}, nil).Once()
	f.fetcher.On("FetchProperty", mock.Anything, "A1").Return(apartmentRaw(), nil)
	require.NoError(t, f.coord.RunOnce(context.Background()))
	before := f.coord.Snapshot()

	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{}, nil)
	err := f.coord.RunOnce(context.Background())

	var upErr *domain.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, domain.UpstreamMalformedResponse, upErr.Kind)
	assert.Same(t, before, f.coord.Snapshot())
}

func TestRunOnce_EmptyAccountPublishesEmptySnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{}, nil)

	require.NoError(t, f.coord.RunOnce(context.Background()))

	snap := f.coord.Snapshot()
	require.NotNil(t, snap)
	assert.Empty(t, snap.Properties)
	assert.Equal(t, 0, snap.Totals.PropertyCount)
	assert.True(t, snap.Totals.TotalPending.IsZero())
	assert.Nil(t, snap.Totals.LastPayment)
}

func TestRunOnce_RejectsConcurrentCycle(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{apartment}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.On("FetchProperty", mock.Anything, "A1").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(apartmentRaw(), nil)

	done := make(chan error, 1)
	go func() { done <- f.coord.RunOnce(context.Background()) }()
	<-started

	assert.ErrorIs(t, f.coord.RunOnce(context.Background()), domain.ErrCycleInProgress)
	assert.Equal(t, domain.SyncStateFetching, f.coord.Status().State)

	close(release)
	require.NoError(t, <-done)
	assert.NotNil(t, f.coord.Snapshot())
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	lock := &lockMock{}
	lock.On("TryLock", mock.Anything, "adminis-sync:cycle", mock.Anything).Return("", false, nil)

	f := newFixture(t, lock)
	err := f.coord.RunOnce(context.Background())

	require.ErrorIs(t, err, ErrLockHeld)
	f.auth.AssertNotCalled(t, "EnsureAuthenticated", mock.Anything)
	assert.Nil(t, f.coord.Snapshot())
	assert.Equal(t, domain.SyncStateIdle, f.coord.Status().State)
}

func TestRunOnce_ReleasesLock(t *testing.T) {
	lock := &lockMock{}
	lock.On("TryLock", mock.Anything, "adminis-sync:cycle", mock.Anything).Return("token-1", true, nil)
	lock.On("Release", mock.Anything, "adminis-sync:cycle", "token-1").Return(nil).Once()

	f := newFixture(t, lock)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{}, nil)

	require.NoError(t, f.coord.RunOnce(context.Background()))
	lock.AssertExpectations(t)
}

func TestRunOnce_LockBackendErrorDoesNotBlock(t *testing.T) {
	lock := &lockMock{}
	lock.On("TryLock", mock.Anything, mock.Anything, mock.Anything).Return("", false, errors.New("dial tcp: refused"))

	f := newFixture(t, lock)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{}, nil)

	require.NoError(t, f.coord.RunOnce(context.Background()))
	lock.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateCredentials(t *testing.T) {
	f := newFixture(t, nil)

	assert.ErrorIs(t, f.coord.UpdateCredentials("owner@example.com", ""), session.ErrMissingCredentials)
	f.auth.AssertNotCalled(t, "UpdateCredentials", mock.Anything)

	f.coord.mu.Lock()
	f.coord.reauthRequired = true
	f.coord.mu.Unlock()

	f.auth.On("UpdateCredentials", session.NewCredentials("owner@example.com", "s3cret")).Once()
	require.NoError(t, f.coord.UpdateCredentials(" owner@example.com ", "s3cret"))

	assert.False(t, f.coord.ReauthRequired())
	assert.Len(t, f.coord.refreshCh, 1)
	f.auth.AssertExpectations(t)
}

func TestRefresh_CoalescesRequests(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.Refresh()
	f.coord.Refresh()
	f.coord.Refresh()
	assert.Len(t, f.coord.refreshCh, 1)
}

func TestRun_RefreshDuringCycleRunsOneFollowUp(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()

	var listCalls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.On("ListProperties", mock.Anything).Run(func(mock.Arguments) {
		if listCalls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}).Return([]domain.Property{}, nil)

	events, cancelSub := f.coord.Subscribe(context.Background(), 4)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.coord.Run(ctx)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached the listing")
	}
	f.coord.Refresh()
	f.coord.Refresh()
	f.coord.Refresh()
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, domain.EventSnapshotUpdated, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for cycle %d", i+1)
		}
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra cycle: %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	<-done
	assert.Equal(t, int32(2), listCalls.Load())
	assert.Empty(t, f.coord.refreshCh)
}

func TestScheduled_DroppedWhileCycleInFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.On("ListProperties", mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return([]domain.Property{}, nil).Once()

	runErr := make(chan error, 1)
	go func() { runErr <- f.coord.RunOnce(context.Background()) }()
	<-entered

	f.coord.scheduled(context.Background())
	close(release)
	require.NoError(t, <-runErr)

	f.fetcher.AssertNumberOfCalls(t, "ListProperties", 1)
	f.auth.AssertNumberOfCalls(t, "EnsureAuthenticated", 1)

	count, err := testutil.GatherAndCount(f.registry, "adminis_sync_cycle_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the manual trigger series exists")
}

func TestScheduled_SkipsWhileCycleLockHeld(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.cycleMu.Lock()
	f.coord.scheduled(context.Background())
	f.coord.cycleMu.Unlock()

	f.auth.AssertNotCalled(t, "EnsureAuthenticated", mock.Anything)
	f.fetcher.AssertNotCalled(t, "ListProperties", mock.Anything)
	assert.Nil(t, f.coord.Snapshot())
}

func TestRunOnce_PendingMissingKeepsProperty(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()
	raw := parkingRaw()
	raw.Pending = upstream.RawPending{}
	raw.PendingMissing = true
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{parking}, nil)
	f.fetcher.On("FetchProperty", mock.Anything, "P5").Return(raw, nil)

	require.NoError(t, f.coord.RunOnce(context.Background()))

	snap := f.coord.Snapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Properties, 1)
	p5 := snap.Properties[0]
	assert.True(t, p5.Pending.Amount.IsZero())
	assert.Equal(t, 1, p5.PaymentCount)
	assert.True(t, snap.Totals.TotalPending.IsZero())

	count, err := testutil.GatherAndCount(f.registry, "adminis_sync_normalize_warnings_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRun_CyclesImmediatelyAndOnRefresh(t *testing.T) {
	f := newFixture(t, nil)
	f.authenticated()
	f.fetcher.On("ListProperties", mock.Anything).Return([]domain.Property{}, nil)

	var cycles atomic.Int32
	events, cancelSub := f.coord.Subscribe(context.Background(), 4)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.coord.Run(ctx)
	}()

	waitEvent := func() {
		select {
		case ev := <-events:
			assert.Equal(t, domain.EventSnapshotUpdated, ev.Type)
			cycles.Add(1)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for cycle")
		}
	}
	waitEvent()
	f.coord.Refresh()
	waitEvent()

	cancel()
	<-done
	assert.Equal(t, int32(2), cycles.Load())
}

func TestRefreshInterval_SettingsOverride(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, time.Hour, f.coord.RefreshInterval())

	f.coord.settings = config.NewStaticSettings(config.Settings{RefreshInterval: 15 * time.Minute})
	assert.Equal(t, 15*time.Minute, f.coord.RefreshInterval())
	assert.Equal(t, "15m0s", f.coord.Status().RefreshInterval)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
