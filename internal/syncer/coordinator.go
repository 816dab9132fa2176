package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/smallbiznis/adminis/internal/aggregate"
	"github.com/smallbiznis/adminis/internal/clock"
	"github.com/smallbiznis/adminis/internal/config"
	"github.com/smallbiznis/adminis/internal/normalize"
	"github.com/smallbiznis/adminis/internal/observability/logger"
	"github.com/smallbiznis/adminis/internal/observability/metrics"
	"github.com/smallbiznis/adminis/internal/observability/tracing"
	"github.com/smallbiznis/adminis/internal/session"
	"github.com/smallbiznis/adminis/internal/upstream"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidConfig = errors.New("invalid_config")
	errEmptyListing  = errors.New("empty property listing")
)

// Authenticator is the part of the session manager the coordinator drives.
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context) (session.Session, error)
	UpdateCredentials(creds session.Credentials)
}

// Fetcher is the part of the upstream client the coordinator drives.
type Fetcher interface {
	ListProperties(ctx context.Context) ([]domain.Property, error)
	FetchProperty(ctx context.Context, propertyID string) (upstream.RawProperty, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Auth     Authenticator
	Fetcher  Fetcher
	Config   Config                 `optional:"true"`
	Settings *config.SettingsHolder `optional:"true"`
	Lock     CycleLock              `optional:"true"`
	Hub      *Hub                   `optional:"true"`
	Metrics  *metrics.SyncMetrics   `optional:"true"`
	Otel     *metrics.Metrics       `optional:"true"`
}

// Coordinator runs sync cycles and publishes the resulting snapshots.
type Coordinator struct {
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	cfg      Config
	settings *config.SettingsHolder
	auth     Authenticator
	fetcher  Fetcher
	lock     CycleLock
	hub      *Hub
	metrics  *metrics.SyncMetrics
	otel     *metrics.Metrics

	store     Store
	cycleMu   sync.Mutex
	refreshCh chan struct{}

	mu             sync.RWMutex
	state          domain.SyncState
	reauthRequired bool
	lastCycleID    string
	lastErr        error
	lastSuccessAt  time.Time
	lastAttemptAt  time.Time
}

var _ domain.Service = (*Coordinator)(nil)

func New(p Params) (*Coordinator, error) {
	if p.Log == nil || p.Clock == nil || p.GenID == nil || p.Auth == nil || p.Fetcher == nil {
		return nil, ErrInvalidConfig
	}
	hub := p.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Coordinator{
		log:       p.Log.Named("syncer").With(zap.String("component", "syncer")),
		clock:     p.Clock,
		genID:     p.GenID,
		cfg:       p.Config.withDefaults(),
		settings:  p.Settings,
		auth:      p.Auth,
		fetcher:   p.Fetcher,
		lock:      p.Lock,
		hub:       hub,
		metrics:   p.Metrics,
		otel:      p.Otel,
		refreshCh: make(chan struct{}, 1),
		state:     domain.SyncStateIdle,
	}, nil
}

// Run performs a cycle immediately and then on every refresh interval until
// ctx is done. Explicit refresh requests are served between ticks.
func (c *Coordinator) Run(ctx context.Context) {
	c.log.Info("sync.loop.start", zap.Duration("interval", c.RefreshInterval()))
	c.scheduled(ctx)

	timer := time.NewTimer(c.RefreshInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("sync.loop.stop")
			return
		case <-timer.C:
			c.scheduled(ctx)
		case <-c.refreshCh:
			c.cycleMu.Lock()
			_ = c.cycle(ctx, metrics.TriggerRefresh)
			c.cycleMu.Unlock()
		}
		timer.Reset(c.RefreshInterval())
	}
}

// Refresh requests an on-demand cycle. Requests made while one is already
// queued are dropped; an in-flight cycle is never cancelled.
func (c *Coordinator) Refresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// RunOnce runs a cycle on the caller's goroutine.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	if !c.cycleMu.TryLock() {
		return domain.ErrCycleInProgress
	}
	defer c.cycleMu.Unlock()
	return c.cycle(ctx, metrics.TriggerManual)
}

func (c *Coordinator) Snapshot() *domain.Snapshot {
	return c.store.Load()
}

func (c *Coordinator) Subscribe(ctx context.Context, buffer int) (<-chan domain.Event, func()) {
	return c.hub.Subscribe(ctx, buffer)
}

func (c *Coordinator) ReauthRequired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reauthRequired
}

// UpdateCredentials replaces the account credentials, lifts the
// re-authentication pause and requests a cycle.
func (c *Coordinator) UpdateCredentials(email, secret string) error {
	creds := session.NewCredentials(email, secret)
	if !creds.Complete() {
		return session.ErrMissingCredentials
	}
	c.auth.UpdateCredentials(creds)

	c.mu.Lock()
	c.reauthRequired = false
	c.mu.Unlock()

	c.log.Info("sync.credentials.updated", zap.Object("credentials", creds))
	c.Refresh()
	return nil
}

func (c *Coordinator) Status() domain.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := domain.Status{
		State:           c.state,
		ReauthRequired:  c.reauthRequired,
		LastCycleID:     c.lastCycleID,
		RefreshInterval: c.RefreshInterval().String(),
	}
	if c.lastErr != nil {
		status.LastError = metrics.ClassifyReason(c.lastErr)
	}
	if !c.lastSuccessAt.IsZero() {
		at := c.lastSuccessAt
		status.LastSuccessAt = &at
	}
	if !c.lastAttemptAt.IsZero() {
		at := c.lastAttemptAt
		status.LastAttemptAt = &at
	}
	return status
}

// RefreshInterval is the settings-file override when set, else the configured interval.
func (c *Coordinator) RefreshInterval() time.Duration {
	if override := c.settings.Get().RefreshInterval; override > 0 {
		return override
	}
	return c.cfg.RefreshInterval
}

// Close ends every subscription.
func (c *Coordinator) Close() {
	c.hub.Close()
}

func (c *Coordinator) scheduled(ctx context.Context) {
	if c.ReauthRequired() {
		c.log.Info("sync.cycle.paused", zap.String("reason", metrics.ReasonInvalidCredentials))
		return
	}
	if !c.cycleMu.TryLock() {
		c.log.Debug("sync.cycle.dropped", zap.String("trigger", metrics.TriggerScheduled))
		return
	}
	defer c.cycleMu.Unlock()
	_ = c.cycle(ctx, metrics.TriggerScheduled)
}

func (c *Coordinator) cycle(parent context.Context, trigger string) (err error) {
	run := &cycleRun{
		cycleID:   c.genID.Generate().String(),
		trigger:   trigger,
		startedAt: c.clock.Now(),
	}
	ctx, cancel := context.WithTimeout(parent, c.cfg.CycleTimeout)
	defer cancel()
	ctx = logger.ContextWithCycle(ctx, run.cycleID)
	ctx, span := tracing.Start(ctx, "sync.cycle",
		attribute.String("cycle_id", run.cycleID),
		attribute.String("trigger", trigger),
	)
	defer func() { tracing.End(span, err) }()

	c.mu.Lock()
	c.lastCycleID = run.cycleID
	c.lastAttemptAt = run.startedAt
	c.mu.Unlock()

	c.metrics.IncCycleRun(trigger)
	c.logCycleStart(ctx, run)

	release, err := c.acquire(ctx)
	if err != nil {
		c.finish(ctx, run, metrics.OutcomeSkipped, err)
		c.setState(domain.SyncStateIdle)
		return err
	}
	defer release()

	snapshot, err := c.collect(ctx, run)
	if err != nil {
		c.fail(ctx, run, err)
		return err
	}
	c.publish(ctx, run, snapshot)
	return nil
}

// acquire takes the cross-instance lock when one is configured. A lock
// backend error does not block the cycle.
func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	noop := func() {}
	if c.lock == nil {
		return noop, nil
	}
	token, ok, err := c.lock.TryLock(ctx, c.cfg.LockKey, c.cfg.LockTTL)
	if err != nil {
		c.logger(ctx).Warn("sync.lock.unavailable", zap.Error(err))
		return noop, nil
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.lock.Release(releaseCtx, c.cfg.LockKey, token); err != nil {
			c.logger(ctx).Warn("sync.lock.release_failed", zap.Error(err))
		}
	}, nil
}

func (c *Coordinator) collect(ctx context.Context, run *cycleRun) (*domain.Snapshot, error) {
	c.setState(domain.SyncStateAuthenticating)
	if _, err := c.auth.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	c.setState(domain.SyncStateFetching)
	props, err := c.fetcher.ListProperties(ctx)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	props = dedupeProperties(props)
	if prev := c.store.Load(); len(props) == 0 && prev != nil && len(prev.Properties) > 0 {
		return nil, domain.NewUpstreamError(domain.UpstreamMalformedResponse, upstream.OpListProperties, 0, errEmptyListing)
	}

	raws, err := c.fetchAll(ctx, run, props)
	if err != nil {
		return nil, err
	}

	c.setState(domain.SyncStateNormalizing)
	n := normalize.New(normalize.NewAliases(c.settings.Get().Aliases...))
	entries := make([]domain.PropertySnapshot, 0, len(props))
	var warnings []normalize.Warning
	for i, prop := range props {
		if raws[i] == nil {
			continue
		}
		entry, w := normalizeProperty(n, prop, *raws[i])
		entries = append(entries, entry)
		warnings = append(warnings, w...)
	}
	c.reportWarnings(ctx, warnings)

	c.setState(domain.SyncStateAggregating)
	slices.SortFunc(entries, func(a, b domain.PropertySnapshot) int {
		return strings.Compare(a.Property.ID, b.Property.ID)
	})
	return &domain.Snapshot{
		CycleID:     run.cycleID,
		GeneratedAt: c.clock.Now(),
		Properties:  entries,
		Totals:      aggregate.Aggregate(entries),
	}, nil
}

// fetchAll fetches every property concurrently. Upstream failures exclude the
// property; an auth failure or the cycle deadline aborts the whole cycle.
func (c *Coordinator) fetchAll(ctx context.Context, run *cycleRun, props []domain.Property) ([]*upstream.RawProperty, error) {
	raws := make([]*upstream.RawProperty, len(props))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.FetchConcurrency)
	for i, prop := range props {
		g.Go(func() error {
			raw, err := c.fetcher.FetchProperty(gctx, prop.ID)
			if err == nil {
				raws[i] = &raw
				return nil
			}
			var authErr *domain.AuthError
			if errors.As(err, &authErr) {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if gctx.Err() != nil {
				// Another fetch already aborted the cycle.
				return nil
			}
			run.excluded.Add(1)
			c.metrics.IncPropertyExcluded(err)
			c.logger(ctx).Warn("sync.property.excluded",
				zap.String("property_id", prop.ID),
				zap.String("reason", metrics.ClassifyReason(err)),
				zap.Error(err),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return raws, nil
}

func normalizeProperty(n *normalize.Normalizer, prop domain.Property, raw upstream.RawProperty) (domain.PropertySnapshot, []normalize.Warning) {
	entry := domain.PropertySnapshot{Property: prop}
	var warnings []normalize.Warning

	if raw.Bill != nil {
		bill := *raw.Bill
		bill.PropertyID = prop.ID
		normalized, w, err := n.Bill(bill)
		warnings = append(warnings, w...)
		if err == nil {
			entry.Bill = &normalized
		}
	}

	payments := make([]domain.Payment, 0, len(raw.Payments))
	for _, rp := range raw.Payments {
		rp.PropertyID = prop.ID
		p, w, err := n.Payment(rp)
		warnings = append(warnings, w...)
		if err != nil {
			continue
		}
		payments = append(payments, p)
	}
	entry.PaymentCount = len(payments)
	if last, ok := domain.LatestPayment(payments); ok {
		entry.LastPayment = &last
	}

	pending := raw.Pending
	pending.PropertyID = prop.ID
	balance, w := n.Pending(pending)
	warnings = append(warnings, w...)
	entry.Pending = balance
	if raw.PendingMissing {
		warnings = append(warnings, normalize.Warning{
			Kind:       normalize.WarnPendingMissing,
			PropertyID: prop.ID,
			Field:      "pending",
		})
	}

	return entry, warnings
}

func (c *Coordinator) publish(ctx context.Context, run *cycleRun, snapshot *domain.Snapshot) {
	c.store.Swap(snapshot)

	c.mu.Lock()
	c.state = domain.SyncStatePublished
	c.reauthRequired = false
	c.lastErr = nil
	c.lastSuccessAt = snapshot.GeneratedAt
	c.mu.Unlock()

	pending, _ := snapshot.Totals.TotalPending.Float64()
	c.metrics.SetSnapshot(snapshot.Totals.PropertyCount, pending, snapshot.GeneratedAt)
	c.otel.RecordSnapshotPublish(ctx, run.trigger)
	c.finish(ctx, run, metrics.OutcomeSuccess, nil)

	c.hub.Publish(domain.Event{
		Type:    domain.EventSnapshotUpdated,
		CycleID: run.cycleID,
		At:      snapshot.GeneratedAt,
	})
	c.setState(domain.SyncStateIdle)
}

// fail keeps the previous snapshot. Rejected credentials pause scheduled
// cycles until new credentials arrive.
func (c *Coordinator) fail(ctx context.Context, run *cycleRun, err error) {
	reason := metrics.ClassifyReason(err)

	c.mu.Lock()
	c.state = domain.SyncStateFailed
	c.lastErr = err
	if errors.Is(err, domain.ErrInvalidCredentials) {
		c.reauthRequired = true
	}
	c.mu.Unlock()

	c.metrics.IncCycleFailure(err)
	c.finish(ctx, run, metrics.OutcomeFailed, err)

	event := domain.Event{Type: domain.EventCycleFailed, CycleID: run.cycleID, At: c.clock.Now(), Reason: reason}
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		event.Type = domain.EventAuthFailed
	}
	c.hub.Publish(event)
}

func (c *Coordinator) setState(state domain.SyncState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// dedupeProperties keeps the first occurrence of each id.
func dedupeProperties(props []domain.Property) []domain.Property {
	seen := make(map[string]struct{}, len(props))
	out := make([]domain.Property, 0, len(props))
	for _, p := range props {
		if p.ID == "" {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
