package syncer

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/adminis/internal/normalize"
	"github.com/smallbiznis/adminis/internal/observability/logger"
	"github.com/smallbiznis/adminis/internal/observability/metrics"
	"go.uber.org/zap"
)

type cycleRun struct {
	cycleID   string
	trigger   string
	startedAt time.Time
	excluded  atomic.Int32
}

func (c *Coordinator) logger(ctx context.Context) *zap.Logger {
	return logger.WithContext(ctx, c.log)
}

func (c *Coordinator) logCycleStart(ctx context.Context, run *cycleRun) {
	c.logger(ctx).Info("sync.cycle.start",
		zap.String("trigger", run.trigger),
	)
}

func (c *Coordinator) finish(ctx context.Context, run *cycleRun, outcome string, err error) {
	duration := c.clock.Now().Sub(run.startedAt)
	c.metrics.ObserveCycleDuration(outcome, duration)
	c.otel.RecordCycle(ctx, outcome, duration)

	fields := []zap.Field{
		zap.String("trigger", run.trigger),
		zap.String("outcome", outcome),
		zap.Int64("duration_ms", duration.Milliseconds()),
		zap.Int32("excluded_count", run.excluded.Load()),
	}
	log := c.logger(ctx)
	switch {
	case errors.Is(err, ErrLockHeld):
		log.Info("sync.cycle.finish", append(fields, zap.String("reason", metrics.ReasonLockHeld))...)
	case err != nil:
		log.Error("sync.cycle.finish", append(fields,
			zap.String("reason", metrics.ClassifyReason(err)),
			zap.Error(err),
		)...)
	case run.excluded.Load() > 0:
		log.Warn("sync.cycle.finish", fields...)
	default:
		log.Info("sync.cycle.finish", fields...)
	}
}

// reportWarnings logs each warning at debug and a per-kind summary.
func (c *Coordinator) reportWarnings(ctx context.Context, warnings []normalize.Warning) {
	if len(warnings) == 0 {
		return
	}
	log := c.logger(ctx)
	counts := make(map[normalize.WarningKind]int)
	for _, w := range warnings {
		counts[w.Kind]++
		log.Debug("normalize.warning",
			zap.String("kind", string(w.Kind)),
			zap.String("property_id", w.PropertyID),
			zap.String("field", w.Field),
			zap.String("value", w.Value),
		)
	}

	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		n := counts[normalize.WarningKind(kind)]
		c.metrics.AddNormalizeWarnings(kind, n)
		log.Warn("normalize.warnings", zap.String("kind", kind), zap.Int("count", n))
	}
}
