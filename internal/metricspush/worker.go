package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/adminis/internal/account/domain"
	"go.uber.org/zap"
)

// Subscriber is the event source pushes are driven by.
type Subscriber interface {
	Subscribe(ctx context.Context, buffer int) (<-chan domain.Event, func())
}

// Worker pushes metrics once after every finished cycle.
type Worker struct {
	pusher   Pusher
	gatherer prometheus.Gatherer
	log      *zap.Logger
	timeout  time.Duration
}

func NewWorker(pusher Pusher, gatherer prometheus.Gatherer, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		pusher:   pusher,
		gatherer: gatherer,
		log:      log.Named("metricspush"),
		timeout:  defaultPushTimeout,
	}
}

// Run consumes events until ctx is done or the subscription closes.
func (w *Worker) Run(ctx context.Context, sub Subscriber) {
	events, cancel := sub.Subscribe(ctx, 1)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.push(ctx, ev)
		}
	}
}

func (w *Worker) push(ctx context.Context, ev domain.Event) {
	pushCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.pusher.Push(pushCtx, w.gatherer); err != nil {
		w.log.Warn("metrics.push.failed",
			zap.String("cycle_id", ev.CycleID),
			zap.String("event", string(ev.Type)),
			zap.Error(err),
		)
		return
	}
	w.log.Debug("metrics.push.success", zap.String("cycle_id", ev.CycleID))
}
