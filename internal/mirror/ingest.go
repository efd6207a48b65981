package mirror

import (
	"context"
	"log/slog"
	"time"

	"github.com/openmutual/pool/internal/events"
)

const applyTimeout = 5 * time.Second

// Ingestor feeds bus events into the read model. Apply failures are
// logged and retried once; a persistent failure loses the event for this
// process, which the dedup-keyed schema tolerates on replay.
type Ingestor struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
}

func NewIngestor(store *Store, bus *events.Bus, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, bus: bus, logger: logger}
}

// Run consumes the stream until ctx is done.
func (i *Ingestor) Run(ctx context.Context) {
	sub := i.bus.Subscribe(events.AllTypes()...)
	defer i.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch:
			if !ok {
				return
			}
			i.apply(ctx, evt)
		}
	}
}

func (i *Ingestor) apply(ctx context.Context, evt events.Event) {
	applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()
	err := i.store.ApplyEvent(applyCtx, evt)
	if err == nil {
		return
	}
	i.logger.Warn("mirror apply failed, retrying",
		"type", evt.Type, "dedup_key", evt.DedupKey, "error", err)
	if err := i.store.ApplyEvent(applyCtx, evt); err != nil {
		i.logger.Error("mirror apply failed",
			"type", evt.Type, "dedup_key", evt.DedupKey, "error", err)
	}
}
