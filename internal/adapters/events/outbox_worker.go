package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type OutboxFlusher interface {
	FlushOutbox(ctx context.Context) (int, error)
}

type OutboxWorker struct {
	logger   *slog.Logger
	flusher  OutboxFlusher
	interval time.Duration
}

func NewOutboxWorker(logger *slog.Logger, flusher OutboxFlusher, interval time.Duration) *OutboxWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxWorker{logger: logger, flusher: flusher, interval: interval}
}

func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.processOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "events.outbox_worker",
				"layer", "adapter",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *OutboxWorker) processOnce(ctx context.Context) error {
	published, err := w.flusher.FlushOutbox(ctx)
	if err != nil {
		return err
	}
	if published > 0 {
		w.logger.DebugContext(ctx, "outbox flushed",
			"module", "events.outbox_worker",
			"layer", "adapter",
			"operation", "process_once",
			"outcome", "success",
			"published", published,
		)
	}
	return nil
}
