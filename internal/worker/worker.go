package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aerobrain/internal/metrics"
	"aerobrain/internal/queue"
	"aerobrain/internal/storage"
)

// Queue is the part of queue.StreamQueue the worker consumes.
type Queue interface {
	EnsureGroup(ctx context.Context) error
	Publish(ctx context.Context, ev queue.QueryEvent) (string, error)
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
}

// Store is the part of storage.Store the worker writes to.
type Store interface {
	InsertQueryLog(ctx context.Context, e storage.QueryLogEntry) error
}

const (
	DefaultClaimIdle = time.Minute
	reclaimBatch     = 16
)

// Worker moves query events from the stream into the query log.
type Worker struct {
	queue         Queue
	store         Store
	maxRetries    int
	retryInterval time.Duration
	claimIdle     time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         Queue
	Store         Store
	MaxRetries    int
	RetryInterval time.Duration
	// ClaimIdle is how long an entry may sit unacknowledged in another
	// consumer's pending list before this worker takes it over.
	ClaimIdle time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = DefaultClaimIdle
	}
	return &Worker{
		queue:         cfg.Queue,
		store:         cfg.Store,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		claimIdle:     cfg.ClaimIdle,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	var lastClaim time.Time
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		if time.Since(lastClaim) >= w.claimIdle {
			lastClaim = time.Now()
			w.reclaim(ctx, log)
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryInterval):
			}
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// reclaim picks up entries left pending by a consumer that died before
// acknowledging them, including this one on a previous run.
func (w *Worker) reclaim(ctx context.Context, log zerolog.Logger) {
	messages, err := w.queue.Reclaim(ctx, w.claimIdle, reclaimBatch)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("failed to reclaim pending entries")
		}
		return
	}
	if len(messages) > 0 {
		log.Info().Int("count", len(messages)).Msg("reclaimed pending query events")
	}
	for _, msg := range messages {
		w.handle(ctx, log, msg)
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.persist(ctx, msg.Event)
	if err == nil {
		w.metrics.LogPersisted.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.LogFailed.Inc()
	log.Error().Err(err).Str("event_id", msg.Event.EventID).Int("attempt", msg.Event.Attempts).Msg("query event failed")

	if msg.Event.Attempts < w.maxRetries {
		msg.Event.Attempts++
		if _, pubErr := w.queue.Publish(ctx, msg.Event); pubErr != nil {
			log.Error().Err(pubErr).Str("event_id", msg.Event.EventID).Msg("failed to re-publish failed event")
			return
		}
	} else {
		log.Warn().Str("event_id", msg.Event.EventID).Msg("dropping query event after max retries")
	}
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack failed message")
	}
}

func (w *Worker) persist(ctx context.Context, ev queue.QueryEvent) error {
	err := w.store.InsertQueryLog(ctx, storage.QueryLogEntry{
		EventID:      ev.EventID,
		UserID:       ev.UserID,
		Query:        ev.Query,
		ResponseType: ev.ResponseType,
		Tool:         ev.Tool,
		CreatedAt:    ev.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}
	return nil
}
