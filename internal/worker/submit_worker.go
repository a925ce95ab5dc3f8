package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/config"
	"github.com/invigil/invigil-backend/internal/model"
	"github.com/invigil/invigil-backend/internal/queue"
)

// SubmitStore is the completion surface the submit worker needs.
// Implemented by repository.SessionRepository.
type SubmitStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error)
	Complete(ctx context.Context, id uuid.UUID, score float64) (bool, error)
}

// SubmitWorker consumes auto_submit jobs and completes sessions.
type SubmitWorker struct {
	rdb   *redis.Client
	store SubmitStore
	log   zerolog.Logger
}

// NewSubmitWorker creates a new SubmitWorker.
func NewSubmitWorker(rdb *redis.Client, store SubmitStore, log zerolog.Logger) *SubmitWorker {
	return &SubmitWorker{
		rdb:   rdb,
		store: store,
		log:   log.With().Str("component", "submit_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *SubmitWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *SubmitWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.AutoSubmitQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var job queue.AutoSubmitJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed job")
		return
	}

	if err := w.HandleAutoSubmit(ctx, &job); err != nil {
		w.log.Error().Err(err).
			Str("session_id", job.SessionID.String()).
			Msg("Auto-submit failed, retrying in 5s")
		w.rdb.RPush(ctx, config.WorkerKey.AutoSubmitQueue, result[1])
		time.Sleep(5 * time.Second)
	}
}

// HandleAutoSubmit is the auto_submit job handler. Idempotent: completing a
// session that is no longer IN_PROGRESS is a no-op, so at-least-once
// delivery and late timer jobs after a manual submit are harmless.
func (w *SubmitWorker) HandleAutoSubmit(ctx context.Context, job *queue.AutoSubmitJob) error {
	sess, err := w.store.GetByID(ctx, job.SessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		w.log.Warn().Str("session_id", job.SessionID.String()).Msg("Session gone, dropping job")
		return nil
	}
	if err != nil {
		return err
	}

	if sess.Status != model.SessionStatusInProgress {
		return nil
	}

	// Fallback for any missed incremental update: re-derive the score from
	// the durable marks.
	var score float64
	if sess.Score != nil {
		score = *sess.Score
	} else {
		for _, mark := range sess.Answers.Marks() {
			score += mark
		}
	}

	won, err := w.store.Complete(ctx, job.SessionID, score)
	if err != nil {
		return err
	}
	if won {
		w.log.Info().
			Str("session_id", job.SessionID.String()).
			Float64("score", score).
			Msg("Session completed")
	}
	return nil
}
