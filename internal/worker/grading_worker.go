package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/config"
	"github.com/invigil/invigil-backend/internal/grading"
	"github.com/invigil/invigil-backend/internal/queue"
	"github.com/invigil/invigil-backend/internal/question"
)

// AnswerStore is the merge surface the grading worker needs.
// Implemented by repository.SessionRepository.
type AnswerStore interface {
	PatchAnswers(ctx context.Context, id uuid.UUID, patch map[string]json.RawMessage) error
	MergeMarks(ctx context.Context, id uuid.UUID, marks map[string]float64) (float64, error)
}

// QuestionResolver loads cached question definitions for grading.
type QuestionResolver interface {
	QuestionSource(ctx context.Context, examID uuid.UUID) (*question.Source, error)
}

// GradingWorker consumes save_answer jobs: grade the new answers, merge the
// raw patch into the session blob, then merge marks and recompute the score.
type GradingWorker struct {
	rdb    *redis.Client
	store  AnswerStore
	exams  QuestionResolver
	grader *grading.Grader
	log    zerolog.Logger
}

// NewGradingWorker creates a new GradingWorker.
func NewGradingWorker(rdb *redis.Client, store AnswerStore, exams QuestionResolver, grader *grading.Grader, log zerolog.Logger) *GradingWorker {
	return &GradingWorker{
		rdb:    rdb,
		store:  store,
		exams:  exams,
		grader: grader,
		log:    log.With().Str("component", "grading_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *GradingWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *GradingWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.SaveAnswerQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var job queue.SaveAnswerJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		// Malformed JSON can never succeed; log and discard.
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed job")
		return
	}

	if err := w.HandleSaveAnswer(ctx, &job); err != nil {
		w.log.Error().Err(err).
			Str("session_id", job.SessionID.String()).
			Msg("Save answer failed, retrying in 5s")
		// Push back to the queue for retry (at-least-once).
		w.rdb.RPush(ctx, config.WorkerKey.SaveAnswerQueue, result[1])
		time.Sleep(5 * time.Second)
	}
}

// HandleSaveAnswer is the save_answer job handler. Idempotent under replay:
// re-applying the same patch and re-merging the same marks converge to the
// same blob and score.
func (w *GradingWorker) HandleSaveAnswer(ctx context.Context, job *queue.SaveAnswerJob) error {
	src, err := w.exams.QuestionSource(ctx, job.ExamID)
	if err != nil {
		return err
	}

	marks := w.grader.Grade(src, job.Answers)

	// The patch merge and the marks merge target disjoint parts of the
	// record; each is a single atomic statement and they may interleave
	// freely with concurrent jobs for the same session.
	if err := w.store.PatchAnswers(ctx, job.SessionID, job.Answers); err != nil {
		return err
	}

	if len(marks) > 0 {
		score, err := w.store.MergeMarks(ctx, job.SessionID, marks)
		if err != nil {
			return err
		}
		w.log.Debug().
			Str("session_id", job.SessionID.String()).
			Int("graded", len(marks)).
			Float64("score", score).
			Msg("Marks merged")
	}
	return nil
}

// drain processes all remaining items in the queue before shutdown.
func (w *GradingWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.SaveAnswerQueue).Result()
		if err != nil {
			break
		}

		var job queue.SaveAnswerJob
		if err := json.Unmarshal([]byte(result), &job); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.HandleSaveAnswer(ctx, &job); err != nil {
			w.log.Error().Err(err).Msg("Drain handler error")
			w.rdb.RPush(ctx, config.WorkerKey.SaveAnswerQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
