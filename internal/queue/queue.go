package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/config"
)

// SaveAnswerJob carries a partial answer patch for one session.
type SaveAnswerJob struct {
	SessionID uuid.UUID                  `json:"session_id"`
	ExamID    uuid.UUID                  `json:"exam_id"`
	Answers   map[string]json.RawMessage `json:"answers"`
}

// AutoSubmitJob completes a session. Delay zero means a manual submit;
// positive delays come from the exam timer.
type AutoSubmitJob struct {
	SessionID uuid.UUID `json:"session_id"`
}

// Queue is the durable at-least-once job queue backing the write-behind
// answer path: Redis lists for ready jobs, a sorted set for delayed
// auto-submits.
type Queue struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New creates a Queue.
func New(rdb *redis.Client, log zerolog.Logger) *Queue {
	return &Queue{
		rdb: rdb,
		log: log.With().Str("component", "answer_queue").Logger(),
	}
}

// EnqueueSaveAnswer appends a save_answer job. Fire-and-forget from the
// caller's perspective; the student's typing path never waits on grading.
func (q *Queue) EnqueueSaveAnswer(ctx context.Context, job *SaveAnswerJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, config.WorkerKey.SaveAnswerQueue, payload).Err()
}

// ScheduleAutoSubmit enqueues a completion job. delay <= 0 queues it
// immediately; otherwise it parks in the scheduled set until due. Jobs are
// not cancellable once enqueued — the handler is idempotent, so a late
// auto-submit after manual submission is a safe no-op.
func (q *Queue) ScheduleAutoSubmit(ctx context.Context, sessionID uuid.UUID, delay time.Duration) error {
	payload, err := json.Marshal(&AutoSubmitJob{SessionID: sessionID})
	if err != nil {
		return err
	}

	if delay <= 0 {
		return q.rdb.RPush(ctx, config.WorkerKey.AutoSubmitQueue, payload).Err()
	}

	return q.rdb.ZAdd(ctx, config.WorkerKey.ScheduledSubmitSet, redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: payload,
	}).Err()
}

// StartScheduler promotes due members of the scheduled set onto the
// auto_submit list. ZRem is the claim: with several schedulers running,
// only the one that removed the member pushes it. Call in a goroutine.
func (q *Queue) StartScheduler(ctx context.Context) {
	q.log.Info().Msg("Auto-submit scheduler started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.log.Info().Msg("Auto-submit scheduler stopped")
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, config.WorkerKey.ScheduledSubmitSet, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    now,
		Offset: 0,
		Count:  100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.log.Error().Err(err).Msg("Scheduled set read failed")
		}
		return
	}

	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, config.WorkerKey.ScheduledSubmitSet, member).Result()
		if err != nil || removed == 0 {
			continue // another scheduler claimed it
		}
		if err := q.rdb.RPush(ctx, config.WorkerKey.AutoSubmitQueue, member).Err(); err != nil {
			// Put the claim back so the job is not lost.
			q.log.Error().Err(err).Msg("Promote failed, restoring scheduled job")
			q.rdb.ZAdd(ctx, config.WorkerKey.ScheduledSubmitSet, redis.Z{Score: 0, Member: member})
		}
	}
}
