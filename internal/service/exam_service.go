package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/config"
	"github.com/invigil/invigil-backend/internal/model"
	"github.com/invigil/invigil-backend/internal/question"
	"github.com/invigil/invigil-backend/internal/repository"
)

const examCacheTTL = 5 * time.Minute

// ExamService is the read-only exam directory: slug resolution, tab-switch
// limits, and cached question definitions for the grading path.
type ExamService struct {
	examRepo *repository.ExamRepository
	rdb      *redis.Client
	log      zerolog.Logger
	// sources caches parsed question indexes per exam; definitions are
	// immutable once an exam is published.
	sources *xsync.MapOf[uuid.UUID, *question.Source]
}

// NewExamService creates a new ExamService.
func NewExamService(examRepo *repository.ExamRepository, rdb *redis.Client, log zerolog.Logger) *ExamService {
	return &ExamService{
		examRepo: examRepo,
		rdb:      rdb,
		log:      log.With().Str("component", "exam_service").Logger(),
		sources:  xsync.NewMapOf[uuid.UUID, *question.Source](),
	}
}

// Resolve looks up an exam by slug, Redis-cached with DB fallback self-heal.
func (s *ExamService) Resolve(ctx context.Context, slug string) (*model.Exam, error) {
	key := config.CacheKey.ExamBySlugKey(slug)

	if raw, err := s.rdb.Get(ctx, key).Result(); err == nil {
		exam := &model.Exam{}
		if err := json.Unmarshal([]byte(raw), exam); err == nil {
			return exam, nil
		}
		// Corrupt cache entry: fall through to the DB and rewrite it.
	} else if err != redis.Nil {
		s.log.Warn().Err(err).Str("slug", slug).Msg("Exam cache read failed")
	}

	exam, err := s.examRepo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("get exam by slug: %w", err)
	}

	if raw, err := json.Marshal(exam); err == nil {
		_ = s.rdb.Set(ctx, key, raw, examCacheTTL).Err()
	}
	return exam, nil
}

// GetByID retrieves an exam directory entry by UUID.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	return s.examRepo.GetByID(ctx, id)
}

// TabSwitchLimit returns the exam's auto-termination threshold; nil means
// the exam never auto-terminates.
func (s *ExamService) TabSwitchLimit(ctx context.Context, examID uuid.UUID) (*int, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return exam.TabSwitchLimit, nil
}

// QuestionSource returns the exam's parsed question index: process cache,
// then Redis, then the database (self-healing the Redis layer on a miss).
func (s *ExamService) QuestionSource(ctx context.Context, examID uuid.UUID) (*question.Source, error) {
	if src, ok := s.sources.Load(examID); ok {
		return src, nil
	}

	raw, err := s.questionBlob(ctx, examID)
	if err != nil {
		return nil, err
	}

	src, err := question.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse questions for exam %s: %w", examID, err)
	}

	s.sources.Store(examID, src)
	return src, nil
}

func (s *ExamService) questionBlob(ctx context.Context, examID uuid.UUID) (json.RawMessage, error) {
	key := config.CacheKey.ExamQuestionsKey(examID)

	raw, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		return json.RawMessage(raw), nil
	}
	if err != redis.Nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Question cache read failed")
	}

	blob, err := s.examRepo.GetQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}

	_ = s.rdb.Set(ctx, key, []byte(blob), examCacheTTL).Err()
	return blob, nil
}
