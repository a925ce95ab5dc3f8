package config

import (
	"fmt"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamBySlugKey returns the cache key for an exam directory entry by slug.
func (r *CacheKeyStruct) ExamBySlugKey(slug string) string {
	return fmt.Sprintf("exam:slug:%s", slug)
}

// ExamQuestionsKey returns the cache key for an exam's question definitions.
func (r *CacheKeyStruct) ExamQuestionsKey(examID uuid.UUID) string {
	return fmt.Sprintf("exam:%s:questions", examID)
}

var CacheKey = NewCacheKeyStruct()
