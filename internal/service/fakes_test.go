package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/invigil/invigil-backend/internal/model"
	ws "github.com/invigil/invigil-backend/internal/websocket"
)

// memSessionStore is an in-memory SessionStore with the same guarded
// transition semantics as the SQL repository.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[uuid.UUID]*model.Session)}
}

func (m *memSessionStore) GetByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ExamID == examID && s.StudentID == studentID {
			return cloneSession(s), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memSessionStore) GetByID(_ context.Context, id uuid.UUID) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneSession(s), nil
}

// cloneSession detaches the row like a real query would; later store writes
// must not leak into records already handed out.
func cloneSession(s *model.Session) *model.Session {
	cp := *s
	if s.Answers != nil {
		cp.Answers = model.AnswerBlob{}
		for k, v := range s.Answers {
			cp.Answers[k] = v
		}
	}
	return &cp
}

func (m *memSessionStore) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.ExamID == s.ExamID && existing.StudentID == s.StudentID {
			return pgx.ErrNoRows // unique conflict, caller fetches the winner
		}
	}
	s.ID = uuid.New()
	s.StartedAt = time.Now()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessionStore) MergeMetadata(_ context.Context, id uuid.UUID, metadata map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if s.Answers == nil {
		s.Answers = model.AnswerBlob{}
	}
	existing := map[string]json.RawMessage{}
	if raw, ok := s.Answers[model.AnswersMetadataKey]; ok {
		_ = json.Unmarshal(raw, &existing)
	}
	for k, v := range metadata {
		existing[k] = v
	}
	raw, _ := json.Marshal(existing)
	s.Answers[model.AnswersMetadataKey] = raw
	return nil
}

func (m *memSessionStore) Complete(_ context.Context, id uuid.UUID, score float64) (bool, error) {
	return m.transition(id, model.SessionStatusInProgress, model.SessionStatusCompleted, &score)
}

func (m *memSessionStore) Terminate(_ context.Context, id uuid.UUID) (bool, error) {
	return m.transition(id, model.SessionStatusInProgress, model.SessionStatusTerminated, nil)
}

func (m *memSessionStore) Unterminate(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != model.SessionStatusTerminated {
		return false, nil
	}
	s.Status = model.SessionStatusInProgress
	s.FinishedAt = nil
	return true, nil
}

func (m *memSessionStore) transition(id uuid.UUID, from, to model.SessionStatus, score *float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	now := time.Now()
	s.FinishedAt = &now
	if score != nil {
		s.Score = score
	}
	return true, nil
}

func (m *memSessionStore) status(id uuid.UUID) model.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Status
}

// memLedger is an in-memory ViolationLedger. Appends are accepted only while
// the session is IN_PROGRESS, mirroring the SQL guard.
type memLedger struct {
	mu       sync.Mutex
	store    *memSessionStore
	rows     []model.Violation
	appendWg *sync.WaitGroup // optional: when set, Append waits here before counting
}

func newMemLedger(store *memSessionStore) *memLedger {
	return &memLedger{store: store}
}

func (l *memLedger) Append(_ context.Context, v *model.Violation) (bool, error) {
	l.store.mu.Lock()
	s, ok := l.store.sessions[v.SessionID]
	active := ok && s.Status == model.SessionStatusInProgress
	l.store.mu.Unlock()
	if !active {
		return false, nil
	}

	l.mu.Lock()
	v.ID = int64(len(l.rows) + 1)
	v.CreatedAt = time.Now()
	l.rows = append(l.rows, *v)
	l.mu.Unlock()

	if l.appendWg != nil {
		// Rendezvous so every concurrent append lands before any count.
		l.appendWg.Done()
		l.appendWg.Wait()
	}
	return true, nil
}

func (l *memLedger) CountByTypes(_ context.Context, sessionID uuid.UUID, types []model.ViolationType) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, row := range l.rows {
		if row.SessionID != sessionID {
			continue
		}
		for _, t := range types {
			if row.Type == t {
				count++
				break
			}
		}
	}
	return count, nil
}

// memFeedback is a FeedbackStore fake.
type memFeedback struct {
	mu   sync.Mutex
	done map[string]bool
}

func newMemFeedback() *memFeedback { return &memFeedback{done: map[string]bool{}} }

func (f *memFeedback) set(studentID int, examID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[feedbackKey(studentID, examID)] = true
}

func (f *memFeedback) Exists(_ context.Context, studentID int, examID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done[feedbackKey(studentID, examID)], nil
}

func feedbackKey(studentID int, examID uuid.UUID) string {
	return fmt.Sprintf("%d/%s", studentID, examID)
}

// fakePresence records presence enforcement calls.
type fakePresence struct {
	mu           sync.Mutex
	terminations int
	broadcasts   []any
}

func (p *fakePresence) ForceTerminate(uuid.UUID, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminations++
}

func (p *fakePresence) BroadcastToMonitors(_ uuid.UUID, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, v)
}

func (p *fakePresence) terminatedBroadcasts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, v := range p.broadcasts {
		if _, ok := v.(ws.StudentTerminatedEvent); ok {
			n++
		}
	}
	return n
}

// fakeExamDirectory serves a fixed tab-switch limit.
type fakeExamDirectory struct {
	limit *int
}

func (d *fakeExamDirectory) TabSwitchLimit(context.Context, uuid.UUID) (*int, error) {
	return d.limit, nil
}
