package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/invigil/invigil-backend/internal/model"
	"github.com/invigil/invigil-backend/internal/service"
)

func newSessionService(store *memSessionStore) (*service.SessionService, *memLedger, *memFeedback) {
	ledger := newMemLedger(store)
	feedback := newMemFeedback()
	svc := service.NewSessionService(store, ledger, feedback, zerolog.Nop())
	return svc, ledger, feedback
}

func TestStartCreatesThenResumes(t *testing.T) {
	ctx := context.Background()
	store := newMemSessionStore()
	svc, _, _ := newSessionService(store)
	examID := uuid.New()

	view, err := svc.StartOrResume(ctx, 7, examID, "10.0.0.1", "device-a", "tab-1", nil)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusInProgress, view.Status)
	require.NotEqual(t, uuid.Nil, view.ID)

	again, err := svc.StartOrResume(ctx, 7, examID, "10.0.0.2", "device-b", "tab-2", nil)
	require.NoError(t, err)
	require.Equal(t, view.ID, again.ID, "re-entry must resume, not create")
	require.Equal(t, view.StartedAt.Unix(), again.StartedAt.Unix(), "start time is immutable across resumes")
	require.Len(t, store.sessions, 1)
}

func TestStartMergesMetadata(t *testing.T) {
	ctx := context.Background()
	store := newMemSessionStore()
	svc, _, _ := newSessionService(store)
	examID := uuid.New()

	view, err := svc.StartOrResume(ctx, 7, examID, "ip", "dev", "tab-1",
		map[string]json.RawMessage{"screen": []byte(`"1920x1080"`)})
	require.NoError(t, err)

	// Resume with a new tab id: last write wins per field, others survive.
	resumed, err := svc.StartOrResume(ctx, 7, examID, "ip", "dev", "tab-2", nil)
	require.NoError(t, err)

	// The returned record carries the merged metadata, not the pre-merge
	// snapshot: a client reconnecting on tab-2 must see tab-2 echoed back.
	var returned map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resumed.Answers[model.AnswersMetadataKey], &returned))
	require.JSONEq(t, `"tab-2"`, string(returned["tab_id"]))
	require.JSONEq(t, `"1920x1080"`, string(returned["screen"]))

	sess, err := store.GetByID(ctx, view.ID)
	require.NoError(t, err)
	var meta map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(sess.Answers[model.AnswersMetadataKey], &meta))
	require.JSONEq(t, `"tab-2"`, string(meta["tab_id"]))
	require.JSONEq(t, `"1920x1080"`, string(meta["screen"]))
}

func TestConcurrentStartsShareOneSession(t *testing.T) {
	ctx := context.Background()
	store := newMemSessionStore()
	svc, _, _ := newSessionService(store)
	examID := uuid.New()

	const n = 8
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			view, err := svc.StartOrResume(ctx, 7, examID, "ip", "dev", "", nil)
			require.NoError(t, err)
			ids[i] = view.ID
		}(i)
	}
	wg.Wait()

	require.Len(t, store.sessions, 1)
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestResumeRefusesTerminalStates(t *testing.T) {
	ctx := context.Background()
	store := newMemSessionStore()
	svc, _, _ := newSessionService(store)
	examID := uuid.New()

	view, err := svc.StartOrResume(ctx, 7, examID, "ip", "dev", "", nil)
	require.NoError(t, err)

	won, err := svc.Terminate(ctx, view.ID)
	require.NoError(t, err)
	require.True(t, won)

	_, err = svc.StartOrResume(ctx, 7, examID, "ip", "dev", "", nil)
	require.ErrorIs(t, err, service.ErrSessionTerminated)

	// Reverse, complete, and try again.
	require.NoError(t, svc.Unterminate(ctx, examID, 7))
	won, err = svc.Complete(ctx, view.ID, 12.5)
	require.NoError(t, err)
	require.True(t, won)

	_, err = svc.StartOrResume(ctx, 7, examID, "ip", "dev", "", nil)
	require.ErrorIs(t, err, service.ErrAlreadySubmitted)
}

func TestCompleteFiresOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemSessionStore()
	svc, _, _ := newSessionService(store)
	examID := uuid.New()

	view, err := svc.StartOrResume(ctx, 7, examID, "ip", "dev", "", nil)
	require.NoError(t, err)

	won, err := svc.Complete(ctx, view.ID, 10)
	require.NoError(t, err)
	require.True(t, won)

	// Replay (late auto-submit after manual submit) is a silent no-op.
	won, err = svc.Complete(ctx, view.ID, 99)
	require.NoError(t, err)
	require.False(t, won)

	sess, err := store.GetByID(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, 10.0, *sess.Score)

	// Terminating a completed session also reports false.
	won, err = svc.Terminate(ctx, view.ID)
	require.NoError(t, err)
	require.False(t, won)
}

func TestUnterminate(t *testing.T) {
	ctx := context.Background()
	store := newMemSessionStore()
	svc, ledger, _ := newSessionService(store)
	examID := uuid.New()

	require.ErrorIs(t, svc.Unterminate(ctx, examID, 7), service.ErrSessionNotFound)

	view, err := svc.StartOrResume(ctx, 7, examID, "ip", "dev", "", nil)
	require.NoError(t, err)

	require.ErrorIs(t, svc.Unterminate(ctx, examID, 7), service.ErrNotTerminated)

	_, err = ledger.Append(ctx, &model.Violation{SessionID: view.ID, Type: model.ViolationTabSwitchIn})
	require.NoError(t, err)

	won, err := svc.Terminate(ctx, view.ID)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, svc.Unterminate(ctx, examID, 7))
	require.Equal(t, model.SessionStatusInProgress, store.status(view.ID))

	// Violation history survives the reversal.
	count, err := ledger.CountByTypes(ctx, view.ID, []model.ViolationType{model.ViolationTabSwitchIn})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestVerifyActive(t *testing.T) {
	ctx := context.Background()
	store := newMemSessionStore()
	svc, _, _ := newSessionService(store)
	examID := uuid.New()

	_, err := svc.VerifyActive(ctx, uuid.New())
	require.ErrorIs(t, err, service.ErrSessionNotFound)

	view, err := svc.StartOrResume(ctx, 7, examID, "ip", "dev", "", nil)
	require.NoError(t, err)

	sess, err := svc.VerifyActive(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, 7, sess.StudentID)

	_, err = svc.Complete(ctx, view.ID, 5)
	require.NoError(t, err)
	_, err = svc.VerifyActive(ctx, view.ID)
	require.ErrorIs(t, err, service.ErrAlreadySubmitted)
}

func TestStartViewDerivedCounters(t *testing.T) {
	ctx := context.Background()
	store := newMemSessionStore()
	svc, ledger, feedback := newSessionService(store)
	examID := uuid.New()

	view, err := svc.StartOrResume(ctx, 7, examID, "ip", "dev", "", nil)
	require.NoError(t, err)
	require.Zero(t, view.TabSwitchOutCount)
	require.False(t, view.FeedbackDone)

	for _, vt := range []model.ViolationType{
		model.ViolationTabSwitch, // legacy out-marker counts as an out
		model.ViolationTabSwitchOut,
		model.ViolationTabSwitchIn,
	} {
		_, err := ledger.Append(ctx, &model.Violation{SessionID: view.ID, Type: vt})
		require.NoError(t, err)
	}
	feedback.set(7, examID)

	view, err = svc.StartOrResume(ctx, 7, examID, "ip", "dev", "", nil)
	require.NoError(t, err)
	require.Equal(t, 2, view.TabSwitchOutCount)
	require.Equal(t, 1, view.TabSwitchInCount)
	require.True(t, view.FeedbackDone)
}
