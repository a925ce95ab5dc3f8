package presence_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/invigil/invigil-backend/internal/presence"
	ws "github.com/invigil/invigil-backend/internal/websocket"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []any
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sentEvents() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func displacedCount(f *fakeConn) int {
	n := 0
	for _, v := range f.sentEvents() {
		if _, ok := v.(ws.DisplacedEvent); ok {
			n++
		}
	}
	return n
}

func newCoordinator() *presence.Coordinator {
	return presence.NewCoordinator(zerolog.Nop())
}

func TestStudentTakeover(t *testing.T) {
	c := newCoordinator()
	examID := uuid.New()

	first := newFakeConn("conn-1")
	second := newFakeConn("conn-2")

	c.Join(first, examID, 7, presence.RoleStudent)
	require.True(t, c.StudentOnline(examID, 7))

	c.Join(second, examID, 7, presence.RoleStudent)

	// The old connection got exactly one displacement notice and was closed;
	// the new one is untouched and the student is still online.
	require.Equal(t, 1, displacedCount(first))
	require.True(t, first.isClosed())
	require.False(t, second.isClosed())
	require.Zero(t, displacedCount(second))
	require.True(t, c.StudentOnline(examID, 7))
}

func TestConcurrentTakeoverLeavesOneWinner(t *testing.T) {
	c := newCoordinator()
	examID := uuid.New()

	const n = 16
	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn(uuid.New().String())
		wg.Add(1)
		go func(fc *fakeConn) {
			defer wg.Done()
			c.Join(fc, examID, 42, presence.RoleStudent)
		}(conns[i])
	}
	wg.Wait()

	// Everyone but one winner was displaced exactly once.
	open := 0
	for _, fc := range conns {
		if !fc.isClosed() {
			open++
			require.Zero(t, displacedCount(fc))
		} else {
			require.Equal(t, 1, displacedCount(fc))
		}
	}
	require.Equal(t, 1, open)
	require.True(t, c.StudentOnline(examID, 42))
}

func TestTakeoverScopedToStudent(t *testing.T) {
	c := newCoordinator()
	examID := uuid.New()

	alice := newFakeConn("alice-1")
	bob := newFakeConn("bob-1")
	c.Join(alice, examID, 1, presence.RoleStudent)
	c.Join(bob, examID, 2, presence.RoleStudent)

	aliceAgain := newFakeConn("alice-2")
	c.Join(aliceAgain, examID, 1, presence.RoleStudent)

	require.True(t, alice.isClosed())
	require.False(t, bob.isClosed())
	require.True(t, c.StudentOnline(examID, 2))
}

func TestDisconnectIdempotent(t *testing.T) {
	c := newCoordinator()
	examID := uuid.New()

	monitor := newFakeConn("teacher-1")
	c.Join(monitor, examID, 100, presence.RoleTeacher)

	student := newFakeConn("student-1")
	c.Join(student, examID, 5, presence.RoleStudent)

	c.Disconnect(student)
	c.Disconnect(student)
	c.Disconnect(newFakeConn("never-joined"))

	require.False(t, c.StudentOnline(examID, 5))

	// Exactly one offline notice reached the monitor despite the repeats.
	offline := 0
	for _, v := range monitor.sentEvents() {
		if ev, ok := v.(ws.StudentStatusEvent); ok && !ev.Online {
			offline++
		}
	}
	require.Equal(t, 1, offline)
}

func TestForceTerminate(t *testing.T) {
	c := newCoordinator()
	examID := uuid.New()

	student := newFakeConn("student-1")
	c.Join(student, examID, 5, presence.RoleStudent)

	c.ForceTerminate(examID, 5)

	require.True(t, student.isClosed())
	require.False(t, c.StudentOnline(examID, 5))

	found := false
	for _, v := range student.sentEvents() {
		if ev, ok := v.(ws.ErrorResponse); ok && ev.Error == ws.MsgExamTerminated {
			found = true
		}
	}
	require.True(t, found, "student should receive EXAM_TERMINATED")

	// Terminating an offline student is a no-op.
	c.ForceTerminate(examID, 5)
}

func TestBroadcastToMonitors(t *testing.T) {
	c := newCoordinator()
	examID := uuid.New()
	otherExam := uuid.New()

	monitor := newFakeConn("teacher-1")
	otherMonitor := newFakeConn("teacher-2")
	c.Join(monitor, examID, 100, presence.RoleTeacher)
	c.Join(otherMonitor, otherExam, 101, presence.RoleTeacher)

	payload := ws.LiveViolationEvent{Event: ws.EventLiveViolation, UserID: 5, Type: "TAB_SWITCH_IN"}
	c.BroadcastToMonitors(examID, payload)

	require.Contains(t, monitor.sentEvents(), any(payload))
	require.NotContains(t, otherMonitor.sentEvents(), any(payload))
}

func TestRequestStream(t *testing.T) {
	c := newCoordinator()
	examID := uuid.New()

	student := newFakeConn("student-1")
	c.Join(student, examID, 5, presence.RoleStudent)

	c.RequestStream(examID, 5)

	require.Contains(t, student.sentEvents(), any(ws.RequestStreamCommand{Event: ws.EventRequestStreamCmd}))
}
