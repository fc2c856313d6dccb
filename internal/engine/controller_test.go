package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonerescue/phonerescue-server/internal/auth"
	"github.com/phonerescue/phonerescue-server/internal/lock"
	"github.com/phonerescue/phonerescue-server/internal/models"
	"github.com/phonerescue/phonerescue-server/internal/storage"
	"github.com/phonerescue/phonerescue-server/internal/worker"
)

// fakeHandle records control requests without running anything. The test
// drives the controller's reporter callbacks directly, standing in for the
// worker goroutine.
type fakeHandle struct {
	mu      sync.Mutex
	pauses  int
	resumes int
	cancels int
}

func (h *fakeHandle) RequestPause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pauses++
}

func (h *fakeHandle) RequestResume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resumes++
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels++
}

func (h *fakeHandle) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pauses, h.resumes, h.cancels
}

type fakeWorker struct {
	kind     models.SessionKind
	startErr error

	mu      sync.Mutex
	handles map[uuid.UUID]*fakeHandle
}

func newFakeWorker(kind models.SessionKind) *fakeWorker {
	return &fakeWorker{
		kind:    kind,
		handles: make(map[uuid.UUID]*fakeHandle),
	}
}

func (w *fakeWorker) Kind() models.SessionKind { return w.kind }

func (w *fakeWorker) Start(session *models.Session, _ worker.Reporter) (worker.Handle, error) {
	if w.startErr != nil {
		return nil, w.startErr
	}

	h := &fakeHandle{}
	w.mu.Lock()
	w.handles[session.ID] = h
	w.mu.Unlock()
	return h, nil
}

func (w *fakeWorker) handle(sessionID uuid.UUID) *fakeHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handles[sessionID]
}

type testEnv struct {
	store  *storage.MemoryStore
	locks  *lock.MemoryRegistry
	fake   *fakeWorker
	c      *Controller
	owner  uuid.UUID
	device uuid.UUID
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	env := &testEnv{
		store: storage.NewMemoryStore(),
		locks: lock.NewMemoryRegistry(),
		fake:  newFakeWorker(models.KindRecovery),
		owner: uuid.New(),
	}

	workers := worker.NewRegistry()
	workers.Register(env.fake)

	env.c = NewController(env.store, env.locks, workers, auth.NewStoreGate(env.store), nil, cfg)

	device := &models.Device{
		OwnerID:  env.owner,
		Name:     "Test iPhone",
		Platform: models.PlatformIOS,
	}
	require.NoError(t, env.store.CreateDevice(ctx, device))
	env.device = device.ID

	return env
}

func (e *testEnv) create(t *testing.T) *models.Session {
	t.Helper()
	session, err := e.c.CreateSession(context.Background(), e.owner, e.device, models.KindRecovery, nil)
	require.NoError(t, err)
	return session
}

func (e *testEnv) get(t *testing.T, id uuid.UUID) *models.Session {
	t.Helper()
	session, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return session
}

func TestCreateSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	session := env.create(t)
	assert.Equal(t, models.StatusPending, session.Status)
	assert.Nil(t, session.StartedAt)

	holder, err := env.locks.Holder(ctx, env.device)
	require.NoError(t, err)
	assert.Equal(t, session.ID, holder)

	// First progress report moves pending to running
	env.c.OnProgress(session.ID, 10, models.Counters{"itemsFound": 3}, "scanning")
	got := env.get(t, session.ID)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 10, got.ProgressPercent)
	assert.NotNil(t, got.StartedAt)

	env.c.OnProgress(session.ID, 50, nil, "recovering")
	assert.Equal(t, 50, env.get(t, session.ID).ProgressPercent)

	// Lower percent is ignored, progress never moves backwards
	env.c.OnProgress(session.ID, 30, nil, "")
	got = env.get(t, session.ID)
	assert.Equal(t, 50, got.ProgressPercent)
	assert.Equal(t, "recovering", got.Phase)

	// Out-of-range reports are clamped
	env.c.OnProgress(session.ID, 150, nil, "")
	assert.Equal(t, 100, env.get(t, session.ID).ProgressPercent)

	env.c.OnTerminal(session.ID, worker.Completed(models.Variables{"itemsRecovered": int64(42)}))
	got = env.get(t, session.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Equal(t, int64(42), got.ResultSummary["itemsRecovered"])
	assert.NotNil(t, got.EndedAt)

	// The device lock is released on finalize
	holder, err = env.locks.Holder(ctx, env.device)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, holder)
}

func TestCreateSessionDeviceExclusive(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	first := env.create(t)

	_, err := env.c.CreateSession(ctx, env.owner, env.device, models.KindRecovery, nil)
	require.Error(t, err)

	conflict, ok := AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, first.ID, conflict.ConflictingSessionID)

	// The rejected create leaves no session behind
	_, total, err := env.c.ListSessions(ctx, env.owner, storage.SessionFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	// Once the first session ends, the device is free again
	env.c.OnTerminal(first.ID, worker.Completed(nil))

	second, err := env.c.CreateSession(ctx, env.owner, env.device, models.KindRecovery, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateSessionForbidden(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	// Device owned by someone else
	_, err := env.c.CreateSession(ctx, uuid.New(), env.device, models.KindRecovery, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	// Unknown device
	_, err = env.c.CreateSession(ctx, env.owner, uuid.New(), models.KindRecovery, nil)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateSessionInvalidKind(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.c.CreateSession(ctx, env.owner, env.device, models.SessionKind("jailbreak"), nil)
	assert.ErrorIs(t, err, ErrInvalidKind)

	// Valid kind without a registered worker
	_, err = env.c.CreateSession(ctx, env.owner, env.device, models.KindTransfer, nil)
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestCreateSessionWorkerStartFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.fake.startErr = errors.New("bad options")
	_, err := env.c.CreateSession(ctx, env.owner, env.device, models.KindRecovery, nil)
	require.Error(t, err)

	// The record is finalized as failed, not left pending
	sessions, _, err := env.c.ListSessions(ctx, env.owner, storage.SessionFilters{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StatusFailed, sessions[0].Status)
	require.NotNil(t, sessions[0].ErrorInfo)
	assert.Equal(t, "worker_start", sessions[0].ErrorInfo.Code)

	// The lock is released, so the next create succeeds
	env.fake.startErr = nil
	_, err = env.c.CreateSession(ctx, env.owner, env.device, models.KindRecovery, nil)
	require.NoError(t, err)
}

func TestPauseResumeFlow(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	session := env.create(t)
	env.c.OnProgress(session.ID, 40, nil, "recovering")

	// Pause is a request; the status flips only on acknowledgment
	_, err := env.c.PauseSession(ctx, env.owner, session.ID)
	require.NoError(t, err)

	handle := env.fake.handle(session.ID)
	pauses, _, _ := handle.counts()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, models.StatusRunning, env.get(t, session.ID).Status)

	env.c.OnPaused(session.ID)
	assert.Equal(t, models.StatusPaused, env.get(t, session.ID).Status)

	// Pausing an already-paused session is a no-op
	_, err = env.c.PauseSession(ctx, env.owner, session.ID)
	require.NoError(t, err)
	pauses, _, _ = handle.counts()
	assert.Equal(t, 1, pauses)

	// Resume follows the same request/acknowledge shape
	_, err = env.c.ResumeSession(ctx, env.owner, session.ID)
	require.NoError(t, err)
	_, resumes, _ := handle.counts()
	assert.Equal(t, 1, resumes)
	assert.Equal(t, models.StatusPaused, env.get(t, session.ID).Status)

	env.c.OnResumed(session.ID)
	got := env.get(t, session.ID)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 40, got.ProgressPercent)
}

func TestPauseConflicts(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	session := env.create(t)

	// Pending sessions cannot pause
	_, err := env.c.PauseSession(ctx, env.owner, session.ID)
	_, ok := AsConflict(err)
	assert.True(t, ok)

	// Resume requires paused
	env.c.OnProgress(session.ID, 10, nil, "")
	_, err = env.c.ResumeSession(ctx, env.owner, session.ID)
	_, ok = AsConflict(err)
	assert.True(t, ok)
}

func TestResumeLockLost(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	session := env.create(t)
	env.c.OnProgress(session.ID, 20, nil, "")
	_, err := env.c.PauseSession(ctx, env.owner, session.ID)
	require.NoError(t, err)
	env.c.OnPaused(session.ID)

	// The lock disappears while paused (lease expiry in a clustered setup)
	require.NoError(t, env.locks.Release(ctx, env.device, session.ID))

	_, err = env.c.ResumeSession(ctx, env.owner, session.ID)
	assert.ErrorIs(t, err, ErrLockLost)

	got := env.get(t, session.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorInfo)
	assert.Equal(t, "lock_lost", got.ErrorInfo.Code)
}

func TestCancelFlow(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	session := env.create(t)
	env.c.OnProgress(session.ID, 30, nil, "")

	_, err := env.c.CancelSession(ctx, env.owner, session.ID)
	require.NoError(t, err)

	// Cancel is cooperative: the worker was signalled but the session is
	// still running until it acknowledges.
	_, _, cancels := env.fake.handle(session.ID).counts()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, models.StatusRunning, env.get(t, session.ID).Status)

	env.c.OnTerminal(session.ID, worker.Cancelled())
	assert.Equal(t, models.StatusCancelled, env.get(t, session.ID).Status)

	// Device is free for the next session
	_, err = env.c.CreateSession(ctx, env.owner, env.device, models.KindRecovery, nil)
	require.NoError(t, err)
}

func TestCancelTerminalConflict(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	session := env.create(t)
	env.c.OnProgress(session.ID, 50, nil, "")
	env.c.OnTerminal(session.ID, worker.Completed(nil))

	before := env.get(t, session.ID)

	_, err := env.c.CancelSession(ctx, env.owner, session.ID)
	conflict, ok := AsConflict(err)
	require.True(t, ok)
	assert.Contains(t, conflict.Reason, "completed")

	// The record is untouched
	after := env.get(t, session.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestCommandsForbiddenForOtherUser(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	session := env.create(t)
	stranger := uuid.New()

	_, err := env.c.GetSession(ctx, stranger, session.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.c.PauseSession(ctx, stranger, session.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.c.CancelSession(ctx, stranger, session.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCommandOnUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.c.PauseSession(ctx, env.owner, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLateReportsAfterFinalizeIgnored(t *testing.T) {
	env := newTestEnv(t, Config{})

	session := env.create(t)
	env.c.OnProgress(session.ID, 60, nil, "")
	env.c.OnTerminal(session.ID, worker.Completed(nil))

	// Reports racing the finalize must not resurrect the session
	env.c.OnProgress(session.ID, 70, nil, "late")
	env.c.OnTerminal(session.ID, worker.Failed("worker_error", "late failure"))

	got := env.get(t, session.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Nil(t, got.ErrorInfo)
}

func TestWatchdogForceFailsSilentWorker(t *testing.T) {
	env := newTestEnv(t, Config{WorkerTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	session := env.create(t)
	env.c.OnProgress(session.ID, 15, nil, "scanning")

	time.Sleep(40 * time.Millisecond)
	env.c.sweep(ctx)

	got := env.get(t, session.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorInfo)
	assert.Equal(t, "worker_timeout", got.ErrorInfo.Code)
	assert.Equal(t, "worker timeout", got.ErrorInfo.Message)

	// The watchdog event is recorded
	eventType := models.EventTypeWatchdog
	events, _, err := env.store.ListEventLogs(ctx, storage.EventLogFilters{Type: &eventType}, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	// The device is usable again
	_, err = env.c.CreateSession(ctx, env.owner, env.device, models.KindRecovery, nil)
	require.NoError(t, err)
}

func TestWatchdogExemptsPausedSessions(t *testing.T) {
	env := newTestEnv(t, Config{WorkerTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	session := env.create(t)
	env.c.OnProgress(session.ID, 10, nil, "")
	_, err := env.c.PauseSession(ctx, env.owner, session.ID)
	require.NoError(t, err)
	env.c.OnPaused(session.ID)

	time.Sleep(40 * time.Millisecond)
	env.c.sweep(ctx)

	// Paused sessions legitimately report nothing
	assert.Equal(t, models.StatusPaused, env.get(t, session.ID).Status)
}

func TestWatchdogCancelGraceExpiry(t *testing.T) {
	env := newTestEnv(t, Config{CancelGrace: 10 * time.Millisecond})
	ctx := context.Background()

	session := env.create(t)
	env.c.OnProgress(session.ID, 30, nil, "")

	_, err := env.c.CancelSession(ctx, env.owner, session.ID)
	require.NoError(t, err)

	// The worker never acknowledges; the grace period expires
	time.Sleep(25 * time.Millisecond)
	env.c.sweep(ctx)

	assert.Equal(t, models.StatusCancelled, env.get(t, session.ID).Status)

	holder, err := env.locks.Holder(ctx, env.device)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, holder)
}

func TestSubscribeSeesSnapshotThenLiveEvents(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	session := env.create(t)
	env.c.OnProgress(session.ID, 30, nil, "scanning")

	sub, err := env.c.Hub().Subscribe(ctx, session.ID)
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.C
	assert.True(t, first.Snapshot)
	assert.Equal(t, 30, first.ProgressPercent)
	assert.Equal(t, models.StatusRunning, first.Status)

	env.c.OnProgress(session.ID, 80, nil, "recovering")
	second := <-sub.C
	assert.False(t, second.Snapshot)
	assert.Equal(t, 80, second.ProgressPercent)

	env.c.OnTerminal(session.ID, worker.Completed(nil))
	third := <-sub.C
	assert.Equal(t, models.EventTypeSessionEnded, third.Type)
	assert.Equal(t, models.StatusCompleted, third.Status)
}

func TestSubscribeUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.c.Hub().Subscribe(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
