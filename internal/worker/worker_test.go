package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// recordReporter captures worker callbacks for assertions
type recordReporter struct {
	mu       sync.Mutex
	percents []int
	phases   []string
	counters models.Counters

	paused   chan struct{}
	resumed  chan struct{}
	terminal chan Outcome
}

func newRecordReporter() *recordReporter {
	return &recordReporter{
		paused:   make(chan struct{}, 8),
		resumed:  make(chan struct{}, 8),
		terminal: make(chan Outcome, 1),
	}
}

func (r *recordReporter) OnProgress(_ uuid.UUID, percent int, counters models.Counters, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, percent)
	r.phases = append(r.phases, phase)
	if counters != nil {
		r.counters = counters
	}
}

func (r *recordReporter) OnPaused(uuid.UUID)  { r.paused <- struct{}{} }
func (r *recordReporter) OnResumed(uuid.UUID) { r.resumed <- struct{}{} }

func (r *recordReporter) OnTerminal(_ uuid.UUID, outcome Outcome) {
	r.terminal <- outcome
}

func (r *recordReporter) lastCounters() models.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *recordReporter) lastPercent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.percents) == 0 {
		return -1
	}
	return r.percents[len(r.percents)-1]
}

func (r *recordReporter) sawPhase(phase string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.phases {
		if p == phase {
			return true
		}
	}
	return false
}

func waitOutcome(t *testing.T, rep *recordReporter) Outcome {
	t.Helper()
	select {
	case outcome := <-rep.terminal:
		return outcome
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for terminal outcome")
		return Outcome{}
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func fastAdapter(items int) *SimAdapter {
	return &SimAdapter{ItemCount: items, StepDelay: time.Millisecond}
}

func testSession(kind models.SessionKind, options models.Variables) *models.Session {
	return &models.Session{
		ID:       uuid.New(),
		DeviceID: uuid.New(),
		OwnerID:  uuid.New(),
		Kind:     kind,
		Options:  options,
		Status:   models.StatusPending,
	}
}

func TestRecoveryWorkerCompletes(t *testing.T) {
	rep := newRecordReporter()
	w := NewRecoveryWorker(fastAdapter(10))

	_, err := w.Start(testSession(models.KindRecovery, nil), rep)
	require.NoError(t, err)

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.Equal(t, int64(10), outcome.Result["itemsRecovered"])
	assert.Equal(t, "export", outcome.Result["target"])

	assert.Equal(t, 100, rep.lastPercent())
	assert.True(t, rep.sawPhase("scanning"))
	assert.True(t, rep.sawPhase("recovering"))
	assert.Equal(t, int64(10), rep.lastCounters()["itemsDone"])
}

func TestRecoveryWorkerZeroItems(t *testing.T) {
	rep := newRecordReporter()
	w := NewRecoveryWorker(fastAdapter(0))

	_, err := w.Start(testSession(models.KindRecovery, nil), rep)
	require.NoError(t, err)

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.Equal(t, int64(0), outcome.Result["itemsRecovered"])
	assert.Equal(t, int64(0), outcome.Result["bytesRecovered"])
}

func TestRecoveryWorkerPauseResume(t *testing.T) {
	rep := newRecordReporter()
	w := NewRecoveryWorker(&SimAdapter{ItemCount: 100, StepDelay: 2 * time.Millisecond})

	handle, err := w.Start(testSession(models.KindRecovery, nil), rep)
	require.NoError(t, err)

	handle.RequestPause()
	waitSignal(t, rep.paused, "pause acknowledgment")

	// Paused: no terminal outcome arrives while quiesced
	select {
	case outcome := <-rep.terminal:
		t.Fatalf("unexpected terminal outcome while paused: %+v", outcome)
	case <-time.After(50 * time.Millisecond):
	}

	handle.RequestResume()
	waitSignal(t, rep.resumed, "resume acknowledgment")

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
}

func TestRecoveryWorkerCancel(t *testing.T) {
	rep := newRecordReporter()
	w := NewRecoveryWorker(&SimAdapter{ItemCount: 1000, StepDelay: 5 * time.Millisecond})

	handle, err := w.Start(testSession(models.KindRecovery, nil), rep)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	handle.Cancel()

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusCancelled, outcome.Status)
	assert.Nil(t, outcome.Error)
}

func TestRecoveryWorkerCancelWhilePaused(t *testing.T) {
	rep := newRecordReporter()
	w := NewRecoveryWorker(&SimAdapter{ItemCount: 100, StepDelay: 2 * time.Millisecond})

	handle, err := w.Start(testSession(models.KindRecovery, nil), rep)
	require.NoError(t, err)

	handle.RequestPause()
	waitSignal(t, rep.paused, "pause acknowledgment")

	handle.Cancel()

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusCancelled, outcome.Status)
}

// flakyAdapter wraps SimAdapter and fails Copy transiently a fixed number
// of times per item before succeeding.
type flakyAdapter struct {
	*SimAdapter
	mu       sync.Mutex
	failures int
	perm     bool
}

func (a *flakyAdapter) Copy(ctx context.Context, deviceID uuid.UUID, item FoundItem, target string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		if a.perm {
			return errors.New("device disconnected")
		}
		return &TransientError{Err: errors.New("usb timeout")}
	}
	return a.SimAdapter.Copy(ctx, deviceID, item, target)
}

func TestRecoveryWorkerRetriesTransientErrors(t *testing.T) {
	rep := newRecordReporter()
	adapter := &flakyAdapter{SimAdapter: fastAdapter(5), failures: 2}
	w := NewRecoveryWorker(adapter)

	_, err := w.Start(testSession(models.KindRecovery, nil), rep)
	require.NoError(t, err)

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.Equal(t, int64(5), outcome.Result["itemsRecovered"])
}

func TestRecoveryWorkerFailsOnPermanentError(t *testing.T) {
	rep := newRecordReporter()
	adapter := &flakyAdapter{SimAdapter: fastAdapter(5), failures: 1, perm: true}
	w := NewRecoveryWorker(adapter)

	_, err := w.Start(testSession(models.KindRecovery, nil), rep)
	require.NoError(t, err)

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, "worker_error", outcome.Error.Code)
	assert.Contains(t, outcome.Error.Message, "device disconnected")
}

func TestRecoveryWorkerExhaustsTransientRetries(t *testing.T) {
	rep := newRecordReporter()
	adapter := &flakyAdapter{SimAdapter: fastAdapter(5), failures: maxAdapterAttempts}
	w := NewRecoveryWorker(adapter)

	_, err := w.Start(testSession(models.KindRecovery, nil), rep)
	require.NoError(t, err)

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Error)
	assert.Contains(t, outcome.Error.Message, "usb timeout")
}

func TestTransferWorkerRequiresTarget(t *testing.T) {
	w := NewTransferWorker(fastAdapter(5))

	_, err := w.Start(testSession(models.KindTransfer, nil), newRecordReporter())
	assert.Error(t, err)

	_, err = w.Start(testSession(models.KindTransfer, models.Variables{"targetDeviceId": "not-a-uuid"}), newRecordReporter())
	assert.Error(t, err)
}

func TestTransferWorkerCompletes(t *testing.T) {
	rep := newRecordReporter()
	w := NewTransferWorker(fastAdapter(8))

	target := uuid.New()
	_, err := w.Start(testSession(models.KindTransfer, models.Variables{"targetDeviceId": target.String()}), rep)
	require.NoError(t, err)

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.Equal(t, int64(8), outcome.Result["itemsMoved"])
	assert.Equal(t, target.String(), outcome.Result["targetDeviceId"])
	assert.True(t, rep.sawPhase("transferring"))
}

func TestPhasedWorkerScreenUnlock(t *testing.T) {
	rep := newRecordReporter()
	w := NewPhasedWorker(models.KindScreenUnlock, fastAdapter(0))

	_, err := w.Start(testSession(models.KindScreenUnlock, nil), rep)
	require.NoError(t, err)

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.Equal(t, int64(4*stepsPerPhase), outcome.Result["stepsCompleted"])

	for _, phase := range phasePlans[models.KindScreenUnlock] {
		assert.True(t, rep.sawPhase(phase), "phase %s", phase)
	}
	assert.Equal(t, 100, rep.lastPercent())
}

func TestDataEraserPasses(t *testing.T) {
	rep := newRecordReporter()
	w := NewPhasedWorker(models.KindDataEraser, fastAdapter(0))

	_, err := w.Start(testSession(models.KindDataEraser, models.Variables{"passes": float64(2)}), rep)
	require.NoError(t, err)

	outcome := waitOutcome(t, rep)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.Equal(t, int64(2), outcome.Result["passes"])

	// preparing + erasing x2 + verifying
	assert.Equal(t, int64(4*stepsPerPhase), outcome.Result["stepsCompleted"])

	counters := rep.lastCounters()
	assert.Equal(t, int64(2), counters["passTotal"])
	assert.Equal(t, int64(2), counters["passDone"])
}

func TestDefaultRegistryCoversAllKinds(t *testing.T) {
	reg := NewDefaultRegistry(fastAdapter(1))

	for _, kind := range []models.SessionKind{
		models.KindRecovery, models.KindTransfer, models.KindScreenUnlock,
		models.KindSystemRepair, models.KindDataEraser,
		models.KindFRPBypass, models.KindICloudBypass,
	} {
		w, err := reg.Get(kind)
		require.NoError(t, err, "kind %s", kind)
		assert.Equal(t, kind, w.Kind())
	}

	_, err := reg.Get(models.SessionKind("unknown"))
	assert.Error(t, err)
}

func TestRetryTransientStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := retryTransient(ctx, 5, func() error {
		calls++
		cancel()
		return &TransientError{Err: errors.New("flaky")}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
