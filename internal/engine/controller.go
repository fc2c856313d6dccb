package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/phonerescue/phonerescue-server/internal/auth"
	"github.com/phonerescue/phonerescue-server/internal/broadcast"
	"github.com/phonerescue/phonerescue-server/internal/lock"
	"github.com/phonerescue/phonerescue-server/internal/models"
	"github.com/phonerescue/phonerescue-server/internal/storage"
	"github.com/phonerescue/phonerescue-server/internal/worker"
)

// Config holds the engine timing knobs
type Config struct {
	// WorkerTimeout force-fails a session whose worker has stopped
	// reporting while pending or running.
	WorkerTimeout time.Duration

	// CancelGrace bounds how long a cancel waits for the worker's
	// acknowledgment before the session is force-finalized.
	CancelGrace time.Duration

	// WatchdogInterval is how often stale sessions are checked for
	WatchdogInterval time.Duration
}

// withDefaults fills unset knobs
func (c Config) withDefaults() Config {
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = 2 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 15 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 5 * time.Second
	}
	return c
}

// errSkipUpdate aborts a session mutator without surfacing an error to the
// caller; used by the monotonicity guard on progress reports.
var errSkipUpdate = errors.New("skip update")

// activeSession is the controller-side runtime of one live session. Its
// mutex serializes every mutation of that session (commands and worker
// callbacks), so the store and the publish path always observe transitions
// in a single order.
type activeSession struct {
	mu sync.Mutex

	sessionID uuid.UUID
	deviceID  uuid.UUID
	ownerID   uuid.UUID
	handle    worker.Handle

	lastReport time.Time
	finalized  bool

	cancelRequested bool
	cancelDeadline  time.Time
}

// Controller is the session state machine. It validates commands, drives
// workers, persists every transition and pushes it to the broadcaster.
type Controller struct {
	store   storage.Store
	locks   lock.Registry
	workers *worker.Registry
	gate    auth.Gate
	cfg     Config

	hub *broadcast.Hub

	mu     sync.Mutex
	active map[uuid.UUID]*activeSession
}

// NewController creates a controller. The hub is created by the controller
// so its snapshot function is wired to the store.
func NewController(store storage.Store, locks lock.Registry, workers *worker.Registry, gate auth.Gate, mirror broadcast.Mirror, cfg Config) *Controller {
	c := &Controller{
		store:   store,
		locks:   locks,
		workers: workers,
		gate:    gate,
		cfg:     cfg.withDefaults(),
		active:  make(map[uuid.UUID]*activeSession),
	}
	c.hub = broadcast.NewHub(c.snapshotEvent, mirror)
	return c
}

// Hub exposes the progress broadcaster for subscribers
func (c *Controller) Hub() *broadcast.Hub {
	return c.hub
}

// ========== Commands ==========

// CreateSession validates ownership, reserves the device and starts the
// worker. The returned session is in status pending; it moves to running on
// the worker's first progress report.
func (c *Controller) CreateSession(ctx context.Context, ownerID, deviceID uuid.UUID, kind models.SessionKind, options models.Variables) (*models.Session, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}

	owns, err := c.gate.OwnsDevice(ctx, ownerID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("authorization check: %w", err)
	}
	if !owns {
		return nil, ErrForbidden
	}

	w, err := c.workers.Get(kind)
	if err != nil {
		return nil, ErrInvalidKind
	}

	session := &models.Session{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		DeviceID: deviceID,
		Kind:     kind,
		Options:  options,
		Status:   models.StatusPending,
		Counters: models.Counters{},
	}

	// The lock is held for the whole pending->terminal lifetime, so a
	// second create on the same device conflicts from this instant on.
	if err := c.locks.Acquire(ctx, deviceID, session.ID); err != nil {
		if holder, ok := lock.IsAlreadyLocked(err); ok {
			return nil, &ConflictError{
				Reason:               "device already has an active session",
				ConflictingSessionID: holder,
			}
		}
		return nil, fmt.Errorf("acquire device lock: %w", err)
	}

	if err := c.store.CreateSession(ctx, session); err != nil {
		c.releaseLock(deviceID, session.ID)
		return nil, fmt.Errorf("create session: %w", err)
	}

	as := &activeSession{
		sessionID:  session.ID,
		deviceID:   deviceID,
		ownerID:    ownerID,
		lastReport: time.Now(),
	}

	c.mu.Lock()
	c.active[session.ID] = as
	c.mu.Unlock()

	handle, err := w.Start(session, c)
	if err != nil {
		// Worker rejected the session synchronously (bad options);
		// finalize as failed so the record and the lock are not left
		// dangling.
		c.finalize(as, worker.Failed("worker_start", err.Error()))
		return nil, fmt.Errorf("start worker: %w", err)
	}

	as.mu.Lock()
	as.handle = handle
	as.mu.Unlock()

	c.logEvent(session, models.EventTypeSessionCreated, models.EventLevelInfo,
		fmt.Sprintf("Session created - kind: %s", kind), nil)

	log.Info().
		Str("session_id", session.ID.String()).
		Str("device_id", deviceID.String()).
		Str("kind", string(kind)).
		Msg("Session created")

	return session, nil
}

// GetSession returns a session the caller owns
func (c *Controller) GetSession(ctx context.Context, callerID, sessionID uuid.UUID) (*models.Session, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != callerID {
		return nil, ErrForbidden
	}
	return session, nil
}

// ListSessions lists the caller's sessions
func (c *Controller) ListSessions(ctx context.Context, callerID uuid.UUID, filters storage.SessionFilters, limit, offset int) ([]*models.Session, int64, error) {
	return c.store.ListSessions(ctx, callerID, filters, limit, offset)
}

// PauseSession requests a pause. The command returns once the request is
// recorded; the status flips to paused only when the worker acknowledges
// through OnPaused. Pausing an already-paused session is a no-op.
func (c *Controller) PauseSession(ctx context.Context, callerID, sessionID uuid.UUID) (*models.Session, error) {
	session, as, err := c.authorizeCommand(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case models.StatusPaused:
		return session, nil
	case models.StatusRunning:
	default:
		return nil, &ConflictError{Reason: fmt.Sprintf("cannot pause session in status %q", session.Status)}
	}

	as.mu.Lock()
	handle := as.handle
	as.mu.Unlock()
	if handle == nil {
		return nil, &ConflictError{Reason: "session has no running worker"}
	}

	handle.RequestPause()
	return session, nil
}

// ResumeSession requests a resume. Lock ownership is re-verified first; a
// stolen lock fails the session with LockLost rather than resuming work on
// a device another session now owns.
func (c *Controller) ResumeSession(ctx context.Context, callerID, sessionID uuid.UUID) (*models.Session, error) {
	session, as, err := c.authorizeCommand(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status != models.StatusPaused {
		return nil, &ConflictError{Reason: fmt.Sprintf("cannot resume session in status %q", session.Status)}
	}

	holder, err := c.locks.Holder(ctx, session.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("verify device lock: %w", err)
	}
	if holder != sessionID {
		c.finalize(as, worker.Failed("lock_lost", "device lock lost while paused"))
		return nil, ErrLockLost
	}

	as.mu.Lock()
	handle := as.handle
	as.mu.Unlock()
	if handle == nil {
		return nil, &ConflictError{Reason: "session has no running worker"}
	}

	handle.RequestResume()
	return session, nil
}

// CancelSession requests cooperative cancellation. The session reaches
// cancelled when the worker acknowledges, or when the grace period expires
// and the watchdog force-finalizes it. Cancelling finished work conflicts.
func (c *Controller) CancelSession(ctx context.Context, callerID, sessionID uuid.UUID) (*models.Session, error) {
	session, as, err := c.authorizeCommand(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status.IsTerminal() {
		return nil, &ConflictError{Reason: fmt.Sprintf("session already %s", session.Status)}
	}

	as.mu.Lock()
	as.cancelRequested = true
	as.cancelDeadline = time.Now().Add(c.cfg.CancelGrace)
	handle := as.handle
	as.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	} else {
		// No worker to wait for; finalize directly
		c.finalize(as, worker.Cancelled())
	}

	return session, nil
}

// authorizeCommand loads the session, checks caller ownership via the gate
// and returns the runtime entry for it.
func (c *Controller) authorizeCommand(ctx context.Context, callerID, sessionID uuid.UUID) (*models.Session, *activeSession, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	if session.OwnerID != callerID {
		return nil, nil, ErrForbidden
	}

	owns, err := c.gate.OwnsDevice(ctx, callerID, session.DeviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("authorization check: %w", err)
	}
	if !owns {
		return nil, nil, ErrForbidden
	}

	c.mu.Lock()
	as := c.active[sessionID]
	c.mu.Unlock()

	if as == nil {
		// Session exists but has no runtime (terminal, or lost on
		// restart). Terminal statuses are reported precisely; anything
		// else conflicts.
		if session.Status.IsTerminal() {
			return session, nil, nil
		}
		return nil, nil, &ConflictError{Reason: "session is not active on this node"}
	}

	return session, as, nil
}

// ========== Worker callbacks (worker.Reporter) ==========

// OnProgress records a progress report. Reports with a lower percent than
// already persisted are ignored; the first report moves pending to running.
func (c *Controller) OnProgress(sessionID uuid.UUID, percent int, counters models.Counters, phase string) {
	as := c.lookup(sessionID)
	if as == nil {
		return
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.finalized {
		return
	}

	as.lastReport = time.Now()

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	started := false
	session, err := c.store.UpdateSession(context.Background(), sessionID, func(s *models.Session) error {
		if s.Status.IsTerminal() {
			return errSkipUpdate
		}
		if s.Status == models.StatusPending {
			s.Status = models.StatusRunning
			now := time.Now()
			s.StartedAt = &now
			started = true
		}
		if percent < s.ProgressPercent {
			if !started {
				return errSkipUpdate
			}
			percent = s.ProgressPercent
		}
		s.ProgressPercent = percent
		if counters != nil {
			s.Counters = counters
		}
		if phase != "" {
			s.Phase = phase
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSkipUpdate) {
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to persist progress")
		}
		return
	}

	eventType := models.EventTypeProgress
	if started {
		eventType = models.EventTypeStatusChange
		c.logEvent(session, models.EventTypeStatusChange, models.EventLevelInfo,
			"Session running", nil)
	}

	c.hub.Publish(models.ProgressEvent{
		SessionID:       sessionID,
		Type:            eventType,
		Status:          session.Status,
		ProgressPercent: session.ProgressPercent,
		Phase:           session.Phase,
		Counters:        session.Counters,
	})
}

// OnPaused acknowledges that the worker has quiesced
func (c *Controller) OnPaused(sessionID uuid.UUID) {
	c.applyStatusChange(sessionID, models.StatusRunning, models.StatusPaused, "Session paused")
}

// OnResumed acknowledges that the worker has resumed
func (c *Controller) OnResumed(sessionID uuid.UUID) {
	c.applyStatusChange(sessionID, models.StatusPaused, models.StatusRunning, "Session resumed")
}

// OnTerminal finalizes the session with the worker's outcome
func (c *Controller) OnTerminal(sessionID uuid.UUID, outcome worker.Outcome) {
	as := c.lookup(sessionID)
	if as == nil {
		return
	}
	c.finalize(as, outcome)
}

// applyStatusChange persists a from->to transition and publishes it
func (c *Controller) applyStatusChange(sessionID uuid.UUID, from, to models.SessionStatus, description string) {
	as := c.lookup(sessionID)
	if as == nil {
		return
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.finalized {
		return
	}

	as.lastReport = time.Now()

	session, err := c.store.UpdateSession(context.Background(), sessionID, func(s *models.Session) error {
		if s.Status != from {
			return errSkipUpdate
		}
		s.Status = to
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSkipUpdate) {
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to persist status change")
		}
		return
	}

	c.logEvent(session, models.EventTypeStatusChange, models.EventLevelInfo, description, nil)

	c.hub.Publish(models.ProgressEvent{
		SessionID:       sessionID,
		Type:            models.EventTypeStatusChange,
		Status:          session.Status,
		ProgressPercent: session.ProgressPercent,
		Phase:           session.Phase,
		Counters:        session.Counters,
	})

	log.Info().
		Str("session_id", sessionID.String()).
		Str("status", string(to)).
		Msg(description)
}

// finalize moves a session to a terminal status, releases the device lock
// and retires the runtime entry. It is idempotent: whichever path reaches
// it first (worker, cancel grace, watchdog) wins and the rest are no-ops.
func (c *Controller) finalize(as *activeSession, outcome worker.Outcome) {
	as.mu.Lock()
	if as.finalized {
		as.mu.Unlock()
		return
	}
	as.finalized = true
	handle := as.handle
	as.mu.Unlock()

	// Stop the worker goroutine if it is still alive (watchdog and force
	// paths); redundant for normal terminal reports.
	if handle != nil {
		handle.Cancel()
	}

	session, err := c.store.UpdateSession(context.Background(), as.sessionID, func(s *models.Session) error {
		if s.Status.IsTerminal() {
			return errSkipUpdate
		}
		s.Status = outcome.Status
		now := time.Now()
		s.EndedAt = &now
		if outcome.Status == models.StatusCompleted {
			s.ProgressPercent = 100
			s.ResultSummary = outcome.Result
		}
		if outcome.Error != nil {
			s.ErrorInfo = outcome.Error
		}
		return nil
	})

	c.releaseLock(as.deviceID, as.sessionID)

	c.mu.Lock()
	delete(c.active, as.sessionID)
	c.mu.Unlock()

	if err != nil {
		if !errors.Is(err, errSkipUpdate) {
			log.Error().Err(err).Str("session_id", as.sessionID.String()).Msg("Failed to finalize session")
		}
		return
	}

	level := models.EventLevelInfo
	if outcome.Status == models.StatusFailed {
		level = models.EventLevelError
	}
	c.logEvent(session, models.EventTypeSessionEnded, level,
		fmt.Sprintf("Session ended - status: %s", outcome.Status), nil)

	c.hub.Publish(models.ProgressEvent{
		SessionID:       as.sessionID,
		Type:            models.EventTypeSessionEnded,
		Status:          session.Status,
		ProgressPercent: session.ProgressPercent,
		Phase:           session.Phase,
		Counters:        session.Counters,
		ErrorInfo:       session.ErrorInfo,
	})

	log.Info().
		Str("session_id", as.sessionID.String()).
		Str("status", string(session.Status)).
		Msg("Session finalized")
}

// ========== Helpers ==========

func (c *Controller) lookup(sessionID uuid.UUID) *activeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[sessionID]
}

// releaseLock releases idempotently: a lock already gone (duplicate
// terminal handling, expired lease) is not an error.
func (c *Controller) releaseLock(deviceID, sessionID uuid.UUID) {
	if err := c.locks.Release(context.Background(), deviceID, sessionID); err != nil {
		if errors.Is(err, lock.ErrNotOwner) {
			log.Debug().
				Str("device_id", deviceID.String()).
				Str("session_id", sessionID.String()).
				Msg("Device lock already released")
			return
		}
		log.Error().Err(err).Str("device_id", deviceID.String()).Msg("Failed to release device lock")
	}
}

// snapshotEvent builds the synthetic current-state event for new subscribers
func (c *Controller) snapshotEvent(ctx context.Context, sessionID uuid.UUID) (*models.ProgressEvent, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &models.ProgressEvent{
		SessionID:       session.ID,
		Type:            models.EventTypeProgress,
		Status:          session.Status,
		ProgressPercent: session.ProgressPercent,
		Phase:           session.Phase,
		Counters:        session.Counters,
		ErrorInfo:       session.ErrorInfo,
		Snapshot:        true,
		Timestamp:       time.Now(),
	}, nil
}

func (c *Controller) logEvent(session *models.Session, eventType models.EventType, level models.EventLevel, description string, details models.Variables) {
	event := &models.EventLog{
		OwnerID:     &session.OwnerID,
		DeviceID:    &session.DeviceID,
		SessionID:   &session.ID,
		Type:        eventType,
		Level:       level,
		Description: description,
		Details:     details,
	}
	if err := c.store.CreateEventLog(context.Background(), event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}
