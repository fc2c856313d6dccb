package worker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// Outcome is the terminal report of a worker run
type Outcome struct {
	Status models.SessionStatus
	Result models.Variables
	Error  *models.ErrorInfo
}

// Completed builds a completed outcome with a result summary
func Completed(result models.Variables) Outcome {
	return Outcome{Status: models.StatusCompleted, Result: result}
}

// Failed builds a failed outcome
func Failed(code, message string) Outcome {
	return Outcome{
		Status: models.StatusFailed,
		Error:  &models.ErrorInfo{Code: code, Message: message},
	}
}

// Cancelled builds a cancelled outcome
func Cancelled() Outcome {
	return Outcome{Status: models.StatusCancelled}
}

// Reporter receives callbacks from a running worker. Implemented by the
// session controller; calls may arrive from the worker goroutine at any
// time after Start.
type Reporter interface {
	OnProgress(sessionID uuid.UUID, percent int, counters models.Counters, phase string)
	OnPaused(sessionID uuid.UUID)
	OnResumed(sessionID uuid.UUID)
	OnTerminal(sessionID uuid.UUID, outcome Outcome)
}

// Handle controls a running worker. Pause and resume are requests; the
// worker acknowledges through the reporter once it has actually quiesced
// or resumed. Cancel is cooperative.
type Handle interface {
	RequestPause()
	RequestResume()
	Cancel()
}

// Worker executes one kind of device operation. Start returns immediately
// with a control handle; the work proceeds on its own goroutine and reports
// through the Reporter.
type Worker interface {
	Kind() models.SessionKind
	Start(session *models.Session, rep Reporter) (Handle, error)
}

// Registry dispatches workers by session kind
type Registry struct {
	mu      sync.RWMutex
	workers map[models.SessionKind]Worker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[models.SessionKind]Worker),
	}
}

// Register adds a worker for its kind, replacing any previous registration
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Kind()] = w
}

// Get returns the worker for a kind
func (r *Registry) Get(kind models.SessionKind) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[kind]
	if !ok {
		return nil, fmt.Errorf("no worker registered for kind %q", kind)
	}
	return w, nil
}

// NewDefaultRegistry registers the full worker set against an adapter
func NewDefaultRegistry(adapter Adapter) *Registry {
	r := NewRegistry()
	r.Register(NewRecoveryWorker(adapter))
	r.Register(NewTransferWorker(adapter))
	for _, kind := range []models.SessionKind{
		models.KindScreenUnlock,
		models.KindSystemRepair,
		models.KindDataEraser,
		models.KindFRPBypass,
		models.KindICloudBypass,
	} {
		r.Register(NewPhasedWorker(kind, adapter))
	}
	return r
}
