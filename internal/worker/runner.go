package worker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// run carries the control channels for one worker execution. It implements
// Handle; pause/resume requests are latched (buffer of one) so a request
// issued between checkpoints is not lost.
type run struct {
	sessionID uuid.UUID
	rep       Reporter

	ctx    context.Context
	cancel context.CancelFunc

	pauseReq  chan struct{}
	resumeReq chan struct{}
}

func newRun(sessionID uuid.UUID, rep Reporter) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		sessionID: sessionID,
		rep:       rep,
		ctx:       ctx,
		cancel:    cancel,
		pauseReq:  make(chan struct{}, 1),
		resumeReq: make(chan struct{}, 1),
	}
}

// RequestPause latches a pause request
func (r *run) RequestPause() {
	select {
	case r.pauseReq <- struct{}{}:
	default:
	}
}

// RequestResume latches a resume request
func (r *run) RequestResume() {
	select {
	case r.resumeReq <- struct{}{}:
	default:
	}
}

// Cancel signals cooperative cancellation
func (r *run) Cancel() {
	r.cancel()
}

// checkpoint is called between units of work. It acknowledges a pending
// pause, blocks until resumed or cancelled, and surfaces cancellation as
// context.Canceled.
func (r *run) checkpoint() error {
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-r.pauseReq:
	default:
		return nil
	}

	// Drop a resume that raced ahead of the pause it belongs to
	select {
	case <-r.resumeReq:
	default:
	}

	r.rep.OnPaused(r.sessionID)

	select {
	case <-r.resumeReq:
		r.rep.OnResumed(r.sessionID)
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

// progress reports progress through the reporter
func (r *run) progress(percent int, counters models.Counters, phase string) {
	r.rep.OnProgress(r.sessionID, percent, counters, phase)
}

// execute runs body on its own goroutine and translates its return into the
// terminal callback. Cancellation surfaces as a cancelled outcome; any other
// error fails the session.
func (r *run) execute(kind models.SessionKind, body func() (models.Variables, error)) {
	go func() {
		defer r.cancel()

		result, err := body()
		switch {
		case err == nil:
			r.rep.OnTerminal(r.sessionID, Completed(result))
		case errors.Is(err, context.Canceled):
			r.rep.OnTerminal(r.sessionID, Cancelled())
		default:
			log.Warn().
				Err(err).
				Str("session_id", r.sessionID.String()).
				Str("kind", string(kind)).
				Msg("Worker failed")
			r.rep.OnTerminal(r.sessionID, Failed("worker_error", err.Error()))
		}
	}()
}
