package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phonerescue/phonerescue-server/internal/engine"
	"github.com/phonerescue/phonerescue-server/internal/models"
	"github.com/phonerescue/phonerescue-server/internal/storage"
)

// ========== Session handlers ==========

// HandleCreateSession creates a session and starts its operation
func (s *RESTServer) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req struct {
		DeviceID uuid.UUID        `json:"device_id" validate:"required"`
		Kind     string           `json:"kind" validate:"required"`
		Options  models.Variables `json:"options"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.controller.CreateSession(r.Context(), claims.UserID, req.DeviceID, models.SessionKind(req.Kind), req.Options)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, session)
}

// HandleGetSession gets a session
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := s.controller.GetSession(r.Context(), claims.UserID, id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, session)
}

// HandleListSessions lists the caller's sessions
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var filters storage.SessionFilters
	if k := r.URL.Query().Get("kind"); k != "" {
		kind := models.SessionKind(k)
		if !kind.Valid() {
			s.respondError(w, http.StatusBadRequest, "invalid kind")
			return
		}
		filters.Kind = &kind
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := models.SessionStatus(st)
		filters.Status = &status
	}
	if did := r.URL.Query().Get("device_id"); did != "" {
		id, err := uuid.Parse(did)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid device_id")
			return
		}
		filters.DeviceID = &id
	}

	limit, offset := paging(r)

	sessions, total, err := s.controller.ListSessions(r.Context(), claims.UserID, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

// HandlePauseSession requests a pause of a running session
func (s *RESTServer) HandlePauseSession(w http.ResponseWriter, r *http.Request) {
	s.handleSessionCommand(w, r, s.controller.PauseSession)
}

// HandleResumeSession requests a resume of a paused session
func (s *RESTServer) HandleResumeSession(w http.ResponseWriter, r *http.Request) {
	s.handleSessionCommand(w, r, s.controller.ResumeSession)
}

// HandleCancelSession requests cancellation of a session
func (s *RESTServer) HandleCancelSession(w http.ResponseWriter, r *http.Request) {
	s.handleSessionCommand(w, r, s.controller.CancelSession)
}

type sessionCommand func(ctx context.Context, callerID, sessionID uuid.UUID) (*models.Session, error)

// handleSessionCommand runs a pause/resume/cancel command with shared
// parsing and error mapping. Commands are accepted, not instantly applied:
// the response carries the session as it was when the command was recorded.
func (s *RESTServer) handleSessionCommand(w http.ResponseWriter, r *http.Request, cmd sessionCommand) {
	claims := claimsFrom(r)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := cmd(r.Context(), claims.UserID, id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, session)
}

// respondEngineError maps controller errors onto HTTP statuses. Conflicts
// caused by a device lock collision name the session holding the device.
func (s *RESTServer) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, engine.ErrForbidden):
		s.respondError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, engine.ErrInvalidKind):
		s.respondError(w, http.StatusBadRequest, "invalid session kind")
	case errors.Is(err, engine.ErrLockLost):
		s.respondError(w, http.StatusConflict, "device lock lost")
	default:
		if conflict, ok := engine.AsConflict(err); ok {
			payload := map[string]interface{}{
				"error": conflict.Reason,
			}
			if conflict.ConflictingSessionID != uuid.Nil {
				payload["conflicting_session_id"] = conflict.ConflictingSessionID
			}
			s.respondJSON(w, http.StatusConflict, payload)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
