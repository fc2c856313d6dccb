package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phonerescue/phonerescue-server/internal/models"
	"github.com/phonerescue/phonerescue-server/internal/storage"
)

// ========== Device handlers ==========

// HandleListDevices lists the caller's devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	limit, offset := paging(r)

	devices, total, err := s.store.ListDevices(r.Context(), claims.UserID, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

// HandleRegisterDevice registers a device for the caller
func (s *RESTServer) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req struct {
		Name         string `json:"name" validate:"required,min=1,max=100"`
		Platform     string `json:"platform" validate:"required"`
		Model        string `json:"model"`
		SerialNumber string `json:"serial_number"`
		OSVersion    string `json:"os_version"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	platform := models.DevicePlatform(req.Platform)
	if platform != models.PlatformIOS && platform != models.PlatformAndroid {
		s.respondError(w, http.StatusBadRequest, "platform must be ios or android")
		return
	}

	device := &models.Device{
		ID:           uuid.New(),
		OwnerID:      claims.UserID,
		Name:         req.Name,
		Platform:     platform,
		Model:        req.Model,
		SerialNumber: req.SerialNumber,
		OSVersion:    req.OSVersion,
	}

	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		if err == storage.ErrDuplicateKey {
			s.respondError(w, http.StatusConflict, "device already registered")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, device)
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if device.OwnerID != claims.UserID {
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleDeleteDevice deletes a device
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if device.OwnerID != claims.UserID {
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := s.store.DeleteDevice(r.Context(), id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
