package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	sessionModel "github.com/felislab/felistrace/backend/internal/model/session"
	sessionService "github.com/felislab/felistrace/backend/internal/service/session"
	"github.com/felislab/felistrace/backend/internal/store"
	"github.com/felislab/felistrace/backend/pkg/utils"
)

// Handler exposes session ingestion over HTTP.
type Handler struct {
	svc *sessionService.Service
	log zerolog.Logger
}

func New(svc *sessionService.Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Put("/sessions/{sessionID}", h.handleAppendEvents)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Post("/log", h.handleOneShotLog)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SetupInfo       string                 `json:"setupInfo"`
		LocationInfo    *sessionModel.Location `json:"locationInfo"`
		UserAgent       string                 `json:"userAgent"`
		Device          sessionModel.Device    `json:"device"`
		ClientStartTime time.Time              `json:"clientStartTime"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	doc := sessionModel.Session{
		SetupInfo:       payload.SetupInfo,
		UserAgent:       payload.UserAgent,
		Location:        payload.LocationInfo,
		Device:          payload.Device,
		ClientStartTime: payload.ClientStartTime,
	}

	id, err := h.svc.Create(r.Context(), &doc, r.RemoteAddr)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) handleAppendEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var batch sessionModel.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.Append(r.Context(), sessionID, batch); err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("%d events appended to session '%s'", len(batch.Events), sessionID),
	})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	doc, err := h.svc.Get(r.Context(), sessionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleOneShotLog(w http.ResponseWriter, r *http.Request) {
	var doc sessionModel.Session
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.svc.LogSession(r.Context(), &doc, r.RemoteAddr)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"id":      id,
		"message": fmt.Sprintf("Session '%s' was successfully recorded.", id),
	})
}

// respondServiceError maps the service error taxonomy onto HTTP statuses.
// NotFound is terminal for the client; unavailable storage is retriable.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var verr *sessionService.ValidationError
	switch {
	case errors.As(err, &verr):
		utils.RespondError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, store.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrUnavailable):
		h.log.Error().Err(err).Msg("storage unavailable")
		utils.RespondError(w, http.StatusInternalServerError, "storage unavailable, retry later")
	default:
		h.log.Error().Err(err).Msg("unexpected ingestion error")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
