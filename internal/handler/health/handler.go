package health

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	sessionService "github.com/felislab/felistrace/backend/internal/service/session"
	"github.com/felislab/felistrace/backend/pkg/utils"
)

// Handler serves the storage reachability probe.
type Handler struct {
	svc *sessionService.Service
}

func New(svc *sessionService.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthcheck", h.handleHealthcheck)
}

// handleHealthcheck always answers 200; a storage failure is reported in the
// body so polling clients keep rendering live status.
func (h *Handler) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.svc.Health(r.Context()))
}
