package reconcile

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ticketflow/internal/model"
)

// Handler exposes the reconciliation service over HTTP. The webhook endpoint
// reports success for anything the service resolved, including replays and
// dropped duplicates, so the delivery layer only retries genuine failures.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler builds the HTTP surface over a service.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Router assembles the chi mux.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Post("/webhooks/chain/{kind}", h.chainWebhook)
	r.Post("/tickets/intent", h.createIntent)
	r.Get("/tickets/gaps", h.listGaps)
	r.Post("/tickets/backfill", h.backfill)
	r.Put("/events/{id}/meeting", h.registerMeeting)

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type webhookResponse struct {
	Outcome  string `json:"outcome"`
	TicketID string `json:"ticket_id,omitempty"`
	Granted  bool   `json:"granted,omitempty"`
}

func (h *Handler) chainWebhook(w http.ResponseWriter, r *http.Request) {
	kind := model.FactKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusNotFound, "unknown fact kind")
		return
	}

	var fact model.Fact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil {
		writeError(w, http.StatusBadRequest, "invalid fact payload")
		return
	}
	if fact.Kind == "" {
		fact.Kind = kind
	}
	if fact.Kind != kind {
		writeError(w, http.StatusBadRequest, "fact kind does not match path")
		return
	}

	res, err := h.svc.HandleFact(r.Context(), fact)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("fact processing failed",
			zap.String("fact", fact.FactKey.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "fact processing failed")
		return
	}

	resp := webhookResponse{Outcome: "applied", TicketID: res.TicketID, Granted: res.Granted}
	switch {
	case res.AlreadyProcessed:
		resp.Outcome = "already-processed"
	case res.Duplicate:
		resp.Outcome = "duplicate-transaction"
	case res.Gap:
		resp.Outcome = "gap"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ticket, err := h.svc.CreateIntent(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrEventNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrEventStarted), errors.Is(err, ErrSoldOut):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, ErrAlreadyPurchased):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("create intent failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create intent failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) listGaps(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	gaps, err := h.svc.ListGaps(r.Context(), limit)
	if err != nil {
		h.logger.Error("list gaps failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list gaps failed")
		return
	}
	if gaps == nil {
		gaps = []model.TicketRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps})
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	granted, err := h.svc.RetryPendingGrants(r.Context(), limit)
	if err != nil {
		h.logger.Error("backfill failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "backfill failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"granted": granted})
}

type meetingRequest struct {
	MeetingID string `json:"meeting_id"`
}

func (h *Handler) registerMeeting(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req meetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.RegisterMeeting(r.Context(), eventID, req.MeetingID); err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrEventNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			h.logger.Error("register meeting failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "register meeting failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
