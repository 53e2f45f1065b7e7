package collector

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/logger"
)

type response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Handler struct {
	collector *Collector
	logger    *slog.Logger
}

func NewHandler(c *Collector) *Handler {
	return &Handler{
		collector: c,
		logger:    slog.Default().With("component", "collector-handler"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /collect-phrase", h.CollectPhrase)
}

func (h *Handler) CollectPhrase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	phrase, err := h.collector.Collect(ctx, r.URL.Query().Get("phrase"))
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) {
			h.writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: err.Error()})
			return
		}
		log.Error("collecting phrase failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, response{
			Status:  "error",
			Message: "An error occurred when processing the request",
		})
		return
	}
	log.Debug("phrase collected", "phrase", phrase)
	h.writeJSON(w, http.StatusOK, response{Status: "success", Message: "Phrase sent for collection"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
