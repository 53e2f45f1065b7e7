package backend

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/distributor/api"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
)

const inactiveMessage = "This backend node is not active, consult the coordination store for the active nodes"

type Handler struct {
	membership *Membership
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewHandler(m *Membership, met *metrics.Metrics) *Handler {
	return &Handler{
		membership: m,
		metrics:    met,
		logger:     slog.Default().With("component", "backend-handler"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /top-phrases", h.TopPhrases)
	mux.HandleFunc("GET /api/v1/membership", h.Membership)
}

func (h *Handler) TopPhrases(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	prefix := r.URL.Query().Get("prefix")
	phrases, err := h.membership.TopPhrases(prefix)
	h.metrics.PrefixQueryLatency.WithLabelValues("backend").Observe(time.Since(start).Seconds())
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if errors.Is(err, apperrors.ErrInactiveNode) {
			h.metrics.PrefixQueriesTotal.WithLabelValues("backend", "inactive").Inc()
			api.WriteError(w, status, inactiveMessage)
			return
		}
		h.metrics.PrefixQueriesTotal.WithLabelValues("backend", "error").Inc()
		logger.FromContext(r.Context()).Error("prefix lookup failed", "prefix", prefix, "error", err)
		api.WriteError(w, status, "prefix lookup failed")
		return
	}
	result := "hit"
	if len(phrases) == 0 {
		result = "empty"
	}
	h.metrics.PrefixQueriesTotal.WithLabelValues("backend", result).Inc()
	api.WriteJSON(w, http.StatusOK, api.NewTopPhrases(phrases))
}

func (h *Handler) Membership(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.membership.Snapshot())
}
