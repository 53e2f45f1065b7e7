package frontend

import (
	"errors"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/distributor/api"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/logger"
)

type Handler struct {
	router *Router
}

func NewHandler(r *Router) *Handler {
	return &Handler{router: r}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /top-phrases", h.TopPhrases)
}

// TopPhrases answers GET /top-phrases?prefix=. Routing failures are
// reported as 500, matching what clients of the replica tier expect.
func (h *Handler) TopPhrases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	prefix := r.URL.Query().Get("prefix")
	phrases, err := h.router.TopPhrases(ctx, prefix)
	if err != nil {
		log := logger.FromContext(ctx)
		if errors.Is(err, apperrors.ErrNoBackendAvailable) {
			log.Warn("no backend for prefix", "prefix", prefix, "error", err)
			api.WriteError(w, http.StatusInternalServerError, api.NoBackendMessage)
			return
		}
		log.Error("prefix lookup failed", "prefix", prefix, "error", err)
		api.WriteError(w, http.StatusInternalServerError, "prefix lookup failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, api.NewTopPhrases(phrases))
}
