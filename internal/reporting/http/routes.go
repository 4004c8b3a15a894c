package reportinghttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/ledger-reports/internal/platform/httpx"
)

const (
	writeRateLimit  = 20
	writeRateWindow = time.Minute
)

// MountRoutes registers the reporting endpoints. Writes are rate limited per
// client address.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(writeRateLimit, writeRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.RespondError(w, httpx.ErrRateLimited)
		}),
	)
	r.Route("/reports/{code}", func(rr chi.Router) {
		rr.Get("/", h.handleReport)
		rr.Post("/lines", h.handleLines)
		rr.Post("/lines/children", h.handleChildren)
		rr.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Put("/external-values", h.handleManualValue)
			gr.Post("/carryover", h.handleCarryover)
		})
	})
}
