/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the operator frontend

ROUTE GROUPS:
  /api/invoices/*       Document ingestion and audit
  /api/balances/*       Projections, history, rebuild
  /api/divergences      Divergence reporting
  /api/export/*         Workbook and PDF report
  /api/sync/*           Registry pull and connection status
  /api/statistics       Invoice counts for the dashboard
  /api/clients          Autocomplete
  /api/products         Autocomplete

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigin falls back to the local frontend dev servers.
func NewRouter(h *Handler, allowedOrigin string) *chi.Mux {
	origins := []string{"http://localhost:5173", "http://localhost:8080"}
	if allowedOrigin != "" {
		origins = []string{allowedOrigin}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/summary", h.GetSummary)
		r.Get("/statistics", h.GetStatistics)
		r.Get("/clients", h.SearchClients)
		r.Get("/products", h.SearchProducts)
		r.Post("/sync", h.TriggerSync)
		r.Get("/sync/status", h.SyncStatus)
		r.Get("/divergences", h.ListDivergences)
		r.Get("/export/balances.xlsx", h.ExportBalances)
		r.Get("/export/balances.pdf", h.ExportBalancesPDF)

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/", h.SubmitInvoice)
			r.Post("/xml", h.UploadXML)
			r.Get("/{key}", h.GetInvoice)
			r.Get("/{key}/xml", h.GetInvoiceXML)
		})

		r.Route("/balances", func(r chi.Router) {
			r.Get("/", h.ListBalances)
			r.Get("/{client}/{product}", h.GetBalance)
			r.Get("/{client}/{product}/history", h.GetHistory)
			r.Post("/{client}/{product}/rebuild", h.RebuildBalance)
		})
	})

	return r
}
