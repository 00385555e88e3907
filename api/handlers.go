/*
handlers.go - HTTP API handlers for the consignment ledger

PURPOSE:
  Exposes the consignment engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the Engine.

ENDPOINTS:
  Invoices:
    POST   /api/invoices/xml                 Upload NF-e XML (raw body or multipart "file")
    POST   /api/invoices                     Submit an already parsed document (JSON)
    GET    /api/invoices                     Paged listing (page, per_page, kind, client, status, from, to)
    GET    /api/invoices/{key}               Every stored representation of a document
    GET    /api/invoices/{key}/xml           Source XML, applied representation first

  Balances:
    GET    /api/balances                     List projections (client, product, lot filters)
    GET    /api/balances/{client}/{product}  One projection (?lot=)
    GET    /api/balances/{client}/{product}/history
    POST   /api/balances/{client}/{product}/rebuild

  Divergences:
    GET    /api/divergences                  Filter by client, product, lot, kind, document_key, from, to

  Registry:
    POST   /api/sync                         Pull issued invoices from the registry now
    GET    /api/sync/status                  Connectivity check and last scheduled run

  Other:
    GET    /api/summary                      Counts across all positions
    GET    /api/statistics                   Applied invoices by kind, month and client
    GET    /api/clients?q=                   Client autocomplete (CNPJ/CPF digits or name)
    GET    /api/products?q=                  Product autocomplete (code or description)
    GET    /api/export/balances.xlsx         Workbook of balances and divergences
    GET    /api/export/balances.pdf          Printable balance report
    GET    /api/health

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed document or query parameters
  - 404: Unknown document key
  - 409: Registry sync already running
  - 422: Invoice rejected (failures are itemized)
  - 503: Registry not configured, lock not obtained
  - 500: Internal errors
  A duplicate submission is not an error: 200 with outcome "duplicate".

SECURITY NOTE:
  No authentication. Put the service behind a gateway that provides it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/opme/consignment-engine/consignment"
	"github.com/opme/consignment-engine/nfe"
	"github.com/opme/consignment-engine/registry"
	"github.com/opme/consignment-engine/report"
)

const (
	defaultMaxUploadBytes = 16 << 20
	pingTimeout           = 10 * time.Second
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// SyncRunner runs one registry sync; *registry.Syncer implements it.
type SyncRunner interface {
	Run(ctx context.Context, from, to time.Time) (registry.SyncReport, error)
}

// RegistryPinger checks registry connectivity; *registry.Client implements it.
type RegistryPinger interface {
	Ping(ctx context.Context) error
}

// SyncReports exposes the last scheduled run; *registry.Scheduler implements it.
type SyncReports interface {
	LastReport() (registry.SyncReport, bool)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *consignment.Engine

	// Syncer, Registry and Reports are nil when the registry is not
	// configured.
	Syncer   SyncRunner
	Registry RegistryPinger
	Reports  SyncReports

	MaxUploadBytes int64

	log *logrus.Entry
	now func() time.Time
}

// NewHandler creates a handler. Pass a nil syncer to disable /api/sync.
func NewHandler(engine *consignment.Engine, syncer SyncRunner, logger *logrus.Logger) *Handler {
	return &Handler{
		Engine:         engine,
		Syncer:         syncer,
		MaxUploadBytes: defaultMaxUploadBytes,
		log:            logger.WithField("module", "api"),
		now:            time.Now,
	}
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// UploadXML parses an NF-e and submits it with source upload.
// POST /api/invoices/xml
func (h *Handler) UploadXML(w http.ResponseWriter, r *http.Request) {
	data, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload", err)
		return
	}

	raw, err := nfe.Parse(data)
	if err != nil {
		h.writeEngineError(w, "Malformed document", err)
		return
	}
	h.submit(w, r, raw, consignment.SourceUpload)
}

// SubmitInvoice accepts a RawDocument as JSON.
// POST /api/invoices?source=manual
func (h *Handler) SubmitInvoice(w http.ResponseWriter, r *http.Request) {
	source := consignment.SourceManual
	switch s := consignment.Source(r.URL.Query().Get("source")); s {
	case "":
	case consignment.SourceUpload, consignment.SourceRegistry, consignment.SourceManual:
		source = s
	default:
		writeError(w, http.StatusBadRequest, "Invalid source", fmt.Errorf("unknown source %q", s))
		return
	}

	var raw consignment.RawDocument
	body := http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	h.submit(w, r, raw, source)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, raw consignment.RawDocument, source consignment.Source) {
	res, err := h.Engine.SubmitInvoice(r.Context(), raw, source)
	if err != nil {
		h.writeEngineError(w, "Invoice rejected", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate() {
		status = http.StatusOK
	}
	writeJSON(w, status, toSubmitResponse(res))
}

// GetInvoice returns every stored representation of a document key.
// GET /api/invoices/{key}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	invs, err := h.Engine.Invoices(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeEngineError(w, "Invoice not found", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invs))
	for i, inv := range invs {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListInvoices returns one page of stored invoices, newest issue first.
// GET /api/invoices?page=&per_page=&kind=&client=&status=&from=&to=
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	filter, page, err := invoiceQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	invs, total, err := h.Engine.ListInvoices(r.Context(), filter, page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invs))
	for i, inv := range invs {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, InvoiceListResponse{Items: dtos, Pagination: toPaginationDTO(page.Normalize(), total)})
}

// GetInvoiceXML returns the XML a document was received as.
// GET /api/invoices/{key}/xml
func (h *Handler) GetInvoiceXML(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	data, err := h.Engine.DocumentXML(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, "XML not found", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.xml", key))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// readUpload returns the XML from a multipart "file" field or the raw body.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(h.MaxUploadBytes); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}
	return data, nil
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// ListBalances returns projections matching the query filters. An absent
// lot parameter matches every lot; lot= matches only the "no lot" keys.
// GET /api/balances
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Engine.QueryBalances(r.Context(), balanceFilter(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list balances", err)
		return
	}

	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns one projection. Keys never seen read as zero.
// GET /api/balances/{client}/{product}?lot=
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.QueryBalance(r.Context(), chi.URLParam(r, "client"), chi.URLParam(r, "product"), r.URL.Query().Get("lot"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetHistory returns the entries of one key in sequence order.
// GET /api/balances/{client}/{product}/history?lot=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	dtos := []EntryDTO{}
	for e, err := range h.Engine.QueryHistory(r.Context(), chi.URLParam(r, "client"), chi.URLParam(r, "product"), r.URL.Query().Get("lot")) {
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read history", err)
			return
		}
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RebuildBalance replays a key's history over its projection.
// POST /api/balances/{client}/{product}/rebuild?lot=
func (h *Handler) RebuildBalance(w http.ResponseWriter, r *http.Request) {
	b, corrected, err := h.Engine.Rebuild(r.Context(), chi.URLParam(r, "client"), chi.URLParam(r, "product"), r.URL.Query().Get("lot"))
	if err != nil {
		h.writeEngineError(w, "Failed to rebuild balance", err)
		return
	}
	writeJSON(w, http.StatusOK, RebuildResponse{Balance: toBalanceDTO(b), Corrected: corrected})
}

// =============================================================================
// DIVERGENCES, SUMMARY, EXPORT
// =============================================================================

// ListDivergences returns divergence records matching the query filters.
// GET /api/divergences?client=&product=&lot=&kind=&document_key=&from=&to=
func (h *Handler) ListDivergences(w http.ResponseWriter, r *http.Request) {
	filter, err := divergenceFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	recs, err := h.Engine.QueryDivergences(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list divergences", err)
		return
	}
	writeJSON(w, http.StatusOK, toDivergenceDTOs(recs))
}

// GetSummary returns position counts.
// GET /api/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ExportBalances streams the balances workbook.
// GET /api/export/balances.xlsx?client=&product=&lot=
func (h *Handler) ExportBalances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := balanceFilter(r)

	balances, err := h.Engine.QueryBalances(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list balances", err)
		return
	}
	recs, err := h.Engine.QueryDivergences(ctx, consignment.DivergenceFilter{
		Client:  filter.Client,
		Product: filter.Product,
		Lot:     filter.Lot,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list divergences", err)
		return
	}

	filename := fmt.Sprintf("saldos_%s.xlsx", h.now().Format("20060102_150405"))
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	if err := report.WriteWorkbook(w, balances, recs); err != nil {
		h.log.WithError(err).Error("failed to write workbook")
	}
}

// ExportBalancesPDF streams the printable balance report.
// GET /api/export/balances.pdf?client=&product=&lot=
func (h *Handler) ExportBalancesPDF(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Engine.QueryBalances(r.Context(), balanceFilter(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list balances", err)
		return
	}

	now := h.now()
	filename := fmt.Sprintf("saldos_%s.pdf", now.Format("20060102_150405"))
	w.Header().Set("Content-Type", report.PDFContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	if err := report.WritePDF(w, balances, now); err != nil {
		h.log.WithError(err).Error("failed to write pdf")
	}
}

// =============================================================================
// STATISTICS AND SEARCH
// =============================================================================

// GetStatistics returns applied invoice counts.
// GET /api/statistics
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SearchClients answers the client autocomplete.
// GET /api/clients?q=
func (h *Handler) SearchClients(w http.ResponseWriter, r *http.Request) {
	matches, err := h.Engine.SearchClients(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to search clients", err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// SearchProducts answers the product autocomplete.
// GET /api/products?q=
func (h *Handler) SearchProducts(w http.ResponseWriter, r *http.Request) {
	matches, err := h.Engine.SearchProducts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to search products", err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// =============================================================================
// REGISTRY
// =============================================================================

// TriggerSync runs a registry sync over [from, to] (YYYY-MM-DD, both
// inclusive). Without parameters the last three days are synced.
// POST /api/sync?from=&to=
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "Registry not configured", registry.ErrNotConfigured)
		return
	}

	to := h.now()
	from := to.Add(-72 * time.Hour)
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date", err)
			return
		}
		from = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date", err)
			return
		}
		to = endOfDay(t)
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "Invalid range", errors.New("to is before from"))
		return
	}

	rep, err := h.Syncer.Run(r.Context(), from, to)
	switch {
	case errors.Is(err, registry.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "Sync already running", err)
	case err != nil:
		writeError(w, http.StatusBadGateway, "Registry sync failed", err)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

// SyncStatus checks the registry connection and reports the last
// scheduled run. An unreachable registry is still a 200.
// GET /api/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status := SyncStatusDTO{Configured: h.Registry != nil}
	if h.Registry != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := h.Registry.Ping(ctx); err != nil {
			h.log.WithError(err).Warn("registry ping failed")
			status.Error = err.Error()
		} else {
			status.Reachable = true
		}
	}
	if h.Reports != nil {
		if rep, ok := h.Reports.LastReport(); ok {
			status.LastReport = &rep
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// Health reports liveness and whether the registry is wired.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthDTO{Status: "ok", Registry: h.Syncer != nil})
}

// =============================================================================
// HELPERS
// =============================================================================

func balanceFilter(r *http.Request) consignment.BalanceFilter {
	q := r.URL.Query()
	f := consignment.BalanceFilter{Client: q.Get("client"), Product: q.Get("product")}
	if q.Has("lot") {
		lot := q.Get("lot")
		f.Lot = &lot
	}
	return f
}

func invoiceQuery(r *http.Request) (consignment.InvoiceFilter, consignment.Page, error) {
	q := r.URL.Query()
	var (
		f    consignment.InvoiceFilter
		page consignment.Page
		err  error
	)
	if s := q.Get("page"); s != "" {
		if page.Number, err = strconv.Atoi(s); err != nil {
			return f, page, fmt.Errorf("page: %w", err)
		}
	}
	if s := q.Get("per_page"); s != "" {
		if page.Size, err = strconv.Atoi(s); err != nil {
			return f, page, fmt.Errorf("per_page: %w", err)
		}
	}
	if s := q.Get("kind"); s != "" {
		f.Kind = consignment.MovementKind(s)
		if !f.Kind.Valid() {
			return f, page, fmt.Errorf("unknown movement kind %q", s)
		}
	}
	if s := q.Get("status"); s != "" {
		f.Status = consignment.Status(s)
		switch f.Status {
		case consignment.StatusPending, consignment.StatusApplied, consignment.StatusDuplicate, consignment.StatusRejected:
		default:
			return f, page, fmt.Errorf("unknown status %q", s)
		}
	}
	// Formatted CNPJ/CPF are accepted.
	f.Client = strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, q.Get("client"))
	if s := q.Get("from"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			return f, page, fmt.Errorf("from: %w", err)
		}
		f.From = &t
	}
	if s := q.Get("to"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			return f, page, fmt.Errorf("to: %w", err)
		}
		if len(s) == len(time.DateOnly) {
			t = endOfDay(t)
		}
		f.To = &t
	}
	return f, page, nil
}

func divergenceFilter(r *http.Request) (consignment.DivergenceFilter, error) {
	q := r.URL.Query()
	f := consignment.DivergenceFilter{
		Client:      q.Get("client"),
		Product:     q.Get("product"),
		DocumentKey: q.Get("document_key"),
	}
	if q.Has("lot") {
		lot := q.Get("lot")
		f.Lot = &lot
	}
	for _, v := range q["kind"] {
		for _, k := range strings.Split(v, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			kind := consignment.DivergenceKind(k)
			if !kind.Valid() {
				return f, fmt.Errorf("unknown divergence kind %q", k)
			}
			f.Kinds = append(f.Kinds, kind)
		}
	}
	if s := q.Get("from"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
		f.From = &t
	}
	if s := q.Get("to"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
		if len(s) == len(time.DateOnly) {
			t = endOfDay(t)
		}
		f.To = &t
	}
	return f, nil
}

// parseTimeParam accepts YYYY-MM-DD or RFC 3339.
func parseTimeParam(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func endOfDay(t time.Time) time.Time {
	return t.Add(24*time.Hour - time.Nanosecond)
}

// writeEngineError maps engine errors to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	var verr *consignment.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: message, Details: err.Error(), Failures: verr.Failures})
	case consignment.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case consignment.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, consignment.ErrLockNotObtained):
		writeError(w, http.StatusServiceUnavailable, "Busy, retry later", err)
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
