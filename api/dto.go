/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Complex response wrappers

QUANTITIES:
  Quantities are rendered as decimal strings ("12.5") so no precision is
  lost in JavaScript clients.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/opme/consignment-engine/consignment"
	"github.com/opme/consignment-engine/registry"
	"github.com/opme/consignment-engine/report"
)

// =============================================================================
// BALANCES
// =============================================================================

type BalanceDTO struct {
	Client         string   `json:"client"`
	ClientName     string   `json:"client_name,omitempty"`
	Product        string   `json:"product"`
	Lot            string   `json:"lot"`
	Description    string   `json:"description,omitempty"`
	Quantity       string   `json:"quantity"`
	Sent           string   `json:"sent"`
	Returned       string   `json:"returned"`
	Used           string   `json:"used"`
	Billed         string   `json:"billed"`
	LastSequence   int64    `json:"last_sequence"`
	LastMovementAt string   `json:"last_movement_at,omitempty"`
	Flags          []string `json:"flags"`
	Status         string   `json:"status"`
}

// RebuildResponse reports whether the stored projection had drifted.
type RebuildResponse struct {
	Balance   BalanceDTO `json:"balance"`
	Corrected bool       `json:"corrected"`
}

type EntryDTO struct {
	ID           string `json:"id"`
	Sequence     int64  `json:"sequence"`
	Kind         string `json:"kind"`
	CFOP         string `json:"cfop"`
	Quantity     string `json:"quantity"`
	Delta        string `json:"delta"`
	BalanceAfter string `json:"balance_after"`
	DocumentKey  string `json:"document_key"`
	ItemIndex    int    `json:"item_index"`
	IssuedAt     string `json:"issued_at"`
	AppliedAt    string `json:"applied_at"`
	Divergent    bool   `json:"divergent"`
}

type DivergenceDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Client      string `json:"client"`
	Product     string `json:"product"`
	Lot         string `json:"lot"`
	DocumentKey string `json:"document_key"`
	ItemIndex   int    `json:"item_index"`
	Sequence    int64  `json:"sequence,omitempty"`
	Detail      string `json:"detail,omitempty"`
	DetectedAt  string `json:"detected_at"`
}

// =============================================================================
// INVOICES
// =============================================================================

// SubmitResponse is the outcome of one submission. Rejections are not
// returned this way; they come back as an ErrorResponse with failures.
type SubmitResponse struct {
	Outcome     string          `json:"outcome"`
	DocumentKey string          `json:"document_key"`
	Note        string          `json:"note,omitempty"`
	Entries     []EntryDTO      `json:"entries"`
	Divergences []DivergenceDTO `json:"divergences"`
}

type InvoiceItemDTO struct {
	Index       int    `json:"index"`
	ProductID   string `json:"product_id"`
	Description string `json:"description,omitempty"`
	LotID       string `json:"lot_id"`
	Quantity    string `json:"quantity"`
	UnitValue   string `json:"unit_value"`
	CFOP        string `json:"cfop"`
	Kind        string `json:"kind,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type InvoiceDTO struct {
	RecordID      string                `json:"record_id"`
	DocumentKey   string                `json:"document_key"`
	Number        string                `json:"number"`
	Series        string                `json:"series"`
	IssuedAt      string                `json:"issued_at"`
	IssuerID      string                `json:"issuer_id,omitempty"`
	RecipientID   string                `json:"recipient_id"`
	RecipientName string                `json:"recipient_name,omitempty"`
	Source        string                `json:"source"`
	Status        string                `json:"status"`
	Note          string                `json:"note,omitempty"`
	Failures      []consignment.Failure `json:"failures,omitempty"`
	ReceivedAt    string                `json:"received_at"`
	Items         []InvoiceItemDTO      `json:"items"`
}

// InvoiceListResponse is one page of GET /api/invoices.
type InvoiceListResponse struct {
	Items      []InvoiceDTO  `json:"items"`
	Pagination PaginationDTO `json:"pagination"`
}

type PaginationDTO struct {
	Page    int  `json:"page"`
	PerPage int  `json:"per_page"`
	Total   int  `json:"total"`
	Pages   int  `json:"pages"`
	HasNext bool `json:"has_next"`
	HasPrev bool `json:"has_prev"`
}

// =============================================================================
// MISC
// =============================================================================

// SyncStatusDTO is the registry connection check. Error is set when the
// registry is configured but did not answer.
type SyncStatusDTO struct {
	Configured bool                 `json:"configured"`
	Reachable  bool                 `json:"reachable"`
	Error      string               `json:"error,omitempty"`
	LastReport *registry.SyncReport `json:"last_report,omitempty"`
}

type HealthDTO struct {
	Status   string `json:"status"`
	Registry bool   `json:"registry"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error    string                `json:"error"`
	Details  string                `json:"details,omitempty"`
	Failures []consignment.Failure `json:"failures,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toBalanceDTO(b consignment.BalanceMaterial) BalanceDTO {
	flags := make([]string, len(b.Flags))
	for i, f := range b.Flags {
		flags[i] = string(f)
	}
	return BalanceDTO{
		Client:         b.Key.Client,
		ClientName:     b.ClientName,
		Product:        b.Key.Product,
		Lot:            b.Key.Lot,
		Description:    b.Description,
		Quantity:       b.Quantity.String(),
		Sent:           b.Sent.String(),
		Returned:       b.Returned.String(),
		Used:           b.Used.String(),
		Billed:         b.Billed.String(),
		LastSequence:   b.LastSequence,
		LastMovementAt: formatTime(b.LastMovementAt),
		Flags:          flags,
		Status:         report.StatusLabel(b),
	}
}

func toEntryDTO(e consignment.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:           string(e.ID),
		Sequence:     e.Sequence,
		Kind:         string(e.Kind),
		CFOP:         e.CFOP,
		Quantity:     e.Quantity.String(),
		Delta:        e.Delta.String(),
		BalanceAfter: e.BalanceAfter.String(),
		DocumentKey:  e.DocumentKey,
		ItemIndex:    e.ItemIndex,
		IssuedAt:     formatTime(e.IssuedAt),
		AppliedAt:    formatTime(e.AppliedAt),
		Divergent:    e.Divergent,
	}
}

func toDivergenceDTO(d consignment.DivergenceRecord) DivergenceDTO {
	return DivergenceDTO{
		ID:          d.ID,
		Kind:        string(d.Kind),
		Client:      d.Key.Client,
		Product:     d.Key.Product,
		Lot:         d.Key.Lot,
		DocumentKey: d.DocumentKey,
		ItemIndex:   d.ItemIndex,
		Sequence:    d.Sequence,
		Detail:      d.Detail,
		DetectedAt:  formatTime(d.DetectedAt),
	}
}

func toDivergenceDTOs(recs []consignment.DivergenceRecord) []DivergenceDTO {
	dtos := make([]DivergenceDTO, len(recs))
	for i, d := range recs {
		dtos[i] = toDivergenceDTO(d)
	}
	return dtos
}

func toSubmitResponse(res consignment.AppendResult) SubmitResponse {
	entries := make([]EntryDTO, len(res.Entries))
	for i, e := range res.Entries {
		entries[i] = toEntryDTO(e)
	}
	return SubmitResponse{
		Outcome:     string(res.Outcome),
		DocumentKey: res.DocumentKey,
		Note:        res.Note,
		Entries:     entries,
		Divergences: toDivergenceDTOs(res.Divergences),
	}
}

func toInvoiceDTO(inv consignment.Invoice) InvoiceDTO {
	items := make([]InvoiceItemDTO, len(inv.Items))
	for i, it := range inv.Items {
		dto := InvoiceItemDTO{
			Index:       it.Index,
			ProductID:   it.ProductID,
			Description: it.Description,
			LotID:       it.LotID,
			Quantity:    it.Quantity.String(),
			UnitValue:   it.UnitValue.String(),
			CFOP:        it.CFOP,
			Kind:        string(it.Kind),
		}
		if it.ExpiresAt != nil {
			dto.ExpiresAt = it.ExpiresAt.Format(time.DateOnly)
		}
		items[i] = dto
	}
	return InvoiceDTO{
		RecordID:      inv.RecordID,
		DocumentKey:   inv.DocumentKey,
		Number:        inv.Number,
		Series:        inv.Series,
		IssuedAt:      formatTime(inv.IssuedAt),
		IssuerID:      inv.IssuerID,
		RecipientID:   inv.RecipientID,
		RecipientName: inv.RecipientName,
		Source:        string(inv.Source),
		Status:        string(inv.Status),
		Note:          inv.Note,
		Failures:      inv.Failures,
		ReceivedAt:    formatTime(inv.ReceivedAt),
		Items:         items,
	}
}

func toPaginationDTO(page consignment.Page, total int) PaginationDTO {
	pages := (total + page.Size - 1) / page.Size
	return PaginationDTO{
		Page:    page.Number,
		PerPage: page.Size,
		Total:   total,
		Pages:   pages,
		HasNext: page.Number < pages,
		HasPrev: page.Number > 1,
	}
}
