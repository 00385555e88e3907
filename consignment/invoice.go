package consignment

import (
	"slices"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// =============================================================================
// RAW DOCUMENT - Document Parser / Registry contract
// =============================================================================

// RawDocument is a parsed invoice before normalization. Parsers and the
// registry client produce it; nothing here has been validated yet.
type RawDocument struct {
	DocumentKey   string    `json:"document_key" validate:"required,alphanum,max=44"`
	Number        string    `json:"number" validate:"required,max=20"`
	Series        string    `json:"series" validate:"required,max=10"`
	IssuedAt      time.Time `json:"issued_at" validate:"required"`
	IssuerID      string    `json:"issuer_id"`
	RecipientID   string    `json:"recipient_id" validate:"required"`
	RecipientName string    `json:"recipient_name"`
	Items         []RawItem `json:"items" validate:"required,min=1,dive"`

	// XML is the source document as received, kept for audit. Empty for
	// documents submitted as JSON.
	XML []byte `json:"-"`
}

type RawItem struct {
	ProductID      string     `json:"product_id" validate:"required,max=60"`
	Description    string     `json:"description"`
	LotID          string     `json:"lot_id" validate:"max=50"`
	Quantity       Quantity   `json:"quantity"`
	UnitValue      Quantity   `json:"unit_value"`
	CFOP           string     `json:"cfop" validate:"required,cfop"`
	ManufacturedAt *time.Time `json:"manufactured_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// =============================================================================
// INVOICE
// =============================================================================

type Source string

const (
	SourceUpload   Source = "upload"
	SourceRegistry Source = "registry"
	SourceManual   Source = "manual"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApplied   Status = "applied"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Invoice is a canonical fiscal document. Each stored representation has
// its own RecordID; DocumentKey is shared by every representation of the
// same document and at most one of them is ever applied.
type Invoice struct {
	RecordID      string
	DocumentKey   string
	Number        string
	Series        string
	IssuedAt      time.Time
	IssuerID      string
	RecipientID   string
	RecipientName string
	Items         []InvoiceItem
	Source        Source
	Status        Status
	Fingerprint   uint64
	Note          string
	Failures      []Failure
	ReceivedAt    time.Time

	// XML is written with the record and only read back through
	// Store.DocumentXML.
	XML []byte
}

// InvoiceItem belongs to exactly one Invoice. Index is its position.
type InvoiceItem struct {
	Index          int
	ProductID      string
	Description    string
	LotID          string
	Quantity       Quantity
	UnitValue      Quantity
	CFOP           string
	Kind           MovementKind
	ManufacturedAt *time.Time
	ExpiresAt      *time.Time
}

func (it InvoiceItem) Key(client string) BalanceKey {
	return NewBalanceKey(client, it.ProductID, it.LotID)
}

// Keys returns the distinct balance keys touched by the invoice, sorted.
func (inv Invoice) Keys() []BalanceKey {
	seen := make(map[BalanceKey]bool, len(inv.Items))
	var keys []BalanceKey
	for _, it := range inv.Items {
		k := it.Key(inv.RecipientID)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

// Kinds returns the distinct movement kinds of the items, sorted.
func (inv Invoice) Kinds() []MovementKind {
	var kinds []MovementKind
	for _, it := range inv.Items {
		if it.Kind != "" && !slices.Contains(kinds, it.Kind) {
			kinds = append(kinds, it.Kind)
		}
	}
	slices.Sort(kinds)
	return kinds
}

// =============================================================================
// LISTING
// =============================================================================

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// InvoiceFilter selects stored representations. Zero fields match everything.
type InvoiceFilter struct {
	Client string
	Kind   MovementKind // any item of that kind
	Status Status
	From   *time.Time // issued on or after
	To     *time.Time // issued on or before
}

func (f InvoiceFilter) Match(inv Invoice) bool {
	if f.Client != "" && f.Client != inv.RecipientID {
		return false
	}
	if f.Kind != "" && !slices.Contains(inv.Kinds(), f.Kind) {
		return false
	}
	if f.Status != "" && f.Status != inv.Status {
		return false
	}
	if f.From != nil && inv.IssuedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && inv.IssuedAt.After(*f.To) {
		return false
	}
	return true
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page into [1, MaxPageSize], defaulting the size.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	switch {
	case p.Size < 1:
		p.Size = DefaultPageSize
	case p.Size > MaxPageSize:
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// fingerprintItem is the content compared across representations of the
// same document. Decimals are hashed through their canonical string.
type fingerprintItem struct {
	ProductID string
	LotID     string
	Quantity  string
	CFOP      string
}

// Fingerprint hashes the recipient and item content.
func Fingerprint(recipient string, items []InvoiceItem) (uint64, error) {
	fp := struct {
		Recipient string
		Items     []fingerprintItem
	}{Recipient: recipient}
	for _, it := range items {
		fp.Items = append(fp.Items, fingerprintItem{
			ProductID: it.ProductID,
			LotID:     it.LotID,
			Quantity:  it.Quantity.String(),
			CFOP:      it.CFOP,
		})
	}
	return hashstructure.Hash(fp, hashstructure.FormatV2, nil)
}
