/*
Package nfe parses NF-e (Nota Fiscal Eletrônica) XML into a
consignment.RawDocument.

ACCEPTED SHAPES:
  <nfeProc><NFe><infNFe>...   authorized document with protocol
  <NFe><infNFe>...            bare document
  Any namespace or prefix; elements are matched by local name.

FIELD MAP:
  infNFe@Id             document key ("NFe" prefix dropped)
  ide/nNF, ide/serie    number, series
  ide/dhEmi | ide/dEmi  issue time (dEmi is a date, layout 2.00)
  dest | emit           recipient CNPJ/CPF (digits only) and xNome/xFant
  emit                  issuer CNPJ/CPF
  det/prod              cProd, xProd, qCom, vUnCom, CFOP
  lot                   prod/rastro/nLote, then prod/med/nLote, then a
                        "Lote: X" style mention in det/infAdProd

Structural problems return *ParseError; everything about field content
is left to the Normalizer so failures come back itemized.
*/
package nfe

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/opme/consignment-engine/consignment"
)

// ParseError describes why a document could not be read as an NF-e.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed document: %s: %v", e.Reason, e.Err)
	}
	return "malformed document: " + e.Reason
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{consignment.ErrMalformedDocument, e.Err}
	}
	return []error{consignment.ErrMalformedDocument}
}

// =============================================================================
// XML SHAPE
// =============================================================================

type infNFe struct {
	ID   string `xml:"Id,attr"`
	Ide  *ide   `xml:"ide"`
	Emit *party `xml:"emit"`
	Dest *party `xml:"dest"`
	Det  []det  `xml:"det"`
}

type ide struct {
	Number string `xml:"nNF"`
	Series string `xml:"serie"`
	DhEmi  string `xml:"dhEmi"`
	DEmi   string `xml:"dEmi"`
}

type party struct {
	CNPJ  string `xml:"CNPJ"`
	CPF   string `xml:"CPF"`
	Name  string `xml:"xNome"`
	Fancy string `xml:"xFant"`
}

type det struct {
	Prod      *prod  `xml:"prod"`
	InfAdProd string `xml:"infAdProd"`
}

type prod struct {
	Code        string   `xml:"cProd"`
	Description string   `xml:"xProd"`
	CFOP        string   `xml:"CFOP"`
	Quantity    string   `xml:"qCom"`
	UnitValue   string   `xml:"vUnCom"`
	Rastro      []rastro `xml:"rastro"`
	Med         *rastro  `xml:"med"`
}

// rastro also fits the older med group, which carried the same fields.
type rastro struct {
	Lot            string `xml:"nLote"`
	ManufacturedAt string `xml:"dFab"`
	ExpiresAt      string `xml:"dVal"`
}

// =============================================================================
// PARSE
// =============================================================================

// Parse reads one NF-e document.
func Parse(data []byte) (consignment.RawDocument, error) {
	inf, err := findInfNFe(data)
	if err != nil {
		return consignment.RawDocument{}, err
	}
	if inf.Ide == nil {
		return consignment.RawDocument{}, &ParseError{Reason: "missing ide group"}
	}
	if len(inf.Det) == 0 {
		return consignment.RawDocument{}, &ParseError{Reason: "document has no det items"}
	}

	doc := consignment.RawDocument{
		DocumentKey: strings.TrimPrefix(strings.TrimSpace(inf.ID), "NFe"),
		Number:      inf.Ide.Number,
		Series:      inf.Ide.Series,
		IssuedAt:    issueTime(inf.Ide),
		XML:         data,
	}
	if inf.Emit != nil {
		doc.IssuerID = inf.Emit.identity()
	}
	recipient := inf.Dest
	if recipient == nil {
		recipient = inf.Emit
	}
	if recipient != nil {
		doc.RecipientID = recipient.identity()
		doc.RecipientName = firstNonEmpty(recipient.Name, recipient.Fancy)
	}

	for i, d := range inf.Det {
		if d.Prod == nil {
			return consignment.RawDocument{}, &ParseError{Reason: fmt.Sprintf("det %d has no prod group", i+1)}
		}
		item, err := d.item()
		if err != nil {
			return consignment.RawDocument{}, &ParseError{Reason: fmt.Sprintf("det %d", i+1), Err: err}
		}
		doc.Items = append(doc.Items, item)
	}
	return doc, nil
}

// ParseReader is Parse over a reader.
func ParseReader(r io.Reader) (consignment.RawDocument, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return consignment.RawDocument{}, err
	}
	return Parse(data)
}

func findInfNFe(data []byte) (*infNFe, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charsetReader

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Reason: "no infNFe element"}
		}
		if err != nil {
			return nil, &ParseError{Reason: "invalid XML", Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "infNFe" {
			continue
		}
		var inf infNFe
		if err := dec.DecodeElement(&inf, &start); err != nil {
			return nil, &ParseError{Reason: "invalid infNFe", Err: err}
		}
		return &inf, nil
	}
}

// charsetReader accepts the legacy single-byte encodings some emitters
// still declare.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(label) {
	case "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	default:
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
}

func (d det) item() (consignment.RawItem, error) {
	p := d.Prod
	qty, err := parseDecimal(p.Quantity)
	if err != nil {
		return consignment.RawItem{}, fmt.Errorf("qCom: %w", err)
	}
	unit, err := parseDecimal(p.UnitValue)
	if err != nil {
		return consignment.RawItem{}, fmt.Errorf("vUnCom: %w", err)
	}

	item := consignment.RawItem{
		ProductID:   p.Code,
		Description: p.Description,
		Quantity:    qty,
		UnitValue:   unit,
		CFOP:        p.CFOP,
	}

	var trace *rastro
	switch {
	case len(p.Rastro) > 0 && strings.TrimSpace(p.Rastro[0].Lot) != "":
		trace = &p.Rastro[0]
	case p.Med != nil && strings.TrimSpace(p.Med.Lot) != "":
		trace = p.Med
	}
	if trace != nil {
		item.LotID = strings.TrimSpace(trace.Lot)
		item.ManufacturedAt = parseDate(trace.ManufacturedAt)
		item.ExpiresAt = parseDate(trace.ExpiresAt)
	} else {
		item.LotID = lotFromText(d.InfAdProd)
	}
	return item, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Tried in order; the first match wins.
var lotPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\blote[:\s]+([^\s,;.]+)`),
	regexp.MustCompile(`(?i)\bl[:\s]+([^\s,;.]+)`),
	regexp.MustCompile(`(?i)\blot[:\s]+([^\s,;.]+)`),
	regexp.MustCompile(`(?i)\bbatch[:\s]+([^\s,;.]+)`),
	regexp.MustCompile(`(?i)\bnr[:\s]*lote[:\s]+([^\s,;.]+)`),
	regexp.MustCompile(`(?i)\bnumero[:\s]*lote[:\s]+([^\s,;.]+)`),
}

func lotFromText(text string) string {
	for _, re := range lotPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func (p party) identity() string {
	return digitsOnly(firstNonEmpty(p.CNPJ, p.CPF))
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// issueTime returns the zero time when neither field parses; the
// Normalizer reports it as missing.
func issueTime(i *ide) time.Time {
	if s := strings.TrimSpace(i.DhEmi); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	if s := strings.TrimSpace(i.DEmi); s != "" {
		if t, err := time.Parse(time.DateOnly, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseDate(s string) *time.Time {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &t
}
