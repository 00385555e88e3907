/*
normalizer.go - Invoice Normalizer

PURPOSE:
  Turns a RawDocument into a canonical Invoice with status pending, or
  rejects it as a whole with every failure itemized. There is no partial
  acceptance: one bad item rejects the invoice.

CHECKS:
  - document key present, alphanumeric, at most 44 characters
  - number, series, issue time and recipient present
  - at least one item
  - every item: product present, quantity > 0, unit value >= 0,
    CFOP resolvable by the classifier

CANONICAL FORM:
  - strings trimmed
  - "NFe" prefix dropped from a 44-digit access key
  - CNPJ/CPF punctuation (. / - and spaces) removed from identities
*/
package consignment

import (
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	accessKeyPattern = regexp.MustCompile(`^NFe([0-9]{44})$`)
	itemIndexPattern = regexp.MustCompile(`items\[(\d+)\]`)
	identityCleaner  = strings.NewReplacer(".", "", "/", "", "-", "", " ", "")
)

// Normalizer is safe for concurrent use.
type Normalizer struct {
	validate *validator.Validate
	now      func() time.Time
}

func NewNormalizer() *Normalizer {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("cfop", func(fl validator.FieldLevel) bool {
		_, err := Describe(fl.Field().String())
		return err == nil
	})
	return &Normalizer{validate: v, now: time.Now}
}

// Normalize validates raw and returns the canonical invoice. On failure the
// returned invoice has status rejected, carries the failures, and err is a
// *ValidationError.
func (n *Normalizer) Normalize(raw RawDocument, source Source) (Invoice, error) {
	doc := canonical(raw)

	inv := Invoice{
		DocumentKey:   doc.DocumentKey,
		Number:        doc.Number,
		Series:        doc.Series,
		IssuedAt:      doc.IssuedAt.UTC(),
		IssuerID:      doc.IssuerID,
		RecipientID:   doc.RecipientID,
		RecipientName: doc.RecipientName,
		Source:        source,
		Status:        StatusPending,
		ReceivedAt:    n.now().UTC(),
		XML:           doc.XML,
	}

	failures := n.structFailures(doc)
	for i, it := range doc.Items {
		if !it.Quantity.IsPositive() {
			failures = append(failures, Failure{Item: i, Field: "quantity", Reason: "must be greater than zero"})
		}
		if it.UnitValue.IsNegative() {
			failures = append(failures, Failure{Item: i, Field: "unit_value", Reason: "must not be negative"})
		}
	}

	if len(failures) > 0 {
		sort.SliceStable(failures, func(i, j int) bool { return failures[i].Item < failures[j].Item })
		inv.Status = StatusRejected
		inv.Failures = failures
		return inv, &ValidationError{DocumentKey: inv.DocumentKey, Failures: failures}
	}

	inv.Items = make([]InvoiceItem, len(doc.Items))
	for i, it := range doc.Items {
		kind, _, _ := Classify(it.CFOP) // resolvable, checked above
		inv.Items[i] = InvoiceItem{
			Index:          i,
			ProductID:      it.ProductID,
			Description:    it.Description,
			LotID:          it.LotID,
			Quantity:       it.Quantity,
			UnitValue:      it.UnitValue,
			CFOP:           it.CFOP,
			Kind:           kind,
			ManufacturedAt: it.ManufacturedAt,
			ExpiresAt:      it.ExpiresAt,
		}
	}

	fp, err := Fingerprint(inv.RecipientID, inv.Items)
	if err != nil {
		return inv, err
	}
	inv.Fingerprint = fp
	return inv, nil
}

func (n *Normalizer) structFailures(doc RawDocument) []Failure {
	err := n.validate.Struct(doc)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Failure{{Item: HeaderItem, Field: "document", Reason: err.Error()}}
	}

	failures := make([]Failure, 0, len(verrs))
	for _, fe := range verrs {
		f := Failure{Item: itemIndex(fe.Namespace()), Field: fe.Field(), Reason: reasonFor(fe)}
		if fe.Tag() == "cfop" {
			f.Err = &UnrecognizedOperationError{Code: fe.Value().(string)}
			f.Reason = f.Err.Error()
		}
		failures = append(failures, f)
	}
	return failures
}

func canonical(raw RawDocument) RawDocument {
	doc := raw
	doc.DocumentKey = strings.TrimSpace(raw.DocumentKey)
	if m := accessKeyPattern.FindStringSubmatch(doc.DocumentKey); m != nil {
		doc.DocumentKey = m[1]
	}
	doc.Number = strings.TrimSpace(raw.Number)
	doc.Series = strings.TrimSpace(raw.Series)
	doc.IssuerID = identityCleaner.Replace(strings.TrimSpace(raw.IssuerID))
	doc.RecipientID = identityCleaner.Replace(strings.TrimSpace(raw.RecipientID))
	doc.RecipientName = strings.TrimSpace(raw.RecipientName)

	if raw.Items != nil {
		doc.Items = make([]RawItem, len(raw.Items))
	}
	for i, it := range raw.Items {
		it.ProductID = strings.TrimSpace(it.ProductID)
		it.Description = strings.TrimSpace(it.Description)
		it.LotID = strings.TrimSpace(it.LotID)
		it.CFOP = strings.TrimSpace(it.CFOP)
		doc.Items[i] = it
	}
	return doc
}

func itemIndex(namespace string) int {
	m := itemIndexPattern.FindStringSubmatch(namespace)
	if m == nil {
		return HeaderItem
	}
	i, err := strconv.Atoi(m[1])
	if err != nil {
		return HeaderItem
	}
	return i
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "needs at least " + fe.Param() + " entries"
	case "max":
		return "exceeds " + fe.Param() + " characters"
	case "alphanum":
		return "must be alphanumeric"
	default:
		return "failed " + fe.Tag()
	}
}
