// Package report renders balances and divergences as an XLSX workbook
// and balances as a printable PDF.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/opme/consignment-engine/consignment"
)

const (
	BalancesSheet    = "Saldos"
	DivergencesSheet = "Divergencias"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	dateLayout = "02/01/2006 15:04"
)

// Status labels of a position.
const (
	StatusAvailable = "Disponível"
	StatusZero      = "Zerado"
	StatusNegative  = "Negativo"
	StatusDivergent = "Divergente"
)

var (
	balanceHeaders = []any{
		"Cliente", "Nome do cliente", "Produto", "Descrição", "Lote",
		"Enviado", "Retornado", "Utilizado", "Faturado", "Saldo",
		"Última sequência", "Última movimentação", "Divergências", "Status",
	}
	divergenceHeaders = []any{"Detectada em", "Tipo", "Cliente", "Produto", "Lote", "Nota", "Item", "Sequência", "Detalhe"}
)

// StatusLabel classifies a position. Any flag wins over the sign.
func StatusLabel(b consignment.BalanceMaterial) string {
	switch {
	case len(b.Flags) > 0:
		return StatusDivergent
	case b.Quantity.IsPositive():
		return StatusAvailable
	case b.Quantity.IsZero():
		return StatusZero
	default:
		return StatusNegative
	}
}

// FormatIdentity formats a digits-only CNPJ (14) or CPF (11). Anything
// else is returned unchanged.
func FormatIdentity(id string) string {
	switch len(id) {
	case 14:
		return fmt.Sprintf("%s.%s.%s/%s-%s", id[:2], id[2:5], id[5:8], id[8:12], id[12:])
	case 11:
		return fmt.Sprintf("%s.%s.%s-%s", id[:3], id[3:6], id[6:9], id[9:])
	}
	return id
}

// WriteWorkbook writes both sheets to w.
func WriteWorkbook(w io.Writer, balances []consignment.BalanceMaterial, divergences []consignment.DivergenceRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", BalancesSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(DivergencesSheet); err != nil {
		return err
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"D9E1F2"}},
	})
	if err != nil {
		return err
	}

	if err := writeRows(f, BalancesSheet, balanceHeaders, len(balances), func(i int) []any {
		b := balances[i]
		return []any{
			FormatIdentity(b.Key.Client),
			b.ClientName,
			b.Key.Product,
			b.Description,
			b.Key.Lot,
			b.Sent.InexactFloat64(),
			b.Returned.InexactFloat64(),
			b.Used.InexactFloat64(),
			b.Billed.InexactFloat64(),
			b.Quantity.InexactFloat64(),
			b.LastSequence,
			formatTime(b.LastMovementAt),
			joinKinds(b.Flags),
			StatusLabel(b),
		}
	}, header); err != nil {
		return err
	}

	if err := writeRows(f, DivergencesSheet, divergenceHeaders, len(divergences), func(i int) []any {
		d := divergences[i]
		item := any(d.ItemIndex + 1)
		if d.ItemIndex == consignment.HeaderItem {
			item = ""
		}
		return []any{
			formatTime(d.DetectedAt),
			string(d.Kind),
			FormatIdentity(d.Key.Client),
			d.Key.Product,
			d.Key.Lot,
			d.DocumentKey,
			item,
			d.Sequence,
			d.Detail,
		}
	}, header); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	return f.Write(w)
}

func writeRows(f *excelize.File, sheet string, headers []any, n int, row func(int) []any, headerStyle int) error {
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(headers), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := row(i)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}

	lastCol, _, err := excelize.SplitCellName(last)
	if err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", lastCol, 20)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

func joinKinds(kinds []consignment.DivergenceKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
