package report

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/opme/consignment-engine/consignment"
)

const (
	PDFContentType = "application/pdf"

	pdfTitle  = "Relatório de Saldos OPME"
	rowHeight = 6.0
)

type pdfColumn struct {
	title string
	width float64
	align string
	value func(consignment.BalanceMaterial) string
}

// Landscape A4 leaves 277mm between the default margins.
var pdfColumns = []pdfColumn{
	{"Cliente", 62, "L", func(b consignment.BalanceMaterial) string { return truncate(b.ClientName, 34) }},
	{"CNPJ/CPF", 36, "L", func(b consignment.BalanceMaterial) string { return FormatIdentity(b.Key.Client) }},
	{"Produto", 52, "L", func(b consignment.BalanceMaterial) string { return truncate(productLabel(b), 28) }},
	{"Lote", 25, "L", func(b consignment.BalanceMaterial) string { return b.Key.Lot }},
	{"Enviado", 20, "R", func(b consignment.BalanceMaterial) string { return b.Sent.String() }},
	{"Retornado", 20, "R", func(b consignment.BalanceMaterial) string { return b.Returned.String() }},
	{"Utilizado", 20, "R", func(b consignment.BalanceMaterial) string { return b.Used.String() }},
	{"Saldo", 20, "R", func(b consignment.BalanceMaterial) string { return b.Quantity.String() }},
	{"Status", 22, "C", StatusLabel},
}

// WritePDF renders one table row per position, repeating the column
// headers on every page.
func WritePDF(w io.Writer, balances []consignment.BalanceMaterial, generatedAt time.Time) error {
	pdf := fpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(pdfTitle, true)
	pdf.AliasNbPages("")

	header := func() {
		pdf.SetFont("Helvetica", "B", 14)
		pdf.CellFormat(0, 10, tr(pdfTitle), "", 1, "C", false, 0, "")
		pdf.SetFont("Helvetica", "", 8)
		pdf.CellFormat(0, 5, tr("Gerado em "+formatTime(generatedAt)), "", 1, "C", false, 0, "")
		pdf.Ln(3)

		pdf.SetFont("Helvetica", "B", 8)
		pdf.SetFillColor(217, 225, 242)
		for _, c := range pdfColumns {
			pdf.CellFormat(c.width, rowHeight+1, tr(c.title), "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.SetHeaderFunc(header)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 7)
		pdf.CellFormat(0, 5, tr(fmt.Sprintf("Página %d/{nb}", pdf.PageNo())), "", 0, "R", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 8)
	for i, b := range balances {
		fill := i%2 == 1
		pdf.SetFillColor(245, 245, 245)
		for _, c := range pdfColumns {
			pdf.CellFormat(c.width, rowHeight, tr(c.value(b)), "1", 0, c.align, fill, 0, "")
		}
		pdf.Ln(-1)
	}
	if len(balances) == 0 {
		pdf.CellFormat(0, rowHeight, tr("Nenhum saldo encontrado"), "1", 1, "C", false, 0, "")
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(0, rowHeight, tr(fmt.Sprintf("Total de posições: %d", len(balances))), "", 1, "L", false, 0, "")

	return pdf.Output(w)
}

func productLabel(b consignment.BalanceMaterial) string {
	if b.Description == "" {
		return b.Key.Product
	}
	return b.Key.Product + " " + b.Description
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
