package consignment_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opme/consignment-engine/consignment"
)

const (
	clientOne = "12345678000190"
	clientTwo = "98765432000110"
)

func named(raw consignment.RawDocument, name string) consignment.RawDocument {
	raw.RecipientName = name
	return raw
}

func TestEngine_Statistics(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	// GIVEN: three applied invoices, one outside the twelve month window,
	// and a rejected one
	submit(t, e, named(doc("NF1", clientOne, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		item("P1", "L1", "5917", "10")), "HOSPITAL UM"))
	submit(t, e, doc("NF2", clientOne, base,
		item("P1", "L1", "1918", "2"), item("P2", "", "5917", "1")))
	submit(t, e, named(doc("NF3", clientTwo, time.Date(2022, 12, 1, 0, 0, 0, 0, time.UTC),
		item("P1", "L1", "5917", "1")), "CLINICA DOIS"))
	_, err := e.SubmitInvoice(ctx, doc("NF4", clientTwo, base, item("P1", "", "5102", "1")), consignment.SourceUpload)
	require.Error(t, err)

	// WHEN
	stats, err := e.Statistics(ctx)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, []consignment.KindCount{
		{Kind: consignment.ConsignmentOutbound, Invoices: 3},
		{Kind: consignment.ConsignmentReturn, Invoices: 1},
	}, stats.ByKind)
	assert.Equal(t, []consignment.MonthCount{
		{Month: "2024-01", Invoices: 1},
		{Month: "2024-03", Invoices: 1},
	}, stats.ByMonth)
	assert.Equal(t, []consignment.ClientCount{
		{ID: clientOne, Name: "HOSPITAL UM", Invoices: 2},
		{ID: clientTwo, Name: "CLINICA DOIS", Invoices: 1},
	}, stats.TopClients)
	assert.Equal(t, base, stats.GeneratedAt)
}

func TestEngine_StatisticsKeepsTenClients(t *testing.T) {
	e, _ := newEngine(t)
	for i := 0; i < 12; i++ {
		client := fmt.Sprintf("%014d", i+1)
		for n := 0; n <= i%3; n++ {
			submit(t, e, doc(fmt.Sprintf("NF%d-%d", i, n), client, base, item("P1", "", "5917", "1")))
		}
	}

	stats, err := e.Statistics(context.Background())
	require.NoError(t, err)
	require.Len(t, stats.TopClients, 10)
	assert.Equal(t, 3, stats.TopClients[0].Invoices)
	assert.Equal(t, fmt.Sprintf("%014d", 3), stats.TopClients[0].ID, "ties break by id")
	assert.Equal(t, 1, stats.TopClients[9].Invoices)
}

func TestEngine_SearchClients(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	submit(t, e, named(doc("NF1", clientOne, base, item("P1", "L1", "5917", "1"), item("P2", "", "5917", "1")), "Hospital São Lucas"))
	submit(t, e, named(doc("NF2", clientTwo, base, item("P1", "L1", "5917", "1")), "HOSPITAL SANTA CASA"))

	tests := []struct {
		term string
		want []string
	}{
		{"hospital", []string{clientOne, clientTwo}},
		{"SÃO", []string{clientOne}},
		{"1234", []string{clientOne}},
		{"0001", []string{clientOne, clientTwo}},
		{"h", nil},
		{"  ", nil},
		{"pharma", nil},
	}
	for _, tt := range tests {
		matches, err := e.SearchClients(ctx, tt.term)
		require.NoError(t, err)
		var ids []string
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		assert.ElementsMatch(t, tt.want, ids, tt.term)
	}

	matches, err := e.SearchClients(ctx, "santa")
	require.NoError(t, err)
	assert.Equal(t, []consignment.ClientMatch{{ID: clientTwo, Name: "HOSPITAL SANTA CASA"}}, matches)
}

func TestEngine_SearchProducts(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	plate := item("PLACA-3.5", "L1", "5917", "1")
	plate.Description = "Placa bloqueada"
	screw := item("PARAF-2.0", "", "5917", "1")
	screw.Description = "Parafuso cortical"
	submit(t, e, doc("NF1", clientOne, base, plate, screw))
	submit(t, e, doc("NF2", clientTwo, base, plate))

	matches, err := e.SearchProducts(ctx, "placa")
	require.NoError(t, err)
	assert.Equal(t, []consignment.ProductMatch{{Code: "PLACA-3.5", Description: "Placa bloqueada"}}, matches,
		"one match per product across clients")

	matches, err = e.SearchProducts(ctx, "CORTICAL")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "PARAF-2.0", matches[0].Code)

	matches, err = e.SearchProducts(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEngine_ListInvoicesAndDocumentXML(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	withXML := doc("NF1", clientOne, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), item("P1", "L1", "5917", "10"))
	withXML.XML = []byte("<NFe>NF1</NFe>")
	submit(t, e, withXML)
	submit(t, e, doc("NF2", clientOne, base, item("P1", "L1", "1918", "4")))

	invs, total, err := e.ListInvoices(ctx, consignment.InvoiceFilter{Kind: consignment.ConsignmentOutbound}, consignment.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, invs, 1)
	assert.Equal(t, "NF1", invs[0].DocumentKey)
	assert.Nil(t, invs[0].XML, "listings do not carry the source")

	data, err := e.DocumentXML(ctx, "NF1")
	require.NoError(t, err)
	assert.Equal(t, "<NFe>NF1</NFe>", string(data))

	_, err = e.DocumentXML(ctx, "NF2")
	assert.True(t, consignment.IsNotFound(err))
}
