package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opme/consignment-engine/consignment"
)

func TestRebind(t *testing.T) {
	got := dialect{}.Rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", got)
}

func TestUniqueViolation_IgnoresOtherErrors(t *testing.T) {
	assert.Empty(t, dialect{}.UniqueViolation(fmt.Errorf("boom")))
}

func TestEngineOnPostgres(t *testing.T) {
	databaseURL := os.Getenv("CONSIGNMENT_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CONSIGNMENT_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)

	stamp := time.Now().UnixNano()
	client := fmt.Sprintf("IT%d", stamp)
	docKey := fmt.Sprintf("%044d", stamp)

	t.Cleanup(func() {
		_, _ = s.DB().ExecContext(ctx, `DELETE FROM entries WHERE client = $1`, client)
		_, _ = s.DB().ExecContext(ctx, `DELETE FROM balances WHERE client = $1`, client)
		_, _ = s.DB().ExecContext(ctx, `DELETE FROM divergences WHERE client = $1`, client)
		_, _ = s.DB().ExecContext(ctx, `DELETE FROM invoices WHERE document_key = $1`, docKey)
		_ = s.Close()
	})

	engine := consignment.NewEngine(s)
	raw := consignment.RawDocument{
		DocumentKey: docKey,
		Number:      "1",
		Series:      "1",
		IssuedAt:    time.Now(),
		RecipientID: client,
		Items: []consignment.RawItem{{
			ProductID: "P1",
			LotID:     "L1",
			Quantity:  consignment.MustQuantity("10"),
			CFOP:      "5917",
		}},
	}

	// WHEN: the same document is submitted twice
	first, err := engine.SubmitInvoice(ctx, raw, consignment.SourceUpload)
	require.NoError(t, err)
	second, err := engine.SubmitInvoice(ctx, raw, consignment.SourceRegistry)
	require.NoError(t, err)

	// THEN: only the first one moved the balance
	assert.True(t, first.Applied())
	assert.True(t, second.Duplicate())

	b, err := engine.QueryBalance(ctx, client, "P1", "L1")
	require.NoError(t, err)
	assert.Equal(t, "10", b.Quantity.String())
	assert.Equal(t, int64(1), b.LastSequence)
}
