package consignment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opme/consignment-engine/consignment"
	"github.com/opme/consignment-engine/consignment/store"
)

func TestReconciler_IdenticalResubmissionIsDuplicate(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	raw := doc("NF1", "C1", base, item("P1", "L1", "5917", "10"), item("P2", "", "5917", "1"))

	_, err := e.SubmitInvoice(ctx, raw, consignment.SourceUpload)
	require.NoError(t, err)

	// WHEN: the registry delivers the same document
	res, err := e.SubmitInvoice(ctx, raw, consignment.SourceRegistry)

	// THEN
	require.NoError(t, err)
	assert.True(t, res.Duplicate())
	assert.Contains(t, res.Note, "identical content")
	require.Len(t, res.Divergences, 2, "one per balance key of the document")
	for _, d := range res.Divergences {
		assert.Equal(t, consignment.DuplicateDocument, d.Kind)
		assert.Equal(t, consignment.HeaderItem, d.ItemIndex)
	}

	invs, err := e.Invoices(ctx, "NF1")
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, consignment.StatusApplied, invs[0].Status)
	assert.Equal(t, consignment.SourceUpload, invs[0].Source)
	assert.Equal(t, consignment.StatusDuplicate, invs[1].Status)
	assert.Equal(t, consignment.SourceRegistry, invs[1].Source)
	assert.NotEqual(t, invs[0].RecordID, invs[1].RecordID)

	assert.Equal(t, "10", balance(t, e, "C1", "P1", "L1").Quantity.String())
}

func TestReconciler_ContentMismatchKeepsFirstVersion(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	submit(t, e, doc("NF1", "C1", base, item("P1", "L1", "5917", "10")))

	res, err := e.SubmitInvoice(ctx, doc("NF1", "C1", base, item("P1", "L1", "5917", "12")), consignment.SourceRegistry)

	require.NoError(t, err)
	assert.True(t, res.Duplicate())
	assert.Contains(t, res.Note, "quantity 12, applied 10")

	b := balance(t, e, "C1", "P1", "L1")
	assert.Equal(t, "10", b.Quantity.String())
	assert.Equal(t, []consignment.DivergenceKind{consignment.ContentMismatch, consignment.DuplicateDocument}, b.Flags)

	recs, err := e.QueryDivergences(ctx, consignment.DivergenceFilter{
		DocumentKey: "NF1",
		Kinds:       []consignment.DivergenceKind{consignment.ContentMismatch},
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, consignment.NewBalanceKey("C1", "P1", "L1"), recs[0].Key)
}

func TestReconciler_ConcurrentSourcesApplyOnce(t *testing.T) {
	e, _ := newEngine(t)
	raw := doc("NF1", "C1", base, item("P1", "L1", "5917", "10"))
	sources := []consignment.Source{consignment.SourceUpload, consignment.SourceRegistry}

	const n = 20
	results := make([]consignment.AppendResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.SubmitInvoice(context.Background(), raw, sources[i%2])
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		if res.Applied() {
			applied++
		} else {
			assert.True(t, res.Duplicate())
		}
	}
	assert.Equal(t, 1, applied)

	b := balance(t, e, "C1", "P1", "L1")
	assert.Equal(t, "10", b.Quantity.String())
	assert.Equal(t, int64(1), b.LastSequence)
}

// failingSaves stores everything except duplicate and rejected records.
type failingSaves struct {
	*store.Memory
	calls int
}

func (f *failingSaves) SaveInvoice(context.Context, consignment.Invoice, []consignment.DivergenceRecord) error {
	f.calls++
	return errors.New("disk full")
}

func TestReconciler_FailedDuplicateLeavesNoDivergences(t *testing.T) {
	mem := &failingSaves{Memory: store.NewMemory()}
	e := consignment.NewEngine(mem, consignment.WithClock(func() time.Time { return base }))
	ctx := context.Background()

	_, err := e.SubmitInvoice(ctx, doc("NF1", "C1", base, item("P1", "L1", "5917", "10")), consignment.SourceUpload)
	require.NoError(t, err)

	// WHEN: the mismatching resubmission cannot be recorded
	_, err = e.SubmitInvoice(ctx, doc("NF1", "C1", base, item("P1", "L1", "5917", "12")), consignment.SourceRegistry)

	// THEN: one write was attempted and nothing of it is visible
	require.Error(t, err)
	assert.Equal(t, 1, mem.calls)

	recs, err := e.QueryDivergences(ctx, consignment.DivergenceFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, balance(t, e, "C1", "P1", "L1").Flags)

	invs, err := e.Invoices(ctx, "NF1")
	require.NoError(t, err)
	assert.Len(t, invs, 1)
}
