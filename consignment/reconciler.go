/*
reconciler.go - Cross-source idempotency

PURPOSE:
  Invoices arrive from direct uploads and from the external registry, often
  both for the same document. The Reconciler makes sure only one
  representation of a document key ever reaches the ledger.

POLICY:
  - First applied representation wins.
  - A later one is stored with status duplicate and a note, never
    overwriting the applied one. Both stay available for audit.
  - The duplicate record and its divergences are written together.
  - A DuplicateDocument divergence is recorded on every balance key of the
    applied version; a ContentMismatch one too when the item content
    differs.

SERIALIZATION:
  Submissions of the same document key are serialized through the
  KeyLocker, so the "already applied?" check and the append cannot
  interleave with a concurrent submission of the same key.
*/
package consignment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Reconciler struct {
	ledger *Ledger
	store  Store
	locker KeyLocker
	log    *logrus.Entry
	now    func() time.Time
}

// NewReconciler shares the ledger's store; pass the same locker option
// as the ledger when running more than one process.
func NewReconciler(ledger *Ledger, opts ...Option) *Reconciler {
	o := buildOptions(opts)
	return &Reconciler{
		ledger: ledger,
		store:  ledger.store,
		locker: o.locker,
		log:    o.logger.WithField("module", "reconciler"),
		now:    o.now,
	}
}

// Reconcile applies inv unless its document key was already applied.
func (r *Reconciler) Reconcile(ctx context.Context, inv Invoice) (AppendResult, error) {
	release, err := r.locker.Lock(ctx, documentLockName(inv.DocumentKey))
	if err != nil {
		return AppendResult{}, fmt.Errorf("lock document %s: %w", inv.DocumentKey, err)
	}
	defer release()

	applied, err := r.store.AppliedInvoice(ctx, inv.DocumentKey)
	if err != nil {
		return AppendResult{}, err
	}
	if applied == nil {
		result, err := r.ledger.Append(ctx, inv)
		if err != nil || !result.Duplicate() {
			return result, err
		}
		// Applied by a writer that does not share our locker.
		applied, err = r.store.AppliedInvoice(ctx, inv.DocumentKey)
		if err != nil {
			return AppendResult{}, err
		}
		if applied == nil {
			return result, nil
		}
	}
	return r.recordDuplicate(ctx, *applied, inv)
}

func (r *Reconciler) recordDuplicate(ctx context.Context, applied, inv Invoice) (AppendResult, error) {
	now := r.now().UTC()
	mismatch := describeMismatch(applied, inv)

	note := "identical content"
	if mismatch != "" {
		note = "content mismatch: " + mismatch
	}
	note = fmt.Sprintf("document applied from %s at %s; %s",
		applied.Source, applied.ReceivedAt.Format(time.RFC3339), note)

	dup := inv
	dup.Status = StatusDuplicate
	dup.Note = note
	if dup.RecordID == "" {
		dup.RecordID = uuid.NewString()
	}
	var recs []DivergenceRecord
	for _, key := range applied.Keys() {
		recs = append(recs, DivergenceRecord{
			ID:          uuid.NewString(),
			Kind:        DuplicateDocument,
			Key:         key,
			DocumentKey: inv.DocumentKey,
			ItemIndex:   HeaderItem,
			Detail:      fmt.Sprintf("document resubmitted from %s", inv.Source),
			DetectedAt:  now,
		})
		if mismatch != "" {
			recs = append(recs, DivergenceRecord{
				ID:          uuid.NewString(),
				Kind:        ContentMismatch,
				Key:         key,
				DocumentKey: inv.DocumentKey,
				ItemIndex:   HeaderItem,
				Detail:      mismatch,
				DetectedAt:  now,
			})
		}
	}
	if err := r.store.SaveInvoice(ctx, dup, recs); err != nil {
		return AppendResult{}, fmt.Errorf("save duplicate %s: %w", inv.DocumentKey, err)
	}

	r.log.WithFields(logrus.Fields{
		"document_key": inv.DocumentKey,
		"source":       inv.Source,
		"mismatch":     mismatch != "",
	}).Warn("duplicate document")

	return AppendResult{
		Outcome:     OutcomeDuplicate,
		DocumentKey: inv.DocumentKey,
		Divergences: recs,
		Note:        note,
	}, nil
}

// describeMismatch returns "" when both representations carry the same
// recipient and items, otherwise the first difference found.
func describeMismatch(applied, got Invoice) string {
	if applied.Fingerprint != 0 && applied.Fingerprint == got.Fingerprint {
		return ""
	}
	if applied.RecipientID != got.RecipientID {
		return fmt.Sprintf("recipient %s, applied %s", got.RecipientID, applied.RecipientID)
	}
	if len(applied.Items) != len(got.Items) {
		return fmt.Sprintf("%d items, applied %d", len(got.Items), len(applied.Items))
	}
	for i := range applied.Items {
		a, g := applied.Items[i], got.Items[i]
		switch {
		case a.ProductID != g.ProductID:
			return fmt.Sprintf("item %d product %s, applied %s", i, g.ProductID, a.ProductID)
		case a.LotID != g.LotID:
			return fmt.Sprintf("item %d lot %q, applied %q", i, g.LotID, a.LotID)
		case !a.Quantity.Equal(g.Quantity):
			return fmt.Sprintf("item %d quantity %s, applied %s", i, g.Quantity, a.Quantity)
		case a.CFOP != g.CFOP:
			return fmt.Sprintf("item %d cfop %s, applied %s", i, g.CFOP, a.CFOP)
		}
	}
	return ""
}
