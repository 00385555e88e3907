/*
ledger.go - Balance Ledger (append-only movement log + projection)

PURPOSE:
  The Ledger is the single shared mutable resource of the engine. It turns
  a pending invoice into one LedgerEntry per item, assigns per-key
  sequence numbers, and keeps the BalanceMaterial projection current.

CRITICAL INVARIANTS:
  1. AT-MOST-ONCE: a document key is applied once; a repeat is a no-op
     returning Duplicate, never a partial re-application.
  2. PER-KEY SERIALIZATION: appends touching the same balance key run one
     at a time; appends on disjoint keys never wait on each other.
  3. GAP-FREE ORDER: sequence numbers per key are 1, 2, 3, ... in commit
     order, decoupled from document timestamps.
  4. ALL-OR-NOTHING: the store commits an invoice's entries, projections
     and divergences in one transaction.
  5. REPLAY EQUIVALENCE: the projection equals the prefix sum of deltas.

DIVERGENCE POLICY:
  A return that drives a balance negative is applied anyway. The entry is
  marked Divergent and the projection gains NegativeBalance. The ledger
  records reality as reported and surfaces the anomaly.

CONCURRENCY:
  Keys of an invoice are locked in sorted order through a KeyLocker
  (in-process or Redis). A sequence conflict reported by the store means a
  writer outside the lock raced us; the critical section is retried with
  fresh heads and the conflict never reaches the caller.

SEE ALSO:
  - store.go: Commit contract
  - divergence.go: Detector
  - reconciler.go: cross-source idempotency in front of Append
*/
package consignment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	maxConflictRetries = 8
	historyPageSize    = 256
)

// ErrTransactionFailed is returned when an append could not be committed
// after repeated sequence conflicts.
var ErrTransactionFailed = errors.New("transaction failed")

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	locker   KeyLocker
	logger   *logrus.Logger
	lookback time.Duration
	now      func() time.Time
}

// Option configures a Ledger, Reconciler or Engine.
type Option func(*options)

// WithLocker replaces the default in-process locker.
func WithLocker(l KeyLocker) Option { return func(o *options) { o.locker = l } }

func WithLogger(l *logrus.Logger) Option { return func(o *options) { o.logger = l } }

// WithLookback sets the symbolic-return matching window for usage billings.
func WithLookback(d time.Duration) Option { return func(o *options) { o.lookback = d } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	return o
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    Store
	locker   KeyLocker
	detector *Detector
	log      *logrus.Entry
	now      func() time.Time
}

func NewLedger(store Store, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{
		store:    store,
		locker:   o.locker,
		detector: NewDetector(o.lookback),
		log:      o.logger.WithField("module", "ledger"),
		now:      o.now,
	}
}

// Append applies a pending invoice.
func (l *Ledger) Append(ctx context.Context, inv Invoice) (AppendResult, error) {
	if inv.Status != StatusPending {
		return AppendResult{}, fmt.Errorf("append %s (%s): %w", inv.DocumentKey, inv.Status, ErrNotPending)
	}

	ops, err := l.classify(inv)
	if err != nil {
		return AppendResult{Outcome: OutcomeRejected, DocumentKey: inv.DocumentKey}, err
	}

	keys := inv.Keys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = balanceLockName(k)
	}
	release, err := lockAll(ctx, l.locker, names)
	if err != nil {
		return AppendResult{}, fmt.Errorf("lock balances of %s: %w", inv.DocumentKey, err)
	}
	defer release()

	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		applied, err := l.store.AppliedInvoice(ctx, inv.DocumentKey)
		if err != nil {
			return AppendResult{}, err
		}
		if applied != nil {
			return duplicateResult(inv.DocumentKey), nil
		}

		commit, result, err := l.prepare(ctx, inv, ops)
		if err != nil {
			return AppendResult{}, err
		}

		err = l.store.Commit(ctx, commit)
		switch {
		case err == nil:
			l.logApplied(inv, result)
			return result, nil
		case errors.Is(err, ErrDocumentApplied):
			return duplicateResult(inv.DocumentKey), nil
		case errors.Is(err, ErrSequenceConflict):
			l.log.WithFields(logrus.Fields{
				"document_key": inv.DocumentKey,
				"attempt":      attempt,
			}).Debug("sequence conflict, retrying")
			continue
		default:
			return AppendResult{}, fmt.Errorf("commit %s: %w", inv.DocumentKey, err)
		}
	}
	return AppendResult{}, fmt.Errorf("append %s after %d attempts: %w", inv.DocumentKey, maxConflictRetries, ErrTransactionFailed)
}

func (l *Ledger) classify(inv Invoice) ([]Operation, error) {
	ops := make([]Operation, len(inv.Items))
	var failures []Failure
	for i, it := range inv.Items {
		op, err := Describe(it.CFOP)
		if err != nil {
			failures = append(failures, Failure{Item: i, Field: "cfop", Reason: err.Error(), Err: err})
			continue
		}
		ops[i] = op
		l.log.WithFields(logrus.Fields{
			"document_key": inv.DocumentKey,
			"item":         i,
			"cfop":         op.Code,
			"scope":        op.Scope,
			"kind":         op.Kind,
		}).Debug("classified item")
	}
	if len(failures) > 0 {
		return nil, &ValidationError{DocumentKey: inv.DocumentKey, Failures: failures}
	}
	return ops, nil
}

// prepare builds the commit against the current heads. Must run with the
// invoice's balance keys locked.
func (l *Ledger) prepare(ctx context.Context, inv Invoice, ops []Operation) (Commit, AppendResult, error) {
	now := l.now().UTC()
	heads := make(map[BalanceKey]BalanceMaterial)
	histories := make(map[BalanceKey][]LedgerEntry)

	commit := Commit{Invoice: inv}
	commit.Invoice.Status = StatusApplied
	if commit.Invoice.RecordID == "" {
		commit.Invoice.RecordID = uuid.NewString()
	}

	for i, it := range inv.Items {
		key := it.Key(inv.RecipientID)
		head, ok := heads[key]
		if !ok {
			var err error
			head, err = l.CurrentBalance(ctx, key)
			if err != nil {
				return Commit{}, AppendResult{}, err
			}
		}

		op := ops[i]
		delta := it.Quantity.Mul(decimal.NewFromInt(int64(op.Sign)))
		entry := LedgerEntry{
			ID:           EntryID(uuid.NewString()),
			Key:          key,
			Kind:         op.Kind,
			CFOP:         op.Code,
			Quantity:     it.Quantity,
			Delta:        delta,
			BalanceAfter: head.Quantity.Add(delta),
			DocumentKey:  inv.DocumentKey,
			ItemIndex:    it.Index,
			Sequence:     head.LastSequence + 1,
			IssuedAt:     inv.IssuedAt,
			AppliedAt:    now,
		}

		var prior []LedgerEntry
		if l.detector.NeedsHistory(entry.Kind) {
			if _, loaded := histories[key]; !loaded {
				h, err := l.collect(ctx, key)
				if err != nil {
					return Commit{}, AppendResult{}, err
				}
				histories[key] = h
			}
			prior = histories[key]
		}

		for _, rec := range l.detector.Inspect(entry, prior) {
			rec.ID = uuid.NewString()
			rec.DetectedAt = now
			entry.Divergent = true
			head.Flag(rec.Kind)
			commit.Divergences = append(commit.Divergences, rec)
		}

		head.apply(entry)
		if it.Description != "" {
			head.Description = it.Description
		}
		if inv.RecipientName != "" {
			head.ClientName = inv.RecipientName
		}
		heads[key] = head
		if h, loaded := histories[key]; loaded {
			histories[key] = append(h, entry)
		}
		commit.Entries = append(commit.Entries, entry)
	}

	for _, key := range inv.Keys() {
		commit.Balances = append(commit.Balances, heads[key])
	}

	result := AppendResult{
		Outcome:     OutcomeApplied,
		DocumentKey: inv.DocumentKey,
		Entries:     commit.Entries,
		Divergences: commit.Divergences,
	}
	return commit, result, nil
}

func (l *Ledger) logApplied(inv Invoice, result AppendResult) {
	fields := logrus.Fields{
		"document_key": inv.DocumentKey,
		"source":       inv.Source,
		"entries":      len(result.Entries),
	}
	l.log.WithFields(fields).Info("invoice applied")
	for _, d := range result.Divergences {
		l.log.WithFields(logrus.Fields{
			"document_key": d.DocumentKey,
			"balance_key":  d.Key.String(),
			"kind":         d.Kind,
			"sequence":     d.Sequence,
		}).Warn(d.Detail)
	}
}

func duplicateResult(documentKey string) AppendResult {
	return AppendResult{Outcome: OutcomeDuplicate, DocumentKey: documentKey, Note: "document already applied"}
}

// =============================================================================
// QUERIES
// =============================================================================

// CurrentBalance returns the projection of key; unknown keys are empty.
func (l *Ledger) CurrentBalance(ctx context.Context, key BalanceKey) (BalanceMaterial, error) {
	b, found, err := l.store.Balance(ctx, key)
	if err != nil {
		return BalanceMaterial{}, err
	}
	if !found {
		return EmptyBalance(key), nil
	}
	return b, nil
}

// Balances lists projections.
func (l *Ledger) Balances(ctx context.Context, filter BalanceFilter) ([]BalanceMaterial, error) {
	return l.store.Balances(ctx, filter)
}

// History yields the entries of key in sequence order, one page at a time.
// Every range over the returned sequence starts again from the first entry.
func (l *Ledger) History(ctx context.Context, key BalanceKey) iter.Seq2[LedgerEntry, error] {
	return func(yield func(LedgerEntry, error) bool) {
		var after int64
		for {
			page, err := l.store.Entries(ctx, key, after, historyPageSize)
			if err != nil {
				yield(LedgerEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.Sequence
			}
			if len(page) < historyPageSize {
				return
			}
		}
	}
}

func (l *Ledger) collect(ctx context.Context, key BalanceKey) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	for e, err := range l.History(ctx, key) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Replay computes the projection of key from its history and recorded
// divergences, without touching the stored projection. Names are not part
// of the history and are left empty.
func (l *Ledger) Replay(ctx context.Context, key BalanceKey) (BalanceMaterial, error) {
	b := EmptyBalance(key)
	for e, err := range l.History(ctx, key) {
		if err != nil {
			return BalanceMaterial{}, err
		}
		b.apply(e)
	}

	lot := key.Lot
	recs, err := l.store.Divergences(ctx, DivergenceFilter{Client: key.Client, Product: key.Product, Lot: &lot})
	if err != nil {
		return BalanceMaterial{}, err
	}
	for _, r := range recs {
		b.Flag(r.Kind)
	}
	return b, nil
}

// Rebuild replays key and overwrites the stored projection if it drifted.
// It reports whether a correction was written.
func (l *Ledger) Rebuild(ctx context.Context, key BalanceKey) (BalanceMaterial, bool, error) {
	release, err := l.locker.Lock(ctx, balanceLockName(key))
	if err != nil {
		return BalanceMaterial{}, false, fmt.Errorf("lock %s: %w", key, err)
	}
	defer release()

	rebuilt, err := l.Replay(ctx, key)
	if err != nil {
		return BalanceMaterial{}, false, err
	}
	stored, found, err := l.store.Balance(ctx, key)
	if err != nil {
		return BalanceMaterial{}, false, err
	}
	if found {
		rebuilt.Description = stored.Description
		rebuilt.ClientName = stored.ClientName
		if sameProjection(stored, rebuilt) {
			return stored, false, nil
		}
	} else if rebuilt.LastSequence == 0 && len(rebuilt.Flags) == 0 {
		return rebuilt, false, nil
	}

	if err := l.store.PutBalance(ctx, rebuilt); err != nil {
		return BalanceMaterial{}, false, err
	}
	l.log.WithFields(logrus.Fields{
		"balance_key": key.String(),
		"quantity":    rebuilt.Quantity.String(),
		"sequence":    rebuilt.LastSequence,
	}).Warn("projection rebuilt from history")
	return rebuilt, true, nil
}

func sameProjection(a, b BalanceMaterial) bool {
	if !a.Quantity.Equal(b.Quantity) || a.LastSequence != b.LastSequence || !a.LastMovementAt.Equal(b.LastMovementAt) {
		return false
	}
	if !a.Sent.Equal(b.Sent) || !a.Returned.Equal(b.Returned) || !a.Used.Equal(b.Used) || !a.Billed.Equal(b.Billed) {
		return false
	}
	if len(a.Flags) != len(b.Flags) {
		return false
	}
	for i := range a.Flags {
		if a.Flags[i] != b.Flags[i] {
			return false
		}
	}
	return true
}
