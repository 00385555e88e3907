package consignment

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Engine is the entry point used by the API, the CLI, the registry syncer
// and the inbox watcher: normalize -> reconcile -> append.
type Engine struct {
	Normalizer *Normalizer
	Reconciler *Reconciler
	Ledger     *Ledger

	store Store
	log   *logrus.Entry
	opts  options
}

func NewEngine(store Store, opts ...Option) *Engine {
	o := buildOptions(opts)
	shared := []Option{WithLocker(o.locker), WithLogger(o.logger), WithLookback(o.lookback), WithClock(o.now)}

	ledger := NewLedger(store, shared...)
	normalizer := NewNormalizer()
	normalizer.now = o.now
	return &Engine{
		Normalizer: normalizer,
		Reconciler: NewReconciler(ledger, shared...),
		Ledger:     ledger,
		store:      store,
		log:        o.logger.WithField("module", "engine"),
		opts:       o,
	}
}

// SubmitInvoice normalizes raw and hands it to the reconciler. A rejected
// invoice returns OutcomeRejected together with a *ValidationError and,
// when it has a document key, is stored with status rejected for audit.
func (e *Engine) SubmitInvoice(ctx context.Context, raw RawDocument, source Source) (AppendResult, error) {
	inv, err := e.Normalizer.Normalize(raw, source)
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			return AppendResult{}, err
		}
		e.recordRejected(ctx, inv)
		return AppendResult{
			Outcome:     OutcomeRejected,
			DocumentKey: inv.DocumentKey,
			Failures:    verr.Failures,
		}, err
	}
	return e.Reconciler.Reconcile(ctx, inv)
}

func (e *Engine) recordRejected(ctx context.Context, inv Invoice) {
	fields := logrus.Fields{"document_key": inv.DocumentKey, "source": inv.Source, "failures": len(inv.Failures)}
	if inv.DocumentKey == "" {
		e.log.WithFields(fields).Warn("invoice rejected without document key")
		return
	}
	inv.RecordID = uuid.NewString()
	if err := e.store.SaveInvoice(ctx, inv, nil); err != nil {
		e.log.WithFields(fields).WithError(err).Error("failed to store rejected invoice")
		return
	}
	e.log.WithFields(fields).Warn("invoice rejected")
}

func (e *Engine) QueryBalance(ctx context.Context, client, product, lot string) (BalanceMaterial, error) {
	return e.Ledger.CurrentBalance(ctx, NewBalanceKey(client, product, lot))
}

func (e *Engine) QueryBalances(ctx context.Context, filter BalanceFilter) ([]BalanceMaterial, error) {
	return e.Ledger.Balances(ctx, filter)
}

func (e *Engine) QueryHistory(ctx context.Context, client, product, lot string) iter.Seq2[LedgerEntry, error] {
	return e.Ledger.History(ctx, NewBalanceKey(client, product, lot))
}

func (e *Engine) QueryDivergences(ctx context.Context, filter DivergenceFilter) ([]DivergenceRecord, error) {
	return e.store.Divergences(ctx, filter)
}

// Invoices returns every stored representation of a document.
func (e *Engine) Invoices(ctx context.Context, documentKey string) ([]Invoice, error) {
	invs, err := e.store.Invoices(ctx, documentKey)
	if err != nil {
		return nil, err
	}
	if len(invs) == 0 {
		return nil, ErrNotFound
	}
	return invs, nil
}

// ListInvoices returns one page of stored representations and the total
// number of matches.
func (e *Engine) ListInvoices(ctx context.Context, filter InvoiceFilter, page Page) ([]Invoice, int, error) {
	return e.store.ListInvoices(ctx, filter, page.Normalize())
}

// DocumentXML returns the source XML of a document.
func (e *Engine) DocumentXML(ctx context.Context, documentKey string) ([]byte, error) {
	data, err := e.store.DocumentXML(ctx, documentKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("xml of %s: %w", documentKey, ErrNotFound)
	}
	return data, nil
}

func (e *Engine) Rebuild(ctx context.Context, client, product, lot string) (BalanceMaterial, bool, error) {
	return e.Ledger.Rebuild(ctx, NewBalanceKey(client, product, lot))
}

// Summary counts clients, products and positions across all projections.
func (e *Engine) Summary(ctx context.Context) (Summary, error) {
	balances, err := e.store.Balances(ctx, BalanceFilter{})
	if err != nil {
		return Summary{}, err
	}
	applied, err := e.store.CountInvoices(ctx, StatusApplied)
	if err != nil {
		return Summary{}, err
	}

	clients := make(map[string]bool)
	products := make(map[string]bool)
	s := Summary{Positions: len(balances), AppliedInvoices: applied, GeneratedAt: e.opts.now().UTC()}
	for _, b := range balances {
		clients[b.Key.Client] = true
		products[b.Key.Product] = true
		if b.Quantity.IsPositive() {
			s.OpenPositions++
		}
		if len(b.Flags) > 0 {
			s.FlaggedPositions++
		}
	}
	s.Clients = len(clients)
	s.Products = len(products)
	return s, nil
}
