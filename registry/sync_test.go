package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opme/consignment-engine/consignment"
	"github.com/opme/consignment-engine/consignment/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func nfeXML(key, client, cfop, qty string) string {
	return fmt.Sprintf(`<NFe><infNFe Id="NFe%s">
		<ide><nNF>1</nNF><serie>1</serie><dhEmi>2024-03-01T09:00:00-03:00</dhEmi></ide>
		<dest><CNPJ>%s</CNPJ><xNome>Hospital</xNome></dest>
		<det nItem="1"><prod><cProd>P1</cProd><CFOP>%s</CFOP><qCom>%s</qCom><vUnCom>1</vUnCom></prod></det>
	</infNFe></NFe>`, key, client, cfop, qty)
}

// fakeRegistry serves pages of keys and XML by key.
type fakeRegistry struct {
	pages     [][]string
	xml       map[string]string
	listErr   error
	fetchErr  map[string]error
	mu        sync.Mutex
	fetched   []string
	listCalls int
}

func (f *fakeRegistry) ListIssued(_ context.Context, _, _ time.Time, page int) (IssuedPage, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	if f.listErr != nil {
		return IssuedPage{}, f.listErr
	}
	var out IssuedPage
	out.Pagination.TotalPages = len(f.pages)
	if page > len(f.pages) {
		return out, nil
	}
	for _, k := range f.pages[page-1] {
		out.Invoices = append(out.Invoices, IssuedInvoice{DocumentKey: k})
	}
	return out, nil
}

func (f *fakeRegistry) FetchXML(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, key)
	f.mu.Unlock()
	if err := f.fetchErr[key]; err != nil {
		return nil, err
	}
	return []byte(f.xml[key]), nil
}

func newEngine() *consignment.Engine {
	return consignment.NewEngine(store.NewMemory(),
		consignment.WithClock(func() time.Time { return base }),
		consignment.WithLogger(quietLogger()))
}

// =============================================================================
// SYNCER
// =============================================================================

func TestSyncer_RunCountsOutcomes(t *testing.T) {
	// GIVEN: two pages; one duplicate already uploaded, one malformed,
	// one unrecognized CFOP, one fetch failure
	reg := &fakeRegistry{
		pages: [][]string{{"K1", "K2", "K3"}, {"K4", "K5", "K6"}},
		xml: map[string]string{
			"K1": nfeXML("K1", "11111111000111", "5917", "10"),
			"K2": nfeXML("K2", "11111111000111", "1918", "4"),
			"K3": nfeXML("K3", "22222222000122", "5917", "1"),
			"K4": "not xml",
			"K5": nfeXML("K5", "11111111000111", "9999", "1"),
		},
		fetchErr: map[string]error{"K6": errors.New("connection reset")},
	}
	engine := newEngine()
	raw := consignment.RawDocument{
		DocumentKey: "K3", Number: "1", Series: "1", IssuedAt: base, RecipientID: "22222222000122",
		Items: []consignment.RawItem{{ProductID: "P1", CFOP: "5917", Quantity: consignment.MustQuantity("1"), UnitValue: consignment.MustQuantity("1")}},
	}
	_, err := engine.SubmitInvoice(context.Background(), raw, consignment.SourceUpload)
	require.NoError(t, err)

	s := NewSyncer(reg, engine, 2, quietLogger())

	// WHEN
	report, err := s.Run(context.Background(), base.Add(-72*time.Hour), base)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pages)
	assert.Equal(t, 6, report.Seen)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 1, report.Duplicate)
	assert.Equal(t, 2, report.Rejected)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, report.Errors, 3)

	b, err := engine.QueryBalance(context.Background(), "11111111000111", "P1", "")
	require.NoError(t, err)
	assert.Equal(t, "6", b.Quantity.String())

	invs, err := engine.Invoices(context.Background(), "K1")
	require.NoError(t, err)
	assert.Equal(t, consignment.SourceRegistry, invs[0].Source)
}

func TestSyncer_RerunIsIdempotent(t *testing.T) {
	reg := &fakeRegistry{
		pages: [][]string{{"K1"}},
		xml:   map[string]string{"K1": nfeXML("K1", "11111111000111", "5917", "10")},
	}
	engine := newEngine()
	s := NewSyncer(reg, engine, 4, quietLogger())

	first, err := s.Run(context.Background(), time.Time{}, base)
	require.NoError(t, err)
	second, err := s.Run(context.Background(), time.Time{}, base)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Applied)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 1, second.Duplicate)

	b, err := engine.QueryBalance(context.Background(), "11111111000111", "P1", "")
	require.NoError(t, err)
	assert.Equal(t, "10", b.Quantity.String())
}

func TestSyncer_ListFailureEndsRun(t *testing.T) {
	reg := &fakeRegistry{listErr: errors.New("503")}
	s := NewSyncer(reg, newEngine(), 1, quietLogger())

	_, err := s.Run(context.Background(), time.Time{}, base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list page 1")
}

func TestSyncer_RejectsOverlappingRuns(t *testing.T) {
	s := NewSyncer(&fakeRegistry{}, newEngine(), 1, quietLogger())
	s.running.Store(true)

	_, err := s.Run(context.Background(), time.Time{}, base)
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RunsImmediatelyAndStops(t *testing.T) {
	reg := &fakeRegistry{
		pages: [][]string{{"K1"}},
		xml:   map[string]string{"K1": nfeXML("K1", "11111111000111", "5917", "3")},
	}
	sched := NewScheduler(NewSyncer(reg, newEngine(), 1, quietLogger()), quietLogger())
	sched.Interval = time.Hour
	sched.now = func() time.Time { return base }

	sched.Start()
	require.Eventually(t, func() bool {
		_, ok := sched.LastReport()
		return ok
	}, time.Second, 5*time.Millisecond)
	sched.Stop()
	sched.Stop()

	report, _ := sched.LastReport()
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, base.Add(-72*time.Hour), report.From)
	assert.Equal(t, base, report.To)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	reg := &fakeRegistry{}
	sched := NewScheduler(NewSyncer(reg, newEngine(), 1, quietLogger()), quietLogger())
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	assert.Equal(t, 0, reg.listCalls)
}
