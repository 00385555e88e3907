package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/opme/consignment-engine/report"
)

const fixture = "../nfe/testdata/consignment_outbound.xml"

// run executes one command line against the sqlite file db and returns
// stdout.
func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")

	var app CLI
	var stdout, stderr bytes.Buffer
	parser, err := kong.New(&app,
		kong.Name("consignctl"),
		kong.Writers(&stdout, &stderr),
		kong.Exit(func(int) { t.Fatalf("unexpected exit: %s", stderr.String()) }),
		kong.Bind(&app.Globals),
	)
	require.NoError(t, err)

	ctx, err := parser.Parse(append([]string{"--sqlite", db}, args...))
	if err != nil {
		return "", err
	}
	err = ctx.Run()
	return stdout.String(), err
}

func TestSubmitThenQuery(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	// GIVEN: the outbound NF-e submitted twice
	out, err := run(t, db, "submit", fixture)
	require.NoError(t, err)
	assert.Contains(t, out, "applied 35240112345678000190550010000012341000012345, 3 entries")

	out, err = run(t, db, "submit", fixture)
	require.NoError(t, err)
	assert.Contains(t, out, "duplicate of")
	assert.Contains(t, out, "duplicate_document")

	// WHEN / THEN: balances
	out, err = run(t, db, "balance", "98765432000110")
	require.NoError(t, err)
	assert.Contains(t, out, "PLACA-3.5")
	assert.Contains(t, out, "LT2024A")
	assert.Contains(t, out, report.StatusDivergent)

	out, err = run(t, db, "balance", "98765432000110", "--no-lot")
	require.NoError(t, err)
	assert.Contains(t, out, "BROCA-2.0")
	assert.NotContains(t, out, "PLACA-3.5")

	// history
	out, err = run(t, db, "history", "98765432000110", "PLACA-3.5", "--lot", "LT2024A")
	require.NoError(t, err)
	assert.Contains(t, out, "consignment_outbound")
	assert.Contains(t, out, "5917")

	// divergences
	out, err = run(t, db, "divergences", "--kind", "duplicate_document")
	require.NoError(t, err)
	assert.Contains(t, out, "duplicate_document")

	out, err = run(t, db, "divergences", "--kind", "negative_balance")
	require.NoError(t, err)
	assert.Contains(t, out, "no divergences")

	// summary
	out, err = run(t, db, "summary")
	require.NoError(t, err)
	assert.Contains(t, out, "Applied invoices")

	// rebuild
	out, err = run(t, db, "rebuild", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "3 keys checked, 0 corrected")
}

func TestSubmitReportsRejections(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.xml")
	require.NoError(t, os.WriteFile(bad, []byte("<NFe/>"), 0o644))

	out, err := run(t, filepath.Join(dir, "ledger.db"), "submit", fixture, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 files rejected")
	assert.Contains(t, out, "bad.xml")
}

func TestExportWritesWorkbook(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	_, err := run(t, db, "submit", fixture)
	require.NoError(t, err)

	target := filepath.Join(dir, "saldos.xlsx")
	out, err := run(t, db, "export", target, "--client", "98765432000110")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 3 balances")

	f, err := excelize.OpenFile(target)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(report.BalancesSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestExportWritesPDFByExtension(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	_, err := run(t, db, "submit", fixture)
	require.NoError(t, err)

	target := filepath.Join(dir, "saldos.PDF")
	out, err := run(t, db, "export", target)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 3 balances to")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}

func TestArgumentValidation(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	_, err := run(t, db, "rebuild")
	assert.Error(t, err)

	_, err = run(t, db, "rebuild", "C1", "--all")
	assert.Error(t, err)

	_, err = run(t, db, "divergences", "--kind", "late")
	assert.Error(t, err)

	_, err = run(t, db, "balance", "--lot", "L1", "--no-lot")
	assert.Error(t, err)
}

func TestSyncWithoutRegistry(t *testing.T) {
	t.Setenv("MAINO_API_KEY", "")
	t.Setenv("MAINO_EMAIL", "")
	_, err := run(t, filepath.Join(t.TempDir(), "ledger.db"), "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
