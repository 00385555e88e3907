package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/opme/consignment-engine/consignment"
	"github.com/opme/consignment-engine/internal/bootstrap"
	"github.com/opme/consignment-engine/nfe"
	"github.com/opme/consignment-engine/registry"
	"github.com/opme/consignment-engine/report"
)

const timeLayout = "2006-01-02 15:04"

// =============================================================================
// SUBMIT
// =============================================================================

type SubmitCmd struct {
	Files  []string `help:"NF-e XML files." arg:"" type:"existingfile"`
	Source string   `help:"Ingestion source recorded on the invoice." default:"upload" enum:"upload,registry,manual"`
}

func (cmd *SubmitCmd) Run(ctx *kong.Context, globals *Globals) error {
	runCtx := context.Background()
	rt, _, err := globals.open(runCtx, ctx.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	failed := 0
	for _, path := range cmd.Files {
		name := filepath.Base(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		raw, err := nfe.Parse(data)
		if err != nil {
			failed++
			printError(ctx.Stdout, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		res, err := rt.Engine.SubmitInvoice(runCtx, raw, consignment.Source(cmd.Source))
		switch {
		case res.Rejected():
			failed++
			printError(ctx.Stdout, fmt.Sprintf("%s: %v", name, err))
		case err != nil:
			return fmt.Errorf("%s: %w", name, err)
		case res.Duplicate():
			printInfof(ctx.Stdout, "%s: duplicate of %s (%s)", name, res.DocumentKey, res.Note)
		default:
			printSuccess(ctx.Stdout, fmt.Sprintf("%s: applied %s, %d entries", name, res.DocumentKey, len(res.Entries)))
		}
		for _, d := range res.Divergences {
			printInfof(ctx.Stdout, "  %s on %s", d.Kind, d.Key)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files rejected", failed, len(cmd.Files))
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// LotFlags select a lot: --lot=X for one lot, --no-lot for keys without
// one, neither for all lots.
type LotFlags struct {
	Lot   string `help:"Lot number." xor:"lot"`
	NoLot bool   `help:"Only keys without a lot." xor:"lot"`
}

func (f LotFlags) filter() *string {
	if f.NoLot {
		lot := consignment.NoLot
		return &lot
	}
	if f.Lot != "" {
		return &f.Lot
	}
	return nil
}

type BalanceCmd struct {
	Client   string `help:"Client CNPJ/CPF (digits)." arg:"" optional:""`
	Product  string `help:"Product code." arg:"" optional:""`
	LotFlags `embed:""`
}

func (cmd *BalanceCmd) Run(ctx *kong.Context, globals *Globals) error {
	runCtx := context.Background()
	rt, _, err := globals.open(runCtx, ctx.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	balances, err := rt.Engine.QueryBalances(runCtx, consignment.BalanceFilter{
		Client:  cmd.Client,
		Product: cmd.Product,
		Lot:     cmd.filter(),
	})
	if err != nil {
		return err
	}
	if len(balances) == 0 {
		printInfof(ctx.Stdout, "no balances")
		return nil
	}

	rows := make([][]string, len(balances))
	for i, b := range balances {
		rows[i] = []string{
			report.FormatIdentity(b.Key.Client),
			b.Key.Product,
			b.Key.Lot,
			b.Sent.String(),
			b.Returned.String(),
			b.Used.String(),
			b.Quantity.String(),
			strconv.FormatInt(b.LastSequence, 10),
			formatTime(b.LastMovementAt),
			report.StatusLabel(b),
		}
	}
	printTable(ctx.Stdout, []string{"Client", "Product", "Lot", "Sent", "Returned", "Used", "Balance", "Seq", "Last movement", "Status"}, rows)
	return nil
}

type HistoryCmd struct {
	Client  string `help:"Client CNPJ/CPF (digits)." arg:""`
	Product string `help:"Product code." arg:""`
	Lot     string `help:"Lot number; empty for the key without a lot."`
}

func (cmd *HistoryCmd) Run(ctx *kong.Context, globals *Globals) error {
	runCtx := context.Background()
	rt, _, err := globals.open(runCtx, ctx.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	var rows [][]string
	for e, err := range rt.Engine.QueryHistory(runCtx, cmd.Client, cmd.Product, cmd.Lot) {
		if err != nil {
			return err
		}
		mark := ""
		if e.Divergent {
			mark = "!"
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.Sequence, 10),
			formatTime(e.IssuedAt),
			string(e.Kind),
			e.CFOP,
			e.Delta.String(),
			e.BalanceAfter.String(),
			e.DocumentKey,
			mark,
		})
	}
	if len(rows) == 0 {
		printInfof(ctx.Stdout, "no entries for %s", consignment.NewBalanceKey(cmd.Client, cmd.Product, cmd.Lot))
		return nil
	}
	printTable(ctx.Stdout, []string{"Seq", "Issued", "Kind", "CFOP", "Delta", "Balance", "Document", ""}, rows)
	return nil
}

type DivergencesCmd struct {
	Client   string    `help:"Client CNPJ/CPF (digits)."`
	Product  string    `help:"Product code."`
	Document string    `help:"Document key."`
	Kind     []string  `help:"Divergence kinds (negative_balance, orphaned_symbolic_return, duplicate_document, content_mismatch)." sep:","`
	From     time.Time `help:"Detected on or after (YYYY-MM-DD)." format:"2006-01-02"`
	To       time.Time `help:"Detected on or before (YYYY-MM-DD)." format:"2006-01-02"`
	LotFlags `embed:""`
}

func (cmd *DivergencesCmd) Validate() error {
	for _, k := range cmd.Kind {
		if !consignment.DivergenceKind(k).Valid() {
			return fmt.Errorf("unknown divergence kind %q", k)
		}
	}
	return nil
}

func (cmd *DivergencesCmd) Run(ctx *kong.Context, globals *Globals) error {
	runCtx := context.Background()
	rt, _, err := globals.open(runCtx, ctx.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	filter := consignment.DivergenceFilter{
		Client:      cmd.Client,
		Product:     cmd.Product,
		Lot:         cmd.filter(),
		DocumentKey: cmd.Document,
	}
	for _, k := range cmd.Kind {
		filter.Kinds = append(filter.Kinds, consignment.DivergenceKind(k))
	}
	if !cmd.From.IsZero() {
		filter.From = &cmd.From
	}
	if !cmd.To.IsZero() {
		to := cmd.To.Add(24*time.Hour - time.Nanosecond)
		filter.To = &to
	}

	recs, err := rt.Engine.QueryDivergences(runCtx, filter)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		printSuccess(ctx.Stdout, "no divergences")
		return nil
	}

	rows := make([][]string, len(recs))
	for i, d := range recs {
		rows[i] = []string{formatTime(d.DetectedAt), string(d.Kind), d.Key.String(), d.DocumentKey, d.Detail}
	}
	printTable(ctx.Stdout, []string{"Detected", "Kind", "Key", "Document", "Detail"}, rows)
	return nil
}

type SummaryCmd struct{}

func (cmd *SummaryCmd) Run(ctx *kong.Context, globals *Globals) error {
	runCtx := context.Background()
	rt, _, err := globals.open(runCtx, ctx.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := rt.Engine.Summary(runCtx)
	if err != nil {
		return err
	}
	printTable(ctx.Stdout, []string{"Clients", "Products", "Positions", "Open", "Flagged", "Applied invoices"}, [][]string{{
		strconv.Itoa(s.Clients),
		strconv.Itoa(s.Products),
		strconv.Itoa(s.Positions),
		strconv.Itoa(s.OpenPositions),
		strconv.Itoa(s.FlaggedPositions),
		strconv.Itoa(s.AppliedInvoices),
	}})
	return nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

type RebuildCmd struct {
	Client  string `help:"Client CNPJ/CPF (digits)." arg:"" optional:""`
	Product string `help:"Product code." arg:"" optional:""`
	Lot     string `help:"Lot number; empty for the key without a lot."`
	All     bool   `help:"Rebuild every known key."`
}

func (cmd *RebuildCmd) Validate() error {
	if cmd.All == (cmd.Client != "") {
		return errors.New("give either CLIENT PRODUCT or --all")
	}
	if !cmd.All && cmd.Product == "" {
		return errors.New("PRODUCT is required with CLIENT")
	}
	return nil
}

func (cmd *RebuildCmd) Run(ctx *kong.Context, globals *Globals) error {
	runCtx := context.Background()
	rt, _, err := globals.open(runCtx, ctx.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	keys := []consignment.BalanceKey{consignment.NewBalanceKey(cmd.Client, cmd.Product, cmd.Lot)}
	if cmd.All {
		balances, err := rt.Engine.QueryBalances(runCtx, consignment.BalanceFilter{})
		if err != nil {
			return err
		}
		keys = keys[:0]
		for _, b := range balances {
			keys = append(keys, b.Key)
		}
	}

	corrected := 0
	for _, k := range keys {
		b, changed, err := rt.Engine.Rebuild(runCtx, k.Client, k.Product, k.Lot)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		if changed {
			corrected++
			printInfof(ctx.Stdout, "%s corrected to %s", k, b.Quantity)
		}
	}
	printSuccess(ctx.Stdout, fmt.Sprintf("%d keys checked, %d corrected", len(keys), corrected))
	return nil
}

type ExportCmd struct {
	Out     string `help:"Output file; .pdf writes the printable report, anything else a workbook." arg:"" type:"path"`
	Client  string `help:"Client CNPJ/CPF (digits)."`
	Product string `help:"Product code."`
}

func (cmd *ExportCmd) Run(ctx *kong.Context, globals *Globals) error {
	runCtx := context.Background()
	rt, _, err := globals.open(runCtx, ctx.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	balances, err := rt.Engine.QueryBalances(runCtx, consignment.BalanceFilter{Client: cmd.Client, Product: cmd.Product})
	if err != nil {
		return err
	}
	recs, err := rt.Engine.QueryDivergences(runCtx, consignment.DivergenceFilter{Client: cmd.Client, Product: cmd.Product})
	if err != nil {
		return err
	}

	f, err := os.Create(cmd.Out)
	if err != nil {
		return err
	}
	asPDF := strings.EqualFold(filepath.Ext(cmd.Out), ".pdf")
	if asPDF {
		err = report.WritePDF(f, balances, time.Now())
	} else {
		err = report.WriteWorkbook(f, balances, recs)
	}
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if asPDF {
		printSuccess(ctx.Stdout, fmt.Sprintf("wrote %d balances to %s", len(balances), cmd.Out))
		return nil
	}
	printSuccess(ctx.Stdout, fmt.Sprintf("wrote %d balances and %d divergences to %s", len(balances), len(recs), cmd.Out))
	return nil
}

type SyncCmd struct {
	From time.Time `help:"First issue date (YYYY-MM-DD); defaults to three days ago." format:"2006-01-02"`
	To   time.Time `help:"Last issue date (YYYY-MM-DD); defaults to now." format:"2006-01-02"`
}

func (cmd *SyncCmd) Run(ctx *kong.Context, globals *Globals) error {
	runCtx := context.Background()
	rt, cfg, err := globals.open(runCtx, ctx.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	client, err := bootstrap.RegistryClient(cfg)
	if err != nil {
		return err
	}

	to := time.Now()
	if !cmd.To.IsZero() {
		to = cmd.To.Add(24*time.Hour - time.Nanosecond)
	}
	from := to.Add(-72 * time.Hour)
	if !cmd.From.IsZero() {
		from = cmd.From
	}

	rep, err := registry.NewSyncer(client, rt.Engine, cfg.SyncConcurrency, rt.Logger).Run(runCtx, from, to)
	if err != nil {
		return err
	}
	printSuccess(ctx.Stdout, fmt.Sprintf("seen %d: applied %d, duplicate %d, rejected %d, failed %d",
		rep.Seen, rep.Applied, rep.Duplicate, rep.Rejected, rep.Failed))
	for _, e := range rep.Errors {
		printError(ctx.Stdout, e)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
