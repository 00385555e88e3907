// Package cli implements consignctl, the operator command line. Commands
// open the same store the server uses (see internal/bootstrap), so they
// must not run against a sqlite file the server holds open in another
// process with a local lock.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/opme/consignment-engine/config"
	"github.com/opme/consignment-engine/internal/bootstrap"
)

var (
	successSymbol = "✓"
	errorSymbol   = "✗"
	infoSymbol    = "→"

	successStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#00D787", Dark: "#00D787"})
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#FF5F87", Dark: "#FF5F87"})
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5FAFFF", Dark: "#5FAFFF"})
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// Globals are flags shared by every command.
type Globals struct {
	SQLite   string `name:"sqlite" help:"SQLite database path (overrides SQLITE_PATH; ignored when DATABASE_URL is set)." placeholder:"PATH"`
	LogLevel string `help:"Log level." default:"warn" enum:"debug,info,warn,error"`
}

// CLI is the root command.
type CLI struct {
	Globals

	Submit      SubmitCmd      `cmd:"" help:"Parse NF-e XML files and submit them."`
	Balance     BalanceCmd     `cmd:"" help:"List balances."`
	History     HistoryCmd     `cmd:"" help:"Show the ledger entries of one balance key."`
	Divergences DivergencesCmd `cmd:"" help:"List divergence records."`
	Rebuild     RebuildCmd     `cmd:"" help:"Replay history over balance projections."`
	Summary     SummaryCmd     `cmd:"" help:"Show position counts."`
	Export      ExportCmd      `cmd:"" help:"Write the balances workbook (XLSX)."`
	Sync        SyncCmd        `cmd:"" help:"Pull issued invoices from the registry once."`
}

func (g *Globals) config() config.Config {
	cfg := config.Load()
	if g.SQLite != "" {
		cfg.SQLitePath = g.SQLite
	}
	cfg.LogLevel = g.LogLevel
	cfg.LogFormat = "text"
	return cfg
}

// open returns a runtime logging to stderr.
func (g *Globals) open(ctx context.Context, stderr io.Writer) (*bootstrap.Runtime, config.Config, error) {
	cfg := g.config()
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	rt, err := bootstrap.Open(ctx, cfg, logger)
	return rt, cfg, err
}

func printSuccess(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "%s %s\n", successStyle.Render(successSymbol), message)
}

func printError(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "%s %s\n", errorStyle.Render(errorSymbol), errorStyle.Render(message))
}

func printInfof(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, "%s %s\n", infoStyle.Render(infoSymbol), fmt.Sprintf(format, args...))
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	_, _ = fmt.Fprintln(w, t.Render())
}
