package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/opme/consignment-engine/cli"
)

var (
	// Version is set via ldflags when building.
	Version = ""

	// CommitSHA is set via ldflags when building.
	CommitSHA = ""

	app struct {
		Version kong.VersionFlag `help:"Show version information"`
		cli.CLI
	}
)

func main() {
	ctx := kong.Parse(&app,
		kong.Vars{
			"version": buildVersion(),
		},
		kong.Name("consignctl"),
		kong.Description("Operator tool for the consignment balance ledger."),
		kong.UsageOnError(),
		kong.Bind(&app.Globals),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func buildVersion() string {
	if Version == "" {
		Version = "dev"
	}
	if CommitSHA == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, CommitSHA)
}
