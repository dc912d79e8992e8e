package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

var cli struct {
	Globals

	Parse     ParseCmd     `cmd:"" help:"Parse a statement and print its accounts and facts."`
	Normalize NormalizeCmd `cmd:"" help:"Parse, normalize and validate a statement."`
	Merge     MergeCmd     `cmd:"" help:"Resolve statements covering the same periods into one record per period."`
	Ingest    IngestCmd    `cmd:"" help:"Ingest statements from local paths or gs:// URIs."`
	Watch     WatchCmd     `cmd:"" help:"Ingest statements dropped into a directory."`
	Upload    UploadCmd    `cmd:"" help:"Upload a statement to Cloud Storage."`
	Migrate   MigrateCmd   `cmd:"" help:"Apply BigQuery schema migrations."`
	List      ListCmd      `cmd:"" help:"List records in the SQLite store."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("ingest"),
		kong.Description("Financial statement ingestion: parse, normalize, validate and store."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cli.Globals, os.Stdout)
	kctx.FatalIfErrorf(err)

	err = kctx.Run(a)
	if err != nil {
		a.log.Error().Err(err).Str("command", kctx.Command()).Msg("Command failed")
	}
	kctx.FatalIfErrorf(err)
}
