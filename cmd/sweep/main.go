// Command sweep runs one retention pass and exits non-zero when any storage
// object could not be deleted.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/navi-crwn/pixelhop-sub000/internal/bootstrap"
	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/log"
	"github.com/navi-crwn/pixelhop-sub000/internal/retention"
	"github.com/navi-crwn/pixelhop-sub000/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to config file (default: search ./config.yaml)")
	dryRun := flags.Bool("dry-run", false, "list expired images without deleting anything")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 2
	}
	logger := log.NewTo(stderr, cfg.Environment, cfg.Logging.Level).With().Str("app", "sweep").Logger()

	store, err := bootstrap.OpenMetastore(ctx, cfg.Metadata, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open metadata store")
		return 1
	}
	defer store.Close()

	objects, err := storage.NewClient(cfg.Storage, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to init storage client")
		return 1
	}

	summary, err := retention.NewSweeper(store, objects, logger).DryRun(*dryRun).Run(ctx)
	report(stdout, summary, *dryRun)
	if err != nil {
		logger.Error().Err(err).Msg("sweep aborted")
		return 1
	}
	if !summary.OK() {
		return 1
	}
	return 0
}

func report(w io.Writer, summary retention.Summary, dryRun bool) {
	for _, o := range summary.Outcomes {
		switch {
		case dryRun:
			fmt.Fprintf(w, "record %s would be deleted\n", o.RecordID)
		case o.RecordDeleted:
			fmt.Fprintf(w, "record %s deleted\n", o.RecordID)
		default:
			fmt.Fprintf(w, "record %s error: %v\n", o.RecordID, o.Err)
		}
		for _, k := range o.Keys {
			switch {
			case dryRun:
				fmt.Fprintf(w, "  key %s\n", k.Key)
			case k.Err != nil:
				fmt.Fprintf(w, "  key %s failed status=%d: %v\n", k.Key, k.StatusCode, k.Err)
			default:
				fmt.Fprintf(w, "  key %s deleted status=%d\n", k.Key, k.StatusCode)
			}
		}
	}
	fmt.Fprintf(w, "checked=%d deleted=%d failed_keys=%d\n", summary.Checked, summary.Deleted, len(summary.FailedKeys))
}
