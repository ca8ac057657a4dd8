package main

import (
	"fmt"
	"os"

	"github.com/bookhaven/bookhaven/pkg/bookcache"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/covers"
	"github.com/bookhaven/bookhaven/pkg/database"
	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/bookhaven/bookhaven/pkg/locks"
	"github.com/bookhaven/bookhaven/pkg/migrations"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"github.com/urfave/cli/v2"
)

func main() {
	log := logger.New()

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	app := &cli.App{
		Name:  "scan",
		Usage: "reconcile the catalog with the library directory once",
		Description: "Runs one reconciliation under the shared scan lease and waits for it. " +
			"Exits non-zero when another scan holds the lease or the run fails.",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "lock-timeout",
				Usage: "how long the scan lease is held at most",
				Value: cfg.ScanLockTimeout,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the result as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := log.WithContext(c.Context)

			db, err := database.New(cfg)
			if err != nil {
				return errors.Wrap(err, "database error")
			}
			defer db.Close()

			if _, err := migrations.BringUpToDate(ctx, db); err != nil {
				return errors.Wrap(err, "migrations error")
			}

			// The API process holds the book cache open. The catalog generation
			// bumped by the run makes it drop what this run changed.
			reconciler := library.New(cfg, db, covers.NewStore(cfg), bookcache.Noop{})

			result, err := reconciler.ReconcileExclusive(ctx, locks.NewStore(db), c.Duration("lock-timeout"), library.SourceCLI)
			if errors.Is(err, locks.ErrHeld) {
				return cli.Exit("another scan is running", 2)
			}
			if err != nil {
				return errors.Wrap(err, "scan failed")
			}

			if c.Bool("json") {
				return errors.WithStack(json.NewEncoder(os.Stdout).Encode(result))
			}
			fmt.Printf("Added: %d\nMoved: %d\nRemoved: %d\nDuplicates: %d\nFailed: %d\nOrphans swept: %d\n",
				result.Added, result.Moved, result.Removed, result.Duplicates, result.Failed, result.OrphansSwept)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Err(err).Fatal("scan error")
	}
}
