// Command coupon-ingest loads single-use promo codes from gzip-compressed
// code dumps into the coupon catalog.
//
// A code is accepted when it appears in at least -min-files of the input
// files. Each file is scanned twice: pass 1 builds one bloom filter per file,
// pass 2 keeps only codes that some other file's filter also reports.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"

	"github.com/go-faster/errors"

	"github.com/xenking/oolio-kart-loyalty/internal/storage/postgres"
)

func main() {
	var (
		dataDir     string
		pattern     string
		databaseURL string
		dryRun      bool
		batchSize   int
		ing         = defaultIngester()
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing the code dumps")
	flag.StringVar(&pattern, "pattern", "couponbase*.gz", "glob selecting dump files inside -data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&dryRun, "dry-run", false, "report accepted codes without writing them")
	flag.IntVar(&batchSize, "batch-size", 1000, "coupons per upsert batch")
	flag.IntVar(&ing.minFiles, "min-files", ing.minFiles, "files a code must appear in to be accepted")
	flag.UintVar(&ing.capacity, "bloom-capacity", ing.capacity, "expected codes per file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, ing, filepath.Join(dataDir, pattern), databaseURL, batchSize, dryRun); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, ing ingester, glob, databaseURL string, batchSize int, dryRun bool) error {
	paths, err := filepath.Glob(glob)
	if err != nil {
		return errors.Wrapf(err, "glob %s", glob)
	}
	if len(paths) == 0 {
		return errors.Errorf("no files match %s", glob)
	}
	slices.Sort(paths)

	sources := make([]source, len(paths))
	for i, p := range paths {
		sources[i] = fileSource(p)
	}

	codes, err := ing.accepted(ctx, sources)
	if err != nil {
		return err
	}

	slog.Info("accepted codes", slog.Int("count", len(codes)))

	if len(codes) == 0 || dryRun {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return writeCoupons(ctx, postgres.NewCouponCatalog(pool), codes, batchSize)
}
