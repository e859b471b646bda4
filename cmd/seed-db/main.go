package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/oolio-kart-loyalty/internal/app"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		accounts    string
		balance     int64
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&accounts, "accounts", "demo", "comma-separated account IDs to create")
	flag.Int64Var(&balance, "balance", 500, "opening wallet balance of each account")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if balance < 0 {
		slog.Error("balance must not be negative")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, splitIDs(accounts), balance); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func splitIDs(s string) []string {
	var ids []string
	for id := range strings.SplitSeq(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func run(ctx context.Context, databaseURL string, ids []string, balance int64) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCoupons(ctx, postgres.NewCouponCatalog(pool)); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if err := seedAccounts(ctx, postgres.NewLedger(pool), ids, balance); err != nil {
		return errors.Wrap(err, "seed accounts")
	}

	return nil
}

func seedCoupons(ctx context.Context, catalog *postgres.CouponCatalog) error {
	slog.Info("seeding coupon catalog")

	for _, rule := range app.DemoCoupons() {
		if err := catalog.Upsert(ctx, rule); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", rule.Code)
		}

		slog.Info("upserted coupon",
			slog.String("code", rule.Code),
			slog.Bool("singleton", rule.Singleton),
			slog.String("description", rule.Description),
		)
	}

	return nil
}

// seedAccounts creates missing accounts. Existing accounts keep their
// balances so the tool can be re-run safely.
func seedAccounts(ctx context.Context, ledger *postgres.Ledger, ids []string, balance int64) error {
	slog.Info("seeding accounts", slog.Int("count", len(ids)))

	now := time.Now().UTC()
	for _, id := range ids {
		acc, err := app.OpeningAccount(id, balance, now)
		if err != nil {
			return err
		}

		err = ledger.CreateAccount(ctx, acc)
		switch {
		case errors.Is(err, account.ErrAlreadyExists):
			slog.Info("account exists, skipping", slog.String("id", id))
		case err != nil:
			return errors.Wrapf(err, "create account %s", id)
		default:
			slog.Info("created account", slog.String("id", id), slog.Int64("balance", balance))
		}
	}

	return nil
}
