package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"modernwms.org/internal/app"
	"modernwms.org/internal/config"
	"modernwms.org/internal/migrate"
	"modernwms.org/internal/obs"
	"modernwms.org/internal/store/pg"
	"modernwms.org/migrations"
)

const usage = "usage: migrate [up|down|seed|status|bootstrap-admin]"

func main() {
	var (
		dsn      = flag.String("dsn", os.Getenv("WMS_PG_DSN"), "PostgreSQL DSN")
		timeout  = flag.Duration("timeout", 30*time.Second, "overall timeout")
		adminID  = flag.String("admin", "ADMIN", "user id for bootstrap-admin")
		password = flag.String("password", "", "initial password for bootstrap-admin (default $WMS_BOOTSTRAP_PASSWORD)")
	)
	flag.Parse()
	logger := obs.Logger()

	if *dsn == "" {
		fatal(logger, "missing DSN: provide via -dsn or WMS_PG_DSN", nil)
	}
	if flag.NArg() == 0 {
		fatal(logger, usage, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		fatal(logger, "open db", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations.Schema(), migrations.Seeds(), migrate.WithLogger(logger))

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var st migrate.Status
		st, err = mgr.Status(ctx)
		if err == nil {
			fmt.Printf("version %d (dirty=%t)\n", st.Version, st.Dirty)
			for _, name := range st.Seeds {
				fmt.Println("seed", name)
			}
		}
	case "bootstrap-admin":
		err = bootstrapAdmin(ctx, store, *adminID, *password)
	default:
		fatal(logger, usage, fmt.Errorf("unknown command %q", cmd))
	}
	if err != nil {
		cancel()
		fatal(logger, "migrate "+flag.Arg(0), err)
	}
}

// bootstrapAdmin needs the full service configuration so the password is
// hashed with the configured cost and checked against the configured policy.
func bootstrapAdmin(ctx context.Context, store *pg.Store, userID, password string) error {
	if password == "" {
		password = os.Getenv("WMS_BOOTSTRAP_PASSWORD")
	}
	if password == "" {
		return errors.New("missing password: provide via -password or WMS_BOOTSTRAP_PASSWORD")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	services, err := app.NewServices(cfg, store, nil)
	if err != nil {
		return err
	}
	return app.BootstrapAdmin(ctx, services, userID, password)
}

func fatal(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, slog.Any("error", err))
	} else {
		logger.Error(msg)
	}
	os.Exit(1)
}
