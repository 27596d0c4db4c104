// Command migrate manages the journal schema outside the bot process.
//
// Usage:
//
//	migrate [--down | --version]
//
// With no flag it applies all pending migrations. --down rolls back the most recent one
// (this drops journal tables) and --version prints the current version and dirty state.
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/xiuxian-bot/db"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Getenv("DB_DSN"), os.Stdout); err != nil {
		slog.Error("migrate failed", slog.String("component", "db_migrate"), slog.Any("err", err))
		cancel()
		os.Exit(1)
	}
}

type options struct {
	down    bool
	version bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&opts.down, "down", false, "roll back the most recent migration")
	fs.BoolVar(&opts.version, "version", false, "print the current migration version")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.down && opts.version {
		return options{}, errors.New("--down and --version are mutually exclusive")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, dsn string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	switch {
	case opts.version:
		version, dirty, err := db.GetMigrationVersion(database)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "version=%d dirty=%t\n", version, dirty)
		return err
	case opts.down:
		slog.Warn("rolling back the most recent migration", slog.String("component", "db_migrate"))
		return db.MigrateDown(database)
	default:
		return db.RunMigrations(database)
	}
}
