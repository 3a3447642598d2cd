package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"

	"github.com/kdimtricp/raqa/internal/config"
	"github.com/kdimtricp/raqa/internal/database"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("RAQA_CONFIG"), "Path to YAML config file")
		status     = flag.Bool("status", false, "Show migration status only")
	)
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: "15:04:05"}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("Invalid configuration", err)
	}
	if cfg.Database.Type != database.TypePostgres {
		fmt.Println("SQLite journals are created on open; nothing to migrate.")
		return
	}

	db, err := database.NewDB(cfg.DB())
	if err != nil {
		fatal("Failed to connect to database", err)
	}
	defer db.Close()

	migrator := database.NewMigrator(db.Conn(), cfg.Database.Type)

	if !*status {
		fmt.Println("Running embedded migrations...")
		if err := db.RunMigrations(); err != nil {
			fatal("Failed to run migrations", err)
		}
		fmt.Println("Migrations completed successfully!")
		return
	}

	if err := migrator.Initialize(); err != nil {
		fatal("Failed to initialize migrator", err)
	}
	applied, err := migrator.GetAppliedMigrations()
	if err != nil {
		fatal("Failed to get applied migrations", err)
	}
	migrations, err := migrator.LoadMigrations(database.Migrations)
	if err != nil {
		fatal("Failed to load migrations", err)
	}

	fmt.Println("Migration Status:")
	fmt.Println("=================")
	for _, m := range migrations {
		state := "pending"
		if applied[m.Version] {
			state = "applied"
		}
		fmt.Printf("%s - %s [%s]\n", m.Version, m.Name, state)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
