package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/dStensland/LostCity-sub000/internal/config"
	"github.com/dStensland/LostCity-sub000/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	dir := flag.String("dir", "", "migrations directory (overrides migrations.dir)")
	list := flag.Bool("list", false, "list managed tables and pending migrations, then exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}
	if *dir != "" {
		cfg.Migrations.Dir = *dir
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	m := postgres.NewMigrator(db, os.DirFS(cfg.Migrations.Dir),
		cfg.Migrations.TrackingTable, cfg.Migrations.ManagedTables)

	if *list {
		tables, err := m.Tables(ctx)
		if err != nil {
			log.Fatalf("Failed to list tables: %v", err)
		}
		for _, t := range tables {
			fmt.Println(" ", t)
		}
		fmt.Printf("Tables: %d of %d present\n", len(tables), len(cfg.Migrations.ManagedTables))

		pending, err := m.Pending(ctx)
		if err != nil {
			log.Fatalf("Failed to read migrations: %v", err)
		}
		for _, p := range pending {
			fmt.Println("  pending", p.Version)
		}
		fmt.Printf("Pending: %d\n", len(pending))
		return
	}

	log.Printf("Applying migrations from %s", cfg.Migrations.Dir)
	applied, err := m.Up(ctx)
	for _, v := range applied {
		log.Printf("  %s OK", v)
	}
	if err != nil {
		log.Fatalf("Migration failed after %d applied: %v", len(applied), err)
	}
	log.Printf("Migrations complete: %d applied", len(applied))
}
