package main

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"skill-sync/internal/config"
	"skill-sync/internal/handlers"
	httpapi "skill-sync/internal/http"
	"skill-sync/internal/logging"
	"skill-sync/internal/repos"
	"skill-sync/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := sql.Open("sqlite", cfg.DatabaseURL)
	if err != nil {
		log.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runMigrations(db, cfg.MigrationsDir); err != nil {
		log.Error("run migrations", "err", err)
		os.Exit(1)
	}

	store := repos.NewStore(db, cfg.TxRetries)
	svc := services.NewSyncService(store, log.With("component", "sync"))
	h := handlers.NewSyncHandler(svc, cfg.QueueLimit)
	r := httpapi.NewRouter(cfg, log.With("component", "http"), h)

	addr := ":" + cfg.Port
	log.Info("skill-sync listening", "addr", addr)
	if err := r.Run(addr); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func runMigrations(db *sql.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		path := filepath.Join(dir, f)
		if err := applySQLFile(db, path); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

func applySQLFile(db *sql.DB, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	var sb strings.Builder
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err = db.Exec(sb.String())
	return err
}
