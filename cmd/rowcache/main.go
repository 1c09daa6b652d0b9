// Package main implements the rowcache binary.
// It serves the entity API, or with --entity runs one query against a single
// entity's table and prints the rows as JSON lines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"github.com/arkilian/rowcache/internal/app"
	"github.com/arkilian/rowcache/internal/config"
	"github.com/arkilian/rowcache/internal/schema"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		defsDir     string
		cacheDir    string
		httpAddr    string
		grpcAddr    string
		entity      string
		query       string
		preload     bool
		debug       bool
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", "", "Dotenv file loaded before ROWCACHE_* variables are read (default: .env when present)")
	flag.StringVar(&defsDir, "defs", "", "Directory of entity definition files")
	flag.StringVar(&cacheDir, "cache-dir", "", "Cache directory (must exist to enable on-disk caching)")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address (enables gRPC)")
	flag.StringVar(&entity, "entity", "", "Query one entity and exit instead of serving")
	flag.StringVar(&query, "sql", "", "SELECT statement to run with --entity (default: every row)")
	flag.BoolVar(&preload, "preload", false, "Boot every entity at startup")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "rowcache - entity tables materialized into SQLite cache files\n\n")
		fmt.Fprintf(os.Stderr, "Usage: rowcache [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rowcache --defs ./entities --cache-dir ./storage/framework/cache\n")
		fmt.Fprintf(os.Stderr, "  rowcache --defs ./entities --entity Country --sql \"SELECT code FROM country\"\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ROWCACHE_DEFINITIONS_DIR  Directory of entity definitions\n")
		fmt.Fprintf(os.Stderr, "  ROWCACHE_CACHE_PATH       Cache directory\n")
		fmt.Fprintf(os.Stderr, "  ROWCACHE_API_URL          Base URL of the remote API\n")
		fmt.Fprintf(os.Stderr, "  ROWCACHE_API_TOKEN        Bearer token for the remote API\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("rowcache version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if defsDir != "" {
		cfg.DefinitionsDir = defsDir
	}
	if cacheDir != "" {
		cfg.Cache.Path = cacheDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
		cfg.GRPC.Enabled = true
	}
	cfg.Preload = cfg.Preload || preload
	cfg.Debug = cfg.Debug || debug

	application, err := app.New(cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if entity != "" {
		err := runQuery(application, entity, query)
		if serr := application.Stop(context.Background()); serr != nil {
			log.Printf("Shutdown error: %v", serr)
		}
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		return
	}

	log.Printf("rowcache %s: definitions %s, cache %s", version, cfg.DefinitionsDir, cfg.Cache.Path)
	if err := application.Run(context.Background()); err != nil {
		log.Printf("Server error: %v", err)
		os.Exit(1)
	}
}

// loadConfig reads the optional config file and applies ROWCACHE_* variables.
// Variables already set in the environment win over the dotenv file.
func loadConfig(path, envFile string) (*config.Config, error) {
	switch {
	case envFile != "":
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	default:
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(); err != nil {
				return nil, fmt.Errorf("failed to load .env: %w", err)
			}
		}
	}

	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runQuery(a *app.App, name, query string) error {
	ctx := context.Background()
	m := a.Manager()
	e, ok := m.Entity(name)
	if !ok {
		return fmt.Errorf("unknown entity %q", name)
	}
	if query == "" {
		query = "SELECT * FROM " + schema.QuoteIdent(e.TableName())
	}

	rows, err := m.Select(ctx, e, query)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	if boot, ok := m.Boot(name); ok {
		log.Printf("%s: %d rows (%s, %s)", name, len(rows), boot.Action, boot.Database)
	}
	return nil
}
