// Command autorouterd serves the dispatch engine over HTTP/1.1 and HTTP/2
// (spec §6.1), with graceful shutdown on SIGINT/SIGTERM, a /healthz probe,
// and /metrics for Prometheus scraping. Structure follows the teacher's
// cmd/ferrogw binary: flag/env-driven bootstrap, a chi router, and a
// shutdown goroutine racing the signal context against srv.Shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	autorouter "github.com/g1331/AutoRouter-sub005"
	"github.com/g1331/AutoRouter-sub005/internal/requestlog"
	"github.com/g1331/AutoRouter-sub005/internal/secrets"
	"github.com/g1331/AutoRouter-sub005/internal/version"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("AUTOROUTER_CONFIG"), "path to config.yaml/.json")
		fleetPath   = flag.String("fleet", os.Getenv("AUTOROUTER_FLEET"), "path to the upstream/API-key fleet file (JSON)")
		dbDSN       = flag.String("db-dsn", os.Getenv("AUTOROUTER_DB_DSN"), "request log store DSN (sqlite file path, or postgres connection string with -db-dialect=postgres)")
		dbDialect   = flag.String("db-dialect", envOr("AUTOROUTER_DB_DIALECT", "sqlite"), "request log store dialect: sqlite or postgres")
		corsOrigins = flag.String("cors-origins", os.Getenv("CORS_ORIGINS"), "comma-separated allowed CORS origins; empty allows any")
	)
	flag.Parse()

	cfg := autorouter.Config{ListenAddr: ":8080"}
	if *configPath != "" {
		loaded, err := autorouter.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = *loaded
	}
	if err := autorouter.ValidateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	store, err := openRequestLogStore(*dbDialect, *dbDSN)
	if err != nil {
		log.Fatalf("opening request log store: %v", err)
	}

	engine, err := autorouter.New(cfg, store, store)
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer engine.Close()

	if *fleetPath != "" {
		var box keySealer
		if cfg.EncryptionKey != "" {
			b, err := secrets.NewBox(cfg.EncryptionKey)
			if err != nil {
				log.Fatalf("building credential box: %v", err)
			}
			box = b
		}
		keys, upstreams, err := loadFleet(*fleetPath, box)
		if err != nil {
			log.Fatalf("loading fleet: %v", err)
		}
		engine.LoadAPIKeys(keys)
		if err := engine.LoadUpstreams(upstreams); err != nil {
			log.Fatalf("loading upstreams: %v", err)
		}
		log.Printf("Fleet loaded: %d API key(s), %d upstream(s)", len(keys), len(upstreams))
	} else {
		log.Println("No -fleet configured; starting with no API keys or upstreams registered")
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	engine.RunBackground(bgCtx)

	var origins []string
	if *corsOrigins != "" {
		origins = strings.Split(*corsOrigins, ",")
	}
	r := newRouter(engine, origins)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.DownstreamReadTimeoutMs) * time.Millisecond,
		WriteTimeout: 0, // streaming responses may run far longer than any fixed write deadline
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully…")
		cancelBg()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("autorouterd %s listening on %s", version.Short(), cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("server error: %v", err) //nolint:gocritic
	}
	log.Println("Server stopped.")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openRequestLogStore opens the Store that backs both C12 persistence and
// C5's spend re-aggregation. An empty dsn gets requestlog's own default
// (a local SQLite file), matching the teacher's preference for a working
// zero-config default over a fatal startup error.
func openRequestLogStore(dialect, dsn string) (*requestlog.Store, error) {
	if dialect == "postgres" {
		return requestlog.NewPostgresStore(dsn)
	}
	return requestlog.NewSQLiteStore(dsn)
}
