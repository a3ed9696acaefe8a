package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opencall/core/catalog"
	"github.com/opencall/core/pkg/dispatcher"
	"github.com/opencall/core/pkg/instancestore"
	"github.com/opencall/core/pkg/lifecycle"
	"github.com/opencall/core/pkg/opregistry"
	"github.com/opencall/core/pkg/pollhandler"
	"github.com/opencall/core/pkg/ratelimit"
	"github.com/opencall/core/pkg/resultstore"
	"github.com/opencall/core/pkg/serverconfig"
	"github.com/opencall/core/pkg/telemetry"
	"github.com/opencall/core/pkg/tokenstore"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorGreen  = "\033[32m"
	ColorCyan   = "\033[36m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sopencalld%s\n", ColorBold+ColorCyan, ColorReset)
	fmt.Fprintln(w, "  opencalld <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, "server", ColorReset, "Run the call surface (default)")
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, "health", ColorReset, "Check server health (HTTP)")
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, "help", ColorReset, "Show this help")
	fmt.Fprintln(w, "")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

// buildHandler wires the call surface, self-description, and poll/chunk
// routes behind the global rate limiter. Split out from runServer so the
// routing itself can be exercised without binding a socket.
func buildHandler(reg *opregistry.Registry, disp *dispatcher.Dispatcher, poll *pollhandler.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/call", disp.Handle())
	mux.HandleFunc("/.well-known/ops", func(w http.ResponseWriter, r *http.Request) {
		body, etag, ok := reg.DescribeIfNoneMatch(r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		if !ok {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/ops/", func(w http.ResponseWriter, r *http.Request) {
		id, isChunks := pollhandler.RequestIDFromPath(r.URL.Path)
		if isChunks {
			poll.ServeChunks(w, r, id)
			return
		}
		poll.ServePoll(w, r, id)
	})

	globalLimiter := dispatcher.NewGlobalRateLimiter(50, 100)
	return globalLimiter.Middleware(mux)
}

func runServer() {
	ctx := context.Background()
	logger := slog.Default()

	cfg, err := serverconfig.Load()
	if err != nil {
		log.Fatalf("opencalld: load config: %v", err)
	}

	var (
		tokens  tokenstore.Store
		instDB  *sql.DB
		instSt  instancestore.Store
		limiter ratelimit.PollLimiter
	)

	if cfg.DatabaseURL == "" {
		fmt.Fprintf(os.Stdout, "%sDATABASE_URL not set, running in Lite Mode (SQLite).%s\n", ColorBold+ColorCyan, ColorReset)
		if err := os.MkdirAll("data", 0750); err != nil {
			log.Fatalf("opencalld: create data dir: %v", err)
		}
		instDB, err = sql.Open("sqlite", "data/opencall.db")
		if err != nil {
			log.Fatalf("opencalld: open sqlite: %v", err)
		}
		sqlitePlaceholder := func(n int) string { return "?" }
		if _, err := instDB.ExecContext(ctx, instancestore.Schema); err != nil {
			log.Fatalf("opencalld: init instance schema: %v", err)
		}
		if _, err := instDB.ExecContext(ctx, tokenstore.Schema); err != nil {
			log.Fatalf("opencalld: init token schema: %v", err)
		}
		instSt = instancestore.NewSQLStore(instDB, sqlitePlaceholder)
		tokens = tokenstore.NewSQLStore(instDB, sqlitePlaceholder)
	} else {
		instDB, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("opencalld: open postgres: %v", err)
		}
		if err := instDB.PingContext(ctx); err != nil {
			log.Fatalf("opencalld: ping postgres: %v", err)
		}
		pgPlaceholder := func(n int) string { return fmt.Sprintf("$%d", n) }
		if _, err := instDB.ExecContext(ctx, instancestore.Schema); err != nil {
			log.Fatalf("opencalld: init instance schema: %v", err)
		}
		if _, err := instDB.ExecContext(ctx, tokenstore.Schema); err != nil {
			log.Fatalf("opencalld: init token schema: %v", err)
		}
		instSt = instancestore.NewSQLStore(instDB, pgPlaceholder)
		tokens = tokenstore.NewSQLStore(instDB, pgPlaceholder)
		log.Println("[opencalld] postgres: connected")
	}

	switch {
	case cfg.RedisURL != "":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("opencalld: parse REDIS_URL: %v", err)
		}
		redisClient := redis.NewClient(opt)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("opencalld: ping redis: %v", err)
		}
		log.Println("[opencalld] redis: connected, using distributed poll limiter")
		limiter = ratelimit.NewRedisLimiter(redisClient)
	default:
		limiter = ratelimit.NewSQLLimiter(instSt)
	}

	var results resultstore.Store
	switch cfg.ResultBackend {
	case "s3":
		results, err = resultstore.NewS3Store(ctx, resultstore.S3Config{Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint})
		if err != nil {
			log.Printf("opencalld: s3 result store init failed (falling back to inline): %v", err)
			results = nil
		}
	case "gcs":
		results, err = resultstore.NewGCSStore(ctx, resultstore.GCSConfig{Bucket: cfg.GCSBucket})
		if err != nil {
			log.Printf("opencalld: gcs result store init failed (falling back to inline): %v", err)
			results = nil
		}
	}

	telCfg := telemetry.DefaultConfig()
	telCfg.Enabled = cfg.TelemetryEnabled
	telCfg.OTLPEndpoint = cfg.TelemetryEndpoint
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		log.Fatalf("opencalld: init telemetry: %v", err)
	}
	defer func() { _ = tel.Shutdown(ctx) }()

	reg := opregistry.New()
	cat := catalog.New()
	if err := catalog.Register(reg, cat); err != nil {
		log.Fatalf("opencalld: register catalog operations: %v", err)
	}
	if err := reg.Freeze(cfg.CallVersion); err != nil {
		log.Fatalf("opencalld: freeze registry: %v", err)
	}
	log.Println("[opencalld] registry: frozen")

	lc := lifecycle.New(instSt)
	disp := dispatcher.New(reg, tokens, lc, results, tel)
	poll := pollhandler.New(instSt, limiter, results, tel)

	handler := buildHandler(reg, disp, poll)

	logger.InfoContext(ctx, "opencalld starting", "port", cfg.Port, "callVersion", cfg.CallVersion)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		log.Printf("[opencalld] health server: :8081")
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			log.Printf("[opencalld] health server error: %v", err)
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	go func() {
		log.Printf("[opencalld] ready: http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("opencalld: serve: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[opencalld] shutting down")
	_ = srv.Shutdown(ctx)
}
