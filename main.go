package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/pkg/shield"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Boomchakalala/prooflocker-sub000/internal/api"
	"github.com/Boomchakalala/prooflocker-sub000/internal/auth"
	"github.com/Boomchakalala/prooflocker-sub000/internal/config"
	"github.com/Boomchakalala/prooflocker-sub000/internal/db"
	"github.com/Boomchakalala/prooflocker-sub000/internal/mcp"
	"github.com/Boomchakalala/prooflocker-sub000/internal/observe"
	"github.com/Boomchakalala/prooflocker-sub000/internal/reliability"
	"github.com/Boomchakalala/prooflocker-sub000/internal/scoring"
	"github.com/Boomchakalala/prooflocker-sub000/pkg/audit"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "mcp":
		cmdMCP(os.Args[2:])
	case "reliability":
		cmdReliability(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "version":
		fmt.Printf("prooflocker %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`prooflocker: prediction reputation and scoring engine

Usage:
  prooflocker serve [--config config.toml] [--addr :8080]
  prooflocker mcp [--config config.toml]
  prooflocker reliability --correct N --resolved N [--a N --b N --c N --d N]
  prooflocker token --user ID [--handle NAME] [--config config.toml]
  prooflocker version
  prooflocker help

Commands:
  serve        Start the HTTP API
  mcp          Serve the scoring tools over MCP stdio
  reliability  Compute a reliability score from raw counters
  token        Issue a signed user token
  version      Print version
  help         Show this help`)
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

// engine is the wired scoring stack shared by the serve and mcp commands.
type engine struct {
	agg     *scoring.Aggregator
	merger  *scoring.Merger
	board   scoring.Leaderboard
	audit   audit.Logger
	sink    *observe.Sink
	healthy func(context.Context) error
	close   func()
}

func openEngine(cfg *config.Config, log *slog.Logger) (*engine, error) {
	var (
		sink    *observe.Sink
		ledger  scoring.Ledger
		board   scoring.Leaderboard
		auditor audit.Logger
		healthy = func(context.Context) error { return nil }
		closers []func() error
	)

	// The sink opens first so it closes last and catches the ledger's final
	// traced statements.
	if cfg.Observe.Enabled {
		s, err := observe.Open(cfg.Observe.Path, cfg.Database.Trace)
		if err != nil {
			return nil, err
		}
		sink = s
		closers = append(closers, s.Close)
	}
	fail := func(err error) (*engine, error) {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	switch cfg.Database.Driver {
	case "memory":
		mem := scoring.NewMemoryLedger()
		ledger, board = mem, mem
		if cfg.Audit.Enabled {
			auditor = audit.NewSlogLogger(log.With("component", "audit"))
		}
	case "sqlite":
		database, err := db.Open(cfg.Database.Path, cfg.Database.Trace)
		if err != nil {
			return fail(fmt.Errorf("opening database: %w", err))
		}
		closers = append([]func() error{database.Close}, closers...)
		scores := db.NewScoreLedger(database)
		ledger, board = scores, scores
		healthy = database.Healthy
		if cfg.Audit.Enabled {
			al := audit.NewSQLiteLogger(database.DB)
			if err := al.Init(); err != nil {
				return fail(fmt.Errorf("audit init: %w", err))
			}
			auditor = al
			// Flush the audit batch before the database closes.
			closers = append([]func() error{al.Close}, closers...)
		}
	default:
		return fail(fmt.Errorf("unknown database driver %q", cfg.Database.Driver))
	}

	rules := cfg.Rules()
	agg, err := scoring.NewAggregator(ledger, rules, scoring.WithLogger(log))
	if err != nil {
		return fail(err)
	}
	merger, err := scoring.NewMerger(ledger, rules, scoring.WithLogger(log))
	if err != nil {
		return fail(err)
	}

	return &engine{
		agg:     agg,
		merger:  merger,
		board:   board,
		audit:   auditor,
		sink:    sink,
		healthy: healthy,
		close: func() {
			for _, c := range closers {
				if err := c(); err != nil {
					log.Warn("close", "error", err)
				}
			}
		},
	}, nil
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	addr := fs.String("addr", "", "listen address (overrides config)")
	fs.Parse(args)

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(log, "loading config", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	log = log.With("instance", cfg.Instance.ID)
	// The sqlite-trace driver logs through the default logger.
	slog.SetDefault(log)

	eng, err := openEngine(cfg, log)
	if err != nil {
		fatal(log, "starting engine", err)
	}
	defer eng.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []api.Option{
		api.WithLeaderboard(eng.board),
		api.WithHealthCheck(eng.healthy),
		api.WithRateLimit(cfg.Server.RateLimitPerMin),
		api.WithLogger(log),
	}
	if eng.audit != nil {
		opts = append(opts, api.WithAuditLogger(eng.audit))
	}
	a := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiryMin)
	apiHandler := api.New(eng.agg, eng.merger, a, opts...)

	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)

	// RequestMetrics sits directly on the mux so it sees the matched pattern.
	var handler http.Handler = mux
	if eng.sink != nil {
		handler = api.RequestMetrics(eng.sink, handler)
		eng.sink.StartHeartbeat(ctx, "prooflocker-"+cfg.Instance.ID, time.Duration(cfg.Observe.HeartbeatSec)*time.Second)
	}
	handler = shield.HeadToGet(shield.TraceID(api.SecurityHeaders(api.RequestLogger(log, handler))))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}()

	log.Info("prooflocker listening",
		"version", version,
		"addr", cfg.Server.Addr,
		"driver", cfg.Database.Driver,
		"audit", cfg.Audit.Enabled,
		"observability", cfg.Observe.Enabled,
		"trace", cfg.Database.Trace,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(log, "server error", err)
	}
	log.Info("prooflocker stopped")
}

func cmdMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	// stdout carries the protocol.
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(log, "loading config", err)
	}
	slog.SetDefault(log)
	eng, err := openEngine(cfg, log)
	if err != nil {
		fatal(log, "starting engine", err)
	}
	defer eng.close()

	srv := mcp.NewServer("prooflocker", version, mcp.Deps{
		Aggregator:  eng.agg,
		Merger:      eng.merger,
		Leaderboard: eng.board,
		Audit:       eng.audit,
	})
	if err := server.ServeStdio(srv); err != nil {
		log.Error("mcp stdio", "error", err)
	}
}

func cmdReliability(args []string) {
	fs := flag.NewFlagSet("reliability", flag.ExitOnError)
	var s reliability.Stats
	fs.IntVar(&s.Correct, "correct", 0, "correct resolves")
	fs.IntVar(&s.Resolved, "resolved", 0, "total resolves")
	fs.IntVar(&s.GradeA, "a", 0, "strong evidence resolves")
	fs.IntVar(&s.GradeB, "b", 0, "solid evidence resolves")
	fs.IntVar(&s.GradeC, "c", 0, "basic evidence resolves")
	fs.IntVar(&s.GradeD, "d", 0, "unverified evidence resolves")
	fs.Parse(args)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(reliability.Calculate(s))
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	userID := fs.String("user", "", "user ID to sign")
	handle := fs.String("handle", "", "display handle")
	fs.Parse(args)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *userID == "" {
		fatal(log, "token", errors.New("--user is required"))
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(log, "loading config", err)
	}
	tok, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiryMin).GenerateToken(*userID, *handle)
	if err != nil {
		fatal(log, "signing token", err)
	}
	fmt.Println(tok)
}
