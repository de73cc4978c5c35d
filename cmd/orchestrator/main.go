// Command orchestrator runs and administers a TDD pipeline task pool.
// Subcommands: init, run, status, circuits (health|reset), retry.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tdd-orchestrator/core/orchestrator"
	"github.com/tdd-orchestrator/core/orchestrator/breaker"
	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/model"
	"github.com/tdd-orchestrator/core/orchestrator/model/anthropic"
	"github.com/tdd-orchestrator/core/orchestrator/model/google"
	"github.com/tdd-orchestrator/core/orchestrator/model/openai"
	"github.com/tdd-orchestrator/core/orchestrator/store"
	"github.com/tdd-orchestrator/core/orchestrator/verifier"
)

// Exit codes: 0 success, 1 operator/usage error, 2 run-time failure.
const (
	exitOK       = 0
	exitUsage    = 1
	exitRunError = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "init":
		return cmdInit(args[1:])
	case "run":
		return cmdRun(args[1:])
	case "status":
		return cmdStatus(args[1:])
	case "circuits":
		return cmdCircuits(args[1:])
	case "retry":
		return cmdRetry(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: orchestrator <command> [flags]

commands:
  init                 create a fresh SQLite database at -db, optionally
                       seeded with a YAML backlog via -tasks
  run                  run the worker pool until interrupted, optionally
                       with -config for a YAML override file and
                       -tracing for OpenTelemetry spans
  status               print task and worker status as JSON
  circuits health      print aggregate circuit health
  circuits reset       reset one circuit breaker
  retry                move a blocked task back to pending`)
}

func openStore(dbPath string) (store.Store, error) {
	return store.NewSQLiteStore(dbPath)
}

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dbPath := fs.String("db", "orchestrator.db", "path to the SQLite database to create")
	tasksPath := fs.String("tasks", "", "optional YAML task backlog to seed the database with")
	fs.Parse(args)

	st, err := openStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return exitRunError
	}
	defer st.Close()

	if *tasksPath != "" {
		n, err := seedTasks(st, *tasksPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			return exitRunError
		}
		fmt.Printf("initialized %s, seeded %d tasks from %s\n", *dbPath, n, *tasksPath)
		return exitOK
	}

	fmt.Printf("initialized %s\n", *dbPath)
	return exitOK
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dbPath := fs.String("db", "orchestrator.db", "path to the SQLite database")
	provider := fs.String("provider", "anthropic", "LLM provider: anthropic, openai, google, mock")
	apiKey := fs.String("api-key", os.Getenv("ORCHESTRATOR_API_KEY"), "provider API key")
	workers := fs.Int("workers", 2, "number of concurrent workers")
	maxInvocations := fs.Int("max-invocations", 100, "invocation budget for this run")
	verifyTimeout := fs.Duration("verify-timeout", 60*time.Second, "per-attempt verification command timeout")
	verifyDir := fs.String("verify-dir", ".", "working directory for the verification command")
	jsonLogs := fs.Bool("json-logs", false, "emit events as JSON lines instead of text")
	resume := fs.Bool("resume", false, "rewrite orphaned in-progress tasks back to pending before starting")
	tracing := fs.Bool("tracing", false, "also emit OpenTelemetry spans for every orchestrator event")
	configPath := fs.String("config", "", "optional YAML file overriding pool and breaker defaults")
	fs.Parse(args)

	st, err := openStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitRunError
	}
	defer st.Close()

	llm, err := buildChatModel(*provider, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitUsage
	}

	emitter, shutdownTracing := buildEmitter(*jsonLogs, *tracing)
	defer shutdownTracing()
	metrics := orchestrator.NewMetrics(prometheus.DefaultRegisterer)

	opts := []orchestrator.Option{
		orchestrator.WithMaxWorkers(*workers),
		orchestrator.WithMaxInvocations(*maxInvocations),
	}
	if *configPath != "" {
		fileOpt, err := orchestrator.LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			return exitUsage
		}
		// -workers/-max-invocations always take final precedence over
		// the file, so the file-derived option is applied first.
		opts = append([]orchestrator.Option{fileOpt}, opts...)
	}
	cfg := orchestrator.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "run: invalid configuration: %v\n", err)
		return exitUsage
	}

	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	collab := orchestrator.Collaborators{
		LLM:      llm,
		Verifier: verifier.New(*verifyDir, *verifyTimeout),
	}
	pool := orchestrator.NewPool(st, emitter, metrics, cfg, runID, collab)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *resume {
		if err := pool.Resume(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "run: resume: %v\n", err)
			return exitRunError
		}
	}

	if err := pool.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitRunError
	}
	return exitOK
}

func buildChatModel(provider, apiKey string) (model.ChatModel, error) {
	switch provider {
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("-api-key (or ORCHESTRATOR_API_KEY) is required for provider %q", provider)
		}
		return anthropic.NewChatModel(apiKey), nil
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("-api-key (or ORCHESTRATOR_API_KEY) is required for provider %q", provider)
		}
		return openai.NewChatModel(apiKey), nil
	case "google":
		if apiKey == "" {
			return nil, fmt.Errorf("-api-key (or ORCHESTRATOR_API_KEY) is required for provider %q", provider)
		}
		return google.NewChatModel(apiKey), nil
	case "mock":
		return &model.MockChatModel{Responses: []model.Response{{Text: "ok"}}}, nil
	default:
		return nil, fmt.Errorf("unrecognized provider %q", provider)
	}
}

// buildEmitter wires a LogEmitter, and when tracing is requested, fans
// events out to an OTelEmitter backed by a fresh SDK tracer provider too.
// The returned shutdown func flushes and stops that provider; it is a
// no-op when tracing was not requested.
func buildEmitter(jsonLogs, tracing bool) (emit.Emitter, func()) {
	logEmitter := emit.NewLogEmitter(os.Stdout, jsonLogs)
	if !tracing {
		return logEmitter, func() {}
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	otelEmitter := emit.NewOTelEmitter(tp.Tracer("orchestrator"))

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}
	return emit.NewMultiEmitter(logEmitter, otelEmitter), shutdown
}

func newAdmin(dbPath string) (*orchestrator.Admin, store.Store, error) {
	st, err := openStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	emitter := emit.NewNullEmitter()
	cfg := orchestrator.DefaultConfig()
	claims := orchestrator.NewClaimEngine(st, emitter, nil, cfg.ClaimTimeout)

	breakers := breaker.New(st, emitter,
		breaker.WithStageConfig(cfg.Stage),
		breaker.WithWorkerConfig(cfg.Worker),
		breaker.WithSystemConfig(cfg.System),
		breaker.WithFlapConfig(breaker.FlapConfig{Threshold: cfg.FlapThreshold, Window: cfg.FlapWindow}),
	)
	admin := orchestrator.NewAdmin(st, breakers, claims)
	return admin, st, nil
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dbPath := fs.String("db", "orchestrator.db", "path to the SQLite database")
	fs.Parse(args)

	admin, st, err := newAdmin(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitRunError
	}
	defer st.Close()

	ctx := context.Background()
	tasks, err := admin.ListTasks(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitRunError
	}
	workers, err := admin.ListWorkers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitRunError
	}

	out := struct {
		Tasks   []orchestrator.Task   `json:"tasks"`
		Workers []orchestrator.Worker `json:"workers"`
	}{Tasks: tasks, Workers: workers}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitRunError
	}
	return exitOK
}

func cmdCircuits(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "circuits: expected a subcommand: health, reset")
		return exitUsage
	}

	switch args[0] {
	case "health":
		return cmdCircuitsHealth(args[1:])
	case "reset":
		return cmdCircuitsReset(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "circuits: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func cmdCircuitsHealth(args []string) int {
	fs := flag.NewFlagSet("circuits health", flag.ExitOnError)
	dbPath := fs.String("db", "orchestrator.db", "path to the SQLite database")
	fs.Parse(args)

	admin, st, err := newAdmin(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "circuits health: %v\n", err)
		return exitRunError
	}
	defer st.Close()

	health, err := admin.Health(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "circuits health: %v\n", err)
		return exitRunError
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(health); err != nil {
		fmt.Fprintf(os.Stderr, "circuits health: %v\n", err)
		return exitRunError
	}
	return exitOK
}

func cmdCircuitsReset(args []string) int {
	fs := flag.NewFlagSet("circuits reset", flag.ExitOnError)
	dbPath := fs.String("db", "orchestrator.db", "path to the SQLite database")
	level := fs.String("level", "", "breaker level: stage, worker, system")
	identifier := fs.String("id", "", "breaker identifier")
	fs.Parse(args)

	if *level == "" || *identifier == "" {
		fmt.Fprintln(os.Stderr, "circuits reset: -level and -id are required")
		return exitUsage
	}

	admin, st, err := newAdmin(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "circuits reset: %v\n", err)
		return exitRunError
	}
	defer st.Close()

	state, err := admin.ResetCircuit(context.Background(), orchestrator.BreakerLevel(*level), *identifier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "circuits reset: %v\n", err)
		return exitRunError
	}

	fmt.Printf("circuit %s/%s reset to %s\n", *level, *identifier, state)
	return exitOK
}

func cmdRetry(args []string) int {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	dbPath := fs.String("db", "orchestrator.db", "path to the SQLite database")
	taskKey := fs.String("task", "", "task key to retry")
	fs.Parse(args)

	if *taskKey == "" {
		fmt.Fprintln(os.Stderr, "retry: -task is required")
		return exitUsage
	}

	admin, st, err := newAdmin(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		return exitRunError
	}
	defer st.Close()

	task, err := admin.RetryTask(context.Background(), *taskKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		return exitRunError
	}

	fmt.Printf("task %s reset to %s\n", task.Key, task.Status)
	return exitOK
}
