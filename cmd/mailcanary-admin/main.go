// Command mailcanary-admin provides operational maintenance commands for the
// render-test queue: migrations, queue inspection, and one-shot cleanup sweeps.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/mailcanary/mailcanary/config"
	redisadapter "github.com/mailcanary/mailcanary/internal/adapters/redis"
	"github.com/mailcanary/mailcanary/internal/bootstrap"
	"github.com/mailcanary/mailcanary/internal/data"
	"github.com/mailcanary/mailcanary/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"queue-stats": {
			name:        "queue-stats",
			description: "Print render job counts per status",
			run:         runQueueStats,
		},
		"show-job": {
			name:        "show-job",
			description: "Print a render job and its result as JSON",
			run:         runShowJob,
		},
		"reap-once": {
			name:        "reap-once",
			description: "Run a single cleanup sweep (requeue expired leases, fail stale jobs, purge old rows)",
			run:         runReapOnce,
		},
		"clear-progress": {
			name:        "clear-progress",
			description: "Delete the Redis progress entry for a job",
			run:         runClearProgress,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: mailcanary-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}

	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, name := range names {
		if err := writef(w, "  %s\t%s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func connectDB(ctx *commandContext) (*sql.DB, error) {
	return bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig:    ctx.Config.Postgres,
		RedisConfig: ctx.Config.Redis,
		Logger:      ctx.Logger,
	})
}

func closeDB(ctx *commandContext, db *sql.DB) {
	if err := db.Close(); err != nil {
		ctx.Logger.Error("close database failed", "error", err)
	}
}

func runMigrate(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	runCtx, cancel := context.WithTimeout(ctx.Ctx, *timeout)
	defer cancel()

	return bootstrap.RunMigrations(runCtx, db, ctx.Logger)
}

func runQueueStats(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("queue-stats", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "emit stats as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: ctx.Logger})
	stats, err := repo.Stats(ctx.Ctx)
	if err != nil {
		return fmt.Errorf("load queue stats: %w", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		count int
	}{
		{"pending", stats.Pending},
		{"queued", stats.Queued},
		{"processing", stats.Processing},
		{"capturing", stats.Capturing},
		{"analyzing", stats.Analyzing},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
		{"cancelled", stats.Cancelled},
	}
	for _, row := range rows {
		if werr := writef(w, "%s\t%d\n", row.label, row.count); werr != nil {
			return werr
		}
	}
	if werr := writef(w, "backlog\t%d\n", stats.Backlog()); werr != nil {
		return werr
	}
	return w.Flush()
}

func runShowJob(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("show-job", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: show-job <job-id>")
	}
	jobID := fs.Arg(0)

	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: ctx.Logger})
	job, err := repo.GetByID(ctx.Ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	out := map[string]any{"job": job}

	results := data.NewResultRepo(db)
	result, err := results.GetByJobID(ctx.Ctx, jobID)
	switch {
	case err == nil:
		out["result"] = result
	case errors.Is(err, data.ErrResultNotFound):
		// No result yet; job is still in flight or never completed.
	default:
		return fmt.Errorf("load result for %s: %w", jobID, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runReapOnce(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("reap-once", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report configuration without touching rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := ctx.Config.Reaper
	cfg.Sanitize()

	if *dryRun {
		ctx.Logger.Info("reap-once dry run",
			"queued_max_age", cfg.QueuedMaxAge,
			"completed_max_age", cfg.CompletedMaxAge,
			"failed_max_age", cfg.FailedMaxAge,
			"cancelled_max_age", cfg.CancelledMaxAge,
			"results_max_age", cfg.ResultsMaxAge,
			"batch_size", cfg.BatchSize)
		return nil
	}

	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: ctx.Logger})
	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:   repo,
		Config: cfg,
		Logger: ctx.Logger,
	})
	if err != nil {
		return fmt.Errorf("build reaper service: %w", err)
	}

	if err := reaper.RunOnce(ctx.Ctx); err != nil {
		return fmt.Errorf("cleanup sweep: %w", err)
	}

	ctx.Logger.Info("cleanup sweep complete")
	return nil
}

func runClearProgress(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("clear-progress", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: clear-progress <job-id>")
	}
	jobID := fs.Arg(0)

	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		DBConfig:    ctx.Config.Postgres,
		RedisConfig: ctx.Config.Redis,
		Logger:      ctx.Logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			ctx.Logger.Error("close redis failed", "error", cerr)
		}
	}()

	store := redisadapter.NewProgressStore(client, ctx.Config.Progress)
	if err := store.Clear(ctx.Ctx, jobID); err != nil {
		return fmt.Errorf("clear progress for %s: %w", jobID, err)
	}

	ctx.Logger.Info("progress cleared", "job_id", jobID)
	return nil
}
