package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/atlas-sis/atlas-sis/cmd/atlas/cli"
	"github.com/atlas-sis/atlas-sis/internal/app"
	"github.com/atlas-sis/atlas-sis/internal/authz"
	"github.com/atlas-sis/atlas-sis/internal/platform/db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: atlas <command> [args]

commands:
  diagnostics conflicts|orphaned|health
  diagnostics unused <days>
  invalidate user <id> | role <id> | all
  jobs trigger <task> | stats`)
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("missing command")
	}
	flag.Parse()

	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg)

	switch os.Args[1] {
	case "diagnostics":
		return runDiagnostics(ctx, cfg, os.Args[2:])
	case "invalidate":
		return runInvalidate(ctx, cfg, logger, os.Args[2:])
	case "jobs":
		return runJobs(ctx, cfg, os.Args[2:])
	default:
		usage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

func runDiagnostics(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("diagnostics: missing subcommand")
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	diag := cli.NewDiagnosticsCLI(authz.NewDiagnostics(authz.NewRepository(pool)), os.Stdout)
	switch args[0] {
	case "conflicts":
		return diag.Conflicts(ctx)
	case "orphaned":
		return diag.Orphaned(ctx)
	case "health":
		return diag.Health(ctx)
	case "unused":
		days := 90
		if len(args) > 1 {
			if days, err = strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("diagnostics unused: bad days %q", args[1])
			}
		}
		return diag.Unused(ctx, days)
	default:
		return fmt.Errorf("diagnostics: unknown subcommand %q", args[0])
	}
}

func runInvalidate(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("invalidate: missing target")
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = redisClient.Close() }()

	repo := authz.NewRepository(pool)
	permCache := authz.NewPermissionCache(redisClient, repo, cfg.CacheTTL, cfg.SnapshotKeep, logger)

	switch args[0] {
	case "user":
		if len(args) < 2 {
			return fmt.Errorf("invalidate user: missing id")
		}
		userID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalidate user: bad id %q", args[1])
		}
		return permCache.Invalidate(ctx, userID)
	case "role":
		if len(args) < 2 {
			return fmt.Errorf("invalidate role: missing id")
		}
		roleID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalidate role: bad id %q", args[1])
		}
		return permCache.InvalidateForRole(ctx, roleID)
	case "all":
		return permCache.InvalidateAll(ctx)
	default:
		return fmt.Errorf("invalidate: unknown target %q", args[0])
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("jobs: missing subcommand")
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return fmt.Errorf("jobs trigger: missing task name")
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", args[1], info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", args[0])
	}
}
