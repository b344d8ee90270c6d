// rqadmin is the operational CLI: queue stats, retention sweeps,
// dead-letter inspection and the force-clear escape hatch for stuck
// user slots.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/iolaire/vedfolnir-queue/internal/config"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/queue"
	"github.com/iolaire/vedfolnir-queue/internal/redisconn"
	"github.com/iolaire/vedfolnir-queue/internal/security"
	"github.com/iolaire/vedfolnir-queue/internal/store"
	"github.com/iolaire/vedfolnir-queue/internal/usertask"
)

const usage = `usage: rqadmin <command> [flags]

commands:
  stats                          print queue and store counters
  cleanup                        run a retention sweep now
  dead-letter [-limit N]         list dead-lettered jobs
  requeue -job <id>              return a dead-lettered job to its queue
  clear-user -user <id> -job <id>  force-clear a user's active-task slot
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// Admin output goes to stdout; keep the logger quiet on stderr
	cfg.Logging.Console.Color = false

	appLog, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Close()

	conn, err := redisconn.New(cfg.RedisURL, appLog)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer conn.Close()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	taskStore := store.NewGormStore(db)

	gate := security.NewGate(conn.Client, cfg.JobTTL)
	index := usertask.NewIndex(conn.Client, cfg.UserTaskTTL)
	qm := queue.NewManager(cfg, conn.Client, gate, index, taskStore, func() bool { return true }, nil, appLog)
	defer qm.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "stats":
		runStats(ctx, qm)
	case "cleanup":
		runCleanup(ctx, qm)
	case "dead-letter":
		runDeadLetter(ctx, qm, os.Args[2:])
	case "requeue":
		runRequeue(ctx, qm, os.Args[2:])
	case "clear-user":
		runClearUser(ctx, index, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func runStats(ctx context.Context, qm *queue.Manager) {
	stats, err := qm.Stats(ctx)
	if err != nil {
		log.Fatalf("Failed to read stats: %v", err)
	}
	printJSON(stats)
}

func runCleanup(ctx context.Context, qm *queue.Manager) {
	report, err := qm.Cleanup(ctx)
	if err != nil {
		log.Fatalf("Cleanup failed: %v", err)
	}
	fmt.Printf("removed %d finished, %d failed\n", report.FinishedRemoved, report.FailedRemoved)
}

func runDeadLetter(ctx context.Context, qm *queue.Manager, args []string) {
	fs := flag.NewFlagSet("dead-letter", flag.ExitOnError)
	limit := fs.Int("limit", 50, "maximum entries to list")
	fs.Parse(args)

	jobs, err := qm.DeadLetter(ctx, *limit)
	if err != nil {
		log.Fatalf("Failed to list dead-letter queue: %v", err)
	}
	if len(jobs) == 0 {
		fmt.Println("dead-letter queue is empty")
		return
	}
	printJSON(jobs)
}

func runRequeue(ctx context.Context, qm *queue.Manager, args []string) {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	jobID := fs.String("job", "", "dead-lettered job id")
	fs.Parse(args)
	if *jobID == "" {
		log.Fatal("requeue requires -job")
	}

	if err := qm.RequeueDead(ctx, *jobID); err != nil {
		log.Fatalf("Requeue failed: %v", err)
	}
	fmt.Printf("job %s returned to its queue\n", *jobID)
}

func runClearUser(ctx context.Context, index *usertask.Index, args []string) {
	fs := flag.NewFlagSet("clear-user", flag.ExitOnError)
	userID := fs.Int64("user", 0, "user id")
	jobID := fs.String("job", "", "job id expected to hold the slot")
	fs.Parse(args)
	if *userID <= 0 || *jobID == "" {
		log.Fatal("clear-user requires -user and -job")
	}

	cleared, err := index.ForceClear(ctx, *userID, *jobID)
	if err != nil {
		log.Fatalf("Force-clear failed: %v", err)
	}
	if !cleared {
		fmt.Printf("slot for user %d not held by job %s, nothing cleared\n", *userID, *jobID)
		return
	}
	fmt.Printf("cleared active-task slot for user %d\n", *userID)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
	fmt.Println(string(data))
}
