package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iolaire/vedfolnir-queue/internal/caption"
	"github.com/iolaire/vedfolnir-queue/internal/config"
	"github.com/iolaire/vedfolnir-queue/internal/events"
	"github.com/iolaire/vedfolnir-queue/internal/fallback"
	"github.com/iolaire/vedfolnir-queue/internal/governor"
	"github.com/iolaire/vedfolnir-queue/internal/health"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/progress"
	"github.com/iolaire/vedfolnir-queue/internal/queue"
	"github.com/iolaire/vedfolnir-queue/internal/redisconn"
	"github.com/iolaire/vedfolnir-queue/internal/security"
	"github.com/iolaire/vedfolnir-queue/internal/store"
	"github.com/iolaire/vedfolnir-queue/internal/usertask"
	"github.com/iolaire/vedfolnir-queue/internal/worker"
)

// shutdownTimeout bounds graceful shutdown; workers past it are
// abandoned mid-job and their jobs recovered from the processing list
const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Close()
	logger.SetDefault(appLog)

	appLog.Info("Queue worker starting",
		"worker_mode", cfg.WorkerMode,
		"worker_count", cfg.WorkerCount,
		"queue_prefix", cfg.QueuePrefix)

	// pprof on a separate port for profiling
	if pprofPort := os.Getenv("PPROF_PORT"); pprofPort != "" {
		go func() {
			appLog.Info("pprof listening", "addr", "localhost:"+pprofPort)
			if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
				appLog.Warn("pprof server failed", "error", err)
			}
		}()
	}

	conn, err := redisconn.New(cfg.RedisURL, appLog)
	if err != nil {
		appLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		appLog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	taskStore := store.NewGormStore(db)
	sessions := store.NewGormSessions(db)

	gate := security.NewGate(conn.Client, cfg.JobTTL)
	index := usertask.NewIndex(conn.Client, cfg.UserTaskTTL)

	monitor := health.NewMonitor(
		health.NewRedisProber(conn),
		cfg.HealthCheckInterval,
		cfg.MemoryThreshold,
		cfg.FailureThreshold,
		appLog,
	)

	bus := events.NewBus()
	defer bus.Close()

	qm := queue.NewManager(cfg, conn.Client, gate, index, taskStore, monitor.Healthy, bus, appLog)
	qm.UseSessions(sessions)
	defer qm.Stop()

	tracker := progress.NewTracker(
		conn.Client,
		taskStore,
		progress.NewRedisPublisher(conn.Client),
		cfg.ProgressTTL,
		cfg.TerminalProgressTTL,
		appLog,
	)

	gov := governor.New(cfg, qm, qm, appLog)
	if err := gov.Start(); err != nil {
		appLog.Error("Failed to start resource governor", "error", err)
		os.Exit(1)
	}
	defer gov.Stop()

	fm := fallback.NewManager(cfg, monitor, conn, qm, qm, bus, nil, appLog)
	fm.Start()
	defer fm.Stop()

	monitor.StartMonitoring()
	defer monitor.StopMonitoring()

	// The simulator stands in for the platform caption backend;
	// deployments wire their own Adapter here
	processor := caption.NewProcessor(caption.NewSimulator(200*time.Millisecond), tracker, appLog)

	deps := worker.Deps{
		Queue:          qm,
		Processor:      processor,
		Progress:       tracker,
		Store:          taskStore,
		Sessions:       sessions,
		Index:          index,
		Client:         conn.Client,
		HeartbeatTTL:   cfg.WorkerHeartbeatTTL,
		MemoryExceeded: gov.MemoryExceeded,
		MemoryMB:       gov.MemoryMB,
		Log:            appLog,
	}

	wm := worker.NewManager(cfg, deps, worker.NewExecLauncher(cfg.RedisURL), appLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := wm.Start(ctx); err != nil {
		appLog.Error("Failed to start workers", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	appLog.Info("Shutdown signal received", "signal", sig.String())

	if failed := wm.StopWorkers(true, shutdownTimeout); failed > 0 {
		appLog.Error("Shutdown incomplete, workers abandoned mid-job", "count", failed)
		os.Exit(1)
	}
	appLog.Info("Queue worker shut down")
}
