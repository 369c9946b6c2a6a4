package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/mattjoyce/cobalt/internal/api"
	"github.com/mattjoyce/cobalt/internal/config"
	"github.com/mattjoyce/cobalt/internal/dispatch"
	"github.com/mattjoyce/cobalt/internal/events"
	"github.com/mattjoyce/cobalt/internal/instance"
	"github.com/mattjoyce/cobalt/internal/lock"
	"github.com/mattjoyce/cobalt/internal/log"
	"github.com/mattjoyce/cobalt/internal/messaging"
	"github.com/mattjoyce/cobalt/internal/queue"
	"github.com/mattjoyce/cobalt/internal/quota"
	"github.com/mattjoyce/cobalt/internal/scheduler"
	"github.com/mattjoyce/cobalt/internal/storage"
	"github.com/mattjoyce/cobalt/internal/vms"
	"github.com/mattjoyce/cobalt/internal/worker"
)

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		return runStart(actionArgs)
	case "status":
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: cobalt system <action> [flags]

Actions:
  start   --config <path>            Run enabled components in foreground
  status  --api <url> --api-key <k>  Show API health
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "cobalt.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Configure(log.Options{
		Level:  cfg.Service.LogLevel,
		Format: cfg.Service.LogFormat,
		Host:   cfg.Service.Host,
	})
	logger := log.WithComponent("main")
	logger.Info("cobalt starting", "version", version, "config", *configPath)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath, cfg.Service.Host)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	instances := instance.NewStore(db)
	q := queue.New(db)
	hub := events.NewHub(256)

	broker := messaging.NewBroker(q, messaging.Options{
		SubmittedBy:  cfg.Service.Host,
		CallTimeout:  cfg.Messaging.CallTimeout,
		PollInterval: cfg.Messaging.PollInterval,
	})
	limits := quota.NewLimits(cfg.Quota, instances)
	disp := dispatch.New(dispatch.Options{
		Topic:          cfg.Messaging.Topic,
		SchedulerTopic: cfg.Messaging.SchedulerTopic,
	}, broker, instances, quota.NewGuard(limits), hub)
	logger.Info("quota limits loaded", "limits", limits.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)

	// Components stop before the database closes.
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(cfg, q, instances, hub, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			return 1
		}
		defer sched.Stop()
	}

	if cfg.Worker.Enabled {
		vmsClient, err := vms.New(vms.Options{
			Version:  cfg.VMS.Version,
			Platform: cfg.VMS.Platform,
		}, vms.NewProcessExecutor(cfg.VMS.Binary, cfg.VMS.Timeout))
		if err != nil {
			logger.Error("failed to configure vmsctl", "error", err)
			return 1
		}
		w := worker.New(worker.Options{
			Host:         cfg.Service.Host,
			Topic:        cfg.Messaging.Topic,
			Path:         cfg.VMS.Path,
			PollInterval: cfg.Messaging.PollInterval,
		}, q, instances, vmsClient, hub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("worker: %w", err)
			}
		}()
		logger.Info("host worker enabled", "queue", w.Queue(), "vms_version", vmsClient.Version())
	}

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.APIKey,
			SchedulerTopic: cfg.Messaging.SchedulerTopic,
		}, disp, instances, q, hub, log.WithComponent("api"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		return 0
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		return 1
	}
}

// getPIDLockPath is keyed by host so every host's process can share one state
// database while a second process for the same host is refused.
func getPIDLockPath(cfg *config.Config) string {
	host := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(cfg.Service.Host)
	return filepath.Join(filepath.Dir(cfg.State.Path), "cobalt-"+host+".lock")
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	conn := addAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	health, err := conn.client().Health(context.Background())
	if err != nil {
		printFail(os.Stderr, "API unreachable: %v", err)
		return 1
	}
	printOK(os.Stdout, "status %s", health.Status)
	fmt.Printf("uptime_seconds: %d\n", health.UptimeSeconds)
	fmt.Printf("scheduler_queue_depth: %d\n", health.SchedulerDepth)
	return 0
}
