package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"conveyor/internal/breaker"
	"conveyor/internal/bus"
	"conveyor/internal/cache"
	"conveyor/internal/daemon"
	"conveyor/internal/executor"
	"conveyor/internal/ipc"
	"conveyor/internal/logging"
	"conveyor/internal/phase"
	"conveyor/internal/provider"
	"conveyor/internal/queue"
	"conveyor/internal/retry"
	"conveyor/internal/state"
	"conveyor/internal/workflow"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the conveyor daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonProcess(cmd.Context(), ctx)
		},
	}
}

func runDaemonProcess(cmdCtx context.Context, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "conveyor.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	runs, err := state.Open(cfg)
	if err != nil {
		store.Close()
		logger.Error("open state store", logging.Error(err))
		return err
	}

	registry, err := provider.RegistryFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}
	graph, err := phase.NewGraph(phase.DefinitionsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("build phase graph: %w", err)
	}

	cacheLayer := cache.New(cfg.Cache, logger)
	breakers := breaker.NewManager(cfg)
	events := bus.New(256)
	exec := executor.New(registry, cacheLayer, breakers, retry.FromConfig(cfg), logger)
	manager := workflow.NewManager(cfg, store, runs, graph, exec, events, logger)

	d, err := daemon.New(cfg, store, runs, manager, breakers, cacheLayer, events, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()
	d.SetShutdown(cancel)

	ipcServer, err := ipc.NewServer(signalCtx, ctx.socketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		return err
	}

	<-signalCtx.Done()
	logger.Info("conveyor daemon shutting down")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
