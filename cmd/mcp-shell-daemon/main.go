package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shellsrv/mcp-shell-server/internal/config"
	"github.com/shellsrv/mcp-shell-server/internal/controlchannel"
	"github.com/shellsrv/mcp-shell-server/internal/events"
	"github.com/shellsrv/mcp-shell-server/internal/execution"
	"github.com/shellsrv/mcp-shell-server/internal/executorhttp"
	"github.com/shellsrv/mcp-shell-server/internal/monitor"
	"github.com/shellsrv/mcp-shell-server/internal/publisher"
	"github.com/shellsrv/mcp-shell-server/internal/replay"
	"github.com/shellsrv/mcp-shell-server/internal/sink"
	"github.com/shellsrv/mcp-shell-server/internal/terminal"
)

var version = "0.1.0"

const (
	sinkSubscriberID   = "sink"
	replaySubscriberID = "replay"
	eventsSubscriberID = "events"

	replayMaxBuffers = 1000
	replayRetention  = 24 * time.Hour
	shutdownGrace    = 5 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mcp-shell-daemon",
		Short: "Per-workspace shell execution daemon",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcp-shell-daemon version %s\n", version)
		},
	})

	var flagSocket, flagCwd, flagBranch string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flagSocket, flagCwd, flagBranch)
		},
	}
	serveCmd.Flags().StringVar(&flagSocket, "socket", "", "control channel socket path (default computed from cwd+branch)")
	serveCmd.Flags().StringVar(&flagCwd, "cwd", "", "workspace directory (default MCP_SHELL_DAEMON_CWD or process cwd)")
	serveCmd.Flags().StringVar(&flagBranch, "branch", "", "branch name (default main)")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(flagSocket, flagCwd, flagBranch string) error {
	cfg, err := config.LoadDaemon()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagCwd != "" {
		cfg.Cwd = flagCwd
	}
	if flagBranch != "" {
		cfg.Branch = flagBranch
	}
	if flagSocket != "" {
		cfg.SocketPath = flagSocket
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = controlchannel.SocketPath(cfg.Cwd, cfg.Branch)
	}

	fabric := publisher.NewFabric()

	registry := sink.NewRegistry()
	fileSink, err := sink.NewFileSink(cfg.OutputDir, registry)
	if err != nil {
		return fmt.Errorf("create file sink: %w", err)
	}
	fabric.Subscribe(sinkSubscriberID, fileSink)

	replayStore := replay.NewStore(replayMaxBuffers, replayRetention)
	fabric.Subscribe(replaySubscriberID, replayStore.Subscriber())
	replayStore.StartSweeper()

	bus, err := events.NewBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect events bus: %w", err)
	}
	fabric.Subscribe(eventsSubscriberID, bus)

	supervisor := execution.NewSupervisor(fabric, cfg.Cwd)
	supervisor.AutoAttach(sinkSubscriberID, replaySubscriberID, eventsSubscriberID)

	termMgr := terminal.NewManager()
	monitorMgr := monitor.NewManager()

	httpAddr := fmt.Sprintf("%s:%d", cfg.ExecutorHost, cfg.ExecutorPort)
	httpSrv := executorhttp.New(httpAddr, supervisor, fabric, termMgr, monitorMgr, version)

	var ccSrv *controlchannel.Server
	shutdownOnce := make(chan struct{})
	onStop := func() {
		close(shutdownOnce)
	}
	ccSrv = controlchannel.New(cfg.SocketPath, version, func() controlchannel.Stats {
		return controlchannel.Stats{
			ActiveExecutions: supervisor.ActiveCount(),
			ActiveTerminals:  len(termMgr.List()),
			ActiveMonitors:   len(monitorMgr.List()),
			OutputDir:        cfg.OutputDir,
		}
	}, onStop)

	if err := ccSrv.Listen(); err != nil {
		return fmt.Errorf("listen control channel: %w", err)
	}

	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			httpErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("mcp-shell-daemon listening: http=%s socket=%s\n", httpAddr, cfg.SocketPath)

	select {
	case <-sigCh:
		fmt.Println("received signal, shutting down")
	case <-shutdownOnce:
		fmt.Println("stop requested over control channel, shutting down")
	case err := <-httpErrCh:
		fmt.Fprintf(os.Stderr, "executor http error: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	termMgr.CloseAll()
	monitorMgr.StopSystemSampler()
	replayStore.Stop()
	bus.Close()
	httpSrv.Shutdown(ctx)
	ccSrv.Shutdown(ctx)

	return nil
}
