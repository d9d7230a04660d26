package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder"
	"github.com/cloudnap/pod-minder/pkg/podminder/actionlog"
	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/detector"
	"github.com/cloudnap/pod-minder/pkg/podminder/exclusion"
	"github.com/cloudnap/pod-minder/pkg/podminder/executor"
	"github.com/cloudnap/pod-minder/pkg/podminder/provider"
	"github.com/cloudnap/pod-minder/pkg/podminder/server"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
)

// actionLogRetention bounds the audit trail; trimmed once at startup, not
// per cycle.
const actionLogRetention = 90 * 24 * time.Hour

// NewServeCmd creates the serve subcommand, the long-running daemon.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collection loop and HTTP API",
		Long: `Run the podminder daemon: fleet sampling on a fixed cadence, idle
detection, auto-stop, and the HTTP API/dashboard endpoints.

The config file is re-read at every cycle, so threshold and exclusion
edits apply without a restart. SIGINT/SIGTERM let the in-flight cycle
finish before shutdown.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return err
	}
	// Hot reload needs a file that exists at startup; otherwise the loop
	// keeps the boot configuration.
	reloadPath := path
	if _, err := os.Stat(path); err != nil {
		reloadPath = ""
	}

	printBanner()
	klog.InfoS("Starting podminder",
		"version", version,
		"config", path,
		"interval", cfg.Interval(),
		"autoStopEnabled", cfg.AutoStop.Enabled,
		"monitorOnly", cfg.AutoStop.MonitorOnly,
		"storage", cfg.Storage.Path)

	clk := clock.RealClock{}
	st, err := store.Open(cfg.Storage.Path, clk)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer st.Close()

	reg, err := exclusion.New(st, cfg.AutoStop.ExcludeIDs)
	if err != nil {
		return fmt.Errorf("failed to build exclusion registry: %v", err)
	}
	alog, err := actionlog.New(st.DB(), clk)
	if err != nil {
		return fmt.Errorf("failed to open action log: %v", err)
	}
	defer alog.Close()
	if err := alog.TrimBefore(clk.Now().Add(-actionLogRetention)); err != nil {
		klog.ErrorS(err, "Failed to trim action log")
	}

	det := detector.New(st)
	client := provider.NewClient(cfg.Provider)
	exec := executor.New(client, det, alog, clk)

	mon := podminder.NewMonitor(podminder.Options{
		ConfigPath: reloadPath,
		Config:     cfg,
		Store:      st,
		Registry:   reg,
		Detector:   det,
		Executor:   exec,
		Provider:   client,
		Clock:      clk,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var httpServer *http.Server
	if cfg.Server.Enabled {
		srv := server.New(server.Options{
			Monitor:  mon,
			Store:    st,
			Detector: det,
			Registry: reg,
			Actions:  alog,
			Control:  client,
			Clock:    clk,
		})
		httpServer = &http.Server{Addr: cfg.Server.ListenAddr, Handler: srv.Handler()}
		go func() {
			klog.InfoS("HTTP server listening", "addr", cfg.Server.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.ErrorS(err, "HTTP server failed")
				stop()
			}
		}()
	}

	mon.Run(ctx)

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "HTTP server shutdown failed")
		}
	}
	klog.InfoS("Shutdown complete")
	return nil
}
