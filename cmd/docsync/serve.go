package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/docsync/internal/api"
	"github.com/kalambet/docsync/internal/candidate"
	"github.com/kalambet/docsync/internal/config"
	"github.com/kalambet/docsync/internal/mapping"
	"github.com/kalambet/docsync/internal/pipeline"
	"github.com/kalambet/docsync/internal/reason"
	"github.com/kalambet/docsync/internal/remote"
	"github.com/kalambet/docsync/internal/staleness"
	"github.com/kalambet/docsync/internal/storage"
	"github.com/kalambet/docsync/internal/syncer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docsync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also expose the read-only MCP tools over stdio")
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "docsync version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	remoteClient := remote.New(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.RetryMax)

	var table *mapping.Table
	if cfg.Knowledge.MappingCSV != "" {
		table, err = mapping.Load(cfg.Knowledge.MappingCSV, cfg.Knowledge.SourceDir)
		if err != nil {
			return fmt.Errorf("loading lesson mapping: %w", err)
		}
		log.Info("lesson mapping loaded", "path", cfg.Knowledge.MappingCSV, "rows", len(table.Rows))
	}

	builder := candidate.NewBuilder(store, cfg.Sync.Libraries, table, cfg.Knowledge.DocMaxChars)
	reasoner := reason.NewClient(
		cfg.Reasoner.BaseURL,
		cfg.Reasoner.APIKey,
		cfg.Reasoner.Model,
		cfg.Reasoner.Temperature,
		time.Duration(cfg.Reasoner.TimeoutSeconds)*time.Second,
	)

	engine := syncer.New(store, remoteClient, cfg, log)
	pipe := pipeline.New(store, builder, reasoner, remoteClient,
		cfg.Reasoner.ConfidenceThreshold, cfg.Reasoner.BatchLimit, log)
	checker := staleness.New(store, remoteClient, cfg.Sync.Workers)

	handler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Engine:    engine,
		Pipeline:  pipe,
		Checker:   checker,
		Libraries: cfg.Sync.Libraries,
		Token:     cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Checker:   checker,
			Libraries: cfg.Sync.Libraries,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("MCP stdio server error", "error", err)
			}
		}()
		log.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docsync listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
