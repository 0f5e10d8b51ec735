package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sourcesync/internal/api"
	"github.com/kalambet/sourcesync/internal/blob"
	"github.com/kalambet/sourcesync/internal/config"
	"github.com/kalambet/sourcesync/internal/document"
	"github.com/kalambet/sourcesync/internal/engine"
	"github.com/kalambet/sourcesync/internal/extract"
	"github.com/kalambet/sourcesync/internal/fetch"
	"github.com/kalambet/sourcesync/internal/ingest"
	"github.com/kalambet/sourcesync/internal/operation"
	"github.com/kalambet/sourcesync/internal/queue"
	"github.com/kalambet/sourcesync/internal/retrieval"
	"github.com/kalambet/sourcesync/internal/scheduler"
	"github.com/kalambet/sourcesync/internal/sitemap"
	"github.com/kalambet/sourcesync/internal/storage"
	"github.com/kalambet/sourcesync/internal/syncer"
	"github.com/kalambet/sourcesync/internal/vectorsync"
	"github.com/kalambet/sourcesync/internal/youtube"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sourcesync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sourcesync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sourcesync system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sourcesync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// services holds the wired components of a running server.
type services struct {
	store     *storage.Store
	syncer    *syncer.Service
	worker    *ingest.Worker
	scheduler *scheduler.Scheduler
	retriever *retrieval.Retriever
}

// buildServices wires storage, fetching, crawling, indexing and scheduling
// from cfg.
func buildServices(cfg config.Config, eng engine.Engine, logger *slog.Logger) (*services, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	blobs, err := blob.NewStore(cfg.BlobDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	vectors := retrieval.NewSQLiteStore(store.DB())
	tracker := operation.NewTracker(store, logger)
	fetcher := fetch.New(fetch.Config{
		Timeout:   cfg.Ingest.FetchTimeout,
		MaxBytes:  int64(cfg.Ingest.MaxFetchBytes),
		UserAgent: cfg.Ingest.UserAgent,
	})
	q := queue.NewSQLiteQueue(store, cfg.Ingest.JobVisibility, cfg.Ingest.MaxAttempts)
	extractor := extract.New()
	processor := document.NewProcessor(embedder, vectors, store, document.Config{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
	}, logger)
	pruner := vectorsync.NewPruner(vectors, store, logger)
	finalizer := ingest.NewFinalizer(tracker, store, pruner, logger)

	svc := syncer.New(syncer.Deps{
		Sources:   store,
		Tracker:   tracker,
		Fetcher:   fetcher,
		Extractor: extractor,
		Processor: processor,
		YouTube:   youtube.New(fetcher, youtube.Config{}),
		Crawler: sitemap.New(fetcher, q, sitemap.Config{
			Concurrency: cfg.Ingest.CrawlConcurrency,
			Timeout:     cfg.Ingest.CrawlTimeout,
			BatchSize:   cfg.Ingest.BatchSize,
		}, logger),
		Blobs:     blobs,
		Pruner:    pruner,
		Finalizer: finalizer,
	}, logger)

	worker := ingest.NewWorker(ingest.Deps{
		Queue:     q,
		Fetcher:   fetcher,
		Extractor: extractor,
		Processor: processor,
		Tracker:   tracker,
		Sources:   store,
		Finalizer: finalizer,
	}, ingest.Config{Workers: cfg.Ingest.Workers}, logger)

	return &services{
		store:     store,
		syncer:    svc,
		worker:    worker,
		scheduler: scheduler.New(store, svc, scheduler.Config{CheckInterval: cfg.Scheduler.Interval}, logger),
		retriever: retrieval.NewRetriever(embedder, vectors),
	}, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "sourcesync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("sourcesync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("sourcesync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		return fmt.Errorf("detecting embedding engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	svcs, err := buildServices(cfg, eng, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svcs.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Store:    svcs.store,
			Syncer:   svcs.syncer,
			Searcher: svcs.retriever,
			Token:    apiToken,
			Logger:   logger,
		}),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svcs.worker.Run(gctx)
	})

	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			svcs.scheduler.Run(gctx)
			return nil
		})
		slog.Info("scheduler started", "interval", cfg.Scheduler.Interval)
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Syncer:     svcs.syncer,
			Operations: svcs.store,
			Searcher:   svcs.retriever,
			Version:    version,
			Logger:     logger,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "sourcesync listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("sourcesync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop sourcesync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to sourcesync (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	if running {
		if token, err := config.GetAPIToken(); err == nil {
			if sources, err := apiGet(client, serverURL+"/data-sources?limit=100", token); err == nil {
				var list []json.RawMessage
				if json.NewDecoder(sources.Body).Decode(&list) == nil {
					printStatus("Data sources", "%s", countLabel(len(list), 100))
				}
				sources.Body.Close()
			}
		}
	}

	schedule := "disabled"
	if cfg.Scheduler.Enabled {
		schedule = "every " + cfg.Scheduler.Interval.String()
	}
	printStatus("Scheduler", "%s", schedule)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
