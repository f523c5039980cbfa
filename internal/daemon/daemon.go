package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/creditgate/internal/config"
	"github.com/allaspectsdev/creditgate/internal/embed"
	"github.com/allaspectsdev/creditgate/internal/governor"
	"github.com/allaspectsdev/creditgate/internal/metrics"
	"github.com/allaspectsdev/creditgate/internal/pricing"
	"github.com/allaspectsdev/creditgate/internal/reqlog"
	"github.com/allaspectsdev/creditgate/internal/reserve"
	"github.com/allaspectsdev/creditgate/internal/semcache"
	"github.com/allaspectsdev/creditgate/internal/store"
	"github.com/allaspectsdev/creditgate/internal/tokencount"
	"github.com/allaspectsdev/creditgate/internal/vault"
	"github.com/allaspectsdev/creditgate/internal/version"
)

// Run is the main daemon orchestrator. It initialises all subsystems,
// starts the admin API server, and blocks until a shutdown signal is
// received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	zerolog.SetGlobalLevel(logLevel)

	writers := []io.Writer{}

	// Always log to file.
	logPath := filepath.Join(dataDir, "creditgate.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	// If foreground, also write to stdout with console formatting.
	if foreground {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		writers = append(writers, consoleWriter)
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "creditgate").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("creditgate starting")

	// 2. Check if already running.
	if ClearStale(dataDir) {
		log.Warn().Msg("removed stale PID file from a previous run")
	}
	if IsRunning(dataDir) {
		return fmt.Errorf("creditgate is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	// 3. Open store.
	dbPath := filepath.Join(dataDir, "creditgate.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	log.Info().Str("db_path", dbPath).Msg("store opened")

	// 4. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 5. Build the pricing engine: defaults overlaid with the config table.
	prices := pricing.NewEngineWithDefaults()
	applyConfiguredPrices(prices, cfg.Pricing)

	// 6. Token estimation.
	estimator := tokencount.NewEstimator(cfg.Tokenizer.CharsPerToken)
	var precise *tokencount.Precise
	if cfg.Tokenizer.PreciseEnabled {
		precise = tokencount.NewPrecise()
	}

	// 7. Embedding client behind the vault-resolved API key.
	var embedder semcache.Embedder
	if cfg.Cache.Enabled {
		apiKey := ""
		if cfg.Embedding.KeyRef != "" {
			key, keyErr := vault.New().ResolveKeyRef(cfg.Embedding.KeyRef)
			if keyErr != nil {
				log.Warn().Err(keyErr).Msg("failed to resolve embedding API key; semantic matching degraded to exact-only")
			} else {
				apiKey = key
			}
		}
		client := embed.NewClient(cfg.Embedding.APIBase, apiKey, cfg.Embedding.Model, cfg.Embedding.TimeoutDuration())
		cached, cacheErr := embed.NewCached(client, cfg.Embedding.CacheSize)
		if cacheErr != nil {
			return fmt.Errorf("creating embedding cache: %w", cacheErr)
		}
		embedder = cached
	}

	// 8. Semantic cache.
	cache := semcache.NewEngine(semcache.Config{
		SimilarityThreshold:    cfg.Cache.SimilarityThreshold,
		DefaultTTL:             cfg.Cache.TTL(),
		ModelTTL:               cfg.Cache.ModelTTLs(),
		MaxEntriesPerNamespace: cfg.Cache.MaxEntriesPerNamespace,
		ValidateResponses:      cfg.Cache.ValidateResponses,
		MinResponseLength:      cfg.Cache.MinResponseLength,
	}, embedder)

	// 9. Async request logger backed by the store.
	reqLogger := reqlog.New(st, reqlog.Options{
		BufferSize:    cfg.Logging.BufferSize,
		BatchSize:     cfg.Logging.BatchSize,
		FlushInterval: time.Duration(cfg.Logging.FlushIntervalMs) * time.Millisecond,
		FlushTimeout:  time.Duration(cfg.Logging.FlushTimeoutMs) * time.Millisecond,
		MaxRetries:    cfg.Logging.MaxRetries,
		RetryBase:     time.Duration(cfg.Logging.RetryBaseMs) * time.Millisecond,
	})

	// 10. Reservations, collector, governor. A disabled cache stays out of
	// the request path but is still constructed so the admin API has
	// something to report on and flush.
	reservations := reserve.NewStore()
	collector := metrics.NewCollector()
	govCache := cache
	if !cfg.Cache.Enabled {
		govCache = nil
	}
	gov := governor.New(estimator, precise, prices, reservations, govCache, reqLogger, collector)

	// 11. Start config watcher.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}

	var watcher *config.Watcher
	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			watcher = w
			defer watcher.Close()
			watcher.OnChange(func(old, newCfg *config.Config) {
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
				applyConfiguredPrices(prices, newCfg.Pricing)
				log.Info().Msg("configuration reloaded")
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 12. Start the governance and admin API servers.
	gateServer := governor.NewServer(gov, cfg.Server.GateAddr())
	admin := metrics.NewAdminServer(collector, cache, reqLogger, prices, reservations, st, cfg.Server.AdminAddr())

	errCh := make(chan error, 2)
	go func() {
		if err := gateServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := admin.Start(); err != nil {
			errCh <- err
		}
	}()

	log.Info().
		Int("gate_port", cfg.Server.GatePort).
		Int("admin_port", cfg.Server.AdminPort).
		Bool("cache_enabled", cfg.Cache.Enabled).
		Msg("creditgate is ready")

	if foreground {
		fmt.Printf("\n  creditgate is running!\n")
		fmt.Printf("  Governance API: http://%s\n", cfg.Server.GateAddr())
		fmt.Printf("  Admin API:      http://%s\n\n", cfg.Server.AdminAddr())
	}

	// 13. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 14. Graceful shutdown with 30-second timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")

	if err := gateServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("governance server shutdown error")
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown error")
	}

	// Drain buffered log records before the store closes underneath them.
	reqLogger.Close()

	st.Close()
	if err := RemovePID(dataDir); err != nil {
		log.Error().Err(err).Msg("failed to remove PID file during shutdown")
	}

	log.Info().Msg("creditgate stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	if ClearStale(dataDir) {
		return fmt.Errorf("creditgate is not running (stale PID file removed)")
	}

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("creditgate does not appear to be running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to creditgate (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("creditgate is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("creditgate is running (PID %d)\n", pid)

	// Try to fetch stats from the admin API.
	statsURL := fmt.Sprintf("http://%s/api/stats", cfg.Server.AdminAddr())
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(statsURL)
	if err != nil {
		fmt.Println("  (admin API unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var combined struct {
		Requests metrics.Stats `json:"requests"`
	}
	if err := json.Unmarshal(body, &combined); err != nil {
		return nil
	}
	stats := combined.Requests

	fmt.Printf("\n  Uptime:         %s\n", stats.Uptime)
	fmt.Printf("  Total Requests: %d\n", stats.TotalRequests)
	fmt.Printf("  Tokens In:      %d\n", stats.TokensIn)
	fmt.Printf("  Tokens Out:     %d\n", stats.TokensOut)
	fmt.Printf("  Tokens Saved:   %d\n", stats.TokensSaved)
	fmt.Printf("  Cost:           $%.4f\n", stats.CostUSD)
	fmt.Printf("  Savings:        $%.4f (%.1f%%)\n", stats.SavingsUSD, stats.SavingsPercent)
	fmt.Printf("  Cache Hit Rate: %.1f%% (%d hits / %d misses)\n", stats.CacheHitRate, stats.CacheHits, stats.CacheMisses)
	fmt.Printf("  Active:         %d\n", stats.ActiveRequests)

	return nil
}

// applyConfiguredPrices overlays the config pricing table onto the engine.
// Keys are "provider/model" pairs or bare model names for provider-agnostic
// fallbacks.
func applyConfiguredPrices(engine *pricing.Engine, table map[string]config.PriceConfig) {
	for key, pc := range table {
		provider, model := "", key
		if idx := strings.Index(key, "/"); idx > 0 {
			provider, model = key[:idx], key[idx+1:]
		}
		engine.Update(pricing.Price{
			Provider:         provider,
			Model:            model,
			InputPerMillion:  pc.InputPerMillion,
			OutputPerMillion: pc.OutputPerMillion,
			Free:             pc.Free,
		})
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
