package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stopguard/internal/config"
	"stopguard/internal/domain"
	"stopguard/internal/engine"
	"stopguard/internal/observability"
	"stopguard/internal/trigger"
)

var (
	runOnce        bool
	runNoStream    bool
	runNoPoll      bool
	runInterval    time.Duration
	runPaper       bool
	runMetricsAddr string
	runMigrate     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Monitor open positions and close them when a threshold is crossed",
	Long: `Run subscribes to the websocket price stream, polls REST prices as a
fallback, and executes reduce-only closes when a stop-loss or take-profit
is crossed. With --once, every open symbol is polled a single time and
any triggered positions are executed before exiting.`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "poll every open symbol once, execute, and exit")
	runCmd.Flags().BoolVar(&runNoStream, "no-stream", false, "disable the websocket price stream")
	runCmd.Flags().BoolVar(&runNoPoll, "no-poll", false, "disable the REST fallback poller")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "poll interval (overrides engine.poll_interval)")
	runCmd.Flags().BoolVar(&runPaper, "paper", false, "simulate orders instead of sending them to Binance")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "HTTP address for /health, /status and /metrics (overrides metrics.addr)")
	runCmd.Flags().BoolVar(&runMigrate, "migrate", false, "apply database migrations before starting")
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg, logger, !runOnce, runMigrate)
	if err != nil {
		return err
	}
	defer a.close()

	src := sources{stream: cfg.Engine.StreamEnabled, poll: cfg.Engine.PollEnabled}
	if runOnce {
		src = sources{poll: true}
	}
	eng, err := a.newEngine(src, true)
	if err != nil {
		return err
	}

	if runOnce {
		return runSinglePass(ctx, eng, logger)
	}

	logger.Printf("worker %s: stream=%t poll=%t exchange=%s",
		eng.WorkerID(), src.stream, src.poll, cfg.Execution.Exchange)

	done := make(chan error, 1)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// A second signal skips waiting for in-flight executions.
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	srv := newHTTPServer(cfg.Metrics.Addr, eng, logger)
	go func() {
		logger.Printf("Starting HTTP server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("HTTP server error: %v", err)
		}
	}()

	err = eng.Run(ctx)
	done <- err
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Printf("HTTP server shutdown: %v", serr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Println("Shutdown complete")
	return nil
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("no-stream") {
		cfg.Engine.StreamEnabled = !runNoStream
	}
	if flags.Changed("no-poll") {
		cfg.Engine.PollEnabled = !runNoPoll
	}
	if flags.Changed("interval") {
		cfg.Engine.PollInterval = runInterval
	}
	if flags.Changed("paper") && runPaper {
		cfg.Execution.Exchange = config.ExchangePaper
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = runMetricsAddr
	}
}

func runSinglePass(ctx context.Context, eng *engine.Engine, logger *log.Logger) error {
	recovered, err := eng.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Printf("re-dispatched %d triggered positions", recovered)
	}
	if _, err := eng.Drain(ctx); err != nil {
		return err
	}

	outcomes, err := eng.RunOnce(ctx)
	claimed := 0
	for _, o := range outcomes {
		if o.Kind == trigger.OutcomeClaimed {
			claimed++
		}
	}
	logger.Printf("single pass: %d outcomes, %d executions", len(outcomes), claimed)
	return err
}

// statusResponse is the JSON body of /status.
type statusResponse struct {
	Status   string                        `json:"status"`
	WorkerID string                        `json:"worker_id"`
	Uptime   string                        `json:"uptime"`
	Breakers []*domain.CircuitBreakerState `json:"breakers"`
}

func newHTTPServer(addr string, eng *engine.Engine, logger *log.Logger) *http.Server {
	started := time.Now()
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		breakers, err := eng.Breakers(r.Context())
		if err != nil {
			logger.Printf("status: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusResponse{
			Status:   "running",
			WorkerID: eng.WorkerID(),
			Uptime:   time.Since(started).Truncate(time.Second).String(),
			Breakers: breakers,
		})
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
