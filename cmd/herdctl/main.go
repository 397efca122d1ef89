// Command herdctl boots the Fleet Manager, starts its scheduler, serves the
// WebSocket event mirror, job-output and metrics endpoints on :8090, and
// waits for SIGINT/SIGTERM to drive a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"herdctl/internal/eventbus"
	"herdctl/internal/fleet"
	"herdctl/internal/logx"
	"herdctl/internal/metrics"
	"herdctl/internal/runner"
	"herdctl/internal/wsmirror"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"
)

func main() {
	var configPath string
	var stateDir string
	var shutdownTimeout time.Duration
	var cancelTimeout time.Duration
	flag.StringVar(&configPath, "config", "", "Path to herdctl.yaml or a directory to search upward from (default: cwd)")
	flag.StringVar(&stateDir, "statedir", ".herdctl", "Directory for job/session state")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time to wait for running jobs to finish on shutdown")
	flag.DurationVar(&cancelTimeout, "cancel-timeout", 10*time.Second, "Time to wait for forced cancellation after shutdown-timeout expires")
	flag.Parse()

	log := logx.New("herdctl")
	bus := eventbus.New(log)

	registry := buildRegistry()

	f := fleet.New(configPath, stateDir, bus, log, registry, time.Now)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := f.Initialize(ctx); err != nil {
		log.Error("failed to initialize fleet: %v", err)
		os.Exit(1)
	}

	recorder := metrics.NewRecorder()
	stopMetrics := recorder.Subscribe(bus)
	defer stopMetrics()

	mirror := wsmirror.New(bus, log)
	stopMirror := mirror.Subscribe()
	defer stopMirror()

	// The mirror/metrics endpoint is always served; SPEC_FULL.md's
	// WebConfig only governs an embedder's own dashboard, not this core
	// network-boundary adapter.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", mirror.Handler)
	mux.HandleFunc("GET /jobs/{id}/output", jobOutputHandler(f))
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: ":8090", Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("mirror http server: %v", err)
		}
	}()

	if err := f.Start(ctx); err != nil {
		log.Error("failed to start fleet: %v", err)
		os.Exit(1)
	}

	printBanner()

	<-ctx.Done()
	log.Info("shutdown signal received, draining running jobs (timeout %s)", shutdownTimeout)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+cancelTimeout+time.Second)
	defer cancel()

	err := f.Stop(stopCtx, fleet.StopOptions{
		Timeout:         shutdownTimeout,
		CancelOnTimeout: true,
		CancelTimeout:   cancelTimeout,
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	shutdownCancel()

	if err != nil {
		log.Error("fleet shutdown did not complete cleanly: %v", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// buildRegistry wires every backend the Runner Interface (§4.3) supports,
// reading credentials from the environment the way each backend's own SDK
// expects. A backend with no credentials configured is still registered,
// so fleet boot does not fail on it; the missing credential surfaces only
// when a job of an agent that selects that backend runs, and fails that job.
func buildRegistry() *runner.Registry {
	return runner.NewRegistry(map[string]runner.Runner{
		"anthropic": runner.NewAnthropicRunner(os.Getenv("ANTHROPIC_API_KEY")),
		"openai":    runner.NewOpenAIRunner(os.Getenv("OPENAI_API_KEY")),
		"gemini":    runner.NewGeminiRunner(os.Getenv("GEMINI_API_KEY")),
		"ollama":    runner.NewOllamaRunner(ollamaHost()),
	})
}

func ollamaHost() string {
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		return host
	}
	return "http://localhost:11434"
}

// printBanner writes a one-line startup notice; the interactive "ctrl-c to
// stop" hint is omitted when stdout isn't a terminal (piped into a log
// file, run under a supervisor).
func printBanner() {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("herdctl fleet running — ctrl-c to stop")
		return
	}
	fmt.Println("herdctl fleet running")
}
