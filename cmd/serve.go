package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/monitoring"
	"github.com/sells-group/granule-sync/internal/pipeline"
)

var serveAddr string

// runTrigger starts a pipeline run for the named datasets in the background.
type runTrigger func(datasets []string, steps []pipeline.Step) error

var errDatasetBusy = errors.New("dataset run already in progress")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve metrics and health, run health checks and accept run requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Index),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
			env.Metrics,
		)
		go checker.Run(ctx)

		addr := serveAddr
		if addr == "" {
			addr = cfg.Metrics.Addr
		}
		if addr == "" {
			addr = ":9090"
		}

		tracker := newRunTracker()
		trigger := func(names []string, steps []pipeline.Step) error {
			datasets, err := loadDatasets(cfg.Pipeline.DatasetsDir, names)
			if err != nil {
				return err
			}
			claimed := make([]string, len(datasets))
			for i, ds := range datasets {
				claimed[i] = ds.Name
			}
			if !tracker.claim(claimed) {
				return errDatasetBusy
			}
			go func() {
				defer tracker.release(claimed)
				runs, err := newRunner(env, cfg, steps).Run(ctx, datasets)
				if err != nil {
					zap.L().Error("triggered run failed", zap.Error(err))
					return
				}
				zap.L().Info("triggered run complete", zap.String("report", pipeline.FormatReport(runs)))
			}()
			return nil
		}

		return listenAndServe(ctx, addr, newServeMux(env, trigger))
	},
}

// newServeMux exposes health and metrics, plus POST /run when trigger is
// non-nil.
func newServeMux(env *appEnv, trigger runTrigger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{}))

	if trigger == nil {
		return mux
	}
	mux.HandleFunc("POST /run", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Datasets []string `json:"datasets"`
			Steps    string   `json:"steps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		steps, err := pipeline.ParseSteps(req.Steps)
		if err != nil {
			http.Error(w, `{"error":"invalid steps"}`, http.StatusBadRequest)
			return
		}

		if err := trigger(req.Datasets, steps); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errDatasetBusy) {
				status = http.StatusConflict
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "accepted",
			"datasets": req.Datasets,
		})
	})
	return mux
}

// listenAndServe serves handler until ctx is cancelled.
func listenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// runTracker enforces a single writer per dataset across triggered runs.
type runTracker struct {
	mu      sync.Mutex
	running map[string]bool
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]bool)}
}

func (t *runTracker) claim(names []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range names {
		if t.running[n] {
			return false
		}
	}
	for _, n := range names {
		t.running[n] = true
	}
	return true
}

func (t *runTracker) release(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range names {
		delete(t.running, n)
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default metrics.addr or :9090)")
	rootCmd.AddCommand(serveCmd)
}
