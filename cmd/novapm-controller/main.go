package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitharaj88/novapm/pkg/controller"
	"github.com/sitharaj88/novapm/pkg/deploy"
	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/metrics"
	"github.com/sitharaj88/novapm/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "novapm-controller",
	Short:   "novapm-controller - fleet controller for novapmd agents",
	Long:    "novapm-controller accepts agent websocket connections, dispatches remote commands, runs deployment plans across the fleet, and exposes Prometheus metrics.",
	Version: Version,
	RunE:    runController,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("novapm-controller version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.Flags().String("listen", ":8433", "HTTP listen address")
	rootCmd.Flags().StringSlice("token", nil, "Accepted agent registration tokens (repeatable); empty allows any agent")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func runController(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON, Output: os.Stderr})

	listenAddr, _ := cmd.Flags().GetString("listen")
	tokens, _ := cmd.Flags().GetStringSlice("token")

	bus := events.NewBus()
	ctl := controller.New(bus, tokens)
	orch := deploy.New(ctl)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ctl.ServeHTTP)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("GET /agents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctl.Agents())
	})
	mux.HandleFunc("POST /deploy/rolling", deployHandler(orch, func(ctx context.Context, orch *deploy.Orchestrator, req deployRequest) *types.DeploymentPlan {
		return orch.Rolling(ctx, req.Servers, req.Config)
	}))
	mux.HandleFunc("POST /deploy/canary", deployHandler(orch, func(ctx context.Context, orch *deploy.Orchestrator, req deployRequest) *types.DeploymentPlan {
		percent := req.Percent
		if percent <= 0 {
			percent = 10
		}
		return orch.Canary(ctx, req.Servers, req.Config, percent)
	}))
	mux.HandleFunc("POST /deploy/bluegreen", deployHandler(orch, func(ctx context.Context, orch *deploy.Orchestrator, req deployRequest) *types.DeploymentPlan {
		return orch.BlueGreen(ctx, req.Blue, req.Green, req.Config)
	}))
	mux.HandleFunc("POST /deploy/{id}/rollback", func(w http.ResponseWriter, r *http.Request) {
		plan, err := orch.Rollback(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	})
	mux.HandleFunc("GET /deploy/{id}", func(w http.ResponseWriter, r *http.Request) {
		plan, err := orch.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	})

	server := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		log.Logger.Info().Str("addr", listenAddr).Msg("novapm-controller listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	ctl.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

type deployRequest struct {
	Servers []string       `json:"servers"`
	Blue    []string       `json:"blue"`
	Green   []string       `json:"green"`
	Config  map[string]any `json:"config"`
	Percent int            `json:"percent"`
}

func deployHandler(orch *deploy.Orchestrator, run func(context.Context, *deploy.Orchestrator, deployRequest) *types.DeploymentPlan) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deployRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		plan := run(r.Context(), orch, req)
		writeJSON(w, http.StatusAccepted, plan)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if strings.Contains(err.Error(), "not found") {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
