package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitharaj88/novapm/pkg/agent"
	"github.com/sitharaj88/novapm/pkg/config"
	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/health"
	"github.com/sitharaj88/novapm/pkg/ipc"
	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/logagg"
	"github.com/sitharaj88/novapm/pkg/metrics"
	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/plugin"
	"github.com/sitharaj88/novapm/pkg/storage"
	"github.com/sitharaj88/novapm/pkg/supervisor"
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
	Use:     "novapmd",
	Short:   "novapmd - process manager daemon",
	Long:    "novapmd supervises long-running processes: starting, restarting, health-checking, metering, and logging them, and exposing all of it over a local JSON-RPC socket.",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("novapmd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.Flags().String("config", "novapm.yaml", "Process file to load on start")
	rootCmd.Flags().String("data-dir", "./novapm-data", "Directory for the process database and rotated logs")
	rootCmd.Flags().String("socket", "", "Unix socket path for the IPC server (defaults to <data-dir>/novapmd.sock)")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().Duration("metrics-interval", 5*time.Second, "Per-process metrics sampling interval")
	rootCmd.Flags().String("controller", "", "Controller websocket URL to join as a fleet agent (optional)")
	rootCmd.Flags().String("controller-token", "", "Auth token presented when joining a controller")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON, Output: os.Stderr})

	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	socketPath, _ := cmd.Flags().GetString("socket")
	if socketPath == "" {
		socketPath = filepath.Join(dataDir, "novapmd.sock")
	}
	metricsInterval, _ := cmd.Flags().GetDuration("metrics-interval")
	controllerURL, _ := cmd.Flags().GetString("controller")
	controllerToken, _ := cmd.Flags().GetString("controller-token")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	bus := events.NewBus()
	sv := supervisor.New(store, bus)
	logs := logagg.New(filepath.Join(dataDir, "logs"), bus)
	sv.SetLogAggregator(logs)

	collector := metrics.NewCollector(sv, store.Metrics(), bus, metricsInterval)

	pluginDir := filepath.Join(dataDir, "plugins")
	host := plugin.New(sv, pluginDir)

	names := newNameCache()

	monitor := health.NewMonitor(func(processID int64, reason string) {
		log.Logger.Warn().Int64("process_id", processID).Str("reason", reason).Msg("health check failed, restarting")
		name := names.get(processID)
		bus.Publish(events.TopicHealthFail, "health", processID)
		if err := store.Events().Insert(processID, name, types.EventHealthCheckFail, map[string]any{"reason": reason}); err != nil {
			log.Logger.Warn().Err(err).Int64("process_id", processID).Msg("failed to record health-check-fail event")
		}
		host.HealthCheckFail(processID, reason)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := sv.Restart(ctx, fmt.Sprintf("%d", processID)); err != nil {
			log.Logger.Error().Err(err).Int64("process_id", processID).Msg("health-triggered restart failed")
		}
	}, func(processID int64) {
		name := names.get(processID)
		log.Logger.Info().Int64("process_id", processID).Msg("health check restored")
		bus.Publish(events.TopicHealthRestore, "health", processID)
		if err := store.Events().Insert(processID, name, types.EventHealthCheckRestore, nil); err != nil {
			log.Logger.Warn().Err(err).Int64("process_id", processID).Msg("failed to record health-check-restore event")
		}
		host.HealthCheckRestore(processID)
	}, sv.IsRunning)

	wireEvents(bus, host, names)

	ctx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	collector.Start(ctx)
	defer collector.Stop()

	if err := loadAndStartProcesses(ctx, configPath, sv, monitor, names); err != nil {
		log.Logger.Error().Err(err).Msg("initial process load failed")
	}

	reload := func(ctx context.Context, path string) error {
		if path == "" {
			path = configPath
		}
		host.ConfigChange(path)
		return loadAndStartProcesses(ctx, path, sv, monitor, names)
	}

	srv := ipc.NewServer(sv, logs, collector, reload, Version)
	listener, err := listenUnix(socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()

	go serveIPC(ctx, listener, srv)
	log.Logger.Info().Str("socket", socketPath).Msg("novapmd listening")

	var fleetAgent *agent.Agent
	if controllerURL != "" {
		fleetAgent = agent.New(agent.Config{
			ControllerURL: controllerURL,
			Token:         controllerToken,
			ServerInfo:    types.ServerInfo{Version: Version},
		}, bus, sv)
		if err := fleetAgent.Start(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("failed to join controller")
		} else {
			log.Logger.Info().Str("controller", controllerURL).Msg("joined controller")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	cancelRoot()
	if fleetAgent != nil {
		fleetAgent.Stop()
	}
	host.Shutdown()
	if err := sv.StopAll(context.Background(), true); err != nil {
		log.Logger.Warn().Err(err).Msg("stop all processes")
	}
	return nil
}

func listenUnix(path string) (net.Listener, error) {
	_ = os.Remove(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return net.Listen("unix", path)
}

func serveIPC(ctx context.Context, listener net.Listener, srv *ipc.Server) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Logger.Warn().Err(err).Msg("ipc accept failed")
				continue
			}
		}
		go func() {
			defer conn.Close()
			if err := srv.Serve(ctx, conn, conn); err != nil {
				log.Logger.Debug().Err(err).Msg("ipc connection ended")
			}
		}()
	}
}

func loadAndStartProcesses(ctx context.Context, path string, sv *supervisor.Supervisor, monitor *health.Monitor, names *nameCache) error {
	file, err := config.Load(path)
	if err != nil {
		return err
	}
	for _, def := range file.Processes {
		info, err := sv.Start(ctx, def)
		if err != nil {
			if nperr.ClassifyOf(err) == nperr.AlreadyExists {
				continue
			}
			log.Logger.Error().Err(err).Str("process", def.Name).Msg("failed to start process")
			continue
		}
		names.set(info.Definition.ID, info.Definition.Name)
		if def.HealthCheck != nil {
			checker := health.NewCheckerFromConfig(*def.HealthCheck)
			monitor.Register(info.Definition.ID, checker, toHealthConfig(*def.HealthCheck))
		}
	}
	return nil
}

func toHealthConfig(cfg types.HealthCheckConfig) health.Config {
	return health.Config{
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		Retries:     cfg.Retries,
		StartPeriod: cfg.StartPeriod,
	}
}

// nameCache fills in the process name that process:stop/crash/exit
// events don't carry on the bus, keyed from the definitions carried by
// process:start (published on every spawn, restarts included) and
// from the processes loadAndStartProcesses starts.
type nameCache struct {
	mu    sync.Mutex
	names map[int64]string
}

func newNameCache() *nameCache {
	return &nameCache{names: make(map[int64]string)}
}

func (c *nameCache) set(id int64, name string) {
	c.mu.Lock()
	c.names[id] = name
	c.mu.Unlock()
}

func (c *nameCache) get(id int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[id]
}

// wireEvents adapts the event bus's per-topic payloads into the
// uniform ProcessEvent the plugin host's hooks take, and feeds
// sample/log hooks directly from their native payload types.
func wireEvents(bus *events.Bus, host *plugin.Host, names *nameCache) {
	processEvent := func(id int64, kind types.EventKind) types.ProcessEvent {
		return types.ProcessEvent{ProcessID: id, ProcessName: names.get(id), Kind: kind, Timestamp: time.Now()}
	}

	bus.Subscribe(events.TopicProcessStart, func(data any) {
		def, ok := data.(types.ProcessDefinition)
		if !ok {
			return
		}
		names.set(def.ID, def.Name)
		host.ProcessStart(types.ProcessEvent{ProcessID: def.ID, ProcessName: def.Name, Kind: types.EventStart, Timestamp: time.Now()})
	})
	bus.Subscribe(events.TopicProcessStop, func(data any) {
		if id, ok := data.(int64); ok {
			host.ProcessStop(processEvent(id, types.EventStop))
		}
	})
	bus.Subscribe(events.TopicProcessRestart, func(data any) {
		if id, ok := data.(int64); ok {
			host.ProcessRestart(processEvent(id, types.EventRestart))
		}
	})
	bus.Subscribe(events.TopicProcessCrash, func(data any) {
		if id, ok := data.(int64); ok {
			host.ProcessCrash(processEvent(id, types.EventCrash))
		}
	})
	bus.Subscribe(events.TopicProcessExit, func(data any) {
		if id, ok := data.(int64); ok {
			host.ProcessExit(processEvent(id, types.EventExit))
		}
	})
	bus.Subscribe(events.TopicMetricProcess, func(data any) {
		if sample, ok := data.(types.MetricSample); ok {
			host.MetricsCollected(sample)
		}
	})
	bus.Subscribe(events.TopicLogEntry, func(data any) {
		if entry, ok := data.(types.LogEntry); ok {
			host.LogEntry(entry)
		}
	})
}
