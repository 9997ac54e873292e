// Package types holds the data model shared by every novapm component:
// process definitions, running containers, lifecycle events, metric
// samples, log entries, deployment plans, and connected agents.
package types

import (
	"encoding/json"
	"time"
)

// ProcessDefinition is the persisted configuration for a managed process.
type ProcessDefinition struct {
	ID   int64  `yaml:"-" json:"id"`
	Name string `yaml:"name" json:"name" validate:"required"`

	Script         string            `yaml:"script" json:"script" validate:"required"`
	Args           []string          `yaml:"args" json:"args"`
	Cwd            string            `yaml:"cwd" json:"cwd"`
	Interpreter    string            `yaml:"interpreter" json:"interpreter"`
	InterpreterArg []string          `yaml:"interpreter_args" json:"interpreter_args"`
	Env            map[string]string `yaml:"env" json:"env"`

	// Instances is either a fixed positive count, or one of the sentinel
	// strings "max"/"auto" resolved by the caller to the host's CPU
	// count before the definition reaches the Supervisor.
	Instances string `yaml:"instances" json:"instances"`

	ExecMode ExecMode `yaml:"exec_mode" json:"exec_mode" validate:"omitempty,oneof=fork cluster"`

	MemoryLimitBytes int64 `yaml:"memory_limit_bytes" json:"memory_limit_bytes" validate:"gte=0"`

	AutoRestart       bool          `yaml:"autorestart" json:"autorestart"`
	MaxRestarts       int           `yaml:"max_restarts" json:"max_restarts" validate:"gte=0"`
	RestartDelay      time.Duration `yaml:"restart_delay" json:"restart_delay" validate:"gte=0"`
	ExpBackoffMaxWait time.Duration `yaml:"exp_backoff_max_wait" json:"exp_backoff_max_wait" validate:"gte=0"`

	WatchPaths  []string `yaml:"watch_paths" json:"watch_paths"`
	IgnoreGlobs []string `yaml:"ignore_globs" json:"ignore_globs"`

	KillTimeout   time.Duration `yaml:"kill_timeout" json:"kill_timeout" validate:"gt=0"`
	ListenTimeout time.Duration `yaml:"listen_timeout" json:"listen_timeout" validate:"gte=0"`

	HealthCheck *HealthCheckConfig `yaml:"health_check" json:"health_check,omitempty"`
	Log         *LogConfig         `yaml:"log" json:"log,omitempty"`

	CronRestart string `yaml:"cron_restart" json:"cron_restart,omitempty"`
}

// ExecMode is the execution mode of a process definition.
type ExecMode string

const (
	ExecModeFork    ExecMode = "fork"
	ExecModeCluster ExecMode = "cluster"
)

// HealthCheckConfig mirrors health.Config but travels with the
// definition so cmd/novapmd can register it with the Health Monitor
// when it starts the process.
type HealthCheckConfig struct {
	Type        string        `yaml:"type" json:"type" validate:"omitempty,oneof=http tcp script"`
	Host        string        `yaml:"host" json:"host"`
	Port        int           `yaml:"port" json:"port"`
	Path        string        `yaml:"path" json:"path"`
	Script      string        `yaml:"script" json:"script"`
	Interval    time.Duration `yaml:"interval" json:"interval" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	Retries     int           `yaml:"retries" json:"retries" validate:"gte=1"`
	StartPeriod time.Duration `yaml:"start_period" json:"start_period" validate:"gte=0"`
}

// LogConfig controls rotation for a definition's log files.
type LogConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes" json:"max_size_bytes" validate:"gt=0"`
	Keep         int   `yaml:"keep" json:"keep" validate:"gte=1"`
	Compress     bool  `yaml:"compress" json:"compress"`
}

// ContainerState is the lifecycle state of a Running Container.
type ContainerState string

const (
	StateLaunching       ContainerState = "launching"
	StateOnline          ContainerState = "online"
	StateStopping        ContainerState = "stopping"
	StateStopped         ContainerState = "stopped"
	StateErrored         ContainerState = "errored"
	StateWaitingRestart  ContainerState = "waiting-restart"
	StateOneLaunchStatus ContainerState = "one-launch-status"
)

// EventKind enumerates the Process Event kinds.
type EventKind string

const (
	EventStart              EventKind = "start"
	EventStop               EventKind = "stop"
	EventRestart            EventKind = "restart"
	EventError              EventKind = "error"
	EventExit               EventKind = "exit"
	EventCrash              EventKind = "crash"
	EventOnline             EventKind = "online"
	EventLog                EventKind = "log"
	EventMetric             EventKind = "metric"
	EventHealthCheckFail    EventKind = "health-check-fail"
	EventHealthCheckRestore EventKind = "health-check-restore"
	EventScaling            EventKind = "scaling"
)

// ProcessEvent is an immutable record of something that happened to a
// managed process.
type ProcessEvent struct {
	ProcessID   int64
	ProcessName string
	Kind        EventKind
	Timestamp   time.Time
	Data        map[string]any
}

// MetricSample is one CPU/memory/uptime observation for a process.
type MetricSample struct {
	ProcessID     int64
	Timestamp     int64 // unix seconds
	CPUPercent    float64
	MemoryBytes   int64
	UptimeSeconds int64

	// Reserved fields, always zero for this runtime.
	HeapBytes      int64
	EventLoopLag   float64
	ActiveHandles  int
	ActiveRequests int
}

// LogStream identifies which child stream a LogEntry came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogEntry is one trimmed, non-empty line of child output.
type LogEntry struct {
	ProcessID   int64
	ProcessName string
	Stream      LogStream
	Timestamp   time.Time
	Message     string
}

// DeploymentStrategy enumerates the three orchestration strategies.
type DeploymentStrategy string

const (
	StrategyRolling   DeploymentStrategy = "rolling"
	StrategyCanary    DeploymentStrategy = "canary"
	StrategyBlueGreen DeploymentStrategy = "blue-green"
)

// DeploymentStatus is the monotonic state of a Deployment Plan.
type DeploymentStatus string

const (
	DeployPending    DeploymentStatus = "pending"
	DeployInProgress DeploymentStatus = "in-progress"
	DeployCompleted  DeploymentStatus = "completed"
	DeployFailed     DeploymentStatus = "failed"
	DeployRolledBack DeploymentStatus = "rolled-back"
)

// DeploymentPlan is the unit of work for a multi-server deployment.
type DeploymentPlan struct {
	ID          string
	Strategy    DeploymentStrategy
	Servers     []string
	Config      map[string]any
	Status      DeploymentStatus
	CurrentStep int
	TotalSteps  int
	Errors      []string
	StartedAt   time.Time
	CompletedAt time.Time
}

// AgentStatus is the connection state of a Connected Agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// ConnectedAgent is the controller's view of one remote agent.
type ConnectedAgent struct {
	AgentID       string
	Hostname      string
	Address       string
	Port          int
	Status        AgentStatus
	LastHeartbeat time.Time
	CPUUsage      float64
	MemoryUsage   int64
	ProcessCount  int
	Uptime        time.Duration
	Version       string
	Metadata      map[string]string
	Processes     []ProcessSnapshot
}

// ProcessSnapshot is the last-known state of one remote process as
// reported in an agent heartbeat.
type ProcessSnapshot struct {
	ProcessID   int64
	Name        string
	State       ContainerState
	PID         int
	Restarts    int
	CPUPercent  float64
	MemoryBytes int64
}

// AgentMessageType enumerates the frame kinds on the agent<->controller
// channel.
type AgentMessageType string

const (
	AgentMsgRegister      AgentMessageType = "register"
	AgentMsgHeartbeat     AgentMessageType = "heartbeat"
	AgentMsgMetrics       AgentMessageType = "metrics"
	AgentMsgCommand       AgentMessageType = "command"
	AgentMsgCommandResult AgentMessageType = "command-result"
	AgentMsgDisconnect    AgentMessageType = "disconnect"
)

// AgentEnvelope is one framed message on the agent<->controller channel.
// Data is kept raw so each side decodes it into the payload shape that
// matches Type.
type AgentEnvelope struct {
	Type      AgentMessageType `json:"type"`
	AgentID   string           `json:"agentId"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// ServerInfo identifies an agent's host to the controller on register.
type ServerInfo struct {
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Version  string `json:"version"`
}

// RegisterPayload is the data of an AgentMsgRegister frame.
type RegisterPayload struct {
	ServerInfo ServerInfo `json:"serverInfo"`
	Token      string     `json:"token,omitempty"`
}

// HeartbeatPayload is the data of an AgentMsgHeartbeat frame.
type HeartbeatPayload struct {
	ServerInfo ServerInfo        `json:"serverInfo"`
	Processes  []ProcessSnapshot `json:"processes"`
}

// MetricsPayload is the data of an AgentMsgMetrics frame.
type MetricsPayload struct {
	Samples []MetricSample `json:"samples"`
}

// CommandPayload is the data of an AgentMsgCommand frame sent by the
// controller to an agent.
type CommandPayload struct {
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
	RequestID string         `json:"requestId"`
}

// CommandResultPayload is the data of an AgentMsgCommandResult frame
// sent by an agent back to the controller.
type CommandResultPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}
