package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitharaj88/novapm/pkg/ipc"
)

var Version = "dev"

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "novapmctl",
	Short:   "novapmctl - CLI client for a running novapmd",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "./novapm-data/novapmd.sock", "Path to the novapmd IPC socket")
	rootCmd.AddCommand(pingCmd, infoCmd, listCmd, getCmd, startCmd, stopCmd, restartCmd, deleteCmd, logsCmd, metricsCmd, reloadCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon is responding",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(string(ipc.MethodDaemonPing), nil)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show daemon version and protocol information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(string(ipc.MethodDaemonInfo), nil)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every supervised process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(string(ipc.MethodProcessList), nil)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id-or-name>",
	Short: "Show one process's info",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(string(ipc.MethodProcessGet), map[string]string{"id": args[0]})
	},
}

var startCmd = &cobra.Command{
	Use:   "start <definition.json>",
	Short: "Start a process from a JSON process definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var def any
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("invalid process definition: %w", err)
		}
		return callAndPrint(string(ipc.MethodProcessStart), def)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <id-or-name>",
	Short: "Stop a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return callAndPrint(string(ipc.MethodProcessStop), map[string]any{"id": args[0], "force": force})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <id-or-name>",
	Short: "Restart a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(string(ipc.MethodProcessRestart), map[string]string{"id": args[0]})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id-or-name>",
	Short: "Delete a process definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(string(ipc.MethodProcessDelete), map[string]string{"id": args[0]})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [id]",
	Short: "Show recent log entries for one process, or every process if no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		if len(args) == 0 {
			return callAndPrint(string(ipc.MethodLogsRecentAll), map[string]any{"n": n})
		}
		return callAndPrint(string(ipc.MethodLogsRecent), map[string]any{"processId": args[0], "n": n})
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics [id]",
	Short: "Show the latest metric sample for one process, or every process if no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return callAndPrint(string(ipc.MethodMetricsAll), nil)
		}
		return callAndPrint(string(ipc.MethodMetricsLatest), map[string]any{"processId": args[0]})
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload [path]",
	Short: "Reload the process file, starting or updating any changed processes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return callAndPrint(string(ipc.MethodConfigReload), map[string]string{"path": path})
	},
}

func init() {
	stopCmd.Flags().Bool("force", false, "Force kill instead of a graceful stop")
	logsCmd.Flags().Int("lines", 50, "Number of recent entries to show")
}

// callAndPrint dials the daemon, sends one request built from method
// and params, and pretty-prints the response.
func callAndPrint(method string, params any) error {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	var rawParams json.RawMessage
	if params != nil {
		rawParams, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}

	req := ipc.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: rawParams}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	var resp ipc.Response
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.Error != nil {
		return fmt.Errorf("daemon error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	out, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
