package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rileywarren/codex-swarm/internal/model"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"check", "workers"},
	Short:   "Report worker and budget status from a running codex-swarm instance",
	Long: `Connects to the IPC socket of a codex-swarm instance started with
'codex-swarm run' and asks it for a check_workers snapshot: every known
worker's status, the ids awaiting supervisor approval, and cumulative
budget usage.`,
	RunE: runStatusCmd,
}

func init() {
	statusCmd.Flags().StringSlice("worker-id", nil, "Limit the report to these worker ids (default: all known)")
	rootCmd.AddCommand(statusCmd)
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath, nil)
	if err != nil {
		return err
	}
	if cfg.IPC.Method != "unix_socket" {
		return fmt.Errorf("ipc.method is %q, not unix_socket; nothing to connect to", cfg.IPC.Method)
	}

	workerIDs, _ := cmd.Flags().GetStringSlice("worker-id")
	payload := map[string]any{}
	if len(workerIDs) > 0 {
		payload["worker_ids"] = workerIDs
	}

	reply, err := sendIPCRequest(cfg.IPC.SocketPath, cfg.IPC.MessageTerminator, "check_workers", payload)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w (is 'codex-swarm run' running?)", cfg.IPC.SocketPath, err)
	}
	if reply.Type == "error" {
		return fmt.Errorf("orchestrator: %v", reply.Payload["message"])
	}

	printHeader("Workers")
	workers, _ := reply.Payload["workers"].([]any)
	if len(workers) == 0 {
		fmt.Println(colorDim("  No workers recorded."))
	} else {
		headers := []string{"ID", "STATUS", "TASK"}
		var rows [][]string
		for _, w := range workers {
			m, ok := w.(map[string]any)
			if !ok {
				continue
			}
			status, _ := m["status"].(string)
			rows = append(rows, []string{
				fmt.Sprintf("%v", m["worker_id"]),
				statusBadge(status),
				truncate(fmt.Sprintf("%v", m["task"]), 60),
			})
		}
		printTable(headers, rows)
	}

	printHeader("Pending Approval")
	pending, _ := reply.Payload["pending_approval"].([]any)
	if len(pending) == 0 {
		fmt.Println(colorDim("  None."))
	} else {
		for _, id := range pending {
			fmt.Printf("  - %v\n", id)
		}
	}

	printHeader("Budget")
	if budget, ok := reply.Payload["budget"].(map[string]any); ok {
		printField("Total Tokens", fmt.Sprintf("%v", budget["total_tokens"]))
		printField("Total Cost", fmt.Sprintf("$%v", budget["total_cost"]))
		warned, _ := budget["warned"].(bool)
		if warned {
			printFieldColored("Warned", "true", colorYellow)
		} else {
			printField("Warned", "false")
		}
	}
	fmt.Println()
	return nil
}

// sendIPCRequest opens a fresh connection to socketPath, sends one
// sentinel-terminated request frame, and reads one reply frame.
func sendIPCRequest(socketPath, terminator, msgType string, payload map[string]any) (*model.IPCMessage, error) {
	if terminator == "" {
		terminator = "\n---MSG_END---\n"
	}

	conn, err := net.DialTimeout("unix", socketPath, 3*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	request := model.IPCMessage{
		Type:      msgType,
		Payload:   payload,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(body); err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte(terminator)); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	term := []byte(terminator)
	var buf bytes.Buffer
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		data := buf.Bytes()
		if len(data) >= len(term) && bytes.Equal(data[len(data)-len(term):], term) {
			var reply model.IPCMessage
			if err := json.Unmarshal(data[:len(data)-len(term)], &reply); err != nil {
				return nil, err
			}
			return &reply, nil
		}
	}
}
