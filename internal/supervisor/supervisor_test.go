package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rileywarren/codex-swarm/internal/config"
	"github.com/rileywarren/codex-swarm/internal/model"
)

const fakeSupervisorScript = `#!/bin/sh
cat <<'EOF'
{"type":"item.completed","item":{"type":"agent_message","text":"` + "```spawn_agent\\n{\\\"task\\\": \\\"fix bug\\\"}\\n```" + `"}}
{"type":"turn.completed","usage":{"input_tokens":10,"cached_input_tokens":0,"output_tokens":5}}
EOF
exit 0
`

func writeFakeSupervisor(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-codex")
	if err := os.WriteFile(path, []byte(fakeSupervisorScript), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRun_ParsesDispatchBlocksAndUsage(t *testing.T) {
	binary := writeFakeSupervisor(t)
	cfg := config.Swarm{
		CodexBinary:              binary,
		ApprovalMode:             "on-request",
		SupervisorTimeoutSeconds: 5,
	}
	mgr := New(t.TempDir(), cfg)

	var dispatched []model.DispatchRequest
	var lastUsage model.TokenUsage
	var logLines []string

	result := mgr.Run(
		context.Background(),
		"objective",
		func(ctx context.Context, req model.DispatchRequest) { dispatched = append(dispatched, req) },
		func(cumulative model.TokenUsage) { lastUsage = cumulative },
		func(channel, line string) { logLines = append(logLines, channel+":"+line) },
	)

	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
	if len(dispatched) != 1 || dispatched[0].Tool != "spawn_agent" {
		t.Fatalf("dispatched = %+v", dispatched)
	}
	if dispatched[0].Payload["task"] != "fix bug" {
		t.Fatalf("task = %v", dispatched[0].Payload["task"])
	}
	if lastUsage.InputTokens != 10 || lastUsage.OutputTokens != 5 {
		t.Fatalf("lastUsage = %+v", lastUsage)
	}
	if len(logLines) == 0 {
		t.Fatalf("expected log lines to be forwarded")
	}
	found := false
	for _, l := range logLines {
		if strings.HasPrefix(l, "supervisor_stdout:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected at least one supervisor_stdout log line: %v", logLines)
	}
}

func TestKill_ReturnsFalseWhenNoActiveProcess(t *testing.T) {
	mgr := New(t.TempDir(), config.Swarm{CodexBinary: "/bin/sh"})
	if mgr.Kill() {
		t.Fatalf("Kill with no active process should return false")
	}
}

func TestRun_TimesOutAndReportsNegativeExitCode(t *testing.T) {
	binary := filepath.Join(t.TempDir(), "sleeper")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\nsleep 5\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := config.Swarm{CodexBinary: binary, ApprovalMode: "on-request", SupervisorTimeoutSeconds: 0}
	mgr := New(t.TempDir(), cfg)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	result := mgr.Run(ctx, "objective", nil, nil, nil)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Run took too long, timeout enforcement may be broken")
	}
	if result.ExitCode >= 0 {
		t.Fatalf("ExitCode = %d, want negative after timeout", result.ExitCode)
	}
}
