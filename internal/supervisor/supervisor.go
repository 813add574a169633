// Package supervisor runs the long-lived supervisor agent process: it
// streams the agent binary's line-delimited JSON event stream, forwards
// each assistant message through dispatch.ParseBlocks, and invokes a
// caller-supplied handler for every fenced tool-call block, usage delta,
// and raw log line it observes.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rileywarren/codex-swarm/internal/agent"
	"github.com/rileywarren/codex-swarm/internal/config"
	"github.com/rileywarren/codex-swarm/internal/dispatch"
	"github.com/rileywarren/codex-swarm/internal/logging"
	"github.com/rileywarren/codex-swarm/internal/model"
)

var log = logging.Get("supervisor")

// DispatchHandler is invoked once per fenced tool-call block parsed from
// a supervisor assistant message, in textual order.
type DispatchHandler func(ctx context.Context, request model.DispatchRequest)

// UsageHandler is invoked with the cumulative token usage every time a
// turn.completed usage delta is observed.
type UsageHandler func(cumulative model.TokenUsage)

// LogHandler is invoked once per raw stdout/stderr line, tagged with the
// channel it came from.
type LogHandler func(channel, line string)

// Manager owns the single supervisor process for a repo, tracked so an
// operator can kill it out of band via an IPC control message.
type Manager struct {
	repoPath string
	cfg      config.Swarm

	mu     sync.Mutex
	runner *agent.Runner
}

// New returns a Manager that invokes cfg.CodexBinary against repoPath.
func New(repoPath string, cfg config.Swarm) *Manager {
	return &Manager{repoPath: repoPath, cfg: cfg}
}

// Run spawns the supervisor process with prompt, streaming dispatch
// blocks, usage deltas, and log lines to the given handlers until the
// process exits or the configured supervisor timeout elapses.
func (m *Manager) Run(ctx context.Context, prompt string, onDispatch DispatchHandler, onUsage UsageHandler, onLog LogHandler) model.SupervisorRunResult {
	runner := agent.New()
	m.mu.Lock()
	m.runner = runner
	m.mu.Unlock()

	var usage model.TokenUsage

	onStdoutLine := func(line string) {
		if onLog != nil {
			onLog("supervisor_stdout", line)
		}

		if delta, ok := dispatch.UsageFromLine(line); ok {
			usage = usage.Add(delta)
			if onUsage != nil {
				onUsage(usage)
			}
		}

		message, ok := dispatch.AgentMessageFromLine(line)
		if !ok {
			return
		}
		for _, req := range dispatch.ParseBlocks(message) {
			if onDispatch != nil {
				onDispatch(ctx, req)
			}
		}
	}

	onStderrLine := func(line string) {
		if onLog != nil {
			onLog("supervisor_stderr", line)
		}
	}

	cfg := agent.Config{
		Binary:       m.cfg.CodexBinary,
		ApprovalMode: m.cfg.ApprovalMode,
		Model:        m.cfg.SupervisorModel,
		WorkDir:      m.repoPath,
		Prompt:       prompt,
		OnStdoutLine: onStdoutLine,
		OnStderrLine: onStderrLine,
	}

	timeout := time.Duration(m.cfg.SupervisorTimeoutSeconds) * time.Second
	result, err := runner.Run(ctx, cfg, timeout)

	m.mu.Lock()
	m.runner = nil
	m.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("supervisor run failed")
		return model.SupervisorRunResult{ExitCode: -1, Usage: usage, RawStderr: err.Error()}
	}

	log.Info().Int("exit_code", result.ExitCode).Msg("supervisor exited")
	return model.SupervisorRunResult{
		ExitCode:  result.ExitCode,
		Usage:     usage,
		RawStdout: result.Stdout,
		RawStderr: result.Stderr,
	}
}

// Kill signals the active supervisor process, if any, and reports
// whether one was running.
func (m *Manager) Kill() bool {
	m.mu.Lock()
	runner := m.runner
	m.mu.Unlock()

	if runner == nil {
		return false
	}
	killed := runner.Kill()
	if killed {
		log.Warn().Msg("supervisor killed by operator")
	}
	return killed
}
