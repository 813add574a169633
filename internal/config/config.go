// Package config loads the layered codex-swarm configuration: embedded
// defaults, a project config file, environment variables, and finally
// CLI flag overrides, each layer winning over the last via viper's
// dotted-key deep merge.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/rileywarren/codex-swarm/internal/model"
)

// Swarm controls supervisor/worker process invocation.
type Swarm struct {
	MaxWorkers               int    `mapstructure:"max_workers"`
	SupervisorModel          string `mapstructure:"supervisor_model"`
	WorkerModel              string `mapstructure:"worker_model"`
	WorkerTimeoutSeconds     int    `mapstructure:"worker_timeout"`
	SupervisorTimeoutSeconds int    `mapstructure:"supervisor_timeout"`
	ApprovalMode             string `mapstructure:"approval_mode"`
	CodexBinary              string `mapstructure:"codex_binary"`
	PipelineContinueOnError  bool   `mapstructure:"pipeline_continue_on_error"`
}

// Budget controls admission control and cost accounting.
type Budget struct {
	MaxTotalCost   float64            `mapstructure:"max_total_cost"`
	MaxWorkerCost  float64            `mapstructure:"max_worker_cost"`
	MaxTotalTokens int                `mapstructure:"max_total_tokens"`
	WarnAtPercent  int                `mapstructure:"warn_at_percent"`
	ModelPrices    []model.ModelPrice `mapstructure:"model_prices"`
}

// Worktree controls per-worker checkout placement and auto-merge policy.
type Worktree struct {
	BaseDir       string `mapstructure:"base_dir"`
	Cleanup       bool   `mapstructure:"cleanup"`
	AutoMerge     bool   `mapstructure:"auto_merge"`
	MergeStrategy string `mapstructure:"merge_strategy"`
}

// Results controls response-file rendering.
type Results struct {
	MaxSummaryTokens int    `mapstructure:"max_summary_tokens"`
	IncludeDiff      bool   `mapstructure:"include_diff"`
	MaxDiffLines     int    `mapstructure:"max_diff_lines"`
	ResponseFile     string `mapstructure:"response_file"`
}

// IPC controls the control-plane transport.
type IPC struct {
	Method             string `mapstructure:"method"`
	SocketPath         string `mapstructure:"socket_path"`
	MessageTerminator  string `mapstructure:"message_terminator"`
}

// AppConfig is the full layered configuration surface named in spec §6.
type AppConfig struct {
	Swarm    Swarm    `mapstructure:"swarm"`
	Budget   Budget   `mapstructure:"budget"`
	Worktree Worktree `mapstructure:"worktree"`
	Results  Results  `mapstructure:"results"`
	IPC      IPC      `mapstructure:"ipc"`
}

// ResponseFilePath resolves the configured response file relative to repoPath.
func (c *AppConfig) ResponseFilePath(repoPath string) string {
	return filepath.Join(repoPath, c.Results.ResponseFile)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("swarm.max_workers", 4)
	v.SetDefault("swarm.supervisor_model", "")
	v.SetDefault("swarm.worker_model", "")
	v.SetDefault("swarm.worker_timeout", 300)
	v.SetDefault("swarm.supervisor_timeout", 600)
	v.SetDefault("swarm.approval_mode", "on-request")
	v.SetDefault("swarm.codex_binary", "codex")
	v.SetDefault("swarm.pipeline_continue_on_error", false)

	v.SetDefault("budget.max_total_cost", 5.0)
	v.SetDefault("budget.max_worker_cost", 1.5)
	v.SetDefault("budget.max_total_tokens", 200_000)
	v.SetDefault("budget.warn_at_percent", 80)
	v.SetDefault("budget.model_prices", []map[string]any{
		{"slug": "o3", "input": 0.010, "output": 0.030},
		{"slug": "o4-mini", "input": 0.003, "output": 0.012},
	})

	v.SetDefault("worktree.base_dir", "/tmp/codex-swarm")
	v.SetDefault("worktree.cleanup", true)
	v.SetDefault("worktree.auto_merge", true)
	v.SetDefault("worktree.merge_strategy", "no-ff")

	v.SetDefault("results.max_summary_tokens", 500)
	v.SetDefault("results.include_diff", false)
	v.SetDefault("results.max_diff_lines", 200)
	v.SetDefault("results.response_file", ".codex-swarm-response.md")

	v.SetDefault("ipc.method", "unix_socket")
	v.SetDefault("ipc.socket_path", "/tmp/codex-swarm.sock")
	v.SetDefault("ipc.message_terminator", "\n---MSG_END---\n")
}

// Load builds the layered AppConfig: embedded defaults, then configPath if
// non-empty, then CODEX_SWARM_-prefixed environment variables, then the
// dotted-key cliOverrides (as would be produced by binding Cobra flags).
func Load(configPath string, cliOverrides map[string]any) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvPrefix("CODEX_SWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range cliOverrides {
		v.Set(key, value)
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Default returns Load("", nil): the compiled-in defaults plus any
// CODEX_SWARM_-prefixed environment overrides. It reads no config file.
func Default() *AppConfig {
	cfg, err := Load("", nil)
	if err != nil {
		panic(fmt.Sprintf("config: default config failed to build: %v", err))
	}
	return cfg
}
