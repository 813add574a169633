package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/rileywarren/codex-swarm/internal/model"
)

// childEvent mirrors the two event shapes AgentRunner needs to recognize
// from the agent binary's line-delimited JSON stream: the supervisor's
// next utterance (item.completed / agent_message) and a turn's token
// usage (turn.completed / usage). Field names match spec's TokenUsage
// verbatim, grounded on the teacher's internal/stream/codex.go codexEvent
// shape.
type childEvent struct {
	Type string `json:"type"`
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item,omitempty"`
	Usage *struct {
		InputTokens       int `json:"input_tokens"`
		CachedInputTokens int `json:"cached_input_tokens"`
		OutputTokens      int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// AgentMessageFromLine extracts the assistant message text from an
// item.completed/agent_message line, or ("", false) if the line doesn't
// carry one.
func AgentMessageFromLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return "", false
	}

	var ev childEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return "", false
	}
	if ev.Type != "item.completed" || ev.Item == nil || ev.Item.Type != "agent_message" {
		return "", false
	}
	return ev.Item.Text, true
}

// UsageFromLine extracts the usage delta from a turn.completed line, or
// (zero, false) if the line doesn't carry one.
func UsageFromLine(line string) (model.TokenUsage, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return model.TokenUsage{}, false
	}

	var ev childEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return model.TokenUsage{}, false
	}
	if ev.Type != "turn.completed" || ev.Usage == nil {
		return model.TokenUsage{}, false
	}

	return model.TokenUsage{
		InputTokens:       ev.Usage.InputTokens,
		CachedInputTokens: ev.Usage.CachedInputTokens,
		OutputTokens:      ev.Usage.OutputTokens,
	}, true
}
