// Package dispatch extracts and validates fenced tool-call blocks from
// supervisor output, and extracts agent messages and usage deltas from
// the underlying agent-binary JSON event stream.
package dispatch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rileywarren/codex-swarm/internal/logging"
	"github.com/rileywarren/codex-swarm/internal/model"
)

var log = logging.Get("dispatch")

// blockPattern matches a fenced tool-call block: three backticks, one of
// the four recognized tool tags, a newline, a JSON body, three backticks.
var blockPattern = regexp.MustCompile("(?s)```(spawn_agent|spawn_swarm|check_workers|merge_results)\\s*\\n(.*?)```")

// trailingComma strips a trailing comma before a closing brace/bracket.
var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// ParseBlocks extracts every fenced dispatch block from text, in textual
// order. A block whose body is not a JSON object, or that fails schema
// validation or normalization, is logged and skipped rather than raising.
func ParseBlocks(text string) []model.DispatchRequest {
	var requests []model.DispatchRequest

	for _, match := range blockPattern.FindAllStringSubmatch(text, -1) {
		tool, body := match[1], match[2]

		raw, err := parseJSONPayload(body)
		if err != nil {
			log.Warn().Str("tool", tool).Err(err).Msg("skipping dispatch block: invalid JSON")
			continue
		}

		payload, requestID, err := normalizeAndValidate(tool, raw)
		if err != nil {
			log.Warn().Str("tool", tool).Err(err).Msg("skipping dispatch block: failed validation")
			continue
		}

		requests = append(requests, model.DispatchRequest{Tool: tool, Payload: payload, RequestID: requestID})
	}

	return requests
}

func repairJSON(raw string) string {
	repaired := strings.TrimSpace(raw)
	repaired = trailingComma.ReplaceAllString(repaired, "$1")
	if strings.Contains(repaired, "'") && !strings.Contains(repaired, `"`) {
		repaired = strings.ReplaceAll(repaired, "'", `"`)
	}
	return repaired
}

func parseJSONPayload(raw string) (map[string]any, error) {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		repaired := repairJSON(raw)
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return nil, fmt.Errorf("invalid JSON even after repair: %w", err)
		}
		log.Debug().Msg("used fuzzy JSON repair for dispatch payload")
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dispatch payload must be a JSON object")
	}
	return obj, nil
}

func normalizeAndValidate(tool string, raw map[string]any) (map[string]any, string, error) {
	requestID, _ := stringField(raw, "request_id")

	switch tool {
	case "spawn_agent":
		payload, err := normalizeSpawnAgent(raw)
		return payload, requestID, err
	case "spawn_swarm":
		payload, err := normalizeSpawnSwarm(raw)
		return payload, requestID, err
	case "check_workers":
		ids := stringSliceField(raw, "worker_ids")
		return map[string]any{"worker_ids": ids}, requestID, nil
	case "merge_results":
		ids := stringSliceField(raw, "worker_ids")
		resolve := normalizeResolveConflicts(raw)
		return map[string]any{"worker_ids": ids, "resolve_conflicts": resolve}, requestID, nil
	default:
		return nil, requestID, fmt.Errorf("unknown dispatch tool: %s", tool)
	}
}

func normalizeSpawnAgent(raw map[string]any) (map[string]any, error) {
	task := firstNonEmptyString(raw, "task", "objective", "description")
	if task == "" {
		return nil, fmt.Errorf("spawn_agent requires a non-empty task")
	}

	scope := firstStringOrList(raw, "scope", "files", "paths")
	context := firstNonEmptyString(raw, "context", "notes", "constraints")

	priority := model.PriorityNormal
	if p, ok := stringField(raw, "priority"); ok {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "high":
			priority = model.PriorityHigh
		case "normal":
			priority = model.PriorityNormal
		case "low":
			priority = model.PriorityLow
		}
	}

	returnFormat := model.ReturnFormatSummary
	if rf, ok := stringField(raw, "return_format"); ok {
		lowered := strings.ToLower(rf)
		switch {
		case strings.Contains(lowered, "diff"):
			returnFormat = model.ReturnFormatDiff
		case lowered == "full":
			returnFormat = model.ReturnFormatFull
		case strings.Contains(lowered, "summary"):
			returnFormat = model.ReturnFormatSummary
		}
	}

	return map[string]any{
		"task":          task,
		"scope":         scope,
		"context":       context,
		"priority":      string(priority),
		"return_format": string(returnFormat),
	}, nil
}

func normalizeSpawnSwarm(raw map[string]any) (map[string]any, error) {
	var taskPayloads []map[string]any

	if rawTasks, ok := listField(raw, "tasks", "workers"); ok {
		for _, item := range rawTasks {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			normalized, err := normalizeSpawnAgent(obj)
			if err != nil {
				continue
			}
			taskPayloads = append(taskPayloads, normalized)
		}
	} else if firstNonEmptyString(raw, "task", "objective", "description") != "" {
		normalized, err := normalizeSpawnAgent(raw)
		if err == nil {
			taskPayloads = append(taskPayloads, normalized)
		}
	}

	if len(taskPayloads) == 0 {
		return nil, fmt.Errorf("spawn_swarm requires at least one task")
	}

	strategy := string(model.StrategyFanOut)
	if s, ok := stringField(raw, "strategy"); ok {
		normalized := strings.ToLower(strings.TrimSpace(s))
		normalized = strings.ReplaceAll(normalized, "_", "-")
		normalized = strings.ReplaceAll(normalized, " ", "-")
		switch model.Strategy(normalized) {
		case model.StrategyFanOut, model.StrategyPipeline, model.StrategyMapReduce, model.StrategyDebate:
			strategy = normalized
		}
	}

	wait := true
	if w, ok := raw["wait"].(bool); ok {
		wait = w
	}

	tasksAny := make([]any, len(taskPayloads))
	for i, t := range taskPayloads {
		tasksAny[i] = t
	}

	return map[string]any{"tasks": tasksAny, "strategy": strategy, "wait": wait}, nil
}

func normalizeResolveConflicts(raw map[string]any) string {
	if rc, ok := stringField(raw, "resolve_conflicts"); ok {
		switch model.ResolveConflicts(strings.ToLower(strings.TrimSpace(rc))) {
		case model.ResolveAbort, model.ResolveOurs, model.ResolveTheirs:
			return strings.ToLower(strings.TrimSpace(rc))
		}
	}
	return string(model.ResolveAbort)
}

func stringField(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func firstNonEmptyString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := stringField(raw, k); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func listField(raw map[string]any, keys ...string) ([]any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if list, ok := v.([]any); ok {
				return list, true
			}
		}
	}
	return nil, false
}

func stringSliceField(raw map[string]any, key string) []string {
	list, ok := listField(raw, key)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// firstStringOrList accepts either a single string (wrapped as a
// one-element list) or a list of strings, checking keys in order.
func firstStringOrList(raw map[string]any, keys ...string) []string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		switch value := v.(type) {
		case string:
			if value != "" {
				return []string{value}
			}
		case []any:
			out := make([]string, 0, len(value))
			for _, item := range value {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}
