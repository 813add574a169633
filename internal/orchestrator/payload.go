package orchestrator

import "github.com/rileywarren/codex-swarm/internal/model"

// This file decodes the map[string]any payload carried by a
// model.DispatchRequest into the typed payload structs the rest of the
// package operates on. Two payload shapes reach HandleDispatch: one
// already normalized by internal/dispatch (scope as []string), and one
// arriving verbatim off the IPC socket (scope as []any of strings, since
// it round-tripped through encoding/json). Every accessor below accepts
// both.

func toStringValue(v any) string {
	s, _ := v.(string)
	return s
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func spawnAgentPayloadFromMap(payload map[string]any) model.SpawnAgentPayload {
	priority := model.Priority(toStringValue(payload["priority"]))
	if priority == "" {
		priority = model.PriorityNormal
	}

	returnFormat := model.ReturnFormat(toStringValue(payload["return_format"]))
	if returnFormat == "" {
		returnFormat = model.ReturnFormatSummary
	}

	return model.SpawnAgentPayload{
		Task:         toStringValue(payload["task"]),
		Scope:        toStringSlice(payload["scope"]),
		Context:      toStringValue(payload["context"]),
		Priority:     priority,
		ReturnFormat: returnFormat,
	}
}

func spawnSwarmPayloadFromMap(payload map[string]any) model.SpawnSwarmPayload {
	var tasks []model.SpawnAgentPayload
	if rawTasks, ok := payload["tasks"].([]any); ok {
		for _, item := range rawTasks {
			if m, ok := item.(map[string]any); ok {
				tasks = append(tasks, spawnAgentPayloadFromMap(m))
			}
		}
	}

	strategyName := model.Strategy(toStringValue(payload["strategy"]))
	if strategyName == "" {
		strategyName = model.StrategyFanOut
	}

	wait := true
	if w, ok := payload["wait"].(bool); ok {
		wait = w
	}

	return model.SpawnSwarmPayload{Tasks: tasks, Strategy: strategyName, Wait: wait}
}

func checkWorkersPayloadFromMap(payload map[string]any) model.CheckWorkersPayload {
	return model.CheckWorkersPayload{WorkerIDs: toStringSlice(payload["worker_ids"])}
}

func mergeResultsPayloadFromMap(payload map[string]any) model.MergeResultsPayload {
	resolve := model.ResolveConflicts(toStringValue(payload["resolve_conflicts"]))
	if resolve == "" {
		resolve = model.ResolveAbort
	}
	return model.MergeResultsPayload{WorkerIDs: toStringSlice(payload["worker_ids"]), ResolveConflicts: resolve}
}
