package engine

import (
	"context"

	"github.com/smilemakc/checkwave/pkg/memory"
	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/sandbox"
)

// exprScope assembles the enumerated namespace visible to sandbox
// expressions. Every key here is part of the expression contract; nothing
// else leaks in.
func (r *run) exprScope(rc *runCtx, view *ContextView, result *models.StepResult, attempt int, errMsg string) map[string]any {
	cfg := rc.cfg
	if cfg == nil {
		cfg = r.configCheck(rc.id)
	}

	var tags []string
	var group string
	if cfg != nil {
		tags = cfg.Tags
		group = cfg.Group
	}

	scope := map[string]any{
		"step": map[string]any{
			"id":    rc.id,
			"tags":  tags,
			"group": group,
		},
		"attempt":         attempt,
		"loop":            r.currentLoopCount(),
		"outputs":         view.Outputs(),
		"outputs_history": r.history.Snapshot(),
		"outputs_raw":     view.RawOutputs(),
		"pr":              r.contextPR(rc).AsMap(),
		"files":           r.contextFiles(rc),
		"env":             sandbox.SafeEnv(),
		"event":           map[string]any{"name": string(rc.event)},
		"permissions":     r.permissionHelpers(),
		"memory":          r.memoryHelpers(),
	}

	if result != nil {
		scope["output"] = result.Output
	}
	if errMsg != "" {
		scope["error"] = errMsg
	}
	if rc.foreach != nil {
		scope["foreach"] = map[string]any{
			"index":  rc.foreach.Index,
			"total":  rc.foreach.Total,
			"parent": rc.foreach.Parent,
		}
	}
	return scope
}

func (r *run) currentLoopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loopCount
}

func (r *run) contextFiles(rc *runCtx) []any {
	pr := r.contextPR(rc)
	if pr == nil {
		return []any{}
	}
	files := make([]any, len(pr.Files))
	for i, f := range pr.Files {
		files[i] = map[string]any{
			"filename":  f.Filename,
			"status":    f.Status,
			"additions": f.Additions,
			"deletions": f.Deletions,
			"patch":     f.Patch,
		}
	}
	return files
}

// permissionHelpers exposes the permissions.* namespace. permissions.has
// resolves every capability to true.
func (r *run) permissionHelpers() map[string]any {
	return map[string]any{
		"has": func(string) bool { return true },
	}
}

// memoryHelpers closes over the run's memory store with the configured
// default namespace. Store errors degrade to nulls so expressions stay
// total.
func (r *run) memoryHelpers() map[string]any {
	store := r.engine.memory
	namespace := r.opts.MemoryNamespace
	if namespace == "" {
		namespace = memory.DefaultNamespace
	}
	ctx := context.Background()
	logger := r.engine.logger

	return map[string]any{
		"get": func(key string) any {
			value, _, err := store.Get(ctx, namespace, key)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("memory.get failed")
				return nil
			}
			return value
		},
		"has": func(key string) bool {
			ok, err := store.Has(ctx, namespace, key)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("memory.has failed")
				return false
			}
			return ok
		},
		"list": func() []string {
			keys, err := store.List(ctx, namespace)
			if err != nil {
				logger.Warn().Err(err).Msg("memory.list failed")
				return nil
			}
			return keys
		},
		"getAll": func() map[string]any {
			all, err := store.GetAll(ctx, namespace)
			if err != nil {
				logger.Warn().Err(err).Msg("memory.getAll failed")
				return nil
			}
			return all
		},
		"set": func(key string, value any) {
			if err := store.Set(ctx, namespace, key, value); err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("memory.set failed")
			}
		},
		"increment": func(key string) int64 {
			value, err := store.Increment(ctx, namespace, key, 1)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("memory.increment failed")
				return 0
			}
			return value
		},
	}
}
