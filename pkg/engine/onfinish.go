package engine

import (
	"context"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/sandbox"
)

// processOnFinish evaluates on_finish hooks of forEach parents after the
// wave's levels completed. Hooks may run additional checks inline and may
// schedule forward runs, triggering another wave.
func (r *run) processOnFinish(ctx context.Context) {
	for _, level := range r.plan.Levels {
		for _, id := range level.Parallel {
			cfg := r.plan.Checks[id]
			if cfg == nil || !cfg.ForEach || cfg.OnFinish.IsEmpty() {
				continue
			}
			r.processParentOnFinish(ctx, id, cfg)
		}
	}
}

func (r *run) processParentOnFinish(ctx context.Context, parentID string, parentCfg *models.CheckConfig) {
	parentResult := r.resultFor(parentID)
	if parentResult == nil || !parentResult.IsForEach {
		return
	}
	items := parentResult.ForEachItems
	hook := parentCfg.OnFinish

	// Direct dependents must have results before the hook sees the wave.
	loopIdx := r.currentForEachWave(parentID)
	for _, dependent := range r.plan.Dependents[parentID] {
		if r.resultFor(dependent) == nil {
			r.fanOutDependent(ctx, parentID, parentCfg, items, loopIdx, dependent)
		}
	}

	scope := r.onFinishScope(parentID, parentCfg, parentResult)
	rc := &runCtx{id: parentID, cfg: parentCfg, scope: models.RootScope, origin: originFinish, event: r.event}

	for _, target := range hook.Run {
		if !r.allowRoute(parentID, parentResult) {
			return
		}
		r.runNamed(ctx, target, rc, parentCfg, parentResult, originFinish)
	}
	if hook.RunJS != "" {
		value, err := r.engine.evaluator.Evaluate(hook.RunJS, scope)
		if err != nil {
			r.engine.logger.Warn().Err(err).Str("check", parentID).Msg("on_finish run_js evaluation failed")
		} else {
			for _, target := range sandbox.StringList(value) {
				if !r.allowRoute(parentID, parentResult) {
					return
				}
				r.runNamed(ctx, target, rc, parentCfg, parentResult, originFinish)
			}
		}
	}

	target := hook.Goto
	if hook.GotoJS != "" {
		value, err := r.engine.evaluator.Evaluate(hook.GotoJS, scope)
		if err != nil {
			r.engine.logger.Warn().Err(err).Str("check", parentID).Msg("on_finish goto_js evaluation failed")
			target = ""
		} else if targets := sandbox.StringList(value); len(targets) > 0 {
			target = targets[0]
		} else {
			target = ""
		}
	}
	if target == "" {
		return
	}

	// A goto back to the parent is suppressed once the last wave's
	// per-item verdicts are all valid.
	if target == parentID && r.lastWaveAllValid(parentID) {
		r.engine.logger.Debug().Str("check", parentID).Msg("on_finish goto suppressed, last wave all valid")
		return
	}

	// Per-parent route budget, one below the run-wide budget.
	r.mu.Lock()
	r.onFinishRoutes[parentID]++
	routes := r.onFinishRoutes[parentID]
	r.mu.Unlock()
	if routes > r.maxLoops-1 {
		parentResult.AddIssue(models.Issue{
			Severity:  models.SeverityError,
			RuleID:    parentID + "/" + models.RuleLoopBudgetExceeded,
			Message:   "on_finish route budget exceeded",
			CheckName: parentID,
		})
		return
	}
	if !r.allowRoute(parentID, parentResult) {
		return
	}

	effEvent := r.event
	if hook.GotoEvent != "" {
		effEvent = hook.GotoEvent
	}

	r.mu.Lock()
	if target == parentID && parentCfg.EffectiveFanout() == models.FanoutMap {
		for i := range items {
			r.pendingForward = append(r.pendingForward, forwardTarget{
				id:    target,
				scope: models.ItemScope(parentID, i),
				event: effEvent,
			})
		}
	} else {
		r.pendingForward = append(r.pendingForward, forwardTarget{id: target, scope: models.RootScope, event: effEvent})
	}
	r.mu.Unlock()
}

// onFinishScope builds the post-run context handed to on_finish
// expressions.
func (r *run) onFinishScope(parentID string, parentCfg *models.CheckConfig, parentResult *models.StepResult) map[string]any {
	items := parentResult.ForEachItems
	total := len(items)

	failed := 0
	for _, dependent := range r.plan.Dependents[parentID] {
		result := r.resultFor(dependent)
		if result == nil || !result.IsForEach {
			continue
		}
		for _, fatal := range result.ForEachFatalMask {
			if fatal {
				failed++
			}
		}
		break
	}
	successful := total - failed
	if successful < 0 {
		successful = 0
	}

	snapshot := r.journal.BeginSnapshot()
	view := NewContextView(r.journal, r.sessionID, snapshot, models.RootScope, r.event)

	scope := r.exprScope(&runCtx{id: parentID, cfg: parentCfg, scope: models.RootScope, event: r.event}, view, parentResult, 0, "")
	scope["forEach"] = map[string]any{
		"total":          total,
		"last_wave_size": total,
		"items":          items,
		"successful":     successful,
		"failed":         failed,
	}
	return scope
}

// lastWaveAllValid computes the "all valid" verdict: every direct dependent
// whose last-wave history entries carry a boolean is_valid / valid field
// must have all of them true. Dependents without verdicts do not block.
func (r *run) lastWaveAllValid(parentID string) bool {
	for _, dependent := range r.plan.Dependents[parentID] {
		for _, entry := range r.history.LastWave(dependent) {
			if parent, ok := entry[HistoryKeyParent].(string); !ok || parent != parentID {
				continue
			}
			verdict, found := entry["is_valid"]
			if !found {
				verdict, found = entry["valid"]
			}
			if !found {
				continue
			}
			if valid, ok := verdict.(bool); ok && !valid {
				return false
			}
		}
	}
	return true
}
