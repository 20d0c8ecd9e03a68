package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/smilemakc/checkwave/pkg/models"
)

// recordForEachWave records one fan-out wave for a parent: the aggregate
// array plus a wave marker, clearing earlier waves' last_loop flags first.
// Returns the wave's loop index.
func (r *run) recordForEachWave(parentID string, parentResult *models.StepResult, items []any) int {
	r.stats.RecordForEachPreview(parentID, items)

	r.mu.Lock()
	loopIdx := r.foreachWaves[parentID]
	r.foreachWaves[parentID]++
	r.mu.Unlock()

	r.history.ClearLastLoopFlags()
	r.history.Append(parentID, parentResult.Output)
	r.history.Append(parentID, map[string]any{
		HistoryKeyLoopIdx:  loopIdx,
		HistoryKeyLastLoop: true,
		HistoryKeyItems:    itemIDs(items),
	})
	return loopIdx
}

// foreachFanOut runs every direct dependent of a committed forEach parent
// once per item, cascading to further descendants through their fatality
// masks.
func (r *run) foreachFanOut(ctx context.Context, parentID string, parentCfg *models.CheckConfig, parentResult *models.StepResult, items []any, loopIdx int) {
	for _, dependent := range r.plan.Dependents[parentID] {
		r.fanOutDependent(ctx, parentID, parentCfg, items, loopIdx, dependent)
	}
}

// fanOutDependent executes one dependent per item and commits its
// aggregate, then recurses into the dependent's own dependents so deeper
// descendants observe the accumulated fatality masks.
func (r *run) fanOutDependent(ctx context.Context, parentID string, parentCfg *models.CheckConfig, items []any, loopIdx int, depID string) {
	if _, done := r.resultThisWave(depID); done {
		return
	}
	depCfg := r.configCheck(depID)
	if depCfg == nil {
		return
	}
	r.stats.Init(depID)

	runnable, explicitFatal := r.runnableIndices(depID, len(items))
	if countTrue(runnable) == 0 {
		if !explicitFatal {
			r.engine.logger.Warn().
				Str("check", depID).
				Str("parent", parentID).
				Msg("no runnable fan-out items but no fatal markers, running all")
			for i := range runnable {
				runnable[i] = true
			}
		} else {
			r.recordSkip(&runCtx{id: depID, cfg: depCfg, scope: models.RootScope, event: r.event},
				SkipReasonDependencyFailed, "")
			return
		}
	}

	itemResults := make([]*models.StepResult, len(items))
	for i := range items {
		if !runnable[i] {
			continue
		}
		scope := models.ItemScope(parentID, i)
		rc := &runCtx{
			id:      depID,
			cfg:     depCfg,
			scope:   scope,
			origin:  originForEach,
			event:   r.event,
			foreach: &ForeachContext{Index: i, Total: len(items), Parent: parentID},
			item:    items[i],
			hasItem: true,
		}

		if depCfg.If != "" && !r.ifConditionPasses(depCfg, depID, scope) {
			r.recordSkip(rc, SkipReasonIfCondition, depCfg.If)
			continue
		}

		itemResults[i] = r.executeWithRouting(ctx, rc)
	}

	aggregate := r.aggregateItems(parentCfg, depID, items, itemResults)

	r.journal.Commit(&JournalEntry{
		SessionID: r.sessionID,
		Scope:     models.RootScope,
		CheckID:   depID,
		Event:     r.event,
		Result:    aggregate,
		RawOutput: aggregate.Output,
	})
	r.setResult(depID, aggregate)
	r.appendItemHistory(parentID, depID, items, itemResults, loopIdx)

	for _, next := range r.plan.Dependents[depID] {
		r.fanOutDependent(ctx, parentID, parentCfg, items, loopIdx, next)
	}
}

// runnableIndices intersects the fatality masks of every fan-out dependency
// the check has. explicitFatal reports whether any mask entry was actually
// set, distinguishing real gating from missing markers.
func (r *run) runnableIndices(depID string, total int) ([]bool, bool) {
	runnable := make([]bool, total)
	for i := range runnable {
		runnable[i] = true
	}
	explicitFatal := false

	for _, group := range r.plan.Deps[depID] {
		for _, dep := range group {
			result := r.resultFor(dep)
			if result == nil || !result.IsForEach {
				continue
			}
			if len(result.ForEachFatalMask) != total {
				if len(result.ForEachFatalMask) > 0 {
					r.engine.logger.Warn().
						Str("check", depID).
						Str("dependency", dep).
						Msg("fatality mask length mismatch, ignoring mask")
				}
				continue
			}
			for i, fatal := range result.ForEachFatalMask {
				if fatal {
					explicitFatal = true
					runnable[i] = false
				}
			}
		}
	}
	return runnable, explicitFatal
}

// aggregateItems folds per-item results into the dependent's aggregate:
// issues concatenate, outputs collect by index, content joins by newline,
// and the fatality mask marks items whose result carries a gating-fatal
// issue or whose parent-side fail_if triggers on the item's output.
func (r *run) aggregateItems(parentCfg *models.CheckConfig, depID string, items []any, itemResults []*models.StepResult) *models.StepResult {
	aggregate := &models.StepResult{
		Issues:             []models.Issue{},
		IsForEach:          true,
		ForEachItems:       items,
		ForEachItemResults: itemResults,
		ForEachFatalMask:   make([]bool, len(items)),
	}

	outputs := make([]any, len(items))
	var contents []string

	for i, result := range itemResults {
		if result == nil {
			continue
		}
		aggregate.Issues = append(aggregate.Issues, result.Issues...)
		outputs[i] = result.Output
		if result.Content != "" {
			contents = append(contents, result.Content)
		}

		fatal := result.HasGatingFatalIssue()
		if !fatal && parentCfg != nil && parentCfg.FailIf != "" {
			triggered, err := r.engine.evaluator.EvaluateBool(parentCfg.FailIf, map[string]any{
				"output": result.Output,
				"item":   items[i],
			})
			if err != nil {
				r.engine.logger.Warn().Err(err).Str("check", depID).Int("index", i).Msg("parent fail_if evaluation failed")
			} else if triggered {
				fatal = true
			}
		}
		aggregate.ForEachFatalMask[i] = fatal
	}

	aggregate.Output = outputs
	aggregate.Content = strings.Join(contents, "\n")
	return aggregate
}

// appendItemHistory pushes each per-item output as a separate annotated
// history entry. Items that produced nothing get a synthesized missing
// record so wave-scanning expressions see every index.
func (r *run) appendItemHistory(parentID, depID string, items []any, itemResults []*models.StepResult, loopIdx int) {
	ids := itemIDs(items)
	for i, result := range itemResults {
		annotations := map[string]any{
			HistoryKeyParent:   parentID,
			HistoryKeyLoopIdx:  loopIdx,
			HistoryKeyLastLoop: true,
			HistoryKeyItemID:   ids[i],
		}

		var output any
		if result != nil {
			output = result.Output
		}
		if output == nil {
			missing := map[string]any{
				"is_valid":   false,
				"confidence": "low",
				"reason":     "missing",
			}
			for k, v := range annotations {
				missing[k] = v
			}
			r.history.Append(depID, missing)
			continue
		}

		if m, ok := output.(map[string]any); ok {
			annotated := make(map[string]any, len(m)+len(annotations))
			for k, v := range m {
				annotated[k] = v
			}
			for k, v := range annotations {
				annotated[k] = v
			}
			r.history.Append(depID, annotated)
			continue
		}
		r.history.Append(depID, output)
	}
}

// runTargetPerItem fans a routed target over a forEach parent's items
// (fanout: map). The aggregate commits like a dependent fan-out.
func (r *run) runTargetPerItem(ctx context.Context, parentID string, items []any, targetID string, targetCfg *models.CheckConfig) {
	r.stats.Init(targetID)
	loopIdx := r.currentForEachWave(parentID)

	itemResults := make([]*models.StepResult, len(items))
	for i := range items {
		scope := models.ItemScope(parentID, i)
		rc := &runCtx{
			id:      targetID,
			cfg:     targetCfg,
			scope:   scope,
			origin:  originForEach,
			event:   r.event,
			foreach: &ForeachContext{Index: i, Total: len(items), Parent: parentID},
			item:    items[i],
			hasItem: true,
		}
		if targetCfg.If != "" && !r.ifConditionPasses(targetCfg, targetID, scope) {
			r.recordSkip(rc, SkipReasonIfCondition, targetCfg.If)
			continue
		}
		itemResults[i] = r.executeWithRouting(ctx, rc)
	}

	parentCfg := r.configCheck(parentID)
	aggregate := r.aggregateItems(parentCfg, targetID, items, itemResults)

	r.journal.Commit(&JournalEntry{
		SessionID: r.sessionID,
		Scope:     models.RootScope,
		CheckID:   targetID,
		Event:     r.event,
		Result:    aggregate,
		RawOutput: aggregate.Output,
	})
	r.setResult(targetID, aggregate)
	r.appendItemHistory(parentID, targetID, items, itemResults, loopIdx)
}

// currentForEachWave returns the loop index of the parent's most recent
// recorded wave.
func (r *run) currentForEachWave(parentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if waves := r.foreachWaves[parentID]; waves > 0 {
		return waves - 1
	}
	return 0
}

// itemIDs derives a display id per item: an "id" field when the item is an
// object, the item itself when it is a string, "item-<index>" otherwise.
func itemIDs(items []any) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case map[string]any:
			if id, ok := v["id"].(string); ok && id != "" {
				ids[i] = id
				continue
			}
			ids[i] = fmt.Sprintf("item-%d", i)
		case string:
			ids[i] = v
		default:
			ids[i] = fmt.Sprintf("item-%d", i)
		}
	}
	return ids
}

func countTrue(mask []bool) int {
	count := 0
	for _, set := range mask {
		if set {
			count++
		}
	}
	return count
}
