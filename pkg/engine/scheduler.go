package engine

import (
	"context"
	"sync"
	"time"

	"github.com/smilemakc/checkwave/pkg/models"
)

// execute drives the wave loop: run every level, process on_finish hooks,
// and repeat while routing scheduled forward targets, bounded by the
// routing budget. The journal and outputs history survive across waves;
// the results map does not.
func (r *run) execute(ctx context.Context) {
	for wave := 0; ; wave++ {
		r.beginWave()
		r.runForwardTargets(ctx)
		r.runLevels(ctx, wave)
		r.processOnFinish(ctx)

		r.mu.Lock()
		pending := len(r.pendingForward)
		budgetHit := r.loopBudgetHit
		r.mu.Unlock()

		if pending == 0 || budgetHit || wave >= r.maxLoops {
			return
		}

		r.mu.Lock()
		r.results = make(map[string]*models.StepResult)
		r.mu.Unlock()
	}
}

// beginWave resets the per-wave guard sets and promotes targets queued by
// the previous wave's routing.
func (r *run) beginWave() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.forwardScheduled = make(map[string]bool)
	r.forwardRunGuard = make(map[string]bool)
	r.wavePending = r.pendingForward
	r.pendingForward = nil
	for _, target := range r.wavePending {
		r.forwardScheduled[target.id] = true
	}
}

// runForwardTargets executes the correction runs queued for this wave.
// Item-scoped runs targeting the same forEach parent are grouped: each item
// re-runs under its scope, then a fresh aggregate is committed and fanned
// out again.
func (r *run) runForwardTargets(ctx context.Context) {
	r.mu.Lock()
	targets := r.wavePending
	r.wavePending = nil
	r.mu.Unlock()

	itemRuns := make(map[string][]forwardTarget)
	for _, target := range targets {
		if !target.scope.IsRoot() {
			itemRuns[target.id] = append(itemRuns[target.id], target)
			continue
		}
		cfg := r.configCheck(target.id)
		if cfg == nil {
			continue
		}
		r.executeWithRouting(ctx, &runCtx{
			id:     target.id,
			cfg:    cfg,
			scope:  models.RootScope,
			origin: originForward,
			event:  target.event,
		})
	}

	for id, runs := range itemRuns {
		r.rerunForEachParent(ctx, id, runs)
	}
}

// rerunForEachParent re-runs a forEach parent once per scheduled item scope
// and rebuilds its aggregate from the per-item outputs.
func (r *run) rerunForEachParent(ctx context.Context, id string, targets []forwardTarget) {
	cfg := r.configCheck(id)
	if cfg == nil {
		return
	}

	prev := r.resultFor(id)
	var items []any
	if prev != nil {
		items = prev.ForEachItems
	}

	outputs := make([]any, len(items))
	copy(outputs, items)

	for _, target := range targets {
		idx := -1
		if len(target.scope) > 0 {
			idx = target.scope[len(target.scope)-1].Index
		}
		if idx < 0 || idx >= len(items) {
			continue
		}
		result := r.executeWithRouting(ctx, &runCtx{
			id:      id,
			cfg:     cfg,
			scope:   target.scope,
			origin:  originForward,
			event:   target.event,
			foreach: &ForeachContext{Index: idx, Total: len(items), Parent: id},
			item:    items[idx],
			hasItem: true,
		})
		if result != nil && result.Output != nil {
			outputs[idx] = result.Output
		}
	}

	aggregate := &models.StepResult{
		Issues:       []models.Issue{},
		Output:       outputs,
		IsForEach:    true,
		ForEachItems: outputs,
	}
	r.journal.Commit(&JournalEntry{
		SessionID: r.sessionID,
		Scope:     models.RootScope,
		CheckID:   id,
		Event:     r.event,
		Result:    aggregate,
		RawOutput: outputs,
	})
	r.setResult(id, aggregate)
	loopIdx := r.recordForEachWave(id, aggregate, outputs)
	r.foreachFanOut(ctx, id, cfg, aggregate, outputs, loopIdx)
}

// runLevels executes the level-ordered plan. Steps inside a level run in
// parallel up to the configured cap; steps that would share an AI session
// are serialized within their conflict group.
func (r *run) runLevels(ctx context.Context, wave int) {
	for levelIdx, level := range r.plan.Levels {
		if r.isFailFast() {
			for _, id := range level.Parallel {
				if _, done := r.resultThisWave(id); !done {
					r.stats.RecordSkip(id, SkipReasonFailFast, "")
				}
			}
			continue
		}

		groups := r.sessionGroups(level.Parallel)

		parallelism := r.opts.MaxParallelism
		if parallelism <= 0 || parallelism > len(level.Parallel) {
			parallelism = len(level.Parallel)
		}
		if parallelism < 1 {
			parallelism = 1
		}
		semaphore := make(chan struct{}, parallelism)

		var wg sync.WaitGroup
		for _, group := range groups {
			wg.Add(1)
			go func(ids []string) {
				defer wg.Done()
				for _, id := range ids {
					semaphore <- struct{}{}
					r.runLevelTask(ctx, id, levelIdx, wave)
					<-semaphore
				}
			}(group)
		}
		wg.Wait()
	}
}

// runLevelTask runs one step of a level, applying the barrier, guards and
// gating rules before handing off to the routing executor.
func (r *run) runLevelTask(ctx context.Context, id string, levelIdx, wave int) {
	cfg := r.plan.Checks[id]
	if cfg == nil {
		return
	}
	r.stats.Init(id)

	// Published inline by a forEach parent or a forward run this wave.
	if _, done := r.resultThisWave(id); done {
		return
	}

	r.awaitSameLevelDeps(ctx, id, levelIdx)

	if _, done := r.resultThisWave(id); done {
		return
	}
	if r.isFailFast() {
		r.stats.RecordSkip(id, SkipReasonFailFast, "")
		return
	}
	if cfg.IsOneShot() && r.oneShotUsed(id) {
		return
	}

	forward := r.isForwardScheduled(id)

	// On repeat waves only forward targets and steps revived by their
	// fresh dependencies run again; everything else already has its
	// committed result in the journal.
	if wave > 0 && !forward && len(r.plan.Deps[id]) == 0 {
		return
	}

	if !forward {
		if satisfied := r.depsSatisfied(id, wave); !satisfied {
			// On repeat waves an unsatisfied check simply keeps its
			// earlier committed result; only the first wave records
			// the skip.
			if wave == 0 {
				r.recordSkip(&runCtx{id: id, cfg: cfg, scope: models.RootScope, event: r.event},
					SkipReasonDependencyFailed, "")
			}
			return
		}
	}

	if cfg.If != "" && !r.ifConditionPasses(cfg, id, models.RootScope) {
		r.recordSkip(&runCtx{id: id, cfg: cfg, scope: models.RootScope, event: r.event},
			SkipReasonIfCondition, cfg.If)
		return
	}

	result := r.executeWithRouting(ctx, &runCtx{
		id:     id,
		cfg:    cfg,
		scope:  models.RootScope,
		origin: originLevel,
		event:  r.event,
	})

	if r.opts.FailFast && result != nil && result.HasFailureIssue() {
		r.tripFailFast()
	}
}

// awaitSameLevelDeps is the bounded intra-level barrier: wait for any
// same-level dependencies to publish results before gating.
func (r *run) awaitSameLevelDeps(ctx context.Context, id string, levelIdx int) {
	level := r.plan.Levels[levelIdx]
	inLevel := make(map[string]bool, len(level.Parallel))
	for _, member := range level.Parallel {
		inLevel[member] = true
	}

	var waitFor []string
	for _, group := range r.plan.Deps[id] {
		for _, dep := range group {
			if inLevel[dep] && dep != id {
				waitFor = append(waitFor, dep)
			}
		}
	}
	if len(waitFor) == 0 {
		return
	}

	deadline := time.Now().Add(BarrierDeadline)
	for time.Now().Before(deadline) {
		ready := true
		for _, dep := range waitFor {
			if _, ok := r.resultThisWave(dep); !ok {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(BarrierPollInterval):
		}
	}
	r.engine.logger.Warn().Str("check", id).Msg("intra-level barrier deadline reached")
}

// depsSatisfied applies the gating rule: every depends_on group (all-of)
// needs at least one satisfied branch (any-of). A branch is satisfied when
// it has a result that is neither a skip marker nor gating-fatal (unless
// the dependency opted into continue_on_failure).
func (r *run) depsSatisfied(id string, wave int) bool {
	for _, group := range r.plan.Deps[id] {
		satisfied := false
		for _, dep := range group {
			var result *models.StepResult
			if wave > 0 {
				// Repeat waves only trust results refreshed this wave.
				result, _ = r.resultThisWave(dep)
			} else {
				result = r.resultFor(dep)
			}
			if result == nil || result.IsSkipped() {
				continue
			}
			depCfg := r.configCheck(dep)
			if result.HasGatingFatalIssue() && (depCfg == nil || !depCfg.ContinueOnFailure) {
				continue
			}
			satisfied = true
			break
		}
		if !satisfied {
			return false
		}
	}
	return true
}

// ifConditionPasses evaluates a step's if condition fail-secure: any
// evaluation error skips the step.
func (r *run) ifConditionPasses(cfg *models.CheckConfig, id string, scope models.ScopePath) bool {
	snapshot := r.journal.BeginSnapshot()
	view := NewContextView(r.journal, r.sessionID, snapshot, scope, r.event)
	pass, err := r.engine.evaluator.EvaluateBool(cfg.If, r.exprScope(&runCtx{id: id, cfg: cfg, scope: scope, event: r.event}, view, nil, 0, ""))
	if err != nil {
		r.engine.logger.Warn().Err(err).Str("check", id).Msg("if condition failed to evaluate, skipping")
		return false
	}
	return pass
}

// recordSkip records the skip in stats and commits the synthesized skip
// marker so dependents and aggregation see it.
func (r *run) recordSkip(rc *runCtx, reason, condition string) {
	r.stats.RecordSkip(rc.id, reason, condition)

	result := &models.StepResult{Issues: []models.Issue{{
		Severity:  models.SeverityInfo,
		RuleID:    rc.id + models.SkipMarkerSuffix,
		Message:   "skipped: " + reason,
		CheckName: rc.id,
	}}}

	r.journal.Commit(&JournalEntry{
		SessionID: r.sessionID,
		Scope:     rc.scope,
		CheckID:   rc.id,
		Event:     rc.event,
		Result:    result,
	})
	if rc.scope.IsRoot() {
		r.setResult(rc.id, result)
	}
}

// sessionGroups partitions a level into sequential conflict groups: steps
// that resolve to the same AI session root must not run concurrently.
func (r *run) sessionGroups(ids []string) [][]string {
	var groups [][]string
	byRoot := make(map[string]int)

	for _, id := range ids {
		root := r.sessionRoot(id)
		if root == "" {
			groups = append(groups, []string{id})
			continue
		}
		if idx, ok := byRoot[root]; ok {
			groups[idx] = append(groups[idx], id)
			continue
		}
		byRoot[root] = len(groups)
		groups = append(groups, []string{id})
	}
	return groups
}

// sessionRoot follows reuse_ai_session references to the originating check.
func (r *run) sessionRoot(id string) string {
	seen := map[string]bool{}
	current := id
	reused := false
	for {
		cfg := r.configCheck(current)
		if cfg == nil || seen[current] {
			break
		}
		seen[current] = true
		next, ok := cfg.Params["reuse_ai_session"].(string)
		if !ok || next == "" {
			break
		}
		reused = true
		current = next
	}
	if !reused && r.reuseTargets()[id] == 0 {
		return ""
	}
	return current
}

// reuseTargets counts how many checks reuse each session origin.
func (r *run) reuseTargets() map[string]int {
	counts := make(map[string]int)
	for _, cfg := range r.plan.Checks {
		if cfg == nil {
			continue
		}
		if target, ok := cfg.Params["reuse_ai_session"].(string); ok && target != "" {
			counts[target]++
		}
	}
	return counts
}
