package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
	"github.com/smilemakc/checkwave/pkg/sandbox"
)

// executeWithRouting wraps one provider call in the routing state machine:
// attempt -> classify -> (success | soft-fail | hard-fail), with fail_if
// evaluation, retries with backoff, and on_success / on_fail hooks. The
// final result is committed to the journal before fan-out runs.
func (r *run) executeWithRouting(ctx context.Context, rc *runCtx) *models.StepResult {
	cfg := rc.cfg
	if cfg == nil {
		cfg = r.configCheck(rc.id)
		rc.cfg = cfg
	}
	if cfg == nil {
		result := &models.StepResult{Issues: []models.Issue{{
			Severity:  models.SeverityError,
			RuleID:    rc.id + "/" + models.RuleErrorSuffix,
			Message:   fmt.Sprintf("unknown check %q", rc.id),
			CheckName: rc.id,
		}}}
		r.commitResult(rc, result, nil)
		return result
	}

	// max_runs cap at (check, scope); the provider is not invoked.
	limit := cfg.MaxRuns
	if limit == 0 {
		limit = r.opts.DefaultMaxRuns
	}
	if limit > 0 && r.runCount(rc.id, rc.scope) >= limit {
		result := &models.StepResult{Issues: []models.Issue{{
			Severity:  models.SeverityError,
			RuleID:    rc.id + "/" + models.RuleMaxRunsExceeded,
			Message:   fmt.Sprintf("check %q exceeded max_runs (%d) at scope %s", rc.id, limit, rc.scope),
			CheckName: rc.id,
		}}}
		r.commitResult(rc, result, nil)
		return result
	}
	r.incrementRunCount(rc.id, rc.scope)
	if cfg.IsOneShot() {
		r.markOneShot(rc.id)
	}

	var result *models.StepResult
	var rawOutput any
	attempt := 1

	for {
		started := r.stats.RecordIterationStart(rc.id)
		snapshot := r.journal.BeginSnapshot()
		view := NewContextView(r.journal, r.sessionID, snapshot, rc.scope, rc.event)

		provResult, raw, execErr := r.invokeProvider(ctx, rc, cfg, view)
		rawOutput = raw

		if execErr != nil {
			ruleID := rc.id + "/" + models.RuleErrorSuffix
			if rc.foreach != nil {
				ruleID = rc.id + "/" + models.RuleForEachIterationErr
			}
			result = &models.StepResult{Issues: []models.Issue{{
				Severity:  classifyErrorSeverity(execErr),
				RuleID:    ruleID,
				Message:   execErr.Error(),
				CheckName: rc.id,
			}}}
		} else {
			result = provResult
			r.applyFailIf(rc, cfg, view, result, attempt)
		}

		r.stats.RecordIterationComplete(rc.id, started, result, execErr)

		if !result.HasFailureIssue() {
			break
		}

		retry := r.retryConfig(cfg)
		if retry == nil || retry.Max <= 0 || attempt > retry.Max {
			break
		}
		if !r.allowRoute(rc.id, result) {
			break
		}

		delay := retryDelay(retry, attempt, rc.id, r.pr.Key())
		r.engine.logger.Debug().
			Str("check", rc.id).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying step")
		if !sleep(ctx, delay) {
			break
		}
		attempt++
	}

	// A forEach parent must produce an array; anything else is a fan-out
	// failure that gates dependents.
	var items []any
	isFanOut := false
	if cfg.ForEach && rc.scope.IsRoot() && !result.IsSkipped() {
		if arr, ok := result.Output.([]any); ok {
			items = arr
			isFanOut = true
			result.IsForEach = true
			result.ForEachItems = arr
		} else if !result.HasFailureIssue() {
			result.AddIssue(models.Issue{
				Severity:  models.SeverityError,
				RuleID:    rc.id + "/" + models.RuleForEachUndefined,
				Message:   fmt.Sprintf("forEach check %q did not produce an array output", rc.id),
				CheckName: rc.id,
			})
		}
	}

	// Commit before hooks so routed targets see this result in their
	// dependency view. Hook-added issues mutate the committed result.
	r.commitResult(rc, result, rawOutput)

	loopIdx := 0
	if isFanOut {
		loopIdx = r.recordForEachWave(rc.id, result, items)
	}

	if result.HasFailureIssue() {
		r.processFailHooks(ctx, rc, cfg, result)
	} else {
		r.processSuccessHooks(ctx, rc, cfg, result)
	}

	if isFanOut {
		r.foreachFanOut(ctx, rc.id, cfg, result, items, loopIdx)
	}

	return result
}

// invokeProvider runs the provider once, recovering panics into errors and
// recording raw provider time separately from total step duration.
func (r *run) invokeProvider(ctx context.Context, rc *runCtx, cfg *models.CheckConfig, view *ContextView) (result *models.StepResult, raw any, err error) {
	p, err := r.engine.registry.ForCheck(cfg)
	if err != nil {
		return nil, nil, err
	}

	input := &provider.StepInput{
		CheckID:        rc.id,
		Check:          cfg,
		Params:         provider.Params(cfg.Params),
		Event:          rc.event,
		Scope:          rc.scope,
		PR:             r.contextPR(rc),
		ForEachItem:    rc.item,
		HasForEachItem: rc.hasItem,
	}
	reuse, _ := cfg.Params["reuse_ai_session"].(string)
	execCtx := &provider.ExecContext{
		SessionID:      r.sessionID,
		ReuseSessionID: reuse,
		CLIMode:        r.opts.CLIMode,
		Debug:          r.opts.Debug,
		History:        r.history.Snapshot(),
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider panic: %v", rec)
		}
	}()

	started := time.Now()
	out, err := p.Execute(ctx, input, view, execCtx)
	r.stats.AddProviderDuration(rc.id, time.Since(started))
	r.engine.telemetry.EmitSpan("provider.execute", map[string]any{
		"check":       rc.id,
		"type":        cfg.Type,
		"scope":       rc.scope.String(),
		"duration_ms": time.Since(started).Milliseconds(),
	})
	if err != nil {
		return nil, nil, err
	}

	result = models.NormalizeResult(out)
	return result, result.Output, nil
}

// applyFailIf evaluates the step and global fail_if expressions over the
// produced result. Each triggered condition appends an error issue.
// Evaluation errors are logged and treated as not triggered.
func (r *run) applyFailIf(rc *runCtx, cfg *models.CheckConfig, view *ContextView, result *models.StepResult, attempt int) {
	scope := r.exprScope(rc, view, result, attempt, "")

	if cfg.FailIf != "" {
		triggered, err := r.engine.evaluator.EvaluateBool(cfg.FailIf, scope)
		if err != nil {
			r.engine.logger.Warn().Err(err).Str("check", rc.id).Msg("fail_if evaluation failed")
		} else if triggered {
			result.AddIssue(models.Issue{
				Severity:  models.SeverityError,
				RuleID:    rc.id + "_fail_if",
				Message:   "fail_if condition met: " + cfg.FailIf,
				CheckName: rc.id,
			})
		}
	}

	if r.opts.GlobalFailIf != "" {
		triggered, err := r.engine.evaluator.EvaluateBool(r.opts.GlobalFailIf, scope)
		if err != nil {
			r.engine.logger.Warn().Err(err).Str("check", rc.id).Msg("global fail_if evaluation failed")
		} else if triggered {
			result.AddIssue(models.Issue{
				Severity:  models.SeverityError,
				RuleID:    models.RuleGlobalFailIf,
				Message:   "global fail_if condition met: " + r.opts.GlobalFailIf,
				CheckName: rc.id,
			})
		}
	}
}

// processSuccessHooks handles on_success: run/run_js targets execute inline
// under the current scope; goto/goto_js schedules a forward set whose
// dependents also run inline within this wave.
func (r *run) processSuccessHooks(ctx context.Context, rc *runCtx, cfg *models.CheckConfig, result *models.StepResult) {
	hook := cfg.OnSuccess
	if hook.IsEmpty() {
		return
	}

	for _, target := range r.hookTargets(rc, hook, result) {
		if !r.allowRoute(rc.id, result) {
			return
		}
		r.runNamed(ctx, target, rc, cfg, result, originSuccess)
	}

	if rc.origin.suppressesGoto() {
		return
	}
	target := r.gotoTarget(rc, hook, result)
	if target == "" {
		return
	}
	if !r.allowRoute(rc.id, result) {
		return
	}
	r.scheduleForwardRun(ctx, target, originSuccess, hook.GotoEvent, rc)
}

// processFailHooks handles on_fail after retries are exhausted. The
// one-bounce guard suppresses goto when the step itself was routed from
// on_fail or a fan-out.
func (r *run) processFailHooks(ctx context.Context, rc *runCtx, cfg *models.CheckConfig, result *models.StepResult) {
	hook := cfg.OnFail
	if hook.IsEmpty() && r.opts.RoutingDefaults != nil {
		hook = r.opts.RoutingDefaults.OnFail
	}
	if hook.IsEmpty() {
		return
	}

	for _, target := range r.hookTargets(rc, hook, result) {
		if !r.allowRoute(rc.id, result) {
			return
		}
		r.runNamed(ctx, target, rc, cfg, result, originFail)
	}

	if rc.origin.suppressesGoto() {
		return
	}
	target := r.gotoTarget(rc, hook, result)
	if target == "" {
		return
	}
	if !r.allowRoute(rc.id, result) {
		return
	}
	r.scheduleForwardRun(ctx, target, originFail, hook.GotoEvent, rc)
}

// hookTargets collects run + run_js targets, deduplicated, with one-shot
// targets already executed this run filtered out.
func (r *run) hookTargets(rc *runCtx, hook *models.Hook, result *models.StepResult) []string {
	targets := append([]string{}, hook.Run...)

	if hook.RunJS != "" {
		snapshot := r.journal.BeginSnapshot()
		view := NewContextView(r.journal, r.sessionID, snapshot, rc.scope, rc.event)
		value, err := r.engine.evaluator.Evaluate(hook.RunJS, r.exprScope(rc, view, result, 0, ""))
		if err != nil {
			r.engine.logger.Warn().Err(err).Str("check", rc.id).Msg("run_js evaluation failed")
		} else {
			targets = append(targets, sandbox.StringList(value)...)
		}
	}

	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, target := range targets {
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		if cfg := r.configCheck(target); cfg != nil && cfg.IsOneShot() && r.oneShotUsed(target) {
			continue
		}
		out = append(out, target)
	}
	return out
}

// gotoTarget resolves goto / goto_js to a single target id. goto_js wins
// when it returns one; evaluation errors fall back to the static goto.
func (r *run) gotoTarget(rc *runCtx, hook *models.Hook, result *models.StepResult) string {
	if hook.GotoJS != "" {
		snapshot := r.journal.BeginSnapshot()
		view := NewContextView(r.journal, r.sessionID, snapshot, rc.scope, rc.event)
		value, err := r.engine.evaluator.Evaluate(hook.GotoJS, r.exprScope(rc, view, result, 0, ""))
		if err != nil {
			r.engine.logger.Warn().Err(err).Str("check", rc.id).Msg("goto_js evaluation failed")
		} else if targets := sandbox.StringList(value); len(targets) > 0 {
			return targets[0]
		} else {
			// goto_js returned nothing on purpose; do not fall back.
			return ""
		}
	}
	return hook.Goto
}

// runNamed executes a routed target under the current scope. Targets routed
// from a committed forEach parent fan over its items unless the target is
// declared fanout: reduce.
func (r *run) runNamed(ctx context.Context, target string, parentRC *runCtx, parentCfg *models.CheckConfig, parentResult *models.StepResult, org origin) {
	targetCfg := r.configCheck(target)
	if targetCfg == nil {
		r.engine.logger.Warn().Str("check", parentRC.id).Str("target", target).Msg("routed target is not configured")
		return
	}
	if targetCfg.IsOneShot() && r.oneShotUsed(target) {
		return
	}

	if parentCfg.ForEach && parentResult != nil && len(parentResult.ForEachItems) > 0 &&
		parentRC.scope.IsRoot() && targetCfg.EffectiveFanout() != models.FanoutReduce {
		r.runTargetPerItem(ctx, parentRC.id, parentResult.ForEachItems, target, targetCfg)
		return
	}

	r.executeWithRouting(ctx, &runCtx{
		id:     target,
		cfg:    targetCfg,
		scope:  parentRC.scope,
		origin: org,
		event:  parentRC.event,
		pr:     parentRC.pr,
	})
}

// scheduleForwardRun expands and executes a goto. For on_success the target
// and its event-eligible transitive dependents run inline within this wave;
// for on_fail and on_finish the set collapses to the target, which runs in
// the next wave.
func (r *run) scheduleForwardRun(ctx context.Context, target string, org origin, eventOverride models.EventTrigger, rc *runCtx) {
	effEvent := rc.event
	if eventOverride != "" {
		effEvent = eventOverride
	}

	pr := r.contextPR(rc)
	if eventOverride != "" && eventOverride.IsPREvent() && r.event.IsIssueEvent() {
		elevated, err := r.engine.analyzer.ElevateContext(ctx, pr, eventOverride)
		if err != nil {
			r.engine.logger.Warn().Err(err).Str("target", target).Msg("context elevation failed, keeping original context")
		} else if elevated != nil {
			pr = elevated
		}
	}

	if org != originSuccess {
		r.mu.Lock()
		r.pendingForward = append(r.pendingForward, forwardTarget{id: target, scope: rc.scope, event: effEvent})
		r.mu.Unlock()
		return
	}

	set := append([]string{target}, r.dependentsOf(target, effEvent)...)
	for _, id := range set {
		if r.guardForwardRun(id) {
			continue
		}
		cfg := r.configCheck(id)
		if cfg == nil {
			continue
		}
		if cfg.If != "" && !r.ifConditionPasses(cfg, id, rc.scope) {
			r.recordSkip(&runCtx{id: id, cfg: cfg, scope: rc.scope, event: effEvent}, SkipReasonIfCondition, cfg.If)
			continue
		}
		r.executeWithRouting(ctx, &runCtx{
			id:     id,
			cfg:    cfg,
			scope:  rc.scope,
			origin: originForward,
			event:  effEvent,
			pr:     pr,
		})
	}
}

// dependentsOf walks the full config for transitive dependents of id that
// are eligible for the event, ordered by dependency depth.
func (r *run) dependentsOf(id string, event models.EventTrigger) []string {
	if r.config == nil {
		return nil
	}

	dependents := make(map[string][]string)
	for checkID, cfg := range r.config.Checks {
		for _, token := range cfg.DependsOn {
			for _, branch := range ParseDepToken(token) {
				dependents[branch] = append(dependents[branch], checkID)
			}
		}
	}

	depth := map[string]int{id: 0}
	queue := []string{id}
	var found []string
	for head := 0; head < len(queue); head++ {
		current := queue[head]
		for _, dependent := range dependents[current] {
			if _, seen := depth[dependent]; seen {
				continue
			}
			cfg := r.config.Checks[dependent]
			if cfg == nil || !cfg.RunsOn(event) {
				continue
			}
			depth[dependent] = depth[current] + 1
			queue = append(queue, dependent)
			found = append(found, dependent)
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return depth[found[i]] < depth[found[j]]
	})
	return found
}

// retryConfig resolves the retry policy for a check, falling back to the
// configured routing defaults.
func (r *run) retryConfig(cfg *models.CheckConfig) *models.RetryConfig {
	if cfg.OnFail != nil && cfg.OnFail.Retry != nil {
		return cfg.OnFail.Retry
	}
	if r.opts.RoutingDefaults != nil && r.opts.RoutingDefaults.OnFail != nil {
		return r.opts.RoutingDefaults.OnFail.Retry
	}
	return nil
}

// contextPR resolves the effective input context for a step run.
func (r *run) contextPR(rc *runCtx) *models.PullRequestInfo {
	if rc != nil && rc.pr != nil {
		return rc.pr
	}
	return r.pr
}

// retryDelay computes base * 2^(attempt-1) for exponential mode (base
// otherwise) plus a deterministic jitter seeded by "<stepId>-<prKey>".
func retryDelay(retry *models.RetryConfig, attempt int, stepID, prKey string) time.Duration {
	base := time.Duration(retry.BaseMs) * time.Millisecond
	delay := base
	if retry.Mode == models.RetryModeExponential {
		delay = base * time.Duration(1<<uint(attempt-1))
	}
	return delay + deterministicJitter(stepID+"-"+prKey)
}

// deterministicJitter hashes the seed to a stable delay below MaxJitterMs.
func deterministicJitter(seed string) time.Duration {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return time.Duration(h.Sum32()%MaxJitterMs) * time.Millisecond
}

// classifyErrorSeverity promotes recognized auth and rate-limit failures
// to critical.
func classifyErrorSeverity(err error) models.Severity {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "429", "unauthorized", "forbidden", "rate limit", "authentication", "api key"} {
		if strings.Contains(msg, marker) {
			return models.SeverityCritical
		}
	}
	return models.SeverityError
}

// sleep waits for d or until the context is cancelled; returns false on
// cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
