package engine

import (
	"sync"

	"github.com/smilemakc/checkwave/pkg/models"
)

// forwardTarget is a correction run queued for the next wave.
type forwardTarget struct {
	id    string
	scope models.ScopePath
	event models.EventTrigger
}

// ForeachContext describes the per-item position of a fan-out execution.
type ForeachContext struct {
	Index  int
	Total  int
	Parent string
}

// runCtx carries the parameters of one routed step execution.
type runCtx struct {
	id      string
	cfg     *models.CheckConfig
	scope   models.ScopePath
	origin  origin
	event   models.EventTrigger
	pr      *models.PullRequestInfo
	foreach *ForeachContext
	item    any
	hasItem bool
}

// run owns all mutable state for one engine invocation. The journal,
// history, stats and counters live for the run; guard sets are per-wave.
type run struct {
	engine   *Engine
	config   *models.RunConfig
	plan     *ExecutionPlan
	opts     *Options
	maxLoops int

	sessionID string
	event     models.EventTrigger
	pr        *models.PullRequestInfo

	journal *Journal
	history *OutputsHistory
	stats   *Recorder

	mu              sync.Mutex
	results         map[string]*models.StepResult // root-scope results of the current wave
	runCounters     map[string]int                // (check, scope) -> runs
	oneShotDone     map[string]bool
	foreachWaves    map[string]int // parent -> completed fan-out waves
	loopCount       int
	loopBudgetHit   bool
	failFastTripped bool

	// Per-wave guards, reset by beginWave.
	forwardScheduled map[string]bool
	forwardRunGuard  map[string]bool
	wavePending      []forwardTarget
	pendingForward   []forwardTarget
	onFinishRoutes   map[string]int // parent -> on_finish goto count
}

func newRun(engine *Engine, config *models.RunConfig, plan *ExecutionPlan, opts *Options, sessionID string) *run {
	return &run{
		engine:           engine,
		config:           config,
		plan:             plan,
		opts:             opts,
		maxLoops:         opts.resolveMaxLoops(config),
		sessionID:        sessionID,
		event:            opts.Event,
		pr:               opts.PR,
		journal:          NewJournal(),
		history:          NewOutputsHistory(),
		stats:            NewRecorder(),
		results:          make(map[string]*models.StepResult),
		runCounters:      make(map[string]int),
		oneShotDone:      make(map[string]bool),
		foreachWaves:     make(map[string]int),
		forwardScheduled: make(map[string]bool),
		forwardRunGuard:  make(map[string]bool),
		onFinishRoutes:   make(map[string]int),
	}
}

// configCheck resolves a check id against the full config document, so
// routed targets outside the selected plan still resolve.
func (r *run) configCheck(id string) *models.CheckConfig {
	if cfg, ok := r.plan.Checks[id]; ok && cfg != nil {
		return cfg
	}
	if r.config == nil {
		return nil
	}
	cfg, ok := r.config.Checks[id]
	if !ok {
		return nil
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	return cfg
}

// resultFor returns the freshest root-scope result for a check: the current
// wave's results first, then the journal.
func (r *run) resultFor(id string) *models.StepResult {
	r.mu.Lock()
	result, ok := r.results[id]
	r.mu.Unlock()
	if ok {
		return result
	}
	view := NewContextView(r.journal, r.sessionID, r.journal.BeginSnapshot(), models.RootScope, "")
	return view.Get(id)
}

// resultThisWave reports whether a root-scope result landed in the current
// wave (including inline fan-out publication).
func (r *run) resultThisWave(id string) (*models.StepResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result, ok := r.results[id]
	return result, ok
}

func (r *run) setResult(id string, result *models.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[id] = result
}

func (r *run) runCounterKey(id string, scope models.ScopePath) string {
	return id + "\x00" + scope.Key()
}

func (r *run) runCount(id string, scope models.ScopePath) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runCounters[r.runCounterKey(id, scope)]
}

func (r *run) incrementRunCount(id string, scope models.ScopePath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runCounters[r.runCounterKey(id, scope)]++
}

func (r *run) oneShotUsed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oneShotDone[id]
}

func (r *run) markOneShot(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oneShotDone[id] = true
}

func (r *run) isForwardScheduled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forwardScheduled[id]
}

// guardForwardRun marks a forward run and reports whether it already ran
// this wave.
func (r *run) guardForwardRun(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forwardRunGuard[id] {
		return true
	}
	r.forwardRunGuard[id] = true
	r.forwardScheduled[id] = true
	return false
}

func (r *run) tripFailFast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFastTripped = true
}

func (r *run) isFailFast() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failFastTripped
}

// allowRoute charges one routing event (retry, run or goto) against the
// run-wide loop budget. On the first overrun the offending step's result
// gets a loop-budget issue; all further routing is refused silently.
func (r *run) allowRoute(id string, result *models.StepResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loopBudgetHit {
		return false
	}
	r.loopCount++
	if r.loopCount > r.maxLoops {
		r.loopBudgetHit = true
		if result != nil {
			result.AddIssue(models.Issue{
				Severity:  models.SeverityError,
				RuleID:    id + "/" + models.RuleLoopBudgetExceeded,
				Message:   "routing loop budget exceeded",
				CheckName: id,
			})
		}
		r.engine.logger.Warn().Str("check", id).Int("max_loops", r.maxLoops).Msg("routing loop budget exceeded")
		return false
	}
	return true
}
