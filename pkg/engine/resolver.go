package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smilemakc/checkwave/pkg/models"
)

// DepGroup is one depends_on token after expansion: a single id, or the
// branches of a pipe-joined OR-group. All groups of a check must be
// satisfied (all-of); a group is satisfied by any one branch (any-of).
type DepGroup []string

// ParseDepToken splits a depends_on token into its OR branches.
func ParseDepToken(token string) DepGroup {
	parts := strings.Split(token, "|")
	group := make(DepGroup, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			group = append(group, trimmed)
		}
	}
	return group
}

// ExecutionLevel is one parallel-safe slice of the plan.
type ExecutionLevel struct {
	Level    int
	Parallel []string
}

// PlanStats summarizes the shape of the execution plan.
type PlanStats struct {
	TotalChecks            int     `json:"total_checks"`
	ParallelLevels         int     `json:"parallel_levels"`
	MaxParallelism         int     `json:"max_parallelism"`
	AverageParallelism     float64 `json:"average_parallelism"`
	ChecksWithDependencies int     `json:"checks_with_dependencies"`
}

// ExecutionPlan is the validated DAG in level order.
type ExecutionPlan struct {
	Levels []ExecutionLevel
	Checks map[string]*models.CheckConfig

	// Deps holds the event-pruned, validated dependency groups per check.
	Deps map[string][]DepGroup

	// Dependents maps a check to its direct dependents within the plan.
	Dependents map[string][]string

	Stats PlanStats
}

// CycleError reports a dependency cycle; Path starts and ends at the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Path, " -> "))
}

// ValidationError reports a depends_on token that resolves to nothing.
type ValidationError struct {
	CheckID string
	Token   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("check %q: dependency %q does not resolve to any known check", e.CheckID, e.Token)
}

// BuildPlan validates the dependency graph of the selected checks and
// produces a level-ordered execution plan for the given event.
//
// Steps, in order: expand depends_on tokens (OR-groups, unknown branches
// dropped per-branch), extend the selection with event-eligible transitive
// dependencies, prune edges to checks not triggered by the event, detect
// cycles, then place every check at 1 + the maximum level of its
// dependencies.
func BuildPlan(selected []string, configs map[string]*models.CheckConfig, event models.EventTrigger) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{
		Checks:     make(map[string]*models.CheckConfig),
		Deps:       make(map[string][]DepGroup),
		Dependents: make(map[string][]string),
	}

	// Transitive closure over event-eligible dependencies.
	queue := make([]string, 0, len(selected))
	for _, id := range selected {
		if cfg, ok := configs[id]; ok && !contains(queue, id) {
			plan.Checks[id] = cfg
			queue = append(queue, id)
		}
	}

	for head := 0; head < len(queue); head++ {
		id := queue[head]
		cfg := plan.Checks[id]

		groups, err := resolveDeps(id, cfg, configs, event)
		if err != nil {
			return nil, err
		}
		plan.Deps[id] = groups

		for _, group := range groups {
			for _, dep := range group {
				if _, known := plan.Checks[dep]; !known {
					plan.Checks[dep] = configs[dep]
					queue = append(queue, dep)
				}
			}
		}
	}

	if cycle := findCycle(plan); cycle != nil {
		return nil, cycle
	}

	plan.buildDependents()
	plan.buildLevels()
	plan.computeStats()
	return plan, nil
}

// resolveDeps expands and validates one check's depends_on list. Edges to
// checks whose `on` set excludes the current event are dropped; a token
// whose every branch drops out is a validation error unless the drop was
// event pruning.
func resolveDeps(id string, cfg *models.CheckConfig, configs map[string]*models.CheckConfig, event models.EventTrigger) ([]DepGroup, error) {
	var groups []DepGroup
	for _, token := range cfg.DependsOn {
		branches := ParseDepToken(token)
		if len(branches) == 0 {
			continue
		}

		known := make(DepGroup, 0, len(branches))
		eligible := make(DepGroup, 0, len(branches))
		for _, branch := range branches {
			depCfg, ok := configs[branch]
			if !ok {
				continue
			}
			known = append(known, branch)
			if depCfg.RunsOn(event) {
				eligible = append(eligible, branch)
			}
		}

		if len(known) == 0 {
			return nil, &ValidationError{CheckID: id, Token: token}
		}
		if len(eligible) == 0 {
			// Every known branch was pruned by the event filter: the
			// edge disappears, the node stays.
			continue
		}
		groups = append(groups, eligible)
	}
	return groups, nil
}

// findCycle runs a DFS with temporary/permanent marks and returns the
// first cycle found, or nil.
func findCycle(plan *ExecutionPlan) *CycleError {
	const (
		unmarked = 0
		temp     = 1
		perm     = 2
	)
	marks := make(map[string]int, len(plan.Checks))

	ids := sortedIDs(plan.Checks)

	var stack []string
	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		switch marks[id] {
		case perm:
			return nil
		case temp:
			// Close the loop for the error path.
			start := 0
			for i, onStack := range stack {
				if onStack == id {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), id)
			return &CycleError{Path: path}
		}

		marks[id] = temp
		stack = append(stack, id)
		for _, group := range plan.Deps[id] {
			for _, dep := range group {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		marks[id] = perm
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// buildDependents indexes direct dependents. A check depends on another
// when the other appears in any of its groups.
func (p *ExecutionPlan) buildDependents() {
	for id, groups := range p.Deps {
		seen := make(map[string]bool)
		for _, group := range groups {
			for _, dep := range group {
				if !seen[dep] {
					seen[dep] = true
					p.Dependents[dep] = append(p.Dependents[dep], id)
				}
			}
		}
	}
	for dep := range p.Dependents {
		sort.Strings(p.Dependents[dep])
	}
}

// buildLevels assigns each check to 1 + max(level of its deps), so every
// dependency lands in a strictly earlier level.
func (p *ExecutionPlan) buildLevels() {
	levels := make(map[string]int, len(p.Checks))

	var levelOf func(id string) int
	levelOf = func(id string) int {
		if lvl, ok := levels[id]; ok {
			return lvl
		}
		lvl := 1
		for _, group := range p.Deps[id] {
			for _, dep := range group {
				if depLvl := levelOf(dep) + 1; depLvl > lvl {
					lvl = depLvl
				}
			}
		}
		levels[id] = lvl
		return lvl
	}

	maxLevel := 0
	for _, id := range sortedIDs(p.Checks) {
		if lvl := levelOf(id); lvl > maxLevel {
			maxLevel = lvl
		}
	}

	byLevel := make(map[int][]string)
	for id, lvl := range levels {
		byLevel[lvl] = append(byLevel[lvl], id)
	}

	p.Levels = make([]ExecutionLevel, 0, maxLevel)
	for lvl := 1; lvl <= maxLevel; lvl++ {
		ids := byLevel[lvl]
		sort.Strings(ids)
		p.Levels = append(p.Levels, ExecutionLevel{Level: lvl, Parallel: ids})
	}
}

func (p *ExecutionPlan) computeStats() {
	stats := PlanStats{
		TotalChecks:    len(p.Checks),
		ParallelLevels: len(p.Levels),
	}
	for _, level := range p.Levels {
		if len(level.Parallel) > stats.MaxParallelism {
			stats.MaxParallelism = len(level.Parallel)
		}
	}
	if len(p.Levels) > 0 {
		stats.AverageParallelism = float64(stats.TotalChecks) / float64(len(p.Levels))
	}
	for _, groups := range p.Deps {
		if len(groups) > 0 {
			stats.ChecksWithDependencies++
		}
	}
	p.Stats = stats
}

// LevelOf returns the index of the level containing id, or -1.
func (p *ExecutionPlan) LevelOf(id string) int {
	for i, level := range p.Levels {
		for _, member := range level.Parallel {
			if member == id {
				return i
			}
		}
	}
	return -1
}

// TransitiveDependents returns the dependents of id eligible for the given
// event, in topological (level) order. id itself is not included.
func (p *ExecutionPlan) TransitiveDependents(id string, event models.EventTrigger) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	var found []string
	for head := 0; head < len(queue); head++ {
		for _, dependent := range p.Dependents[queue[head]] {
			if seen[dependent] {
				continue
			}
			cfg := p.Checks[dependent]
			if cfg == nil || !cfg.RunsOn(event) {
				continue
			}
			seen[dependent] = true
			queue = append(queue, dependent)
			found = append(found, dependent)
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return p.LevelOf(found[i]) < p.LevelOf(found[j])
	})
	return found
}

func sortedIDs(checks map[string]*models.CheckConfig) []string {
	ids := make([]string, 0, len(checks))
	for id := range checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
