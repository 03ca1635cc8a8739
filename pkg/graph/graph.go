// Package graph compiles a workflow's step list into an immutable execution graph.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/studyhub/automation/pkg/models"
)

// Node is a compiled step.
type Node struct {
	Step   *models.WorkflowStep
	Config models.StepConfig
	Index  int // Declaration index in Workflow.Steps
	Tier   int // Longest distance from a root
	Preds  []string
	Succs  []string
}

// Graph is the immutable adjacency structure for one workflow version.
type Graph struct {
	WorkflowID string
	Version    int
	nodes      map[string]*Node
	order      []string
	tiers      [][]string
}

// Option customizes compilation.
type Option func(*compiler)

// WithActionLookup makes Compile reject action steps naming unknown actions.
func WithActionLookup(exists func(name string) bool) Option {
	return func(c *compiler) {
		c.actionExists = exists
	}
}

type compiler struct {
	actionExists func(string) bool
	validate     *validator.Validate
}

// Compile validates the workflow and builds its graph. Edges come from
// nextSteps (S->n) and parallelSteps (S->p for each sibling, then p->n for
// each n in S.nextSteps so the siblings join before S's successors run).
func Compile(wf *models.Workflow, opts ...Option) (*Graph, error) {
	c := &compiler{validate: validator.New(validator.WithRequiredStructEnabled())}
	for _, opt := range opts {
		opt(c)
	}

	if len(wf.Steps) == 0 {
		return nil, &CompileError{Kind: ErrEmptyWorkflow}
	}

	g := &Graph{
		WorkflowID: wf.ID,
		Version:    wf.Version,
		nodes:      make(map[string]*Node, len(wf.Steps)),
	}

	for i, step := range wf.Steps {
		if step == nil || step.ID == "" {
			return nil, &CompileError{Kind: ErrInvalidStepConfig, StepID: fmt.Sprintf("#%d", i), Detail: "step id is required"}
		}

		if _, exists := g.nodes[step.ID]; exists {
			return nil, &CompileError{Kind: ErrDuplicateStepID, StepID: step.ID}
		}

		g.nodes[step.ID] = &Node{Step: step, Index: i}
	}

	for _, step := range wf.Steps {
		for _, ref := range append(append([]string(nil), step.NextSteps...), step.ParallelSteps...) {
			if _, ok := g.nodes[ref]; !ok {
				return nil, &CompileError{Kind: ErrDanglingReference, StepID: step.ID, Ref: ref}
			}
		}
	}

	for _, step := range wf.Steps {
		cfg, err := c.configure(step)
		if err != nil {
			return nil, err
		}

		g.nodes[step.ID].Config = cfg
	}

	for _, step := range wf.Steps {
		for _, next := range step.NextSteps {
			g.link(step.ID, next)
		}

		for _, sibling := range step.ParallelSteps {
			g.link(step.ID, sibling)

			for _, next := range step.NextSteps {
				g.link(sibling, next)
			}
		}
	}

	if path := g.findCycle(wf.Steps); path != nil {
		return nil, &CompileError{Kind: ErrCycleDetected, StepID: path[0], Path: path}
	}

	g.sort()

	return g, nil
}

func (c *compiler) configure(step *models.WorkflowStep) (models.StepConfig, error) {
	invalid := func(format string, args ...any) error {
		return &CompileError{Kind: ErrInvalidStepConfig, StepID: step.ID, Detail: fmt.Sprintf(format, args...)}
	}

	if err := c.validate.Struct(step); err != nil {
		return nil, invalid("%v", err)
	}

	if step.OnError != models.OnErrorRetry && step.OnRetryExhausted != "" {
		return nil, invalid("on_retry_exhausted requires on_error retry")
	}

	cfg, err := models.DecodeStepConfig(step)
	if err != nil {
		return nil, invalid("%v", err)
	}

	switch v := cfg.(type) {
	case models.ConditionConfig:
		if err := checkCondition(v); err != nil {
			return nil, invalid("%v", err)
		}
	case models.ParallelConfig:
		if len(step.ParallelSteps) == 0 {
			return nil, invalid("parallel step declares no parallel_steps")
		}
	case models.ActionConfig:
		if err := c.validate.Struct(v); err != nil {
			return nil, invalid("%v", err)
		}

		if c.actionExists != nil && !c.actionExists(v.Action) {
			return nil, invalid("unknown action %q", v.Action)
		}
	default:
		if err := c.validate.Struct(v); err != nil {
			return nil, invalid("%v", err)
		}
	}

	return cfg, nil
}

func checkCondition(cfg models.ConditionConfig) error {
	compound := len(cfg.All) > 0 || len(cfg.Any) > 0
	if !compound && cfg.Operator == "" && cfg.Expression == "" {
		return fmt.Errorf("condition needs an operator, an expression, or all/any")
	}

	if cfg.Operator != "" && cfg.Operator != "expr" && cfg.Field == "" {
		return fmt.Errorf("operator %q requires a field", cfg.Operator)
	}

	for _, sub := range append(append([]models.ConditionConfig(nil), cfg.All...), cfg.Any...) {
		if err := checkCondition(sub); err != nil {
			return err
		}
	}

	return nil
}

func (g *Graph) link(from, to string) {
	src, dst := g.nodes[from], g.nodes[to]
	for _, s := range src.Succs {
		if s == to {
			return
		}
	}

	src.Succs = append(src.Succs, to)
	dst.Preds = append(dst.Preds, from)
}

// findCycle runs a colored DFS in declaration order and returns the first
// cycle found as a path whose first and last elements are the same step.
func (g *Graph) findCycle(steps []*models.WorkflowStep) []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(g.nodes))

	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)

		for _, next := range g.nodes[id].Succs {
			switch color[next] {
			case gray:
				for i, s := range stack {
					if s == next {
						path := append([]string(nil), stack[i:]...)

						return append(path, next)
					}
				}
			case white:
				if path := visit(next); path != nil {
					return path
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black

		return nil
	}

	for _, step := range steps {
		if color[step.ID] == white {
			if path := visit(step.ID); path != nil {
				return path
			}
		}
	}

	return nil
}

// sort computes a topological order (Kahn, ties broken by Order then
// declaration index) and longest-path tiers.
func (g *Graph) sort() {
	indegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		indegree[id] = len(n.Preds)
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	g.order = make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.less(ready[i], ready[j])
		})

		id := ready[0]
		ready = ready[1:]
		g.order = append(g.order, id)

		for _, next := range g.nodes[id].Succs {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	for _, id := range g.order {
		n := g.nodes[id]
		for _, p := range n.Preds {
			if t := g.nodes[p].Tier + 1; t > n.Tier {
				n.Tier = t
			}
		}

		for len(g.tiers) <= n.Tier {
			g.tiers = append(g.tiers, nil)
		}

		g.tiers[n.Tier] = append(g.tiers[n.Tier], id)
	}
}

func (g *Graph) less(a, b string) bool {
	na, nb := g.nodes[a], g.nodes[b]
	if na.Step.Order != nb.Step.Order {
		return na.Step.Order < nb.Step.Order
	}

	return na.Index < nb.Index
}

// Node returns the compiled step or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Order returns every step id in topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Tiers groups step ids by their longest distance from a root.
func (g *Graph) Tiers() [][]string {
	out := make([][]string, len(g.tiers))
	for i, t := range g.tiers {
		out[i] = append([]string(nil), t...)
	}

	return out
}

// Roots returns the steps without predecessors in topological order.
func (g *Graph) Roots() []string {
	return append([]string(nil), g.tiers[0]...)
}

func (g *Graph) Successors(id string) []string {
	if n := g.nodes[id]; n != nil {
		return n.Succs
	}

	return nil
}

func (g *Graph) Predecessors(id string) []string {
	if n := g.nodes[id]; n != nil {
		return n.Preds
	}

	return nil
}

// Reachable reports whether to can be reached from from by following edges.
func (g *Graph) Reachable(from, to string) bool {
	seen := map[string]bool{}
	queue := []string{from}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, next := range g.nodes[id].Succs {
			if next == to {
				return true
			}

			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	return false
}

// String renders tiers for debugging, e.g. "[a] [b c] [d]".
func (g *Graph) String() string {
	parts := make([]string, len(g.tiers))
	for i, t := range g.tiers {
		parts[i] = "[" + strings.Join(t, " ") + "]"
	}

	return strings.Join(parts, " ")
}
