// Package workflow implements the persisted phase state machine.
//
// A workflow moves through a fixed, acyclic graph of phases. The graph is
// chosen once, when the instance is created, from the project type: greenfield
// projects use the short graph, brownfield projects the long one.
package workflow

import (
	"fmt"

	"github.com/ShayCichocki/cadence/internal/graph"
)

// PhaseID names a phase.
type PhaseID string

// Phase identifiers. discovery and impact_assessment only exist in the long graph.
const (
	PhaseDiscovery        PhaseID = "discovery"
	PhaseAnalysis         PhaseID = "analysis"
	PhaseImpactAssessment PhaseID = "impact_assessment"
	PhasePlanning         PhaseID = "planning"
	PhaseSolutioning      PhaseID = "solutioning"
	PhaseImplementation   PhaseID = "implementation"
	PhaseValidation       PhaseID = "validation"
	PhaseDelivery         PhaseID = "delivery"
)

// Kind selects a phase graph.
type Kind string

const (
	// KindGreenfield selects the short graph.
	KindGreenfield Kind = "greenfield"
	// KindBrownfield selects the long graph.
	KindBrownfield Kind = "brownfield"
)

// Phase is one stage of the workflow.
type Phase struct {
	ID PhaseID
	// Successors are the phases a transition out of this one may target.
	Successors []PhaseID
	// Roles are the worker roles expected to act during the phase.
	Roles []string
	// ExitConditions must all hold before leaving the phase. Order is the
	// order they are reported in.
	ExitConditions []string
}

// Graph is an immutable phase graph.
type Graph struct {
	kind   Kind
	phases []Phase
	index  map[PhaseID]int
}

var (
	analysisPhase = Phase{
		ID:             PhaseAnalysis,
		Successors:     []PhaseID{PhasePlanning},
		Roles:          []string{"analyst"},
		ExitConditions: []string{"project_brief_complete"},
	}
	planningPhase = Phase{
		ID:             PhasePlanning,
		Successors:     []PhaseID{PhaseSolutioning},
		Roles:          []string{"pm", "analyst"},
		ExitConditions: []string{"prd_complete", "prd_validated"},
	}
	solutioningPhase = Phase{
		ID:             PhaseSolutioning,
		Successors:     []PhaseID{PhaseImplementation},
		Roles:          []string{"architect"},
		ExitConditions: []string{"architecture_complete", "architecture_validated"},
	}
	implementationPhase = Phase{
		ID:             PhaseImplementation,
		Successors:     []PhaseID{PhaseValidation},
		Roles:          []string{"dev", "sm"},
		ExitConditions: []string{"stories_complete", "tests_passing"},
	}
	validationPhase = Phase{
		ID:             PhaseValidation,
		Successors:     []PhaseID{PhaseDelivery},
		Roles:          []string{"qa"},
		ExitConditions: []string{"qa_passed"},
	}
	deliveryPhase = Phase{
		ID:             PhaseDelivery,
		Roles:          []string{"dev", "pm"},
		ExitConditions: []string{"release_ready"},
	}
)

// ShortGraph returns the six-phase greenfield graph.
func ShortGraph() *Graph {
	return mustGraph(KindGreenfield, []Phase{
		analysisPhase,
		planningPhase,
		solutioningPhase,
		implementationPhase,
		validationPhase,
		deliveryPhase,
	})
}

// LongGraph returns the eight-phase brownfield graph.
func LongGraph() *Graph {
	analysis := analysisPhase
	analysis.Successors = []PhaseID{PhaseImpactAssessment}

	return mustGraph(KindBrownfield, []Phase{
		{
			ID:             PhaseDiscovery,
			Successors:     []PhaseID{PhaseAnalysis},
			Roles:          []string{"analyst", "architect"},
			ExitConditions: []string{"codebase_documented"},
		},
		analysis,
		{
			ID:             PhaseImpactAssessment,
			Successors:     []PhaseID{PhasePlanning},
			Roles:          []string{"architect", "analyst"},
			ExitConditions: []string{"impact_assessed", "regression_risks_listed"},
		},
		planningPhase,
		solutioningPhase,
		implementationPhase,
		validationPhase,
		deliveryPhase,
	})
}

// GraphFor returns the graph for a project type.
func GraphFor(kind Kind) (*Graph, error) {
	switch kind {
	case KindGreenfield:
		return ShortGraph(), nil
	case KindBrownfield:
		return LongGraph(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// NewGraph validates phases and builds a graph. The first phase is the
// initial phase. Every successor must be a declared phase and the graph must
// be acyclic.
func NewGraph(kind Kind, phases []Phase) (*Graph, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("phase graph %q has no phases", kind)
	}

	ids := make([]string, 0, len(phases))
	index := make(map[PhaseID]int, len(phases))
	for i, p := range phases {
		if _, dup := index[p.ID]; dup {
			return nil, fmt.Errorf("phase graph %q: duplicate phase %q", kind, p.ID)
		}
		index[p.ID] = i
		ids = append(ids, string(p.ID))
	}

	// A successor depends on the phase it follows.
	deps := make(map[string][]string)
	for _, p := range phases {
		for _, next := range p.Successors {
			deps[string(next)] = append(deps[string(next)], string(p.ID))
		}
	}
	if _, err := graph.Build(ids, deps); err != nil {
		return nil, fmt.Errorf("phase graph %q: %w", kind, err)
	}

	copied := make([]Phase, len(phases))
	for i, p := range phases {
		copied[i] = clonePhase(p)
	}
	return &Graph{kind: kind, phases: copied, index: index}, nil
}

func mustGraph(kind Kind, phases []Phase) *Graph {
	g, err := NewGraph(kind, phases)
	if err != nil {
		panic(err)
	}
	return g
}

// Kind returns the project type the graph belongs to.
func (g *Graph) Kind() Kind {
	return g.kind
}

// Initial returns the phase a new instance starts in.
func (g *Graph) Initial() PhaseID {
	return g.phases[0].ID
}

// Len returns the number of phases.
func (g *Graph) Len() int {
	return len(g.phases)
}

// Phases returns a copy of all phases in declaration order.
func (g *Graph) Phases() []Phase {
	out := make([]Phase, len(g.phases))
	for i, p := range g.phases {
		out[i] = clonePhase(p)
	}
	return out
}

// Phase looks up a phase by ID.
func (g *Graph) Phase(id PhaseID) (Phase, bool) {
	i, ok := g.index[id]
	if !ok {
		return Phase{}, false
	}
	return clonePhase(g.phases[i]), true
}

// IsSuccessor reports whether to is a legal successor of from.
func (g *Graph) IsSuccessor(from, to PhaseID) bool {
	i, ok := g.index[from]
	if !ok {
		return false
	}
	for _, s := range g.phases[i].Successors {
		if s == to {
			return true
		}
	}
	return false
}

func clonePhase(p Phase) Phase {
	p.Successors = append([]PhaseID(nil), p.Successors...)
	p.Roles = append([]string(nil), p.Roles...)
	p.ExitConditions = append([]string(nil), p.ExitConditions...)
	return p
}
