package workflow

// Graph is the visualization projection of a workflow thread: the DAG
// structure plus execution progress.
type Graph struct {
	Nodes     []GraphNode `json:"nodes"`
	Edges     []GraphEdge `json:"edges"`
	Execution Execution   `json:"execution"`
}

// GraphNode is one step in the visualization graph.
type GraphNode struct {
	ID     string     `json:"id"`
	Type   StepType   `json:"type"`
	Label  string     `json:"label"`
	Status StepStatus `json:"status"`
}

// GraphEdge connects two steps. Kind distinguishes dependency edges from
// conditional branch and parallel fan-out edges.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"` // dep, branch-true, branch-false, parallel, loop-body
}

// Execution describes runtime progress through the graph.
type Execution struct {
	// Path lists step IDs that reached success, in transition order.
	Path []string `json:"path"`

	// CurrentNode is the most recently running or awaiting step, empty
	// when the thread is idle or finished.
	CurrentNode string `json:"currentNode,omitempty"`

	// Loops maps loop step IDs to their current iteration.
	Loops map[string]int `json:"loops,omitempty"`

	// ResumePoints lists pending steps whose dependencies are already
	// terminal: where execution will pick up on resume.
	ResumePoints []string `json:"resumePoints,omitempty"`
}

// BuildGraph projects a thread state into its visualization graph.
func BuildGraph(st *State) Graph {
	g := Graph{
		Nodes: make([]GraphNode, 0, len(st.Definition)),
		Edges: make([]GraphEdge, 0, len(st.Definition)),
	}

	for _, s := range st.Definition {
		label := s.Task
		if label == "" {
			label = s.Prompt
		}
		if len(label) > 80 {
			label = label[:77] + "..."
		}
		g.Nodes = append(g.Nodes, GraphNode{
			ID:     s.ID,
			Type:   s.EffectiveType(),
			Label:  label,
			Status: st.StepStatus[s.ID],
		})

		for _, dep := range s.Deps {
			g.Edges = append(g.Edges, GraphEdge{From: dep, To: s.ID, Kind: "dep"})
		}
		if s.TrueBranch != "" {
			g.Edges = append(g.Edges, GraphEdge{From: s.ID, To: s.TrueBranch, Kind: "branch-true"})
		}
		if s.FalseBranch != "" {
			g.Edges = append(g.Edges, GraphEdge{From: s.ID, To: s.FalseBranch, Kind: "branch-false"})
		}
		for _, child := range s.ParallelSteps {
			g.Edges = append(g.Edges, GraphEdge{From: s.ID, To: child, Kind: "parallel"})
		}
		if s.LoopBody != "" {
			g.Edges = append(g.Edges, GraphEdge{From: s.ID, To: s.LoopBody, Kind: "loop-body"})
		}
	}

	g.Execution = buildExecution(st)
	return g
}

func buildExecution(st *State) Execution {
	ex := Execution{Loops: st.CurrentIteration}

	// Successful steps in the order they transitioned.
	seen := make(map[string]bool)
	for _, change := range st.StatusChanges {
		if change.To == StepSuccess && !seen[change.StepID] {
			ex.Path = append(ex.Path, change.StepID)
			seen[change.StepID] = true
		}
	}
	// Checkpoints restored from older saves may lack the audit trail.
	if len(ex.Path) == 0 {
		for _, s := range st.Definition {
			if st.StepStatus[s.ID] == StepSuccess {
				ex.Path = append(ex.Path, s.ID)
			}
		}
	}

	for _, s := range st.Definition {
		switch st.StepStatus[s.ID] {
		case StepRunning, StepAwaitingApproval:
			if ex.CurrentNode == "" {
				ex.CurrentNode = s.ID
			}
		case StepPending:
			ready := true
			for _, dep := range s.Deps {
				if !st.StepStatus[dep].Terminal() {
					ready = false
					break
				}
			}
			if ready {
				ex.ResumePoints = append(ex.ResumePoints, s.ID)
			}
		}
	}
	return ex
}
