package lane

import "fmt"

// ValidateGraph checks that a manifest's subtask graph is well-formed:
// at least one node, unique node ids, every declared dependency exists,
// and no cycles.
func ValidateGraph(nodes []SubtaskNode) error {
	if len(nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}

	byID := make(map[string]SubtaskNode, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		byID[n.ID] = n
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("node %s depends on unknown node %s", n.ID, dep)
			}
			if dep == n.ID {
				return fmt.Errorf("node %s depends on itself", n.ID)
			}
		}
	}

	// Cycle detection via iterative DFS with three-color marking.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("dependency cycle through node %s", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

// ReadyNodes returns the ids of nodes whose declared dependencies all map
// to lanes in the given status view and whose own lane is still pending.
// The status view maps node id to lane status.
func ReadyNodes(nodes []SubtaskNode, statusByNode map[string]Status) []string {
	var ready []string
	for _, n := range nodes {
		if statusByNode[n.ID] != StatusPending {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if statusByNode[dep] != StatusMerged {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.ID)
		}
	}
	return ready
}
