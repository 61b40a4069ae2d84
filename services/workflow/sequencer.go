package workflow

// Sequence orders nodes so that for every connection the source precedes the
// target. Ties are broken by the position of the node in nodes, which makes
// the order stable for an unchanged graph. Connections whose endpoints are not
// both in nodes are ignored.
func Sequence(nodes []Node, conns []Connection) ([]Node, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}

	indeg := make([]int, len(nodes))
	out := make([][]int, len(nodes))
	for _, c := range conns {
		src, ok := index[c.SourceNodeID]
		if !ok {
			continue
		}
		dst, ok := index[c.TargetNodeID]
		if !ok {
			continue
		}
		out[src] = append(out[src], dst)
		indeg[dst]++
	}

	// Layered Kahn: each round emits every remaining zero in-degree node in
	// input order.
	done := make([]bool, len(nodes))
	order := make([]Node, 0, len(nodes))
	for len(order) < len(nodes) {
		var ready []int
		for i := range nodes {
			if !done[i] && indeg[i] == 0 {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			var remaining []string
			for i, n := range nodes {
				if !done[i] {
					remaining = append(remaining, n.ID)
				}
			}
			return nil, &CycleDetectedError{NodeIDs: remaining}
		}
		for _, i := range ready {
			done[i] = true
			order = append(order, nodes[i])
			for _, j := range out[i] {
				indeg[j]--
			}
		}
	}
	return order, nil
}

// CheckConnected rejects action nodes that have no connections. Trigger nodes
// may stand alone.
func CheckConnected(nodes []Node, conns []Connection) error {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}
	linked := make(map[string]bool, len(nodes))
	for _, c := range conns {
		if known[c.SourceNodeID] && known[c.TargetNodeID] {
			linked[c.SourceNodeID] = true
			linked[c.TargetNodeID] = true
		}
	}
	for _, n := range nodes {
		if !n.Type.IsTrigger() && !linked[n.ID] {
			return &DisconnectedNodeError{NodeID: n.ID, Type: n.Type}
		}
	}
	return nil
}
