package graph

// DeepCopy returns a fully independent copy of the graph. Destructive or
// experimental rewrites operate on the copy so the caller's graph stays
// available for comparison and rollback.
func (g *Graph) DeepCopy() *Graph {
	c := New()
	mapping := make(map[*Node]*Node, len(g.nodes))
	for _, n := range g.nodes {
		cn := n.clone()
		mapping[n] = cn
		c.nodes = append(c.nodes, cn)
		c.byName[cn.Name] = append(c.byName[cn.Name], cn)
	}
	c.edges = make([]Edge, len(g.edges))
	for i, e := range g.edges {
		c.edges[i] = Edge{
			From:    mapping[e.From],
			To:      mapping[e.To],
			FromIdx: e.FromIdx,
			ToIdx:   e.ToIdx,
		}
	}
	return c
}
