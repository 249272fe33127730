package graph

// Edge connects a producer node output index to a consumer node input index.
type Edge struct {
	From    *Node
	To      *Node
	FromIdx int
	ToIdx   int
}

// Graph owns a set of nodes and the edges between them. Iteration order over
// Nodes is insertion order, which keeps every pipeline stage reproducible.
// The graph must remain a valid DAG after every mutation.
type Graph struct {
	nodes  []*Node
	byName map[string][]*Node
	edges  []Edge
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{byName: map[string][]*Node{}}
}

// Nodes returns the nodes in insertion order. The returned slice must not be
// mutated.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// FindNodeByName returns the set of nodes carrying the given name. Names are
// not guaranteed globally unique in all import paths, hence the set result.
func (g *Graph) FindNodeByName(name string) []*Node {
	return g.byName[name]
}

// InsertNode adds a node to the graph.
//
// Returns:
//   - error: An IntegrityError if the node is nil, unnamed, or already present.
func (g *Graph) InsertNode(n *Node) error {
	if n == nil || n.Name == "" {
		return integrityErrorf("insert", "node must be non-nil and named")
	}
	for _, existing := range g.nodes {
		if existing == n {
			return integrityErrorf("insert", "node %q already in graph", n.Name)
		}
	}
	g.nodes = append(g.nodes, n)
	g.byName[n.Name] = append(g.byName[n.Name], n)
	return nil
}

// AddEdge connects from's output fromIdx to to's input toIdx. The edge is
// rejected if either endpoint is missing, the edge would create a cycle, or
// the producer shape is incompatible with the consumer.
func (g *Graph) AddEdge(from, to *Node, fromIdx, toIdx int) error {
	if !g.contains(from) {
		return integrityErrorf("add edge", "producer %q not in graph", nodeName(from))
	}
	if !g.contains(to) {
		return integrityErrorf("add edge", "consumer %q not in graph", nodeName(to))
	}
	if g.reachable(to, from) {
		return integrityErrorf("add edge", "%s -> %s would create a cycle", from.Name, to.Name)
	}
	if err := g.checkShapes(from, to); err != nil {
		return err
	}
	g.edges = append(g.edges, Edge{From: from, To: to, FromIdx: fromIdx, ToIdx: toIdx})
	return nil
}

// ReplaceNode swaps old for repl in place, preserving every edge. Used when a
// rewrite substitutes an operator, e.g. inserting a bias-correction op.
func (g *Graph) ReplaceNode(old, repl *Node) error {
	if repl == nil || repl.Name == "" {
		return integrityErrorf("replace", "replacement must be non-nil and named")
	}
	idx := -1
	for i, n := range g.nodes {
		if n == old {
			idx = i
			break
		}
	}
	if idx < 0 {
		return integrityErrorf("replace", "node %q not in graph", nodeName(old))
	}
	g.nodes[idx] = repl
	g.removeFromIndex(old)
	g.byName[repl.Name] = append(g.byName[repl.Name], repl)
	for i := range g.edges {
		if g.edges[i].From == old {
			g.edges[i].From = repl
		}
		if g.edges[i].To == old {
			g.edges[i].To = repl
		}
	}
	return nil
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(n *Node) error {
	idx := -1
	for i, existing := range g.nodes {
		if existing == n {
			idx = i
			break
		}
	}
	if idx < 0 {
		return integrityErrorf("remove", "node %q not in graph", nodeName(n))
	}
	g.nodes = append(g.nodes[:idx], g.nodes[idx+1:]...)
	g.removeFromIndex(n)
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.From != n && e.To != n {
			kept = append(kept, e)
		}
	}
	g.edges = kept
	return nil
}

// InEdges returns the edges feeding n, ordered by consumer input index.
func (g *Graph) InEdges(n *Node) []Edge {
	var in []Edge
	for _, e := range g.edges {
		if e.To == n {
			in = append(in, e)
		}
	}
	for i := 1; i < len(in); i++ {
		for j := i; j > 0 && in[j].ToIdx < in[j-1].ToIdx; j-- {
			in[j], in[j-1] = in[j-1], in[j]
		}
	}
	return in
}

// PredecessorsOf returns the producers feeding n, ordered by input index.
func (g *Graph) PredecessorsOf(n *Node) []*Node {
	var out []*Node
	for _, e := range g.InEdges(n) {
		out = append(out, e.From)
	}
	return out
}

// SuccessorsOf returns the consumers of n's outputs in insertion order.
func (g *Graph) SuccessorsOf(n *Node) []*Node {
	var out []*Node
	for _, e := range g.edges {
		if e.From == n {
			out = append(out, e.To)
		}
	}
	return out
}

// Inputs returns the graph's input nodes in insertion order.
func (g *Graph) Inputs() []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if n.Op == OpInput {
			out = append(out, n)
		}
	}
	return out
}

// Outputs returns the nodes with no consumers in insertion order.
func (g *Graph) Outputs() []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if len(g.SuccessorsOf(n)) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// TopoSort returns the nodes in a topological order that respects insertion
// order among ready nodes, so repeated runs walk the graph identically.
func (g *Graph) TopoSort() ([]*Node, error) {
	indeg := make(map[*Node]int, len(g.nodes))
	for _, n := range g.nodes {
		indeg[n] = 0
	}
	for _, e := range g.edges {
		indeg[e.To]++
	}
	order := make([]*Node, 0, len(g.nodes))
	placed := make(map[*Node]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		progressed := false
		for _, n := range g.nodes {
			if placed[n] || indeg[n] != 0 {
				continue
			}
			placed[n] = true
			order = append(order, n)
			for _, e := range g.edges {
				if e.From == n {
					indeg[e.To]--
				}
			}
			progressed = true
		}
		if !progressed {
			return nil, integrityErrorf("toposort", "graph contains a cycle")
		}
	}
	return order, nil
}

func (g *Graph) contains(n *Node) bool {
	for _, existing := range g.nodes {
		if existing == n {
			return true
		}
	}
	return false
}

// reachable reports whether dst can be reached from src along edges.
func (g *Graph) reachable(src, dst *Node) bool {
	if src == dst {
		return true
	}
	seen := map[*Node]bool{src: true}
	stack := []*Node{src}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.edges {
			if e.From != n || seen[e.To] {
				continue
			}
			if e.To == dst {
				return true
			}
			seen[e.To] = true
			stack = append(stack, e.To)
		}
	}
	return false
}

// checkShapes validates the producer's output shape against the consumer's
// structural expectations. Unknown shapes are not an error; they are checked
// again once inference fills them in.
func (g *Graph) checkShapes(from, to *Node) error {
	shape := from.OutputShape
	if shape == nil {
		return nil
	}
	switch to.Op {
	case OpConv2D:
		kernel := to.WeightByKey(AttrKernel)
		if kernel != nil && len(shape) == 4 && kernel.Shape()[1] != shape[1] {
			return integrityErrorf("add edge", "%s feeds %s: %d input channels, kernel expects %d",
				from.Name, to.Name, shape[1], kernel.Shape()[1])
		}
	case OpDepthwiseConv2D:
		kernel := to.WeightByKey(AttrKernel)
		if kernel != nil && len(shape) == 4 {
			mult := 1
			if to.Conv != nil && to.Conv.DepthMultiplier > 1 {
				mult = to.Conv.DepthMultiplier
			}
			if kernel.Shape()[0] != shape[1]*mult {
				return integrityErrorf("add edge", "%s feeds %s: depthwise kernel has %d filters, want %d",
					from.Name, to.Name, kernel.Shape()[0], shape[1]*mult)
			}
		}
	case OpDense:
		kernel := to.WeightByKey(AttrKernel)
		if kernel != nil && shape[len(shape)-1] != kernel.Shape()[0] {
			return integrityErrorf("add edge", "%s feeds %s: %d features, kernel expects %d",
				from.Name, to.Name, shape[len(shape)-1], kernel.Shape()[0])
		}
	case OpBatchNorm:
		gamma := to.WeightByKey(AttrGamma)
		if gamma != nil && len(shape) >= 2 && gamma.Shape()[0] != shape[1] {
			return integrityErrorf("add edge", "%s feeds %s: %d channels, batch norm expects %d",
				from.Name, to.Name, shape[1], gamma.Shape()[0])
		}
	case OpAdd:
		for _, e := range g.InEdges(to) {
			if e.From.OutputShape != nil && !e.From.OutputShape.Eq(shape) {
				return integrityErrorf("add edge", "%s feeds %s: shape %v conflicts with %v from %s",
					from.Name, to.Name, shape, e.From.OutputShape, e.From.Name)
			}
		}
	}
	return nil
}

func (g *Graph) removeFromIndex(n *Node) {
	if n == nil {
		return
	}
	set := g.byName[n.Name]
	for i, existing := range set {
		if existing == n {
			g.byName[n.Name] = append(set[:i], set[i+1:]...)
			break
		}
	}
	if len(g.byName[n.Name]) == 0 {
		delete(g.byName, n.Name)
	}
}

func nodeName(n *Node) string {
	if n == nil {
		return "<nil>"
	}
	return n.Name
}
