package provision

import (
	"errors"
	"fmt"
	"sort"
)

// Graph is the dependency graph of a stack.
type Graph struct {
	Nodes map[string]*Resource
	Edges map[string][]string // dependency -> dependents
	InDeg map[string]int
}

// BuildGraph creates the graph and rejects duplicate names and edges to
// resources that are not part of the stack.
func BuildGraph(res []*Resource) (*Graph, error) {
	g := &Graph{Nodes: map[string]*Resource{}, Edges: map[string][]string{}, InDeg: map[string]int{}}
	for _, r := range res {
		if _, dup := g.Nodes[r.Name]; dup {
			return nil, fmt.Errorf("duplicate resource %q", r.Name)
		}
		g.Nodes[r.Name] = r
		g.InDeg[r.Name] = 0
	}
	for _, r := range res {
		seen := map[string]bool{}
		for _, dep := range r.Deps {
			if _, ok := g.Nodes[dep]; !ok {
				return nil, fmt.Errorf("resource %q depends on unknown %q", r.Name, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.Edges[dep] = append(g.Edges[dep], r.Name)
			g.InDeg[r.Name]++
		}
	}
	return g, nil
}

// TopoLayers returns ordered layers; resources within a layer are
// independent. Layers are sorted by name so plans are reproducible.
func (g *Graph) TopoLayers() ([][]string, error) {
	in := make(map[string]int, len(g.InDeg))
	for k, v := range g.InDeg {
		in[k] = v
	}
	var q []string
	for n, d := range in {
		if d == 0 {
			q = append(q, n)
		}
	}
	var layers [][]string
	visited := 0
	for len(q) > 0 {
		sort.Strings(q)
		layer := append([]string{}, q...)
		layers = append(layers, layer)
		q = q[:0]
		for _, u := range layer {
			visited++
			for _, v := range g.Edges[u] {
				in[v]--
				if in[v] == 0 {
					q = append(q, v)
				}
			}
		}
	}
	if visited != len(g.Nodes) {
		return nil, errors.New("cycle detected in resource graph")
	}
	return layers, nil
}

// Order flattens TopoLayers.
func (g *Graph) Order() ([]string, error) {
	layers, err := g.TopoLayers()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range layers {
		out = append(out, l...)
	}
	return out, nil
}

// Dependents returns every resource that transitively depends on name, in
// topological order.
func (g *Graph) Dependents(name string) []string {
	reach := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range g.Edges[u] {
			if !reach[v] {
				reach[v] = true
				queue = append(queue, v)
			}
		}
	}
	order, err := g.Order()
	if err != nil {
		return nil
	}
	var out []string
	for _, n := range order {
		if reach[n] {
			out = append(out, n)
		}
	}
	return out
}

// Edge is a DependencyEdge: From depends on To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// EdgeList returns all edges sorted by (From, To).
func (g *Graph) EdgeList() []Edge {
	var out []Edge
	for dep, dependents := range g.Edges {
		for _, d := range dependents {
			out = append(out, Edge{From: d, To: dep})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
