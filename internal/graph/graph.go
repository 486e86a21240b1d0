// Package graph holds a node's belief about the adjacency of the whole
// mesh, keyed by persistent peer name. Merging a remote view only ever
// adds edges; an entry shrinks only when the owning node rewrites its own
// row. That makes merge commutative, associative and idempotent, so all
// nodes in a connected component converge on the same view.
package graph

import (
	"sort"
	"sync"
)

type Graph struct {
	mu  sync.RWMutex
	adj map[string]map[string]struct{}
}

func New() *Graph {
	return &Graph{adj: make(map[string]map[string]struct{})}
}

// SetLocal replaces owner's own adjacency row. This is the only operation
// allowed to remove edges from a row.
func (g *Graph) SetLocal(owner string, neighbors []string) {
	if owner == "" {
		return
	}
	row := make(map[string]struct{}, len(neighbors))
	for _, n := range neighbors {
		if n == "" || n == owner {
			continue
		}
		row[n] = struct{}{}
	}
	g.mu.Lock()
	g.adj[owner] = row
	g.mu.Unlock()
}

// Merge unions a remote adjacency view into the local one and returns the
// number of edges added. Rows never shrink here.
func (g *Graph) Merge(remote map[string][]string) int {
	added := 0
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, neighbors := range remote {
		if name == "" {
			continue
		}
		row, ok := g.adj[name]
		if !ok {
			row = make(map[string]struct{}, len(neighbors))
			g.adj[name] = row
		}
		for _, n := range neighbors {
			if n == "" || n == name {
				continue
			}
			if _, dup := row[n]; !dup {
				row[n] = struct{}{}
				added++
			}
		}
	}
	return added
}

// Has reports whether name appears anywhere in the graph, as a row owner
// or as somebody's neighbor.
func (g *Graph) Has(name string) bool {
	if name == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.adj[name]; ok {
		return true
	}
	for _, row := range g.adj {
		if _, ok := row[name]; ok {
			return true
		}
	}
	return false
}

func (g *Graph) Neighbors(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	row, ok := g.adj[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(row))
	for n := range row {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsLeaf reports whether name's only known neighbor is local (or name has
// no known neighbors at all beyond local). Dropping a leaf cannot cut the
// rest of the mesh off, since a leaf has no other path.
func (g *Graph) IsLeaf(name, local string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	row, ok := g.adj[name]
	if !ok {
		return true
	}
	for n := range row {
		if n != local {
			return false
		}
	}
	return true
}

// Adjacent reports whether a and b are neighbors in either direction.
func (g *Graph) Adjacent(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if row, ok := g.adj[a]; ok {
		if _, ok := row[b]; ok {
			return true
		}
	}
	if row, ok := g.adj[b]; ok {
		if _, ok := row[a]; ok {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of the adjacency view with sorted rows,
// suitable for serialization.
func (g *Graph) Snapshot() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]string, len(g.adj))
	for name, row := range g.adj {
		ns := make([]string, 0, len(row))
		for n := range row {
			ns = append(ns, n)
		}
		sort.Strings(ns)
		out[name] = ns
	}
	return out
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adj)
}
