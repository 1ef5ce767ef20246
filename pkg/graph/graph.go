// Package graph projects the canonical registry into a node/edge form that
// downstream graph stores can bulk-load.
package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/kittclouds/kittlink/internal/store"
)

// Node kinds
const (
	KindEntity   = "ENTITY"
	KindDocument = "DOCUMENT"
)

// Edge relations
const (
	RelMentionedIn = "MENTIONED_IN"
	RelMergedInto  = "MERGED_INTO"
)

// Node is one vertex in the projection
type Node struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Kind     string   `json:"kind"`
	Type     string   `json:"type,omitempty"`
	EntityID int64    `json:"entity_id,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
}

// Edge is a directed, weighted relation
type Edge struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

// Graph is a directed multigraph keyed by (source, target, relation)
type Graph struct {
	Nodes map[string]*Node

	// Adjacency: SourceID -> TargetID -> Relation -> Edge
	Outbound map[string]map[string]map[string]*Edge
	Inbound  map[string]map[string]map[string]*Edge
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{
		Nodes:    make(map[string]*Node),
		Outbound: make(map[string]map[string]map[string]*Edge),
		Inbound:  make(map[string]map[string]map[string]*Edge),
	}
}

// EntityNodeID is the node id for a canonical entity
func EntityNodeID(id int64) string {
	return "entity:" + strconv.FormatInt(id, 10)
}

// DocumentNodeID is the node id for a document
func DocumentNodeID(docID string) string {
	return "doc:" + docID
}

// EnsureNode adds a node if it doesn't exist, returns existing node otherwise
func (g *Graph) EnsureNode(id, label, kind string) *Node {
	if existing, ok := g.Nodes[id]; ok {
		return existing
	}
	node := &Node{ID: id, Label: label, Kind: kind}
	g.Nodes[id] = node
	return node
}

// AddEdge adds weight to the (source, target, relation) edge, creating it on first use
func (g *Graph) AddEdge(sourceID, targetID, relation string, weight float64) *Edge {
	relation = strings.ToUpper(relation)

	if g.Outbound[sourceID] == nil {
		g.Outbound[sourceID] = make(map[string]map[string]*Edge)
	}
	if g.Outbound[sourceID][targetID] == nil {
		g.Outbound[sourceID][targetID] = make(map[string]*Edge)
	}
	if e, ok := g.Outbound[sourceID][targetID][relation]; ok {
		e.Weight += weight
		return e
	}

	e := &Edge{Source: sourceID, Target: targetID, Relation: relation, Weight: weight}
	g.Outbound[sourceID][targetID][relation] = e

	// Maintain reverse index
	if g.Inbound[targetID] == nil {
		g.Inbound[targetID] = make(map[string]map[string]*Edge)
	}
	if g.Inbound[targetID][sourceID] == nil {
		g.Inbound[targetID][sourceID] = make(map[string]*Edge)
	}
	g.Inbound[targetID][sourceID][relation] = e
	return e
}

// GetNode retrieves a node by ID
func (g *Graph) GetNode(id string) *Node {
	return g.Nodes[id]
}

// OutgoingEdges returns the edges leaving a node, sorted
func (g *Graph) OutgoingEdges(id string) []*Edge {
	var out []*Edge
	for _, rels := range g.Outbound[id] {
		for _, e := range rels {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out
}

// IncomingEdges returns the edges pointing at a node, sorted
func (g *Graph) IncomingEdges(id string) []*Edge {
	var out []*Edge
	for _, rels := range g.Inbound[id] {
		for _, e := range rels {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out
}

// Neighbors returns all nodes connected to the given node (both directions), sorted by id
func (g *Graph) Neighbors(id string) []*Node {
	seen := make(map[string]bool)
	var result []*Node
	visit := func(other string) {
		if seen[other] {
			return
		}
		seen[other] = true
		if node := g.Nodes[other]; node != nil {
			result = append(result, node)
		}
	}
	for targetID := range g.Outbound[id] {
		visit(targetID)
	}
	for sourceID := range g.Inbound[id] {
		visit(sourceID)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// NodeCount returns the number of nodes
func (g *Graph) NodeCount() int {
	return len(g.Nodes)
}

// EdgeCount returns the number of edges
func (g *Graph) EdgeCount() int {
	count := 0
	for _, targets := range g.Outbound {
		for _, rels := range targets {
			count += len(rels)
		}
	}
	return count
}

// AllNodes returns every node: entities by id, then documents by id.
func (g *Graph) AllNodes() []*Node {
	result := make([]*Node, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		result = append(result, node)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Kind != b.Kind {
			return a.Kind == KindEntity
		}
		if a.Kind == KindEntity {
			return a.EntityID < b.EntityID
		}
		return a.ID < b.ID
	})
	return result
}

// AllEdges returns every edge, sorted
func (g *Graph) AllEdges() []*Edge {
	var result []*Edge
	for _, targets := range g.Outbound {
		for _, rels := range targets {
			for _, e := range rels {
				result = append(result, e)
			}
		}
	}
	sortEdges(result)
	return result
}

func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Relation < b.Relation
	})
}

// Project builds the graph for a registry snapshot. Live entities get one
// MENTIONED_IN edge per document weighted by the number of contributing
// mentions; merged-away entities only point at their target.
func Project(entities []*store.CanonicalEntity) *Graph {
	g := NewGraph()
	for _, e := range entities {
		id := EntityNodeID(e.ID)
		node := g.EnsureNode(id, e.CanonicalName, KindEntity)
		node.Type = e.Type
		node.EntityID = e.ID
		node.Aliases = append([]string(nil), e.Aliases...)

		if e.MergedInto != 0 {
			g.AddEdge(id, EntityNodeID(e.MergedInto), RelMergedInto, 1)
			continue
		}
		for _, p := range e.Provenance {
			doc := DocumentNodeID(p.DocumentID)
			g.EnsureNode(doc, p.DocumentID, KindDocument)
			g.AddEdge(id, doc, RelMentionedIn, 1)
		}
	}
	return g
}

// WriteJSONL encodes nodes and edges one record per line, in stable order.
func (g *Graph) WriteJSONL(nodes, edges io.Writer) error {
	enc := json.NewEncoder(nodes)
	for _, n := range g.AllNodes() {
		if err := enc.Encode(n); err != nil {
			return fmt.Errorf("failed to write node %s: %w", n.ID, err)
		}
	}
	enc = json.NewEncoder(edges)
	for _, e := range g.AllEdges() {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to write edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	return nil
}
