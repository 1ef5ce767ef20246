package graph

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kittclouds/kittlink/internal/store"
)

func TestGraphBasics(t *testing.T) {
	g := NewGraph()

	g.EnsureNode("entity:1", "Genesis Systems", KindEntity)
	g.EnsureNode("doc:a", "a", KindDocument)
	g.EnsureNode("doc:b", "b", KindDocument)

	if g.NodeCount() != 3 {
		t.Errorf("NodeCount = %d, want 3", g.NodeCount())
	}

	g.AddEdge("entity:1", "doc:a", "mentioned_in", 1)
	g.AddEdge("entity:1", "doc:a", RelMentionedIn, 1)
	g.AddEdge("entity:1", "doc:b", RelMentionedIn, 1)

	if g.EdgeCount() != 2 {
		t.Errorf("EdgeCount = %d, want 2", g.EdgeCount())
	}

	out := g.OutgoingEdges("entity:1")
	if len(out) != 2 {
		t.Fatalf("outgoing = %d, want 2", len(out))
	}
	if out[0].Target != "doc:a" || out[0].Weight != 2 {
		t.Errorf("first edge = %+v, want doc:a with weight 2", out[0])
	}
	if out[0].Relation != RelMentionedIn {
		t.Errorf("Relation = %s, want %s", out[0].Relation, RelMentionedIn)
	}

	if in := g.IncomingEdges("doc:b"); len(in) != 1 {
		t.Errorf("doc:b incoming = %d, want 1", len(in))
	}

	neighbors := g.Neighbors("entity:1")
	if len(neighbors) != 2 || neighbors[0].ID != "doc:a" {
		t.Errorf("neighbors = %v, want [doc:a doc:b]", neighbors)
	}
}

func TestEnsureNodeKeepsFirst(t *testing.T) {
	g := NewGraph()
	first := g.EnsureNode("doc:a", "a", KindDocument)
	second := g.EnsureNode("doc:a", "other", KindEntity)
	if first != second || second.Label != "a" {
		t.Errorf("EnsureNode replaced existing node: %+v", second)
	}
}

func TestProject(t *testing.T) {
	entities := []*store.CanonicalEntity{
		{
			ID: 1, CanonicalName: "Genesis Systems", Type: "ORG",
			Aliases: []string{"genesis systems", "the company"},
			Provenance: []store.Provenance{
				{DocumentID: "doc1", MentionID: "m1"},
				{DocumentID: "doc1", MentionID: "m2"},
				{DocumentID: "doc2", MentionID: "m1"},
			},
		},
		{
			ID: 2, CanonicalName: "Genesis Sys", Type: "ORG", MergedInto: 1,
			Provenance: []store.Provenance{{DocumentID: "doc3", MentionID: "m1"}},
		},
	}

	g := Project(entities)

	if g.NodeCount() != 4 {
		t.Errorf("NodeCount = %d, want 4", g.NodeCount())
	}
	if g.GetNode(DocumentNodeID("doc3")) != nil {
		t.Error("merged entity should not project its documents")
	}

	edges := g.AllEdges()
	if len(edges) != 3 {
		t.Fatalf("EdgeCount = %d, want 3", len(edges))
	}
	if edges[0].Target != "doc:doc1" || edges[0].Weight != 2 {
		t.Errorf("edge[0] = %+v, want doc1 weight 2", edges[0])
	}
	if edges[2].Relation != RelMergedInto || edges[2].Target != EntityNodeID(1) {
		t.Errorf("edge[2] = %+v, want MERGED_INTO entity:1", edges[2])
	}

	nodes := g.AllNodes()
	if nodes[0].EntityID != 1 || nodes[1].EntityID != 2 || nodes[2].Kind != KindDocument {
		t.Errorf("node order = %v", nodes)
	}
}

func TestWriteJSONLIsStable(t *testing.T) {
	entities := []*store.CanonicalEntity{
		{ID: 3, CanonicalName: "Acme", Type: "ORG", Provenance: []store.Provenance{{DocumentID: "b", MentionID: "x"}}},
		{ID: 1, CanonicalName: "Ada", Type: "PERSON", Provenance: []store.Provenance{{DocumentID: "a", MentionID: "y"}}},
	}

	var n1, e1, n2, e2 bytes.Buffer
	if err := Project(entities).WriteJSONL(&n1, &e1); err != nil {
		t.Fatal(err)
	}
	if err := Project(entities).WriteJSONL(&n2, &e2); err != nil {
		t.Fatal(err)
	}
	if n1.String() != n2.String() || e1.String() != e2.String() {
		t.Error("projection output is not deterministic")
	}

	lines := strings.Split(strings.TrimSpace(n1.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("node lines = %d, want 4", len(lines))
	}
	if !strings.Contains(lines[0], `"id":"entity:1"`) {
		t.Errorf("first node = %s, want entity:1", lines[0])
	}
}
