package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/hack-pad/hackpadfs"
	"github.com/kittclouds/kittlink/internal/store"
	"github.com/kittclouds/kittlink/pkg/graph"
	"github.com/kittclouds/kittlink/pkg/linker"
	"github.com/kittclouds/kittlink/pkg/mention"
	"github.com/kittclouds/kittlink/pkg/report"
	"github.com/kittclouds/kittlink/pkg/scanner/resolver"
)

// Output layout, relative to the output directory
const (
	CorefDir       = "coref"
	LinkedDir      = "linked"
	GraphDir       = "graph"
	ReportsDir     = "_reports"
	LinkedEntities = "linked.entities.jsonl"
	EntitiesFile   = "entities.jsonl"
	NodesFile      = "nodes.jsonl"
	EdgesFile      = "edges.jsonl"
	RunReportFile  = "run_report.json"
	ConflictsFile  = "conflicts.jsonl"
	MetricsFile    = "metrics.prom"
)

// CorefRecord is one line of coref/<doc>.jsonl
type CorefRecord struct {
	mention.Record
	LocalID      int           `json:"local_id"`
	Rule         resolver.Rule `json:"rule"`
	AntecedentID string        `json:"antecedent_id,omitempty"`
}

// LinkedRecord is one line of linked/<doc>.jsonl. EntityID is null for
// mentions whose group was not linked.
type LinkedRecord struct {
	CorefRecord
	EntityID *int64 `json:"entity_id"`
}

// EntityRow is one line of linked.entities.jsonl
type EntityRow struct {
	DocumentID string `json:"document_id"`
	linker.GroupLink
}

// Writer lays results out under one directory of a hackpadfs filesystem.
type Writer struct {
	fs  hackpadfs.FS
	dir string
}

// NewWriter creates a writer rooted at dir
func NewWriter(fsys hackpadfs.FS, dir string) *Writer {
	return &Writer{fs: fsys, dir: dir}
}

// Prepare creates output directories before any worker starts.
func (w *Writer) Prepare(dirs ...string) error {
	for _, d := range dirs {
		if err := hackpadfs.MkdirAll(w.fs, w.path(d), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", w.path(d), err)
		}
	}
	return nil
}

func (w *Writer) path(elem ...string) string {
	return path.Join(append([]string{w.dir}, elem...)...)
}

func (w *Writer) write(data []byte, elem ...string) error {
	name := w.path(elem...)
	if err := hackpadfs.MkdirAll(w.fs, path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path.Dir(name), err)
	}
	if err := hackpadfs.WriteFullFile(w.fs, name, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func writeLines[T any](w *Writer, rows []T, elem ...string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to encode %s: %w", w.path(elem...), err)
		}
	}
	return w.write(buf.Bytes(), elem...)
}

func corefRecords(res *resolver.Resolution) []CorefRecord {
	out := make([]CorefRecord, len(res.Mentions))
	for i, m := range res.Mentions {
		a := res.Assignments[i]
		out[i] = CorefRecord{
			Record:       mention.ToRecord(m),
			LocalID:      a.LocalID,
			Rule:         a.Rule,
			AntecedentID: a.AntecedentID,
		}
	}
	return out
}

// WriteCoref writes the local group of every mention of a document.
func (w *Writer) WriteCoref(res *resolver.Resolution) error {
	return writeLines(w, corefRecords(res), CorefDir, res.Document.ID+".jsonl")
}

// WriteLinked writes the mentions of a document annotated with entity ids.
func (w *Writer) WriteLinked(res *resolver.Resolution, links *linker.DocumentLinks) error {
	coref := corefRecords(res)
	out := make([]LinkedRecord, len(coref))
	for i, rec := range coref {
		out[i] = LinkedRecord{CorefRecord: rec}
		if id, ok := links.Entities[rec.MentionID]; ok {
			out[i].EntityID = &id
		}
	}
	return writeLines(w, out, LinkedDir, res.Document.ID+".jsonl")
}

// WriteLinkedEntities writes one row per (document, group), sorted.
func (w *Writer) WriteLinkedEntities(docs []*linker.DocumentLinks) error {
	var rows []EntityRow
	for _, d := range docs {
		for _, g := range d.Groups {
			rows = append(rows, EntityRow{DocumentID: d.DocumentID, GroupLink: g})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].DocumentID != rows[j].DocumentID {
			return rows[i].DocumentID < rows[j].DocumentID
		}
		return rows[i].LocalID < rows[j].LocalID
	})
	return writeLines(w, rows, LinkedEntities)
}

// WriteConflicts writes the flagged ambiguities of a run.
func (w *Writer) WriteConflicts(docs []*linker.DocumentLinks) error {
	conflicts := []linker.Conflict{}
	for _, d := range docs {
		conflicts = append(conflicts, d.Conflicts...)
	}
	return writeLines(w, conflicts, ReportsDir, ConflictsFile)
}

// WriteEntities writes the canonical entity table.
func (w *Writer) WriteEntities(entities []*store.CanonicalEntity) error {
	return writeLines(w, entities, EntitiesFile)
}

// WriteGraph writes the node/edge projection of entities.
func (w *Writer) WriteGraph(entities []*store.CanonicalEntity) (*graph.Graph, error) {
	g := graph.Project(entities)
	var nodes, edges bytes.Buffer
	if err := g.WriteJSONL(&nodes, &edges); err != nil {
		return nil, err
	}
	if err := w.write(nodes.Bytes(), GraphDir, NodesFile); err != nil {
		return nil, err
	}
	if err := w.write(edges.Bytes(), GraphDir, EdgesFile); err != nil {
		return nil, err
	}
	return g, nil
}

// WriteReport writes the run summary and its metrics exposition.
func (w *Writer) WriteReport(summary report.Summary, reporter *report.Reporter) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	if err := w.write(append(data, '\n'), ReportsDir, RunReportFile); err != nil {
		return err
	}

	var metrics bytes.Buffer
	if err := reporter.WriteMetrics(&metrics); err != nil {
		return err
	}
	return w.write(metrics.Bytes(), ReportsDir, MetricsFile)
}
