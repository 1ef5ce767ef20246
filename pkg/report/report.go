// Package report aggregates per-run counters into the summary record that
// operators and CI read to decide whether a run succeeded.
package report

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kittclouds/kittlink/pkg/linker"
	"github.com/kittclouds/kittlink/pkg/mention"
	"github.com/kittclouds/kittlink/pkg/scanner/resolver"
)

// Run status values
const (
	StatusSuccess         = "success"
	StatusNeedsInspection = "needs_inspection"
	StatusFailed          = "failed"
)

// Error kinds recorded per document
const (
	KindInput = "input"
	KindLink  = "link"
	KindFatal = "fatal"
)

// DocumentError is one per-document (or run-level) failure.
type DocumentError struct {
	DocumentID string `json:"document_id,omitempty"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// Summary is the single structured record for a run.
type Summary struct {
	RunID      string    `json:"run_id"`
	Command    string    `json:"command"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ElapsedMs  int64     `json:"elapsed_ms"`

	DocumentsProcessed int `json:"documents_processed"`
	DocumentsSkipped   int `json:"documents_skipped"`
	Mentions           int `json:"mentions"`
	ReferringTotal     int `json:"referring_total"`
	ReferringResolved  int `json:"referring_resolved"`
	Unresolved         int `json:"unresolved"`
	LocalGroups        int `json:"local_groups"`

	EntitiesCreated int `json:"entities_created"`
	EntitiesMatched int `json:"entities_matched"`
	GroupsUnlinked  int `json:"groups_unlinked"`
	Conflicts       int `json:"conflicts"`

	InputErrors int `json:"input_errors"`
	LinkErrors  int `json:"link_errors"`

	RegistryHighWaterMark int64 `json:"registry_high_water_mark"`

	// Set on failed runs: group links committed before the run stopped.
	// They are not rolled back.
	PartialCommits int `json:"partial_commits,omitempty"`

	Errors           []DocumentError              `json:"errors"`
	DocumentMetadata map[string]map[string]string `json:"document_metadata,omitempty"`
}

// Reporter collects counters from concurrent workers.
type Reporter struct {
	mu      sync.Mutex
	summary Summary
	linking   bool
	fatal     bool
	committed int
	metrics   *metrics
}

// New starts a report for a run.
func New(runID, command string, linking bool) *Reporter {
	return &Reporter{
		summary: Summary{
			RunID:     runID,
			Command:   command,
			StartedAt: time.Now().UTC(),
			Errors:    []DocumentError{},
		},
		linking: linking,
		metrics: newMetrics(),
	}
}

// RecordCoref adds one resolved document.
func (r *Reporter) RecordCoref(doc *mention.Document, stats resolver.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.summary
	s.Mentions += stats.Mentions
	s.ReferringTotal += stats.Referring
	s.ReferringResolved += stats.Resolved
	s.Unresolved += stats.Unresolved
	s.LocalGroups += stats.Groups
	if !r.linking {
		s.DocumentsProcessed++
		r.metrics.documents.WithLabelValues("processed").Inc()
	}
	if len(doc.Metadata) > 0 {
		if s.DocumentMetadata == nil {
			s.DocumentMetadata = make(map[string]map[string]string)
		}
		s.DocumentMetadata[doc.ID] = doc.Metadata
	}
	r.metrics.observeCoref(stats)
}

// RecordLinks adds one linked document.
func (r *Reporter) RecordLinks(links *linker.DocumentLinks) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.summary
	s.DocumentsProcessed++
	s.EntitiesCreated += links.Created
	s.EntitiesMatched += links.Matched
	s.GroupsUnlinked += links.Unlinked
	s.Conflicts += len(links.Conflicts)
	r.committed += links.Created + links.Matched
	r.metrics.observeLinks(links)
}

// RecordInputError counts a skipped document.
func (r *Reporter) RecordInputError(err *mention.InputError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.InputErrors++
	r.summary.DocumentsSkipped++
	r.summary.Errors = append(r.summary.Errors, DocumentError{DocumentID: err.DocumentID, Kind: KindInput, Message: err.Error()})
	r.metrics.documents.WithLabelValues("skipped").Inc()
}

// RecordLinkError counts a document that failed to link.
func (r *Reporter) RecordLinkError(err *linker.LinkError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.LinkErrors++
	r.committed += err.Committed
	r.summary.Errors = append(r.summary.Errors, DocumentError{DocumentID: err.DocumentID, Kind: KindLink, Message: err.Error()})
	r.metrics.documents.WithLabelValues("link_error").Inc()
}

// RecordFatal marks the run as failed.
func (r *Reporter) RecordFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fatal = true
	entry := DocumentError{Kind: KindFatal, Message: err.Error()}
	var fe *linker.FatalError
	if errors.As(err, &fe) {
		entry.DocumentID = fe.DocumentID
		r.committed += fe.Committed
	}
	r.summary.Errors = append(r.summary.Errors, entry)
}

// SetHighWaterMark records the registry's largest id at the end of the run.
func (r *Reporter) SetHighWaterMark(hwm int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.RegistryHighWaterMark = hwm
	r.metrics.highWaterMark.Set(float64(hwm))
}

// Finish stamps timing and status and returns a copy of the summary.
func (r *Reporter) Finish() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.summary
	s.FinishedAt = time.Now().UTC()
	s.ElapsedMs = s.FinishedAt.Sub(s.StartedAt).Milliseconds()
	r.metrics.elapsed.Set(s.FinishedAt.Sub(s.StartedAt).Seconds())

	sort.SliceStable(s.Errors, func(i, j int) bool {
		return s.Errors[i].DocumentID < s.Errors[j].DocumentID
	})

	switch {
	case r.fatal:
		s.Status = StatusFailed
		s.PartialCommits = r.committed
	case !r.linking:
		s.Status = StatusSuccess
	case s.LinkErrors == 0 && s.EntitiesCreated+s.EntitiesMatched > 0:
		s.Status = StatusSuccess
	default:
		s.Status = StatusNeedsInspection
	}

	out := *s
	out.Errors = append([]DocumentError(nil), s.Errors...)
	return out
}

// WriteMetrics renders the run's counters in Prometheus text format.
func (r *Reporter) WriteMetrics(w io.Writer) error {
	return r.metrics.write(w)
}

// Print writes the human summary.
func (s Summary) Print(w io.Writer) {
	line := strings.Repeat("═", 59)
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "  kittlink %s  run %s  [%s]\n", s.Command, s.RunID, strings.ToUpper(s.Status))
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "  Documents:  %d processed, %d skipped\n", s.DocumentsProcessed, s.DocumentsSkipped)
	fmt.Fprintf(w, "  Mentions:   %d (referring %d, resolved %d, unresolved %d)\n",
		s.Mentions, s.ReferringTotal, s.ReferringResolved, s.Unresolved)
	fmt.Fprintf(w, "  Groups:     %d\n", s.LocalGroups)
	if s.Command != "coref" {
		fmt.Fprintf(w, "  Entities:   %d created, %d matched, %d unlinked groups\n",
			s.EntitiesCreated, s.EntitiesMatched, s.GroupsUnlinked)
		fmt.Fprintf(w, "  Conflicts:  %d\n", s.Conflicts)
		fmt.Fprintf(w, "  Registry:   high-water mark %d\n", s.RegistryHighWaterMark)
	}
	if s.Status == StatusFailed && s.PartialCommits > 0 {
		fmt.Fprintf(w, "  Retained:   %d group links committed before the failure\n", s.PartialCommits)
	}
	fmt.Fprintf(w, "  Errors:     %d input, %d link\n", s.InputErrors, s.LinkErrors)
	for _, e := range s.Errors {
		fmt.Fprintf(w, "    - [%s] %s\n", e.Kind, e.Message)
	}
	fmt.Fprintf(w, "  Elapsed:    %s\n", time.Duration(s.ElapsedMs)*time.Millisecond)
	fmt.Fprintln(w, line)
}
