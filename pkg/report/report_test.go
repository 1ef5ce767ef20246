package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kittclouds/kittlink/pkg/linker"
	"github.com/kittclouds/kittlink/pkg/mention"
	"github.com/kittclouds/kittlink/pkg/scanner/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linkedDoc(id string, created, matched, unlinked int, conflicts ...linker.Conflict) *linker.DocumentLinks {
	return &linker.DocumentLinks{
		DocumentID: id,
		Created:    created,
		Matched:    matched,
		Unlinked:   unlinked,
		Conflicts:  conflicts,
	}
}

func TestSuccessfulRun(t *testing.T) {
	r := New("run-1", "run", true)
	doc := &mention.Document{ID: "doc1", Metadata: map[string]string{"source": "unit"}}

	r.RecordCoref(doc, resolver.Stats{Mentions: 3, Referring: 2, Resolved: 2, Groups: 1})
	r.RecordLinks(linkedDoc("doc1", 1, 0, 0))
	r.SetHighWaterMark(1)

	s := r.Finish()
	assert.Equal(t, StatusSuccess, s.Status)
	assert.Equal(t, 1, s.DocumentsProcessed)
	assert.Equal(t, 3, s.Mentions)
	assert.Equal(t, 2, s.ReferringResolved)
	assert.Equal(t, 1, s.EntitiesCreated)
	assert.Equal(t, int64(1), s.RegistryHighWaterMark)
	assert.Equal(t, "unit", s.DocumentMetadata["doc1"]["source"])
	assert.False(t, s.FinishedAt.Before(s.StartedAt))
	assert.Empty(t, s.Errors)
}

func TestNoEntitiesNeedsInspection(t *testing.T) {
	r := New("run-2", "run", true)
	r.RecordCoref(&mention.Document{ID: "doc1"}, resolver.Stats{Mentions: 2, Referring: 2, Unresolved: 2, Groups: 1})
	r.RecordLinks(linkedDoc("doc1", 0, 0, 1))

	s := r.Finish()
	assert.Equal(t, StatusNeedsInspection, s.Status)
	assert.Equal(t, 1, s.GroupsUnlinked)
	assert.Equal(t, 2, s.Unresolved)
}

func TestLinkErrorNeedsInspection(t *testing.T) {
	r := New("run-3", "run", true)
	r.RecordLinks(linkedDoc("a", 2, 1, 0))
	r.RecordLinkError(&linker.LinkError{DocumentID: "b", Err: errors.New("busy")})

	s := r.Finish()
	assert.Equal(t, StatusNeedsInspection, s.Status)
	assert.Equal(t, 1, s.LinkErrors)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, KindLink, s.Errors[0].Kind)
	assert.Equal(t, "b", s.Errors[0].DocumentID)
}

func TestInputErrorSkipsDocument(t *testing.T) {
	r := New("run-4", "run", true)
	r.RecordLinks(linkedDoc("a", 1, 0, 0))
	r.RecordInputError(&mention.InputError{DocumentID: "bad", MentionID: "m1", Index: 0, Field: "start", Reason: "negative"})

	s := r.Finish()
	assert.Equal(t, StatusSuccess, s.Status, "input errors alone do not fail a run")
	assert.Equal(t, 1, s.DocumentsSkipped)
	assert.Equal(t, 1, s.InputErrors)
}

func TestFatalFailsRun(t *testing.T) {
	r := New("run-5", "run", true)
	r.RecordLinks(linkedDoc("a", 1, 0, 0))
	r.RecordFatal(&linker.FatalError{DocumentID: "b", Err: errors.New("disk gone")})

	s := r.Finish()
	assert.Equal(t, StatusFailed, s.Status)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, "b", s.Errors[0].DocumentID)
}

func TestFatalRunReportsRetainedCommits(t *testing.T) {
	r := New("run-5b", "run", true)
	r.RecordLinks(linkedDoc("a", 2, 1, 0))
	r.RecordLinkError(&linker.LinkError{DocumentID: "b", Committed: 1, Err: errors.New("busy")})
	r.RecordFatal(&linker.FatalError{DocumentID: "c", Committed: 2, Err: errors.New("disk gone")})

	s := r.Finish()
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 6, s.PartialCommits, "3 from a, 1 from b, 2 from c")

	var buf bytes.Buffer
	s.Print(&buf)
	assert.Contains(t, buf.String(), "6 group links committed before the failure")
}

func TestSuccessfulRunHasNoPartialCommits(t *testing.T) {
	r := New("run-5c", "run", true)
	r.RecordLinks(linkedDoc("a", 1, 0, 0))

	s := r.Finish()
	assert.Equal(t, StatusSuccess, s.Status)
	assert.Zero(t, s.PartialCommits)
}

func TestCorefOnlyRun(t *testing.T) {
	r := New("run-6", "coref", false)
	r.RecordCoref(&mention.Document{ID: "a"}, resolver.Stats{Mentions: 1, Groups: 1})
	r.RecordCoref(&mention.Document{ID: "b"}, resolver.Stats{Mentions: 1, Groups: 1})

	s := r.Finish()
	assert.Equal(t, StatusSuccess, s.Status)
	assert.Equal(t, 2, s.DocumentsProcessed)

	var buf bytes.Buffer
	s.Print(&buf)
	assert.Contains(t, buf.String(), "2 processed")
	assert.NotContains(t, buf.String(), "Entities:")
}

func TestErrorsSortedByDocument(t *testing.T) {
	r := New("run-7", "run", true)
	r.RecordLinkError(&linker.LinkError{DocumentID: "z", Err: errors.New("x")})
	r.RecordLinkError(&linker.LinkError{DocumentID: "a", Err: errors.New("y")})

	s := r.Finish()
	require.Len(t, s.Errors, 2)
	assert.Equal(t, "a", s.Errors[0].DocumentID)
	assert.Equal(t, "z", s.Errors[1].DocumentID)
}

func TestWriteMetrics(t *testing.T) {
	r := New("run-8", "run", true)
	r.RecordCoref(&mention.Document{ID: "a"}, resolver.Stats{Mentions: 3, Referring: 1, Resolved: 1, Groups: 2})
	r.RecordLinks(linkedDoc("a", 1, 1, 0, linker.Conflict{Kind: "ambiguous_match"}))
	r.SetHighWaterMark(4)
	r.Finish()

	var buf bytes.Buffer
	require.NoError(t, r.WriteMetrics(&buf))
	out := buf.String()
	assert.Contains(t, out, `kittlink_run_documents_total{outcome="processed"} 1`)
	assert.Contains(t, out, `kittlink_link_groups_total{decision="created"} 1`)
	assert.Contains(t, out, `kittlink_link_conflicts_total{kind="ambiguous_match"} 1`)
	assert.Contains(t, out, `kittlink_coref_mentions_total{kind="named"} 2`)
	assert.Contains(t, out, "kittlink_registry_high_water_mark 4")
}
