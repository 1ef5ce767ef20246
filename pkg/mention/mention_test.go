package mention

import (
	"errors"
	"testing"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fs hackpadfs.FS, name, body string) {
	t.Helper()
	require.NoError(t, hackpadfs.WriteFullFile(fs, name, []byte(body), 0o644))
}

func newInputFS(t *testing.T) hackpadfs.FS {
	t.Helper()
	fs, err := mem.NewFS()
	require.NoError(t, err)
	require.NoError(t, hackpadfs.MkdirAll(fs, "in", 0o755))
	return fs
}

func TestLoadDirGroupsAndOrders(t *testing.T) {
	fs := newInputFS(t)
	writeFile(t, fs, "in/b.mentions.jsonl", `
{"document_id":"doc-b","mention_id":"m2","sentence":1,"start":0,"end":2,"text":"it","type":"org","referring":true}
{"document_id":"doc-b","mention_id":"m1","sentence":0,"start":0,"end":9,"text":"WaterCube","type":"ORG","referring":false,"metadata":{"source":"wire"}}
`)
	writeFile(t, fs, "in/a.mentions.jsonl", `{"document_id":"doc-a","mention_id":"m1","sentence":0,"start":0,"end":15,"text":"Genesis Systems","type":"ORG","referring":false}`)
	writeFile(t, fs, "in/notes.txt", "ignored")

	batch, err := LoadDir(fs, "in")
	require.NoError(t, err)
	require.Empty(t, batch.Errors)
	assert.Equal(t, 2, batch.Files)
	require.Len(t, batch.Documents, 2)

	assert.Equal(t, "doc-a", batch.Documents[0].ID)
	docB := batch.Documents[1]
	assert.Equal(t, "doc-b", docB.ID)
	require.Len(t, docB.Mentions, 2)
	assert.Equal(t, "m1", docB.Mentions[0].ID, "mentions sorted by position")
	assert.Equal(t, KindNamed, docB.Mentions[0].Kind)
	assert.Equal(t, KindReferring, docB.Mentions[1].Kind)
	assert.Equal(t, "ORG", docB.Mentions[1].Type, "type labels upper-cased")
	assert.Equal(t, "wire", docB.Metadata["source"])
	assert.Equal(t, 1, docB.CountReferring())
}

func TestLoadDirRejectsMalformedDocument(t *testing.T) {
	fs := newInputFS(t)
	writeFile(t, fs, "in/x.mentions.jsonl", `
{"document_id":"good","mention_id":"m1","sentence":0,"start":0,"end":4,"text":"Acme","type":"ORG","referring":false}
{"document_id":"bad","mention_id":"m1","sentence":0,"start":0,"end":4,"text":"Acme","type":"ORG","referring":false}
{"document_id":"bad","mention_id":"m2","start":5,"end":7,"text":"it","type":"ORG","referring":true}
not json
`)

	batch, err := LoadDir(fs, "in")
	require.NoError(t, err)
	require.Len(t, batch.Documents, 1)
	assert.Equal(t, "good", batch.Documents[0].ID)

	require.Len(t, batch.Errors, 2)
	assert.Equal(t, "x.mentions.jsonl:5", batch.Errors[0].Field)

	bad := batch.Errors[1]
	assert.Equal(t, "bad", bad.DocumentID)
	assert.Equal(t, "m2", bad.MentionID)
	assert.Equal(t, "sentence", bad.Field)
	assert.Equal(t, 1, bad.Index)
}

func TestLoadDirMissingDirectory(t *testing.T) {
	fs := newInputFS(t)
	_, err := LoadDir(fs, "nope")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	named := func(id string) Mention {
		return Mention{DocumentID: "d", ID: id, Span: Span{Surface: "Acme", End: 4}, Type: "ORG"}
	}

	doc := &Document{ID: "d", Mentions: []Mention{named("m1"), named("m2")}}
	require.NoError(t, doc.Validate())

	dup := &Document{ID: "d", Mentions: []Mention{named("m1"), named("m1")}}
	err := dup.Validate()
	var inputErr *InputError
	require.True(t, errors.As(err, &inputErr))
	assert.Equal(t, "mention_id", inputErr.Field)
	assert.Equal(t, 1, inputErr.Index)

	badRange := named("m1")
	badRange.Span.Start, badRange.Span.End = 5, 2
	require.Error(t, (&Document{ID: "d", Mentions: []Mention{badRange}}).Validate())

	unknown := named("m1")
	unknown.Kind = Kind(7)
	require.Error(t, (&Document{ID: "d", Mentions: []Mention{unknown}}).Validate())

	require.NoError(t, (&Document{ID: "empty"}).Validate(), "empty document is valid")
}

func TestRecordRoundTrip(t *testing.T) {
	m := Mention{DocumentID: "d", ID: "m1", Span: Span{Sentence: 2, Start: 3, End: 5, Surface: "it"}, Type: "ORG", Kind: KindReferring}
	back, err := ToRecord(m).Mention()
	require.NoError(t, err)
	assert.Equal(t, m, back)
}
