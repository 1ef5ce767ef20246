package mention

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/hack-pad/hackpadfs"
)

// FileSuffix marks mention files inside an input directory.
const FileSuffix = ".mentions.jsonl"

// Record is the wire form of one mention: one JSON object per line.
// Pointer fields distinguish "missing" from zero values.
type Record struct {
	DocumentID string            `json:"document_id"`
	MentionID  string            `json:"mention_id"`
	Sentence   *int              `json:"sentence"`
	Start      *int              `json:"start"`
	End        *int              `json:"end"`
	Text       string            `json:"text"`
	Type       string            `json:"type"`
	Referring  *bool             `json:"referring"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Mention converts the record, reporting the first missing required field.
func (r Record) Mention() (Mention, error) {
	missing := func(field string) error {
		return &InputError{DocumentID: r.DocumentID, MentionID: r.MentionID, Field: field, Reason: "missing"}
	}
	switch {
	case r.DocumentID == "":
		return Mention{}, missing("document_id")
	case r.MentionID == "":
		return Mention{}, missing("mention_id")
	case r.Sentence == nil:
		return Mention{}, missing("sentence")
	case r.Start == nil:
		return Mention{}, missing("start")
	case r.End == nil:
		return Mention{}, missing("end")
	case r.Text == "":
		return Mention{}, missing("text")
	case r.Type == "":
		return Mention{}, missing("type")
	case r.Referring == nil:
		return Mention{}, missing("referring")
	}

	kind := KindNamed
	if *r.Referring {
		kind = KindReferring
	}
	return Mention{
		DocumentID: r.DocumentID,
		ID:         r.MentionID,
		Span:       Span{Sentence: *r.Sentence, Start: *r.Start, End: *r.End, Surface: r.Text},
		Type:       strings.ToUpper(strings.TrimSpace(r.Type)),
		Kind:       kind,
	}, nil
}

// ToRecord is the inverse of Record.Mention.
func ToRecord(m Mention) Record {
	sentence, start, end := m.Span.Sentence, m.Span.Start, m.Span.End
	referring := m.Kind == KindReferring
	return Record{
		DocumentID: m.DocumentID,
		MentionID:  m.ID,
		Sentence:   &sentence,
		Start:      &start,
		End:        &end,
		Text:       m.Span.Surface,
		Type:       m.Type,
		Referring:  &referring,
	}
}

// Batch is the result of loading an input directory.
type Batch struct {
	Documents []*Document   // valid documents, ascending by id, mentions in position order
	Errors    []*InputError // one per rejected document or unreadable line
	Files     int
}

// LoadDir reads every *.mentions.jsonl file under dir and groups the records
// by document. A document with any bad record is rejected as a whole.
func LoadDir(fsys hackpadfs.FS, dir string) (*Batch, error) {
	entries, err := hackpadfs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read input directory %s: %w", dir, err)
	}

	docs := make(map[string]*Document)
	rejected := make(map[string]*InputError)
	batch := &Batch{}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileSuffix) {
			continue
		}
		data, err := hackpadfs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		batch.Files++

		errs := decodeInto(entry.Name(), data, docs, rejected)
		batch.Errors = append(batch.Errors, errs...)
	}

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if inputErr, bad := rejected[id]; bad {
			batch.Errors = append(batch.Errors, inputErr)
			continue
		}
		doc := docs[id]
		doc.Sort()
		if err := doc.Validate(); err != nil {
			batch.Errors = append(batch.Errors, err.(*InputError))
			continue
		}
		batch.Documents = append(batch.Documents, doc)
	}
	return batch, nil
}

// decodeInto parses one file. Errors that cannot be tied to a document are
// returned directly; document errors are parked in rejected.
func decodeInto(name string, data []byte, docs map[string]*Document, rejected map[string]*InputError) []*InputError {
	var errs []*InputError
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			errs = append(errs, &InputError{Index: -1, Field: fmt.Sprintf("%s:%d", name, line), Reason: "invalid JSON: " + err.Error()})
			continue
		}
		if rec.DocumentID == "" {
			errs = append(errs, &InputError{Index: -1, Field: fmt.Sprintf("%s:%d", name, line), Reason: "missing document_id"})
			continue
		}

		doc, ok := docs[rec.DocumentID]
		if !ok {
			doc = &Document{ID: rec.DocumentID}
			docs[rec.DocumentID] = doc
		}
		for k, v := range rec.Metadata {
			if doc.Metadata == nil {
				doc.Metadata = make(map[string]string)
			}
			doc.Metadata[k] = v
		}

		m, err := rec.Mention()
		if err != nil {
			if _, already := rejected[rec.DocumentID]; !already {
				inputErr := err.(*InputError)
				inputErr.Index = len(doc.Mentions)
				rejected[rec.DocumentID] = inputErr
			}
			continue
		}
		doc.Mentions = append(doc.Mentions, m)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, &InputError{Index: -1, Field: name, Reason: err.Error()})
	}
	return errs
}
