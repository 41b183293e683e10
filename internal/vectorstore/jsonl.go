package vectorstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/cardmate/advisor/pkg/models"
)

// maxLineBytes bounds a single JSONL record; embeddings of 1024+ floats
// easily exceed bufio's default token size.
const maxLineBytes = 16 << 20

// Reserved keys of an index record. Every other scalar field is metadata.
const (
	fieldID        = "id"
	fieldText      = "text"
	fieldEmbedding = "embedding"
	fieldMetadata  = "metadata"
)

// Record is one raw JSONL line with its field order preserved, so that
// rewriting a record (e.g. adding an embedding) keeps unknown fields intact.
type Record struct {
	keys   []string
	fields map[string]json.RawMessage
}

// ParseRecord decodes one JSON object line.
func ParseRecord(line []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("record is not a JSON object")
	}
	r := &Record{fields: map[string]json.RawMessage{}}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		if _, seen := r.fields[key]; !seen {
			r.keys = append(r.keys, key)
		}
		r.fields[key] = raw
	}
	return r, nil
}

// Text returns the record's text field.
func (r *Record) Text() string {
	var s string
	_ = json.Unmarshal(r.fields[fieldText], &s)
	return s
}

// HasEmbedding reports whether the record carries a non-empty vector.
func (r *Record) HasEmbedding() bool {
	var v []float64
	if err := json.Unmarshal(r.fields[fieldEmbedding], &v); err != nil {
		return false
	}
	return len(v) > 0
}

// SetEmbedding stores vec under the embedding key, appending the key when new.
func (r *Record) SetEmbedding(vec []float64) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	if _, ok := r.fields[fieldEmbedding]; !ok {
		r.keys = append(r.keys, fieldEmbedding)
	}
	r.fields[fieldEmbedding] = raw
	return nil
}

// MarshalJSON writes the fields back in their original order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(r.fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Chunk converts the record to a chunk. Scalar fields other than id, text
// and embedding become string metadata; a nested "metadata" object is merged
// in as well. Arrays and other nested objects are not filterable and are
// dropped.
func (r *Record) Chunk() (models.Chunk, error) {
	c := models.Chunk{Metadata: map[string]string{}}
	for _, k := range r.keys {
		raw := r.fields[k]
		switch k {
		case fieldID:
			c.ID = scalarString(raw)
		case fieldText:
			if err := json.Unmarshal(raw, &c.Text); err != nil {
				return c, fmt.Errorf("text: %w", err)
			}
		case fieldEmbedding:
			if err := json.Unmarshal(raw, &c.Embedding); err != nil {
				return c, fmt.Errorf("embedding: %w", err)
			}
		case fieldMetadata:
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(raw, &nested); err == nil {
				for nk, nv := range nested {
					if s, ok := scalar(nv); ok {
						c.Metadata[nk] = s
					}
				}
			}
		default:
			if s, ok := scalar(raw); ok {
				c.Metadata[k] = s
			}
		}
	}
	return c, nil
}

// RecordFromChunk builds a flat record from a chunk.
func RecordFromChunk(c models.Chunk) *Record {
	r := &Record{fields: map[string]json.RawMessage{}}
	set := func(k string, v interface{}) {
		raw, _ := json.Marshal(v)
		if _, ok := r.fields[k]; !ok {
			r.keys = append(r.keys, k)
		}
		r.fields[k] = raw
	}
	if c.ID != "" {
		set(fieldID, c.ID)
	}
	set(fieldText, c.Text)
	for _, k := range sortedKeys(c.Metadata) {
		set(k, c.Metadata[k])
	}
	if len(c.Embedding) > 0 {
		set(fieldEmbedding, c.Embedding)
	}
	return r
}

// ReadRecords streams every non-blank line of r through fn. The line number
// is reported with decode errors.
func ReadRecords(rd io.Reader, fn func(lineNo int, rec *Record) error) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := fn(lineNo, rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

// WriteRecord appends one record as a JSONL line.
func WriteRecord(w io.Writer, rec *Record) error {
	b, err := rec.MarshalJSON()
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// ── Helpers ─────────────────────────────────────────────────

func scalar(raw json.RawMessage) (string, bool) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func scalarString(raw json.RawMessage) string {
	s, _ := scalar(raw)
	return s
}
