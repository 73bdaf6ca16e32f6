package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the stored form of an entity: an opaque JSON document plus the fields backends index on.
type Record struct {
	Kind      string    `json:"kind" bson:"kind"`
	ID        string    `json:"id" bson:"_id"`
	Status    string    `json:"status" bson:"status"`
	Parties   []string  `json:"parties" bson:"parties"`
	Ref       string    `json:"ref" bson:"ref"` // id of the parent entity, if any
	Doc       []byte    `json:"doc" bson:"doc"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status string
	Party  string
	Ref    string
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec Record) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}

	if f.Ref != "" && rec.Ref != f.Ref {
		return false
	}

	if f.Party == "" {
		return true
	}

	for _, p := range rec.Parties {
		if p == f.Party {
			return true
		}
	}

	return false
}

// Clone returns a deep copy so backends never share slices with callers.
func (r Record) Clone() Record {
	r.Parties = append([]string(nil), r.Parties...)
	r.Doc = append([]byte(nil), r.Doc...)

	return r
}

func encode(kind, id, status, ref string, parties []string, v interface{}) (Record, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encoding %s %s: %w", kind, id, err)
	}

	return Record{
		Kind:      kind,
		ID:        id,
		Status:    status,
		Parties:   parties,
		Ref:       ref,
		Doc:       doc,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func decode[T any](rec Record) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(rec.Doc, v); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", rec.Kind, rec.ID, err)
	}

	return v, nil
}
