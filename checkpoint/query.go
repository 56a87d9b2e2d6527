package checkpoint

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strings"
)

var filterKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Query selects documents of one kind. Backends translate it into their
// native query language; Matches and Select give the reference semantics.
//
// Checkpoint queries return documents ordered by checkpoint ID, newest
// (byte-wise greatest) first. Write queries return documents ordered by
// task ID and then index.
type Query struct {
	Kind         DocumentKind
	ThreadID     string
	CheckpointID string
	// Before keeps checkpoints whose ID is byte-wise less than Before.
	Before string
	// Metadata holds equality predicates on top-level metadata keys.
	Metadata map[string]any
	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Validate rejects metadata keys that cannot be safely embedded in a
// store-native query.
func (q Query) Validate() error {
	for key := range q.Metadata {
		if !filterKeyPattern.MatchString(key) {
			return fmt.Errorf("%w: %q", ErrInvalidFilter, key)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("checkpoint: negative limit %d", q.Limit)
	}
	return nil
}

// MetadataKeys returns the filter keys in sorted order, so that generated
// query text and parameter lists are deterministic.
func (q Query) MetadataKeys() []string {
	keys := make([]string, 0, len(q.Metadata))
	for k := range q.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Matches reports whether d satisfies every predicate of q except Limit.
func (q Query) Matches(d *Document) bool {
	if d.Kind() != q.Kind {
		return false
	}
	if q.ThreadID != "" && d.ThreadID != q.ThreadID {
		return false
	}
	if q.CheckpointID != "" && d.CheckpointID != q.CheckpointID {
		return false
	}
	if q.Kind != KindCheckpoint {
		return true
	}
	if q.Before != "" && d.CheckpointID >= q.Before {
		return false
	}
	return MetadataMatches(d.Metadata, q.Metadata)
}

// Compare orders two matching documents the way the query returns them.
func (q Query) Compare(a, b *Document) int {
	if q.Kind == KindCheckpoint {
		if c := strings.Compare(b.CheckpointID, a.CheckpointID); c != 0 {
			return c
		}
		return strings.Compare(a.ThreadID, b.ThreadID)
	}
	if c := strings.Compare(a.TaskID, b.TaskID); c != 0 {
		return c
	}
	return a.Idx - b.Idx
}

// Select filters, orders and truncates docs.
func (q Query) Select(docs []*Document) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, q.Compare)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// MetadataMatches reports whether the stored metadata field equals filter on
// every filter key. Values are compared by their JSON form, so 1 and 1.0 are
// equal. Encoded metadata never matches a non-empty filter.
func MetadataMatches(f Field, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if f.Encoded || len(f.Data) == 0 {
		return false
	}
	var stored map[string]any
	if err := json.Unmarshal(f.Data, &stored); err != nil {
		return false
	}
	for key, want := range filter {
		got, ok := stored[key]
		if !ok {
			return false
		}
		norm, err := NormalizeJSON(want)
		if err != nil || !reflect.DeepEqual(got, norm) {
			return false
		}
	}
	return true
}

// NormalizeJSON returns v as it would read back from its JSON encoding.
func NormalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
