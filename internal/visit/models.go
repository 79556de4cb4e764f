package visit

import (
	"fmt"
	"strings"
)

// Identity is the stable composite key for a visit: the patient it belongs to
// plus the visit's ID within that patient. It is the sole deduplication key
// across the live and historical sources.
type Identity struct {
	PatientID string
	VisitID   string
}

// ParseIdentity decodes the "<patientID>:<visitID>" child-key form used by the
// store's path layout.
func ParseIdentity(childKey string) (Identity, error) {
	patientID, visitID, ok := strings.Cut(childKey, ":")
	if !ok || patientID == "" || visitID == "" {
		return Identity{}, fmt.Errorf("malformed visit child key %q", childKey)
	}
	return Identity{PatientID: patientID, VisitID: visitID}, nil
}

// ChildKey encodes the identity as a store child key.
func (id Identity) ChildKey() string {
	return id.PatientID + ":" + id.VisitID
}

func (id Identity) String() string { return id.ChildKey() }

// IsZero reports whether either component is missing.
func (id Identity) IsZero() bool {
	return id.PatientID == "" || id.VisitID == ""
}

// Fields is the opaque visit payload. The core never interprets schema fields
// beyond the shallow merge on change events and the search predicate supplied
// by callers.
type Fields map[string]any

// Clone returns a shallow copy so snapshots never alias live state.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge applies src over f, field by field. Nested structures are replaced
// wholesale; change events carry full replacement values per field.
func (f Fields) Merge(src Fields) {
	for k, v := range src {
		f[k] = v
	}
}

// Source identifies which side of the reconciler a record came from.
type Source string

const (
	SourceLive    Source = "live"
	SourceHistory Source = "history"
)

// Record is the merged, query-ready view of a visit.
type Record struct {
	Identity Identity
	Fields   Fields
	// ShardKey is set for records that came from (or also exist in) a day
	// shard. Empty for live-only records whose shard was not fetched.
	ShardKey string
	Source   Source
}
