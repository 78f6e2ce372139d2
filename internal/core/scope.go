package core

import "time"

// ScopeRecord is a stored scoped activation for a feature. A nil dimension
// value acts as a wildcard matching any context value for that dimension;
// Kind never wildcards.
type ScopeRecord struct {
	Feature   string             `json:"feature"`
	Kind      string             `json:"kind"`
	Scope     map[string]*string `json:"scope"`
	Value     any                `json:"value"`
	WrittenAt time.Time          `json:"written_at"`
}

// Wildcards counts the record's wildcard dimensions. Fewer wildcards means a
// more specific record.
func (r ScopeRecord) Wildcards() int {
	n := 0
	for _, v := range r.Scope {
		if v == nil {
			n++
		}
	}
	return n
}

// Matches reports whether the record applies to a context of the given kind
// and scope. Every dimension the record names must either be a wildcard or
// exactly equal the context's value for that dimension.
func (r ScopeRecord) Matches(kind string, scope Scope) bool {
	if r.Kind != kind {
		return false
	}
	for dimension, want := range r.Scope {
		if want == nil {
			continue
		}
		got, ok := scope[dimension]
		if !ok || got != *want {
			return false
		}
	}
	return true
}

// ResolveScoped picks the best-matching record for a context: the matching
// record with the fewest wildcard dimensions wins, and ties go to the most
// recently written record. Exact entity-level activations are handled by the
// engine before scoped resolution is consulted.
func ResolveScoped(records []ScopeRecord, kind string, scope Scope) (any, bool) {
	var best *ScopeRecord
	for i := range records {
		record := &records[i]
		if !record.Matches(kind, scope) {
			continue
		}
		if best == nil {
			best = record
			continue
		}
		switch {
		case record.Wildcards() < best.Wildcards():
			best = record
		case record.Wildcards() == best.Wildcards() && !record.WrittenAt.Before(best.WrittenAt):
			best = record
		}
	}

	if best == nil {
		return nil, false
	}
	return best.Value, true
}
