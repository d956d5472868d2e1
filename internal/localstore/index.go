package localstore

import "time"

// Index names one of the orderings every collection supports
type Index string

const (
	ByKey        Index = "key"
	ByNaturalKey Index = "natural_key"
	ByTimestamp  Index = "timestamp"
)

// Range selects records from an index. Build one with All, KeyRange,
// NaturalKey or TimeRange.
type Range struct {
	index      Index
	from, to   string
	natural    string
	since      time.Time
	until      time.Time
	limit      int
	descending bool
}

// All selects every record in key order
func All() Range {
	return Range{index: ByKey}
}

// KeyRange selects keys in [from, to]; an empty bound is open
func KeyRange(from, to string) Range {
	return Range{index: ByKey, from: from, to: to}
}

// NaturalKey selects records whose natural key equals value, in key order
func NaturalKey(value string) Range {
	return Range{index: ByNaturalKey, natural: value}
}

// TimeRange selects timestamps in [since, until); a zero bound is open
func TimeRange(since, until time.Time) Range {
	return Range{index: ByTimestamp, since: since, until: until}
}

// WithLimit caps the number of records; zero means no limit
func (r Range) WithLimit(n int) Range {
	r.limit = n
	return r
}

// Descending reverses the index order
func (r Range) Descending() Range {
	r.descending = true
	return r
}

// Index returns the index the range reads
func (r Range) Index() Index {
	return r.index
}

// match is the in-memory form of the range predicate
func (r Range) match(rec Record) bool {
	switch r.index {
	case ByNaturalKey:
		return rec.NaturalKey == r.natural
	case ByTimestamp:
		if !r.since.IsZero() && rec.Timestamp.Before(r.since) {
			return false
		}
		if !r.until.IsZero() && !rec.Timestamp.Before(r.until) {
			return false
		}
		return true
	default:
		if r.from != "" && rec.Key < r.from {
			return false
		}
		if r.to != "" && rec.Key > r.to {
			return false
		}
		return true
	}
}

// less orders two records by the range's index
func (r Range) less(a, b Record) bool {
	var lt bool
	switch {
	case r.index == ByTimestamp && !a.Timestamp.Equal(b.Timestamp):
		lt = a.Timestamp.Before(b.Timestamp)
	default:
		lt = a.Key < b.Key
	}
	if r.descending {
		return !lt && a.Key != b.Key
	}
	return lt
}
