package collection

import "github.com/netstatsd/netstatsd/pkg/identity"

// Template selects a subset of a Collection's keys for Summary, matching
// the original recorder's NetworkTemplate concept: any field left at its
// wildcard value matches every key along that dimension.
type Template struct {
	IdentitySet   identity.Set // "" matches any identity set
	MatchAnyUID   bool
	UID           int32
	MatchAnySet   bool
	SetKind       identity.SetKind
	MatchAnyTag   bool
	Tag           uint32
}

func (t Template) matches(key Key) bool {
	if t.IdentitySet != "" && key.IdentitySet != t.IdentitySet {
		return false
	}
	if !t.MatchAnyUID && t.UID != UIDAll && key.UID != t.UID {
		return false
	}
	if !t.MatchAnySet && key.SetKind != t.SetKind {
		return false
	}
	if !t.MatchAnyTag && key.Tag != t.Tag {
		return false
	}
	return true
}

// Summary is the aggregated totals for every bucket across every key a
// Template matched, whose window overlaps [from, to).
type Summary struct {
	Entry
	StartMillis int64
	EndMillis   int64
}

// Summary aggregates every bucket whose [Start, End) window intersects
// the half-open window [from, to) across all keys matching tmpl. Buckets are
// counted whole; a bucket that only partly overlaps the window is not
// prorated.
func (c *Collection) Summary(tmpl Template, from, to int64) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	var summary Summary
	first := true

	for key, history := range c.data {
		if !tmpl.matches(key) {
			continue
		}
		for _, bucket := range history {
			if bucket.End <= from || bucket.Start >= to {
				continue
			}
			summary.Entry = summary.Entry.Add(bucket.Entry)
			if first || bucket.Start < summary.StartMillis {
				summary.StartMillis = bucket.Start
				first = false
			}
			if bucket.End > summary.EndMillis {
				summary.EndMillis = bucket.End
			}
		}
	}

	return summary
}
