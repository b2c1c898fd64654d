// Package diff compares two stored policy versions.
//
// Only the new version drives the result. A rule of the new version is
// removed when it is an explicit state=absent directive, added when its key
// is unknown to the base, changed when the base has the same key but some
// compared field differs, and kept otherwise. A base rule that the new
// version does not mention at all is left alone and does not show up in any
// bucket: partial documents update, they do not replace.
package diff

import (
	"context"

	"grimm.is/ruleledger/internal/rules"
	"grimm.is/ruleledger/internal/store"
)

// Change pairs the base and new copies of a rule whose key matched but
// whose compared fields did not.
type Change struct {
	Before rules.Rule `json:"before"`
	After  rules.Rule `json:"after"`
	Fields []string   `json:"fields"`
}

// Result is the classification of every rule in the new version.
type Result struct {
	Added   []rules.Rule `json:"added"`
	Removed []rules.Rule `json:"removed"`
	Changed []Change     `json:"changed"`
	Kept    []rules.Rule `json:"kept"`
}

// Empty reports whether the new version adds, removes or changes nothing.
func (r *Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Changed) == 0
}

// Source is the part of the version store the diff engine reads.
type Source interface {
	GetVersionHeader(ctx context.Context, versionID int64) (*store.VersionHeader, error)
	GetRules(ctx context.Context, versionID int64) ([]rules.Rule, error)
}

// Versions diffs two stored versions. Either id not resolving to a version
// yields an error wrapping store.ErrNotFound. The two snapshots are compared
// in isolation; versions in between play no part.
func Versions(ctx context.Context, src Source, baseID, newID int64) (*Result, error) {
	if _, err := src.GetVersionHeader(ctx, baseID); err != nil {
		return nil, err
	}
	if _, err := src.GetVersionHeader(ctx, newID); err != nil {
		return nil, err
	}

	base, err := src.GetRules(ctx, baseID)
	if err != nil {
		return nil, err
	}
	next, err := src.GetRules(ctx, newID)
	if err != nil {
		return nil, err
	}
	return Compare(base, next), nil
}

// Compare classifies the rules of next against base.
func Compare(base, next []rules.Rule) *Result {
	baseByKey := index(base)
	res := &Result{
		Added:   []rules.Rule{},
		Removed: []rules.Rule{},
		Changed: []Change{},
		Kept:    []rules.Rule{},
	}

	for _, r := range dedupe(next) {
		if r.State == rules.StateAbsent {
			res.Removed = append(res.Removed, r)
			continue
		}
		before, ok := baseByKey[r.Key]
		if !ok {
			res.Added = append(res.Added, r)
			continue
		}
		if fields := rules.ChangedFields(before, r); len(fields) > 0 {
			res.Changed = append(res.Changed, Change{Before: before, After: r, Fields: fields})
			continue
		}
		res.Kept = append(res.Kept, r)
	}
	return res
}

func index(rs []rules.Rule) map[string]rules.Rule {
	m := make(map[string]rules.Rule, len(rs))
	for _, r := range rs {
		m[r.Key] = r
	}
	return m
}

// dedupe collapses rules sharing a key. The last occurrence wins but takes
// the position of the first.
func dedupe(rs []rules.Rule) []rules.Rule {
	pos := make(map[string]int, len(rs))
	out := make([]rules.Rule, 0, len(rs))
	for _, r := range rs {
		if i, ok := pos[r.Key]; ok {
			out[i] = r
			continue
		}
		pos[r.Key] = len(out)
		out = append(out, r)
	}
	return out
}
