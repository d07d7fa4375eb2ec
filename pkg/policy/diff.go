package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// ItemChange identifies one changed item in a diff.
type ItemChange struct {
	Collection string `json:"collection"`
	ItemID     string `json:"item_id"`
}

// DiffResult is the id-keyed difference between two policy contents.
// Modified means the item exists on both sides with different canonical
// serializations (deep equality, not reference equality).
type DiffResult struct {
	Added    []ItemChange `json:"added"`
	Removed  []ItemChange `json:"removed"`
	Modified []ItemChange `json:"modified"`
}

// Empty reports whether the diff found no changes.
func (r DiffResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Modified) == 0
}

// Summary renders a human-readable count line.
func (r DiffResult) Summary() string {
	return fmt.Sprintf("%d added, %d removed, %d modified", len(r.Added), len(r.Removed), len(r.Modified))
}

// collectionOrder fixes iteration order so diffs are deterministic.
var collectionOrder = []string{"workflows", "templates", "decision_trees", "constraints"}

// Diff compares two policy contents collection by collection, keyed by item
// id. Items are compared by their JCS-canonical JSON form so map ordering
// and formatting never produce phantom modifications.
func Diff(before, after contracts.PolicyContent) DiffResult {
	var out DiffResult
	beforeMaps := collectionMaps(before)
	afterMaps := collectionMaps(after)

	for _, coll := range collectionOrder {
		b, a := beforeMaps[coll], afterMaps[coll]

		ids := make([]string, 0, len(b)+len(a))
		seen := make(map[string]bool, len(b)+len(a))
		for id := range b {
			ids = append(ids, id)
			seen[id] = true
		}
		for id := range a {
			if !seen[id] {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)

		for _, id := range ids {
			bv, inBefore := b[id]
			av, inAfter := a[id]
			switch {
			case !inBefore:
				out.Added = append(out.Added, ItemChange{Collection: coll, ItemID: id})
			case !inAfter:
				out.Removed = append(out.Removed, ItemChange{Collection: coll, ItemID: id})
			case bv != av:
				out.Modified = append(out.Modified, ItemChange{Collection: coll, ItemID: id})
			}
		}
	}
	return out
}

// collectionMaps renders each collection as id -> canonical JSON.
func collectionMaps(c contracts.PolicyContent) map[string]map[string]string {
	m := map[string]map[string]string{
		"workflows":      {},
		"templates":      {},
		"decision_trees": {},
		"constraints":    {},
	}
	for _, w := range c.Workflows {
		m["workflows"][w.ID] = canonical(w)
	}
	for _, t := range c.Templates {
		m["templates"][t.ID] = canonical(t)
	}
	for _, d := range c.DecisionTrees {
		m["decision_trees"][d.ID] = canonical(d)
	}
	for _, cn := range c.Constraints {
		m["constraints"][cn.ID] = canonical(cn)
	}
	return m
}

func canonical(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("!marshal:%v", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return string(raw)
	}
	return string(canon)
}

// describeChanges is used for changelog notes on patch-derived drafts.
func describeChanges(r DiffResult) string {
	if r.Empty() {
		return "no content changes"
	}
	var parts []string
	for _, c := range r.Added {
		parts = append(parts, fmt.Sprintf("+%s/%s", c.Collection, c.ItemID))
	}
	for _, c := range r.Removed {
		parts = append(parts, fmt.Sprintf("-%s/%s", c.Collection, c.ItemID))
	}
	for _, c := range r.Modified {
		parts = append(parts, fmt.Sprintf("~%s/%s", c.Collection, c.ItemID))
	}
	return strings.Join(parts, " ")
}
