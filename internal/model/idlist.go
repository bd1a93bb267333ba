package model

import (
	"encoding/json"
	"sort"
	"time"

	"termsync/internal/vclock"
)

// ListOpKind is the kind of a list mutation.
type ListOpKind string

const (
	ListAppend ListOpKind = "append"
	ListRemove ListOpKind = "remove"
)

// ListOp is a single mutation of an IDList.
type ListOp struct {
	Kind ListOpKind `json:"kind"`
	ID   string     `json:"id"`
}

// Append returns an append op for id.
func Append(id string) ListOp { return ListOp{Kind: ListAppend, ID: id} }

// Remove returns a remove op for id.
func Remove(id string) ListOp { return ListOp{Kind: ListRemove, ID: id} }

type listEntry struct {
	ID      string        `json:"id"`
	Added   vclock.Vector `json:"added,omitempty"`
	Removed vclock.Vector `json:"removed,omitempty"`
	AddedAt time.Time     `json:"added_at"`
	AddedBy string        `json:"added_by,omitempty"`
}

func (e listEntry) present() bool {
	return len(e.Added) > 0 && !vclock.Dominates(e.Removed, e.Added)
}

// IDList is an ordered, add-wins observed-remove set of ids. Each element
// tracks the version vectors of the appends and removals that touched it;
// an element is present unless a removal has observed every append, so a
// concurrent append survives a removal. Order is first append time, then
// appending device, then id, which keeps concurrent appends from different
// devices in a stable position on every replica.
//
// IDList values are immutable: Apply and Merge return new lists.
type IDList struct {
	entries map[string]listEntry
}

// Apply returns the list with op recorded at version, which should be the
// entity version produced by the edit.
func (l IDList) Apply(op ListOp, device string, version vclock.Vector, now time.Time) IDList {
	out := l.clone()
	e, ok := out.entries[op.ID]
	if !ok {
		e = listEntry{ID: op.ID}
	}
	switch op.Kind {
	case ListAppend:
		if len(e.Added) == 0 || e.AddedAt.IsZero() {
			e.AddedAt = now.UTC()
			e.AddedBy = device
		}
		e.Added = vclock.Merge(e.Added, version)
	case ListRemove:
		e.Removed = vclock.Merge(e.Removed, version)
	default:
		return l
	}
	out.entries[op.ID] = e
	return out
}

// Merge joins two replicas of the list.
func (l IDList) Merge(other IDList) IDList {
	out := l.clone()
	for id, theirs := range other.entries {
		ours, ok := out.entries[id]
		if !ok {
			out.entries[id] = cloneEntry(theirs)
			continue
		}
		merged := listEntry{
			ID:      id,
			Added:   vclock.Merge(ours.Added, theirs.Added),
			Removed: vclock.Merge(ours.Removed, theirs.Removed),
		}
		merged.AddedAt, merged.AddedBy = ours.AddedAt, ours.AddedBy
		if positionLess(theirs, ours) {
			merged.AddedAt, merged.AddedBy = theirs.AddedAt, theirs.AddedBy
		}
		out.entries[id] = merged
	}
	return out
}

func positionLess(a, b listEntry) bool {
	switch {
	case a.AddedAt.IsZero() != b.AddedAt.IsZero():
		return !a.AddedAt.IsZero()
	case !a.AddedAt.Equal(b.AddedAt):
		return a.AddedAt.Before(b.AddedAt)
	case a.AddedBy != b.AddedBy:
		return a.AddedBy < b.AddedBy
	default:
		return a.ID < b.ID
	}
}

// IDs returns the present ids in list order.
func (l IDList) IDs() []string {
	present := make([]listEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.present() {
			present = append(present, e)
		}
	}
	sort.Slice(present, func(i, j int) bool { return positionLess(present[i], present[j]) })

	ids := make([]string, len(present))
	for i, e := range present {
		ids[i] = e.ID
	}
	return ids
}

// Contains reports whether id is present.
func (l IDList) Contains(id string) bool {
	e, ok := l.entries[id]
	return ok && e.present()
}

// Len returns the number of present ids.
func (l IDList) Len() int {
	n := 0
	for _, e := range l.entries {
		if e.present() {
			n++
		}
	}
	return n
}

func (l IDList) clone() IDList {
	out := IDList{entries: make(map[string]listEntry, len(l.entries)+1)}
	for id, e := range l.entries {
		out.entries[id] = cloneEntry(e)
	}
	return out
}

func cloneEntry(e listEntry) listEntry {
	e.Added = e.Added.Clone()
	e.Removed = e.Removed.Clone()
	return e
}

// MarshalJSON encodes every element, removed ones included, sorted by id.
func (l IDList) MarshalJSON() ([]byte, error) {
	entries := make([]listEntry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return json.Marshal(entries)
}

func (l *IDList) UnmarshalJSON(data []byte) error {
	var entries []listEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	l.entries = make(map[string]listEntry, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		l.entries[e.ID] = e
	}
	return nil
}
