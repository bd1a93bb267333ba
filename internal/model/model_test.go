package model

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"termsync/internal/vclock"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func meta(v vclock.Vector, origin string, modified time.Time, tombstone bool) Metadata {
	return Metadata{CreatedAt: t0, ModifiedAt: modified, Version: v, OriginDeviceID: origin, Tombstone: tombstone}
}

func TestMergeMetadata_LaterWinsOutright(t *testing.T) {
	a := meta(vclock.Vector{"A": 1}, "A", t0.Add(time.Hour), false)
	b := meta(vclock.Vector{"A": 1, "B": 1}, "B", t0, false)

	got, winner := MergeMetadata(a, b)
	if winner != Remote {
		t.Fatalf("expected remote to win, got %s", winner)
	}
	if !vclock.EqualVectors(got.Version, b.Version) || got.OriginDeviceID != "B" {
		t.Fatalf("unexpected merged metadata %+v", got)
	}

	got, winner = MergeMetadata(b, a)
	if winner != Local || !vclock.EqualVectors(got.Version, b.Version) {
		t.Fatalf("expected local b to win, got %s %+v", winner, got)
	}
}

func TestMergeMetadata_ConcurrentUsesModifiedAt(t *testing.T) {
	a := meta(vclock.Vector{"A": 2}, "A", t0.Add(2*time.Second), false)
	b := meta(vclock.Vector{"A": 1, "B": 1}, "B", t0.Add(time.Second), false)

	got, winner := MergeMetadata(a, b)
	if winner != Local {
		t.Fatalf("expected later modified_at to win")
	}
	want := vclock.Vector{"A": 2, "B": 1}
	if !vclock.EqualVectors(got.Version, want) {
		t.Fatalf("expected %s, got %s", want, got.Version)
	}

	got2, winner2 := MergeMetadata(b, a)
	if winner2 != Remote || !reflect.DeepEqual(got, got2) {
		t.Fatalf("merge not symmetric: %+v vs %+v", got, got2)
	}
}

func TestMergeMetadata_ConcurrentEqualTimestampsUseOrigin(t *testing.T) {
	a := meta(vclock.Vector{"A": 1}, "A", t0, false)
	b := meta(vclock.Vector{"B": 1}, "B", t0, false)
	if _, w := MergeMetadata(a, b); w != Remote {
		t.Fatalf("expected larger origin to win")
	}
	if _, w := MergeMetadata(b, a); w != Local {
		t.Fatalf("expected larger origin to win")
	}
}

func TestMergeMetadata_DominatingTombstoneWins(t *testing.T) {
	edit := meta(vclock.Vector{"A": 1}, "A", t0.Add(time.Hour), false)
	deleted := meta(vclock.Vector{"A": 1, "B": 1}, "B", t0, true)

	got, winner := MergeMetadata(edit, deleted)
	if winner != Remote || !got.Tombstone {
		t.Fatalf("expected dominating tombstone to win, got %s %+v", winner, got)
	}
}

func TestMergeMetadata_ConcurrentTombstoneWins(t *testing.T) {
	edit := meta(vclock.Vector{"A": 2}, "A", t0.Add(time.Hour), false)
	deleted := meta(vclock.Vector{"A": 1, "B": 1}, "B", t0, true)

	got, winner := MergeMetadata(edit, deleted)
	if winner != Remote || !got.Tombstone {
		t.Fatalf("expected concurrent tombstone to win despite older timestamp")
	}
	if !vclock.EqualVectors(got.Version, vclock.Vector{"A": 2, "B": 1}) {
		t.Fatalf("unexpected version %s", got.Version)
	}
}

func TestMergeMetadata_LaterEditResurrects(t *testing.T) {
	deleted := meta(vclock.Vector{"A": 1, "B": 1}, "B", t0.Add(time.Hour), true)
	edit := meta(vclock.Vector{"A": 2, "B": 1}, "A", t0, false)

	got, winner := MergeMetadata(deleted, edit)
	if winner != Remote || got.Tombstone {
		t.Fatalf("expected later edit to resurrect, got %s %+v", winner, got)
	}
}

func TestMergeMetadata_DoesNotMutateInputs(t *testing.T) {
	a := meta(vclock.Vector{"A": 2}, "A", t0, false)
	b := meta(vclock.Vector{"B": 1}, "B", t0, false)
	got, _ := MergeMetadata(a, b)
	got.Version["C"] = 9
	if _, ok := a.Version["C"]; ok {
		t.Fatalf("merge result aliases local version")
	}
	if _, ok := b.Version["C"]; ok {
		t.Fatalf("merge result aliases remote version")
	}
	if len(a.Version) != 1 || len(b.Version) != 1 {
		t.Fatalf("inputs mutated")
	}
}

func TestMetadata_TouchAndDelete(t *testing.T) {
	m := NewMetadata("A", t0)
	m2 := m.Touch("B", t0.Add(time.Minute))
	if !vclock.HappensBefore(m.Version, m2.Version) {
		t.Fatalf("touch must advance the version")
	}
	if m2.OriginDeviceID != "B" || !m2.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected touched metadata %+v", m2)
	}
	d := m2.Delete("A", t0.Add(2*time.Minute))
	if !d.Tombstone || d.Version.Get("A") != 2 {
		t.Fatalf("unexpected deleted metadata %+v", d)
	}
}

func TestIDList_ConcurrentAppendsPreserved(t *testing.T) {
	base := IDList{}.Apply(Append("s1"), "A", vclock.Vector{"A": 1}, t0)

	onA := base.Apply(Append("s2"), "A", vclock.Vector{"A": 2}, t0.Add(2*time.Second))
	onB := base.Apply(Append("s3"), "B", vclock.Vector{"A": 1, "B": 1}, t0.Add(time.Second))

	ab := onA.Merge(onB).IDs()
	ba := onB.Merge(onA).IDs()
	want := []string{"s1", "s3", "s2"}
	if !reflect.DeepEqual(ab, want) || !reflect.DeepEqual(ba, want) {
		t.Fatalf("expected %v on both replicas, got %v and %v", want, ab, ba)
	}
	if base.Len() != 1 {
		t.Fatalf("apply mutated the base list")
	}
}

func TestIDList_ObservedRemove(t *testing.T) {
	l := IDList{}.Apply(Append("x"), "A", vclock.Vector{"A": 1}, t0)
	removed := l.Apply(Remove("x"), "B", vclock.Vector{"A": 1, "B": 1}, t0)
	if removed.Contains("x") {
		t.Fatalf("expected x removed")
	}

	// A re-appends concurrently with B's removal: the append wins.
	readded := l.Apply(Append("x"), "A", vclock.Vector{"A": 2}, t0.Add(time.Second))
	merged := removed.Merge(readded)
	if !merged.Contains("x") {
		t.Fatalf("expected concurrent append to survive removal")
	}
	if !reflect.DeepEqual(merged.IDs(), []string{"x"}) {
		t.Fatalf("unexpected ids %v", merged.IDs())
	}
}

func TestIDList_JSON(t *testing.T) {
	l := IDList{}.
		Apply(Append("a"), "A", vclock.Vector{"A": 1}, t0).
		Apply(Append("b"), "A", vclock.Vector{"A": 2}, t0.Add(time.Second)).
		Apply(Remove("a"), "A", vclock.Vector{"A": 3}, t0.Add(2*time.Second))

	data, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back IDList
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(back.IDs(), []string{"b"}) {
		t.Fatalf("unexpected ids after decode: %v", back.IDs())
	}
	// The removal travels with the list so a stale replica cannot revive "a".
	stale := IDList{}.Apply(Append("a"), "A", vclock.Vector{"A": 1}, t0)
	if stale.Merge(back).Contains("a") {
		t.Fatalf("removal lost in encoding")
	}
}

func TestMergeWorkspace_JoinsSessionsFromLoser(t *testing.T) {
	local := Workspace{
		ID:   "w",
		Name: "proj2",
		Sessions: IDList{}.
			Apply(Append("s1"), "A", vclock.Vector{"A": 2}, t0),
		Meta: meta(vclock.Vector{"A": 2}, "A", t0.Add(2*time.Second), false),
	}
	remote := Workspace{
		ID:       "w",
		Name:     "proj-b",
		Sessions: IDList{}.Apply(Append("s2"), "B", vclock.Vector{"A": 1, "B": 1}, t0.Add(time.Second)),
		Meta:     meta(vclock.Vector{"A": 1, "B": 1}, "B", t0.Add(time.Second), false),
	}

	got, winner := MergeWorkspace(local, remote)
	if winner != Local || got.Name != "proj2" {
		t.Fatalf("expected local content, got %s %q", winner, got.Name)
	}
	if !reflect.DeepEqual(got.Sessions.IDs(), []string{"s1", "s2"}) {
		t.Fatalf("expected both sessions, got %v", got.Sessions.IDs())
	}
}

func TestTombstone_Metadata(t *testing.T) {
	ts := Tombstone{Type: EntitySession, ID: "s", DeletedBy: "B", DeletedAt: t0, Version: vclock.Vector{"B": 3}}
	m := ts.Metadata()
	if !m.Tombstone || m.OriginDeviceID != "B" || m.Version.Get("B") != 3 {
		t.Fatalf("unexpected metadata %+v", m)
	}
}
