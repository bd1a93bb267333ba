package grid

import "slices"

// Diff returns a delta taking old to next. Changed rows are sent whole.
// A change of scroll offset cannot be expressed without moving cells, so
// it produces a FullSnapshot instead.
func Diff(old, next Snapshot) Delta {
	d := Delta{SessionID: next.SessionID, BaseVersion: old.Version, NewVersion: next.Version}
	if !old.valid() || old.ScrollOffset != next.ScrollOffset {
		d.Ops = []Operation{FullSnapshot{Snapshot: next.Clone()}}
		return d
	}

	if old.Cols != next.Cols || old.Rows != next.Rows {
		d.Ops = append(d.Ops, Resize{Cols: next.Cols, Rows: next.Rows})
		resized, err := ApplyDelta(old, Delta{BaseVersion: old.Version, NewVersion: old.Version, Ops: d.Ops})
		if err != nil {
			d.Ops = []Operation{FullSnapshot{Snapshot: next.Clone()}}
			return d
		}
		old = resized
	}

	for r := 0; r < next.Rows; r++ {
		if !slices.Equal(old.Cells[r], next.Cells[r]) {
			d.Ops = append(d.Ops, SetCells{Row: r, Cells: append([]Cell(nil), next.Cells[r]...)})
		}
	}
	if old.Cursor.X != next.Cursor.X || old.Cursor.Y != next.Cursor.Y {
		d.Ops = append(d.Ops, CursorMove{X: next.Cursor.X, Y: next.Cursor.Y})
	}
	if old.Cursor.Visible != next.Cursor.Visible {
		d.Ops = append(d.Ops, CursorVisibility{Visible: next.Cursor.Visible})
	}
	if old.Title != next.Title {
		d.Ops = append(d.Ops, SetTitle{Title: next.Title})
	}
	return d
}
