package grid

import (
	"fmt"

	"github.com/charmbracelet/x/ansi"
)

// Operation is one step of a Delta. The set of operations is closed.
type Operation interface {
	apply(s *Snapshot) error
}

// SetCells overwrites consecutive cells of a row starting at Col. Cells
// past the right edge are dropped.
type SetCells struct {
	Row   int    `cbor:"row"`
	Col   int    `cbor:"col"`
	Cells []Cell `cbor:"cells"`
}

type ScrollUp struct {
	Lines int `cbor:"lines"`
}

type ScrollDown struct {
	Lines int `cbor:"lines"`
}

// ClearRegion blanks the inclusive rectangle, clipped to the grid.
type ClearRegion struct {
	Top    int `cbor:"top"`
	Left   int `cbor:"left"`
	Bottom int `cbor:"bottom"`
	Right  int `cbor:"right"`
}

type Resize struct {
	Cols int `cbor:"cols"`
	Rows int `cbor:"rows"`
}

type CursorMove struct {
	X int `cbor:"x"`
	Y int `cbor:"y"`
}

type CursorVisibility struct {
	Visible bool `cbor:"visible"`
}

type SetTitle struct {
	Title string `cbor:"title"`
}

// FullSnapshot replaces the whole grid. A delta containing one is applied
// regardless of its base version.
type FullSnapshot struct {
	Snapshot Snapshot `cbor:"snapshot"`
}

func (op SetCells) apply(s *Snapshot) error {
	if op.Row < 0 || op.Row >= s.Rows {
		return nil
	}
	row := s.Cells[op.Row]
	for i, c := range op.Cells {
		col := op.Col + i
		if col < 0 {
			continue
		}
		if col >= s.Cols {
			break
		}
		c.Text = ansi.Strip(c.Text)
		row[col] = c
	}
	return nil
}

func (op ScrollUp) apply(s *Snapshot) error {
	n := clamp(op.Lines, 0, s.Rows)
	if n == 0 {
		return nil
	}
	s.Cells = append(s.Cells[n:], blankRows(n, s.Cols)...)
	s.ScrollOffset += n
	return nil
}

func (op ScrollDown) apply(s *Snapshot) error {
	n := clamp(op.Lines, 0, s.Rows)
	if n == 0 {
		return nil
	}
	s.Cells = append(blankRows(n, s.Cols), s.Cells[:s.Rows-n]...)
	s.ScrollOffset = max(s.ScrollOffset-n, 0)
	return nil
}

func (op ClearRegion) apply(s *Snapshot) error {
	top := clamp(op.Top, 0, s.Rows-1)
	bottom := clamp(op.Bottom, 0, s.Rows-1)
	left := clamp(op.Left, 0, s.Cols-1)
	right := clamp(op.Right, 0, s.Cols-1)
	for r := top; r <= bottom; r++ {
		for c := left; c <= right; c++ {
			s.Cells[r][c] = Cell{}
		}
	}
	return nil
}

func (op Resize) apply(s *Snapshot) error {
	if op.Cols <= 0 || op.Rows <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, op.Cols, op.Rows)
	}
	cells := blankRows(op.Rows, op.Cols)
	for r := 0; r < min(op.Rows, s.Rows); r++ {
		copy(cells[r], s.Cells[r])
	}
	s.Cells = cells
	s.Cols, s.Rows = op.Cols, op.Rows
	s.Cursor.X = clamp(s.Cursor.X, 0, s.Cols-1)
	s.Cursor.Y = clamp(s.Cursor.Y, 0, s.Rows-1)
	return nil
}

func (op CursorMove) apply(s *Snapshot) error {
	s.Cursor.X = clamp(op.X, 0, s.Cols-1)
	s.Cursor.Y = clamp(op.Y, 0, s.Rows-1)
	return nil
}

func (op CursorVisibility) apply(s *Snapshot) error {
	s.Cursor.Visible = op.Visible
	return nil
}

func (op SetTitle) apply(s *Snapshot) error {
	s.Title = ansi.Strip(op.Title)
	return nil
}

func (op FullSnapshot) apply(s *Snapshot) error {
	if !op.Snapshot.valid() {
		return fmt.Errorf("%w: embedded snapshot %dx%d", ErrInvalidSize, op.Snapshot.Cols, op.Snapshot.Rows)
	}
	version := s.Version
	*s = op.Snapshot.Clone()
	s.Version = version
	return nil
}

// Delta is an ordered list of operations taking a snapshot from
// BaseVersion to NewVersion.
type Delta struct {
	SessionID   string
	BaseVersion uint64
	NewVersion  uint64
	Ops         []Operation
}

func (d Delta) hasFullSnapshot() bool {
	for _, op := range d.Ops {
		if _, ok := op.(FullSnapshot); ok {
			return true
		}
	}
	return false
}

// ApplyDelta applies d to s and returns the new snapshot. s is never
// modified: on any error the caller still holds the unchanged snapshot and
// should request a full resync.
func ApplyDelta(s Snapshot, d Delta) (Snapshot, error) {
	if d.BaseVersion != s.Version && !d.hasFullSnapshot() {
		return s, fmt.Errorf("%w: have %d, delta base %d", ErrVersionMismatch, s.Version, d.BaseVersion)
	}

	next := s.Clone()
	for i, op := range d.Ops {
		if op == nil {
			return s, fmt.Errorf("grid: nil operation at %d", i)
		}
		if _, full := op.(FullSnapshot); !full && !next.valid() {
			return s, fmt.Errorf("grid: operation %d: %w: no grid to apply to", i, ErrInvalidSize)
		}
		if err := op.apply(&next); err != nil {
			return s, fmt.Errorf("grid: operation %d: %w", i, err)
		}
	}
	next.Version = d.NewVersion
	return next, nil
}
