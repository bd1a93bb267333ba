// Package grid holds the terminal grid payloads exchanged between devices:
// full snapshots, ordered deltas against a snapshot version, and a compact
// binary frame codec for both.
//
// A snapshot's Version is a single-writer sequence number owned by the
// device running the session. It is unrelated to entity version vectors.
// A receiver only applies a delta whose BaseVersion equals the version it
// holds; anything else must be answered with a request for a fresh
// snapshot.
package grid

import (
	"errors"
	"strings"
)

var (
	ErrVersionMismatch = errors.New("grid: delta base version does not match snapshot")
	ErrInvalidSize     = errors.New("grid: invalid grid size")
	ErrInvalidFrame    = errors.New("grid: invalid frame")
)

// Cell is one grid position. An empty Text renders as a space.
type Cell struct {
	Text  string `cbor:"t,omitempty" json:"t,omitempty"`
	Fg    uint32 `cbor:"f,omitempty" json:"f,omitempty"`
	Bg    uint32 `cbor:"b,omitempty" json:"b,omitempty"`
	Attrs uint16 `cbor:"a,omitempty" json:"a,omitempty"`
}

// Cell attribute bits.
const (
	AttrBold uint16 = 1 << iota
	AttrItalic
	AttrUnderline
	AttrInverse
	AttrDim
)

type Cursor struct {
	X       int  `cbor:"x" json:"x"`
	Y       int  `cbor:"y" json:"y"`
	Visible bool `cbor:"v" json:"visible"`
}

// Snapshot is the complete state of a session's terminal grid.
// ScrollOffset counts lines scrolled off the top of the visible grid.
type Snapshot struct {
	SessionID    string   `cbor:"session_id" json:"session_id"`
	Cols         int      `cbor:"cols" json:"cols"`
	Rows         int      `cbor:"rows" json:"rows"`
	Cells        [][]Cell `cbor:"cells" json:"cells"`
	Cursor       Cursor   `cbor:"cursor" json:"cursor"`
	ScrollOffset int      `cbor:"scroll_offset" json:"scroll_offset"`
	Title        string   `cbor:"title,omitempty" json:"title,omitempty"`
	Version      uint64   `cbor:"version" json:"version"`
}

// NewSnapshot returns a blank grid at version 0.
func NewSnapshot(sessionID string, cols, rows int) (Snapshot, error) {
	if cols <= 0 || rows <= 0 {
		return Snapshot{}, ErrInvalidSize
	}
	s := Snapshot{
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
		Cells:     blankRows(rows, cols),
		Cursor:    Cursor{Visible: true},
	}
	return s, nil
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Cells = make([][]Cell, len(s.Cells))
	for i, row := range s.Cells {
		out.Cells[i] = append([]Cell(nil), row...)
	}
	return out
}

// Text renders the visible grid as plain text, one line per row, with
// trailing blanks trimmed.
func (s Snapshot) Text() string {
	var b strings.Builder
	for i, row := range s.Cells {
		if i > 0 {
			b.WriteByte('\n')
		}
		var line strings.Builder
		for _, c := range row {
			if c.Text == "" {
				line.WriteByte(' ')
				continue
			}
			line.WriteString(c.Text)
		}
		b.WriteString(strings.TrimRight(line.String(), " "))
	}
	return b.String()
}

func (s Snapshot) valid() bool {
	if s.Cols <= 0 || s.Rows <= 0 || len(s.Cells) != s.Rows {
		return false
	}
	for _, row := range s.Cells {
		if len(row) != s.Cols {
			return false
		}
	}
	return true
}

func blankRows(rows, cols int) [][]Cell {
	out := make([][]Cell, rows)
	for i := range out {
		out[i] = make([]Cell, cols)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
