package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"termsync/internal/grid"
	"termsync/internal/protocol"
)

// PublishGrid streams a new local grid state for its session. The first
// publication of a session is sent as a snapshot, later ones as deltas
// against the previous publication.
func (e *Engine) PublishGrid(ctx context.Context, snap grid.Snapshot) error {
	if snap.SessionID == "" {
		return fmt.Errorf("syncer: grid without session id")
	}
	return e.do(ctx, func() error {
		prev, ok := e.localGrids[snap.SessionID]
		if ok && snap.Version <= prev.Version {
			return fmt.Errorf("%w: have %d, got %d", ErrStaleGrid, prev.Version, snap.Version)
		}

		var (
			frame []byte
			err   error
		)
		if ok {
			frame, err = grid.EncodeDelta(grid.Diff(prev, snap))
		} else {
			frame, err = grid.EncodeSnapshot(snap)
		}
		if err != nil {
			return err
		}
		e.localGrids[snap.SessionID] = snap.Clone()
		e.broadcast(protocol.GridUpdate{MessageID: e.opts.NewID(), SessionID: snap.SessionID, Frame: frame})
		return nil
	})
}

// RemoteGrid returns the latest grid received for a session.
func (e *Engine) RemoteGrid(ctx context.Context, sessionID string) (grid.Snapshot, bool, error) {
	var (
		s  grid.Snapshot
		ok bool
	)
	err := e.do(ctx, func() error {
		s, ok = e.remoteGrids[sessionID]
		if ok {
			s = s.Clone()
		}
		return nil
	})
	return s, ok, err
}

func (e *Engine) handleGridUpdate(from string, m protocol.GridUpdate) {
	f, err := grid.DecodeFrame(m.Frame)
	if err != nil {
		slog.Warn("syncer: dropping grid frame", "device", e.device, "peer", from, "session", m.SessionID, "err", err)
		return
	}

	switch f.Kind {
	case grid.KindSnapshot:
		e.acceptGrid(*f.Snapshot)
	case grid.KindDelta:
		held := e.remoteGrids[m.SessionID]
		next, err := grid.ApplyDelta(held, *f.Delta)
		if err != nil {
			if errors.Is(err, grid.ErrVersionMismatch) {
				slog.Debug("syncer: grid delta out of sequence", "device", e.device, "session", m.SessionID, "err", err)
			} else {
				slog.Warn("syncer: grid delta rejected", "device", e.device, "session", m.SessionID, "err", err)
			}
			e.requestGridSnapshot(from, m.SessionID)
			return
		}
		e.acceptGrid(next)
	}
}

func (e *Engine) acceptGrid(s grid.Snapshot) {
	e.remoteGrids[s.SessionID] = s
	delete(e.gridRequested, s.SessionID)
	if e.opts.OnGrid != nil {
		e.opts.OnGrid(s.Clone())
	}
}

// requestGridSnapshot asks once per gap; further deltas are dropped until
// a snapshot arrives.
func (e *Engine) requestGridSnapshot(from, sessionID string) {
	if e.gridRequested[sessionID] {
		return
	}
	e.gridRequested[sessionID] = true
	e.send(from, protocol.RequestGridSnapshot{SessionID: sessionID})
}

func (e *Engine) sendGridSnapshot(to, sessionID string) {
	s, ok := e.localGrids[sessionID]
	if !ok {
		return
	}
	frame, err := grid.EncodeSnapshot(s)
	if err != nil {
		slog.Error("syncer: encode grid snapshot", "device", e.device, "session", sessionID, "err", err)
		return
	}
	e.send(to, protocol.GridUpdate{MessageID: e.opts.NewID(), SessionID: sessionID, Frame: frame})
}

func (e *Engine) sendGridSnapshots(to string) {
	for _, id := range sortedKeys(e.localGrids) {
		e.sendGridSnapshot(to, id)
	}
}
