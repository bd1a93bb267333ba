package syncer

import (
	"context"
	"fmt"

	"termsync/internal/model"
	"termsync/internal/protocol"
)

// Local edits bump this device's clock, update the merged view, hand the
// result to Apply and broadcast it to linked peers.

func (e *Engine) Workspace(ctx context.Context, id string) (model.Workspace, bool, error) {
	var (
		w  model.Workspace
		ok bool
	)
	err := e.do(ctx, func() error {
		w, ok = e.workspaces[id]
		ok = ok && !w.Meta.Tombstone
		return nil
	})
	return w, ok, err
}

func (e *Engine) Session(ctx context.Context, id string) (model.Session, bool, error) {
	var (
		s  model.Session
		ok bool
	)
	err := e.do(ctx, func() error {
		s, ok = e.sessions[id]
		ok = ok && !s.Meta.Tombstone
		return nil
	})
	return s, ok, err
}

func (e *Engine) CommandBlock(ctx context.Context, id string) (model.CommandBlock, bool, error) {
	var (
		b  model.CommandBlock
		ok bool
	)
	err := e.do(ctx, func() error {
		b, ok = e.blocks[id]
		ok = ok && !b.Meta.Tombstone
		return nil
	})
	return b, ok, err
}

// Workspaces lists live workspaces ordered by id.
func (e *Engine) Workspaces(ctx context.Context) ([]model.Workspace, error) {
	var out []model.Workspace
	err := e.do(ctx, func() error {
		for _, w := range sortedValues(e.workspaces) {
			if !w.Meta.Tombstone {
				out = append(out, w)
			}
		}
		return nil
	})
	return out, err
}

func (e *Engine) liveWorkspace(id string) (model.Workspace, error) {
	w, ok := e.workspaces[id]
	if !ok || w.Meta.Tombstone {
		return model.Workspace{}, fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	return w, nil
}

func (e *Engine) liveSession(id string) (model.Session, error) {
	s, ok := e.sessions[id]
	if !ok || s.Meta.Tombstone {
		return model.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return s, nil
}

func (e *Engine) liveBlock(id string) (model.CommandBlock, error) {
	b, ok := e.blocks[id]
	if !ok || b.Meta.Tombstone {
		return model.CommandBlock{}, fmt.Errorf("%w: command block %s", ErrNotFound, id)
	}
	return b, nil
}

func (e *Engine) putWorkspace(w model.Workspace) {
	e.workspaces[w.ID] = w
	e.apply(w)
	e.broadcast(protocol.WorkspaceUpdate{MessageID: e.opts.NewID(), Workspace: w})
}

func (e *Engine) putSession(s model.Session) {
	e.sessions[s.ID] = s
	e.apply(s)
	e.broadcast(protocol.SessionUpdate{MessageID: e.opts.NewID(), Session: s})
}

func (e *Engine) putBlock(b model.CommandBlock) {
	e.blocks[b.ID] = b
	e.apply(b)
	e.broadcast(protocol.CommandBlockUpdate{MessageID: e.opts.NewID(), CommandBlock: b})
}

func (e *Engine) deleted(typ model.EntityType, id string, meta model.Metadata) {
	e.broadcast(protocol.Delete{
		MessageID:  e.opts.NewID(),
		EntityType: typ,
		EntityID:   id,
		DeletedBy:  e.device,
		DeletedAt:  meta.ModifiedAt,
		Version:    meta.Version,
	})
}

func (e *Engine) CreateWorkspace(ctx context.Context, name string) (model.Workspace, error) {
	var w model.Workspace
	err := e.do(ctx, func() error {
		w = model.Workspace{
			ID:   e.opts.NewID(),
			Name: name,
			Meta: model.NewMetadata(e.device, e.opts.Now()),
		}
		e.putWorkspace(w)
		return nil
	})
	return w, err
}

func (e *Engine) RenameWorkspace(ctx context.Context, id, name string) (model.Workspace, error) {
	var w model.Workspace
	err := e.do(ctx, func() error {
		cur, err := e.liveWorkspace(id)
		if err != nil {
			return err
		}
		cur.Name = name
		cur.Meta = cur.Meta.Touch(e.device, e.opts.Now())
		w = cur
		e.putWorkspace(w)
		return nil
	})
	return w, err
}

// DeleteWorkspace tombstones the workspace. Its sessions are left alone;
// they are unreachable from any live workspace.
func (e *Engine) DeleteWorkspace(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		w, err := e.liveWorkspace(id)
		if err != nil {
			return err
		}
		w.Meta = w.Meta.Delete(e.device, e.opts.Now())
		e.workspaces[id] = w
		e.apply(w)
		e.deleted(model.EntityWorkspace, id, w.Meta)
		return nil
	})
}

// CreateSession creates a session and appends it to its workspace.
func (e *Engine) CreateSession(ctx context.Context, workspaceID, title string, kind model.SessionKind, dir string) (model.Session, error) {
	var s model.Session
	err := e.do(ctx, func() error {
		w, err := e.liveWorkspace(workspaceID)
		if err != nil {
			return err
		}
		now := e.opts.Now()
		s = model.Session{
			ID:               e.opts.NewID(),
			WorkspaceID:      workspaceID,
			Title:            title,
			Kind:             kind,
			WorkingDirectory: dir,
			Meta:             model.NewMetadata(e.device, now),
		}
		e.putSession(s)

		w.Meta = w.Meta.Touch(e.device, now)
		w.Sessions = w.Sessions.Apply(model.Append(s.ID), e.device, w.Meta.Version, now)
		e.putWorkspace(w)
		return nil
	})
	return s, err
}

func (e *Engine) RenameSession(ctx context.Context, id, title string) (model.Session, error) {
	var s model.Session
	err := e.do(ctx, func() error {
		cur, err := e.liveSession(id)
		if err != nil {
			return err
		}
		cur.Title = title
		cur.Meta = cur.Meta.Touch(e.device, e.opts.Now())
		s = cur
		e.putSession(s)
		return nil
	})
	return s, err
}

// DeleteSession tombstones the session and removes it from its workspace.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		s, err := e.liveSession(id)
		if err != nil {
			return err
		}
		now := e.opts.Now()
		s.Meta = s.Meta.Delete(e.device, now)
		e.sessions[id] = s
		e.apply(s)
		e.deleted(model.EntitySession, id, s.Meta)

		if w, err := e.liveWorkspace(s.WorkspaceID); err == nil && w.Sessions.Contains(id) {
			w.Meta = w.Meta.Touch(e.device, now)
			w.Sessions = w.Sessions.Apply(model.Remove(id), e.device, w.Meta.Version, now)
			e.putWorkspace(w)
		}
		return nil
	})
}

// StartCommand records a command started in a session and appends its
// block to the session.
func (e *Engine) StartCommand(ctx context.Context, sessionID, command string) (model.CommandBlock, error) {
	var b model.CommandBlock
	err := e.do(ctx, func() error {
		s, err := e.liveSession(sessionID)
		if err != nil {
			return err
		}
		now := e.opts.Now()
		b = model.CommandBlock{
			ID:        e.opts.NewID(),
			SessionID: sessionID,
			Command:   command,
			StartedAt: now.UTC(),
			Meta:      model.NewMetadata(e.device, now),
		}
		e.putBlock(b)

		s.Meta = s.Meta.Touch(e.device, now)
		s.CommandBlocks = s.CommandBlocks.Apply(model.Append(b.ID), e.device, s.Meta.Version, now)
		e.putSession(s)
		return nil
	})
	return b, err
}

// FinishCommand stores a command's output and exit code.
func (e *Engine) FinishCommand(ctx context.Context, id, output string, exitCode int) (model.CommandBlock, error) {
	var b model.CommandBlock
	err := e.do(ctx, func() error {
		cur, err := e.liveBlock(id)
		if err != nil {
			return err
		}
		now := e.opts.Now().UTC()
		code := exitCode
		cur.Output = output
		cur.ExitCode = &code
		cur.FinishedAt = &now
		cur.Meta = cur.Meta.Touch(e.device, now)
		b = cur
		e.putBlock(b)
		return nil
	})
	return b, err
}

func (e *Engine) DeleteCommandBlock(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		b, err := e.liveBlock(id)
		if err != nil {
			return err
		}
		now := e.opts.Now()
		b.Meta = b.Meta.Delete(e.device, now)
		e.blocks[id] = b
		e.apply(b)
		e.deleted(model.EntityCommandBlock, id, b.Meta)

		if s, err := e.liveSession(b.SessionID); err == nil && s.CommandBlocks.Contains(id) {
			s.Meta = s.Meta.Touch(e.device, now)
			s.CommandBlocks = s.CommandBlocks.Apply(model.Remove(id), e.device, s.Meta.Version, now)
			e.putSession(s)
		}
		return nil
	})
}
