package syncer

import (
	"log/slog"
	"maps"
	"slices"

	"termsync/internal/model"
	"termsync/internal/protocol"
	"termsync/internal/vclock"
)

func (e *Engine) handle(from string, msg protocol.Message) {
	p := e.peer(from)
	if _, hello := msg.(protocol.Hello); p.incompatible && !hello {
		slog.Debug("syncer: ignoring incompatible peer", "device", e.device, "peer", from, "type", msg.Type())
		return
	}

	switch m := msg.(type) {
	case protocol.Hello:
		e.handleHello(from, p, m)
	case protocol.RequestFullSync:
		e.send(from, protocol.FullState{MessageID: e.opts.NewID(), State: e.state()})
		e.sendGridSnapshots(from)
	case protocol.FullState:
		e.mergeState(m.State)
		if p.state >= PeerConnected {
			p.state = PeerStreaming
		}
		e.ack(from, m.MessageID)
	case protocol.WorkspaceUpdate:
		e.mergeWorkspace(m.Workspace)
		e.ack(from, m.MessageID)
	case protocol.SessionUpdate:
		e.mergeSession(m.Session)
		e.ack(from, m.MessageID)
	case protocol.CommandBlockUpdate:
		e.mergeCommandBlock(m.CommandBlock)
		e.ack(from, m.MessageID)
	case protocol.Delete:
		e.mergeTombstone(m.Tombstone())
		e.ack(from, m.MessageID)
	case protocol.Ack:
		delete(e.unacked, m.MessageID)
	case protocol.Ping:
		e.send(from, protocol.Pong{})
	case protocol.Pong:
	case protocol.GridUpdate:
		e.handleGridUpdate(from, m)
		e.ack(from, m.MessageID)
	case protocol.RequestGridSnapshot:
		e.sendGridSnapshot(from, m.SessionID)
	default:
		slog.Warn("syncer: unhandled message", "device", e.device, "peer", from, "type", msg.Type())
	}
}

func (e *Engine) handleHello(from string, p *peerInfo, m protocol.Hello) {
	if !protocol.CompatibleVersion(m.ProtocolVersion) {
		p.incompatible = true
		p.state = PeerDisconnected
		slog.Warn("syncer: peer speaks an incompatible protocol",
			"device", e.device, "peer", from, "peer_version", m.ProtocolVersion, "version", protocol.ProtocolVersion)
		return
	}
	p.incompatible = false
	p.hello = m
	p.state = PeerConnected
	clear(e.gridRequested)
	slog.Info("syncer: peer hello", "device", e.device, "peer", from, "name", m.DisplayName, "app_version", m.AppVersion)

	e.send(from, protocol.RequestFullSync{})
	p.state = PeerSyncing
}

func (e *Engine) ack(to, messageID string) {
	if messageID != "" {
		e.send(to, protocol.Ack{MessageID: messageID})
	}
}

// A remote observation changes local state unless local already saw
// everything it carries. List entries are versioned by the entity edits
// that produced them, so that also covers list contents.
func observed(local, remote model.Metadata) bool {
	switch vclock.Compare(local.Version, remote.Version) {
	case vclock.Equal, vclock.After:
		return true
	}
	return false
}

func (e *Engine) mergeState(st protocol.State) {
	for _, w := range st.Workspaces {
		e.mergeWorkspace(w)
	}
	for _, s := range st.Sessions {
		e.mergeSession(s)
	}
	for _, b := range st.CommandBlocks {
		e.mergeCommandBlock(b)
	}
}

func (e *Engine) mergeWorkspace(remote model.Workspace) {
	if remote.ID == "" {
		return
	}
	local, ok := e.workspaces[remote.ID]
	if ok && observed(local.Meta, remote.Meta) {
		return
	}
	merged := remote
	if ok {
		merged, _ = model.MergeWorkspace(local, remote)
	}
	e.workspaces[merged.ID] = merged
	e.apply(merged)
}

func (e *Engine) mergeSession(remote model.Session) {
	if remote.ID == "" {
		return
	}
	local, ok := e.sessions[remote.ID]
	if ok && observed(local.Meta, remote.Meta) {
		return
	}
	merged := remote
	if ok {
		merged, _ = model.MergeSession(local, remote)
	}
	e.sessions[merged.ID] = merged
	e.apply(merged)
}

func (e *Engine) mergeCommandBlock(remote model.CommandBlock) {
	if remote.ID == "" {
		return
	}
	local, ok := e.blocks[remote.ID]
	if ok && observed(local.Meta, remote.Meta) {
		return
	}
	merged := remote
	if ok {
		merged, _ = model.MergeCommandBlock(local, remote)
	}
	e.blocks[merged.ID] = merged
	e.apply(merged)
}

// mergeTombstone treats a deletion as an update that keeps the local
// content and carries tombstoned metadata. An unknown entity is recorded
// as a bare tombstone so a stale update arriving later still loses.
func (e *Engine) mergeTombstone(ts model.Tombstone) {
	if len(ts.Version) == 0 {
		slog.Warn("syncer: dropping delete without version", "device", e.device, "type", ts.Type, "id", ts.ID)
		return
	}
	meta := ts.Metadata()
	switch ts.Type {
	case model.EntityWorkspace:
		w := e.workspaces[ts.ID]
		w.ID, w.Meta = ts.ID, meta
		e.mergeWorkspace(w)
	case model.EntitySession:
		s := e.sessions[ts.ID]
		s.ID, s.Meta = ts.ID, meta
		e.mergeSession(s)
	case model.EntityCommandBlock:
		b := e.blocks[ts.ID]
		b.ID, b.Meta = ts.ID, meta
		e.mergeCommandBlock(b)
	default:
		slog.Warn("syncer: delete for unknown entity type", "device", e.device, "type", ts.Type, "id", ts.ID)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func sortedValues[V any](m map[string]V) []V {
	out := make([]V, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, m[k])
	}
	return out
}
