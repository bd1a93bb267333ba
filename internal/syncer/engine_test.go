package syncer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"termsync/internal/grid"
	"termsync/internal/model"
	"termsync/internal/protocol"
	"termsync/internal/transport"
	"termsync/internal/vclock"
)

const (
	deviceA = "00000000-0000-4000-8000-00000000000a"
	deviceB = "00000000-0000-4000-8000-00000000000b"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	entities []model.Entity
	grids    int
}

func (r *recorder) apply(ent model.Entity) {
	r.mu.Lock()
	r.entities = append(r.entities, ent)
	r.mu.Unlock()
}

func (r *recorder) grid(grid.Snapshot) {
	r.mu.Lock()
	r.grids++
	r.mu.Unlock()
}

func (r *recorder) gridCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grids
}

func (r *recorder) sawID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entities {
		if e.EntityID() == id {
			return true
		}
	}
	return false
}

type testPair struct {
	net   *transport.MemoryNetwork
	clock *fakeClock
	a, b  *Engine
	recA  *recorder
	recB  *recorder
}

func newEngine(t *testing.T, net *transport.MemoryNetwork, id string, clock *fakeClock, rec *recorder) *Engine {
	t.Helper()
	e := New(Options{
		Transport:   net.Endpoint(id),
		DisplayName: id[len(id)-1:],
		AppVersion:  "test",
		Apply:       rec.apply,
		OnGrid:      rec.grid,
		Now:         clock.Now,
	})
	t.Cleanup(e.Close)
	return e
}

func newPair(t *testing.T) *testPair {
	t.Helper()
	p := &testPair{
		net:   transport.NewMemoryNetwork(),
		clock: &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		recA:  &recorder{},
		recB:  &recorder{},
	}
	t.Cleanup(p.net.Close)
	p.a = newEngine(t, p.net, deviceA, p.clock, p.recA)
	p.b = newEngine(t, p.net, deviceB, p.clock, p.recB)
	return p
}

func (p *testPair) connect(t *testing.T) {
	t.Helper()
	p.net.Connect(deviceA, deviceB)
	p.settle(t)
}

func (p *testPair) disconnect(t *testing.T) {
	t.Helper()
	p.net.Disconnect(deviceA, deviceB)
	p.settle(t)
}

func (p *testPair) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.net.Quiesce(ctx); err != nil {
		t.Fatalf("Quiesce: %v", err)
	}
}

func mustWorkspace(t *testing.T, e *Engine, id string) model.Workspace {
	t.Helper()
	w, ok, err := e.Workspace(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("workspace %s on %s: ok=%v err=%v", id, e.DeviceID(), ok, err)
	}
	return w
}

func TestEngine_HandshakeReachesStreaming(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	st, _ := p.a.PeerState(ctx, deviceB)
	if st != PeerDisconnected {
		t.Fatalf("expected disconnected before link, got %s", st)
	}

	p.connect(t)
	for _, e := range []*Engine{p.a, p.b} {
		peer := deviceB
		if e == p.b {
			peer = deviceA
		}
		if st, _ := e.PeerState(ctx, peer); st != PeerStreaming {
			t.Fatalf("%s: expected streaming, got %s", e.DeviceID(), st)
		}
		if n, _ := e.Unacked(ctx); n != 0 {
			t.Fatalf("%s: expected full state to be acked, %d outstanding", e.DeviceID(), n)
		}
	}

	p.disconnect(t)
	if st, _ := p.a.PeerState(ctx, deviceB); st != PeerDisconnected {
		t.Fatalf("expected disconnected after unlink, got %s", st)
	}
}

func TestEngine_LocalEditsReachPeer(t *testing.T) {
	p := newPair(t)
	p.connect(t)
	ctx := context.Background()

	w, err := p.a.CreateWorkspace(ctx, "proj")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	s, err := p.a.CreateSession(ctx, w.ID, "shell", model.SessionHistory, "/home")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	b, err := p.a.StartCommand(ctx, s.ID, "ls")
	if err != nil {
		t.Fatalf("StartCommand: %v", err)
	}
	if _, err := p.a.FinishCommand(ctx, b.ID, "a.txt\n", 0); err != nil {
		t.Fatalf("FinishCommand: %v", err)
	}
	p.settle(t)

	got := mustWorkspace(t, p.b, w.ID)
	if got.Name != "proj" || !slices.Equal(got.Sessions.IDs(), []string{s.ID}) {
		t.Fatalf("unexpected workspace on peer: %+v ids=%v", got, got.Sessions.IDs())
	}
	sess, ok, _ := p.b.Session(ctx, s.ID)
	if !ok || !slices.Equal(sess.CommandBlocks.IDs(), []string{b.ID}) {
		t.Fatalf("unexpected session on peer: ok=%v %+v", ok, sess)
	}
	blk, ok, _ := p.b.CommandBlock(ctx, b.ID)
	if !ok || blk.Output != "a.txt\n" || blk.ExitCode == nil || *blk.ExitCode != 0 || blk.FinishedAt == nil {
		t.Fatalf("unexpected command block on peer: ok=%v %+v", ok, blk)
	}
	if !p.recB.sawID(b.ID) || !p.recA.sawID(b.ID) {
		t.Fatalf("apply callback missed the command block")
	}
	if n, _ := p.a.Unacked(ctx); n != 0 {
		t.Fatalf("expected every update acked, %d outstanding", n)
	}

	if _, err := p.a.CreateSession(ctx, "missing", "x", model.SessionPTY, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_ConcurrentRenamesConverge(t *testing.T) {
	p := newPair(t)
	p.connect(t)
	ctx := context.Background()

	w, err := p.a.CreateWorkspace(ctx, "proj")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	p.settle(t)
	p.disconnect(t)

	p.clock.Advance(time.Second)
	if _, err := p.a.RenameWorkspace(ctx, w.ID, "proj2"); err != nil {
		t.Fatalf("rename on A: %v", err)
	}
	p.clock.Advance(time.Second)
	if _, err := p.b.RenameWorkspace(ctx, w.ID, "proj-b"); err != nil {
		t.Fatalf("rename on B: %v", err)
	}

	p.connect(t)

	want := vclock.Vector{deviceA: 2, deviceB: 1}
	wa, wb := mustWorkspace(t, p.a, w.ID), mustWorkspace(t, p.b, w.ID)
	if wa.Name != wb.Name {
		t.Fatalf("diverged: A=%q B=%q", wa.Name, wb.Name)
	}
	if wa.Name != "proj-b" {
		t.Fatalf("expected the later edit to win, got %q", wa.Name)
	}
	if !vclock.EqualVectors(wa.Meta.Version, want) || !vclock.EqualVectors(wb.Meta.Version, want) {
		t.Fatalf("expected version %v on both, got A=%v B=%v", want, wa.Meta.Version, wb.Meta.Version)
	}
}

func TestEngine_DeleteBeatsConcurrentEdit(t *testing.T) {
	for _, deleterIsA := range []bool{true, false} {
		p := newPair(t)
		p.connect(t)
		ctx := context.Background()

		w, err := p.a.CreateWorkspace(ctx, "proj")
		if err != nil {
			t.Fatalf("CreateWorkspace: %v", err)
		}
		p.settle(t)
		p.disconnect(t)

		deleter, editor := p.a, p.b
		if !deleterIsA {
			deleter, editor = p.b, p.a
		}
		p.clock.Advance(time.Second)
		if err := deleter.DeleteWorkspace(ctx, w.ID); err != nil {
			t.Fatalf("DeleteWorkspace: %v", err)
		}
		// The edit is later in wall time and still loses.
		p.clock.Advance(time.Second)
		if _, err := editor.RenameWorkspace(ctx, w.ID, "renamed"); err != nil {
			t.Fatalf("RenameWorkspace: %v", err)
		}

		p.connect(t)
		for _, e := range []*Engine{p.a, p.b} {
			if _, ok, _ := e.Workspace(ctx, w.ID); ok {
				t.Fatalf("deleter A=%v: workspace still live on %s", deleterIsA, e.DeviceID())
			}
			st, _ := e.State(ctx)
			if len(st.Workspaces) != 1 || !st.Workspaces[0].Meta.Tombstone {
				t.Fatalf("deleter A=%v: expected tombstone on %s, got %+v", deleterIsA, e.DeviceID(), st.Workspaces)
			}
		}
	}
}

func TestEngine_ConcurrentSessionAppendsKept(t *testing.T) {
	p := newPair(t)
	p.connect(t)
	ctx := context.Background()

	w, err := p.a.CreateWorkspace(ctx, "proj")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	p.settle(t)
	p.disconnect(t)

	p.clock.Advance(time.Second)
	sa, err := p.a.CreateSession(ctx, w.ID, "on a", model.SessionHistory, "")
	if err != nil {
		t.Fatalf("CreateSession A: %v", err)
	}
	p.clock.Advance(time.Second)
	sb, err := p.b.CreateSession(ctx, w.ID, "on b", model.SessionPTY, "")
	if err != nil {
		t.Fatalf("CreateSession B: %v", err)
	}

	p.connect(t)
	wa, wb := mustWorkspace(t, p.a, w.ID), mustWorkspace(t, p.b, w.ID)
	want := []string{sa.ID, sb.ID}
	if !slices.Equal(wa.Sessions.IDs(), want) || !slices.Equal(wb.Sessions.IDs(), want) {
		t.Fatalf("expected %v on both, got A=%v B=%v", want, wa.Sessions.IDs(), wb.Sessions.IDs())
	}

	if err := p.b.DeleteSession(ctx, sa.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	p.settle(t)
	if ids := mustWorkspace(t, p.a, w.ID).Sessions.IDs(); !slices.Equal(ids, []string{sb.ID}) {
		t.Fatalf("expected removal to reach A, got %v", ids)
	}
	if _, ok, _ := p.a.Session(ctx, sa.ID); ok {
		t.Fatalf("expected session tombstoned on A")
	}
}

func TestEngine_DeleteOfUnknownEntityKeepsTombstone(t *testing.T) {
	net := transport.NewMemoryNetwork()
	t.Cleanup(net.Close)
	e := newEngine(t, net, deviceA, &fakeClock{now: time.Now()}, &recorder{})
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	e.HandleMessage(deviceB, protocol.Delete{
		EntityType: model.EntityCommandBlock,
		EntityID:   "blk",
		DeletedBy:  deviceB,
		DeletedAt:  at,
		Version:    vclock.Vector{deviceB: 2},
	})
	stale := model.CommandBlock{ID: "blk", Command: "rm -rf", Meta: model.NewMetadata(deviceB, at.Add(time.Hour))}
	e.HandleMessage(deviceB, protocol.CommandBlockUpdate{CommandBlock: stale})

	st, err := e.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(st.CommandBlocks) != 1 || !st.CommandBlocks[0].Meta.Tombstone {
		t.Fatalf("expected stale update to lose against tombstone, got %+v", st.CommandBlocks)
	}
}

func TestEngine_DropsDeleteWithoutVersion(t *testing.T) {
	net := transport.NewMemoryNetwork()
	t.Cleanup(net.Close)
	e := newEngine(t, net, deviceA, &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}, &recorder{})
	ctx := context.Background()

	w, err := e.CreateWorkspace(ctx, "proj")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	e.HandleMessage(deviceB, protocol.Delete{
		EntityType: model.EntityWorkspace,
		EntityID:   w.ID,
		DeletedBy:  deviceB,
		DeletedAt:  time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	})
	if _, ok, _ := e.Workspace(ctx, w.ID); !ok {
		t.Fatalf("expected a versionless delete to be dropped")
	}

	e.HandleMessage(deviceB, protocol.Delete{EntityType: model.EntityWorkspace, EntityID: "ghost", DeletedBy: deviceB})
	if st, _ := e.State(ctx); len(st.Workspaces) != 1 {
		t.Fatalf("expected no tombstone for a versionless delete, got %+v", st.Workspaces)
	}
}

func TestEngine_IgnoresIncompatiblePeer(t *testing.T) {
	net := transport.NewMemoryNetwork()
	t.Cleanup(net.Close)
	e := newEngine(t, net, deviceA, &fakeClock{now: time.Now()}, &recorder{})
	ctx := context.Background()

	update := protocol.WorkspaceUpdate{Workspace: model.Workspace{ID: "w1", Name: "x", Meta: model.NewMetadata(deviceB, time.Now())}}

	e.HandleMessage(deviceB, protocol.Hello{DeviceID: deviceB, ProtocolVersion: protocol.ProtocolVersion + 5})
	e.HandleMessage(deviceB, update)
	if _, ok, _ := e.Workspace(ctx, "w1"); ok {
		t.Fatalf("expected updates from an incompatible peer to be ignored")
	}
	if st, _ := e.PeerState(ctx, deviceB); st != PeerDisconnected {
		t.Fatalf("expected incompatible peer to stay disconnected, got %s", st)
	}

	e.HandleMessage(deviceB, protocol.Hello{DeviceID: deviceB, ProtocolVersion: protocol.ProtocolVersion})
	e.HandleMessage(deviceB, update)
	if _, ok, _ := e.Workspace(ctx, "w1"); !ok {
		t.Fatalf("expected update after a compatible hello")
	}
}

func testGrid(t *testing.T, version uint64, text string) grid.Snapshot {
	t.Helper()
	s, err := grid.NewSnapshot("sess", 10, 3)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	for i, r := range text {
		s.Cells[0][i] = grid.Cell{Text: string(r)}
	}
	s.Cursor.X = len(text)
	s.Version = version
	return s
}

func TestEngine_GridStreaming(t *testing.T) {
	p := newPair(t)
	p.connect(t)
	ctx := context.Background()

	for v, text := range []string{"$ ls", "$ ls -la"} {
		snap := testGrid(t, uint64(v+1), text)
		if err := p.a.PublishGrid(ctx, snap); err != nil {
			t.Fatalf("PublishGrid v%d: %v", v+1, err)
		}
		p.settle(t)

		got, ok, _ := p.b.RemoteGrid(ctx, "sess")
		if !ok || got.Version != snap.Version || got.Text() != snap.Text() {
			t.Fatalf("v%d: unexpected remote grid ok=%v version=%d text=%q", v+1, ok, got.Version, got.Text())
		}
	}

	if err := p.a.PublishGrid(ctx, testGrid(t, 2, "again")); !errors.Is(err, ErrStaleGrid) {
		t.Fatalf("expected ErrStaleGrid, got %v", err)
	}
}

func TestEngine_GridGapRequestsSnapshot(t *testing.T) {
	p := newPair(t)
	p.connect(t)
	ctx := context.Background()

	snap := testGrid(t, 1, "$ top")
	if err := p.a.PublishGrid(ctx, snap); err != nil {
		t.Fatalf("PublishGrid: %v", err)
	}
	p.settle(t)
	if n := p.recB.gridCount(); n != 1 {
		t.Fatalf("expected one grid on B, got %d", n)
	}

	frame, err := grid.EncodeDelta(grid.Delta{
		SessionID:   "sess",
		BaseVersion: 7,
		NewVersion:  8,
		Ops:         []grid.Operation{grid.CursorMove{X: 1, Y: 1}},
	})
	if err != nil {
		t.Fatalf("EncodeDelta: %v", err)
	}
	p.b.HandleMessage(deviceA, protocol.GridUpdate{SessionID: "sess", Frame: frame})
	p.settle(t)

	if n := p.recB.gridCount(); n != 2 {
		t.Fatalf("expected a fresh snapshot after the gap, got %d grids", n)
	}
	got, _, _ := p.b.RemoteGrid(ctx, "sess")
	if got.Version != 1 || got.Text() != snap.Text() {
		t.Fatalf("unexpected grid after resync: version=%d text=%q", got.Version, got.Text())
	}
}
