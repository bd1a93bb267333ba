package syncer

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"termsync/internal/auth"
	"termsync/internal/hub"
	"termsync/internal/model"
	"termsync/internal/pairing"
	"termsync/internal/server"
	"termsync/internal/store"
	"termsync/internal/transport"
	"termsync/internal/vclock"
)

func startRelay(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := hub.New()
	reg := pairing.NewRegistry(pairing.Options{
		Generate: func() (string, error) { return "X7K9M2", nil },
	})
	srv := httptest.NewServer(server.NewRouter(server.Deps{
		Store:       store.New(),
		Hub:         h,
		Pairing:     reg,
		TokenConfig: auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"},
	}))
	t.Cleanup(func() {
		srv.Close()
		reg.Close()
		h.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// relayPeer is an engine whose relay connection can be dropped and
// re-established.
type relayPeer struct {
	client *transport.RelayClient
	engine *Engine
	cancel context.CancelFunc
	done   chan error
}

func newRelayPeer(t *testing.T, url, id string, clock *fakeClock) *relayPeer {
	t.Helper()
	client := transport.NewRelayClient(transport.RelayOptions{URL: url, DeviceID: id})
	p := &relayPeer{
		client: client,
		engine: New(Options{
			Transport:   client,
			DisplayName: id[len(id)-1:],
			AppVersion:  "test",
			Now:         clock.Now,
			SendTimeout: time.Second,
		}),
	}
	t.Cleanup(func() {
		p.stop(t)
		p.engine.Close()
	})
	p.start(t)
	return p
}

func (p *relayPeer) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel, p.done = cancel, make(chan error, 1)
	go func() { p.done <- p.client.Run(ctx) }()
	select {
	case <-p.client.Registered():
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not register", p.client.DeviceID())
	}
}

func (p *relayPeer) stop(t *testing.T) {
	t.Helper()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	select {
	case err := <-p.done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not stop", p.client.DeviceID())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, e *Engine, peer string, want PeerState) {
	t.Helper()
	eventually(t, e.DeviceID()+" "+want.String(), func() bool {
		st, _ := e.PeerState(context.Background(), peer)
		return st == want
	})
}

func TestEngine_ConvergesOverRelay(t *testing.T) {
	url := startRelay(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	a := newRelayPeer(t, url, deviceA, clock)
	b := newRelayPeer(t, url, deviceB, clock)
	ctx := context.Background()

	code, err := a.client.CreatePairingCode(ctx)
	if err != nil {
		t.Fatalf("CreatePairingCode: %v", err)
	}
	if code.Code != "X7K9M2" {
		t.Fatalf("unexpected code %q", code.Code)
	}
	if _, err := b.client.UsePairingCode(ctx, code.Code); err != nil {
		t.Fatalf("UsePairingCode: %v", err)
	}
	waitState(t, a.engine, deviceB, PeerStreaming)
	waitState(t, b.engine, deviceA, PeerStreaming)

	w, err := a.engine.CreateWorkspace(ctx, "proj")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	eventually(t, "workspace on B", func() bool {
		_, ok, _ := b.engine.Workspace(ctx, w.ID)
		return ok
	})

	b.stop(t)
	waitState(t, a.engine, deviceB, PeerDisconnected)
	waitState(t, b.engine, deviceA, PeerDisconnected)

	clock.Advance(time.Second)
	if _, err := a.engine.RenameWorkspace(ctx, w.ID, "proj2"); err != nil {
		t.Fatalf("rename on A: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := b.engine.RenameWorkspace(ctx, w.ID, "proj-b"); err != nil {
		t.Fatalf("rename on B: %v", err)
	}

	b.start(t)
	want := vclock.Vector{deviceA: 2, deviceB: 1}
	var wa, wb model.Workspace
	eventually(t, "convergence", func() bool {
		wa, _, _ = a.engine.Workspace(ctx, w.ID)
		wb, _, _ = b.engine.Workspace(ctx, w.ID)
		return vclock.EqualVectors(wa.Meta.Version, want) && vclock.EqualVectors(wb.Meta.Version, want)
	})
	if wa.Name != "proj-b" || wb.Name != "proj-b" {
		t.Fatalf("expected the later edit on both, got A=%q B=%q", wa.Name, wb.Name)
	}
}
