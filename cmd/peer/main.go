// peer is a demo device. It keeps its identity and merged entities in a
// local bbolt file, connects to the signaling relay, pairs with another
// device by code and syncs workspaces with it until interrupted.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"termsync/internal/auth"
	"termsync/internal/grid"
	"termsync/internal/localstore"
	"termsync/internal/model"
	"termsync/internal/syncer"
	"termsync/internal/transport"
)

var version = "dev"

type options struct {
	server     string
	dbPath     string
	name       string
	useAuth    bool
	createCode bool
	code       string
	workspace  string
	command    string
	logLevel   string
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", "http://localhost:3000", "relay base URL")
	flagSet.StringVar(&opts.dbPath, "db", "termsync-peer.db", "path to the local state file")
	flagSet.StringVar(&opts.name, "name", hostname(), "display name sent to the peer")
	flagSet.BoolVar(&opts.useAuth, "auth", false, "obtain a device token before registering")
	flagSet.BoolVar(&opts.createCode, "create-code", false, "request a pairing code and print it")
	flagSet.StringVar(&opts.code, "code", "", "redeem a pairing code from another device")
	flagSet.StringVar(&opts.workspace, "workspace", "", "create a workspace with this name once connected")
	flagSet.StringVar(&opts.command, "command", "", "record this command in a new session of --workspace")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", opts.logLevel)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runPeer(ctx, opts)
}

func runPeer(ctx context.Context, opts options) error {
	store, err := localstore.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ident, err := store.Identity()
	if err != nil {
		return err
	}
	initial, err := store.Load()
	if err != nil {
		return err
	}
	slog.Info("peer: starting", "device", ident.DeviceID, "workspaces", len(initial.Workspaces), "version", version)

	var token string
	if opts.useAuth {
		if token, err = requestToken(ctx, opts.server, ident); err != nil {
			return err
		}
	}

	client := transport.NewRelayClient(transport.RelayOptions{
		URL:      relayURL(opts.server),
		DeviceID: ident.DeviceID,
		Token:    token,
	})
	engine := syncer.New(syncer.Options{
		Transport:   client,
		DisplayName: opts.name,
		AppVersion:  version,
		Initial:     initial,
		Apply:       store.Apply,
		OnGrid: func(s grid.Snapshot) {
			slog.Info("peer: remote grid", "session", s.SessionID, "version", s.Version, "title", s.Title)
		},
	})
	defer engine.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error {
		select {
		case <-client.Registered():
		case <-gctx.Done():
			return nil
		}
		if err := pairAndEdit(gctx, client, engine, opts); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	printWorkspaces(engine)
	return err
}

func pairAndEdit(ctx context.Context, client *transport.RelayClient, engine *syncer.Engine, opts options) error {
	if opts.createCode {
		code, err := client.CreatePairingCode(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pairing code: %s (expires %s)\n", code.Code, code.ExpiresAt.Local().Format(time.Kitchen))
	}
	if opts.code != "" {
		peer, err := client.UsePairingCode(ctx, opts.code)
		if err != nil {
			return err
		}
		fmt.Printf("paired with %s\n", peer)
	}

	if opts.workspace == "" {
		return nil
	}
	w, err := engine.CreateWorkspace(ctx, opts.workspace)
	if err != nil {
		return err
	}
	if opts.command == "" {
		return nil
	}
	s, err := engine.CreateSession(ctx, w.ID, opts.command, model.SessionHistory, "")
	if err != nil {
		return err
	}
	_, err = engine.StartCommand(ctx, s.ID, opts.command)
	return err
}

func requestToken(ctx context.Context, server string, ident localstore.Identity) (string, error) {
	pub, challenge, sig := auth.SignChallenge(ident.PrivateKey, ident.DeviceID, time.Now())
	body, err := json.Marshal(map[string]string{
		"deviceId":  ident.DeviceID,
		"publicKey": pub,
		"challenge": challenge,
		"signature": sig,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(server, "/")+"/v1/auth", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth rejected (%d): %s", resp.StatusCode, out.Error)
	}
	return out.Token, nil
}

// relayURL maps the relay's HTTP base URL to its WebSocket endpoint.
func relayURL(server string) string {
	u := strings.TrimSuffix(server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func printWorkspaces(engine *syncer.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ws, err := engine.Workspaces(ctx)
	if err != nil {
		return
	}
	for _, w := range ws {
		fmt.Printf("%s  %-24s sessions=%d version=%s\n", w.ID, w.Name, w.Sessions.Len(), w.Meta.Version)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "peer"
	}
	return h
}
