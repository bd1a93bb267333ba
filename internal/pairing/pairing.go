// Package pairing owns the relay's pairing codes and device pairings.
//
// Both tables live on a single actor goroutine. A code is single use and
// expires after a TTL; expiry is checked when a code is redeemed and by a
// periodic sweep. Each device has at most one peer, and pairings are
// persisted through store.Store whenever they change.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"termsync/internal/actor"
	"termsync/internal/store"
)

const (
	CodeLength = 6
	// Alphabet omits I, O, 0 and 1.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	DefaultTTL           = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	maxGenerateAttempts  = 16
)

var (
	ErrInvalidCode        = errors.New("pairing: invalid code")
	ErrExpiredCode        = errors.New("pairing: expired code")
	ErrSelfPairing        = errors.New("pairing: cannot pair a device with itself")
	ErrCodeSpaceExhausted = errors.New("pairing: could not allocate a unique code")
	ErrNotPaired          = errors.New("pairing: device is not paired")
)

type Code struct {
	Value     string
	ExpiresAt time.Time
}

// Displaced names a device that lost its peer because one side of a new
// pairing was already paired elsewhere.
type Displaced struct {
	DeviceID   string
	FormerPeer string
}

type Redemption struct {
	Creator   string
	Displaced []Displaced
}

type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Generate      func() (string, error)
	Store         *store.Store
}

type codeEntry struct {
	creator   string
	expiresAt time.Time
}

type Registry struct {
	a    *actor.Actor
	opts Options

	codes        map[string]codeEntry
	codeByDevice map[string]string
	peers        map[string]string
	pairedAt     map[string]int64
	generation   uint64

	stop      chan struct{}
	closeOnce sync.Once
}

func NewRegistry(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Generate == nil {
		opts.Generate = GenerateCode
	}

	r := &Registry{
		a:            actor.New("pairing", 64),
		opts:         opts,
		codes:        make(map[string]codeEntry),
		codeByDevice: make(map[string]string),
		peers:        make(map[string]string),
		pairedAt:     make(map[string]int64),
		stop:         make(chan struct{}),
	}

	if opts.Store != nil {
		for _, p := range opts.Store.LoadedPairings() {
			r.link(p.DeviceID, p.PeerID, p.PairedAt)
		}
	}

	go r.sweepLoop()
	return r
}

// GenerateCode draws a code uniformly from Alphabet using crypto/rand.
func GenerateCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases and trims user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// CreateCode issues a new code for deviceID, revoking any live code the
// device created earlier.
func (r *Registry) CreateCode(ctx context.Context, deviceID string) (Code, error) {
	var (
		out     Code
		failure error
	)
	err := r.a.Do(ctx, func() {
		now := r.opts.Now()
		if prev, ok := r.codeByDevice[deviceID]; ok {
			delete(r.codes, prev)
			delete(r.codeByDevice, deviceID)
		}

		for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
			value, err := r.opts.Generate()
			if err != nil {
				failure = err
				return
			}
			value = NormalizeCode(value)
			if existing, taken := r.codes[value]; taken && now.Before(existing.expiresAt) {
				continue
			}
			entry := codeEntry{creator: deviceID, expiresAt: now.Add(r.opts.TTL)}
			r.codes[value] = entry
			r.codeByDevice[deviceID] = value
			out = Code{Value: value, ExpiresAt: entry.expiresAt}
			return
		}
		failure = ErrCodeSpaceExhausted
	})
	if err != nil {
		return Code{}, err
	}
	return out, failure
}

// Redeem consumes code on behalf of redeemer and pairs it with the code's
// creator. Former peers of either device are unpaired and reported.
func (r *Registry) Redeem(ctx context.Context, code, redeemer string) (Redemption, error) {
	code = NormalizeCode(code)
	if !validCode(code) {
		return Redemption{}, ErrInvalidCode
	}

	var (
		out      Redemption
		failure  error
		snapshot []store.Pairing
		gen      uint64
	)
	err := r.a.Do(ctx, func() {
		entry, ok := r.codes[code]
		if !ok {
			failure = ErrInvalidCode
			return
		}
		now := r.opts.Now()
		if !now.Before(entry.expiresAt) {
			r.dropCode(code, entry.creator)
			failure = ErrExpiredCode
			return
		}
		if entry.creator == redeemer {
			failure = ErrSelfPairing
			return
		}
		r.dropCode(code, entry.creator)

		for _, device := range []string{entry.creator, redeemer} {
			former, paired := r.peers[device]
			if !paired || former == entry.creator || former == redeemer {
				continue
			}
			r.unlink(device, former)
			out.Displaced = append(out.Displaced, Displaced{DeviceID: former, FormerPeer: device})
		}
		r.link(entry.creator, redeemer, now.UnixMilli())
		out.Creator = entry.creator
		snapshot, gen = r.snapshotLocked(), r.generation
	})
	if err != nil {
		return Redemption{}, err
	}
	if failure != nil {
		return Redemption{}, failure
	}
	r.persist(gen, snapshot)
	return out, nil
}

// Unpair removes deviceID's pairing and returns the former peer.
func (r *Registry) Unpair(ctx context.Context, deviceID string) (string, error) {
	var (
		peer     string
		snapshot []store.Pairing
		gen      uint64
	)
	err := r.a.Do(ctx, func() {
		p, ok := r.peers[deviceID]
		if !ok {
			return
		}
		r.unlink(deviceID, p)
		peer = p
		snapshot, gen = r.snapshotLocked(), r.generation
	})
	if err != nil {
		return "", err
	}
	if peer == "" {
		return "", ErrNotPaired
	}
	r.persist(gen, snapshot)
	return peer, nil
}

func (r *Registry) PeerOf(ctx context.Context, deviceID string) (string, bool) {
	var (
		peer string
		ok   bool
	)
	if err := r.a.Do(ctx, func() { peer, ok = r.peers[deviceID] }); err != nil {
		return "", false
	}
	return peer, ok
}

// Pairing returns the persisted record for deviceID's pairing.
func (r *Registry) Pairing(ctx context.Context, deviceID string) (store.Pairing, bool) {
	var (
		out store.Pairing
		ok  bool
	)
	_ = r.a.Do(ctx, func() {
		peer, paired := r.peers[deviceID]
		if !paired {
			return
		}
		out = store.NewPairing(deviceID, peer, r.pairedAt[pairKey(deviceID, peer)])
		ok = true
	})
	return out, ok
}

// Sweep removes expired codes and returns how many were dropped.
func (r *Registry) Sweep(ctx context.Context) int {
	n := 0
	_ = r.a.Do(ctx, func() { n = r.sweepLocked() })
	return n
}

func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
	r.a.Stop()
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.a.Post(func() {
				if n := r.sweepLocked(); n > 0 {
					slog.Debug("pairing: swept expired codes", "count", n)
				}
			}); err != nil {
				return
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweepLocked() int {
	now := r.opts.Now()
	n := 0
	for code, entry := range r.codes {
		if !now.Before(entry.expiresAt) {
			r.dropCode(code, entry.creator)
			n++
		}
	}
	return n
}

func (r *Registry) dropCode(code, creator string) {
	delete(r.codes, code)
	if r.codeByDevice[creator] == code {
		delete(r.codeByDevice, creator)
	}
}

func (r *Registry) link(a, b string, pairedAt int64) {
	r.peers[a] = b
	r.peers[b] = a
	r.pairedAt[pairKey(a, b)] = pairedAt
	r.generation++
}

func (r *Registry) unlink(a, b string) {
	if r.peers[a] == b {
		delete(r.peers, a)
	}
	if r.peers[b] == a {
		delete(r.peers, b)
	}
	delete(r.pairedAt, pairKey(a, b))
	r.generation++
}

func (r *Registry) snapshotLocked() []store.Pairing {
	out := make([]store.Pairing, 0, len(r.pairedAt))
	for device, peer := range r.peers {
		if device < peer {
			out = append(out, store.NewPairing(device, peer, r.pairedAt[pairKey(device, peer)]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) persist(generation uint64, pairings []store.Pairing) {
	if r.opts.Store == nil {
		return
	}
	r.opts.Store.SavePairings(generation, pairings)
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s", a, b)
}
