package model

import (
	"time"

	"termsync/internal/vclock"
)

// Metadata is attached to every syncable entity. Timestamps only break
// ties between concurrent versions; ordering comes from Version.
type Metadata struct {
	CreatedAt      time.Time     `json:"created_at"`
	ModifiedAt     time.Time     `json:"modified_at"`
	Version        vclock.Vector `json:"version"`
	OriginDeviceID string        `json:"origin_device_id"`
	Tombstone      bool          `json:"tombstone"`
}

// Winner identifies whose content survives a merge.
type Winner int

const (
	Local Winner = iota
	Remote
)

func (w Winner) String() string {
	if w == Remote {
		return "remote"
	}
	return "local"
}

// NewMetadata returns metadata for an entity created by device at now.
func NewMetadata(device string, now time.Time) Metadata {
	now = now.UTC()
	return Metadata{
		CreatedAt:      now,
		ModifiedAt:     now,
		Version:        vclock.Increment(nil, device),
		OriginDeviceID: device,
	}
}

// Touch records a local edit by device.
func (m Metadata) Touch(device string, now time.Time) Metadata {
	out := m.clone()
	out.ModifiedAt = now.UTC()
	out.Version = vclock.Increment(m.Version, device)
	out.OriginDeviceID = device
	return out
}

// Delete records a local deletion by device.
func (m Metadata) Delete(device string, now time.Time) Metadata {
	out := m.Touch(device, now)
	out.Tombstone = true
	return out
}

func (m Metadata) clone() Metadata {
	out := m
	out.Version = m.Version.Clone()
	return out
}

// MergeMetadata resolves two observations of the same entity.
//
// A version that happens before the other loses outright, which lets a
// later edit resurrect a tombstoned entity. Concurrent versions merge
// their vectors; a tombstone on one side wins, otherwise the later
// ModifiedAt wins, then the larger origin device id.
func MergeMetadata(local, remote Metadata) (Metadata, Winner) {
	switch vclock.Compare(local.Version, remote.Version) {
	case vclock.Before:
		return remote.clone(), Remote
	case vclock.After:
		return local.clone(), Local
	}

	winner := tieBreak(local, remote)
	out := local.clone()
	if winner == Remote {
		out = remote.clone()
	}
	out.Version = vclock.Merge(local.Version, remote.Version)
	out.CreatedAt = earliest(local.CreatedAt, remote.CreatedAt)
	return out, winner
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

func tieBreak(local, remote Metadata) Winner {
	if local.Tombstone != remote.Tombstone {
		if remote.Tombstone {
			return Remote
		}
		return Local
	}
	if !local.ModifiedAt.Equal(remote.ModifiedAt) {
		if remote.ModifiedAt.After(local.ModifiedAt) {
			return Remote
		}
		return Local
	}
	if remote.OriginDeviceID > local.OriginDeviceID {
		return Remote
	}
	return Local
}
