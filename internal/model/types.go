// Package model defines the syncable entities and their merge rules.
package model

import (
	"time"

	"termsync/internal/vclock"
)

// EntityType names a kind of syncable entity on the wire.
type EntityType string

const (
	EntityWorkspace    EntityType = "workspace"
	EntitySession      EntityType = "session"
	EntityCommandBlock EntityType = "command_block"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityWorkspace, EntitySession, EntityCommandBlock:
		return true
	}
	return false
}

// SessionKind distinguishes history sessions from live PTY sessions.
type SessionKind string

const (
	SessionHistory SessionKind = "history"
	SessionPTY     SessionKind = "pty"
)

// Entity is implemented by every syncable entity.
type Entity interface {
	EntityID() string
	EntityType() EntityType
	SyncMetadata() Metadata
}

type Workspace struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Sessions IDList   `json:"sessions"`
	Meta     Metadata `json:"meta"`
}

func (w Workspace) EntityID() string       { return w.ID }
func (w Workspace) EntityType() EntityType { return EntityWorkspace }
func (w Workspace) SyncMetadata() Metadata { return w.Meta }

type Session struct {
	ID               string      `json:"id"`
	WorkspaceID      string      `json:"workspace_id"`
	Title            string      `json:"title"`
	Kind             SessionKind `json:"kind"`
	WorkingDirectory string      `json:"working_directory,omitempty"`
	CommandBlocks    IDList      `json:"command_blocks"`
	Meta             Metadata    `json:"meta"`
}

func (s Session) EntityID() string       { return s.ID }
func (s Session) EntityType() EntityType { return EntitySession }
func (s Session) SyncMetadata() Metadata { return s.Meta }

type CommandBlock struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Command    string     `json:"command"`
	Output     string     `json:"output"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Meta       Metadata   `json:"meta"`
}

func (b CommandBlock) EntityID() string       { return b.ID }
func (b CommandBlock) EntityType() EntityType { return EntityCommandBlock }
func (b CommandBlock) SyncMetadata() Metadata { return b.Meta }

// MergeWorkspace merges two observations of the same workspace. Content
// comes from the metadata winner; the session lists are always joined.
func MergeWorkspace(local, remote Workspace) (Workspace, Winner) {
	meta, winner := MergeMetadata(local.Meta, remote.Meta)
	out := local
	if winner == Remote {
		out = remote
	}
	out.Meta = meta
	out.Sessions = local.Sessions.Merge(remote.Sessions)
	return out, winner
}

// MergeSession merges two observations of the same session.
func MergeSession(local, remote Session) (Session, Winner) {
	meta, winner := MergeMetadata(local.Meta, remote.Meta)
	out := local
	if winner == Remote {
		out = remote
	}
	out.Meta = meta
	out.CommandBlocks = local.CommandBlocks.Merge(remote.CommandBlocks)
	return out, winner
}

// MergeCommandBlock merges two observations of the same command block.
func MergeCommandBlock(local, remote CommandBlock) (CommandBlock, Winner) {
	meta, winner := MergeMetadata(local.Meta, remote.Meta)
	out := local
	if winner == Remote {
		out = remote
	}
	out.Meta = meta
	return out, winner
}

// Tombstone is a deletion record for an entity that may not be known
// locally yet.
type Tombstone struct {
	Type      EntityType
	ID        string
	DeletedBy string
	DeletedAt time.Time
	Version   vclock.Vector
}

// Metadata returns the tombstoned metadata the deletion carries.
func (t Tombstone) Metadata() Metadata {
	return Metadata{
		CreatedAt:      t.DeletedAt.UTC(),
		ModifiedAt:     t.DeletedAt.UTC(),
		Version:        t.Version.Clone(),
		OriginDeviceID: t.DeletedBy,
		Tombstone:      true,
	}
}
