// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists the two mapping tables of the bridge: room mappings
// (Discord channel to Matrix room) and user mappings (Discord member to Matrix
// ghost, Matrix sender to Discord webhooks).
//
// Rows are plain values. Callers never mutate a row they did not read
// themselves; updates go through [Store.CompareAndSwapRoom] or
// [Store.CompareAndSwapUser], which only succeed when the stored Version still
// matches the version that was read.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrNotFound is returned when a lookup misses. It is an expected outcome.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by insert-if-absent operations when the key is taken.
	ErrExists = errors.New("already exists")
	// ErrVersionConflict is returned by compare-and-swap writes when the row
	// changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

// Error wraps a failure of the backing database.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrExists) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Visibility is the Matrix room directory visibility of a bridged room.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// RoomMapping links a Discord channel to a Matrix room.
type RoomMapping struct {
	// Key is the composite room key, "<channel name>;<suffix>". It is the
	// primary key and stays the same for the life of the row.
	Key       string `json:"key"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	// RoomID is empty while the mapping is pending.
	RoomID       string     `json:"room_id,omitempty"`
	Name         string     `json:"name"`
	Topic        string     `json:"topic,omitempty"`
	Visibility   Visibility `json:"visibility"`
	Preset       string     `json:"preset"`
	CustomBridge bool       `json:"custom_bridge,omitempty"`
	Version      int64      `json:"version"`
}

// Bound reports whether the mapping has been realized as a Matrix room.
func (m RoomMapping) Bound() bool {
	return m.RoomID != ""
}

// Matches reports whether the mapping belongs to the given channel.
func (m RoomMapping) Matches(guildID, channelID string) bool {
	return m.GuildID == guildID && m.ChannelID == channelID
}

// UserKind distinguishes ghost rows from relay sender rows.
type UserKind string

const (
	// UserKindGhost rows are keyed by Discord user ID.
	UserKindGhost UserKind = "ghost"
	// UserKindRelay rows are keyed by Matrix user ID.
	UserKindRelay UserKind = "relay"
)

// WebhookHandle is a Discord webhook used to relay one Matrix sender into one
// channel.
type WebhookHandle struct {
	ID          string `json:"id"`
	Token       string `json:"token"`
	Name        string `json:"name"`
	AvatarToken string `json:"avatar_token,omitempty"`
}

// UserMapping is a ghost identity (for Discord users) or a relay identity
// (for Matrix users).
type UserMapping struct {
	ID          string                   `json:"id"`
	Kind        UserKind                 `json:"kind"`
	GhostID     string                   `json:"ghost_id,omitempty"`
	DisplayName string                   `json:"display_name"`
	AvatarToken string                   `json:"avatar_token,omitempty"`
	Rooms       []string                 `json:"rooms,omitempty"`
	Webhooks    map[string]WebhookHandle `json:"webhooks,omitempty"`
	Version     int64                    `json:"version"`
}

// InRoom reports whether the ghost occupies the room with the given key.
func (u UserMapping) InRoom(key string) bool {
	return slices.Contains(u.Rooms, key)
}

// Clone returns a copy that shares no slices or maps with u.
func (u UserMapping) Clone() UserMapping {
	u.Rooms = slices.Clone(u.Rooms)
	if u.Webhooks != nil {
		hooks := make(map[string]WebhookHandle, len(u.Webhooks))
		for k, v := range u.Webhooks {
			hooks[k] = v
		}
		u.Webhooks = hooks
	}
	return u
}

// WithRoom returns a copy of u with key added to Rooms.
func (u UserMapping) WithRoom(key string) UserMapping {
	u = u.Clone()
	if !slices.Contains(u.Rooms, key) {
		u.Rooms = append(u.Rooms, key)
	}
	return u
}

// WithoutRoom returns a copy of u with key removed from Rooms.
func (u UserMapping) WithoutRoom(key string) UserMapping {
	u = u.Clone()
	u.Rooms = slices.DeleteFunc(u.Rooms, func(k string) bool { return k == key })
	return u
}

// Store is the mapping store used by the bridge.
type Store interface {
	GetRoomByKey(ctx context.Context, key string) (RoomMapping, error)
	GetRoomByGuildChannel(ctx context.Context, guildID, channelID string) (RoomMapping, error)
	GetRoomByRoomID(ctx context.Context, roomID string) (RoomMapping, error)
	ListRooms(ctx context.Context) ([]RoomMapping, error)
	// UpsertRoom overwrites the row with the same key.
	UpsertRoom(ctx context.Context, m RoomMapping) error
	// InsertRoom stores m only if no row has its key, otherwise ErrExists.
	InsertRoom(ctx context.Context, m RoomMapping) error
	// CompareAndSwapRoom stores m if the stored row still has m.Version and
	// returns the written row with the incremented version.
	CompareAndSwapRoom(ctx context.Context, m RoomMapping) (RoomMapping, error)
	DeleteRoomByKey(ctx context.Context, key string) error
	DeleteRoomsByGuildChannel(ctx context.Context, guildID, channelID string) error

	GetUser(ctx context.Context, id string) (UserMapping, error)
	ListUsers(ctx context.Context) ([]UserMapping, error)
	UsersInRoom(ctx context.Context, key string) ([]UserMapping, error)
	UpsertUser(ctx context.Context, m UserMapping) error
	InsertUser(ctx context.Context, m UserMapping) error
	CompareAndSwapUser(ctx context.Context, m UserMapping) (UserMapping, error)

	Close() error
}

// MaxUpdateAttempts bounds the read-modify-write loops of UpdateRoom and
// UpdateUser.
const MaxUpdateAttempts = 5

// UpdateRoom reads the room with the given key, applies mutate and writes it
// back with compare-and-swap, re-reading on conflict. If mutate returns false
// nothing is written and the current row is returned.
func UpdateRoom(ctx context.Context, s Store, key string, mutate func(RoomMapping) (RoomMapping, bool)) (RoomMapping, error) {
	for range MaxUpdateAttempts {
		cur, err := s.GetRoomByKey(ctx, key)
		if err != nil {
			return RoomMapping{}, err
		}
		next, changed := mutate(cur)
		if !changed {
			return cur, nil
		}
		next.Key = cur.Key
		next.Version = cur.Version
		written, err := s.CompareAndSwapRoom(ctx, next)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return written, err
	}
	return RoomMapping{}, fmt.Errorf("update room %s: %w", key, ErrVersionConflict)
}

// UpdateUser is the user-table counterpart of UpdateRoom.
func UpdateUser(ctx context.Context, s Store, id string, mutate func(UserMapping) (UserMapping, bool)) (UserMapping, error) {
	for range MaxUpdateAttempts {
		cur, err := s.GetUser(ctx, id)
		if err != nil {
			return UserMapping{}, err
		}
		next, changed := mutate(cur.Clone())
		if !changed {
			return cur, nil
		}
		next.ID = cur.ID
		next.Version = cur.Version
		written, err := s.CompareAndSwapUser(ctx, next)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return written, err
	}
	return UserMapping{}, fmt.Errorf("update user %s: %w", id, ErrVersionConflict)
}

// Config selects and configures a backend.
type Config struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// Open opens the backend named by cfg.Type ("bolt" or "sqlite").
func Open(cfg Config) (Store, error) {
	switch cfg.Type {
	case "bolt", "":
		return OpenBolt(cfg.URI)
	case "sqlite", "sqlite3":
		return OpenSQL(cfg.URI)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}
