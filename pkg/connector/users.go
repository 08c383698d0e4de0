// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/media"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// maxAvatarSize caps avatar downloads.
const maxAvatarSize = 10 << 20

// GhostProvisioner keeps Matrix ghosts in sync with Discord members.
type GhostProvisioner struct {
	store   store.Store
	matrix  MatrixAPI
	fetcher media.Fetcher
	config  *Config
	log     zerolog.Logger

	// locks serializes provisioning per Discord user, so two events for an
	// unseen user cannot both create the ghost.
	locks keyedMutex
}

// NewGhostProvisioner creates a ghost provisioner.
func NewGhostProvisioner(st store.Store, mx MatrixAPI, fetcher media.Fetcher, cfg *Config, log zerolog.Logger) *GhostProvisioner {
	return &GhostProvisioner{
		store:   st,
		matrix:  mx,
		fetcher: fetcher,
		config:  cfg,
		log:     log.With().Str("component", "ghosts").Logger(),
	}
}

// GhostID returns the Matrix ghost of a Discord user.
func (gp *GhostProvisioner) GhostID(discordUserID string) id.UserID {
	return GhostUserID(discordUserID, gp.matrix.ServerName())
}

// SetupNewUser makes sure the member has a ghost with an up to date name and
// avatar, and that the ghost is in the room if the room is bound. Avatar
// failures are logged and swallowed; name and membership failures are
// returned. Nothing is retried, the next event for the member fixes what is
// still out of date.
func (gp *GhostProvisioner) SetupNewUser(ctx context.Context, member Member, room store.RoomMapping) error {
	unlock := gp.locks.Lock(member.UserID)
	defer unlock()

	log := gp.log.With().Str("discord_user_id", member.UserID).Str("room_key", room.Key).Logger()
	ctx = log.WithContext(ctx)

	user, err := gp.store.GetUser(ctx, member.UserID)
	if errors.Is(err, store.ErrNotFound) {
		user, err = gp.createGhost(ctx, member)
		if err != nil {
			return err
		}
		if room.Bound() {
			return gp.joinRoom(ctx, user, room)
		}
		return nil
	} else if err != nil {
		return err
	}

	var errs []error
	if member.AvatarHash != user.AvatarToken {
		gp.syncAvatar(ctx, user, member)
	}
	if room.Bound() && !user.InRoom(room.Key) {
		errs = append(errs, gp.joinRoom(ctx, user, room))
	}
	if name := gp.config.FormatDisplayname(memberDisplaynameParams(member)); name != user.DisplayName {
		errs = append(errs, gp.syncName(ctx, user, name))
	}
	return errors.Join(errs...)
}

// SyncProfile updates the name and avatar of an existing ghost. Unknown
// members are ignored.
func (gp *GhostProvisioner) SyncProfile(ctx context.Context, member Member) error {
	unlock := gp.locks.Lock(member.UserID)
	defer unlock()

	ctx = gp.log.With().Str("discord_user_id", member.UserID).Logger().WithContext(ctx)
	user, err := gp.store.GetUser(ctx, member.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if member.AvatarHash != user.AvatarToken {
		gp.syncAvatar(ctx, user, member)
	}
	if name := gp.config.FormatDisplayname(memberDisplaynameParams(member)); name != user.DisplayName {
		return gp.syncName(ctx, user, name)
	}
	return nil
}

func (gp *GhostProvisioner) createGhost(ctx context.Context, member Member) (store.UserMapping, error) {
	log := zerolog.Ctx(ctx)
	ghost := gp.GhostID(member.UserID)
	if err := gp.matrix.EnsureRegistered(ctx, ghost); err != nil {
		return store.UserMapping{}, remoteErr("register ghost", err)
	}
	user := store.UserMapping{
		ID:      member.UserID,
		Kind:    store.UserKindGhost,
		GhostID: ghost.String(),
	}
	name := gp.config.FormatDisplayname(memberDisplaynameParams(member))
	if err := gp.matrix.SetDisplayName(ctx, ghost, name); err != nil {
		log.Warn().Err(err).Msg("Failed to set ghost display name")
	} else {
		user.DisplayName = name
	}
	if token, err := gp.uploadAvatar(ctx, ghost, member); err != nil {
		log.Warn().Err(err).Msg("Failed to set ghost avatar")
	} else {
		user.AvatarToken = token
	}

	err := gp.store.InsertUser(ctx, user)
	if errors.Is(err, store.ErrExists) {
		return gp.store.GetUser(ctx, member.UserID)
	} else if err != nil {
		return store.UserMapping{}, err
	}
	log.Info().Str("ghost_id", user.GhostID).Msg("Created ghost")
	return user, nil
}

// joinRoom invites the ghost as the bot, then joins as the ghost, then
// records the room.
func (gp *GhostProvisioner) joinRoom(ctx context.Context, user store.UserMapping, room store.RoomMapping) error {
	roomID := id.RoomID(room.RoomID)
	ghost := id.UserID(user.GhostID)
	if err := gp.matrix.Invite(ctx, roomID, ghost); err != nil {
		return remoteErr("invite ghost", err)
	}
	if err := gp.matrix.Join(ctx, roomID, ghost); err != nil {
		return remoteErr("join ghost", err)
	}
	_, err := store.UpdateUser(ctx, gp.store, user.ID, func(cur store.UserMapping) (store.UserMapping, bool) {
		return cur.WithRoom(room.Key), !cur.InRoom(room.Key)
	})
	return err
}

func (gp *GhostProvisioner) syncName(ctx context.Context, user store.UserMapping, name string) error {
	if err := gp.matrix.SetDisplayName(ctx, id.UserID(user.GhostID), name); err != nil {
		return remoteErr("set ghost display name", err)
	}
	_, err := store.UpdateUser(ctx, gp.store, user.ID, func(cur store.UserMapping) (store.UserMapping, bool) {
		changed := cur.DisplayName != name
		cur.DisplayName = name
		return cur, changed
	})
	return err
}

func (gp *GhostProvisioner) syncAvatar(ctx context.Context, user store.UserMapping, member Member) {
	log := zerolog.Ctx(ctx)
	token, err := gp.uploadAvatar(ctx, id.UserID(user.GhostID), member)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to update ghost avatar")
		return
	}
	_, err = store.UpdateUser(ctx, gp.store, user.ID, func(cur store.UserMapping) (store.UserMapping, bool) {
		changed := cur.AvatarToken != token
		cur.AvatarToken = token
		return cur, changed
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to save ghost avatar")
	}
}

// uploadAvatar copies the member's avatar to the Matrix media repo and sets
// it on the ghost. It returns the avatar token to store.
func (gp *GhostProvisioner) uploadAvatar(ctx context.Context, ghost id.UserID, member Member) (string, error) {
	if member.AvatarURL == "" {
		if err := gp.matrix.SetAvatarURL(ctx, ghost, id.ContentURI{}); err != nil {
			return "", remoteErr("clear ghost avatar", err)
		}
		return "", nil
	}
	body, err := gp.fetcher.Fetch(ctx, member.AvatarURL)
	if err != nil {
		return "", err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, maxAvatarSize))
	if err != nil {
		return "", &media.DownloadError{URL: member.AvatarURL, Err: err}
	}
	mime := mimetype.Detect(data)
	uri, err := gp.matrix.UploadMedia(ctx, ghost, bytes.NewReader(data), int64(len(data)), mime.String(), "avatar"+mime.Extension())
	if err != nil {
		return "", remoteErr("upload avatar", err)
	}
	if err = gp.matrix.SetAvatarURL(ctx, ghost, uri); err != nil {
		return "", remoteErr("set ghost avatar", err)
	}
	return member.AvatarHash, nil
}

// forgetRoom drops a room key from a ghost's bookkeeping.
func (gp *GhostProvisioner) forgetRoom(ctx context.Context, discordUserID, key string) error {
	_, err := store.UpdateUser(ctx, gp.store, discordUserID, func(cur store.UserMapping) (store.UserMapping, bool) {
		return cur.WithoutRoom(key), cur.InRoom(key)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// LeaveGuildRooms removes a ghost from every bridged room of a guild, used
// when the member leaves the guild.
func (gp *GhostProvisioner) LeaveGuildRooms(ctx context.Context, guildID, discordUserID string) error {
	user, err := gp.store.GetUser(ctx, discordUserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	var errs []error
	for _, key := range user.Rooms {
		room, err := gp.store.GetRoomByKey(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			errs = append(errs, gp.forgetRoom(ctx, discordUserID, key))
			continue
		} else if err != nil {
			errs = append(errs, err)
			continue
		}
		if room.GuildID != guildID {
			continue
		}
		if err = gp.forgetRoom(ctx, discordUserID, key); err != nil {
			errs = append(errs, err)
		}
		if room.Bound() {
			if err = gp.matrix.Leave(ctx, id.RoomID(room.RoomID), id.UserID(user.GhostID)); err != nil {
				errs = append(errs, remoteErr(fmt.Sprintf("leave %s", room.RoomID), err))
			}
		}
	}
	return errors.Join(errs...)
}
