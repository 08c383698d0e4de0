// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// RoomProvisioner maps Discord channels to Matrix rooms.
//
// A channel moves through these states:
//
//	unmapped -> pending (row stored, no room) -> bound (room created via alias query)
//	bound -> torn down (row deleted) when the channel is deleted
//	custom (linked to an existing room with $bridge) survives channel deletion
type RoomProvisioner struct {
	store   store.Store
	matrix  MatrixAPI
	discord DiscordAPI
	ghosts  *GhostProvisioner
	relays  *RelayManager
	config  *Config
	log     zerolog.Logger

	ensureGroup singleflight.Group
	aliasGroup  singleflight.Group
}

// NewRoomProvisioner creates a room provisioner.
func NewRoomProvisioner(st store.Store, mx MatrixAPI, dc DiscordAPI, ghosts *GhostProvisioner, relays *RelayManager, cfg *Config, log zerolog.Logger) *RoomProvisioner {
	return &RoomProvisioner{
		store:   st,
		matrix:  mx,
		discord: dc,
		ghosts:  ghosts,
		relays:  relays,
		config:  cfg,
		log:     log.With().Str("component", "rooms").Logger(),
	}
}

// EnsureRoomMapping makes sure an accessible channel has a room mapping and
// returns it. Inaccessible channels are skipped and yield nil. Calling it
// again for the same channel returns the existing mapping unchanged.
func (rp *RoomProvisioner) EnsureRoomMapping(ctx context.Context, guild Guild, channel Channel, canAccess, canInvite bool) (*store.RoomMapping, error) {
	if !canAccess {
		return nil, nil
	}
	v, err, _ := rp.ensureGroup.Do(guild.ID+"/"+channel.ID, func() (any, error) {
		return rp.ensureRoomMapping(ctx, guild, channel, canInvite)
	})
	if err != nil {
		return nil, err
	}
	m := v.(store.RoomMapping)
	return &m, nil
}

func (rp *RoomProvisioner) ensureRoomMapping(ctx context.Context, guild Guild, channel Channel, canInvite bool) (store.RoomMapping, error) {
	log := rp.log.With().Str("guild_id", guild.ID).Str("channel_id", channel.ID).Logger()

	existing, err := rp.store.GetRoomByGuildChannel(ctx, guild.ID, channel.ID)
	if err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.RoomMapping{}, err
	}

	pending := channelToRoomMapping(guild, channel, canInvite)
	name := sanitizeChannelName(channel.Name)
	for attempt := range rp.config.RoomKeyAttempts {
		pending.Key = RoomKeyCandidate(name, channel.ID, attempt)
		err = rp.store.InsertRoom(ctx, pending)
		if err == nil {
			log.Info().Str("room_key", pending.Key).Msg("Provisioned pending room mapping")
			return pending, nil
		} else if !errors.Is(err, store.ErrExists) {
			return store.RoomMapping{}, err
		}
		taken, err := rp.store.GetRoomByKey(ctx, pending.Key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return store.RoomMapping{}, err
		}
		if err == nil && taken.Matches(guild.ID, channel.ID) {
			return taken, nil
		}
		log.Debug().
			Str("room_key", pending.Key).
			Str("taken_by", taken.ChannelID).
			Int("attempt", attempt).
			Msg("Room key collision, trying next candidate")
	}
	return store.RoomMapping{}, fmt.Errorf("%w: channel %s after %d attempts", ErrRoomKeyExhausted, channel.ID, rp.config.RoomKeyAttempts)
}

type aliasResult struct {
	mapping store.RoomMapping
	created bool
}

// CreateRoomForAlias answers a homeserver alias query: the pending mapping
// for the alias is realized as a new Matrix room and bound to it. The
// returned flag reports whether a room was created by this call. Aliases
// that do not name a mapping yield store.ErrNotFound.
func (rp *RoomProvisioner) CreateRoomForAlias(ctx context.Context, alias string) (store.RoomMapping, bool, error) {
	key, ok := ParseRoomAlias(alias)
	if !ok {
		return store.RoomMapping{}, false, store.ErrNotFound
	}
	v, err, _ := rp.aliasGroup.Do(key, func() (any, error) {
		m, err := rp.store.GetRoomByKey(ctx, key)
		if err != nil {
			return aliasResult{}, err
		}
		if m.Bound() {
			return aliasResult{mapping: m}, nil
		}
		roomID, err := rp.matrix.CreateRoom(ctx, createRoomRequest(m, rp.matrix.BotUserID()))
		if err != nil {
			return aliasResult{}, remoteErr("create room", err)
		}
		m, err = rp.BindRoom(ctx, key, roomID)
		return aliasResult{mapping: m, created: err == nil}, err
	})
	if err != nil {
		return store.RoomMapping{}, false, err
	}
	res := v.(aliasResult)
	return res.mapping, res.created, nil
}

// BindRoom records the Matrix room of a pending mapping.
func (rp *RoomProvisioner) BindRoom(ctx context.Context, key string, roomID id.RoomID) (store.RoomMapping, error) {
	m, err := store.UpdateRoom(ctx, rp.store, key, func(cur store.RoomMapping) (store.RoomMapping, bool) {
		if cur.RoomID == roomID.String() {
			return cur, false
		}
		cur.RoomID = roomID.String()
		return cur, true
	})
	if err != nil {
		return store.RoomMapping{}, err
	}
	rp.log.Info().Str("room_key", key).Str("room_id", roomID.String()).Msg("Bound room mapping")
	return m, nil
}

// MarkCustom links a mapping to an existing Matrix room chosen by a guild
// admin.
func (rp *RoomProvisioner) MarkCustom(ctx context.Context, key string, roomID id.RoomID) (store.RoomMapping, error) {
	return store.UpdateRoom(ctx, rp.store, key, func(cur store.RoomMapping) (store.RoomMapping, bool) {
		cur.RoomID = roomID.String()
		cur.CustomBridge = true
		return cur, true
	})
}

// SyncRoom provisions a ghost for every current member of the channel.
// Individual failures are logged.
func (rp *RoomProvisioner) SyncRoom(ctx context.Context, room store.RoomMapping) error {
	log := rp.log.With().Str("room_key", room.Key).Logger()
	members, err := rp.discord.ChannelMembers(ctx, room.GuildID, room.ChannelID)
	if err != nil {
		return remoteErr("list channel members", err)
	}
	self := rp.discord.SelfUserID()

	var g errgroup.Group
	g.SetLimit(rp.config.SyncConcurrency)
	for _, member := range members {
		if member.UserID == self {
			continue
		}
		g.Go(func() error {
			if err := rp.ghosts.SetupNewUser(ctx, member, room); err != nil {
				log.Warn().Err(err).Str("discord_user_id", member.UserID).Msg("Failed to sync member")
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Debug().Int("members", len(members)).Msg("Synced room members")
	return nil
}

// AnnounceBridged tells the channel which Matrix room it is now bridged to.
func (rp *RoomProvisioner) AnnounceBridged(ctx context.Context, room store.RoomMapping) error {
	alias := RoomAlias(room.Key, rp.matrix.ServerName())
	return remoteErr("send bridged notice", rp.discord.SendMessage(ctx, room.ChannelID,
		fmt.Sprintf("**This room is now bridged to** ***%s***", alias)))
}

// HandleChannelDelete tears down the mapping of a deleted channel. Custom
// bridges keep their mapping and room; only ghost bookkeeping is pruned.
func (rp *RoomProvisioner) HandleChannelDelete(ctx context.Context, guildID, channelID string) error {
	m, err := rp.store.GetRoomByGuildChannel(ctx, guildID, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	log := rp.log.With().Str("room_key", m.Key).Str("room_id", m.RoomID).Logger()

	if m.CustomBridge {
		log.Info().Msg("Channel of custom bridge deleted, keeping room")
		return rp.pruneBookkeeping(ctx, m, false)
	}

	if m.Bound() {
		rp.evacuate(ctx, m, "Discord channel deleted", false)
		if rp.config.TeardownGrace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rp.config.TeardownGrace):
			}
		}
		rp.abandonRoom(ctx, m)
	}
	if err = rp.pruneBookkeeping(ctx, m, false); err != nil {
		log.Warn().Err(err).Msg("Failed to prune bookkeeping of deleted channel")
	}
	if err = rp.store.DeleteRoomByKey(ctx, m.Key); err != nil {
		return err
	}
	log.Info().Msg("Tore down room mapping")
	return nil
}

// HandleChannelUpdate refreshes the name and topic of a mapping after the
// channel was renamed or its topic changed.
func (rp *RoomProvisioner) HandleChannelUpdate(ctx context.Context, guild Guild, channel Channel) error {
	m, err := rp.store.GetRoomByGuildChannel(ctx, guild.ID, channel.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	name := roomName(guild, channel)
	if m.Name == name && m.Topic == channel.Topic {
		return nil
	}
	updated, err := store.UpdateRoom(ctx, rp.store, m.Key, func(cur store.RoomMapping) (store.RoomMapping, bool) {
		cur.Name, cur.Topic = name, channel.Topic
		return cur, true
	})
	if err != nil {
		return err
	}
	if !updated.Bound() || updated.CustomBridge {
		return nil
	}
	roomID := id.RoomID(updated.RoomID)
	var errs []error
	if m.Name != name {
		errs = append(errs, remoteErr("set room name", rp.matrix.SetRoomName(ctx, roomID, name)))
	}
	if m.Topic != channel.Topic {
		errs = append(errs, remoteErr("set room topic", rp.matrix.SetRoomTopic(ctx, roomID, channel.Topic)))
	}
	return errors.Join(errs...)
}

// Unbridge detaches a bound mapping from its room and returns it to the
// pending state. Ghosts and the bot leave; Matrix users are only kicked
// from rooms the bridge created.
func (rp *RoomProvisioner) Unbridge(ctx context.Context, m store.RoomMapping) (store.RoomMapping, error) {
	if !m.Bound() {
		return m, nil
	}
	if m.CustomBridge {
		roomID := id.RoomID(m.RoomID)
		users, err := rp.store.UsersInRoom(ctx, m.Key)
		if err != nil {
			return m, err
		}
		for _, user := range users {
			if err = rp.ghosts.forgetRoom(ctx, user.ID, m.Key); err != nil {
				rp.log.Warn().Err(err).Str("discord_user_id", user.ID).Msg("Failed to update ghost rooms")
			}
			if err = rp.matrix.Leave(ctx, roomID, id.UserID(user.GhostID)); err != nil {
				rp.log.Warn().Err(err).Str("ghost_id", user.GhostID).Msg("Failed to remove ghost from room")
			}
		}
		if err = rp.relays.DropChannel(ctx, m.ChannelID, true); err != nil {
			rp.log.Warn().Err(err).Msg("Failed to drop relay webhooks")
		}
		if err = rp.matrix.Leave(ctx, roomID, rp.matrix.BotUserID()); err != nil {
			rp.log.Warn().Err(err).Msg("Failed to leave custom bridged room")
		}
	} else {
		rp.evacuate(ctx, m, "Room unbridged", true)
		rp.abandonRoom(ctx, m)
		if err := rp.pruneBookkeeping(ctx, m, true); err != nil {
			rp.log.Warn().Err(err).Msg("Failed to prune bookkeeping of unbridged room")
		}
	}
	return store.UpdateRoom(ctx, rp.store, m.Key, func(cur store.RoomMapping) (store.RoomMapping, bool) {
		cur.RoomID = ""
		cur.CustomBridge = false
		return cur, true
	})
}

// evacuate removes everyone but the bot from a bound room. Ghosts leave on
// their own; Matrix users are kicked. Bookkeeping for each user is updated
// before they are removed, and a failed update does not stop the removal.
func (rp *RoomProvisioner) evacuate(ctx context.Context, m store.RoomMapping, reason string, deleteWebhooks bool) {
	roomID := id.RoomID(m.RoomID)
	log := rp.log.With().Str("room_id", m.RoomID).Logger()
	members, err := rp.matrix.JoinedMembers(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list room members")
		return
	}
	bot, domain := rp.matrix.BotUserID(), rp.matrix.ServerName()
	for _, userID := range members {
		if userID == bot {
			continue
		}
		if discordID, ok := ParseGhostUserID(userID, domain); ok {
			if err = rp.ghosts.forgetRoom(ctx, discordID, m.Key); err != nil {
				log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to update ghost rooms before removal")
			}
			if err = rp.matrix.Leave(ctx, roomID, userID); err != nil {
				log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to remove ghost from room")
			}
			continue
		}
		if err = rp.relays.DropRelayHandle(ctx, m.ChannelID, userID, deleteWebhooks); err != nil {
			log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to drop relay webhook before kick")
		}
		if err = rp.matrix.Kick(ctx, roomID, userID, reason); err != nil {
			log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to kick user")
		}
	}
}

// abandonRoom makes the bot leave a room it created and frees the alias.
func (rp *RoomProvisioner) abandonRoom(ctx context.Context, m store.RoomMapping) {
	alias := RoomAlias(m.Key, rp.matrix.ServerName())
	if err := rp.matrix.DeleteAlias(ctx, alias); err != nil {
		rp.log.Warn().Err(err).Str("alias", alias.String()).Msg("Failed to delete room alias")
	}
	if err := rp.matrix.Leave(ctx, id.RoomID(m.RoomID), rp.matrix.BotUserID()); err != nil {
		rp.log.Warn().Err(err).Str("room_id", m.RoomID).Msg("Failed to leave room")
	}
}

// pruneBookkeeping removes the mapping from every ghost's rooms and drops the
// relay webhooks of its channel.
func (rp *RoomProvisioner) pruneBookkeeping(ctx context.Context, m store.RoomMapping, deleteWebhooks bool) error {
	users, err := rp.store.UsersInRoom(ctx, m.Key)
	if err != nil {
		return err
	}
	var errs []error
	for _, user := range users {
		errs = append(errs, rp.ghosts.forgetRoom(ctx, user.ID, m.Key))
	}
	errs = append(errs, rp.relays.DropChannel(ctx, m.ChannelID, deleteWebhooks))
	return errors.Join(errs...)
}
