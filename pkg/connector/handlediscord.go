// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// HandleDiscordEvent routes a Discord event. Adapters pass pointers to the
// event types in events.go; anything else is logged and dropped.
func (c *DiscordConnector) HandleDiscordEvent(ctx context.Context, evt DiscordEvent) {
	log := c.Log.With().Str("event_type", fmt.Sprintf("%T", evt)).Logger()
	ctx = log.WithContext(ctx)

	var err error
	switch e := evt.(type) {
	case *ReadyEvent:
		log.Info().Int("guilds", len(e.Guilds)).Msg("Discord session ready")
		for _, gs := range e.Guilds {
			c.spawn("sync-guild", func(ctx context.Context) error {
				return c.syncGuild(ctx, gs)
			})
		}
	case *GuildAvailableEvent:
		c.spawn("sync-guild", func(ctx context.Context) error {
			return c.syncGuild(ctx, e.Guild)
		})
	case *ChannelCreateEvent:
		err = c.handleChannelCreate(ctx, e.Channel)
	case *ChannelUpdateEvent:
		err = c.handleChannelUpdate(ctx, e.Channel)
	case *ChannelDeleteEvent:
		c.spawn("teardown", func(ctx context.Context) error {
			return c.Rooms.HandleChannelDelete(ctx, e.Channel.GuildID, e.Channel.ID)
		})
	case *MessageCreateEvent:
		err = c.handleDiscordMessage(ctx, e.Message)
	case *TypingStartEvent:
		if e.UserID != c.Discord.SelfUserID() {
			err = c.Typing.DiscordTyping(ctx, e)
		}
	case *PresenceUpdateEvent:
		err = c.Typing.DiscordPresence(ctx, e)
	case *MemberAddEvent:
		err = c.handleMemberAdd(ctx, e.GuildID, e.Member)
	case *MemberUpdateEvent:
		err = c.Ghosts.SyncProfile(ctx, e.Member)
	case *MemberRemoveEvent:
		err = c.Ghosts.LeaveGuildRooms(ctx, e.GuildID, e.UserID)
	default:
		log.Trace().Msg("Ignoring unknown Discord event")
	}
	if err != nil {
		log.Err(err).Msg("Failed to handle Discord event")
	}
}

// channelAccess reports whether the bot can see a channel and create
// invites in it.
func (c *DiscordConnector) channelAccess(ctx context.Context, guildID, channelID string) (canAccess, canInvite bool, err error) {
	perms, err := c.Discord.Permissions(ctx, guildID, channelID, c.Discord.SelfUserID())
	if err != nil {
		return false, false, remoteErr("get permissions", err)
	}
	return perms.Has(PermViewChannel), perms.Has(PermCreateInvite), nil
}

func (c *DiscordConnector) ensureChannel(ctx context.Context, guild Guild, channel Channel) (*store.RoomMapping, error) {
	canAccess, canInvite, err := c.channelAccess(ctx, guild.ID, channel.ID)
	if err != nil {
		return nil, err
	}
	return c.Rooms.EnsureRoomMapping(ctx, guild, channel, canAccess, canInvite)
}

// syncGuild provisions a mapping for every accessible channel of a guild
// and syncs the members of channels that are already bridged.
func (c *DiscordConnector) syncGuild(ctx context.Context, gs GuildState) error {
	log := zerolog.Ctx(ctx).With().Str("guild_id", gs.Guild.ID).Logger()
	var errs []error
	for _, channel := range gs.Channels {
		m, err := c.ensureChannel(ctx, gs.Guild, channel)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel.ID, err))
			continue
		}
		if m == nil || !m.Bound() {
			continue
		}
		if err = c.Rooms.SyncRoom(ctx, *m); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", m.Key, err))
		}
	}
	log.Info().Int("channels", len(gs.Channels)).Int("errors", len(errs)).Msg("Synced guild")
	return errors.Join(errs...)
}

func (c *DiscordConnector) handleChannelCreate(ctx context.Context, channel Channel) error {
	guild, err := c.Discord.Guild(ctx, channel.GuildID)
	if err != nil {
		return remoteErr("get guild", err)
	}
	m, err := c.ensureChannel(ctx, guild, channel)
	if err != nil || m == nil {
		return err
	}
	alias := RoomAlias(m.Key, c.Matrix.ServerName())
	return remoteErr("send channel notice", c.Discord.SendMessage(ctx, channel.ID,
		fmt.Sprintf("You can join this room on Matrix at %s", alias)))
}

func (c *DiscordConnector) handleChannelUpdate(ctx context.Context, channel Channel) error {
	guild, err := c.Discord.Guild(ctx, channel.GuildID)
	if err != nil {
		return remoteErr("get guild", err)
	}
	return c.Rooms.HandleChannelUpdate(ctx, guild, channel)
}

// handleMemberAdd gives a new guild member a ghost in every bridged room of
// the guild they can see.
func (c *DiscordConnector) handleMemberAdd(ctx context.Context, guildID string, member Member) error {
	rooms, err := c.Store.ListRooms(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, room := range rooms {
		if room.GuildID != guildID || !room.Bound() {
			continue
		}
		perms, err := c.Discord.Permissions(ctx, guildID, room.ChannelID, member.UserID)
		if err != nil {
			errs = append(errs, remoteErr("get member permissions", err))
			continue
		}
		if perms.Has(PermViewChannel) {
			errs = append(errs, c.Ghosts.SetupNewUser(ctx, member, room))
		}
	}
	return errors.Join(errs...)
}

// handleDiscordMessage relays a Discord message into the bridged room as the
// author's ghost. Messages from the bridge itself are dropped.
func (c *DiscordConnector) handleDiscordMessage(ctx context.Context, msg Message) error {
	log := zerolog.Ctx(ctx).With().
		Str("message_id", msg.ID).
		Str("channel_id", msg.ChannelID).
		Str("author_id", msg.Author.UserID).
		Logger()

	if msg.Author.UserID == c.Discord.SelfUserID() {
		return nil
	}
	if msg.WebhookID != "" && c.isRelayWebhook(ctx, msg.WebhookID) {
		log.Trace().Msg("Dropping relay webhook echo")
		return nil
	}
	if c.handleCommand(ctx, msg) {
		return nil
	}

	room, err := c.Store.GetRoomByGuildChannel(ctx, msg.GuildID, msg.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if !room.Bound() {
		return nil
	}

	if err = c.Ghosts.SetupNewUser(ctx, msg.Author, room); err != nil {
		log.Warn().Err(err).Msg("Failed to sync ghost before relaying message")
	}
	ghost := c.Ghosts.GhostID(msg.Author.UserID)
	var errs []error
	for _, content := range c.Translator.DiscordToMatrix(ctx, msg, ghost) {
		if _, err = c.Matrix.SendMessage(ctx, id.RoomID(room.RoomID), ghost, content); err != nil {
			errs = append(errs, remoteErr("send message", err))
		}
	}
	return errors.Join(errs...)
}
