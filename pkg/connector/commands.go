// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

type commandFunc func(ctx context.Context, msg Message, args []string) (string, error)

type command struct {
	perm Permission
	run  commandFunc
}

func (c *DiscordConnector) commands() map[string]command {
	return map[string]command{
		"$ping":     {run: c.cmdPing},
		"$invite":   {perm: PermCreateInvite, run: c.cmdInvite},
		"$bridge":   {perm: PermManageGuild, run: c.cmdBridge},
		"$unbridge": {perm: PermManageGuild, run: c.cmdUnbridge},
	}
}

// handleCommand runs a bridge command and replies in the channel. It returns
// false when the message is not a command. Commands also work in channels
// that are not bridged.
func (c *DiscordConnector) handleCommand(ctx context.Context, msg Message) bool {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 {
		return false
	}
	cmd, ok := c.commands()[strings.ToLower(fields[0])]
	if !ok {
		return false
	}
	log := zerolog.Ctx(ctx).With().Str("command", fields[0]).Logger()

	var reply string
	if cmd.perm != 0 {
		perms, err := c.Discord.Permissions(ctx, msg.GuildID, msg.ChannelID, msg.Author.UserID)
		if err != nil {
			log.Err(err).Msg("Failed to check command permissions")
			reply = "**Error:** could not check your permissions."
		} else if !perms.Has(cmd.perm) {
			reply = "You do not have permission to use this command."
		}
	}
	if reply == "" {
		var err error
		reply, err = cmd.run(ctx, msg, fields[1:])
		if err != nil {
			log.Err(err).Msg("Command failed")
			reply = "**Error:** " + err.Error()
		}
	}
	if err := c.Discord.SendMessage(ctx, msg.ChannelID, fmt.Sprintf("<@%s> %s", msg.Author.UserID, reply)); err != nil {
		log.Err(err).Msg("Failed to send command reply")
	}
	return true
}

func (c *DiscordConnector) cmdPing(_ context.Context, _ Message, _ []string) (string, error) {
	return "Pong!", nil
}

// cmdInvite invites a Matrix user into the room bridged to this channel.
func (c *DiscordConnector) cmdInvite(ctx context.Context, msg Message, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: `$invite @user:server`", nil
	}
	userID := id.UserID(args[0])
	if _, _, err := userID.Parse(); err != nil {
		return fmt.Sprintf("%q is not a valid Matrix user ID.", args[0]), nil
	}
	room, err := c.Store.GetRoomByGuildChannel(ctx, msg.GuildID, msg.ChannelID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !room.Bound()) {
		return "This channel is not bridged to a Matrix room yet.", nil
	} else if err != nil {
		return "", err
	}
	if err = c.Matrix.Invite(ctx, id.RoomID(room.RoomID), userID); err != nil {
		return "", remoteErr("invite", err)
	}
	return fmt.Sprintf("Invited %s to the Matrix room.", userID), nil
}

// cmdBridge links this channel to an existing Matrix room given by alias or
// room ID.
func (c *DiscordConnector) cmdBridge(ctx context.Context, msg Message, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: `$bridge #alias:server` or `$bridge !roomid:server`", nil
	}
	target := args[0]
	var roomID id.RoomID
	switch {
	case strings.HasPrefix(target, "#"):
		resolved, err := c.Matrix.ResolveAlias(ctx, id.RoomAlias(target))
		if err != nil {
			return "", remoteErr("resolve alias", err)
		}
		roomID = resolved
	case strings.HasPrefix(target, "!"):
		roomID = id.RoomID(target)
	default:
		return fmt.Sprintf("%q is not a Matrix room alias or ID.", target), nil
	}

	channel, err := c.Discord.Channel(ctx, msg.ChannelID)
	if err != nil {
		return "", remoteErr("get channel", err)
	}
	guild, err := c.Discord.Guild(ctx, msg.GuildID)
	if err != nil {
		return "", remoteErr("get guild", err)
	}
	_, canInvite, err := c.channelAccess(ctx, guild.ID, channel.ID)
	if err != nil {
		return "", err
	}
	m, err := c.Rooms.EnsureRoomMapping(ctx, guild, channel, true, canInvite)
	if err != nil {
		return "", err
	}
	if m.Bound() {
		return "**This channel is already bridged.** Use `$unbridge` first.", nil
	}
	if err = c.Matrix.Join(ctx, roomID, c.Matrix.BotUserID()); err != nil {
		return "", remoteErr("join room", err)
	}
	bound, err := c.Rooms.MarkCustom(ctx, m.Key, roomID)
	if err != nil {
		return "", err
	}
	c.spawn("sync-room", func(ctx context.Context) error {
		return c.Rooms.SyncRoom(ctx, bound)
	})
	return fmt.Sprintf("**This channel is now** ***custom*** **bridged to:** *%s*", target), nil
}

// cmdUnbridge detaches this channel from its Matrix room.
func (c *DiscordConnector) cmdUnbridge(ctx context.Context, msg Message, _ []string) (string, error) {
	room, err := c.Store.GetRoomByGuildChannel(ctx, msg.GuildID, msg.ChannelID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !room.Bound()) {
		return "This channel is not bridged.", nil
	} else if err != nil {
		return "", err
	}
	if _, err = c.Rooms.Unbridge(ctx, room); err != nil {
		return "", err
	}
	return "**Room unbridged.**", nil
}
