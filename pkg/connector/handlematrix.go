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
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// HandleMatrixEvent routes a Matrix event. Adapters pass pointers to the
// event types in events.go; anything else is logged and dropped.
func (c *DiscordConnector) HandleMatrixEvent(ctx context.Context, evt MatrixEvent) {
	log := c.Log.With().Str("event_type", fmt.Sprintf("%T", evt)).Logger()
	ctx = log.WithContext(ctx)

	var err error
	switch e := evt.(type) {
	case *MatrixMessageEvent:
		if c.isStale(e.Age) || c.isBridgeUser(e.Sender) {
			log.Trace().Str("event_id", e.EventID.String()).Dur("age", e.Age).Msg("Dropping Matrix message")
			return
		}
		err = c.handleMatrixMessage(ctx, e)
	case *MatrixMembershipEvent:
		if c.isStale(e.Age) || c.isBridgeUser(e.Target) {
			return
		}
		err = c.handleMatrixMembership(ctx, e)
	case *MatrixTypingEvent:
		err = c.Typing.MatrixTyping(ctx, e)
	default:
		log.Trace().Msg("Ignoring unknown Matrix event")
	}
	if err != nil {
		log.Err(err).Msg("Failed to handle Matrix event")
	}
}

// isStale reports whether an event is old enough to be backlog replayed
// after a reconnect.
func (c *DiscordConnector) isStale(age time.Duration) bool {
	return age >= c.Config.StalenessThreshold
}

// isBridgeUser reports whether a Matrix user is the bot or one of its ghosts.
func (c *DiscordConnector) isBridgeUser(userID id.UserID) bool {
	if userID == c.Matrix.BotUserID() {
		return true
	}
	_, ok := ParseGhostUserID(userID, c.Matrix.ServerName())
	return ok
}

// resolveChannel finds the channel bridged to a room. When the channel no
// longer exists on Discord the mapping is torn down instead. Custom rooms
// survive the teardown, so their vanished channel is remembered and not
// looked up again.
func (c *DiscordConnector) resolveChannel(ctx context.Context, roomID id.RoomID) (store.RoomMapping, bool, error) {
	room, err := c.Store.GetRoomByRoomID(ctx, roomID.String())
	if errors.Is(err, store.ErrNotFound) {
		return store.RoomMapping{}, false, nil
	} else if err != nil {
		return store.RoomMapping{}, false, err
	}
	if c.goneChannels.Contains(room.ChannelID) {
		return store.RoomMapping{}, false, nil
	}
	_, err = c.Discord.Channel(ctx, room.ChannelID)
	if errors.Is(err, ErrChannelNotFound) {
		zerolog.Ctx(ctx).Info().Str("channel_id", room.ChannelID).Bool("custom", room.CustomBridge).
			Msg("Bridged channel is gone, tearing down")
		if room.CustomBridge {
			c.goneChannels.Add(room.ChannelID, struct{}{})
		}
		c.spawn("teardown", func(ctx context.Context) error {
			return c.Rooms.HandleChannelDelete(ctx, room.GuildID, room.ChannelID)
		})
		return store.RoomMapping{}, false, nil
	} else if err != nil {
		return store.RoomMapping{}, false, remoteErr("get channel", err)
	}
	return room, true, nil
}

func (c *DiscordConnector) handleMatrixMessage(ctx context.Context, evt *MatrixMessageEvent) error {
	if evt.Content == nil {
		return nil
	}
	room, ok, err := c.resolveChannel(ctx, evt.RoomID)
	if err != nil || !ok {
		return err
	}
	hook, err := c.Relays.RelayHandle(ctx, room.ChannelID, evt.Sender)
	if err != nil {
		return err
	}
	msg, cleanup, err := c.Translator.MatrixToDiscord(ctx, evt.Content)
	defer cleanup()
	if err != nil {
		return err
	}
	err = c.Discord.ExecuteWebhook(ctx, Webhook{ID: hook.ID, Token: hook.Token}, msg)
	if errors.Is(err, ErrWebhookNotFound) {
		// Deleted on Discord; the next message creates a new one.
		return errors.Join(remoteErr("execute webhook", err),
			c.Relays.DropRelayHandle(ctx, room.ChannelID, evt.Sender, false))
	}
	return remoteErr("execute webhook", err)
}

// membershipNotice describes a membership change for the Discord channel.
// Changes that are not announced yield an empty string.
func membershipNotice(evt *MatrixMembershipEvent) string {
	name := evt.Displayname
	if name == "" {
		name = evt.Target.Localpart()
	}
	switch evt.Membership {
	case event.MembershipJoin:
		return fmt.Sprintf("**Matrix:** %s has joined the room.", name)
	case event.MembershipLeave:
		if evt.Sender == evt.Target {
			return fmt.Sprintf("**Matrix:** %s has left the room.", name)
		}
		return fmt.Sprintf("**Matrix:** %s has been removed from the room.", name)
	case event.MembershipBan:
		return fmt.Sprintf("**Matrix:** %s has been banned from the room.", name)
	case event.MembershipInvite:
		return fmt.Sprintf("**Matrix:** %s has been invited to the room.", name)
	default:
		return ""
	}
}

func (c *DiscordConnector) handleMatrixMembership(ctx context.Context, evt *MatrixMembershipEvent) error {
	notice := membershipNotice(evt)
	if notice == "" {
		return nil
	}
	room, ok, err := c.resolveChannel(ctx, evt.RoomID)
	if err != nil || !ok {
		return err
	}
	var errs []error
	if evt.Membership == event.MembershipLeave || evt.Membership == event.MembershipBan {
		errs = append(errs, c.Relays.DropRelayHandle(ctx, room.ChannelID, evt.Target, true))
	}
	errs = append(errs, remoteErr("send membership notice", c.Discord.SendMessage(ctx, room.ChannelID, notice)))
	return errors.Join(errs...)
}
