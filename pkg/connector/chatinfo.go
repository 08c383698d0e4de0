// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

const (
	presetPublic  = "public_chat"
	presetPrivate = "private_chat"
)

// roomName is the Matrix room name of a bridged channel.
func roomName(guild Guild, channel Channel) string {
	if guild.Name == "" {
		return fmt.Sprintf("#%s [Discord]", channel.Name)
	}
	return fmt.Sprintf("#%s (%s) [Discord]", channel.Name, guild.Name)
}

// channelToRoomMapping derives a pending mapping (without key) from a channel.
// Channels the bot can create invites for are public on Matrix too.
func channelToRoomMapping(guild Guild, channel Channel, canInvite bool) store.RoomMapping {
	m := store.RoomMapping{
		GuildID:    guild.ID,
		ChannelID:  channel.ID,
		Name:       roomName(guild, channel),
		Topic:      channel.Topic,
		Visibility: store.VisibilityPrivate,
		Preset:     presetPrivate,
	}
	if canInvite {
		m.Visibility = store.VisibilityPublic
		m.Preset = presetPublic
	}
	return m
}

// roomPowerLevels gives the bridge bot full control. Ordinary members may
// invite and talk, while room metadata is reserved for the bot.
func roomPowerLevels(bot id.UserID) *event.PowerLevelsEventContent {
	return &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{
			bot: 100,
		},
		UsersDefault:  0,
		EventsDefault: 0,
		Events: map[string]int{
			event.StateRoomName.Type:          100,
			event.StateTopic.Type:             100,
			event.StateCanonicalAlias.Type:    100,
			event.StateHistoryVisibility.Type: 100,
			event.StatePowerLevels.Type:       75,
			event.StateJoinRules.Type:         75,
		},
		StateDefaultPtr: ptr.Ptr(50),
		InvitePtr:       ptr.Ptr(0),
		KickPtr:         ptr.Ptr(50),
		BanPtr:          ptr.Ptr(50),
		RedactPtr:       ptr.Ptr(50),
	}
}

// createRoomRequest builds the request that realizes a pending mapping on
// Matrix under the bridge alias for its key.
func createRoomRequest(m store.RoomMapping, bot id.UserID) *mautrix.ReqCreateRoom {
	return &mautrix.ReqCreateRoom{
		Visibility:         string(m.Visibility),
		RoomAliasName:      RoomAliasLocalpart(m.Key),
		Name:               m.Name,
		Topic:              m.Topic,
		Preset:             m.Preset,
		PowerLevelOverride: roomPowerLevels(bot),
	}
}

// memberDisplaynameParams converts a Discord member into template parameters.
func memberDisplaynameParams(member Member) DisplaynameParams {
	return DisplaynameParams{
		Name:     member.Name(),
		Username: member.Username,
		Nick:     member.Nick,
		Bot:      member.Bot,
	}
}

// relayName is the Discord webhook name of a Matrix sender. Discord limits
// webhook names to 80 characters.
func relayName(profile Profile, sender id.UserID) string {
	name := profile.DisplayName
	if name == "" {
		name = sender.Localpart()
	}
	full := fmt.Sprintf("%s (%s)", name, sender.Homeserver())
	if runes := []rune(full); len(runes) > 80 {
		full = string(runes[:80])
	}
	return full
}
