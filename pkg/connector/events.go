// Copyright 2024-2026 Aiku AI

package connector

import (
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DiscordEvent is one of the Discord event kinds the bridge understands. The
// adapter converts SDK payloads into these before they reach the router.
type DiscordEvent interface {
	discordEvent()
}

// GuildState is a guild and its text channels.
type GuildState struct {
	Guild    Guild
	Channels []Channel
}

type (
	ReadyEvent struct {
		Guilds []GuildState
	}
	GuildAvailableEvent struct {
		Guild GuildState
	}
	ChannelCreateEvent struct {
		Channel Channel
	}
	ChannelUpdateEvent struct {
		Channel Channel
	}
	ChannelDeleteEvent struct {
		Channel Channel
	}
	MessageCreateEvent struct {
		Message Message
	}
	TypingStartEvent struct {
		GuildID   string
		ChannelID string
		UserID    string
	}
	PresenceUpdateEvent struct {
		GuildID string
		UserID  string
		// Status is one of online, idle, dnd, invisible, offline.
		Status string
		// Activity is a human-readable activity such as "Playing chess".
		Activity string
	}
	MemberAddEvent struct {
		GuildID string
		Member  Member
	}
	MemberUpdateEvent struct {
		GuildID string
		Member  Member
	}
	MemberRemoveEvent struct {
		GuildID string
		UserID  string
	}
)

func (ReadyEvent) discordEvent()          {}
func (GuildAvailableEvent) discordEvent() {}
func (ChannelCreateEvent) discordEvent()  {}
func (ChannelUpdateEvent) discordEvent()  {}
func (ChannelDeleteEvent) discordEvent()  {}
func (MessageCreateEvent) discordEvent()  {}
func (TypingStartEvent) discordEvent()    {}
func (PresenceUpdateEvent) discordEvent() {}
func (MemberAddEvent) discordEvent()      {}
func (MemberUpdateEvent) discordEvent()   {}
func (MemberRemoveEvent) discordEvent()   {}

// MatrixEvent is one of the Matrix event kinds the bridge understands.
type MatrixEvent interface {
	matrixEvent()
}

type (
	MatrixMessageEvent struct {
		RoomID  id.RoomID
		EventID id.EventID
		Sender  id.UserID
		// Age is the time since the homeserver received the event.
		Age     time.Duration
		Content *event.MessageEventContent
	}
	MatrixMembershipEvent struct {
		RoomID      id.RoomID
		Sender      id.UserID
		Target      id.UserID
		Membership  event.Membership
		Displayname string
		Age         time.Duration
	}
	MatrixTypingEvent struct {
		RoomID  id.RoomID
		UserIDs []id.UserID
	}
)

func (MatrixMessageEvent) matrixEvent()    {}
func (MatrixMembershipEvent) matrixEvent() {}
func (MatrixTypingEvent) matrixEvent()     {}
