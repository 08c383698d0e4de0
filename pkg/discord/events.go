// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/matrix-discord-bridge/pkg/connector"
)

// EventHandler receives converted Discord events.
type EventHandler interface {
	HandleDiscordEvent(ctx context.Context, evt connector.DiscordEvent)
}

// AddHandlers routes gateway events to h. discordgo already runs each
// handler in its own goroutine.
func (c *Client) AddHandlers(ctx context.Context, h EventHandler) {
	dispatch := func(evt connector.DiscordEvent) {
		if evt == nil || ctx.Err() != nil {
			return
		}
		h.HandleDiscordEvent(ctx, evt)
	}
	c.Session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		dispatch(convertReady(r))
	})
	c.Session.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		dispatch(convertGuildCreate(g))
	})
	c.Session.AddHandler(func(_ *discordgo.Session, ch *discordgo.ChannelCreate) {
		if isTextChannel(ch.Channel) {
			dispatch(&connector.ChannelCreateEvent{Channel: convertChannel(ch.Channel)})
		}
	})
	c.Session.AddHandler(func(_ *discordgo.Session, ch *discordgo.ChannelUpdate) {
		if isTextChannel(ch.Channel) {
			dispatch(&connector.ChannelUpdateEvent{Channel: convertChannel(ch.Channel)})
		}
	})
	c.Session.AddHandler(func(_ *discordgo.Session, ch *discordgo.ChannelDelete) {
		if isTextChannel(ch.Channel) {
			dispatch(&connector.ChannelDeleteEvent{Channel: convertChannel(ch.Channel)})
		}
	})
	c.Session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		dispatch(convertMessageCreate(m))
	})
	c.Session.AddHandler(func(_ *discordgo.Session, t *discordgo.TypingStart) {
		if t.GuildID == "" {
			return
		}
		dispatch(&connector.TypingStartEvent{GuildID: t.GuildID, ChannelID: t.ChannelID, UserID: t.UserID})
	})
	c.Session.AddHandler(func(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
		dispatch(convertPresence(p))
	})
	c.Session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.Member != nil && m.User != nil {
			dispatch(&connector.MemberAddEvent{GuildID: m.GuildID, Member: convertMember(m.Member)})
		}
	})
	c.Session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if m.Member != nil && m.User != nil {
			dispatch(&connector.MemberUpdateEvent{GuildID: m.GuildID, Member: convertMember(m.Member)})
		}
	})
	c.Session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		if m.Member != nil && m.User != nil {
			dispatch(&connector.MemberRemoveEvent{GuildID: m.GuildID, UserID: m.User.ID})
		}
	})
}

func isTextChannel(ch *discordgo.Channel) bool {
	return ch != nil && ch.GuildID != "" &&
		(ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildNews)
}

func convertGuild(g *discordgo.Guild) connector.Guild {
	return connector.Guild{ID: g.ID, Name: g.Name}
}

func convertChannel(ch *discordgo.Channel) connector.Channel {
	return connector.Channel{
		ID:      ch.ID,
		GuildID: ch.GuildID,
		Name:    ch.Name,
		Topic:   ch.Topic,
	}
}

func convertTextChannels(channels []*discordgo.Channel) []connector.Channel {
	out := make([]connector.Channel, 0, len(channels))
	for _, ch := range channels {
		if isTextChannel(ch) {
			out = append(out, convertChannel(ch))
		}
	}
	return out
}

func convertUser(u *discordgo.User) connector.Member {
	m := connector.Member{
		UserID:     u.ID,
		Username:   u.Username,
		Bot:        u.Bot,
		AvatarHash: u.Avatar,
	}
	if u.Avatar != "" {
		m.AvatarURL = u.AvatarURL("")
	}
	return m
}

func convertMember(m *discordgo.Member) connector.Member {
	member := convertUser(m.User)
	member.Nick = m.Nick
	if member.Nick == "" {
		member.Nick = m.User.GlobalName
	}
	return member
}

func convertGuildState(g *discordgo.Guild) connector.GuildState {
	return connector.GuildState{
		Guild:    convertGuild(g),
		Channels: convertTextChannels(g.Channels),
	}
}

func convertReady(r *discordgo.Ready) connector.DiscordEvent {
	evt := &connector.ReadyEvent{}
	for _, g := range r.Guilds {
		if g.Unavailable {
			// Full guild data follows in GUILD_CREATE.
			continue
		}
		evt.Guilds = append(evt.Guilds, convertGuildState(g))
	}
	return evt
}

func convertGuildCreate(g *discordgo.GuildCreate) connector.DiscordEvent {
	if g.Guild == nil || g.Unavailable {
		return nil
	}
	return &connector.GuildAvailableEvent{Guild: convertGuildState(g.Guild)}
}

func convertAttachments(attachments []*discordgo.MessageAttachment) []connector.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]connector.Attachment, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, connector.Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
			Width:       a.Width,
			Height:      a.Height,
		})
	}
	return out
}

func convertMessageCreate(m *discordgo.MessageCreate) connector.DiscordEvent {
	if m.Message == nil || m.Author == nil || m.GuildID == "" {
		return nil
	}
	// Joins, pins and other system messages have no user content.
	if m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply {
		return nil
	}
	author := convertUser(m.Author)
	if m.Member != nil {
		author.Nick = m.Member.Nick
	}
	if author.Nick == "" {
		author.Nick = m.Author.GlobalName
	}
	return &connector.MessageCreateEvent{Message: connector.Message{
		ID:          m.ID,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		WebhookID:   m.WebhookID,
		Author:      author,
		Content:     m.Content,
		Attachments: convertAttachments(m.Attachments),
	}}
}

// activityVerbs prefixes activity names the way the Discord client does.
var activityVerbs = map[discordgo.ActivityType]string{
	discordgo.ActivityTypeGame:      "Playing",
	discordgo.ActivityTypeStreaming: "Streaming",
	discordgo.ActivityTypeListening: "Listening to",
	discordgo.ActivityTypeWatching:  "Watching",
	discordgo.ActivityTypeCompeting: "Competing in",
}

func activityText(activities []*discordgo.Activity) string {
	for _, a := range activities {
		if a == nil {
			continue
		}
		if a.Type == discordgo.ActivityTypeCustom {
			if a.State != "" {
				return a.State
			}
			continue
		}
		if verb, ok := activityVerbs[a.Type]; ok && a.Name != "" {
			return strings.TrimSpace(verb + " " + a.Name)
		}
	}
	return ""
}

func convertPresence(p *discordgo.PresenceUpdate) connector.DiscordEvent {
	if p.User == nil || p.GuildID == "" {
		return nil
	}
	return &connector.PresenceUpdateEvent{
		GuildID:  p.GuildID,
		UserID:   p.User.ID,
		Status:   string(p.Status),
		Activity: activityText(p.Activities),
	}
}
