// Copyright 2024-2026 Aiku AI

// Package discord implements the Discord side of the bridge on top of a
// discordgo gateway session.
package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-discord-bridge/pkg/connector"
)

// Intents the bridge needs. Presence and member intents are privileged and
// must be enabled for the bot in the developer portal.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildPresences |
	discordgo.IntentsGuildMessageTyping |
	discordgo.IntentMessageContent

// memberPageSize is the largest page Discord returns for member listings.
const memberPageSize = 1000

// Client is a connector.DiscordAPI backed by a bot session.
type Client struct {
	Session *discordgo.Session
	log     zerolog.Logger
}

var _ connector.DiscordAPI = (*Client)(nil)

// New creates a bot session. The gateway is not opened until Open.
func New(token string, log zerolog.Logger) (*Client, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	s.StateEnabled = true
	s.State.TrackPresences = false
	return &Client{
		Session: s,
		log:     log.With().Str("component", "discord").Logger(),
	}, nil
}

// Open connects to the gateway.
func (c *Client) Open() error {
	if err := c.Session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	c.log.Info().Str("user_id", c.SelfUserID()).Msg("Connected to Discord")
	return nil
}

// Close disconnects from the gateway.
func (c *Client) Close() error {
	return c.Session.Close()
}

// mapErr turns Discord "unknown resource" errors into the connector's
// sentinels so callers can react to deleted channels and webhooks.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel:
			return fmt.Errorf("%w: %w", connector.ErrChannelNotFound, err)
		case discordgo.ErrCodeUnknownWebhook:
			return fmt.Errorf("%w: %w", connector.ErrWebhookNotFound, err)
		}
	}
	return err
}

func (c *Client) SelfUserID() string {
	if c.Session.State == nil || c.Session.State.User == nil {
		return ""
	}
	return c.Session.State.User.ID
}

func (c *Client) Guild(ctx context.Context, guildID string) (connector.Guild, error) {
	if g, err := c.Session.State.Guild(guildID); err == nil {
		return convertGuild(g), nil
	}
	g, err := c.Session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return connector.Guild{}, mapErr(err)
	}
	return convertGuild(g), nil
}

func (c *Client) Channel(ctx context.Context, channelID string) (connector.Channel, error) {
	ch, err := c.Session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return connector.Channel{}, mapErr(err)
	}
	return convertChannel(ch), nil
}

func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]connector.Channel, error) {
	channels, err := c.Session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	return convertTextChannels(channels), nil
}

// ChannelMembers lists the guild members that can view the channel.
func (c *Client) ChannelMembers(ctx context.Context, guildID, channelID string) ([]connector.Member, error) {
	var (
		members []connector.Member
		after   string
	)
	for {
		page, err := c.Session.GuildMembers(guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapErr(err)
		}
		for _, m := range page {
			if m.User == nil {
				continue
			}
			perms, err := c.Permissions(ctx, guildID, channelID, m.User.ID)
			if err != nil {
				c.log.Warn().Err(err).Str("user_id", m.User.ID).Msg("Failed to compute member permissions")
				continue
			}
			if perms.Has(connector.PermViewChannel) {
				members = append(members, convertMember(m))
			}
		}
		if len(page) < memberPageSize {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (c *Client) Permissions(ctx context.Context, _, channelID, userID string) (connector.Permission, error) {
	perms, err := c.Session.UserChannelPermissions(userID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, mapErr(err)
	}
	return connector.Permission(perms), nil
}

func (c *Client) SendMessage(ctx context.Context, channelID, content string) error {
	_, err := c.Session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (c *Client) CreateWebhook(ctx context.Context, channelID, name, avatarDataURI string) (connector.Webhook, error) {
	hook, err := c.Session.WebhookCreate(channelID, name, avatarDataURI, discordgo.WithContext(ctx))
	if err != nil {
		return connector.Webhook{}, mapErr(err)
	}
	return connector.Webhook{ID: hook.ID, Token: hook.Token}, nil
}

func (c *Client) EditWebhook(ctx context.Context, hook connector.Webhook, name, avatarDataURI string) error {
	_, err := c.Session.WebhookEditWithToken(hook.ID, hook.Token, name, avatarDataURI, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (c *Client) DeleteWebhook(ctx context.Context, hook connector.Webhook) error {
	return mapErr(c.Session.WebhookDelete(hook.ID, discordgo.WithContext(ctx)))
}

func (c *Client) ExecuteWebhook(ctx context.Context, hook connector.Webhook, msg connector.WebhookMessage) error {
	params := &discordgo.WebhookParams{
		Content:         msg.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if msg.File != nil {
		params.Files = []*discordgo.File{{
			Name:        msg.File.Name,
			ContentType: msg.File.ContentType,
			Reader:      msg.File.Reader,
		}}
	}
	_, err := c.Session.WebhookExecute(hook.ID, hook.Token, true, params, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (c *Client) Typing(ctx context.Context, channelID string) error {
	return mapErr(c.Session.ChannelTyping(channelID, discordgo.WithContext(ctx)))
}
