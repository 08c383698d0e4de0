// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	// ErrRoomKeyExhausted is returned when every room key candidate for a
	// channel is taken by other channels.
	ErrRoomKeyExhausted = errors.New("room key candidates exhausted")
	// ErrChannelNotFound is returned by DiscordAPI when a channel is gone.
	ErrChannelNotFound = errors.New("discord channel not found")
	// ErrWebhookNotFound is returned by DiscordAPI when a webhook was deleted
	// outside the bridge.
	ErrWebhookNotFound = errors.New("discord webhook not found")
)

// RemoteCallError wraps a failed call to Discord or Matrix.
type RemoteCallError struct {
	Op  string
	Err error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

func remoteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteCallError{Op: op, Err: err}
}

// Guild is a Discord guild.
type Guild struct {
	ID   string
	Name string
}

// Channel is a Discord guild text channel.
type Channel struct {
	ID      string
	GuildID string
	Name    string
	Topic   string
}

// Member is a Discord user as seen in one guild.
type Member struct {
	UserID   string
	Username string
	Nick     string
	Bot      bool
	// AvatarHash changes whenever the avatar image changes.
	AvatarHash string
	AvatarURL  string
}

// Name returns the guild nickname, falling back to the username.
func (m Member) Name() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.Username
}

// Attachment is a file attached to a Discord message.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int64
	Width       int
	Height      int
}

// Message is a Discord message.
type Message struct {
	ID          string
	GuildID     string
	ChannelID   string
	WebhookID   string
	Author      Member
	Content     string
	Attachments []Attachment
}

// Permission is a Discord permission bit set.
type Permission int64

const (
	PermCreateInvite  Permission = 1 << 0
	PermAdministrator Permission = 1 << 3
	PermManageGuild   Permission = 1 << 5
	PermViewChannel   Permission = 1 << 10
)

// Has reports whether all bits of want are set. Administrator implies all.
func (p Permission) Has(want Permission) bool {
	return p&PermAdministrator != 0 || p&want == want
}

// Webhook identifies a Discord webhook.
type Webhook struct {
	ID    string
	Token string
}

// OutboundFile is a file uploaded alongside a Discord message.
type OutboundFile struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// WebhookMessage is a message executed through a webhook.
type WebhookMessage struct {
	Content string
	File    *OutboundFile
}

// DiscordAPI is the Discord side of the bridge.
type DiscordAPI interface {
	SelfUserID() string
	Guild(ctx context.Context, guildID string) (Guild, error)
	// Channel returns ErrChannelNotFound if the channel was deleted.
	Channel(ctx context.Context, channelID string) (Channel, error)
	GuildChannels(ctx context.Context, guildID string) ([]Channel, error)
	ChannelMembers(ctx context.Context, guildID, channelID string) ([]Member, error)
	Permissions(ctx context.Context, guildID, channelID, userID string) (Permission, error)
	SendMessage(ctx context.Context, channelID, content string) error
	CreateWebhook(ctx context.Context, channelID, name, avatarDataURI string) (Webhook, error)
	EditWebhook(ctx context.Context, hook Webhook, name, avatarDataURI string) error
	DeleteWebhook(ctx context.Context, hook Webhook) error
	ExecuteWebhook(ctx context.Context, hook Webhook, msg WebhookMessage) error
	Typing(ctx context.Context, channelID string) error
}

// Profile is a Matrix user profile.
type Profile struct {
	DisplayName string
	AvatarURL   id.ContentURI
}

// MatrixAPI is the Matrix side of the bridge. Calls taking a user ID act as
// that user (a ghost or the bridge bot); Invite and Kick act as the bot.
type MatrixAPI interface {
	BotUserID() id.UserID
	ServerName() string
	EnsureRegistered(ctx context.Context, userID id.UserID) error
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	DeleteAlias(ctx context.Context, alias id.RoomAlias) error
	Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	Join(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	Leave(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	Kick(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	SendMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, content *event.MessageEventContent) (id.EventID, error)
	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error
	SetRoomTopic(ctx context.Context, roomID id.RoomID, topic string) error
	SetDisplayName(ctx context.Context, userID id.UserID, name string) error
	SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURI) error
	UploadMedia(ctx context.Context, userID id.UserID, data io.Reader, size int64, contentType, fileName string) (id.ContentURI, error)
	DownloadMedia(ctx context.Context, uri id.ContentURI) (io.ReadCloser, error)
	Profile(ctx context.Context, userID id.UserID) (Profile, error)
	SetTyping(ctx context.Context, roomID id.RoomID, userID id.UserID, typing bool, timeout time.Duration) error
	SetPresence(ctx context.Context, userID id.UserID, presence event.Presence, status string) error
	// MediaURL returns a public HTTP URL for a content URI.
	MediaURL(uri id.ContentURI) string
}
