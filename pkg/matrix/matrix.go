// Copyright 2024-2026 Aiku AI

// Package matrix implements the Matrix side of the bridge on top of a mautrix
// application service.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/config"
	"github.com/aiku/matrix-discord-bridge/pkg/connector"
)

// Client is a connector.MatrixAPI backed by an application service. Every
// call is made as the given user through the appservice token.
type Client struct {
	AS            *appservice.AppService
	publicAddress string
	log           zerolog.Logger
}

var _ connector.MatrixAPI = (*Client)(nil)

// New creates the application service for the given config and registration.
func New(cfg *config.Config, reg *appservice.Registration, log zerolog.Logger) (*Client, error) {
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice: %w", err)
	}
	as.Log = log.With().Str("component", "appservice").Logger()
	return &Client{
		AS:            as,
		publicAddress: cfg.Homeserver.PublicAddress,
		log:           log.With().Str("component", "matrix").Logger(),
	}, nil
}

func (c *Client) BotUserID() id.UserID {
	return c.AS.BotMXID()
}

func (c *Client) ServerName() string {
	return c.AS.HomeserverDomain
}

func (c *Client) client(userID id.UserID) *mautrix.Client {
	return c.AS.Client(userID)
}

func (c *Client) bot() *mautrix.Client {
	return c.AS.BotClient()
}

func (c *Client) EnsureRegistered(ctx context.Context, userID id.UserID) error {
	return c.AS.Intent(userID).EnsureRegistered(ctx)
}

func (c *Client) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := c.bot().CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := c.bot().ResolveAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) DeleteAlias(ctx context.Context, alias id.RoomAlias) error {
	_, err := c.bot().DeleteAlias(ctx, alias)
	return err
}

func (c *Client) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.bot().InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (c *Client) Join(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.client(userID).JoinRoomByID(ctx, roomID)
	return err
}

func (c *Client) Leave(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.client(userID).LeaveRoom(ctx, roomID)
	return err
}

func (c *Client) Kick(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := c.bot().KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	return err
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := c.bot().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.client(sender).SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := c.bot().SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	return err
}

func (c *Client) SetRoomTopic(ctx context.Context, roomID id.RoomID, topic string) error {
	_, err := c.bot().SendStateEvent(ctx, roomID, event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	return err
}

func (c *Client) SetDisplayName(ctx context.Context, userID id.UserID, name string) error {
	return c.client(userID).SetDisplayName(ctx, name)
}

func (c *Client) SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURI) error {
	return c.client(userID).SetAvatarURL(ctx, uri)
}

func (c *Client) UploadMedia(ctx context.Context, userID id.UserID, data io.Reader, size int64, contentType, fileName string) (id.ContentURI, error) {
	resp, err := c.client(userID).UploadMedia(ctx, mautrix.ReqUploadMedia{
		Content:       data,
		ContentLength: size,
		ContentType:   contentType,
		FileName:      fileName,
	})
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

func (c *Client) DownloadMedia(ctx context.Context, uri id.ContentURI) (io.ReadCloser, error) {
	resp, err := c.bot().Download(ctx, uri)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) Profile(ctx context.Context, userID id.UserID) (connector.Profile, error) {
	resp, err := c.bot().GetProfile(ctx, userID)
	if errors.Is(err, mautrix.MNotFound) {
		return connector.Profile{}, nil
	} else if err != nil {
		return connector.Profile{}, err
	}
	return connector.Profile{DisplayName: resp.DisplayName, AvatarURL: resp.AvatarURL}, nil
}

func (c *Client) SetTyping(ctx context.Context, roomID id.RoomID, userID id.UserID, typing bool, timeout time.Duration) error {
	_, err := c.client(userID).UserTyping(ctx, roomID, typing, timeout)
	return err
}

type reqPresence struct {
	Presence  event.Presence `json:"presence"`
	StatusMsg string         `json:"status_msg,omitempty"`
}

func (c *Client) SetPresence(ctx context.Context, userID id.UserID, presence event.Presence, status string) error {
	cli := c.client(userID)
	url := cli.BuildClientURL("v3", "presence", userID.String(), "status")
	_, err := cli.MakeRequest(ctx, http.MethodPut, url, &reqPresence{Presence: presence, StatusMsg: status}, nil)
	return err
}

// MediaURL returns the public download URL of an mxc URI.
func (c *Client) MediaURL(uri id.ContentURI) string {
	if uri.IsEmpty() {
		return ""
	}
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s", c.publicAddress, uri.Homeserver, uri.FileID)
}
