// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/base64"
	"errors"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// RelayManager owns the Discord webhooks that relay Matrix senders. Each
// (sender, channel) pair gets one webhook, named and pictured after the
// sender's Matrix profile.
type RelayManager struct {
	store   store.Store
	matrix  MatrixAPI
	discord DiscordAPI
	log     zerolog.Logger

	// inflight collapses concurrent lookups for the same sender and channel
	// into one, so a burst of messages creates a single webhook.
	inflight singleflight.Group
	// onCreate is told about every webhook the bridge creates.
	onCreate func(webhookID string)
}

// NewRelayManager creates a relay manager. onCreate may be nil.
func NewRelayManager(st store.Store, mx MatrixAPI, dc DiscordAPI, log zerolog.Logger, onCreate func(string)) *RelayManager {
	if onCreate == nil {
		onCreate = func(string) {}
	}
	return &RelayManager{
		store:    st,
		matrix:   mx,
		discord:  dc,
		log:      log.With().Str("component", "relay").Logger(),
		onCreate: onCreate,
	}
}

// RelayHandle returns the webhook relaying sender into channelID, creating
// it or refreshing its name and avatar as needed.
func (rm *RelayManager) RelayHandle(ctx context.Context, channelID string, sender id.UserID) (store.WebhookHandle, error) {
	v, err, _ := rm.inflight.Do(string(sender)+"|"+channelID, func() (any, error) {
		return rm.relayHandle(ctx, channelID, sender)
	})
	if err != nil {
		return store.WebhookHandle{}, err
	}
	return v.(store.WebhookHandle), nil
}

func (rm *RelayManager) relayHandle(ctx context.Context, channelID string, sender id.UserID) (store.WebhookHandle, error) {
	log := rm.log.With().Str("sender", sender.String()).Str("channel_id", channelID).Logger()

	profile, err := rm.matrix.Profile(ctx, sender)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to fetch sender profile, using localpart")
		profile = Profile{}
	}
	name := relayName(profile, sender)
	avatarToken := profile.AvatarURL.String()
	if profile.AvatarURL.IsEmpty() {
		avatarToken = ""
	}

	user, err := rm.store.GetUser(ctx, sender.String())
	if errors.Is(err, store.ErrNotFound) {
		user = store.UserMapping{ID: sender.String(), Kind: store.UserKindRelay, DisplayName: profile.DisplayName}
		if err = rm.store.InsertUser(ctx, user); err != nil && !errors.Is(err, store.ErrExists) {
			return store.WebhookHandle{}, err
		}
	} else if err != nil {
		return store.WebhookHandle{}, err
	}

	if hook, ok := user.Webhooks[channelID]; ok {
		if hook.Name == name && hook.AvatarToken == avatarToken {
			return hook, nil
		}
		avatar := ""
		if hook.AvatarToken != avatarToken {
			avatar = rm.avatarDataURI(ctx, profile.AvatarURL)
		}
		if err = rm.discord.EditWebhook(ctx, Webhook{ID: hook.ID, Token: hook.Token}, name, avatar); err != nil {
			// The old name is still a working relay.
			log.Warn().Err(err).Msg("Failed to refresh relay webhook")
			return hook, nil
		}
		hook.Name, hook.AvatarToken = name, avatarToken
		_, err = store.UpdateUser(ctx, rm.store, user.ID, func(cur store.UserMapping) (store.UserMapping, bool) {
			if cur.Webhooks == nil {
				cur.Webhooks = make(map[string]store.WebhookHandle)
			}
			cur.Webhooks[channelID] = hook
			return cur, true
		})
		return hook, err
	}

	created, err := rm.discord.CreateWebhook(ctx, channelID, name, rm.avatarDataURI(ctx, profile.AvatarURL))
	if err != nil {
		return store.WebhookHandle{}, remoteErr("create webhook", err)
	}
	rm.onCreate(created.ID)
	hook := store.WebhookHandle{ID: created.ID, Token: created.Token, Name: name, AvatarToken: avatarToken}

	winner := hook
	_, err = store.UpdateUser(ctx, rm.store, user.ID, func(cur store.UserMapping) (store.UserMapping, bool) {
		if existing, ok := cur.Webhooks[channelID]; ok {
			winner = existing
			return cur, false
		}
		winner = hook
		if cur.Webhooks == nil {
			cur.Webhooks = make(map[string]store.WebhookHandle)
		}
		cur.Webhooks[channelID] = hook
		return cur, true
	})
	if err != nil {
		log.Err(err).Str("webhook_id", hook.ID).Msg("Failed to save relay webhook")
		return hook, nil
	}
	if winner.ID != hook.ID {
		// Another bridge instance stored a webhook first.
		if err = rm.discord.DeleteWebhook(ctx, created); err != nil {
			log.Warn().Err(err).Msg("Failed to delete duplicate relay webhook")
		}
		return winner, nil
	}
	log.Info().Str("webhook_id", hook.ID).Msg("Created relay webhook")
	return hook, nil
}

// DropRelayHandle forgets the sender's webhook for a channel. When
// deleteRemote is set the webhook is also deleted on Discord.
func (rm *RelayManager) DropRelayHandle(ctx context.Context, channelID string, sender id.UserID, deleteRemote bool) error {
	var dropped store.WebhookHandle
	_, err := store.UpdateUser(ctx, rm.store, sender.String(), func(cur store.UserMapping) (store.UserMapping, bool) {
		hook, ok := cur.Webhooks[channelID]
		if !ok {
			return cur, false
		}
		dropped = hook
		delete(cur.Webhooks, channelID)
		return cur, true
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if deleteRemote && dropped.ID != "" {
		return remoteErr("delete webhook", rm.discord.DeleteWebhook(ctx, Webhook{ID: dropped.ID, Token: dropped.Token}))
	}
	return nil
}

// DropChannel forgets every relay webhook of a channel.
func (rm *RelayManager) DropChannel(ctx context.Context, channelID string, deleteRemote bool) error {
	users, err := rm.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, user := range users {
		if _, ok := user.Webhooks[channelID]; ok {
			errs = append(errs, rm.DropRelayHandle(ctx, channelID, id.UserID(user.ID), deleteRemote))
		}
	}
	return errors.Join(errs...)
}

// avatarDataURI downloads a Matrix avatar and encodes it for the Discord
// webhook API. Failures yield an empty string (no avatar).
func (rm *RelayManager) avatarDataURI(ctx context.Context, uri id.ContentURI) string {
	if uri.IsEmpty() {
		return ""
	}
	body, err := rm.matrix.DownloadMedia(ctx, uri)
	if err != nil {
		rm.log.Debug().Err(err).Str("mxc", uri.String()).Msg("Failed to download sender avatar")
		return ""
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, maxAvatarSize))
	if err != nil {
		return ""
	}
	return "data:" + mimetype.Detect(data).String() + ";base64," + base64.StdEncoding.EncodeToString(data)
}
