// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

type presenceState struct {
	presence event.Presence
	status   string
}

// TypingRelay mirrors typing notifications and presence. All state is kept in
// memory and starts empty on every restart.
type TypingRelay struct {
	store   store.Store
	matrix  MatrixAPI
	discord DiscordAPI
	config  *Config
	log     zerolog.Logger

	mu       sync.Mutex
	typing   map[id.RoomID]map[id.UserID]struct{}
	presence map[string]presenceState
}

// NewTypingRelay creates a typing and presence relay.
func NewTypingRelay(st store.Store, mx MatrixAPI, dc DiscordAPI, cfg *Config, log zerolog.Logger) *TypingRelay {
	return &TypingRelay{
		store:    st,
		matrix:   mx,
		discord:  dc,
		config:   cfg,
		log:      log.With().Str("component", "typing").Logger(),
		typing:   make(map[id.RoomID]map[id.UserID]struct{}),
		presence: make(map[string]presenceState),
	}
}

// DiscordTyping shows the ghost of a typing Discord user as typing in the
// bridged room. Matrix clears the notification after the configured timeout.
func (tr *TypingRelay) DiscordTyping(ctx context.Context, evt *TypingStartEvent) error {
	room, err := tr.store.GetRoomByGuildChannel(ctx, evt.GuildID, evt.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if !room.Bound() {
		return nil
	}
	user, err := tr.store.GetUser(ctx, evt.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if !user.InRoom(room.Key) {
		return nil
	}
	return remoteErr("set typing", tr.matrix.SetTyping(ctx, id.RoomID(room.RoomID), id.UserID(user.GhostID), true, tr.config.TypingTimeout))
}

// MatrixTyping tracks who is typing in a room and triggers the Discord
// typing indicator when the first Matrix user starts typing. Ghosts and the
// bot are ignored.
func (tr *TypingRelay) MatrixTyping(ctx context.Context, evt *MatrixTypingEvent) error {
	bot := tr.matrix.BotUserID()
	domain := tr.matrix.ServerName()
	current := make(map[id.UserID]struct{}, len(evt.UserIDs))
	for _, userID := range evt.UserIDs {
		if _, isGhost := ParseGhostUserID(userID, domain); isGhost || userID == bot {
			continue
		}
		current[userID] = struct{}{}
	}

	tr.mu.Lock()
	before := len(tr.typing[evt.RoomID])
	if len(current) == 0 {
		delete(tr.typing, evt.RoomID)
	} else {
		tr.typing[evt.RoomID] = current
	}
	tr.mu.Unlock()

	if before > 0 || len(current) == 0 {
		return nil
	}
	room, err := tr.store.GetRoomByRoomID(ctx, evt.RoomID.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return remoteErr("trigger typing", tr.discord.Typing(ctx, room.ChannelID))
}

// TypingCount returns how many Matrix users are typing in a room.
func (tr *TypingRelay) TypingCount(roomID id.RoomID) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.typing[roomID])
}

// mapPresence converts a Discord status to Matrix presence.
func mapPresence(status string) event.Presence {
	switch status {
	case "online", "dnd":
		return event.PresenceOnline
	case "idle":
		return event.PresenceUnavailable
	default:
		return event.PresenceOffline
	}
}

// DiscordPresence sets the presence of a Discord user's ghost. Unchanged
// presence is not sent again.
func (tr *TypingRelay) DiscordPresence(ctx context.Context, evt *PresenceUpdateEvent) error {
	user, err := tr.store.GetUser(ctx, evt.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	state := presenceState{presence: mapPresence(evt.Status), status: evt.Activity}

	tr.mu.Lock()
	prev, ok := tr.presence[evt.UserID]
	tr.presence[evt.UserID] = state
	tr.mu.Unlock()
	if ok && prev == state {
		return nil
	}
	return remoteErr("set presence", tr.matrix.SetPresence(ctx, id.UserID(user.GhostID), state.presence, state.status))
}

// RefreshPresence sends the last known presence of every online ghost again,
// since Matrix expires presence that is not renewed.
func (tr *TypingRelay) RefreshPresence(ctx context.Context) {
	tr.mu.Lock()
	snapshot := make(map[string]presenceState, len(tr.presence))
	for userID, state := range tr.presence {
		if state.presence != event.PresenceOffline {
			snapshot[userID] = state
		}
	}
	tr.mu.Unlock()

	for discordID, state := range snapshot {
		ghost := GhostUserID(discordID, tr.matrix.ServerName())
		if err := tr.matrix.SetPresence(ctx, ghost, state.presence, state.status); err != nil {
			tr.log.Debug().Err(err).Str("ghost_id", ghost.String()).Msg("Failed to refresh presence")
		}
	}
}

// WatchPresence refreshes presence periodically until ctx is cancelled.
func (tr *TypingRelay) WatchPresence(ctx context.Context) {
	ticker := time.NewTicker(tr.config.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tr.RefreshPresence(ctx)
		}
	}
}
