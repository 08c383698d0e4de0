// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-discord-bridge/pkg/media"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// relayHookCacheSize bounds the in-memory set of known relay webhook IDs.
const relayHookCacheSize = 4096

// goneChannelCacheSize bounds the set of deleted channels that custom rooms
// still point at.
const goneChannelCacheSize = 1024

// DiscordConnector routes events between Discord and Matrix.
type DiscordConnector struct {
	Config  *Config
	Log     zerolog.Logger
	Store   store.Store
	Matrix  MatrixAPI
	Discord DiscordAPI

	Rooms      *RoomProvisioner
	Ghosts     *GhostProvisioner
	Relays     *RelayManager
	Translator *Translator
	Typing     *TypingRelay

	// relayHooks holds IDs of webhooks the bridge posts through, so their
	// messages are not relayed back to Matrix.
	relayHooks   *lru.Cache
	// goneChannels holds IDs of deleted channels whose custom rooms outlive
	// them. Discord never reuses channel IDs.
	goneChannels *lru.Cache

	bgMu   sync.Mutex
	bgCtx  context.Context
	wg     sync.WaitGroup
	server *http.Server
}

// NewDiscordConnector wires the bridge components together. cfg must have
// been post-processed.
func NewDiscordConnector(cfg *Config, st store.Store, mx MatrixAPI, dc DiscordAPI, fetcher media.Fetcher, log zerolog.Logger) (*DiscordConnector, error) {
	hooks, err := lru.New(relayHookCacheSize)
	if err != nil {
		return nil, err
	}
	gone, err := lru.New(goneChannelCacheSize)
	if err != nil {
		return nil, err
	}
	c := &DiscordConnector{
		Config:       cfg,
		Log:          log,
		Store:        st,
		Matrix:       mx,
		Discord:      dc,
		relayHooks:   hooks,
		goneChannels: gone,
		bgCtx:        context.Background(),
	}
	c.Ghosts = NewGhostProvisioner(st, mx, fetcher, cfg, log)
	c.Relays = NewRelayManager(st, mx, dc, log, func(webhookID string) {
		c.relayHooks.Add(webhookID, struct{}{})
	})
	c.Rooms = NewRoomProvisioner(st, mx, dc, c.Ghosts, c.Relays, cfg, log)
	c.Translator = NewTranslator(mx, fetcher, cfg, log)
	c.Typing = NewTypingRelay(st, mx, dc, cfg, log)
	return c, nil
}

// Start loads the known relay webhooks and starts the background workers.
// They stop when ctx is cancelled.
func (c *DiscordConnector) Start(ctx context.Context) error {
	c.bgMu.Lock()
	c.bgCtx = ctx
	c.bgMu.Unlock()

	users, err := c.Store.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		for _, hook := range user.Webhooks {
			c.relayHooks.Add(hook.ID, struct{}{})
		}
	}
	c.Log.Info().Int("relay_webhooks", c.relayHooks.Len()).Msg("Loaded relay webhooks")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Typing.WatchPresence(ctx)
	}()

	if addr := c.Config.AdminAPIAddr; addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/rooms", c.HandleListRooms)
		mux.HandleFunc("/api/sync-room", c.HandleSyncRoom)
		c.server = &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			c.Log.Info().Str("addr", addr).Msg("Starting bridge admin API")
			if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.Log.Error().Err(err).Msg("Bridge admin API error")
			}
		}()
	}
	return nil
}

// Stop shuts down the admin API and waits for background tasks.
func (c *DiscordConnector) Stop(ctx context.Context) error {
	var err error
	if c.server != nil {
		err = c.server.Shutdown(ctx)
	}
	c.Wait()
	return err
}

// Wait blocks until all spawned background tasks have finished.
func (c *DiscordConnector) Wait() {
	c.wg.Wait()
}

// spawn runs fn in the background, detached from the event that caused it.
func (c *DiscordConnector) spawn(name string, fn func(ctx context.Context) error) {
	c.bgMu.Lock()
	ctx := c.bgCtx
	c.bgMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		log := c.Log.With().Str("task", name).Logger()
		if err := fn(log.WithContext(ctx)); err != nil && !errors.Is(err, context.Canceled) {
			log.Err(err).Msg("Background task failed")
		}
	}()
}

// HandleAliasQuery answers a homeserver query for a bridge alias. A room is
// created for pending mappings and its members are synced in the background.
func (c *DiscordConnector) HandleAliasQuery(ctx context.Context, alias string) bool {
	log := c.Log.With().Str("alias", alias).Logger()
	m, created, err := c.Rooms.CreateRoomForAlias(ctx, alias)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Msg("Alias query for unknown room key")
		return false
	} else if err != nil {
		log.Err(err).Msg("Failed to create room for alias")
		return false
	}
	if created {
		c.spawn("sync-room", func(ctx context.Context) error {
			if err := c.Rooms.SyncRoom(ctx, m); err != nil {
				return err
			}
			return c.Rooms.AnnounceBridged(ctx, m)
		})
	}
	return true
}

// isRelayWebhook reports whether a webhook belongs to the bridge.
func (c *DiscordConnector) isRelayWebhook(ctx context.Context, webhookID string) bool {
	if c.relayHooks.Contains(webhookID) {
		return true
	}
	users, err := c.Store.ListUsers(ctx)
	if err != nil {
		// Dropping a foreign webhook message is better than an echo loop.
		c.Log.Warn().Err(err).Msg("Failed to look up relay webhooks")
		return true
	}
	for _, user := range users {
		for _, hook := range user.Webhooks {
			if hook.ID == webhookID {
				c.relayHooks.Add(webhookID, struct{}{})
				return true
			}
		}
	}
	return false
}

// maxAdminBodySize is the maximum allowed request body for the admin API (1 MB).
const maxAdminBodySize = 1 << 20

// HandleListRooms is an HTTP handler for GET /api/rooms. It returns every
// room mapping as JSON.
func (c *DiscordConnector) HandleListRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rooms, err := c.Store.ListRooms(r.Context())
	if err != nil {
		c.Log.Err(err).Msg("Failed to list rooms for admin API")
		http.Error(w, "failed to list rooms", http.StatusInternalServerError)
		return
	}
	type roomJSON struct {
		Key       string `json:"key"`
		GuildID   string `json:"guild_id"`
		ChannelID string `json:"channel_id"`
		RoomID    string `json:"room_id,omitempty"`
		Name      string `json:"name"`
		Custom    bool   `json:"custom"`
	}
	resp := make([]roomJSON, 0, len(rooms))
	for _, m := range rooms {
		resp = append(resp, roomJSON{
			Key:       m.Key,
			GuildID:   m.GuildID,
			ChannelID: m.ChannelID,
			RoomID:    m.RoomID,
			Name:      m.Name,
			Custom:    m.CustomBridge,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.Log.Warn().Err(err).Msg("Failed to write rooms response")
	}
}

// HandleSyncRoom is an HTTP handler for POST /api/sync-room. The body names
// the room key, e.g. {"room_key": "general;a1b2"}; the members of the
// channel are synced in the background.
func (c *DiscordConnector) HandleSyncRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req struct {
		RoomKey string `json:"room_key"`
	}
	if err = json.Unmarshal(body, &req); err != nil || req.RoomKey == "" {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	m, err := c.Store.GetRoomByKey(r.Context(), req.RoomKey)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown room key", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "failed to load room", http.StatusInternalServerError)
		return
	}
	if !m.Bound() {
		http.Error(w, "room is not bridged yet", http.StatusConflict)
		return
	}
	c.Log.Info().Str("remote_addr", r.RemoteAddr).Str("room_key", m.Key).Msg("Room sync requested")
	c.spawn("sync-room", func(ctx context.Context) error {
		return c.Rooms.SyncRoom(ctx, m)
	})
	w.WriteHeader(http.StatusAccepted)
}
