// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

const testDomain = "example.org"

var (
	errFake     = errors.New("fake failure")
	errNotFound = errors.New("not found")
)

// apiCall records one call to a fake API.
type apiCall struct {
	Method string
	Args   string
}

type callLog struct {
	mu    sync.Mutex
	calls []apiCall
	// Fail makes the named methods return errFake.
	Fail map[string]bool
}

func (l *callLog) record(method string, args ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	l.calls = append(l.calls, apiCall{Method: method, Args: strings.Join(parts, " ")})
	if l.Fail[method] {
		return errFake
	}
	return nil
}

func (l *callLog) fail(method string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail == nil {
		l.Fail = make(map[string]bool)
	}
	l.Fail[method] = true
}

func (l *callLog) Calls(method string) []apiCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []apiCall
	for _, c := range l.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (l *callLog) Count(method string) int {
	return len(l.Calls(method))
}

// index returns the position of the first call to method whose arguments
// contain arg, or -1.
func (l *callLog) index(method, arg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if c.Method == method && strings.Contains(c.Args, arg) {
			return i
		}
	}
	return -1
}

func (l *callLog) Methods() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	for i, c := range l.calls {
		out[i] = c.Method
	}
	return out
}

// fakeMatrix is an in-memory MatrixAPI.
type fakeMatrix struct {
	callLog

	stateMu  sync.Mutex
	nextRoom int
	members  map[id.RoomID]map[id.UserID]bool
	aliases  map[id.RoomAlias]id.RoomID
	profiles map[id.UserID]Profile
	media    map[id.ContentURI][]byte
	sent     []sentMatrixMessage
}

type sentMatrixMessage struct {
	RoomID  id.RoomID
	Sender  id.UserID
	Content *event.MessageEventContent
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		members:  make(map[id.RoomID]map[id.UserID]bool),
		aliases:  make(map[id.RoomAlias]id.RoomID),
		profiles: make(map[id.UserID]Profile),
		media:    make(map[id.ContentURI][]byte),
	}
}

func (f *fakeMatrix) BotUserID() id.UserID { return id.NewUserID("discordbot", testDomain) }
func (f *fakeMatrix) ServerName() string   { return testDomain }

func (f *fakeMatrix) EnsureRegistered(_ context.Context, userID id.UserID) error {
	return f.record("EnsureRegistered", userID)
}

func (f *fakeMatrix) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	if err := f.record("CreateRoom", req.RoomAliasName, req.Visibility, req.Preset); err != nil {
		return "", err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", f.nextRoom, testDomain))
	f.members[roomID] = map[id.UserID]bool{f.BotUserID(): true}
	f.aliases[id.NewRoomAlias(req.RoomAliasName, testDomain)] = roomID
	return roomID, nil
}

func (f *fakeMatrix) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	if err := f.record("ResolveAlias", alias); err != nil {
		return "", err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	roomID, ok := f.aliases[alias]
	if !ok {
		return "", errNotFound
	}
	return roomID, nil
}

func (f *fakeMatrix) DeleteAlias(_ context.Context, alias id.RoomAlias) error {
	if err := f.record("DeleteAlias", alias); err != nil {
		return err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	delete(f.aliases, alias)
	return nil
}

func (f *fakeMatrix) Invite(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	return f.record("Invite", roomID, userID)
}

func (f *fakeMatrix) Join(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	if err := f.record("Join", roomID, userID); err != nil {
		return err
	}
	f.setMember(roomID, userID, true)
	return nil
}

func (f *fakeMatrix) Leave(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	if err := f.record("Leave", roomID, userID); err != nil {
		return err
	}
	f.setMember(roomID, userID, false)
	return nil
}

func (f *fakeMatrix) Kick(_ context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	if err := f.record("Kick", roomID, userID, reason); err != nil {
		return err
	}
	f.setMember(roomID, userID, false)
	return nil
}

func (f *fakeMatrix) setMember(roomID id.RoomID, userID id.UserID, joined bool) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.members[roomID] == nil {
		f.members[roomID] = make(map[id.UserID]bool)
	}
	if joined {
		f.members[roomID][userID] = true
	} else {
		delete(f.members[roomID], userID)
	}
}

func (f *fakeMatrix) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	if err := f.record("JoinedMembers", roomID); err != nil {
		return nil, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	var out []id.UserID
	for userID := range f.members[roomID] {
		out = append(out, userID)
	}
	return out, nil
}

func (f *fakeMatrix) isMember(roomID id.RoomID, userID id.UserID) bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.members[roomID][userID]
}

func (f *fakeMatrix) SendMessage(_ context.Context, roomID id.RoomID, sender id.UserID, content *event.MessageEventContent) (id.EventID, error) {
	if err := f.record("SendMessage", roomID, sender); err != nil {
		return "", err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.sent = append(f.sent, sentMatrixMessage{RoomID: roomID, Sender: sender, Content: content})
	return id.EventID(fmt.Sprintf("$event%d", len(f.sent))), nil
}

func (f *fakeMatrix) Sent() []sentMatrixMessage {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return append([]sentMatrixMessage(nil), f.sent...)
}

func (f *fakeMatrix) SetRoomName(_ context.Context, roomID id.RoomID, name string) error {
	return f.record("SetRoomName", roomID, name)
}

func (f *fakeMatrix) SetRoomTopic(_ context.Context, roomID id.RoomID, topic string) error {
	return f.record("SetRoomTopic", roomID, topic)
}

func (f *fakeMatrix) SetDisplayName(_ context.Context, userID id.UserID, name string) error {
	return f.record("SetDisplayName", userID, name)
}

func (f *fakeMatrix) SetAvatarURL(_ context.Context, userID id.UserID, uri id.ContentURI) error {
	return f.record("SetAvatarURL", userID, uri)
}

func (f *fakeMatrix) UploadMedia(_ context.Context, userID id.UserID, data io.Reader, _ int64, contentType, fileName string) (id.ContentURI, error) {
	if err := f.record("UploadMedia", userID, contentType, fileName); err != nil {
		return id.ContentURI{}, err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return id.ContentURI{}, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	uri := id.ContentURI{Homeserver: testDomain, FileID: fmt.Sprintf("media%d", len(f.media)+1)}
	f.media[uri] = body
	return uri, nil
}

func (f *fakeMatrix) DownloadMedia(_ context.Context, uri id.ContentURI) (io.ReadCloser, error) {
	if err := f.record("DownloadMedia", uri); err != nil {
		return nil, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	data, ok := f.media[uri]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeMatrix) Profile(_ context.Context, userID id.UserID) (Profile, error) {
	if err := f.record("Profile", userID); err != nil {
		return Profile{}, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.profiles[userID], nil
}

func (f *fakeMatrix) setProfile(userID id.UserID, p Profile) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.profiles[userID] = p
}

func (f *fakeMatrix) SetTyping(_ context.Context, roomID id.RoomID, userID id.UserID, typing bool, timeout time.Duration) error {
	return f.record("SetTyping", roomID, userID, typing, timeout)
}

func (f *fakeMatrix) SetPresence(_ context.Context, userID id.UserID, presence event.Presence, status string) error {
	return f.record("SetPresence", userID, presence, status)
}

func (f *fakeMatrix) MediaURL(uri id.ContentURI) string {
	return "https://" + testDomain + "/_matrix/media/v3/download/" + uri.Homeserver + "/" + uri.FileID
}

// fakeDiscord is an in-memory DiscordAPI.
type fakeDiscord struct {
	callLog

	stateMu     sync.Mutex
	guilds      map[string]Guild
	channels    map[string]Channel
	members     map[string][]Member
	perms       map[string]Permission
	nextHook    int
	hooks       map[string]Webhook
	executed    []executedWebhook
	sentNotices []sentNotice
}

type executedWebhook struct {
	Hook Webhook
	Msg  WebhookMessage
	// FileData is the content of the attached file, read during the call.
	FileData []byte
}

type sentNotice struct {
	ChannelID string
	Content   string
}

const testSelfID = "100000000000000001"

func newFakeDiscord() *fakeDiscord {
	return &fakeDiscord{
		guilds:   make(map[string]Guild),
		channels: make(map[string]Channel),
		members:  make(map[string][]Member),
		perms:    map[string]Permission{testSelfID: PermViewChannel | PermCreateInvite},
		hooks:    make(map[string]Webhook),
	}
}

func (f *fakeDiscord) addGuild(g Guild) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.guilds[g.ID] = g
}

func (f *fakeDiscord) addChannel(c Channel, members ...Member) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.channels[c.ID] = c
	f.members[c.ID] = members
}

func (f *fakeDiscord) removeChannel(channelID string) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	delete(f.channels, channelID)
}

func (f *fakeDiscord) setPerms(userID string, p Permission) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.perms[userID] = p
}

func (f *fakeDiscord) SelfUserID() string { return testSelfID }

func (f *fakeDiscord) Guild(_ context.Context, guildID string) (Guild, error) {
	if err := f.record("Guild", guildID); err != nil {
		return Guild{}, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	g, ok := f.guilds[guildID]
	if !ok {
		return Guild{}, fmt.Errorf("unknown guild %s", guildID)
	}
	return g, nil
}

func (f *fakeDiscord) Channel(_ context.Context, channelID string) (Channel, error) {
	if err := f.record("Channel", channelID); err != nil {
		return Channel{}, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	c, ok := f.channels[channelID]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}
	return c, nil
}

func (f *fakeDiscord) GuildChannels(_ context.Context, guildID string) ([]Channel, error) {
	if err := f.record("GuildChannels", guildID); err != nil {
		return nil, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	var out []Channel
	for _, c := range f.channels {
		if c.GuildID == guildID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeDiscord) ChannelMembers(_ context.Context, _, channelID string) ([]Member, error) {
	if err := f.record("ChannelMembers", channelID); err != nil {
		return nil, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return append([]Member(nil), f.members[channelID]...), nil
}

func (f *fakeDiscord) Permissions(_ context.Context, _, channelID, userID string) (Permission, error) {
	if err := f.record("Permissions", channelID, userID); err != nil {
		return 0, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.perms[userID], nil
}

func (f *fakeDiscord) SendMessage(_ context.Context, channelID, content string) error {
	if err := f.record("SendMessage", channelID, content); err != nil {
		return err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.sentNotices = append(f.sentNotices, sentNotice{ChannelID: channelID, Content: content})
	return nil
}

func (f *fakeDiscord) Notices() []sentNotice {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return append([]sentNotice(nil), f.sentNotices...)
}

func (f *fakeDiscord) CreateWebhook(_ context.Context, channelID, name, _ string) (Webhook, error) {
	if err := f.record("CreateWebhook", channelID, name); err != nil {
		return Webhook{}, err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.nextHook++
	hook := Webhook{ID: fmt.Sprintf("hook%d", f.nextHook), Token: fmt.Sprintf("token%d", f.nextHook)}
	f.hooks[hook.ID] = hook
	return hook, nil
}

func (f *fakeDiscord) EditWebhook(_ context.Context, hook Webhook, name, _ string) error {
	return f.record("EditWebhook", hook.ID, name)
}

func (f *fakeDiscord) DeleteWebhook(_ context.Context, hook Webhook) error {
	if err := f.record("DeleteWebhook", hook.ID); err != nil {
		return err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	delete(f.hooks, hook.ID)
	return nil
}

func (f *fakeDiscord) ExecuteWebhook(_ context.Context, hook Webhook, msg WebhookMessage) error {
	if err := f.record("ExecuteWebhook", hook.ID); err != nil {
		return err
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if _, ok := f.hooks[hook.ID]; !ok {
		return ErrWebhookNotFound
	}
	exec := executedWebhook{Hook: hook, Msg: msg}
	if msg.File != nil {
		exec.FileData, _ = io.ReadAll(msg.File.Reader)
	}
	f.executed = append(f.executed, exec)
	return nil
}

func (f *fakeDiscord) Executed() []executedWebhook {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return append([]executedWebhook(nil), f.executed...)
}

func (f *fakeDiscord) Typing(_ context.Context, channelID string) error {
	return f.record("Typing", channelID)
}

// fakeFetcher serves canned bodies by URL.
type fakeFetcher struct {
	callLog

	bodies map[string][]byte
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bodies: make(map[string][]byte)}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (io.ReadCloser, error) {
	if err := f.record("Fetch", url); err != nil {
		return nil, err
	}
	body, ok := f.bodies[url]
	if !ok {
		return nil, fmt.Errorf("no body for %s", url)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// testEnv bundles a connector with its fakes.
type testEnv struct {
	conn    *DiscordConnector
	store   store.Store
	matrix  *fakeMatrix
	discord *fakeDiscord
	fetcher *fakeFetcher
	cfg     *Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &Config{MediaDir: t.TempDir()}
	require.NoError(t, cfg.PostProcess())

	env := &testEnv{
		store:   st,
		matrix:  newFakeMatrix(),
		discord: newFakeDiscord(),
		fetcher: newFakeFetcher(),
		cfg:     cfg,
	}
	env.conn, err = NewDiscordConnector(cfg, st, env.matrix, env.discord, env.fetcher, zerolog.Nop())
	require.NoError(t, err)
	return env
}

var (
	testGuild = Guild{ID: "200000000000000001", Name: "Test Guild"}
	// testChannel's ID ends in a1b2.
	testChannel = Channel{ID: "8035111022467a1b2", GuildID: testGuild.ID, Name: "general", Topic: "chit chat"}
	alice       = Member{UserID: "300000000000000001", Username: "alice", AvatarHash: "hash1", AvatarURL: "https://cdn.test/alice.png"}
	bob         = Member{UserID: "300000000000000002", Username: "bob", Nick: "Bobby"}
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

// bindTestRoom provisions and binds testChannel, returning its mapping.
func (env *testEnv) bindTestRoom(t *testing.T, members ...Member) store.RoomMapping {
	t.Helper()
	ctx := context.Background()
	env.discord.addGuild(testGuild)
	env.discord.addChannel(testChannel, members...)
	m, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)
	require.NotNil(t, m)
	bound, _, err := env.conn.Rooms.CreateRoomForAlias(ctx, RoomAlias(m.Key, testDomain).String())
	require.NoError(t, err)
	return bound
}

// foreignPuppet is a user of another Discord bridge on a different server.
// It shares our ghost prefix but is a regular Matrix user to us.
var foreignPuppet = id.NewUserID("discord_300000000000000009", "other.org")

// recordingStore logs user writes into log, so their order relative to
// Matrix calls can be checked. log.fail("CompareAndSwapUser") makes the
// writes fail.
type recordingStore struct {
	store.Store
	log *callLog
}

func (s *recordingStore) CompareAndSwapUser(ctx context.Context, m store.UserMapping) (store.UserMapping, error) {
	if err := s.log.record("CompareAndSwapUser", m.ID); err != nil {
		return store.UserMapping{}, err
	}
	return s.Store.CompareAndSwapUser(ctx, m)
}

// useStore rebuilds the connector on top of st, keeping the fakes.
func (env *testEnv) useStore(t *testing.T, st store.Store) {
	t.Helper()
	conn, err := NewDiscordConnector(env.cfg, st, env.matrix, env.discord, env.fetcher, zerolog.Nop())
	require.NoError(t, err)
	env.conn = conn
}
