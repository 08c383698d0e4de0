// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

func TestEnsureRoomMappingCreatesPendingRow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	m, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "general;a1b2", m.Key)
	assert.Equal(t, store.VisibilityPublic, m.Visibility)
	assert.Equal(t, presetPublic, m.Preset)
	assert.Equal(t, "#general (Test Guild) [Discord]", m.Name)
	assert.Equal(t, "chit chat", m.Topic)
	assert.False(t, m.Bound(), "new mapping should be pending")
	assert.False(t, m.CustomBridge)

	stored, err := env.store.GetRoomByKey(ctx, "general;a1b2")
	require.NoError(t, err)
	assert.True(t, stored.Matches(testGuild.ID, testChannel.ID))
}

func TestEnsureRoomMappingPrivateWithoutInvite(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	m, err := env.conn.Rooms.EnsureRoomMapping(context.Background(), testGuild, testChannel, true, false)
	require.NoError(t, err)
	assert.Equal(t, store.VisibilityPrivate, m.Visibility)
	assert.Equal(t, presetPrivate, m.Preset)
}

func TestEnsureRoomMappingSkipsInaccessible(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	m, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, false, true)
	require.NoError(t, err)
	assert.Nil(t, m)

	rooms, err := env.store.ListRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestEnsureRoomMappingIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)
	second, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)

	assert.Equal(t, *first, *second)
	rooms, err := env.store.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestEnsureRoomMappingKeepsBoundRoom(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bound := env.bindTestRoom(t)

	again, err := env.conn.Rooms.EnsureRoomMapping(context.Background(), testGuild, testChannel, true, false)
	require.NoError(t, err)
	assert.Equal(t, bound.RoomID, again.RoomID)
	assert.Equal(t, store.VisibilityPublic, again.Visibility, "existing mapping must not be rewritten")
}

func TestEnsureRoomMappingConcurrent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	keys := make([]string, 10)
	for i := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
			if assert.NoError(t, err) {
				keys[i] = m.Key
			}
		}()
	}
	wg.Wait()

	for _, key := range keys {
		assert.Equal(t, "general;a1b2", key)
	}
	rooms, err := env.store.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestEnsureRoomMappingResolvesCollision(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	other := Channel{ID: "9999999999999a1b2", GuildID: testGuild.ID, Name: "general"}

	first, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)
	second, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, other, true, true)
	require.NoError(t, err)

	assert.Equal(t, "general;a1b2", first.Key)
	assert.Equal(t, RoomKeyCandidate("general", other.ID, 1), second.Key)
	assert.NotEqual(t, first.Key, second.Key)

	got, err := env.store.GetRoomByGuildChannel(ctx, testGuild.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Key, got.Key)
	got, err = env.store.GetRoomByGuildChannel(ctx, testGuild.ID, testChannel.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Key, got.Key)

	// Asking again for the colliding channel finds its own row.
	again, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, other, true, true)
	require.NoError(t, err)
	assert.Equal(t, second.Key, again.Key)
}

func TestEnsureRoomMappingExhausted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.cfg.RoomKeyAttempts = 1
	ctx := context.Background()
	other := Channel{ID: "9999999999999a1b2", GuildID: testGuild.ID, Name: "general"}

	_, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)
	m, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, other, true, true)
	assert.ErrorIs(t, err, ErrRoomKeyExhausted)
	assert.Nil(t, m)
}

func TestEnsureRoomMappingSanitizesName(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ch := Channel{ID: "123456789", GuildID: testGuild.ID, Name: "a:b;c d"}

	m, err := env.conn.Rooms.EnsureRoomMapping(context.Background(), testGuild, ch, true, true)
	require.NoError(t, err)
	assert.Equal(t, "a_b_c_d;6789", m.Key)
}

func TestAliasQueryBindsRoomAndSyncsMembers(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.discord.addGuild(testGuild)
	env.discord.addChannel(testChannel, alice, bob, Member{UserID: testSelfID, Username: "bridge", Bot: true})
	env.fetcher.bodies[alice.AvatarURL] = pngBytes

	m, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)
	require.Equal(t, "general;a1b2", m.Key)

	ok := env.conn.HandleAliasQuery(ctx, "#discord_general;a1b2:example.org")
	require.True(t, ok)
	env.conn.Wait()

	bound, err := env.store.GetRoomByKey(ctx, m.Key)
	require.NoError(t, err)
	assert.True(t, bound.Bound())
	assert.Equal(t, 1, env.matrix.Count("CreateRoom"))
	create := env.matrix.Calls("CreateRoom")[0]
	assert.Equal(t, "discord_general;a1b2 public public_chat", create.Args)

	byRoom, err := env.store.GetRoomByRoomID(ctx, bound.RoomID)
	require.NoError(t, err)
	assert.Equal(t, m.Key, byRoom.Key)

	users, err := env.store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2, "one ghost per member, none for the bot itself")
	for _, u := range users {
		assert.Equal(t, []string{m.Key}, u.Rooms)
		assert.True(t, env.matrix.isMember(id.RoomID(bound.RoomID), id.UserID(u.GhostID)))
	}

	notices := env.discord.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, testChannel.ID, notices[0].ChannelID)
	assert.Equal(t, "**This room is now bridged to** ***#discord_general;a1b2:example.org***", notices[0].Content)

	// A second query for the same alias neither creates nor syncs again.
	assert.True(t, env.conn.HandleAliasQuery(ctx, "#discord_general;a1b2:example.org"))
	env.conn.Wait()
	assert.Equal(t, 1, env.matrix.Count("CreateRoom"))
	assert.Equal(t, 2, env.matrix.Count("EnsureRegistered"))
	assert.Len(t, env.discord.Notices(), 1, "the room is announced once")
}

func TestAliasQueryUnknownKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	assert.False(t, env.conn.HandleAliasQuery(ctx, "#discord_nothing;0000:example.org"))
	assert.False(t, env.conn.HandleAliasQuery(ctx, "#someone_else:example.org"))
	assert.Zero(t, env.matrix.Count("CreateRoom"))
}

func TestAliasQueryConcurrentCreatesOneRoom(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	m, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)

	alias := RoomAlias(m.Key, testDomain).String()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.conn.Rooms.CreateRoomForAlias(ctx, alias)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, env.matrix.Count("CreateRoom"))
}

func TestAliasQueryCreateFailureKeepsPending(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	m, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)
	env.matrix.fail("CreateRoom")

	_, _, err = env.conn.Rooms.CreateRoomForAlias(ctx, RoomAlias(m.Key, testDomain).String())
	var remote *RemoteCallError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "create room", remote.Op)

	stored, err := env.store.GetRoomByKey(ctx, m.Key)
	require.NoError(t, err)
	assert.False(t, stored.Bound())
}

func TestSyncRoomContinuesPastFailures(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	room := env.bindTestRoom(t, alice, bob)
	env.matrix.fail("Join")

	require.NoError(t, env.conn.Rooms.SyncRoom(context.Background(), room))
	users, err := env.store.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 2, "ghosts are created even when joining fails")
	for _, u := range users {
		assert.Empty(t, u.Rooms)
	}
}

// carol is a native Matrix user.
var carol = id.NewUserID("carol", "other.org")

func TestHandleChannelDeleteTearsDownRoom(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.bindTestRoom(t, alice, bob)
	require.NoError(t, env.conn.Rooms.SyncRoom(ctx, room))
	roomID := id.RoomID(room.RoomID)
	env.matrix.setMember(roomID, carol, true)
	_, err := env.conn.Relays.RelayHandle(ctx, testChannel.ID, carol)
	require.NoError(t, err)

	require.NoError(t, env.conn.Rooms.HandleChannelDelete(ctx, testGuild.ID, testChannel.ID))

	_, err = env.store.GetRoomByKey(ctx, room.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.store.GetRoomByGuildChannel(ctx, testGuild.ID, testChannel.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	users, err := env.store.ListUsers(ctx)
	require.NoError(t, err)
	for _, u := range users {
		assert.NotContains(t, u.Rooms, room.Key, "user %s still has the room", u.ID)
		assert.NotContains(t, u.Webhooks, testChannel.ID, "user %s still has a webhook", u.ID)
	}

	kicks := env.matrix.Calls("Kick")
	require.Len(t, kicks, 1, "only the native user is kicked")
	assert.Contains(t, kicks[0].Args, carol.String())
	assert.False(t, env.matrix.isMember(roomID, env.matrix.BotUserID()), "bot should leave")
	assert.False(t, env.matrix.isMember(roomID, GhostUserID(alice.UserID, testDomain)), "ghost should leave")
	assert.Equal(t, 1, env.matrix.Count("DeleteAlias"))
}

func TestHandleChannelDeleteKicksBeforeBotLeaves(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.bindTestRoom(t)
	env.matrix.setMember(id.RoomID(room.RoomID), carol, true)

	require.NoError(t, env.conn.Rooms.HandleChannelDelete(ctx, testGuild.ID, testChannel.ID))

	methods := env.matrix.Methods()
	kick := slices.Index(methods, "Kick")
	leave := slices.Index(methods, "Leave")
	require.NotEqual(t, -1, kick)
	require.NotEqual(t, -1, leave)
	assert.Less(t, kick, leave)
}

func TestHandleChannelDeleteKicksForeignPrefixedUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.bindTestRoom(t)
	roomID := id.RoomID(room.RoomID)
	env.matrix.setMember(roomID, foreignPuppet, true)

	require.NoError(t, env.conn.Rooms.HandleChannelDelete(ctx, testGuild.ID, testChannel.ID))

	kicks := env.matrix.Calls("Kick")
	require.Len(t, kicks, 1)
	assert.Contains(t, kicks[0].Args, foreignPuppet.String())
	for _, c := range env.matrix.Calls("Leave") {
		assert.NotContains(t, c.Args, foreignPuppet.String(), "a foreign user cannot be made to leave")
	}
	assert.False(t, env.matrix.isMember(roomID, foreignPuppet))
}

func TestHandleChannelDeleteKicksWhenBookkeepingFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.bindTestRoom(t, alice)
	require.NoError(t, env.conn.Rooms.SyncRoom(ctx, room))
	roomID := id.RoomID(room.RoomID)
	env.matrix.setMember(roomID, carol, true)
	_, err := env.conn.Relays.RelayHandle(ctx, testChannel.ID, carol)
	require.NoError(t, err)

	env.useStore(t, &recordingStore{Store: env.store, log: &env.matrix.callLog})
	env.matrix.fail("CompareAndSwapUser")

	require.NoError(t, env.conn.Rooms.HandleChannelDelete(ctx, testGuild.ID, testChannel.ID))

	ghost := GhostUserID(alice.UserID, testDomain)
	assert.False(t, env.matrix.isMember(roomID, ghost), "ghost should leave")
	assert.False(t, env.matrix.isMember(roomID, carol), "native user should be kicked")

	ghostWrite := env.matrix.index("CompareAndSwapUser", alice.UserID)
	ghostLeave := env.matrix.index("Leave", ghost.String())
	require.NotEqual(t, -1, ghostWrite)
	require.NotEqual(t, -1, ghostLeave)
	assert.Less(t, ghostWrite, ghostLeave, "ghost rooms are updated before it leaves")

	relayWrite := env.matrix.index("CompareAndSwapUser", carol.String())
	kick := env.matrix.index("Kick", carol.String())
	require.NotEqual(t, -1, relayWrite)
	require.NotEqual(t, -1, kick)
	assert.Less(t, relayWrite, kick, "relay handle is dropped before the kick")
}

func TestHandleChannelDeleteCustomBridgeSurvives(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.bindTestRoom(t, alice)
	require.NoError(t, env.conn.Rooms.SyncRoom(ctx, room))
	custom, err := env.conn.Rooms.MarkCustom(ctx, room.Key, id.RoomID(room.RoomID))
	require.NoError(t, err)
	require.True(t, custom.CustomBridge)

	require.NoError(t, env.conn.Rooms.HandleChannelDelete(ctx, testGuild.ID, testChannel.ID))

	kept, err := env.store.GetRoomByKey(ctx, room.Key)
	require.NoError(t, err)
	assert.True(t, kept.CustomBridge)
	assert.Equal(t, room.RoomID, kept.RoomID)

	user, err := env.store.GetUser(ctx, alice.UserID)
	require.NoError(t, err)
	assert.NotContains(t, user.Rooms, room.Key)
	assert.Zero(t, env.matrix.Count("Kick"))
	assert.Zero(t, env.matrix.Count("Leave"))
	assert.Zero(t, env.matrix.Count("DeleteAlias"))
}

func TestHandleChannelDeleteUnknownChannel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	assert.NoError(t, env.conn.Rooms.HandleChannelDelete(context.Background(), testGuild.ID, "404"))
}

func TestHandleChannelDeletePendingMapping(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	m, err := env.conn.Rooms.EnsureRoomMapping(ctx, testGuild, testChannel, true, true)
	require.NoError(t, err)

	require.NoError(t, env.conn.Rooms.HandleChannelDelete(ctx, testGuild.ID, testChannel.ID))
	_, err = env.store.GetRoomByKey(ctx, m.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, env.matrix.Count("JoinedMembers"))
}

func TestHandleChannelDeleteHonorsCancellation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.cfg.TeardownGrace = DefaultTeardownGrace
	room := env.bindTestRoom(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.conn.Rooms.HandleChannelDelete(ctx, testGuild.ID, testChannel.ID)
	assert.ErrorIs(t, err, context.Canceled)
	// The row stays so a later teardown can finish the job.
	_, err = env.store.GetRoomByKey(context.Background(), room.Key)
	assert.NoError(t, err)
}

func TestHandleChannelUpdateRenamesRoom(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.bindTestRoom(t)
	renamed := testChannel
	renamed.Name = "random"

	require.NoError(t, env.conn.Rooms.HandleChannelUpdate(ctx, testGuild, renamed))

	stored, err := env.store.GetRoomByKey(ctx, room.Key)
	require.NoError(t, err)
	assert.Equal(t, "#random (Test Guild) [Discord]", stored.Name)
	assert.Equal(t, room.Key, stored.Key, "the room key does not follow renames")
	require.Equal(t, 1, env.matrix.Count("SetRoomName"))
	assert.Zero(t, env.matrix.Count("SetRoomTopic"))

	// Unchanged channel: nothing to do.
	require.NoError(t, env.conn.Rooms.HandleChannelUpdate(ctx, testGuild, renamed))
	assert.Equal(t, 1, env.matrix.Count("SetRoomName"))
}

func TestUnbridgeReturnsToPending(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.bindTestRoom(t, alice)
	require.NoError(t, env.conn.Rooms.SyncRoom(ctx, room))
	env.matrix.setMember(id.RoomID(room.RoomID), carol, true)

	pending, err := env.conn.Rooms.Unbridge(ctx, room)
	require.NoError(t, err)
	assert.False(t, pending.Bound())
	assert.False(t, pending.CustomBridge)

	user, err := env.store.GetUser(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Empty(t, user.Rooms)
	assert.Equal(t, 1, env.matrix.Count("Kick"))
	assert.Equal(t, 1, env.matrix.Count("DeleteAlias"))
}

func TestUnbridgeCustomLeavesMatrixUsers(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.bindTestRoom(t, alice)
	require.NoError(t, env.conn.Rooms.SyncRoom(ctx, room))
	custom, err := env.conn.Rooms.MarkCustom(ctx, room.Key, id.RoomID(room.RoomID))
	require.NoError(t, err)
	env.matrix.setMember(id.RoomID(room.RoomID), carol, true)

	pending, err := env.conn.Rooms.Unbridge(ctx, custom)
	require.NoError(t, err)
	assert.False(t, pending.Bound())
	assert.False(t, pending.CustomBridge)
	assert.Zero(t, env.matrix.Count("Kick"), "users of a custom room are never kicked")
	assert.Zero(t, env.matrix.Count("DeleteAlias"))
	assert.True(t, env.matrix.isMember(id.RoomID(room.RoomID), carol))
	assert.False(t, env.matrix.isMember(id.RoomID(room.RoomID), env.matrix.BotUserID()))
}
