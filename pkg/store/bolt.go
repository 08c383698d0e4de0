// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRooms          = []byte("rooms")
	bucketRoomsByChannel = []byte("rooms_by_channel")
	bucketRoomsByRoomID  = []byte("rooms_by_room_id")
	bucketUsers          = []byte("users")
)

// BoltStore keeps both tables in a single bbolt file. Room rows are indexed
// by channel and by Matrix room ID in separate buckets that map back to the
// room key. All writes happen in one bbolt read-write transaction, so
// insert-if-absent and compare-and-swap are atomic.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (creating if needed) a bbolt database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		path = "bridge.db"
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, wrapErr("open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRooms, bucketRoomsByChannel, bucketRoomsByRoomID, bucketUsers} {
			if _, err2 := tx.CreateBucketIfNotExists(name); err2 != nil {
				return err2
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, wrapErr("init buckets", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func channelIndexKey(guildID, channelID string) []byte {
	return []byte(guildID + "/" + channelID)
}

func getRoom(tx *bolt.Tx, key []byte) (RoomMapping, error) {
	raw := tx.Bucket(bucketRooms).Get(key)
	if raw == nil {
		return RoomMapping{}, ErrNotFound
	}
	var m RoomMapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return RoomMapping{}, err
	}
	return m, nil
}

func putRoom(tx *bolt.Tx, m RoomMapping) error {
	// Drop index entries of the row being replaced.
	if old, err := getRoom(tx, []byte(m.Key)); err == nil {
		if err = deleteRoomIndexes(tx, old); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err = tx.Bucket(bucketRooms).Put([]byte(m.Key), raw); err != nil {
		return err
	}
	if err = tx.Bucket(bucketRoomsByChannel).Put(channelIndexKey(m.GuildID, m.ChannelID), []byte(m.Key)); err != nil {
		return err
	}
	if m.RoomID != "" {
		return tx.Bucket(bucketRoomsByRoomID).Put([]byte(m.RoomID), []byte(m.Key))
	}
	return nil
}

func deleteRoomIndexes(tx *bolt.Tx, m RoomMapping) error {
	byChannel := tx.Bucket(bucketRoomsByChannel)
	ck := channelIndexKey(m.GuildID, m.ChannelID)
	if string(byChannel.Get(ck)) == m.Key {
		if err := byChannel.Delete(ck); err != nil {
			return err
		}
	}
	if m.RoomID != "" {
		byRoom := tx.Bucket(bucketRoomsByRoomID)
		if string(byRoom.Get([]byte(m.RoomID))) == m.Key {
			return byRoom.Delete([]byte(m.RoomID))
		}
	}
	return nil
}

func deleteRoom(tx *bolt.Tx, key string) error {
	old, err := getRoom(tx, []byte(key))
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if err = deleteRoomIndexes(tx, old); err != nil {
		return err
	}
	return tx.Bucket(bucketRooms).Delete([]byte(key))
}

func (s *BoltStore) GetRoomByKey(_ context.Context, key string) (m RoomMapping, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		m, err = getRoom(tx, []byte(key))
		return err
	})
	return m, wrapErr("get room", err)
}

func (s *BoltStore) GetRoomByGuildChannel(_ context.Context, guildID, channelID string) (m RoomMapping, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketRoomsByChannel).Get(channelIndexKey(guildID, channelID))
		if key == nil {
			return ErrNotFound
		}
		m, err = getRoom(tx, key)
		return err
	})
	return m, wrapErr("get room by channel", err)
}

func (s *BoltStore) GetRoomByRoomID(_ context.Context, roomID string) (m RoomMapping, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketRoomsByRoomID).Get([]byte(roomID))
		if key == nil {
			return ErrNotFound
		}
		m, err = getRoom(tx, key)
		return err
	})
	return m, wrapErr("get room by room id", err)
}

func (s *BoltStore) ListRooms(_ context.Context) ([]RoomMapping, error) {
	var rooms []RoomMapping
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(_, v []byte) error {
			var m RoomMapping
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			rooms = append(rooms, m)
			return nil
		})
	})
	return rooms, wrapErr("list rooms", err)
}

func (s *BoltStore) UpsertRoom(_ context.Context, m RoomMapping) error {
	return wrapErr("upsert room", s.db.Update(func(tx *bolt.Tx) error {
		return putRoom(tx, m)
	}))
}

func (s *BoltStore) InsertRoom(_ context.Context, m RoomMapping) error {
	return wrapErr("insert room", s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRooms).Get([]byte(m.Key)) != nil {
			return ErrExists
		}
		return putRoom(tx, m)
	}))
}

func (s *BoltStore) CompareAndSwapRoom(_ context.Context, m RoomMapping) (RoomMapping, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := getRoom(tx, []byte(m.Key))
		if err != nil {
			return err
		}
		if cur.Version != m.Version {
			return ErrVersionConflict
		}
		m.Version++
		return putRoom(tx, m)
	})
	if err != nil {
		return RoomMapping{}, wrapErr("swap room", err)
	}
	return m, nil
}

func (s *BoltStore) DeleteRoomByKey(_ context.Context, key string) error {
	return wrapErr("delete room", s.db.Update(func(tx *bolt.Tx) error {
		return deleteRoom(tx, key)
	}))
}

func (s *BoltStore) DeleteRoomsByGuildChannel(_ context.Context, guildID, channelID string) error {
	return wrapErr("delete rooms by channel", s.db.Update(func(tx *bolt.Tx) error {
		var keys []string
		err := tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var m RoomMapping
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Matches(guildID, channelID) {
				keys = append(keys, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err = deleteRoom(tx, key); err != nil {
				return err
			}
		}
		return nil
	}))
}

func getUser(tx *bolt.Tx, id string) (UserMapping, error) {
	raw := tx.Bucket(bucketUsers).Get([]byte(id))
	if raw == nil {
		return UserMapping{}, ErrNotFound
	}
	var m UserMapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return UserMapping{}, err
	}
	return m, nil
}

func putUser(tx *bolt.Tx, m UserMapping) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketUsers).Put([]byte(m.ID), raw)
}

func (s *BoltStore) GetUser(_ context.Context, id string) (m UserMapping, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		m, err = getUser(tx, id)
		return err
	})
	return m, wrapErr("get user", err)
}

func (s *BoltStore) ListUsers(_ context.Context) ([]UserMapping, error) {
	return s.filterUsers(func(UserMapping) bool { return true })
}

func (s *BoltStore) UsersInRoom(_ context.Context, key string) ([]UserMapping, error) {
	return s.filterUsers(func(m UserMapping) bool { return m.InRoom(key) })
}

func (s *BoltStore) filterUsers(keep func(UserMapping) bool) ([]UserMapping, error) {
	var users []UserMapping
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var m UserMapping
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if keep(m) {
				users = append(users, m)
			}
			return nil
		})
	})
	return users, wrapErr("list users", err)
}

func (s *BoltStore) UpsertUser(_ context.Context, m UserMapping) error {
	return wrapErr("upsert user", s.db.Update(func(tx *bolt.Tx) error {
		return putUser(tx, m)
	}))
}

func (s *BoltStore) InsertUser(_ context.Context, m UserMapping) error {
	return wrapErr("insert user", s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(m.ID)) != nil {
			return ErrExists
		}
		return putUser(tx, m)
	}))
}

func (s *BoltStore) CompareAndSwapUser(_ context.Context, m UserMapping) (UserMapping, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := getUser(tx, m.ID)
		if err != nil {
			return err
		}
		if cur.Version != m.Version {
			return ErrVersionConflict
		}
		m.Version++
		return putUser(tx, m)
	})
	if err != nil {
		return UserMapping{}, wrapErr("swap user", err)
	}
	return m, nil
}
