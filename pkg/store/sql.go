// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type roomRow struct {
	Key          string `gorm:"column:room_key;primaryKey"`
	GuildID      string `gorm:"not null;uniqueIndex:idx_room_channel"`
	ChannelID    string `gorm:"not null;uniqueIndex:idx_room_channel"`
	RoomID       string `gorm:"index"`
	Name         string
	Topic        string
	Visibility   string
	Preset       string
	CustomBridge bool
	Version      int64
}

func (roomRow) TableName() string {
	return "room_mappings"
}

func (r roomRow) mapping() RoomMapping {
	return RoomMapping{
		Key:          r.Key,
		GuildID:      r.GuildID,
		ChannelID:    r.ChannelID,
		RoomID:       r.RoomID,
		Name:         r.Name,
		Topic:        r.Topic,
		Visibility:   Visibility(r.Visibility),
		Preset:       r.Preset,
		CustomBridge: r.CustomBridge,
		Version:      r.Version,
	}
}

func (r roomRow) columns() map[string]any {
	return map[string]any{
		"guild_id":      r.GuildID,
		"channel_id":    r.ChannelID,
		"room_id":       r.RoomID,
		"name":          r.Name,
		"topic":         r.Topic,
		"visibility":    r.Visibility,
		"preset":        r.Preset,
		"custom_bridge": r.CustomBridge,
		"version":       r.Version,
	}
}

func newRoomRow(m RoomMapping) roomRow {
	return roomRow{
		Key:          m.Key,
		GuildID:      m.GuildID,
		ChannelID:    m.ChannelID,
		RoomID:       m.RoomID,
		Name:         m.Name,
		Topic:        m.Topic,
		Visibility:   string(m.Visibility),
		Preset:       m.Preset,
		CustomBridge: m.CustomBridge,
		Version:      m.Version,
	}
}

type userRow struct {
	ID          string `gorm:"primaryKey"`
	Kind        string `gorm:"index"`
	GhostID     string
	DisplayName string
	AvatarToken string
	Rooms       string `gorm:"type:text"`
	Webhooks    string `gorm:"type:text"`
	Version     int64
}

func (userRow) TableName() string {
	return "user_mappings"
}

func (r userRow) mapping() (UserMapping, error) {
	m := UserMapping{
		ID:          r.ID,
		Kind:        UserKind(r.Kind),
		GhostID:     r.GhostID,
		DisplayName: r.DisplayName,
		AvatarToken: r.AvatarToken,
		Version:     r.Version,
	}
	if r.Rooms != "" {
		if err := json.Unmarshal([]byte(r.Rooms), &m.Rooms); err != nil {
			return m, err
		}
	}
	if r.Webhooks != "" {
		if err := json.Unmarshal([]byte(r.Webhooks), &m.Webhooks); err != nil {
			return m, err
		}
	}
	return m, nil
}

func newUserRow(m UserMapping) (userRow, error) {
	row := userRow{
		ID:          m.ID,
		Kind:        string(m.Kind),
		GhostID:     m.GhostID,
		DisplayName: m.DisplayName,
		AvatarToken: m.AvatarToken,
		Version:     m.Version,
	}
	if len(m.Rooms) > 0 {
		raw, err := json.Marshal(m.Rooms)
		if err != nil {
			return row, err
		}
		row.Rooms = string(raw)
	}
	if len(m.Webhooks) > 0 {
		raw, err := json.Marshal(m.Webhooks)
		if err != nil {
			return row, err
		}
		row.Webhooks = string(raw)
	}
	return row, nil
}

func (r userRow) columns() map[string]any {
	return map[string]any{
		"kind":         r.Kind,
		"ghost_id":     r.GhostID,
		"display_name": r.DisplayName,
		"avatar_token": r.AvatarToken,
		"rooms":        r.Rooms,
		"webhooks":     r.Webhooks,
		"version":      r.Version,
	}
}

// SQLStore keeps both tables in SQLite through gorm. The (guild, channel)
// pair carries a unique index, so the database itself rejects a second row
// for the same channel.
type SQLStore struct {
	db *gorm.DB
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens a SQLite database at dsn and migrates the schema.
func OpenSQL(dsn string) (*SQLStore, error) {
	if dsn == "" {
		dsn = "bridge.sqlite"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, wrapErr("open", err)
	}
	if err = db.AutoMigrate(&roomRow{}, &userRow{}); err != nil {
		return nil, wrapErr("migrate", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) firstRoom(ctx context.Context, op string, query any, args ...any) (RoomMapping, error) {
	var row roomRow
	err := s.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomMapping{}, ErrNotFound
	} else if err != nil {
		return RoomMapping{}, wrapErr(op, err)
	}
	return row.mapping(), nil
}

func (s *SQLStore) GetRoomByKey(ctx context.Context, key string) (RoomMapping, error) {
	return s.firstRoom(ctx, "get room", "room_key = ?", key)
}

func (s *SQLStore) GetRoomByGuildChannel(ctx context.Context, guildID, channelID string) (RoomMapping, error) {
	return s.firstRoom(ctx, "get room by channel", "guild_id = ? AND channel_id = ?", guildID, channelID)
}

func (s *SQLStore) GetRoomByRoomID(ctx context.Context, roomID string) (RoomMapping, error) {
	if roomID == "" {
		return RoomMapping{}, ErrNotFound
	}
	return s.firstRoom(ctx, "get room by room id", "room_id = ?", roomID)
}

func (s *SQLStore) ListRooms(ctx context.Context) ([]RoomMapping, error) {
	var rows []roomRow
	if err := s.db.WithContext(ctx).Order("room_key").Find(&rows).Error; err != nil {
		return nil, wrapErr("list rooms", err)
	}
	rooms := make([]RoomMapping, 0, len(rows))
	for _, r := range rows {
		rooms = append(rooms, r.mapping())
	}
	return rooms, nil
}

func (s *SQLStore) UpsertRoom(ctx context.Context, m RoomMapping) error {
	row := newRoomRow(m)
	return wrapErr("upsert room", s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error)
}

func (s *SQLStore) InsertRoom(ctx context.Context, m RoomMapping) error {
	return wrapErr("insert room", s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&roomRow{}).Where("room_key = ?", m.Key).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrExists
		}
		row := newRoomRow(m)
		return tx.Create(&row).Error
	}))
}

func (s *SQLStore) CompareAndSwapRoom(ctx context.Context, m RoomMapping) (RoomMapping, error) {
	row := newRoomRow(m)
	row.Version = m.Version + 1
	res := s.db.WithContext(ctx).Model(&roomRow{}).
		Where("room_key = ? AND version = ?", m.Key, m.Version).
		Updates(row.columns())
	if res.Error != nil {
		return RoomMapping{}, wrapErr("swap room", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetRoomByKey(ctx, m.Key); err != nil {
			return RoomMapping{}, err
		}
		return RoomMapping{}, ErrVersionConflict
	}
	return row.mapping(), nil
}

func (s *SQLStore) DeleteRoomByKey(ctx context.Context, key string) error {
	return wrapErr("delete room", s.db.WithContext(ctx).Where("room_key = ?", key).Delete(&roomRow{}).Error)
}

func (s *SQLStore) DeleteRoomsByGuildChannel(ctx context.Context, guildID, channelID string) error {
	return wrapErr("delete rooms by channel", s.db.WithContext(ctx).
		Where("guild_id = ? AND channel_id = ?", guildID, channelID).Delete(&roomRow{}).Error)
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (UserMapping, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserMapping{}, ErrNotFound
	} else if err != nil {
		return UserMapping{}, wrapErr("get user", err)
	}
	m, err := row.mapping()
	return m, wrapErr("decode user", err)
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]UserMapping, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, wrapErr("list users", err)
	}
	users := make([]UserMapping, 0, len(rows))
	for _, r := range rows {
		m, err := r.mapping()
		if err != nil {
			return nil, wrapErr("decode user", err)
		}
		users = append(users, m)
	}
	return users, nil
}

// UsersInRoom filters in Go; the rooms column is a JSON document.
func (s *SQLStore) UsersInRoom(ctx context.Context, key string) ([]UserMapping, error) {
	all, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var users []UserMapping
	for _, u := range all {
		if u.InRoom(key) {
			users = append(users, u)
		}
	}
	return users, nil
}

func (s *SQLStore) UpsertUser(ctx context.Context, m UserMapping) error {
	row, err := newUserRow(m)
	if err != nil {
		return wrapErr("encode user", err)
	}
	return wrapErr("upsert user", s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error)
}

func (s *SQLStore) InsertUser(ctx context.Context, m UserMapping) error {
	row, err := newUserRow(m)
	if err != nil {
		return wrapErr("encode user", err)
	}
	return wrapErr("insert user", s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userRow{}).Where("id = ?", m.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrExists
		}
		return tx.Create(&row).Error
	}))
}

func (s *SQLStore) CompareAndSwapUser(ctx context.Context, m UserMapping) (UserMapping, error) {
	row, err := newUserRow(m)
	if err != nil {
		return UserMapping{}, wrapErr("encode user", err)
	}
	row.Version = m.Version + 1
	res := s.db.WithContext(ctx).Model(&userRow{}).
		Where("id = ? AND version = ?", m.ID, m.Version).
		Updates(row.columns())
	if res.Error != nil {
		return UserMapping{}, wrapErr("swap user", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetUser(ctx, m.ID); err != nil {
			return UserMapping{}, err
		}
		return UserMapping{}, ErrVersionConflict
	}
	m.Version = row.Version
	return m, nil
}
