// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
	"maunium.net/go/mautrix/id"
)

const (
	// GhostPrefix marks the localpart of a Matrix ghost of a Discord user.
	GhostPrefix = "discord_"
	// AliasPrefix marks the localpart of a room alias owned by the bridge.
	AliasPrefix = "discord_"

	// DefaultRoomKeyAttempts bounds the room key collision probe.
	DefaultRoomKeyAttempts = 4
)

// GhostLocalpart returns the Matrix localpart of the ghost for a Discord user.
func GhostLocalpart(discordUserID string) string {
	return GhostPrefix + discordUserID
}

// GhostUserID returns the Matrix user ID of the ghost for a Discord user.
func GhostUserID(discordUserID, domain string) id.UserID {
	return id.NewUserID(GhostLocalpart(discordUserID), domain)
}

// ParseGhostUserID extracts the Discord user ID from a ghost user ID. Only
// users on the bridge's own domain are ghosts; other bridges use the same
// localpart prefix.
func ParseGhostUserID(userID id.UserID, domain string) (string, bool) {
	localpart, homeserver, err := userID.Parse()
	if err != nil || homeserver != domain || !strings.HasPrefix(localpart, GhostPrefix) {
		return "", false
	}
	discordID := strings.TrimPrefix(localpart, GhostPrefix)
	return discordID, discordID != ""
}

// RoomKeyCandidate derives the composite room key of a channel. Attempt 0 is
// the legible "<name>;<last 4 of id>" form. Later attempts replace the suffix
// with a growing prefix of the channel ID's blake3 hash, so two channels only
// collide again if their hashes share a prefix.
func RoomKeyCandidate(channelName, channelID string, attempt int) string {
	if attempt <= 0 {
		suffix := channelID
		if len(suffix) > 4 {
			suffix = suffix[len(suffix)-4:]
		}
		return channelName + ";" + suffix
	}
	sum := blake3.Sum256([]byte(channelID))
	digest := hex.EncodeToString(sum[:])
	n := min(4+4*attempt, len(digest))
	return channelName + ";" + digest[:n]
}

// RoomAliasLocalpart returns the alias localpart for a room key. Room keys
// never contain ':', the only character Matrix forbids in alias localparts.
func RoomAliasLocalpart(key string) string {
	return AliasPrefix + key
}

// RoomAlias returns the full alias for a room key.
func RoomAlias(key, domain string) id.RoomAlias {
	return id.NewRoomAlias(RoomAliasLocalpart(key), domain)
}

// ParseRoomAlias extracts the room key from a bridge alias. Both the full
// alias and a bare localpart are accepted.
func ParseRoomAlias(alias string) (string, bool) {
	alias = strings.TrimPrefix(alias, "#")
	if idx := strings.LastIndexByte(alias, ':'); idx >= 0 {
		alias = alias[:idx]
	}
	if !strings.HasPrefix(alias, AliasPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(alias, AliasPrefix)
	return key, key != ""
}

// sanitizeChannelName strips characters that cannot appear in a room key.
func sanitizeChannelName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ';', ' ':
			return '_'
		}
		return r
	}, name)
}
