// Copyright 2024-2026 Aiku AI

package matrix

import (
	"fmt"
	"regexp"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/matrix-discord-bridge/pkg/config"
	"github.com/aiku/matrix-discord-bridge/pkg/connector"
)

// GenerateRegistration builds a fresh appservice registration with new
// tokens. Ghosts and bridge aliases are exclusive to the bridge.
func GenerateRegistration(cfg *config.Config) *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.Address
	reg.SenderLocalpart = cfg.AppService.BotUsername
	reg.RateLimited = ptr.Ptr(false)
	reg.EphemeralEvents = true
	reg.SoruEphemeralEvents = true

	domain := regexp.QuoteMeta(cfg.Homeserver.Domain)
	reg.Namespaces.UserIDs = append(reg.Namespaces.UserIDs, appservice.Namespace{
		Regex:     fmt.Sprintf("^@%s.*:%s$", regexp.QuoteMeta(connector.GhostPrefix), domain),
		Exclusive: true,
	}, appservice.Namespace{
		Regex:     fmt.Sprintf("^@%s:%s$", regexp.QuoteMeta(cfg.AppService.BotUsername), domain),
		Exclusive: true,
	})
	reg.Namespaces.RoomAliases = append(reg.Namespaces.RoomAliases, appservice.Namespace{
		Regex:     fmt.Sprintf("^#%s.*:%s$", regexp.QuoteMeta(connector.AliasPrefix), domain),
		Exclusive: true,
	})
	return reg
}

// LoadRegistration reads a registration file and checks it matches cfg.
func LoadRegistration(path string, cfg *config.Config) (*appservice.Registration, error) {
	reg, err := appservice.LoadRegistration(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}
	if reg.SenderLocalpart != cfg.AppService.BotUsername {
		return nil, &config.Error{
			Field: "appservice.bot_username",
			Msg:   fmt.Sprintf("registration has %q, regenerate it", reg.SenderLocalpart),
		}
	}
	return reg, nil
}
