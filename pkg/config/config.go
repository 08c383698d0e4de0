// Copyright 2024-2026 Aiku AI

// Package config loads the bridge configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/matrix-discord-bridge/pkg/connector"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrConfigCreated is returned by Load when no config existed and the
// example was written in its place.
var ErrConfigCreated = errors.New("example config written, edit it and restart the bridge")

// Error reports an invalid config value.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Msg)
}

type HomeserverConfig struct {
	Address       string `yaml:"address"`
	Domain        string `yaml:"domain"`
	PublicAddress string `yaml:"public_address"`
}

type AppServiceConfig struct {
	// Address is where the homeserver reaches the bridge.
	Address     string `yaml:"address"`
	Hostname    string `yaml:"hostname"`
	Port        uint16 `yaml:"port"`
	ID          string `yaml:"id"`
	BotUsername string `yaml:"bot_username"`
}

type DiscordConfig struct {
	Token string `yaml:"token"`
}

// Config is the whole configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Discord    DiscordConfig     `yaml:"discord"`
	Bridge     connector.Config  `yaml:"bridge"`
	Database   store.Config      `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str|up.Null, "homeserver", "public_address")

	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "bot_username")

	helper.Copy(up.Str, "discord", "token")

	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str, "bridge", "staleness_threshold")
	helper.Copy(up.Str, "bridge", "teardown_grace")
	helper.Copy(up.Int, "bridge", "max_file_size")
	helper.Copy(up.Int, "bridge", "room_key_attempts")
	helper.Copy(up.Str|up.Null, "bridge", "media_dir")
	helper.Copy(up.Str, "bridge", "presence_interval")
	helper.Copy(up.Str, "bridge", "typing_timeout")
	helper.Copy(up.Int, "bridge", "sync_concurrency")
	helper.Copy(up.Str|up.Null, "bridge", "admin_api_addr")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config onto the current example.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}

// Load reads the config at path, upgrading it in place to the current
// layout. A missing file is replaced by the example and ErrConfigCreated is
// returned.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
		return nil, ErrConfigCreated
	}
	data, _, err := up.Do(path, true, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates config data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Bridge.PostProcess(); err != nil {
		return nil, &Error{Field: "bridge.displayname_template", Msg: err.Error()}
	}
	return &cfg, nil
}

// Validate checks required values and fills in derived ones.
func (c *Config) Validate() error {
	switch {
	case c.Homeserver.Address == "":
		return &Error{Field: "homeserver.address", Msg: "must be set"}
	case c.Homeserver.Domain == "":
		return &Error{Field: "homeserver.domain", Msg: "must be set"}
	case c.AppService.Address == "":
		return &Error{Field: "appservice.address", Msg: "must be set"}
	case c.Discord.Token == "" || c.Discord.Token == "CHANGE ME":
		return &Error{Field: "discord.token", Msg: "must be set"}
	}
	if c.Homeserver.PublicAddress == "" {
		c.Homeserver.PublicAddress = c.Homeserver.Address
	}
	c.Homeserver.PublicAddress = strings.TrimSuffix(c.Homeserver.PublicAddress, "/")
	if c.AppService.ID == "" {
		c.AppService.ID = "discord"
	}
	if c.AppService.BotUsername == "" {
		c.AppService.BotUsername = "_discord_bot"
	}
	if c.Database.URI == "" {
		c.Database.URI = "bridge.db"
	}
	return nil
}
