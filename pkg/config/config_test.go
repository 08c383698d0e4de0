// Copyright 2024-2026 Aiku AI

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/matrix-discord-bridge/pkg/connector"
)

func validConfig() string {
	return strings.Replace(ExampleConfig, "token: CHANGE ME", "token: bot-token", 1)
}

func TestExampleConfigNotEmpty(t *testing.T) {
	t.Parallel()
	if ExampleConfig == "" {
		t.Error("ExampleConfig should not be empty (embedded from example-config.yaml)")
	}
}

func TestParseExampleDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(validConfig()))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8008", cfg.Homeserver.Address)
	assert.Equal(t, "example.org", cfg.Homeserver.Domain)
	assert.Equal(t, "http://localhost:8008", cfg.Homeserver.PublicAddress, "defaults to the address")
	assert.Equal(t, uint16(29334), cfg.AppService.Port)
	assert.Equal(t, "_discord_bot", cfg.AppService.BotUsername)
	assert.Equal(t, "bot-token", cfg.Discord.Token)

	assert.Equal(t, connector.DefaultStalenessThreshold, cfg.Bridge.StalenessThreshold)
	assert.Equal(t, 20*time.Second, cfg.Bridge.TeardownGrace)
	assert.Equal(t, int64(connector.DefaultMaxFileSize), cfg.Bridge.MaxFileSize)
	assert.Equal(t, connector.DefaultRoomKeyAttempts, cfg.Bridge.RoomKeyAttempts)
	assert.Equal(t, 7*time.Second, cfg.Bridge.TypingTimeout)
	assert.Empty(t, cfg.Bridge.AdminAPIAddr)

	assert.Equal(t, "bolt", cfg.Database.Type)
	assert.Equal(t, "bridge.db", cfg.Database.URI)

	log, err := cfg.Logging.Compile()
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestParseValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		from  string
		to    string
		field string
	}{
		{
			name:  "placeholder token",
			from:  "token: bot-token",
			to:    "token: CHANGE ME",
			field: "discord.token",
		},
		{
			name:  "missing domain",
			from:  "domain: example.org",
			to:    "domain: \"\"",
			field: "homeserver.domain",
		},
		{
			name:  "missing appservice address",
			from:  "address: http://localhost:29334",
			to:    "address: \"\"",
			field: "appservice.address",
		},
		{
			name:  "broken displayname template",
			from:  `displayname_template: "{{.Name}}{{if .Bot}} [BOT]{{end}} (Discord)"`,
			to:    `displayname_template: "{{.Name"`,
			field: "bridge.displayname_template",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := strings.Replace(validConfig(), tt.from, tt.to, 1)
			require.NotEqual(t, validConfig(), data, "replacement must apply")

			_, err := Parse([]byte(data))
			var cfgErr *Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestPublicAddressTrimmed(t *testing.T) {
	t.Parallel()
	data := strings.Replace(validConfig(), "public_address:\n", "public_address: https://matrix.example.org/\n", 1)
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "https://matrix.example.org", cfg.Homeserver.PublicAddress)
}

func TestLoadWritesExample(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfigCreated)
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ExampleConfig, string(written))

	// The example itself is not usable until the token is set.
	_, err = Load(path)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "discord.token", cfgErr.Field)
}

func TestLoadUpgradesOldConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	old := `
homeserver:
    address: https://matrix.example.com
    domain: example.com
appservice:
    address: http://bridge:29334
discord:
    token: secret
bridge:
    staleness_threshold: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(old), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.Homeserver.Domain)
	assert.Equal(t, "secret", cfg.Discord.Token)
	assert.Equal(t, 5*time.Second, cfg.Bridge.StalenessThreshold)
	// Keys missing from the old file come from the example.
	assert.Equal(t, 7*time.Second, cfg.Bridge.TypingTimeout)
	assert.Equal(t, "bolt", cfg.Database.Type)
}

func TestUpgradeConfig(t *testing.T) {
	t.Parallel()
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		t.Fatalf("failed to parse base config: %v", err)
	}
	userCfg := `
homeserver:
    domain: custom.org
bridge:
    displayname_template: "{{.Username}}"
database:
    type: sqlite
`
	var cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(userCfg), &cfgNode); err != nil {
		t.Fatalf("failed to parse user config: %v", err)
	}

	helper := up.NewHelper(&baseNode, &cfgNode)
	upgradeConfig(helper)

	if val, ok := helper.Get(up.Str, "homeserver", "domain"); !ok || val != "custom.org" {
		t.Errorf("homeserver.domain after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "bridge", "displayname_template"); !ok || val != "{{.Username}}" {
		t.Errorf("bridge.displayname_template after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "database", "type"); !ok || val != "sqlite" {
		t.Errorf("database.type after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "homeserver", "address"); !ok || val != "http://localhost:8008" {
		t.Errorf("homeserver.address should keep the example value: got %q, ok=%v", val, ok)
	}
}
