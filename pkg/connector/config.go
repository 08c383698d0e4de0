// Copyright 2024-2026 Aiku AI

package connector

import (
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDisplaynameTemplate = "{{.Name}}{{if .Bot}} [BOT]{{end}} (Discord)"
	DefaultStalenessThreshold  = 20 * time.Second
	DefaultTeardownGrace       = 20 * time.Second
	// DefaultMaxFileSize is Discord's upload limit for regular guilds.
	DefaultMaxFileSize      = 8 * 1024 * 1024
	DefaultPresenceInterval = 50 * time.Second
	DefaultTypingTimeout    = 7 * time.Second
	DefaultSyncConcurrency  = 4
)

// Config holds the bridge section of the configuration.
type Config struct {
	DisplaynameTemplate string `yaml:"displayname_template"`
	// StalenessThreshold is the maximum age of a Matrix event that is still
	// relayed. Older events are backlog replayed after a reconnect.
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	// TeardownGrace is how long the bot stays in a deleted channel's room
	// after kicking everyone, so the kicks can federate.
	TeardownGrace    time.Duration `yaml:"teardown_grace"`
	MaxFileSize      int64         `yaml:"max_file_size"`
	RoomKeyAttempts  int           `yaml:"room_key_attempts"`
	MediaDir         string        `yaml:"media_dir"`
	PresenceInterval time.Duration `yaml:"presence_interval"`
	TypingTimeout    time.Duration `yaml:"typing_timeout"`
	SyncConcurrency  int           `yaml:"sync_concurrency"`
	// AdminAPIAddr is the listen address of the admin API. Empty
	// disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	// Name is the guild nickname if set, otherwise the username.
	Name     string
	Username string
	Nick     string
	Bot      bool
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills in defaults and compiles the displayname template.
func (c *Config) PostProcess() error {
	if c.DisplaynameTemplate == "" {
		c.DisplaynameTemplate = DefaultDisplaynameTemplate
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = DefaultStalenessThreshold
	}
	if c.TeardownGrace < 0 {
		c.TeardownGrace = DefaultTeardownGrace
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.RoomKeyAttempts <= 0 {
		c.RoomKeyAttempts = DefaultRoomKeyAttempts
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = DefaultPresenceInterval
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = DefaultSyncConcurrency
	}
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	return err
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Name
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil {
		return params.Name
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
