// Package config loads the JSON config file and applies environment
// overrides on top of it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/swordfishtr/35PokesPSBot/factory"
	"github.com/swordfishtr/35PokesPSBot/psbot"
	"github.com/swordfishtr/35PokesPSBot/server"
	"github.com/swordfishtr/35PokesPSBot/stats"
)

// File mirrors the config file layout. Intervals are in seconds.
type File struct {
	Server struct {
		Enabled  bool   `json:"enabled"`
		Port     int    `json:"port"`
		Password string `json:"password"`
	} `json:"server"`

	BattleFactory struct {
		Enabled   bool     `json:"enabled"`
		Username1 string   `json:"username1"`
		Password1 string   `json:"password1"`
		Username2 string   `json:"username2"`
		Password2 string   `json:"password2"`
		Interval  int      `json:"interval"`
		Sudoers   []string `json:"sudoers"`
		Banned    []string `json:"banned"`
		SetsPath  string   `json:"setsPath"`
	} `json:"battleFactory"`

	LiveUsageStats struct {
		Enabled  bool   `json:"enabled"`
		Interval int    `json:"interval"`
		Format   string `json:"format"`
		DBPath   string `json:"dbPath"`
	} `json:"liveUsageStats"`

	// Restart budget: a service that disconnects more than
	// MaxRestartCount times within MaxRestartTimeframe seconds stays
	// down.
	MaxRestartCount     int `json:"maxRestartCount"`
	MaxRestartTimeframe int `json:"maxRestartTimeframe"`
}

// overrides are the environment knobs. Passwords belong here rather
// than in a file checked into a server.
type overrides struct {
	Port         int    `env:"PSBOT_PORT"`
	ServerPass   string `env:"PSBOT_SERVER_PASSWORD"`
	BotPassword1 string `env:"PSBOT_BOT1_PASSWORD"`
	BotPassword2 string `env:"PSBOT_BOT2_PASSWORD"`
	SetsPath     string `env:"PSBOT_SETS_PATH"`
	DBPath       string `env:"PSBOT_LUS_DB"`
}

// Load reads the config file at path and applies environment
// overrides.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var o overrides
	if err := env.Parse(&o); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	if o.Port != 0 {
		f.Server.Port = o.Port
	}
	if o.ServerPass != "" {
		f.Server.Password = o.ServerPass
	}
	if o.BotPassword1 != "" {
		f.BattleFactory.Password1 = o.BotPassword1
	}
	if o.BotPassword2 != "" {
		f.BattleFactory.Password2 = o.BotPassword2
	}
	if o.SetsPath != "" {
		f.BattleFactory.SetsPath = o.SetsPath
	}
	if o.DBPath != "" {
		f.LiveUsageStats.DBPath = o.DBPath
	}

	if f.Server.Port == 0 {
		f.Server.Port = 3000
	}
	if f.MaxRestartCount == 0 {
		f.MaxRestartCount = 5
	}
	if f.MaxRestartTimeframe == 0 {
		f.MaxRestartTimeframe = 600
	}
	return &f, nil
}

func (f *File) FactoryConfig() factory.Config {
	return factory.Config{
		Interval: time.Duration(f.BattleFactory.Interval) * time.Second,
		Sudoers:  f.BattleFactory.Sudoers,
		Banned:   f.BattleFactory.Banned,
		BotAuth1: psbot.Auth{Name: f.BattleFactory.Username1, Pass: f.BattleFactory.Password1},
		BotAuth2: psbot.Auth{Name: f.BattleFactory.Username2, Pass: f.BattleFactory.Password2},
		SetsPath: f.BattleFactory.SetsPath,
	}
}

func (f *File) StatsConfig() stats.Config {
	return stats.Config{
		Interval: time.Duration(f.LiveUsageStats.Interval) * time.Second,
		Format:   f.LiveUsageStats.Format,
		DBPath:   f.LiveUsageStats.DBPath,
	}
}

func (f *File) ServerConfig() server.Config {
	return server.Config{
		Port:     f.Server.Port,
		Password: f.Server.Password,
	}
}
