package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
	"server": {"enabled": true, "port": 8321, "password": "filepass"},
	"battleFactory": {
		"enabled": true,
		"username1": "35 Factory Primary Bot",
		"password1": "filepw1",
		"username2": "35 Factory Secondary Bot",
		"password2": "filepw2",
		"interval": 7,
		"sudoers": ["Admin User"],
		"banned": ["Pest User"],
		"setsPath": "data/factory-sets.json"
	},
	"liveUsageStats": {
		"enabled": true,
		"interval": 120,
		"format": "gen9nationaldex35pokes",
		"dbPath": "data/usage.db"
	},
	"maxRestartCount": 3,
	"maxRestartTimeframe": 300
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadReadsFile(t *testing.T) {
	f, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 8321, f.Server.Port)
	assert.Equal(t, "filepass", f.Server.Password)
	assert.Equal(t, 3, f.MaxRestartCount)
	assert.Equal(t, 300, f.MaxRestartTimeframe)

	fc := f.FactoryConfig()
	assert.Equal(t, 7*time.Second, fc.Interval)
	assert.Equal(t, "35 Factory Primary Bot", fc.BotAuth1.Name)
	assert.Equal(t, "filepw2", fc.BotAuth2.Pass)
	assert.Equal(t, []string{"Admin User"}, fc.Sudoers)
	assert.Equal(t, "data/factory-sets.json", fc.SetsPath)

	sc := f.StatsConfig()
	assert.Equal(t, 2*time.Minute, sc.Interval)
	assert.Equal(t, "gen9nationaldex35pokes", sc.Format)
	assert.Equal(t, "data/usage.db", sc.DBPath)

	assert.Equal(t, 8321, f.ServerConfig().Port)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("PSBOT_PORT", "9999")
	t.Setenv("PSBOT_SERVER_PASSWORD", "envpass")
	t.Setenv("PSBOT_BOT1_PASSWORD", "envpw1")
	t.Setenv("PSBOT_BOT2_PASSWORD", "envpw2")
	t.Setenv("PSBOT_LUS_DB", "/tmp/other.db")

	f, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9999, f.Server.Port)
	assert.Equal(t, "envpass", f.Server.Password)
	assert.Equal(t, "envpw1", f.FactoryConfig().BotAuth1.Pass)
	assert.Equal(t, "envpw2", f.FactoryConfig().BotAuth2.Pass)
	assert.Equal(t, "/tmp/other.db", f.StatsConfig().DBPath)
}

func TestLoadDefaults(t *testing.T) {
	f, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, 3000, f.Server.Port)
	assert.Equal(t, 5, f.MaxRestartCount)
	assert.Equal(t, 600, f.MaxRestartTimeframe)
	assert.False(t, f.BattleFactory.Enabled)
}

func TestLoadFailures(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{not json`))
	assert.Error(t, err)
}
