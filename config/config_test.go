package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taiyaki/reward-engine/redemption"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Recovery.StaleAfter)
	assert.Equal(t, "", cfg.AMQP.URL)

	// Defaults reproduce the engine's own defaults.
	want := redemption.DefaultConfig()
	got := cfg.EngineConfig()
	assert.True(t, want.NoWinMass.Equal(got.NoWinMass))
	got.NoWinMass = want.NoWinMass
	assert.Equal(t, want, got)
}

func TestLoad_FileAndEnv(t *testing.T) {
	// GIVEN: A YAML file setting costs and admins, and an env override
	// WHEN: Loading
	// THEN: File values apply, env wins over file

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
draw:
  single_cost: 5
  multi_cost: 45
  no_win_mass: "0.5"
admin:
  ids: ["ops-1", "ops-2"]
log:
  level: debug
`), 0o600))
	t.Setenv("REWARD_DRAW_MULTI_BONUS", "7")
	t.Setenv("REWARD_SERVER_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, int64(5), cfg.Draw.SingleCost)
	assert.Equal(t, int64(45), cfg.Draw.MultiCost)
	assert.Equal(t, int64(7), cfg.Draw.MultiBonus)
	assert.Equal(t, "0.5", cfg.EngineConfig().NoWinMass.String())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.IsAdmin("ops-2"))
	assert.False(t, cfg.IsAdmin("alice"))
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown driver":    "store:\n  driver: mongo\n",
		"postgres no dsn":   "store:\n  driver: postgres\n",
		"bad mass":          "draw:\n  no_win_mass: lots\n",
		"bonus above cost":  "draw:\n  multi_cost: 10\n  multi_bonus: 10\n",
		"zero pity":         "draw:\n  pity_threshold: 0\n",
		"zero max attempts": "engine:\n  max_attempts: 0\n",
		"zero relay tick":   "amqp:\n  url: amqp://localhost\nrelay:\n  interval: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
