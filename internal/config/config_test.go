package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "*/15 * * * *", cfg.RefreshCron)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	want := &Config{
		DBPath:          "/tmp/cache.db",
		DefaultTimezone: "Europe/Berlin",
		LocalTimezone:   "Asia/Seoul",
		RefreshCron:     "0 * * * *",
		DefaultCalendar: "work",
		Calendars: []CalendarConfig{
			{Name: "work", Path: "/cal/work", Color: "#FF0000"},
			{Name: "feed", Path: "/cal/feed", ReadOnly: true},
		},
	}
	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNormalizeFillsDefaults(t *testing.T) {
	var cfg Config
	cfg.Normalize()

	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "*/15 * * * *", cfg.RefreshCron)
	assert.NotNil(t, cfg.Calendars)
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("calendars: [broken"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
