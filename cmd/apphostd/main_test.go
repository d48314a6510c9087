package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigIgnoresAppDescriptor(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apphost.yml"), []byte("reload_strategy: rolling\naddress: \":9999\"\n"), 0644))

	v := viper.New()
	require.NoError(t, loadConfig(v))
	assert.Empty(t, v.ConfigFileUsed())
	assert.Empty(t, v.GetString("address"))
}

func TestLoadConfigReadsDaemonConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apphost.yml"), []byte("address: \":9999\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apphostd.yaml"), []byte("address: \":4000\"\nmonitor_interval: 2s\n"), 0644))

	v := viper.New()
	require.NoError(t, loadConfig(v))
	assert.Equal(t, "apphostd.yaml", filepath.Base(v.ConfigFileUsed()))
	assert.Equal(t, ":4000", v.GetString("address"))
}

func TestLoadConfigExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apps_base: /srv/apps\n"), 0644))

	v := viper.New()
	v.Set("config", path)
	require.NoError(t, loadConfig(v))
	assert.Equal(t, "/srv/apps", v.GetString("apps_base"))
}
