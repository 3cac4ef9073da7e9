package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaultsWithNoFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(LoadConfigInput{WorkDir: dir, Env: map[string]string{}})
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().ShardCount, cfg.ShardCount)
	require.Equal(t, DefaultConfig().ServerPort, cfg.ServerPort)
	require.Empty(t, cfg.Sources.Global)
	require.Empty(t, cfg.Sources.Project)
}

func TestLoadConfigMergesProjectFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{
		// a project-local override
		"server_port": "9090",
		"shard_count": 64,
	}`)

	cfg, err := LoadConfig(LoadConfigInput{WorkDir: dir, Env: map[string]string{}})
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.ServerPort)
	require.Equal(t, 64, cfg.ShardCount)
	require.Equal(t, DefaultConfig().VacuumInterval, cfg.VacuumInterval)
	require.Equal(t, filepath.Join(dir, ConfigFileName), cfg.Sources.Project)
}

func TestLoadConfigOverridesBeatEveryFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"server_port": "9090"}`)

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDir:            dir,
		Env:                map[string]string{},
		ServerPortOverride: "1234",
	})
	require.NoError(t, err)
	require.Equal(t, "1234", cfg.ServerPort)
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadConfig(LoadConfigInput{
		WorkDir:    dir,
		Env:        map[string]string{},
		ConfigPath: filepath.Join(dir, "missing.jsonc"),
	})
	require.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoadConfigRejectsNonPositiveShardCount(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(LoadConfigInput{
		WorkDir:            dir,
		Env:                map[string]string{},
		ShardCountOverride: -1,
	})
	require.ErrorIs(t, err, ErrShardCountInvalid)
	require.Zero(t, cfg)
}

func TestLoadConfigRejectsMismatchedTLSPair(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"tls_cert_file": "server.crt"}`)
	_, err := LoadConfig(LoadConfigInput{WorkDir: dir, Env: map[string]string{}})
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestLoadConfigParsesDurationOverride(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(LoadConfigInput{
		WorkDir:                dir,
		Env:                    map[string]string{},
		VacuumIntervalOverride: 30 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.VacuumInterval)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
