package syncconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "syncRoot: /home/user/Cozy\nremoteURL: https://cozy.example.com\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/home/user/Cozy", cfg.SyncRoot)
	require.NotEmpty(t, cfg.DeviceName)
	require.Equal(t, "/home/user/Cozy/.cozy-sync-state", cfg.StateDir)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "syncRoot: /r\nremoteURL: https://cozy.example.com\nlogLevel: loud\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingRemoteURL(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "syncRoot: /home/user/Cozy\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsClientIDWithoutSecret(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "syncRoot: /r\nremoteURL: https://cozy.example.com\noauthClientID: abc\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadSecretFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "syncRoot: /r\nremoteURL: https://cozy.example.com\noauthClientID: abc\n")

	t.Setenv("COZY_SYNC_OAUTH_CLIENT_SECRET", "shh")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "shh", cfg.OAuthClientSecret)
}
