package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProvidesLocallyRunnableConfig(t *testing.T) {
	cfg := Default("/srv/shadercompiled")
	assert.Equal(t, 8413, cfg.TCPPort)
	assert.True(t, cfg.CachingEnabled)
	assert.Empty(t, cfg.AllowList)
}

func TestLoadFileMissingFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"), "/srv/root")
	require.NoError(t, err)
	assert.Equal(t, "/srv/root", cfg.Paths.Root)
}

func TestLoadFileAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shadercompiled.toml")
	content := `
allow_list = ["10.0.0.0/8"]
fallback_peers = ["peer1:8413"]
fallback_threshold = 16
valid_platforms = ["ps4", "xboxone"]
valid_languages = ["hlsl"]

[[compiler]]
id = "fxc"
executable = "fxc.exe"
args_template = "{input} {output}"

[mail]
interval_seconds = 300
fail_mail = "builds@example.com"
server = "smtp.example.com"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path, "/srv/root")
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.AllowList)
	assert.Equal(t, []string{"peer1:8413"}, cfg.FallbackPeers)
	assert.Equal(t, int64(16), cfg.FallbackThreshold)
	assert.True(t, cfg.PlatformSet()["ps4"])
	assert.True(t, cfg.LanguageSet()["hlsl"])

	spec, ok := cfg.Compilers.Lookup("fxc")
	require.True(t, ok)
	assert.Equal(t, "fxc.exe", spec.Executable)

	assert.Equal(t, "builds@example.com", cfg.Mail.FailMail)
}
