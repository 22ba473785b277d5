package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "powershell.exe", cfg.Interpreter.Path)
	assert.Equal(t, []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass"}, cfg.Interpreter.Args)
	assert.Equal(t, 60000, cfg.Execution.DefaultTimeoutMs)
	assert.Equal(t, int64(50<<20), cfg.Execution.MaxOutputBytes)
	assert.Contains(t, cfg.Paths.AllowedPrefixes, `C:\AppLocker`)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
interpreter:
  path: pwsh
execution:
  max_concurrent: 4
  max_timeout_ms: 1200000
channels:
  machine:scan:
    timeout_ms: 900000
  policy:deploy:
    disabled: true
webhooks:
  - id: siem
    url: https://siem.example.com/hooks/lockbridge
    events: [invocation.failed]
`))
	require.NoError(t, err)
	assert.Equal(t, "pwsh", cfg.Interpreter.Path)
	assert.Equal(t, []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass"}, cfg.Interpreter.Args)
	assert.True(t, cfg.ChannelDisabled("policy:deploy"))
	assert.False(t, cfg.ChannelDisabled("machine:getAll"))
	assert.Equal(t, 15*time.Minute, cfg.DefaultTimeout("machine:scan", 10*time.Minute))
	require.Len(t, cfg.Webhooks, 1)
	assert.True(t, cfg.Webhooks[0].IsEnabled())
}

func TestTimeoutResolution(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2*time.Minute, cfg.DefaultTimeout("machine:getAll", 2*time.Minute))
	assert.Equal(t, time.Minute, cfg.DefaultTimeout("x:y", 0))
	assert.Equal(t, 10*time.Minute, cfg.ClampTimeout(time.Hour))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no interpreter":   "interpreter:\n  path: \"\"\n",
		"negative timeout": "execution:\n  default_timeout_ms: -1\n",
		"default over max": "execution:\n  default_timeout_ms: 700000\n",
		"bad channel":      "channels:\n  getAll:\n    timeout_ms: 10\n",
		"relative prefix":  "paths:\n  allowed_prefixes: ['AppLocker']\n",
		"bad log level":    "log:\n  level: loud\n",
		"bad addr":         "server:\n  addr: nowhere\n",
		"bad base path":    "server:\n  base_path: v0\n",
		"webhook url":      "webhooks:\n  - id: a\n    url: not a url\n",
		"dup webhook":      "webhooks:\n  - id: a\n    url: http://x.example\n  - id: a\n    url: http://y.example\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "lockbridge.yml"), []byte("log:\n  format: json\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
}
