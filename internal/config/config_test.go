package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"Name": "living room player",
		"MaxFragmentBytes": 1048576,
		"AppendWatchdog": "4s",
		"SessionIdleTimeout": "30m"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "living room player", cfg.Name)
	assert.Equal(t, int64(1048576), cfg.MaxFragmentBytes)
	assert.Equal(t, 4*time.Second, cfg.AppendWatchdog)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, Defaults().MaxFragmentsPerSession, cfg.MaxFragmentsPerSession)
	assert.Equal(t, Defaults().FallbackMIME, cfg.FallbackMIME)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{not json`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"AppendWatchdog": "soon"}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"AppendWatchdog": "-2s"}`))
	assert.Error(t, err)

	// A non-positive idle timeout would reap every session on each tick.
	_, err = Load(writeConfig(t, `{"SessionIdleTimeout": "-1s"}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"SessionIdleTimeout": "0s"}`))
	assert.Error(t, err)
}

func TestDefaultsAreSane(t *testing.T) {
	cfg := Defaults()
	assert.Positive(t, cfg.MaxFragmentBytes)
	assert.Positive(t, cfg.MaxFragmentsPerSession)
	assert.Greater(t, cfg.AppendWatchdog, time.Second)
	assert.Less(t, cfg.AppendWatchdog, 10*time.Second)
}
