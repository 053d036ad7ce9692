package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/comet/pkg/comet/config"
)

func TestSection_Duration(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    time.Duration
		ok      bool
		wantErr bool
	}{
		{"string", "2m", 2 * time.Minute, true, false},
		{"int seconds", 90, 90 * time.Second, true, false},
		{"float seconds", 1.5, 1500 * time.Millisecond, true, false},
		{"duration", time.Hour, time.Hour, true, false},
		{"nil", nil, 0, false, false},
		{"invalid string", "soon", 0, false, true},
		{"wrong type", true, 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok, err := config.New(map[string]any{"d": tt.value}).Duration("d")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, d)
		})
	}

	_, ok, err := config.New(nil).Duration("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSection_Sub(t *testing.T) {
	root := config.New(map[string]any{
		"viper":  map[string]any{"b": 1, "a": 2},
		"legacy": map[any]any{"k": "v"},
		"scalar": "x",
	})

	assert.Equal(t, []string{"a", "b"}, root.Sub("viper").Names())
	assert.Equal(t, "v", root.Sub("legacy")["k"])
	assert.Empty(t, root.Sub("scalar"))
	assert.Empty(t, root.Sub("missing"))
}

func TestDecode(t *testing.T) {
	root, err := config.Decode([]byte(`{"sources": {"forseti": {"wait_for_more": "2m"}}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"forseti"}, root.Sub(config.SourcesKey).Names())

	_, err = config.Decode([]byte("a: [unclosed"))
	assert.Error(t, err)
}

func TestLoadSources(t *testing.T) {
	root, err := config.Decode([]byte(`
sources:
  forseti:
    wait_for_more: 2m
    escalate_after: 24h
  detectify:
    escalate_after: 86400
    reopen_cooldown: 1h
`))
	require.NoError(t, err)

	sources, err := config.LoadSources(root)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	assert.Equal(t, 2*time.Minute, sources["forseti"].WaitForMore)
	assert.Equal(t, 24*time.Hour, sources["forseti"].EscalateAfter)
	assert.Zero(t, sources["forseti"].ReopenCooldown)

	assert.Zero(t, sources["detectify"].WaitForMore)
	assert.Equal(t, 24*time.Hour, sources["detectify"].EscalateAfter)
	assert.Equal(t, time.Hour, sources["detectify"].ReopenCooldown)
}

func TestLoadSources_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad duration", "sources:\n  forseti:\n    wait_for_more: soon\n"},
		{"negative", "sources:\n  forseti:\n    escalate_after: -1h\n"},
		{"wrong type", "sources:\n  forseti:\n    wait_for_more: [1]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := config.Decode([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = config.LoadSources(root)
			assert.ErrorContains(t, err, "forseti")
		})
	}
}

func TestLoadSources_Empty(t *testing.T) {
	sources, err := config.LoadSources(config.New(nil))
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestSourcesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  forseti:\n    reopen_cooldown: 10m\n"), 0o600))

	sources, err := config.SourcesFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, sources["forseti"].ReopenCooldown)

	_, err = config.SourcesFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
