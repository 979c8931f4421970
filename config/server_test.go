package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleServerYAML = `
port: 9090
mode: standalone
database:
  name: /var/lib/channelengine/engine.db
encryptionKey: super-secret
channels:
  - id: ch-adt
    name: adt-intake
    enabled: true
    initialState: STARTED
    source:
      name: hl7-in
      metaDataId: 0
      mode: MLLP
      enabled: true
      properties:
        addr: ":6661"
    destinations:
      - name: emr-out
        metaDataId: 1
        mode: HTTP
        enabled: true
        queueEnabled: true
        bufferSize: 100
        maxRetries: 5
        retryDelayMs: 50
        properties:
          url: "http://emr.internal/api/hl7"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadServerConfigParsesYAML(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, sampleServerYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ServerModeStandalone, cfg.Mode)
	assert.Equal(t, "/var/lib/channelengine/engine.db", cfg.Database.Name)
	assert.Equal(t, "super-secret", cfg.EncryptionKey)

	require.Len(t, cfg.Channels, 1)
	ch := cfg.Channels[0]
	assert.Equal(t, "ch-adt", ch.ID)
	assert.Equal(t, ModeMLLP, ch.Source.Mode)
	require.Len(t, ch.Destinations, 1)
	assert.True(t, ch.Destinations[0].QueueEnabled)
	assert.Equal(t, 100, ch.Destinations[0].BufferSize)
	assert.Equal(t, "http://emr.internal/api/hl7", ch.Destinations[0].Properties["url"])
}

func TestLoadServerConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DB_NAME", "override.db")
	t.Setenv("MIRTH_MODE", "takeover")
	t.Setenv("MIRTH_SHADOW_MODE", "true")

	cfg, err := LoadServerConfig(writeConfig(t, sampleServerYAML))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "override.db", cfg.Database.Name)
	assert.Equal(t, ServerModeTakeover, cfg.Mode)
	assert.True(t, cfg.ShadowMode)
}

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DB_NAME", "")
	t.Setenv("MIRTH_MODE", "")
	cfg, err := LoadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ServerModeAuto, cfg.Mode)
	assert.Equal(t, "channelengine.db", cfg.Database.Name)
}

func TestLoadServerConfigRejectsBadMode(t *testing.T) {
	_, err := LoadServerConfig(writeConfig(t, "mode: sideways\n"))
	assert.Error(t, err)
}

func TestServerConfigRejectsDuplicateChannelNames(t *testing.T) {
	cfg := &ServerConfig{
		Channels: []*ChannelConfig{
			{ID: "a", Name: "same", Source: &ConnectorConfig{Name: "s", Mode: ModeMLLP}},
			{ID: "b", Name: "same", Source: &ConnectorConfig{Name: "s", Mode: ModeMLLP}},
		},
	}
	assert.Error(t, cfg.Validate())
}
