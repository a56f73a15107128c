package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "hal9.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "server_id: node-a\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.ServerID)
	assert.Equal(t, "mock", cfg.Cognition.Mode)
	assert.Equal(t, 10, cfg.Network.Pool.MaxConnectionsPerServer)
	assert.Equal(t, 5, cfg.Distributed.MaxHops)
}

func TestLoadRejectsMissingServerID(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "network:\n  listen_addr: \"0.0.0.0:9000\"\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateNeuronIDs(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `
server_id: node-a
neurons:
  - id: a
    layer: reflexive
  - id: a
    layer: implementation
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate neuron id")
}

func TestValidateExtendedFlagsUnresolvableForward(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerID = "node-a"
	cfg.Neurons = []NeuronConfig{
		{ID: "a", Layer: "reflexive", ForwardConnections: []string{"ghost"}},
	}
	cfg.Distributed.Enabled = false

	err := cfg.ValidateExtended()
	require.Error(t, err)

	cfg.Distributed.Enabled = true
	require.NoError(t, cfg.ValidateExtended())
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerID = "node-a"

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, cfg.ServerID, decoded.ServerID)
}
