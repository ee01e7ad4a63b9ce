package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetConfigString(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("prometheus_port: 7000"), 0o644))
	t.Setenv("RTPTRANSPORT_TEST_DIR", dir)

	tests := []struct {
		name       string
		configFile string
		configBody string
		expected   string
	}{
		{"nothing", "", "", ""},
		{"body only", "", "development: true", "development: true"},
		{"body wins over file", configFile, "development: true", "development: true"},
		{"file", configFile, "", "prometheus_port: 7000"},
		{"env in path", "$RTPTRANSPORT_TEST_DIR/config.yaml", "", "prometheus_port: 7000"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			configBody, err := getConfigString(test.configFile, test.configBody)
			require.NoError(t, err)
			require.Equal(t, test.expected, configBody)
		})
	}
}

func TestConfigFileMissing(t *testing.T) {
	configBody, err := getConfigString(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)
	require.Empty(t, configBody)
}
