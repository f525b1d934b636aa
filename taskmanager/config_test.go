/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskmanager

import (
	"bytes"
	"testing"

	"github.com/acronis/go-appkit/config"
	"github.com/stretchr/testify/require"
)

func TestConfigWithLoader(t *testing.T) {
	yamlData := []byte(`
taskManager:
  workers: 4
  queueSize: 128
`)

	actualConfig := NewConfigWithKeyPrefix("taskManager")
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader(yamlData), config.DataTypeYAML, actualConfig)
	require.NoError(t, err, "load configuration")

	require.Equal(t, 4, actualConfig.Workers)
	require.Equal(t, 128, actualConfig.QueueSize)
}

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte("{}")), config.DataTypeJSON, cfg)
	require.NoError(t, err)
	require.Equal(t, DefaultWorkers, cfg.Workers)
	require.Equal(t, DefaultQueueSize, cfg.QueueSize)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		yamlData string
	}{
		{
			name: "non-positive workers",
			yamlData: `
workers: 0
`,
		},
		{
			name: "negative queue size",
			yamlData: `
workers: 4
queueSize: -1
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(
				bytes.NewReader([]byte(tt.yamlData)), config.DataTypeYAML, cfg)
			require.Error(t, err)
		})
	}
}
