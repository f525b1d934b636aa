/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"bytes"
	"testing"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/stretchr/testify/require"
)

func TestConfigWithLoader(t *testing.T) {
	yamlData := []byte(`
retry:
  maxRetries: 3
  backoffFactor: 500ms
  jitter: false
`)

	actualConfig := NewConfigWithKeyPrefix("retry")
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader(yamlData), config.DataTypeYAML, actualConfig)
	require.NoError(t, err, "load configuration")

	require.Equal(t, 3, actualConfig.MaxRetries)
	require.Equal(t, 500*time.Millisecond, actualConfig.BackoffFactor)
	require.False(t, actualConfig.Jitter)
}

func TestConfigDefaults(t *testing.T) {
	yamlData := []byte(`
maxRetries: 3
`)

	cfg := NewConfig()
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader(yamlData), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, cfg.BackoffFactor)
	require.True(t, cfg.Jitter)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		yamlData string
	}{
		{
			name: "negative max retries",
			yamlData: `
maxRetries: -1
`,
		},
		{
			name: "non-positive backoff factor",
			yamlData: `
maxRetries: 3
backoffFactor: 0s
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
