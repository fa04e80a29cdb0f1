package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid console",
			cfg:  Config{Level: "debug", Format: "console"},
		},
		{
			name:    "bad level",
			cfg:     Config{Level: "verbose", Format: "json"},
			wantErr: "invalid log level",
		},
		{
			name:    "bad format",
			cfg:     Config{Level: "info", Format: "xml"},
			wantErr: "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew(t *testing.T) {
	logger, err := New(&Config{
		Level:  "debug",
		Format: "json",
		Fields: map[string]string{"service": "governd"},
	})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Debug("debug enabled")
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	logger, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Config{Level: "nope", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
