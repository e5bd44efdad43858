package plugins

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationError_FromValidateConfig(t *testing.T) {
	h := NewTelegramHandler(zerolog.Nop())

	err := h.ValidateConfig(map[string]interface{}{"bot_token": "t"})
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "telegram", cfgErr.PluginType)
	assert.Contains(t, cfgErr.Reason, "secret_token")
}

func TestIsAccessDenied(t *testing.T) {
	denied := &AccessDeniedError{Provider: "github", Status: 403}

	assert.True(t, IsAccessDenied(denied))
	assert.True(t, IsAccessDenied(fmt.Errorf("post failed: %w", denied)))
	assert.False(t, IsAccessDenied(errors.New("timeout")))
	assert.Contains(t, denied.Error(), "github")
	assert.Contains(t, denied.Error(), "403")
}
