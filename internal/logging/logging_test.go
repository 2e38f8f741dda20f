package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"ecomsimply/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSON(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	require.NoError(t, setup(config.Log{Level: "warn", Format: "json"}, &buf))

	log.Info().Msg("hidden")
	log.Warn().Str("store_id", "shopify").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "shopify", line["store_id"])
	assert.Equal(t, "ecomsimply", line["service"])
}

func TestSetup_Errors(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, setup(config.Log{Level: "loud"}, &buf))
	assert.Error(t, setup(config.Log{Level: "info", Format: "xml"}, &buf))
}
