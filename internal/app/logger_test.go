package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerProductionEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{AppEnv: "production", LogFormat: "pretty"})
	logger.Info("role created", "tenant", "t1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	assert.Equal(t, "role created", line["msg"])
	assert.Equal(t, "t1", line["tenant"])
}

func TestNewLoggerDevelopmentEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{AppEnv: "development", LogFormat: "pretty"})
	logger.Debug("resync scheduled")
	assert.Contains(t, buf.String(), "resync scheduled")
}

func TestNewLoggerJSONFormatOutsideProduction(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{AppEnv: "development", LogFormat: "json"})
	logger.Info("permission check")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	assert.Equal(t, "permission check", line["msg"])
}
