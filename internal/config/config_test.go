// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8090", cfg.HTTPAddr)
	assert.Equal(t, "courier.rpc", cfg.RequestQueue)
	assert.Equal(t, 5*time.Minute, cfg.PairingTTL)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, 15*time.Second, cfg.RPCDefaultTimeout)
	assert.Equal(t, "loopback", cfg.ProtocolDriver)

	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COURIER_PAIRING_TTL", "10m")
	t.Setenv("COURIER_MAX_RECONNECTS", "2")
	t.Setenv("COURIER_REQUEST_QUEUE", "custom.rpc")
	t.Setenv("COURIER_LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, 10*time.Minute, cfg.PairingTTL)
	assert.Equal(t, 2, cfg.MaxReconnects)
	assert.Equal(t, "custom.rpc", cfg.RequestQueue)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestInvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("COURIER_MAX_RECONNECTS", "many")
	t.Setenv("COURIER_PAIRING_TTL", "soon")

	cfg := Load()
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, 5*time.Minute, cfg.PairingTTL)
}

func TestEmptyEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("COURIER_REQUEST_QUEUE", "")
	cfg := Load()
	assert.Equal(t, "courier.rpc", cfg.RequestQueue)
}

func TestValidate(t *testing.T) {
	base := Load()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty broker URL", func(c *Config) { c.BrokerURL = "" }},
		{"empty request queue", func(c *Config) { c.RequestQueue = "" }},
		{"zero pairing TTL", func(c *Config) { c.PairingTTL = 0 }},
		{"negative reconnect delay", func(c *Config) { c.ReconnectDelay = -time.Second }},
		{"negative max reconnects", func(c *Config) { c.MaxReconnects = -1 }},
		{"zero RPC timeout", func(c *Config) { c.RPCDefaultTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseBool(t *testing.T) {
	t.Setenv("COURIER_TEST_FLAG", "true")
	assert.True(t, ParseBool("COURIER_TEST_FLAG", false))

	t.Setenv("COURIER_TEST_FLAG", "not-a-bool")
	assert.False(t, ParseBool("COURIER_TEST_FLAG", false))

	assert.True(t, ParseBool("COURIER_UNSET_FLAG", true))
}
