package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/testnet"
	"github.com/opd-ai/ttclient/types"
)

func validConfig() *CLIConfig {
	return &CLIConfig{
		address:       "127.0.0.1",
		tcpPort:       10333,
		udpPort:       10333,
		serverName:    "testnet",
		maxPayload:    1400,
		statsInterval: 30 * time.Second,
		logLevel:      "info",
	}
}

func TestValidateCLIConfig(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*CLIConfig)
		wantErr     bool
		errContains string
	}{
		{
			name:   "valid config with defaults",
			modify: func(*CLIConfig) {},
		},
		{
			name:   "system chosen ports",
			modify: func(c *CLIConfig) { c.tcpPort, c.udpPort = 0, 0 },
		},
		{
			name:        "port over 65535",
			modify:      func(c *CLIConfig) { c.tcpPort = 70000 },
			wantErr:     true,
			errContains: "invalid tcp port",
		},
		{
			name:        "negative udp port",
			modify:      func(c *CLIConfig) { c.udpPort = -1 },
			wantErr:     true,
			errContains: "invalid udp port",
		},
		{
			name:        "empty address",
			modify:      func(c *CLIConfig) { c.address = "" },
			wantErr:     true,
			errContains: "listen address cannot be empty",
		},
		{
			name:        "zero payload",
			modify:      func(c *CLIConfig) { c.maxPayload = 0 },
			wantErr:     true,
			errContains: "max payload must be positive",
		},
		{
			name:        "negative stats interval",
			modify:      func(c *CLIConfig) { c.statsInterval = -time.Second },
			wantErr:     true,
			errContains: "stats interval cannot be negative",
		},
		{
			name:        "bad log level",
			modify:      func(c *CLIConfig) { c.logLevel = "chatty" },
			wantErr:     true,
			errContains: "invalid log level",
		},
		{
			name:        "account without password separator",
			modify:      func(c *CLIConfig) { c.accounts = []string{"carol"} },
			wantErr:     true,
			errContains: "not username:password",
		},
		{
			name:        "unnamed channel",
			modify:      func(c *CLIConfig) { c.channels = []string{":secret"} },
			wantErr:     true,
			errContains: "has no name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(config)
			err := validateCLIConfig(config)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseCLIFlags(t *testing.T) {
	config, err := parseCLIFlags([]string{"--tcp", "0", "-c", "Lobby", "-c", "Staff:secret", "--account", "carol:pw", "--noise"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, config.tcpPort)
	assert.Equal(t, 10333, config.udpPort)
	assert.Equal(t, []string{"Lobby", "Staff:secret"}, config.channels)
	assert.Equal(t, []string{"carol:pw"}, config.accounts)
	assert.True(t, config.noise)
	assert.NoError(t, validateCLIConfig(config))
}

func TestCreateServerConfig(t *testing.T) {
	config := validConfig()
	config.accounts = []string{"carol:pw"}
	config.noise = true
	config.serverName = "lab"

	cfg, err := createServerConfig(config)
	require.NoError(t, err)
	assert.Equal(t, "lab", cfg.ServerName)
	assert.Equal(t, 10333, cfg.TCPPort)
	require.NotNil(t, cfg.NoiseKey)
	assert.NotEqual(t, [32]byte{}, cfg.NoiseKey.Public)

	require.Len(t, cfg.Accounts, 3)
	carol := cfg.Accounts[2]
	assert.Equal(t, "carol", carol.Username)
	assert.Equal(t, "pw", carol.Password)
	assert.Equal(t, types.UserTypeDefault, carol.Type)
	assert.Equal(t, cfg.Accounts[1].Rights, carol.Rights)
}

func TestAddChannels(t *testing.T) {
	cfg := testnet.DefaultConfig()
	srv, err := testnet.New(cfg)
	require.NoError(t, err)
	defer srv.Close()

	require.NoError(t, addChannels(srv, []string{"Lobby", "Staff:secret"}))
	id, err := srv.AddChannel(types.Channel{ParentID: 1, Name: "Next"}, "")
	require.NoError(t, err)
	assert.Equal(t, types.ChannelID(4), id, "two channels were created before")
}

func TestReportMetricsStopsWithContext(t *testing.T) {
	srv, err := testnet.New(testnet.DefaultConfig())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reportMetrics(ctx, srv, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reportMetrics did not return after cancel")
	}
}
