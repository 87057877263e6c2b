package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/opd-ai/ttclient/noise"
	"github.com/opd-ai/ttclient/testnet"
	"github.com/opd-ai/ttclient/types"
)

// CLIConfig holds the command-line settings.
type CLIConfig struct {
	address    string
	tcpPort    int
	udpPort    int
	serverName string
	maxPayload int
	noise      bool
	websocket  bool
	channels   []string
	accounts   []string

	statsInterval time.Duration
	logLevel      string
	logJSON       bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	config := &CLIConfig{}
	fs := pflag.NewFlagSet("testnet", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	// Network configuration
	fs.StringVarP(&config.address, "address", "a", "127.0.0.1", "listen address")
	fs.IntVar(&config.tcpPort, "tcp", 10333, "control channel port (0 picks a free port)")
	fs.IntVar(&config.udpPort, "udp", 10333, "media channel port (0 picks a free port)")
	fs.IntVar(&config.maxPayload, "max-payload", 1400, "largest media datagram announced to clients")
	fs.BoolVar(&config.noise, "noise", false, "require a Noise handshake on the control channel")
	fs.BoolVar(&config.websocket, "websocket", false, "also serve the control channel over WebSocket")

	// Content
	fs.StringVar(&config.serverName, "name", "testnet", "server name")
	fs.StringSliceVarP(&config.channels, "channel", "c", nil, "channel below the root to create, name[:password] (repeatable)")
	fs.StringSliceVar(&config.accounts, "account", nil, "extra default user account, username:password (repeatable)")

	// Logging configuration
	fs.DurationVar(&config.statsInterval, "stats-interval", 30*time.Second, "how often to log server metrics (0 disables)")
	fs.StringVarP(&config.logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	fs.BoolVar(&config.logJSON, "log-json", false, "log as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.address == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	for name, port := range map[string]int{"tcp": config.tcpPort, "udp": config.udpPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s port %d: must be between 0 and 65535", name, port)
		}
	}
	if config.maxPayload <= 0 {
		return fmt.Errorf("max payload must be positive")
	}
	if config.statsInterval < 0 {
		return fmt.Errorf("stats interval cannot be negative")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", config.logLevel)
	}
	for _, a := range config.accounts {
		if user, _, ok := strings.Cut(a, ":"); !ok || user == "" {
			return fmt.Errorf("account %q is not username:password", a)
		}
	}
	for _, c := range config.channels {
		if name, _, _ := strings.Cut(c, ":"); name == "" {
			return fmt.Errorf("channel %q has no name", c)
		}
	}
	return nil
}

// createServerConfig converts CLI configuration to the server configuration.
func createServerConfig(cliConfig *CLIConfig) (testnet.Config, error) {
	cfg := testnet.DefaultConfig()
	cfg.Address = cliConfig.address
	cfg.TCPPort = cliConfig.tcpPort
	cfg.UDPPort = cliConfig.udpPort
	cfg.ServerName = cliConfig.serverName
	cfg.MaxPayload = cliConfig.maxPayload
	cfg.WebSocket = cliConfig.websocket

	for _, a := range cliConfig.accounts {
		user, password, _ := strings.Cut(a, ":")
		cfg.Accounts = append(cfg.Accounts, types.UserAccount{
			Username: user,
			Password: password,
			Type:     types.UserTypeDefault,
			Rights:   cfg.Accounts[1].Rights,
		})
	}

	if cliConfig.noise {
		kp, err := noise.GenerateKeypair()
		if err != nil {
			return testnet.Config{}, err
		}
		cfg.NoiseKey = &kp
	}
	return cfg, nil
}

// setupLogging configures the global logger.
func setupLogging(config *CLIConfig) {
	level, _ := logrus.ParseLevel(config.logLevel)
	logrus.SetLevel(level)
	if config.logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// addChannels creates the requested channels below the root channel.
func addChannels(srv *testnet.Server, specs []string) error {
	for _, spec := range specs {
		name, password, _ := strings.Cut(spec, ":")
		id, err := srv.AddChannel(types.Channel{ParentID: 1, Name: name, Type: types.ChannelPermanent}, password)
		if err != nil {
			return fmt.Errorf("add channel %q: %w", name, err)
		}
		logrus.WithFields(logrus.Fields{
			"function":   "addChannels",
			"channel_id": id,
			"name":       name,
			"protected":  password != "",
		}).Info("Channel created")
	}
	return nil
}

// reportMetrics logs the server counters until ctx ends.
func reportMetrics(ctx context.Context, srv *testnet.Server, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := srv.Metrics()
			logrus.WithFields(logrus.Fields{
				"function":    "reportMetrics",
				"clients":     m.ActiveClients,
				"connections": m.ConnectionsServed,
				"commands":    m.CommandsProcessed,
				"datagrams":   m.DatagramsForwarded,
				"uptime":      time.Since(m.StartTime).Round(time.Second).String(),
			}).Info("Server metrics")
		}
	}
}

func main() {
	cliConfig, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	setupLogging(cliConfig)

	cfg, err := createServerConfig(cliConfig)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Failed to build server configuration")
	}
	srv, err := testnet.New(cfg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"address":  cfg.Address,
			"error":    err.Error(),
		}).Fatal("Failed to start server")
	}
	defer srv.Close()

	if err := addChannels(srv, cliConfig.channels); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Failed to create channels")
	}

	host, tcpPort, udpPort := srv.Endpoint()
	fields := logrus.Fields{
		"function": "main",
		"host":     host,
		"tcp":      tcpPort,
		"udp":      udpPort,
	}
	if cfg.NoiseKey != nil {
		fields["noise_server_key"] = hex.EncodeToString(cfg.NoiseKey.Public[:])
	}
	if cfg.WebSocket {
		fields["websocket"] = srv.WebSocketPort()
	}
	logrus.WithFields(fields).Info("Server ready")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go reportMetrics(ctx, srv, cliConfig.statsInterval)
	<-ctx.Done()

	logrus.WithField("function", "main").Info("Shutting down")
}
