package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/opd-ai/ttclient"
	"github.com/opd-ai/ttclient/config"
	"github.com/opd-ai/ttclient/connection"
	"github.com/opd-ai/ttclient/events"
)

// cliConfig holds the command-line settings.
type cliConfig struct {
	configFile string
	host       string
	tcpPort    int
	udpPort    int
	encrypted  bool
	scheme     string
	reconnect  bool

	username        string
	password        string
	nickname        string
	channel         string
	channelPassword string

	duration time.Duration
	logLevel string
	logJSON  bool
	dump     bool

	// changed records which server flags were given explicitly.
	changed map[string]bool
}

// parseCLIFlags parses args into a cliConfig.
func parseCLIFlags(args []string, stderr io.Writer) (*cliConfig, error) {
	cli := &cliConfig{changed: make(map[string]bool)}
	fs := pflag.NewFlagSet("ttclient", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&cli.configFile, "config", "c", "", "TOML configuration file")
	fs.StringVarP(&cli.host, "host", "H", "127.0.0.1", "server host")
	fs.IntVar(&cli.tcpPort, "tcp", 10333, "server TCP port")
	fs.IntVar(&cli.udpPort, "udp", 10333, "server UDP port")
	fs.BoolVar(&cli.encrypted, "encrypted", false, "encrypt the connection")
	fs.StringVar(&cli.scheme, "scheme", "tcp", "control channel transport (tcp or ws)")
	fs.BoolVar(&cli.reconnect, "reconnect", false, "reconnect automatically when the connection is lost")

	fs.StringVarP(&cli.username, "username", "u", "guest", "account username")
	fs.StringVarP(&cli.password, "password", "p", "guest", "account password")
	fs.StringVarP(&cli.nickname, "nickname", "n", "ttclient", "nickname shown to other users")
	fs.StringVarP(&cli.channel, "channel", "C", "/", "channel path to join after login, empty to stay out")
	fs.StringVar(&cli.channelPassword, "channel-password", "", "password of the channel")

	fs.DurationVarP(&cli.duration, "duration", "d", 0, "exit after this long (0 runs until interrupted)")
	fs.StringVarP(&cli.logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	fs.BoolVar(&cli.logJSON, "log-json", false, "log as JSON")
	fs.BoolVar(&cli.dump, "dump", false, "dump every event in full")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for _, name := range []string{"host", "tcp", "udp", "encrypted", "scheme", "reconnect"} {
		cli.changed[name] = fs.Changed(name)
	}
	return cli, nil
}

// validateCLIConfig checks the settings that the client library does not.
func validateCLIConfig(cli *cliConfig) error {
	if cli.username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if cli.duration < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	if _, err := logrus.ParseLevel(cli.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", cli.logLevel)
	}
	return nil
}

// setupLogging configures the global logger.
func setupLogging(cli *cliConfig, out io.Writer) {
	level, _ := logrus.ParseLevel(cli.logLevel)
	logrus.SetLevel(level)
	logrus.SetOutput(out)
	if cli.logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// loadOptions builds the client configuration: file, then environment, then
// explicit flags.
func loadOptions(cli *cliConfig) (*config.Options, error) {
	opts := config.Default()
	if cli.configFile != "" {
		var err error
		if opts, err = config.Load(cli.configFile); err != nil {
			return nil, err
		}
	}
	opts = config.FromEnv(opts)

	if cli.changed["host"] || cli.configFile == "" {
		opts.Server.Host = cli.host
	}
	if cli.changed["tcp"] || cli.configFile == "" {
		opts.Server.TCPPort = cli.tcpPort
	}
	if cli.changed["udp"] || cli.configFile == "" {
		opts.Server.UDPPort = cli.udpPort
	}
	if cli.changed["encrypted"] {
		opts.Server.Encrypted = cli.encrypted
	}
	if cli.changed["scheme"] {
		opts.Server.Scheme = cli.scheme
	}
	if cli.changed["reconnect"] {
		opts.Reconnect.Enabled = cli.reconnect
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// describe renders an event as one line.
func describe(ev events.Event) string {
	head := fmt.Sprintf("%-28s", ev.Kind())
	if id := ev.Source(); id != 0 {
		head += fmt.Sprintf(" cmd=%d", id)
	}
	switch e := ev.(type) {
	case events.ConnectSuccess:
		return fmt.Sprintf("%s server=%q user=%d", head, e.ServerName, e.UserID)
	case events.ConnectFailed:
		return fmt.Sprintf("%s error=%v", head, e.Err)
	case events.ConnectCryptError:
		return fmt.Sprintf("%s error=%v", head, e.Err)
	case events.ConnectionLost:
		return fmt.Sprintf("%s reason=%v", head, e.Reason)
	case events.Reconnecting:
		return fmt.Sprintf("%s attempt=%d delay=%v", head, e.Attempt, e.Delay)
	case events.CmdError:
		return fmt.Sprintf("%s error=%v", head, e.Err)
	case events.MySelfLoggedIn:
		return fmt.Sprintf("%s user=%d account=%q", head, e.UserID, e.Account.Username)
	case events.UserLoggedIn:
		return fmt.Sprintf("%s user=%d nickname=%q", head, e.User.ID, e.User.Nickname)
	case events.UserLoggedOut:
		return fmt.Sprintf("%s user=%d", head, e.User.ID)
	case events.UserJoined:
		return fmt.Sprintf("%s user=%d channel=%d", head, e.User.ID, e.User.ChannelID)
	case events.UserLeft:
		return fmt.Sprintf("%s user=%d channel=%d", head, e.User.ID, e.ChannelID)
	case events.TextMessage:
		return fmt.Sprintf("%s from=%q %q", head, e.Message.FromUsername, e.Message.Content)
	case events.ChannelCreated:
		return fmt.Sprintf("%s channel=%d name=%q", head, e.Channel.ID, e.Channel.Name)
	case events.FileNew:
		return fmt.Sprintf("%s channel=%d file=%q size=%d", head, e.File.ChannelID, e.File.Name, e.File.Size)
	case events.FileRemove:
		return fmt.Sprintf("%s channel=%d file=%q", head, e.File.ChannelID, e.File.Name)
	case events.StreamStateChanged:
		return fmt.Sprintf("%s user=%d stream=%s active=%t", head, e.UserID, e.StreamType, e.Active)
	case events.InternalError:
		return fmt.Sprintf("%s error=%v", head, e.Err)
	}
	return head
}

// session drives one client through connect, login and join and prints
// what happens.
type session struct {
	cli    *cliConfig
	client *ttclient.Client
	out    io.Writer
	// reconnect keeps the router running across connection losses.
	reconnect bool

	loginID  uint32
	loggedIn bool
}

func (s *session) print(ev events.Event) events.Flow {
	if s.cli.dump {
		spew.Fdump(s.out, ev)
	} else {
		fmt.Fprintln(s.out, describe(ev))
	}
	return events.Continue
}

// login runs once. After a reconnect the client repeats the login itself.
func (s *session) login(events.ConnectSuccess) events.Flow {
	if s.loggedIn {
		return events.Continue
	}
	id, err := s.client.Login(s.cli.username, s.cli.password, s.cli.nickname)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "login",
			"username": s.cli.username,
			"error":    err.Error(),
		}).Error("Login not sent")
		return events.Stop
	}
	s.loginID = id
	s.loggedIn = true
	return events.Continue
}

func (s *session) join(ev events.CmdSuccess) events.Flow {
	if ev.Source() != s.loginID || s.cli.channel == "" {
		return events.Continue
	}
	s.loginID = 0
	ch, ok := s.client.ChannelByPath(s.cli.channel)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "join",
			"channel":  s.cli.channel,
		}).Warn("Channel not found")
		return events.Continue
	}
	if _, err := s.client.JoinChannel(ch.ID, s.cli.channelPassword); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "join",
			"channel_id": ch.ID,
			"error":      err.Error(),
		}).Error("Join not sent")
	}
	return events.Continue
}

func (s *session) failed(ev events.ConnectFailed) events.Flow {
	if errors.Is(ev.Err, ttclient.ErrReconnectExhausted) || !s.reconnect {
		return events.Stop
	}
	return events.Continue
}

func (s *session) lost(events.ConnectionLost) events.Flow {
	if s.reconnect {
		return events.Continue
	}
	return events.Stop
}

func (s *session) kicked(ev events.MySelfKicked) events.Flow {
	if ev.ChannelID == 0 {
		return events.Stop
	}
	return events.Continue
}

// run connects and dispatches events until ctx ends or the connection is
// gone for good.
func run(ctx context.Context, cli *cliConfig, opts *config.Options, out io.Writer) error {
	client, err := ttclient.New(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	s := &session{cli: cli, client: client, out: out, reconnect: opts.Reconnect.Enabled}
	router := client.Router()
	router.HandleAny(s.print)
	events.On(router, s.login)
	events.On(router, s.join)
	events.On(router, s.failed)
	events.On(router, s.lost)
	events.On(router, s.kicked)

	if err := client.Connect(ctx, connection.ParamsFrom(opts)); err != nil {
		// The failure is also queued as an event; print it before exiting.
		router.Step(client, 0)
		return err
	}
	err = router.Run(ctx, client, 100*time.Millisecond)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func main() {
	cli, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	setupLogging(cli, os.Stderr)

	opts, err := loadOptions(cli)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"config":   cli.configFile,
			"error":    err.Error(),
		}).Fatal("Invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if cli.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, cli.duration)
		defer cancel()
	}

	if err := run(ctx, cli, opts, os.Stdout); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"host":     opts.Server.Host,
			"error":    err.Error(),
		}).Error("Client stopped")
		os.Exit(1)
	}
}
