package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/types"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{d}
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Server is the endpoint of a connection attempt.
type Server struct {
	Host         string `toml:"host"`
	TCPPort      int    `toml:"tcp_port"`
	UDPPort      int    `toml:"udp_port"`
	LocalTCPPort int    `toml:"local_tcp_port"`
	LocalUDPPort int    `toml:"local_udp_port"`
	Encrypted    bool   `toml:"encrypted"`
	// Scheme selects the control channel transport: "tcp" or "ws".
	Scheme string `toml:"scheme"`
	// Path is the WebSocket request path.
	Path string `toml:"path"`
}

// Encryption modes.
const (
	ModeTLS   = "tls"
	ModeNoise = "noise"
)

// Encryption is the key material of an encrypted connection. It is copied
// when a connection attempt starts and not consulted again.
type Encryption struct {
	Mode        string `toml:"mode"`
	CertFile    string `toml:"cert_file"`
	KeyFile     string `toml:"key_file"`
	CAFile      string `toml:"ca_file"`
	CADir       string `toml:"ca_dir"`
	VerifyPeer  bool   `toml:"verify_peer"`
	VerifyOnce  bool   `toml:"verify_once"`
	VerifyDepth int    `toml:"verify_depth"`
	ServerName  string `toml:"server_name"`
	// NoiseServerKey pins the server's static key (hex). Without it the
	// handshake learns the key.
	NoiseServerKey string `toml:"noise_server_key"`
	// NoisePrivateKey is the client's static key (hex). A fresh key is
	// generated per connection when empty.
	NoisePrivateKey string `toml:"noise_private_key"`
}

// KeepAlive holds the per-channel liveness timers.
type KeepAlive struct {
	ConnectTimeout       Duration `toml:"connect_timeout"`
	LostTimeout          Duration `toml:"connection_lost"`
	TCPInterval          Duration `toml:"tcp_interval"`
	UDPInterval          Duration `toml:"udp_interval"`
	UDPRetransmit        Duration `toml:"udp_retransmit"`
	UDPRetransmitBudget  int      `toml:"udp_retransmit_budget"`
	UDPConnectRetransmit Duration `toml:"udp_connect_retransmit"`
	UDPConnectTimeout    Duration `toml:"udp_connect_timeout"`
}

// Events sizes the event queue.
type Events struct {
	Capacity int      `toml:"capacity"`
	PushWait Duration `toml:"push_wait"`
}

// Reconnect is the automatic reconnect policy.
type Reconnect struct {
	Enabled            bool     `toml:"enabled"`
	MaxAttempts        int      `toml:"max_attempts"`
	MinDelay           Duration `toml:"min_delay"`
	MaxDelay           Duration `toml:"max_delay"`
	Multiplier         float64  `toml:"multiplier"`
	StabilityThreshold Duration `toml:"stability_threshold"`
}

// Jitter is the TOML form of types.JitterConfig.
type Jitter struct {
	FixedDelay       Duration `toml:"fixed_delay"`
	Adaptive         bool     `toml:"adaptive"`
	MaxAdaptiveDelay Duration `toml:"max_adaptive_delay"`
}

// Config converts to the engine type.
func (j Jitter) Config() types.JitterConfig {
	return types.JitterConfig{
		FixedDelay:       j.FixedDelay.Duration,
		Adaptive:         j.Adaptive,
		MaxAdaptiveDelay: j.MaxAdaptiveDelay.Duration,
	}
}

// Media holds the playout settings.
type Media struct {
	Tick          Duration `toml:"tick"`
	StreamTimeout Duration `toml:"stream_timeout"`
	MaxFrames     int      `toml:"max_frames"`
	// Jitter maps a stream type name ("voice", "videocapture",
	// "mediafile-audio", "mediafile-video", "desktop") to its defaults.
	Jitter map[string]Jitter `toml:"jitter"`
}

// Transmit holds the solo-transmit arbitration settings used until the
// channel announces its own.
type Transmit struct {
	QueueDepth     int      `toml:"queue_depth"`
	PromotionDelay Duration `toml:"promotion_delay"`
}

// Process is per-process client identity and device selection.
type Process struct {
	ClientName    string `toml:"client_name"`
	ClientVersion string `toml:"client_version"`
	LicenseName   string `toml:"license_name"`
	LicenseKey    string `toml:"license_key"`
	InputDevice   int    `toml:"input_device"`
	OutputDevice  int    `toml:"output_device"`
	VideoDevice   string `toml:"video_device"`
}

// Options is the complete configuration of a client.
type Options struct {
	Server     Server     `toml:"server"`
	Encryption Encryption `toml:"encryption"`
	KeepAlive  KeepAlive  `toml:"keepalive"`
	Events     Events     `toml:"events"`
	Reconnect  Reconnect  `toml:"reconnect"`
	Media      Media      `toml:"media"`
	Transmit   Transmit   `toml:"transmit"`
	Process    Process    `toml:"process"`
}

// Default returns the built-in configuration.
func Default() *Options {
	return &Options{
		Server: Server{
			Host:    "127.0.0.1",
			TCPPort: 10333,
			UDPPort: 10333,
			Scheme:  "tcp",
			Path:    "/",
		},
		Encryption: Encryption{
			Mode:        ModeTLS,
			VerifyDepth: 9,
		},
		KeepAlive: KeepAlive{
			ConnectTimeout:       D(10 * time.Second),
			LostTimeout:          D(15 * time.Second),
			TCPInterval:          D(2 * time.Second),
			UDPInterval:          D(time.Second),
			UDPRetransmit:        D(500 * time.Millisecond),
			UDPRetransmitBudget:  10,
			UDPConnectRetransmit: D(500 * time.Millisecond),
			UDPConnectTimeout:    D(10 * time.Second),
		},
		Events: Events{
			Capacity: 1024,
			PushWait: D(50 * time.Millisecond),
		},
		Reconnect: Reconnect{
			Enabled:            false,
			MinDelay:           D(200 * time.Millisecond),
			MaxDelay:           D(60 * time.Second),
			Multiplier:         1.6,
			StabilityThreshold: D(10 * time.Second),
		},
		Media: Media{
			Tick:          D(10 * time.Millisecond),
			StreamTimeout: D(2 * time.Second),
			MaxFrames:     256,
			Jitter: map[string]Jitter{
				"voice":           {FixedDelay: D(40 * time.Millisecond)},
				"mediafile-audio": {FixedDelay: D(40 * time.Millisecond)},
				"videocapture":    {FixedDelay: D(60 * time.Millisecond)},
				"mediafile-video": {FixedDelay: D(60 * time.Millisecond)},
				"desktop":         {},
			},
		},
		Transmit: Transmit{
			QueueDepth:     limits.TransmitQueueMax,
			PromotionDelay: D(500 * time.Millisecond),
		},
		Process: Process{
			ClientName:    "ttclient",
			ClientVersion: "1.0",
			InputDevice:   -1,
			OutputDevice:  -1,
		},
	}
}

// Load reads a TOML file over the defaults. Keys absent from the file keep
// their default value; unknown keys are logged and ignored.
func Load(path string) (*Options, error) {
	opts := Default()
	meta, err := toml.DecodeFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
			"keys":     strings.Join(keys, ","),
		}).Warn("Ignoring unknown configuration keys")
	}
	return opts, nil
}

// Parse reads TOML text over the defaults.
func Parse(text string) (*Options, error) {
	opts := Default()
	if _, err := toml.Decode(text, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return opts, nil
}

// FromEnv applies environment overrides to o. Malformed values are logged
// and ignored.
func FromEnv(o *Options) *Options {
	if v, ok := os.LookupEnv("TT_HOST"); ok && strings.TrimSpace(v) != "" {
		o.Server.Host = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("TT_TCP"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			o.Server.TCPPort = port
		} else {
			envWarning("TT_TCP", v)
		}
	}
	if v, ok := os.LookupEnv("TT_UDP"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			o.Server.UDPPort = port
		} else {
			envWarning("TT_UDP", v)
		}
	}
	if v, ok := os.LookupEnv("TT_ENCRYPTED"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			o.Server.Encrypted = true
		case "0", "false", "no", "":
			o.Server.Encrypted = false
		default:
			envWarning("TT_ENCRYPTED", v)
		}
	}
	return o
}

func envWarning(name, value string) {
	logrus.WithFields(logrus.Fields{
		"function": "FromEnv",
		"variable": name,
		"value":    value,
	}).Warn("Ignoring malformed environment override")
}

var streamNames = map[string]types.StreamType{
	"voice":           types.StreamVoice,
	"videocapture":    types.StreamVideoCapture,
	"mediafile-audio": types.StreamMediaFileAudio,
	"mediafile-video": types.StreamMediaFileVideo,
	"desktop":         types.StreamDesktop,
}

// JitterDefaults returns the per stream type jitter configuration.
func (o *Options) JitterDefaults() map[types.StreamType]types.JitterConfig {
	out := make(map[types.StreamType]types.JitterConfig, len(o.Media.Jitter))
	for name, j := range o.Media.Jitter {
		if st, ok := streamNames[name]; ok {
			out[st] = j.Config()
		}
	}
	return out
}

// Validate checks every section and returns all problems at once.
func (o *Options) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if o.Server.Host == "" {
		bad("server.host is empty")
	}
	for name, port := range map[string]int{
		"server.tcp_port":       o.Server.TCPPort,
		"server.udp_port":       o.Server.UDPPort,
		"server.local_tcp_port": o.Server.LocalTCPPort,
		"server.local_udp_port": o.Server.LocalUDPPort,
	} {
		if port < 0 || port > 65535 {
			bad("%s %d out of range", name, port)
		}
	}
	if o.Server.TCPPort == 0 {
		bad("server.tcp_port is required")
	}
	if o.Server.Scheme != "tcp" && o.Server.Scheme != "ws" {
		bad("server.scheme %q is not tcp or ws", o.Server.Scheme)
	}
	if o.Server.Encrypted {
		switch o.Encryption.Mode {
		case ModeTLS:
			if (o.Encryption.CertFile == "") != (o.Encryption.KeyFile == "") {
				bad("encryption.cert_file and encryption.key_file must be set together")
			}
			if o.Encryption.VerifyDepth < 0 {
				bad("encryption.verify_depth is negative")
			}
		case ModeNoise:
		default:
			bad("encryption.mode %q is not tls or noise", o.Encryption.Mode)
		}
	}

	k := o.KeepAlive
	for name, d := range map[string]Duration{
		"keepalive.connect_timeout":        k.ConnectTimeout,
		"keepalive.connection_lost":        k.LostTimeout,
		"keepalive.tcp_interval":           k.TCPInterval,
		"keepalive.udp_interval":           k.UDPInterval,
		"keepalive.udp_retransmit":         k.UDPRetransmit,
		"keepalive.udp_connect_retransmit": k.UDPConnectRetransmit,
		"keepalive.udp_connect_timeout":    k.UDPConnectTimeout,
	} {
		if d.Duration <= 0 {
			bad("%s must be positive", name)
		}
	}
	if k.UDPRetransmitBudget <= 0 {
		bad("keepalive.udp_retransmit_budget must be positive")
	}
	if k.TCPInterval.Duration >= k.LostTimeout.Duration {
		bad("keepalive.tcp_interval %v must be shorter than connection_lost %v", k.TCPInterval, k.LostTimeout)
	}

	if o.Events.Capacity <= 0 {
		bad("events.capacity must be positive")
	}

	r := o.Reconnect
	if r.MinDelay.Duration <= 0 || r.MaxDelay.Duration < r.MinDelay.Duration {
		bad("reconnect delays must satisfy 0 < min_delay <= max_delay")
	}
	if r.Multiplier < 1 {
		bad("reconnect.multiplier %v is below 1", r.Multiplier)
	}
	if r.MaxAttempts < 0 {
		bad("reconnect.max_attempts is negative")
	}

	for name, j := range o.Media.Jitter {
		if _, ok := streamNames[name]; !ok {
			bad("media.jitter.%s is not a media stream type", name)
			continue
		}
		if err := j.Config().Validate(); err != nil {
			bad("media.jitter.%s: %v", name, err)
		}
	}
	if o.Transmit.QueueDepth <= 0 || o.Transmit.QueueDepth > limits.TransmitQueueMax {
		bad("transmit.queue_depth must be within 1..%d", limits.TransmitQueueMax)
	}
	if err := limits.ValidateString("process.client_name", o.Process.ClientName); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}

	return errors.Join(errs...)
}

// Clone returns a deep copy of o.
func (o *Options) Clone() *Options {
	c := *o
	c.Media.Jitter = make(map[string]Jitter, len(o.Media.Jitter))
	for k, v := range o.Media.Jitter {
		c.Media.Jitter[k] = v
	}
	return &c
}
