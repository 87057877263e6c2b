package testnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/noise"
	"github.com/opd-ai/ttclient/protocol"
	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

// ErrServerClosed is returned by operations on a closed server.
var ErrServerClosed = errors.New("testnet server closed")

// Config holds the server settings.
type Config struct {
	Address string
	// TCPPort and UDPPort are chosen by the system when zero.
	TCPPort    int
	UDPPort    int
	ServerName string
	// Protocol is announced in the welcome record.
	Protocol   string
	MaxPayload int
	// NoiseKey makes the control channel require a Noise handshake.
	NoiseKey *noise.Keypair
	// WebSocket also serves the control channel over WebSocket.
	WebSocket bool
	Accounts  []types.UserAccount
	Logger    *logrus.Entry
}

// DefaultConfig returns a server with an administrator and a default user
// account: admin/admin and guest/guest.
func DefaultConfig() Config {
	return Config{
		Address:    "127.0.0.1",
		ServerName: "testnet",
		Protocol:   protocol.ProtocolVersion,
		MaxPayload: 1400,
		Accounts: []types.UserAccount{
			{Username: "admin", Password: "admin", Type: types.UserTypeAdmin, Rights: types.RightAll},
			{Username: "guest", Password: "guest", Type: types.UserTypeDefault, Rights: defaultRights},
		},
		Logger: logrus.WithField("component", "testnet"),
	}
}

const defaultRights = types.RightCreateTemporaryChannel | types.RightViewAllUsers |
	types.RightTextMessageUser | types.RightTextMessageChannel |
	types.RightTransmitVoice | types.RightTransmitVideoCapture |
	types.RightTransmitDesktop | types.RightTransmitMediaFileAudio |
	types.RightTransmitMediaFileVideo

// Metrics counts server activity.
type Metrics struct {
	StartTime          time.Time
	ConnectionsServed  int64
	CommandsProcessed  int64
	DatagramsForwarded int64
	ActiveClients      int
}

type channel struct {
	types.Channel
	password string
}

// Server is a running fake server.
type Server struct {
	cfg    Config
	logger *logrus.Entry

	tcp  net.Listener
	udp  *net.UDPConn
	ws   net.Listener
	http *http.Server

	mu          sync.Mutex
	channels    map[types.ChannelID]*channel
	nextChannel types.ChannelID
	files       map[types.FileID]types.RemoteFile
	nextFile    types.FileID
	accounts    []types.UserAccount
	bans        []types.BannedUser
	sessions    map[types.UserID]*session
	nextUser    types.UserID
	props       types.ServerProperties
	stats       types.ServerStatistics

	silent atomic.Bool
	closed atomic.Bool

	startTime          time.Time
	connectionsServed  atomic.Int64
	commandsProcessed  atomic.Int64
	datagramsForwarded atomic.Int64

	wg sync.WaitGroup
}

// New starts a server on loopback ports chosen by the system.
func New(cfg Config) (*Server, error) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = protocol.ProtocolVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "testnet")
	}

	tcp, err := net.Listen("tcp", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.TCPPort)))
	if err != nil {
		return nil, fmt.Errorf("listen tcp: %w", err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.UDPPort)))
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("resolve udp: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		logger:      cfg.Logger,
		tcp:         tcp,
		udp:         udp,
		channels:    make(map[types.ChannelID]*channel),
		nextChannel: 2,
		files:       make(map[types.FileID]types.RemoteFile),
		nextFile:    1,
		accounts:    make([]types.UserAccount, 0, len(cfg.Accounts)),
		sessions:    make(map[types.UserID]*session),
		nextUser:    1,
		startTime:   time.Now(),
	}
	for _, a := range cfg.Accounts {
		s.accounts = append(s.accounts, a.Clone())
	}
	s.channels[1] = &channel{Channel: types.Channel{ID: 1, Name: "", Type: types.ChannelPermanent, MaxUsers: 1000}}
	s.props = types.ServerProperties{
		Name:            cfg.ServerName,
		MOTD:            "Welcome to " + cfg.ServerName,
		MaxUsers:        1000,
		UserTimeout:     60 * time.Second,
		TCPPort:         s.TCPPort(),
		UDPPort:         s.UDPPort(),
		Version:         "testnet",
		ProtocolVersion: cfg.Protocol,
	}

	if cfg.WebSocket {
		ws, err := net.Listen("tcp", net.JoinHostPort(cfg.Address, "0"))
		if err != nil {
			tcp.Close()
			udp.Close()
			return nil, fmt.Errorf("listen websocket: %w", err)
		}
		s.ws = ws
		s.http = &http.Server{Handler: http.HandlerFunc(s.serveWebSocket), ReadHeaderTimeout: 5 * time.Second}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.http.Serve(ws)
		}()
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.mediaLoop()

	s.logger.WithFields(logrus.Fields{
		"function": "New",
		"tcp":      tcp.Addr().String(),
		"udp":      udp.LocalAddr().String(),
		"noise":    cfg.NoiseKey != nil,
	}).Info("Test server listening")
	return s, nil
}

// Endpoint returns the host and ports clients connect to.
func (s *Server) Endpoint() (host string, tcpPort, udpPort int) {
	return s.cfg.Address, s.TCPPort(), s.UDPPort()
}

// TCPPort returns the control channel port.
func (s *Server) TCPPort() int {
	return s.tcp.Addr().(*net.TCPAddr).Port
}

// UDPPort returns the media channel port.
func (s *Server) UDPPort() int {
	return s.udp.LocalAddr().(*net.UDPAddr).Port
}

// WebSocketPort returns the WebSocket port, 0 when not enabled.
func (s *Server) WebSocketPort() int {
	if s.ws == nil {
		return 0
	}
	return s.ws.Addr().(*net.TCPAddr).Port
}

// SetSilent stops (or resumes) every reply on both channels. Inbound
// traffic is read and discarded while silent.
func (s *Server) SetSilent(silent bool) {
	s.silent.Store(silent)
	s.logger.WithFields(logrus.Fields{
		"function": "SetSilent",
		"silent":   silent,
	}).Info("Server silence changed")
}

// AddChannel creates a channel with an optional password and returns its id.
func (s *Server) AddChannel(c types.Channel, password string) (types.ChannelID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[c.ParentID]; !ok {
		return 0, fmt.Errorf("parent channel %d does not exist", c.ParentID)
	}
	if c.ID == 0 {
		c.ID = s.nextChannel
	}
	if _, exists := s.channels[c.ID]; exists {
		return 0, fmt.Errorf("channel %d exists", c.ID)
	}
	if c.ID >= s.nextChannel {
		s.nextChannel = c.ID + 1
	}
	c.HasPassword = password != ""
	ch := &channel{Channel: c.Clone(), password: password}
	s.channels[c.ID] = ch
	s.broadcastLocked(protocol.EncodeChannel(protocol.NewRecord(protocol.VerbAddChannel), ch.Channel), 0)
	return c.ID, nil
}

// AddFile stores a file in a channel as if it had been uploaded by owner
// and announces it. The content is not kept.
func (s *Server) AddFile(ch types.ChannelID, name string, size int64, owner string) (types.FileID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch]; !ok {
		return 0, fmt.Errorf("channel %d does not exist", ch)
	}
	for _, f := range s.files {
		if f.ChannelID == ch && f.Name == name {
			return 0, fmt.Errorf("file %q exists in channel %d", name, ch)
		}
	}
	f := types.RemoteFile{
		ChannelID:  ch,
		ID:         s.nextFile,
		Name:       name,
		Size:       size,
		Owner:      owner,
		UploadTime: time.Now().UTC().Truncate(time.Second),
	}
	s.nextFile++
	s.files[f.ID] = f
	s.broadcastLocked(protocol.EncodeFile(protocol.NewRecord(protocol.VerbAddFile), f), 0)
	return f.ID, nil
}

// AddAccount creates or replaces an account.
func (s *Server) AddAccount(a types.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAccountLocked(a)
}

func (s *Server) putAccountLocked(a types.UserAccount) bool {
	for i := range s.accounts {
		if s.accounts[i].Username == a.Username {
			s.accounts[i] = a.Clone()
			return false
		}
	}
	s.accounts = append(s.accounts, a.Clone())
	return true
}

// Users returns the ids of logged-in users.
func (s *Server) Users() []types.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []types.UserID
	for id, sess := range s.sessions {
		if sess.loggedIn {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Send pushes a record to one user's control channel.
func (s *Server) Send(to types.UserID, rec *protocol.Record) error {
	s.mu.Lock()
	sess, ok := s.sessions[to]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("user %d is not connected", to)
	}
	return sess.send(rec)
}

// Disconnect closes a user's control channel from the server side.
func (s *Server) Disconnect(id types.UserID) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		sess.conn.Close()
	}
}

// Metrics returns a snapshot of the counters.
func (s *Server) Metrics() Metrics {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	return Metrics{
		StartTime:          s.startTime,
		ConnectionsServed:  s.connectionsServed.Load(),
		CommandsProcessed:  s.commandsProcessed.Load(),
		DatagramsForwarded: s.datagramsForwarded.Load(),
		ActiveClients:      active,
	}
}

// Close stops the server and disconnects every client.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	err := errors.Join(s.tcp.Close(), s.udp.Close())
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = errors.Join(err, s.http.Shutdown(ctx))
		cancel()
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.WithField("function", "Close").Info("Test server stopped")
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if !s.closed.Load() {
				s.logger.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"error":    err.Error(),
				}).Warn("Accept failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(transport.NewFramedConn(conn, 0))
		}()
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.UpgradeWebSocket(w, r)
	if err != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(conn)
}

func (s *Server) serve(conn transport.ControlConn) {
	s.connectionsServed.Add(1)

	var binding []byte
	if s.cfg.NoiseKey != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		nc, err := noise.Server(ctx, conn, *s.cfg.NoiseKey)
		cancel()
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"function": "serve",
				"error":    err.Error(),
			}).Warn("Noise handshake failed")
			conn.Close()
			return
		}
		conn = nc
		binding = nc.ChannelBinding()
	}

	sess, err := s.open(conn, binding)
	if err != nil {
		conn.Close()
		return
	}
	defer s.drop(sess)

	welcome := protocol.NewRecord(protocol.VerbWelcome).
		SetString(protocol.FieldProtocol, s.cfg.Protocol).
		SetInt(protocol.FieldUserID, int64(sess.user.ID)).
		SetString(protocol.FieldServerName, s.cfg.ServerName).
		SetInt(protocol.FieldMaxPayload, int64(s.cfg.MaxPayload)).
		SetString(protocol.FieldCookie, fmt.Sprintf("%x", sess.cookie))
	if err := sess.send(welcome); err != nil {
		return
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		if s.silent.Load() {
			continue
		}
		rec, err := protocol.Decode(frame)
		if err != nil {
			sess.send(protocol.EncodeClientError(protocol.NewRecord(protocol.VerbError), types.NewClientError(types.ErrSyntax)))
			continue
		}
		s.commandsProcessed.Add(1)
		s.handle(sess, rec)
	}
}

func (s *Server) broadcastLocked(rec *protocol.Record, except types.UserID) {
	for id, sess := range s.sessions {
		if id != except && sess.loggedIn {
			sess.send(rec)
		}
	}
}

func (s *Server) sessionsIn(ch types.ChannelID) []*session {
	var out []*session
	for _, sess := range s.sessions {
		if sess.loggedIn && sess.user.ChannelID == ch {
			out = append(out, sess)
		}
	}
	return out
}
