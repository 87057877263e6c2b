package ttclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/config"
	"github.com/opd-ai/ttclient/connection"
	"github.com/opd-ai/ttclient/dispatch"
	"github.com/opd-ai/ttclient/events"
	"github.com/opd-ai/ttclient/media"
	"github.com/opd-ai/ttclient/replica"
	"github.com/opd-ai/ttclient/subscription"
	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

// Option customizes a Client beyond its configuration file.
type Option func(*Client)

// WithDecoders replaces the media decoders, for example with
// media.Passthrough for applications that decode themselves.
func WithDecoders(f media.DecoderFactory) Option {
	return func(c *Client) {
		c.decoders = f
	}
}

// WithTimeProvider injects the clock used for timestamps and keepalive
// bookkeeping.
func WithTimeProvider(tp transport.TimeProvider) Option {
	return func(c *Client) {
		c.clock = tp
	}
}

// WithRand seeds the reconnect jitter.
func WithRand(rng *rand.Rand) Option {
	return func(c *Client) {
		c.rng = rng
	}
}

// Client is one conferencing client. All methods are safe for concurrent
// use.
type Client struct {
	opts     *config.Options
	clock    transport.TimeProvider
	decoders media.DecoderFactory
	rng      *rand.Rand

	queue   *events.Queue
	router  *events.Router
	disp    *dispatch.Dispatcher
	replica *replica.Replica
	subs    *subscription.Table
	fsm     *connection.StateMachine
	ping    *connection.PingStats
	pin     *transport.PeerPin
	memory  *memory

	// mu guards the fields below. The network loop never takes it.
	mu      sync.RWMutex
	sess    *session
	params  connection.Params
	backoff *connection.Backoff
	attempt context.CancelFunc
	closed  bool

	jitterMu sync.Mutex
	jitter   map[types.StreamKey]types.JitterConfig

	wg sync.WaitGroup
}

// New creates a disconnected client. A nil opts uses config.Default. The
// options are copied; later changes to opts have no effect.
func New(opts *config.Options, options ...Option) (*Client, error) {
	if opts == nil {
		opts = config.Default()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:     opts.Clone(),
		decoders: media.DefaultDecoders,
		router:   events.NewRouter(),
		replica:  replica.New(),
		subs:     subscription.NewTable(),
		ping:     &connection.PingStats{},
		pin:      &transport.PeerPin{},
		memory:   newMemory(),
		jitter:   make(map[types.StreamKey]types.JitterConfig),
	}
	for _, option := range options {
		option(c)
	}
	c.clock = transport.GetTimeProvider(c.clock)
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(c.clock.Now().UnixNano()))
	}

	c.queue = events.NewQueue(c.opts.Events.Capacity, c.opts.Events.PushWait.Duration)
	c.disp = dispatch.New(c.clock)
	c.fsm = connection.NewStateMachine(c.clock.Now)
	c.backoff = connection.NewBackoff(connection.PolicyFrom(c.opts.Reconnect), c.rng)

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"client_name": c.opts.Process.ClientName,
		"reconnect":   c.opts.Reconnect.Enabled,
		"events_cap":  c.opts.Events.Capacity,
	}).Debug("Client created")
	return c, nil
}

// Options returns a copy of the client configuration.
func (c *Client) Options() *config.Options {
	return c.opts.Clone()
}

// Connect dials the server and starts the session. It returns when both
// channels are up or the attempt failed; the outcome is also delivered as
// ConnectSuccess, ConnectFailed or ConnectCryptError.
func (c *Client) Connect(ctx context.Context, p connection.Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	dialOpts, err := connection.DialOptionsFrom(c.opts, c.pin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, err := c.fsm.Transition(connection.StateConnecting); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	}
	c.cancelAttemptLocked()
	attemptCtx, cancel := context.WithCancel(ctx)
	c.attempt = cancel
	c.params = p
	c.backoff.Reset()
	c.mu.Unlock()
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"control":  p.ControlAddr(),
		"media":    p.MediaAddr(),
		"scheme":   dialOpts.Scheme,
	}).Info("Connecting")

	link, err := connection.Dial(attemptCtx, p, dialOpts)
	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			// Disconnect won the race and already settled the state.
			return ErrNotConnected
		}
		c.fsm.TransitionFrom(connection.StateClosed, connection.StateConnecting)
		c.connectFailed(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if attemptCtx.Err() != nil || c.closed {
		link.Close()
		if c.closed {
			return ErrClosed
		}
		return ErrNotConnected
	}
	c.attempt = nil
	c.startLocked(link, nil)
	return nil
}

// connectFailed reports a failed attempt.
func (c *Client) connectFailed(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "connectFailed",
		"error":    err.Error(),
	}).Warn("Connection attempt failed")
	if errors.Is(err, connection.ErrEncryption) {
		c.emit(events.ConnectCryptError{Err: err})
		return
	}
	c.emit(events.ConnectFailed{Err: err})
}

func (c *Client) cancelAttemptLocked() {
	if c.attempt != nil {
		c.attempt()
		c.attempt = nil
	}
}

// Disconnect closes the session. Every command still in flight has failed
// with ErrConnectionClosed by the time Disconnect returns, and no event for
// the old session is delivered afterwards. A reconnect in progress is
// abandoned.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Client) disconnectLocked() error {
	c.cancelAttemptLocked()
	sess := c.sess
	c.sess = nil
	if sess != nil {
		sess.shutdown()
	}
	c.failPending(types.ErrConnectionClosed)
	c.memory.forgetPending()

	prev := c.fsm.State()
	if prev != connection.StateClosed {
		c.fsm.TransitionFrom(connection.StateClosed,
			connection.StateConnecting, connection.StateConnected,
			connection.StateAuthorized, connection.StateLost)
	}
	c.replica.Reset()
	c.subs.Reset()
	c.memory.forget()
	c.backoff.Reset()

	if sess != nil || prev != connection.StateClosed {
		logrus.WithFields(logrus.Fields{
			"function": "Disconnect",
			"from":     prev.String(),
		}).Info("Disconnected")
	}
	return nil
}

// Close disconnects, waits for background work and closes the event queue.
// The client cannot be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	err := c.disconnectLocked()
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	c.queue.Close()
	return err
}

// failPending resolves every in-flight command with code, in ascending id
// order.
func (c *Client) failPending(code types.ErrorCode) {
	for _, p := range c.disp.Flush() {
		c.emit(events.CmdError{
			Header: events.Header{CmdID: p.ID},
			Err:    types.NewClientError(code),
		})
	}
}

// emit appends ev to the event queue.
func (c *Client) emit(ev events.Event) {
	if err := c.queue.Push(ev); err != nil && !errors.Is(err, events.ErrQueueClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"kind":     string(ev.Kind()),
			"error":    err.Error(),
		}).Debug("Event not queued")
	}
}

// Poll returns the next event, waiting up to timeout. It reports false when
// no event arrived in time or the client is closed.
func (c *Client) Poll(timeout time.Duration) (events.Event, bool) {
	return c.queue.Poll(timeout)
}

// Inject appends an application event to the queue. It is delivered in
// order with the client's own events.
func (c *Client) Inject(ev events.Event) error {
	return c.queue.Inject(ev)
}

// Router returns the client's router. Run it with the client as its source.
func (c *Client) Router() *events.Router {
	return c.router
}

// Events exposes queue counters.
func (c *Client) Events() (pending, capacity int, dropped uint64) {
	return c.queue.Len(), c.queue.Cap(), c.queue.Dropped()
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.fsm.State()
}

// SessionID identifies the current session in logs. It is uuid.Nil while
// disconnected.
func (c *Client) SessionID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return uuid.Nil
	}
	return c.sess.id
}

// PingStats returns the round trip times of the current session.
func (c *Client) PingStats() connection.PingSnapshot {
	return c.ping.Snapshot()
}

// MyUserID returns the id the server assigned to this client.
func (c *Client) MyUserID() types.UserID {
	return c.replica.MyUserID()
}

// MyChannelID returns the channel this client is in, 0 if none.
func (c *Client) MyChannelID() types.ChannelID {
	return c.replica.MyChannelID()
}

// Channel returns a copy of one channel.
func (c *Client) Channel(id types.ChannelID) (types.Channel, bool) {
	return c.replica.Channel(id)
}

// RootChannel returns the root of the channel tree.
func (c *Client) RootChannel() (types.Channel, bool) {
	return c.replica.RootChannel()
}

// Channels returns copies of all channels ordered by id.
func (c *Client) Channels() []types.Channel {
	return c.replica.Channels()
}

// SubChannels returns the direct children of a channel.
func (c *Client) SubChannels(id types.ChannelID) []types.Channel {
	return c.replica.SubChannels(id)
}

// ChannelPath returns the slash-separated path of a channel.
func (c *Client) ChannelPath(id types.ChannelID) (string, bool) {
	return c.replica.ChannelPath(id)
}

// ChannelByPath resolves a slash-separated channel path.
func (c *Client) ChannelByPath(path string) (types.Channel, bool) {
	return c.replica.ChannelByPath(path)
}

// ChannelUsers returns the users in a channel.
func (c *Client) ChannelUsers(id types.ChannelID) []types.User {
	return c.replica.ChannelUsers(id)
}

// ChannelFiles returns the files stored in a channel, ordered by id.
func (c *Client) ChannelFiles(id types.ChannelID) []types.RemoteFile {
	return c.replica.ChannelFiles(id)
}

// User returns a copy of one user.
func (c *Client) User(id types.UserID) (types.User, bool) {
	return c.replica.User(id)
}

// Users returns copies of all known users ordered by id.
func (c *Client) Users() []types.User {
	return c.replica.Users()
}

// UserAccounts returns the accounts received by account listings.
func (c *Client) UserAccounts() []types.UserAccount {
	return c.replica.UserAccounts()
}

// BannedUsers returns the bans received by ban listings.
func (c *Client) BannedUsers() []types.BannedUser {
	return c.replica.BannedUsers()
}

// ServerProperties returns the last announced server properties.
func (c *Client) ServerProperties() types.ServerProperties {
	return c.replica.ServerProperties()
}

// ServerStatistics returns the last queried server statistics.
func (c *Client) ServerStatistics() types.ServerStatistics {
	return c.replica.ServerStatistics()
}

// Subscription returns what this client receives from a user.
func (c *Client) Subscription(user types.UserID) types.Subscription {
	return c.subs.Local(user)
}

// PeerSubscription returns what a user receives from this client.
func (c *Client) PeerSubscription(user types.UserID) types.Subscription {
	return c.subs.Peer(user)
}

// PendingCommands returns the number of commands awaiting an outcome.
func (c *Client) PendingCommands() int {
	return c.disp.Len()
}
