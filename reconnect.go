package ttclient

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/connection"
	"github.com/opd-ai/ttclient/dispatch"
	"github.com/opd-ai/ttclient/events"
	"github.com/opd-ai/ttclient/protocol"
	"github.com/opd-ai/ttclient/types"
)

// ErrReconnectExhausted is delivered in ConnectFailed when the reconnect
// attempt budget is spent.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

type credentials struct {
	Username string
	Password string
	Nickname string
}

type channelJoin struct {
	ChannelID types.ChannelID
	Password  string
}

type banFilter struct {
	IPAddress string
	Username  string
}

// memory remembers the last successful login and channel join for
// automatic reconnects. Entries become effective only when the server
// accepts the command that set them. It also holds the filters of
// unbans in flight until the server answers them.
type memory struct {
	mu      sync.Mutex
	login   *credentials
	channel *channelJoin
	logins  map[uint32]credentials
	joins   map[uint32]channelJoin
	unbans  map[uint32]banFilter
}

func newMemory() *memory {
	return &memory{
		logins: make(map[uint32]credentials),
		joins:  make(map[uint32]channelJoin),
		unbans: make(map[uint32]banFilter),
	}
}

func (m *memory) pendingLogin(id uint32, cr credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[id] = cr
}

func (m *memory) pendingJoin(id uint32, j channelJoin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins[id] = j
}

func (m *memory) pendingUnban(id uint32, f banFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbans[id] = f
}

// takeUnban returns and forgets the filter of an unban command.
func (m *memory) takeUnban(id uint32) (banFilter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.unbans[id]
	delete(m.unbans, id)
	return f, ok
}

func (m *memory) succeeded(p dispatch.Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch p.Verb {
	case protocol.VerbLogin:
		if cr, ok := m.logins[p.ID]; ok {
			m.login = &cr
		}
	case protocol.VerbJoin:
		if j, ok := m.joins[p.ID]; ok {
			m.channel = &j
		}
	case protocol.VerbLeave:
		m.channel = nil
	case protocol.VerbLogout:
		m.login = nil
		m.channel = nil
	}
	delete(m.logins, p.ID)
	delete(m.joins, p.ID)
	delete(m.unbans, p.ID)
}

func (m *memory) failed(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logins, id)
	delete(m.joins, id)
	delete(m.unbans, id)
}

// forgetPending drops bookkeeping of commands that will never complete.
func (m *memory) forgetPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.logins)
	clear(m.joins)
	clear(m.unbans)
}

// forget drops everything.
func (m *memory) forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.login = nil
	m.channel = nil
	clear(m.logins)
	clear(m.joins)
	clear(m.unbans)
}

func (m *memory) lastLogin() (credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.login == nil {
		return credentials{}, false
	}
	return *m.login, true
}

func (m *memory) setLogin(cr credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.login = &cr
}

func (m *memory) lastChannel() (channelJoin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == nil {
		return channelJoin{}, false
	}
	return *m.channel, true
}

// reconnect re-establishes a lost session with backoff until it succeeds,
// the budget is spent or ctx is cancelled.
func (c *Client) reconnect(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		attempt, delay, ok := c.backoff.Next()
		params := c.params
		c.mu.Unlock()
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "reconnect",
				"attempts": attempt,
			}).Warn("Giving up reconnecting")
			if c.fsm.TransitionFrom(connection.StateClosed, connection.StateLost) {
				c.emit(events.ConnectFailed{Err: ErrReconnectExhausted})
			}
			return
		}

		c.emit(events.Reconnecting{Attempt: attempt, Delay: delay})
		logrus.WithFields(logrus.Fields{
			"function": "reconnect",
			"attempt":  attempt,
			"delay":    delay.String(),
		}).Info("Reconnecting")

		timer := c.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if ctx.Err() != nil || !c.fsm.TransitionFrom(connection.StateConnecting, connection.StateLost, connection.StateClosed) {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		dialOpts, err := connection.DialOptionsFrom(c.opts, c.pin)
		if err == nil {
			var link *connection.Link
			link, err = connection.Dial(ctx, params, dialOpts)
			if err == nil {
				if c.resume(ctx, link) {
					return
				}
				link.Close()
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		c.fsm.TransitionFrom(connection.StateClosed, connection.StateConnecting)
		c.connectFailed(err)
	}
}

// resume installs a reconnected link and repeats the remembered login. The
// remembered channel is joined once the login is accepted.
func (c *Client) resume(ctx context.Context, link *connection.Link) bool {
	c.mu.Lock()
	if ctx.Err() != nil || c.closed {
		c.mu.Unlock()
		return false
	}
	c.attempt = nil
	var rejoin *channelJoin
	if j, ok := c.memory.lastChannel(); ok {
		rejoin = &j
	}
	c.startLocked(link, rejoin)
	c.mu.Unlock()

	cr, ok := c.memory.lastLogin()
	if !ok {
		return true
	}
	if _, err := c.Login(cr.Username, cr.Password, cr.Nickname); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "resume",
			"error":    err.Error(),
		}).Warn("Automatic login failed")
	}
	return true
}

// rejoin repeats a remembered channel join on the network loop.
func (c *Client) rejoin(sess *session, j channelJoin) {
	_, err := c.submitOn(sess, joinRecord(j), 0, func(id uint32) { c.memory.pendingJoin(id, j) })
	if err != nil {
		sess.logger("rejoin").WithFields(logrus.Fields{
			"channel_id": j.ChannelID,
			"error":      err.Error(),
		}).Warn("Automatic channel join failed")
	}
}
