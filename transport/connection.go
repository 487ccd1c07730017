package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// State of the connection to the messaging backend.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Handler receives all inbound traffic of one connection. Methods are
// invoked sequentially on the connection's single delivery goroutine;
// implementations must not call back into the Connection or its
// sessions from inside a handler method.
type Handler interface {
	MemberJoined(p Purpose, userID string)
	MemberLeft(p Purpose, userID string)
	ChannelMessage(p Purpose, sender string, payload []byte)
	DirectMessage(sender string, payload []byte)
	// Fatal reports the distinguished session-wide error (remote
	// takeover). The connection is already torn down to idle when it
	// fires; every session is dead.
	Fatal(err error)
}

type (
	// Connection wraps one authenticated session to the messaging
	// backend and owns its channel sessions. It is exclusively owned
	// by one classroom visit and never shared.
	Connection struct {
		drv     Driver
		creds   Credentials
		handler Handler
		logger  zerolog.Logger

		mx       sync.Mutex
		state    State
		gen      uint64 // bumped on logout/abort, fences stale login results
		inflight chan struct{}
		loginErr error
		sessions map[string]*ChannelSession

		done      chan struct{}
		closeOnce sync.Once
	}

	ConnectionConfig struct {
		Driver      Driver
		Credentials Credentials
		Handler     Handler
		Logger      *zerolog.Logger
	}
)

func NewConnection(cfg ConnectionConfig) *Connection {
	c := &Connection{
		drv:      cfg.Driver,
		creds:    cfg.Credentials,
		handler:  cfg.Handler,
		logger:   cfg.Logger.With().Str("component", "connection").Logger(),
		sessions: make(map[string]*ChannelSession),
		done:     make(chan struct{}),
	}
	go c.dispatch()
	return c
}

func (c *Connection) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Login authenticates against the backend. It is safe to call
// concurrently: while a login is in flight every caller waits for the
// same outcome, and an already connected connection returns success
// without a network round trip.
func (c *Connection) Login(ctx context.Context) error {
	c.mx.Lock()
	switch c.state {
	case StateConnected:
		c.mx.Unlock()
		return nil
	case StateConnecting:
		wait := c.inflight
		c.mx.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mx.Lock()
		defer c.mx.Unlock()
		return c.loginErr
	}

	c.state = StateConnecting
	c.inflight = make(chan struct{})
	gen := c.gen
	wait := c.inflight
	c.mx.Unlock()

	err := c.drv.Login(ctx, c.creds)

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.gen != gen {
		// logged out or aborted while the request was in flight
		c.loginErr = ErrClosed
		close(wait)
		return ErrClosed
	}
	if err != nil {
		c.state = StateIdle
		c.loginErr = errors.Join(ErrLogin, err)
	} else {
		c.state = StateConnected
		c.loginErr = nil
	}
	close(wait)
	if c.loginErr != nil {
		return c.loginErr
	}
	c.logger.Debug().Str("userID", c.creds.UserID).Msg("logged in")
	return nil
}

// Logout is idempotent; logging out an idle connection is a no-op.
// All channel sessions are dropped before the call returns, so no
// event is delivered past this point.
func (c *Connection) Logout(ctx context.Context) error {
	c.mx.Lock()
	if c.state == StateIdle {
		c.mx.Unlock()
		return nil
	}
	c.gen++
	c.state = StateIdle
	c.sessions = make(map[string]*ChannelSession)
	c.mx.Unlock()

	err := c.drv.Logout(ctx)
	c.logger.Debug().Str("userID", c.creds.UserID).Err(err).Msg("logged out")
	return err
}

// Close stops the delivery goroutine. The connection is unusable
// afterwards.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// SendDirect encodes nothing by itself; the payload is an encoded
// command frame addressed to exactly one peer.
func (c *Connection) SendDirect(ctx context.Context, peerID string, payload []byte) error {
	c.mx.Lock()
	connected := c.state == StateConnected
	c.mx.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return c.drv.SendDirect(ctx, peerID, payload)
}

func (c *Connection) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.drv.Events():
			if !ok {
				return
			}
			c.route(ev)
		}
	}
}

// route delivers one driver event to the handler. The session map lock
// is held across delivery: a Leave or Logout returning guarantees no
// further delivery from that handle.
func (c *Connection) route(ev Event) {
	c.mx.Lock()
	defer c.mx.Unlock()

	switch e := ev.(type) {
	case MemberJoined:
		if s, ok := c.sessions[e.ChannelID]; ok {
			c.handler.MemberJoined(s.purpose, e.UserID)
		} else {
			c.logger.Debug().Str("channelID", e.ChannelID).Msg("member join for unknown channel, dropped")
		}
	case MemberLeft:
		if s, ok := c.sessions[e.ChannelID]; ok {
			c.handler.MemberLeft(s.purpose, e.UserID)
		} else {
			c.logger.Debug().Str("channelID", e.ChannelID).Msg("member left for unknown channel, dropped")
		}
	case MessageReceived:
		if e.ChannelID == "" {
			if c.state != StateConnected {
				c.logger.Debug().Str("sender", e.Sender).Msg("direct message after teardown, dropped")
				return
			}
			c.handler.DirectMessage(e.Sender, e.Payload)
			return
		}
		if s, ok := c.sessions[e.ChannelID]; ok {
			c.handler.ChannelMessage(s.purpose, e.Sender, e.Payload)
		} else {
			c.logger.Debug().Str("channelID", e.ChannelID).Msg("message for unknown channel, dropped")
		}
	case ConnectionAborted:
		c.gen++
		c.state = StateIdle
		c.sessions = make(map[string]*ChannelSession)
		c.logger.Warn().Str("reason", e.Reason).Msg("connection aborted")
		c.handler.Fatal(ErrSessionTakenOver)
	}
}

func (c *Connection) register(s *ChannelSession) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.sessions[s.id] = s
}

func (c *Connection) unregister(channelID string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	delete(c.sessions, channelID)
}

func (c *Connection) connected() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state == StateConnected
}
