// Package relayws implements transport.Driver over a websocket
// connection to the relay broker, speaking the relay/wire frame
// protocol.
package relayws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lumiclass/classbus/relay/wire"
	"github.com/lumiclass/classbus/transport"
)

const (
	defaultWriteDeadline   = 5 * time.Second
	defaultHandshakeTimout = 3 * time.Second
	defaultEventBuffer     = 256
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrAckDropped  = errors.New("relay dropped the request")
)

type (
	Config struct {
		// URL of the relay bus endpoint, e.g. ws://localhost:8888/bus.
		URL    string
		Logger *zerolog.Logger
	}

	Driver struct {
		url    string
		logger zerolog.Logger
		events chan transport.Event

		mx       sync.Mutex
		conn     *websocket.Conn
		loggedIn bool
		seq      uint64
		pending  map[uint64]chan wire.Frame

		writeMx sync.Mutex
	}
)

func New(cfg Config) *Driver {
	return &Driver{
		url:     cfg.URL,
		logger:  cfg.Logger.With().Str("component", "relayws").Logger(),
		events:  make(chan transport.Event, defaultEventBuffer),
		pending: make(map[uint64]chan wire.Frame),
	}
}

func (d *Driver) Events() <-chan transport.Event { return d.events }

// Login dials the relay. The relay authenticates the credentials at
// handshake time; a rejected token surfaces as a dial error.
func (d *Driver) Login(ctx context.Context, creds transport.Credentials) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.loggedIn {
		return nil
	}

	u := fmt.Sprintf("%s?user=%s&token=%s",
		d.url, url.QueryEscape(creds.UserID), url.QueryEscape(creds.Token))
	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimout}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("relay dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	d.conn = conn
	d.loggedIn = true
	go d.readLoop(conn)
	d.logger.Debug().Str("userID", creds.UserID).Msg("dialed relay")
	return nil
}

// Logout closes the socket. The relay withdraws all memberships on
// disconnect, so no explicit leave round trips are needed.
func (d *Driver) Logout(_ context.Context) error {
	d.mx.Lock()
	conn := d.conn
	d.conn = nil
	d.loggedIn = false
	d.mx.Unlock()
	if conn == nil {
		return nil
	}
	d.writeMx.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	d.writeMx.Unlock()
	return conn.Close()
}

func (d *Driver) Join(ctx context.Context, channelID string) error {
	ack, err := d.request(ctx, wire.Frame{Op: wire.OpJoin, Channel: channelID})
	if err != nil {
		return err
	}
	switch ack.Code {
	case wire.CodeOK:
		return nil
	case wire.CodeChannelFull:
		return &transport.JoinError{
			Code:    transport.JoinChannelFull,
			Channel: channelID,
			Err:     errors.New(ack.Error),
		}
	}
	return &transport.JoinError{
		Code:    transport.JoinRejected,
		Channel: channelID,
		Err:     errors.New(ack.Error),
	}
}

func (d *Driver) Leave(ctx context.Context, channelID string) error {
	_, err := d.request(ctx, wire.Frame{Op: wire.OpLeave, Channel: channelID})
	return err
}

func (d *Driver) Members(ctx context.Context, channelID string) ([]string, error) {
	ack, err := d.request(ctx, wire.Frame{Op: wire.OpMembers, Channel: channelID})
	if err != nil {
		return nil, err
	}
	return ack.Members, nil
}

// Publish is fire-and-forget: a write accepted by the socket is all
// the delivery guarantee the bus offers.
func (d *Driver) Publish(_ context.Context, channelID string, payload []byte) error {
	return d.write(wire.Frame{Op: wire.OpPub, Channel: channelID, Payload: payload})
}

func (d *Driver) SendDirect(_ context.Context, peerID string, payload []byte) error {
	return d.write(wire.Frame{Op: wire.OpP2P, DST: peerID, Payload: payload})
}

// request writes a frame with a sequence number and waits for its ack.
func (d *Driver) request(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	d.mx.Lock()
	if !d.loggedIn {
		d.mx.Unlock()
		return wire.Frame{}, ErrNotLoggedIn
	}
	d.seq++
	f.Seq = d.seq
	ackCh := make(chan wire.Frame, 1)
	d.pending[f.Seq] = ackCh
	d.mx.Unlock()

	if err := d.write(f); err != nil {
		d.dropPending(f.Seq)
		return wire.Frame{}, err
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return wire.Frame{}, ErrAckDropped
		}
		return ack, nil
	case <-ctx.Done():
		d.dropPending(f.Seq)
		return wire.Frame{}, ctx.Err()
	}
}

func (d *Driver) dropPending(seq uint64) {
	d.mx.Lock()
	delete(d.pending, seq)
	d.mx.Unlock()
}

func (d *Driver) write(f wire.Frame) error {
	d.mx.Lock()
	conn := d.conn
	d.mx.Unlock()
	if conn == nil {
		return ErrNotLoggedIn
	}
	b, err := json.Marshal(&f)
	if err != nil {
		return err
	}
	d.writeMx.Lock()
	defer d.writeMx.Unlock()
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (d *Driver) readLoop(conn *websocket.Conn) {
	defer d.failPending()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			d.mx.Lock()
			deliberate := !d.loggedIn || d.conn != conn
			d.conn = nil
			d.loggedIn = false
			d.mx.Unlock()
			if !deliberate {
				d.events <- transport.ConnectionAborted{Reason: fmt.Sprintf("connection lost: %v", err)}
			}
			return
		}
		var f wire.Frame
		if err = json.Unmarshal(data, &f); err != nil {
			d.logger.Debug().Err(err).Msg("malformed frame dropped")
			continue
		}
		switch f.Op {
		case wire.OpAck:
			d.mx.Lock()
			if ch, ok := d.pending[f.Seq]; ok {
				delete(d.pending, f.Seq)
				ch <- f
			}
			d.mx.Unlock()
		case wire.OpJoined:
			d.events <- transport.MemberJoined{ChannelID: f.Channel, UserID: f.SRC}
		case wire.OpLeft:
			d.events <- transport.MemberLeft{ChannelID: f.Channel, UserID: f.SRC}
		case wire.OpMsg:
			d.events <- transport.MessageReceived{ChannelID: f.Channel, Sender: f.SRC, Payload: f.Payload}
		case wire.OpTakeover:
			d.mx.Lock()
			d.loggedIn = false
			d.conn = nil
			d.mx.Unlock()
			d.events <- transport.ConnectionAborted{Reason: "another session logged in with the same identity"}
			_ = conn.Close()
			return
		default:
			d.logger.Debug().Str("op", f.Op).Msg("unknown frame op dropped")
		}
	}
}

// failPending unblocks every in-flight request when the socket dies.
func (d *Driver) failPending() {
	d.mx.Lock()
	defer d.mx.Unlock()
	for seq, ch := range d.pending {
		close(ch)
		delete(d.pending, seq)
	}
}
