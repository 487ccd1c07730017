package transport

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/lumiclass/classbus/codec"
	"github.com/lumiclass/classbus/model"
)

// Purpose tags a channel session at construction time, so routing of
// inbound events is a static property rather than a channel-id naming
// convention checked at runtime.
type Purpose string

const (
	PurposeCommands Purpose = "commands"
	PurposeChat     Purpose = "chat"
)

// ChannelSession is one broadcast channel membership. Direct
// peer-to-peer sends have no channel object and go through
// Connection.SendDirect.
type ChannelSession struct {
	conn    *Connection
	id      string
	purpose Purpose
	logger  zerolog.Logger

	joined bool // guarded by conn.mx
}

// Session creates an unjoined channel session handle.
func (c *Connection) Session(channelID string, p Purpose) *ChannelSession {
	return &ChannelSession{
		conn:    c,
		id:      channelID,
		purpose: p,
		logger: c.logger.With().
			Str("component", "channel").
			Str("channelID", channelID).
			Str("purpose", string(p)).Logger(),
	}
}

func (s *ChannelSession) ID() string       { return s.id }
func (s *ChannelSession) Purpose() Purpose { return s.purpose }

// Join enters the broadcast channel. The connection must be in the
// connected state. On failure the session holds no membership and a
// later retry with the same id starts clean.
func (s *ChannelSession) Join(ctx context.Context) error {
	s.conn.mx.Lock()
	if s.conn.state != StateConnected {
		s.conn.mx.Unlock()
		return ErrNotConnected
	}
	// Register before the transport join so that membership events
	// ordered right behind the join ack are not lost.
	s.conn.sessions[s.id] = s
	s.conn.mx.Unlock()

	if err := s.conn.drv.Join(ctx, s.id); err != nil {
		s.conn.unregister(s.id)
		var je *JoinError
		if errors.As(err, &je) {
			return err
		}
		return &JoinError{Code: JoinTransport, Channel: s.id, Err: err}
	}

	s.conn.mx.Lock()
	s.joined = true
	s.conn.mx.Unlock()
	s.logger.Debug().Msg("channel joined")
	return nil
}

// Leave exits the channel. When Leave returns, the handler is
// guaranteed to receive no further events from this channel.
func (s *ChannelSession) Leave(ctx context.Context) error {
	s.conn.mx.Lock()
	wasJoined := s.joined
	s.joined = false
	delete(s.conn.sessions, s.id)
	s.conn.mx.Unlock()

	if !wasJoined {
		return nil
	}
	err := s.conn.drv.Leave(ctx, s.id)
	s.logger.Debug().Err(err).Msg("channel left")
	return err
}

// Members lists the channel's current member ids.
func (s *ChannelSession) Members(ctx context.Context) ([]string, error) {
	if !s.conn.connected() {
		return nil, ErrNotConnected
	}
	return s.conn.drv.Members(ctx, s.id)
}

// Broadcast encodes the command and publishes it to every channel
// member. Success means the transport accepted the frame, not that any
// peer received it.
func (s *ChannelSession) Broadcast(ctx context.Context, cmd model.Command) error {
	if !s.conn.connected() {
		return ErrNotConnected
	}
	b, err := codec.Encode(cmd)
	if err != nil {
		return err
	}
	return s.conn.drv.Publish(ctx, s.id, b)
}

// SendCommand addresses one encoded command to a single peer over the
// direct path.
func (c *Connection) SendCommand(ctx context.Context, peerID string, cmd model.Command) error {
	b, err := codec.Encode(cmd)
	if err != nil {
		return err
	}
	return c.SendDirect(ctx, peerID, b)
}
