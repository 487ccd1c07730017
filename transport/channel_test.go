package transport_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumiclass/classbus/codec"
	"github.com/lumiclass/classbus/model"
	"github.com/lumiclass/classbus/transport"
	"github.com/lumiclass/classbus/transport/transporttest"
)

func TestJoin(t *testing.T) {
	t.Run("requires connected state", func(t *testing.T) {
		drv := transporttest.NewDriver()
		conn := newConnection(drv, newRecorder())
		t.Cleanup(conn.Close)

		session := conn.Session("r1:commands", transport.PurposeCommands)
		err := session.Join(context.Background())
		assert.ErrorIs(t, err, transport.ErrNotConnected)
		assert.Zero(t, drv.Joined("r1:commands"))
	})

	t.Run("wraps transport failures as join errors", func(t *testing.T) {
		drv := transporttest.NewDriver()
		drv.JoinFunc = func(context.Context, string) error {
			return errors.New("socket hiccup")
		}
		conn := newConnection(drv, newRecorder())
		t.Cleanup(conn.Close)
		require.NoError(t, conn.Login(context.Background()))

		err := conn.Session("r1:commands", transport.PurposeCommands).Join(context.Background())
		var je *transport.JoinError
		require.ErrorAs(t, err, &je)
		assert.Equal(t, transport.JoinTransport, je.Code)
		assert.Equal(t, "r1:commands", je.Channel)
	})

	t.Run("passes backend join errors through", func(t *testing.T) {
		drv := transporttest.NewDriver()
		drv.JoinFunc = func(_ context.Context, channelID string) error {
			return &transport.JoinError{
				Code:    transport.JoinChannelFull,
				Channel: channelID,
				Err:     errors.New("room is packed"),
			}
		}
		conn := newConnection(drv, newRecorder())
		t.Cleanup(conn.Close)
		require.NoError(t, conn.Login(context.Background()))

		err := conn.Session("r1:commands", transport.PurposeCommands).Join(context.Background())
		var je *transport.JoinError
		require.ErrorAs(t, err, &je)
		assert.Equal(t, transport.JoinChannelFull, je.Code)
	})

	t.Run("failed join leaves no membership behind", func(t *testing.T) {
		var (
			drv  = transporttest.NewDriver()
			rec  = newRecorder()
			fail = true
		)
		drv.JoinFunc = func(context.Context, string) error {
			if fail {
				return errors.New("first attempt lost")
			}
			return nil
		}
		conn := newConnection(drv, rec)
		t.Cleanup(conn.Close)
		require.NoError(t, conn.Login(context.Background()))

		session := conn.Session("r1:commands", transport.PurposeCommands)
		require.Error(t, session.Join(context.Background()))

		// events addressed to the failed channel must never surface
		drv.Emit(transport.MemberJoined{ChannelID: "r1:commands", UserID: "u1"})
		drv.Emit(transport.MessageReceived{ChannelID: "r1:commands", Sender: "u1", Payload: []byte("x")})
		rec.expectSilence(t)

		// a retry with the same channel id starts clean
		fail = false
		require.NoError(t, session.Join(context.Background()))
		drv.Emit(transport.MemberJoined{ChannelID: "r1:commands", UserID: "u1"})
		assert.Equal(t,
			joinedEvent{purpose: transport.PurposeCommands, userID: "u1"},
			rec.next(t))
	})
}

func TestLeaveStopsDelivery(t *testing.T) {
	drv := transporttest.NewDriver()
	rec := newRecorder()
	conn := newConnection(drv, rec)
	t.Cleanup(conn.Close)
	require.NoError(t, conn.Login(context.Background()))

	session := conn.Session("r1:commands", transport.PurposeCommands)
	require.NoError(t, session.Join(context.Background()))
	require.NoError(t, session.Leave(context.Background()))

	drv.Emit(transport.MemberJoined{ChannelID: "r1:commands", UserID: "u1"})
	drv.Emit(transport.MessageReceived{ChannelID: "r1:commands", Sender: "u1", Payload: []byte("x")})
	rec.expectSilence(t)

	t.Run("second leave is a no-op", func(t *testing.T) {
		require.NoError(t, session.Leave(context.Background()))
		assert.Zero(t, drv.Joined("r1:commands"))
	})
}

func TestPurposeRouting(t *testing.T) {
	drv := transporttest.NewDriver()
	rec := newRecorder()
	conn := newConnection(drv, rec)
	t.Cleanup(conn.Close)
	require.NoError(t, conn.Login(context.Background()))

	require.NoError(t, conn.Session("r1:commands", transport.PurposeCommands).Join(context.Background()))
	require.NoError(t, conn.Session("r1:chat", transport.PurposeChat).Join(context.Background()))

	drv.Emit(transport.MessageReceived{ChannelID: "r1:commands", Sender: "u1", Payload: []byte("a")})
	drv.Emit(transport.MessageReceived{ChannelID: "r1:chat", Sender: "u1", Payload: []byte("b")})

	assert.Equal(t, channelMsg{purpose: transport.PurposeCommands, sender: "u1", payload: "a"}, rec.next(t))
	assert.Equal(t, channelMsg{purpose: transport.PurposeChat, sender: "u1", payload: "b"}, rec.next(t))
}

func TestBroadcast(t *testing.T) {
	drv := transporttest.NewDriver()
	conn := newConnection(drv, newRecorder())
	t.Cleanup(conn.Close)
	require.NoError(t, conn.Login(context.Background()))

	session := conn.Session("r1:commands", transport.PurposeCommands)
	require.NoError(t, session.Join(context.Background()))

	cmd := model.RaiseHand{Room: "r1", Raised: true}
	require.NoError(t, session.Broadcast(context.Background(), cmd))

	frames := drv.PublishedFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "r1:commands", frames[0].Target)
	assert.Equal(t, cmd, codec.Decode(frames[0].Payload))

	t.Run("refuses unencodable commands", func(t *testing.T) {
		err := session.Broadcast(context.Background(), model.Undefined{Reason: "x"})
		assert.ErrorIs(t, err, codec.ErrEncode)
		assert.Len(t, drv.PublishedFrames(), 1)
	})
}

func TestSendCommand(t *testing.T) {
	drv := transporttest.NewDriver()
	conn := newConnection(drv, newRecorder())
	t.Cleanup(conn.Close)
	require.NoError(t, conn.Login(context.Background()))

	cmd := model.RequestDevice{Room: "r1", Device: model.DeviceCamera}
	require.NoError(t, conn.SendCommand(context.Background(), "owner", cmd))

	frames := drv.DirectFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "owner", frames[0].Target)
	assert.Equal(t, cmd, codec.Decode(frames[0].Payload))
}
