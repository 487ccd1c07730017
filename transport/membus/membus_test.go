package membus_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumiclass/classbus/transport"
	"github.com/lumiclass/classbus/transport/membus"
)

var discard = zerolog.New(io.Discard)

func nextEvent(t *testing.T, drv *membus.Driver) transport.Event {
	t.Helper()
	select {
	case ev := <-drv.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for driver event")
		return nil
	}
}

func login(t *testing.T, bus *membus.Bus, userID string) *membus.Driver {
	t.Helper()
	drv := bus.NewDriver()
	require.NoError(t, drv.Login(context.Background(),
		transport.Credentials{Token: "tok", UserID: userID}))
	return drv
}

func TestBus(t *testing.T) {
	bus := membus.New(&discard)
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	a := login(t, bus, "a")
	b := login(t, bus, "b")

	t.Run("join announces membership to peers", func(t *testing.T) {
		require.NoError(t, a.Join(ctx, "ch1"))
		require.NoError(t, b.Join(ctx, "ch1"))
		assert.Equal(t,
			transport.MemberJoined{ChannelID: "ch1", UserID: "b"},
			nextEvent(t, a))

		members, err := a.Members(ctx, "ch1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, members)
	})

	t.Run("publish reaches peers but never echoes", func(t *testing.T) {
		require.NoError(t, a.Publish(ctx, "ch1", []byte("x")))
		assert.Equal(t,
			transport.MessageReceived{ChannelID: "ch1", Sender: "a", Payload: []byte("x")},
			nextEvent(t, b))
		select {
		case ev := <-a.Events():
			t.Fatalf("sender must not receive its own frame, got %#v", ev)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("direct send bypasses channels", func(t *testing.T) {
		require.NoError(t, b.SendDirect(ctx, "a", []byte("y")))
		assert.Equal(t,
			transport.MessageReceived{Sender: "b", Payload: []byte("y")},
			nextEvent(t, a))
	})

	t.Run("leave announces departure", func(t *testing.T) {
		require.NoError(t, b.Leave(ctx, "ch1"))
		assert.Equal(t,
			transport.MemberLeft{ChannelID: "ch1", UserID: "b"},
			nextEvent(t, a))
	})
}

func TestLoginValidation(t *testing.T) {
	bus := membus.New(&discard)
	t.Cleanup(func() { _ = bus.Close() })

	drv := bus.NewDriver()
	assert.Error(t, drv.Login(context.Background(), transport.Credentials{UserID: "a"}))
	assert.Error(t, drv.Login(context.Background(), transport.Credentials{Token: "tok"}))
}

func TestTakeover(t *testing.T) {
	bus := membus.New(&discard)
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	first := login(t, bus, "a")
	require.NoError(t, first.Join(ctx, "ch1"))

	second := login(t, bus, "a")

	ev := nextEvent(t, first)
	aborted, ok := ev.(transport.ConnectionAborted)
	require.Truef(t, ok, "expected ConnectionAborted, got %#v", ev)
	assert.NotEmpty(t, aborted.Reason)

	// the old session's memberships are withdrawn
	members, err := second.Members(ctx, "ch1")
	require.NoError(t, err)
	assert.Empty(t, members)

	assert.ErrorIs(t, first.Publish(ctx, "ch1", []byte("x")), transport.ErrNotConnected)
}

func TestChannelFull(t *testing.T) {
	bus := membus.New(&discard)
	t.Cleanup(func() { _ = bus.Close() })
	bus.MaxMembers = 1

	ctx := context.Background()
	a := login(t, bus, "a")
	b := login(t, bus, "b")

	require.NoError(t, a.Join(ctx, "ch1"))
	err := b.Join(ctx, "ch1")
	var je *transport.JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, transport.JoinChannelFull, je.Code)
}
