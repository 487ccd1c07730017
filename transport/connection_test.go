package transport_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumiclass/classbus/transport"
	"github.com/lumiclass/classbus/transport/transporttest"
)

const eventWait = time.Second

var discard = zerolog.New(io.Discard)

type (
	joinedEvent struct {
		purpose transport.Purpose
		userID  string
	}
	leftEvent struct {
		purpose transport.Purpose
		userID  string
	}
	channelMsg struct {
		purpose transport.Purpose
		sender  string
		payload string
	}
	directMsg struct {
		sender  string
		payload string
	}
	fatalEvent struct{ err error }
)

// recorder collects handler callbacks for assertions.
type recorder struct {
	events chan any
}

func newRecorder() *recorder {
	return &recorder{events: make(chan any, 64)}
}

func (r *recorder) MemberJoined(p transport.Purpose, userID string) {
	r.events <- joinedEvent{purpose: p, userID: userID}
}

func (r *recorder) MemberLeft(p transport.Purpose, userID string) {
	r.events <- leftEvent{purpose: p, userID: userID}
}

func (r *recorder) ChannelMessage(p transport.Purpose, sender string, payload []byte) {
	r.events <- channelMsg{purpose: p, sender: sender, payload: string(payload)}
}

func (r *recorder) DirectMessage(sender string, payload []byte) {
	r.events <- directMsg{sender: sender, payload: string(payload)}
}

func (r *recorder) Fatal(err error) {
	r.events <- fatalEvent{err: err}
}

func (r *recorder) next(t *testing.T) any {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(eventWait):
		t.Fatal("timed out waiting for handler event")
		return nil
	}
}

func (r *recorder) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected handler event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func newConnection(drv transport.Driver, h transport.Handler) *transport.Connection {
	return transport.NewConnection(transport.ConnectionConfig{
		Driver:      drv,
		Credentials: transport.Credentials{Token: "tok", UserID: "me"},
		Handler:     h,
		Logger:      &discard,
	})
}

func TestLogin(t *testing.T) {
	t.Run("moves idle to connected", func(t *testing.T) {
		drv := transporttest.NewDriver()
		conn := newConnection(drv, newRecorder())
		t.Cleanup(conn.Close)

		require.Equal(t, transport.StateIdle, conn.State())
		require.NoError(t, conn.Login(context.Background()))
		assert.Equal(t, transport.StateConnected, conn.State())
	})

	t.Run("failure keeps state idle", func(t *testing.T) {
		drv := transporttest.NewDriver()
		drv.LoginFunc = func(context.Context, transport.Credentials) error {
			return errors.New("backend said no")
		}
		conn := newConnection(drv, newRecorder())
		t.Cleanup(conn.Close)

		err := conn.Login(context.Background())
		require.ErrorIs(t, err, transport.ErrLogin)
		assert.Equal(t, transport.StateIdle, conn.State())
	})

	t.Run("connected login is a local no-op", func(t *testing.T) {
		drv := transporttest.NewDriver()
		conn := newConnection(drv, newRecorder())
		t.Cleanup(conn.Close)

		require.NoError(t, conn.Login(context.Background()))
		require.NoError(t, conn.Login(context.Background()))
		assert.Equal(t, int32(1), drv.LoginCalls.Load())
	})

	t.Run("concurrent logins coalesce into one request", func(t *testing.T) {
		var (
			drv     = transporttest.NewDriver()
			release = make(chan struct{})
		)
		drv.LoginFunc = func(ctx context.Context, _ transport.Credentials) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		conn := newConnection(drv, newRecorder())
		t.Cleanup(conn.Close)

		const callers = 5
		var (
			wg   sync.WaitGroup
			errs = make([]error, callers)
		)
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func(i int) {
				defer wg.Done()
				errs[i] = conn.Login(context.Background())
			}(i)
		}

		// let every caller reach the state machine before resolving
		require.Eventually(t, func() bool {
			return conn.State() == transport.StateConnecting
		}, eventWait, time.Millisecond)
		close(release)
		wg.Wait()

		for i := 0; i < callers; i++ {
			assert.NoError(t, errs[i])
		}
		assert.Equal(t, int32(1), drv.LoginCalls.Load(), "login request must not be duplicated")
		assert.Equal(t, transport.StateConnected, conn.State())
	})
}

func TestLogout(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		drv := transporttest.NewDriver()
		conn := newConnection(drv, newRecorder())
		t.Cleanup(conn.Close)

		require.NoError(t, conn.Login(context.Background()))
		require.NoError(t, conn.Logout(context.Background()))
		require.NoError(t, conn.Logout(context.Background()))
		assert.Equal(t, int32(1), drv.LogoutCalls.Load())
		assert.Equal(t, transport.StateIdle, conn.State())
	})

	t.Run("idle logout skips the driver", func(t *testing.T) {
		drv := transporttest.NewDriver()
		conn := newConnection(drv, newRecorder())
		t.Cleanup(conn.Close)

		require.NoError(t, conn.Logout(context.Background()))
		assert.Equal(t, int32(0), drv.LogoutCalls.Load())
	})
}

func TestConnectionAborted(t *testing.T) {
	drv := transporttest.NewDriver()
	rec := newRecorder()
	conn := newConnection(drv, rec)
	t.Cleanup(conn.Close)

	require.NoError(t, conn.Login(context.Background()))
	session := conn.Session("r1:commands", transport.PurposeCommands)
	require.NoError(t, session.Join(context.Background()))

	drv.Emit(transport.ConnectionAborted{Reason: "another session logged in with the same identity"})

	ev := rec.next(t)
	fatal, ok := ev.(fatalEvent)
	require.Truef(t, ok, "expected fatal event, got %#v", ev)
	assert.ErrorIs(t, fatal.err, transport.ErrSessionTakenOver)

	// the connection is torn down: sessions are dead and sends fail
	assert.Equal(t, transport.StateIdle, conn.State())
	assert.ErrorIs(t,
		session.Broadcast(context.Background(), nil),
		transport.ErrNotConnected)

	drv.Emit(transport.MemberJoined{ChannelID: "r1:commands", UserID: "u1"})
	rec.expectSilence(t)
}

func TestSendDirectRequiresConnected(t *testing.T) {
	drv := transporttest.NewDriver()
	conn := newConnection(drv, newRecorder())
	t.Cleanup(conn.Close)

	err := conn.SendDirect(context.Background(), "peer", []byte("x"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestDirectMessageDelivery(t *testing.T) {
	drv := transporttest.NewDriver()
	rec := newRecorder()
	conn := newConnection(drv, rec)
	t.Cleanup(conn.Close)
	require.NoError(t, conn.Login(context.Background()))

	drv.Emit(transport.MessageReceived{Sender: "peer", Payload: []byte("hello")})

	assert.Equal(t, directMsg{sender: "peer", payload: "hello"}, rec.next(t))

	t.Run("stops synchronously with logout", func(t *testing.T) {
		// a frame still buffered in the driver's event stream must not
		// surface once the connection is torn down
		require.NoError(t, conn.Logout(context.Background()))
		drv.Emit(transport.MessageReceived{Sender: "peer", Payload: []byte("stale")})
		rec.expectSilence(t)
	})

	t.Run("requires connected state", func(t *testing.T) {
		drv.Emit(transport.MessageReceived{Sender: "peer", Payload: []byte("early")})
		rec.expectSilence(t)
	})
}
