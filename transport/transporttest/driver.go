// Package transporttest provides a scripted in-memory Driver for unit
// tests of the connection, session and facade layers.
package transporttest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lumiclass/classbus/transport"
)

// Driver is a fake transport.Driver. Behavior of each operation can be
// overridden per test through the corresponding Func field; by default
// every operation succeeds. Events are injected with Emit.
type Driver struct {
	LoginFunc      func(ctx context.Context, creds transport.Credentials) error
	LogoutFunc     func(ctx context.Context) error
	JoinFunc       func(ctx context.Context, channelID string) error
	LeaveFunc      func(ctx context.Context, channelID string) error
	MembersFunc    func(ctx context.Context, channelID string) ([]string, error)
	PublishFunc    func(ctx context.Context, channelID string, payload []byte) error
	SendDirectFunc func(ctx context.Context, peerID string, payload []byte) error

	LoginCalls  atomic.Int32
	LogoutCalls atomic.Int32

	mx        sync.Mutex
	joined    map[string]int
	published []Published
	direct    []Published

	events chan transport.Event
}

// Published records one accepted outbound frame.
type Published struct {
	Target  string // channel id, or peer id for direct sends
	Payload []byte
}

func NewDriver() *Driver {
	return &Driver{
		joined: make(map[string]int),
		events: make(chan transport.Event, 128),
	}
}

// Emit injects a driver event into the delivery stream.
func (d *Driver) Emit(ev transport.Event) {
	d.events <- ev
}

func (d *Driver) Events() <-chan transport.Event { return d.events }

func (d *Driver) Login(ctx context.Context, creds transport.Credentials) error {
	d.LoginCalls.Add(1)
	if d.LoginFunc != nil {
		return d.LoginFunc(ctx, creds)
	}
	return nil
}

func (d *Driver) Logout(ctx context.Context) error {
	d.LogoutCalls.Add(1)
	if d.LogoutFunc != nil {
		return d.LogoutFunc(ctx)
	}
	return nil
}

func (d *Driver) Join(ctx context.Context, channelID string) error {
	if d.JoinFunc != nil {
		if err := d.JoinFunc(ctx, channelID); err != nil {
			return err
		}
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.joined[channelID]++
	return nil
}

func (d *Driver) Leave(ctx context.Context, channelID string) error {
	if d.LeaveFunc != nil {
		if err := d.LeaveFunc(ctx, channelID); err != nil {
			return err
		}
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.joined[channelID]--
	return nil
}

func (d *Driver) Members(ctx context.Context, channelID string) ([]string, error) {
	if d.MembersFunc != nil {
		return d.MembersFunc(ctx, channelID)
	}
	return nil, nil
}

func (d *Driver) Publish(ctx context.Context, channelID string, payload []byte) error {
	if d.PublishFunc != nil {
		if err := d.PublishFunc(ctx, channelID, payload); err != nil {
			return err
		}
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.published = append(d.published, Published{Target: channelID, Payload: payload})
	return nil
}

func (d *Driver) SendDirect(ctx context.Context, peerID string, payload []byte) error {
	if d.SendDirectFunc != nil {
		if err := d.SendDirectFunc(ctx, peerID, payload); err != nil {
			return err
		}
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.direct = append(d.direct, Published{Target: peerID, Payload: payload})
	return nil
}

// Joined reports how many joins minus leaves happened for a channel.
func (d *Driver) Joined(channelID string) int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.joined[channelID]
}

// PublishedFrames returns a copy of all accepted broadcast frames.
func (d *Driver) PublishedFrames() []Published {
	d.mx.Lock()
	defer d.mx.Unlock()
	return append([]Published(nil), d.published...)
}

// DirectFrames returns a copy of all accepted direct frames.
func (d *Driver) DirectFrames() []Published {
	d.mx.Lock()
	defer d.mx.Unlock()
	return append([]Published(nil), d.direct...)
}
