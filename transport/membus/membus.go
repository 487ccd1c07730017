// Package membus is an in-process implementation of transport.Driver
// on top of watermill's gochannel pub/sub. It exists for tests,
// examples and local demos: several drivers attached to one Bus behave
// like peers on the real messaging backend, including membership
// announcements and the remote-takeover signal.
package membus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/lumiclass/classbus/transport"
)

const (
	metaSrc     = "src"
	metaKind    = "kind"
	metaUser    = "user"
	kindMessage = "msg"
	kindJoined  = "joined"
	kindLeft    = "left"

	eventBuffer = 256
)

// Bus is one shared in-memory backend. Membership events and channel
// messages ride the same topic per channel, which preserves the
// per-channel ordering contract of the real transport.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger

	// MaxMembers caps channel membership; 0 means unlimited. Joins
	// over the cap fail with JoinChannelFull.
	MaxMembers int

	mx      sync.Mutex
	users   map[string]*Driver
	members map[string]map[string]struct{}
}

func New(logger *zerolog.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: eventBuffer},
			watermill.NopLogger{},
		),
		logger:  logger.With().Str("component", "membus").Logger(),
		users:   make(map[string]*Driver),
		members: make(map[string]map[string]struct{}),
	}
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// NewDriver returns an unauthenticated driver attached to the bus.
func (b *Bus) NewDriver() *Driver {
	return &Driver{
		bus:    b,
		events: make(chan transport.Event, eventBuffer),
		subs:   make(map[string]context.CancelFunc),
	}
}

func channelTopic(channelID string) string { return "channel/" + channelID }
func directTopic(userID string) string     { return "direct/" + userID }

// Driver implements transport.Driver for one peer on the bus.
type Driver struct {
	bus    *Bus
	events chan transport.Event

	mx         sync.Mutex
	userID     string
	loggedIn   bool
	subs       map[string]context.CancelFunc // per channel id
	directStop context.CancelFunc
}

func (d *Driver) Events() <-chan transport.Event { return d.events }

// Login registers the identity on the bus. A second login with the
// same user id takes the session over: the previous driver receives
// ConnectionAborted and is detached.
func (d *Driver) Login(ctx context.Context, creds transport.Credentials) error {
	if creds.UserID == "" || creds.Token == "" {
		return fmt.Errorf("membus: empty credentials")
	}

	d.bus.mx.Lock()
	if prev, ok := d.bus.users[creds.UserID]; ok && prev != d {
		prev.abort("another session logged in with the same identity")
	}
	d.bus.users[creds.UserID] = d
	d.bus.mx.Unlock()

	d.mx.Lock()
	defer d.mx.Unlock()
	d.userID = creds.UserID
	d.loggedIn = true

	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := d.bus.pubsub.Subscribe(subCtx, directTopic(creds.UserID))
	if err != nil {
		cancel()
		return err
	}
	d.directStop = cancel
	go d.forwardDirect(msgs)
	return nil
}

func (d *Driver) Logout(_ context.Context) error {
	d.mx.Lock()
	channels := make([]string, 0, len(d.subs))
	for id := range d.subs {
		channels = append(channels, id)
	}
	userID := d.userID
	d.mx.Unlock()

	for _, id := range channels {
		_ = d.Leave(context.Background(), id)
	}

	d.mx.Lock()
	if d.directStop != nil {
		d.directStop()
		d.directStop = nil
	}
	d.loggedIn = false
	d.mx.Unlock()

	d.bus.mx.Lock()
	if d.bus.users[userID] == d {
		delete(d.bus.users, userID)
	}
	d.bus.mx.Unlock()
	return nil
}

func (d *Driver) Join(_ context.Context, channelID string) error {
	d.mx.Lock()
	if !d.loggedIn {
		d.mx.Unlock()
		return transport.ErrNotConnected
	}
	if _, ok := d.subs[channelID]; ok {
		d.mx.Unlock()
		return nil
	}
	userID := d.userID
	d.mx.Unlock()

	d.bus.mx.Lock()
	members, ok := d.bus.members[channelID]
	if !ok {
		members = make(map[string]struct{})
		d.bus.members[channelID] = members
	}
	if d.bus.MaxMembers > 0 && len(members) >= d.bus.MaxMembers {
		d.bus.mx.Unlock()
		return &transport.JoinError{
			Code:    transport.JoinChannelFull,
			Channel: channelID,
			Err:     fmt.Errorf("membus: %d members already joined", len(members)),
		}
	}
	members[userID] = struct{}{}
	d.bus.mx.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := d.bus.pubsub.Subscribe(subCtx, channelTopic(channelID))
	if err != nil {
		cancel()
		d.bus.removeMember(channelID, userID)
		return err
	}
	d.mx.Lock()
	d.subs[channelID] = cancel
	d.mx.Unlock()
	go d.forwardChannel(channelID, msgs)

	return d.bus.announce(channelID, userID, kindJoined)
}

func (d *Driver) Leave(_ context.Context, channelID string) error {
	d.mx.Lock()
	cancel, ok := d.subs[channelID]
	if ok {
		delete(d.subs, channelID)
	}
	userID := d.userID
	d.mx.Unlock()
	if !ok {
		return nil
	}
	cancel()
	d.bus.removeMember(channelID, userID)
	return d.bus.announce(channelID, userID, kindLeft)
}

func (d *Driver) Members(_ context.Context, channelID string) ([]string, error) {
	d.bus.mx.Lock()
	defer d.bus.mx.Unlock()
	out := make([]string, 0, len(d.bus.members[channelID]))
	for id := range d.bus.members[channelID] {
		out = append(out, id)
	}
	return out, nil
}

func (d *Driver) Publish(_ context.Context, channelID string, payload []byte) error {
	d.mx.Lock()
	userID, loggedIn := d.userID, d.loggedIn
	d.mx.Unlock()
	if !loggedIn {
		return transport.ErrNotConnected
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaKind, kindMessage)
	msg.Metadata.Set(metaSrc, userID)
	return d.bus.pubsub.Publish(channelTopic(channelID), msg)
}

func (d *Driver) SendDirect(_ context.Context, peerID string, payload []byte) error {
	d.mx.Lock()
	userID, loggedIn := d.userID, d.loggedIn
	d.mx.Unlock()
	if !loggedIn {
		return transport.ErrNotConnected
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaKind, kindMessage)
	msg.Metadata.Set(metaSrc, userID)
	return d.bus.pubsub.Publish(directTopic(peerID), msg)
}

// abort is the takeover path; bus.mx is held by the caller.
func (d *Driver) abort(reason string) {
	d.mx.Lock()
	if d.directStop != nil {
		d.directStop()
		d.directStop = nil
	}
	for id, cancel := range d.subs {
		cancel()
		delete(d.bus.members[id], d.userID)
		delete(d.subs, id)
	}
	d.loggedIn = false
	d.mx.Unlock()

	select {
	case d.events <- transport.ConnectionAborted{Reason: reason}:
	default:
		d.bus.logger.Warn().Msg("aborted driver has a full event queue")
	}
}

func (b *Bus) removeMember(channelID, userID string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	delete(b.members[channelID], userID)
}

func (b *Bus) announce(channelID, userID, kind string) error {
	msg := message.NewMessage(watermill.NewUUID(), nil)
	msg.Metadata.Set(metaKind, kind)
	msg.Metadata.Set(metaUser, userID)
	msg.Metadata.Set(metaSrc, userID)
	return b.pubsub.Publish(channelTopic(channelID), msg)
}

func (d *Driver) forwardChannel(channelID string, msgs <-chan *message.Message) {
	for msg := range msgs {
		msg.Ack()
		src := msg.Metadata.Get(metaSrc)
		d.mx.Lock()
		self := d.userID
		d.mx.Unlock()
		if src == self {
			// the backend never echoes to the sender
			continue
		}
		switch msg.Metadata.Get(metaKind) {
		case kindJoined:
			d.events <- transport.MemberJoined{ChannelID: channelID, UserID: msg.Metadata.Get(metaUser)}
		case kindLeft:
			d.events <- transport.MemberLeft{ChannelID: channelID, UserID: msg.Metadata.Get(metaUser)}
		case kindMessage:
			d.events <- transport.MessageReceived{ChannelID: channelID, Sender: src, Payload: msg.Payload}
		}
	}
}

func (d *Driver) forwardDirect(msgs <-chan *message.Message) {
	for msg := range msgs {
		msg.Ack()
		d.events <- transport.MessageReceived{Sender: msg.Metadata.Get(metaSrc), Payload: msg.Payload}
	}
}
