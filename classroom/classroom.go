// Package classroom is the sync facade for one classroom visit: it
// owns the connection and its channel sessions, feeds decoded commands
// and membership events into the reducer on the connection's delivery
// goroutine, and republishes immutable room snapshots plus discrete
// changes to the application layer.
package classroom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/lumiclass/classbus/codec"
	"github.com/lumiclass/classbus/model"
	"github.com/lumiclass/classbus/reducer"
	"github.com/lumiclass/classbus/transport"
)

const defaultNotificationBuffer = 64

var (
	ErrVisitEnded = errors.New("classroom visit has ended")
	ErrEnter      = errors.New("unable to enter classroom")
)

type (
	// ChatMessage is one side-channel chat item (a Notice command that
	// arrived on the chat channel).
	ChatMessage struct {
		Sender string
		Text   string
	}

	// Notification is one update pushed to the application layer.
	// Exactly one of Changes, Chat or Err is meaningful. State is
	// always the snapshot taken after applying.
	Notification struct {
		State   model.RoomState
		Changes []reducer.Change
		Chat    *ChatMessage
		Err     error
	}

	Config struct {
		Driver      transport.Driver
		Credentials transport.Credentials

		RoomID   string
		OwnerID  string
		RoomType model.RoomType
		// Lifecycle reported by the room info API at entry time.
		Lifecycle model.RoomLifecycle
		// Info describes the local user, announced to peers on entry.
		Info model.UserInfo

		Logger *zerolog.Logger
		// Buffer sizes the notification channel; 0 means default.
		Buffer int
	}

	// Classroom wires channel sessions into the reducer and exposes
	// the outbound command senders. One instance per classroom visit;
	// the connection handle is never shared between visits.
	Classroom struct {
		cfg    Config
		logger zerolog.Logger

		conn     *transport.Connection
		commands *transport.ChannelSession
		chat     *transport.ChannelSession

		mu   sync.Mutex // serializes reducer access
		room *reducer.Room

		notifications chan Notification
		ended         atomic.Bool
		entered       atomic.Bool
	}
)

func New(cfg Config) *Classroom {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultNotificationBuffer
	}
	logger := cfg.Logger.With().
		Str("component", "classroom").
		Str("roomID", cfg.RoomID).
		Str("userID", cfg.Credentials.UserID).Logger()

	c := &Classroom{
		cfg:    cfg,
		logger: logger,
		room: reducer.New(reducer.Config{
			RoomID:      cfg.RoomID,
			OwnerID:     cfg.OwnerID,
			RoomType:    cfg.RoomType,
			LocalUserID: cfg.Credentials.UserID,
			Lifecycle:   cfg.Lifecycle,
			Logger:      cfg.Logger,
		}),
		notifications: make(chan Notification, buffer),
	}
	c.conn = transport.NewConnection(transport.ConnectionConfig{
		Driver:      cfg.Driver,
		Credentials: cfg.Credentials,
		Handler:     (*connectionHandler)(c),
		Logger:      cfg.Logger,
	})
	c.commands = c.conn.Session(channelID(cfg.RoomID, transport.PurposeCommands), transport.PurposeCommands)
	c.chat = c.conn.Session(channelID(cfg.RoomID, transport.PurposeChat), transport.PurposeChat)
	return c
}

// channelID derives the broadcast channel id for a purpose. The suffix
// convention is shared with every other client of the room.
func channelID(roomID string, p transport.Purpose) string {
	return fmt.Sprintf("%s:%s", roomID, p)
}

// Notifications is the stream of room updates. The channel is never
// closed; a Notification with a non-nil Err is the final meaningful
// item of a visit.
func (c *Classroom) Notifications() <-chan Notification {
	return c.notifications
}

// Snapshot returns the current room state as an immutable copy.
func (c *Classroom) Snapshot() model.RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room.Snapshot()
}

// Enter logs in, joins the command and chat channels, seeds the member
// list and announces the local user to the room.
func (c *Classroom) Enter(ctx context.Context) error {
	if c.ended.Load() {
		return ErrVisitEnded
	}
	if !c.entered.CompareAndSwap(false, true) {
		return errors.Join(ErrEnter, errors.New("already entered"))
	}
	if err := c.conn.Login(ctx); err != nil {
		return errors.Join(ErrEnter, err)
	}
	if err := c.commands.Join(ctx); err != nil {
		return errors.Join(ErrEnter, err)
	}
	if err := c.chat.Join(ctx); err != nil {
		// no partial visit: drop the command membership as well
		_ = c.commands.Leave(ctx)
		return errors.Join(ErrEnter, err)
	}

	members, err := c.commands.Members(ctx)
	if err != nil {
		return errors.Join(ErrEnter, err)
	}
	c.seedMembers(members)

	if err := c.commands.Broadcast(ctx, model.NewUserEnter{
		Room:   c.cfg.RoomID,
		UserID: c.cfg.Credentials.UserID,
		Info:   c.cfg.Info,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("entry announcement not sent")
	}
	c.logger.Info().Msg("entered classroom")
	return nil
}

// seedMembers applies the initial member list, or the explicit
// no-members reset when the local user is the first entrant.
func (c *Classroom) seedMembers(members []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	self := c.cfg.Credentials.UserID
	changes := c.room.ApplyJoin(model.RoomUser{
		UserID: self,
		Name:   c.cfg.Info.Name,
		Avatar: c.cfg.Info.Avatar,
		RTCID:  c.cfg.Info.RTCID,
	})
	others := 0
	for _, id := range members {
		if id == self {
			continue
		}
		others++
		changes = append(changes, c.room.ApplyJoin(model.RoomUser{UserID: id})...)
	}
	if others == 0 {
		changes = append(changes, c.room.ApplyNoMembers()...)
	}
	c.publishLocked(changes, nil, nil)
}

// Exit tears the visit down: all channel memberships and the login are
// released and no event reaches the reducer afterwards. Idempotent.
func (c *Classroom) Exit(ctx context.Context) error {
	if !c.ended.CompareAndSwap(false, true) {
		return nil
	}
	errLeaveCmd := c.commands.Leave(ctx)
	errLeaveChat := c.chat.Leave(ctx)
	errLogout := c.conn.Logout(ctx)
	c.conn.Close()
	c.logger.Info().Msg("exited classroom")
	return errors.Join(errLeaveCmd, errLeaveChat, errLogout)
}

// --- outbound senders ---

// RaiseHand broadcasts the local user's hand state.
func (c *Classroom) RaiseHand(ctx context.Context, raised bool) error {
	return c.broadcast(ctx, model.RaiseHand{Room: c.cfg.RoomID, Raised: raised})
}

// BanChat toggles the room-wide chat ban.
func (c *Classroom) BanChat(ctx context.Context, banned bool) error {
	return c.broadcast(ctx, model.BanChat{Room: c.cfg.RoomID, Banned: banned})
}

// UpdateStatus broadcasts a lifecycle change.
func (c *Classroom) UpdateStatus(ctx context.Context, lifecycle model.RoomLifecycle) error {
	return c.broadcast(ctx, model.UpdateRoomStatus{Room: c.cfg.RoomID, Status: lifecycle})
}

// NotifyDeviceOff announces that the local user switched a device off.
func (c *Classroom) NotifyDeviceOff(ctx context.Context, device model.DeviceKind) error {
	return c.broadcast(ctx, model.NotifyDeviceOff{Room: c.cfg.RoomID, Device: device})
}

// Reward broadcasts a reward for a user.
func (c *Classroom) Reward(ctx context.Context, userID string) error {
	return c.broadcast(ctx, model.Reward{Room: c.cfg.RoomID, UserID: userID})
}

// PostNotice publishes a chat notice on the chat channel.
func (c *Classroom) PostNotice(ctx context.Context, text string) error {
	if c.ended.Load() {
		return ErrVisitEnded
	}
	err := c.chat.Broadcast(ctx, model.Notice{Room: c.cfg.RoomID, Text: text})
	if err != nil {
		return err
	}
	// the transport does not echo to the sender
	c.publish(nil, &ChatMessage{Sender: c.cfg.Credentials.UserID, Text: text}, nil)
	return nil
}

// RequestDevice asks one peer to switch a device on, over the direct
// path.
func (c *Classroom) RequestDevice(ctx context.Context, peerID string, device model.DeviceKind) error {
	if c.ended.Load() {
		return ErrVisitEnded
	}
	return c.conn.SendCommand(ctx, peerID, model.RequestDevice{Room: c.cfg.RoomID, Device: device})
}

// RespondDevice answers a device request, addressed to the requester.
// A granted response is also applied locally since the transport does
// not echo direct messages through the channel.
func (c *Classroom) RespondDevice(ctx context.Context, peerID string, device model.DeviceKind, granted bool) error {
	if c.ended.Load() {
		return ErrVisitEnded
	}
	cmd := model.RequestDeviceResponse{Room: c.cfg.RoomID, Device: device, Granted: granted}
	if err := c.conn.SendCommand(ctx, peerID, cmd); err != nil {
		return err
	}
	c.applyLocal(cmd)
	return nil
}

// broadcast sends one command on the command channel and applies it
// locally: the transport never echoes a broadcast back to its sender.
func (c *Classroom) broadcast(ctx context.Context, cmd model.Command) error {
	if c.ended.Load() {
		return ErrVisitEnded
	}
	if err := c.commands.Broadcast(ctx, cmd); err != nil {
		return err
	}
	c.applyLocal(cmd)
	return nil
}

func (c *Classroom) applyLocal(cmd model.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changes := c.room.ApplyCommand(c.cfg.Credentials.UserID, cmd)
	if len(changes) > 0 {
		c.publishLocked(changes, nil, nil)
	}
}

// publishLocked pushes a notification; the caller holds c.mu. The send
// never blocks: each notification carries the full snapshot, so a slow
// consumer loses intermediate change sets, not state.
func (c *Classroom) publishLocked(changes []reducer.Change, chat *ChatMessage, fatal error) {
	n := Notification{
		State:   c.room.Snapshot(),
		Changes: changes,
		Chat:    chat,
		Err:     fatal,
	}
	if e := c.logger.Trace(); e.Enabled() {
		e.Str("state", spew.Sdump(n.State)).Msg("room state updated")
	}
	select {
	case c.notifications <- n:
	default:
		c.logger.Warn().Msg("slow consumer, notification dropped")
	}
}

func (c *Classroom) publish(changes []reducer.Change, chat *ChatMessage, fatal error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(changes, chat, fatal)
}

// --- inbound: transport.Handler, invoked on the delivery goroutine ---

// connectionHandler hides the Handler methods from the public API of
// Classroom.
type connectionHandler Classroom

func (h *connectionHandler) MemberJoined(p transport.Purpose, userID string) {
	c := (*Classroom)(h)
	if p != transport.PurposeCommands {
		c.logger.Debug().Str("userID", userID).Msg("chat channel member joined")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(c.room.ApplyJoin(model.RoomUser{UserID: userID}), nil, nil)
}

func (h *connectionHandler) MemberLeft(p transport.Purpose, userID string) {
	c := (*Classroom)(h)
	if p != transport.PurposeCommands {
		c.logger.Debug().Str("userID", userID).Msg("chat channel member left")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if changes := c.room.ApplyLeave(userID); len(changes) > 0 {
		c.publishLocked(changes, nil, nil)
	}
}

func (h *connectionHandler) ChannelMessage(p transport.Purpose, sender string, payload []byte) {
	c := (*Classroom)(h)
	cmd := codec.Decode(payload)
	if p == transport.PurposeChat {
		c.chatMessage(sender, cmd)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if changes := c.room.ApplyCommand(sender, cmd); len(changes) > 0 {
		c.publishLocked(changes, nil, nil)
	}
}

func (h *connectionHandler) DirectMessage(sender string, payload []byte) {
	c := (*Classroom)(h)
	c.mu.Lock()
	defer c.mu.Unlock()
	if changes := c.room.ApplyCommand(sender, codec.Decode(payload)); len(changes) > 0 {
		c.publishLocked(changes, nil, nil)
	}
}

func (h *connectionHandler) Fatal(err error) {
	c := (*Classroom)(h)
	c.ended.Store(true)
	c.logger.Error().Err(err).Msg("fatal session error, visit ended")
	c.publish(nil, nil, err)
}

// chatMessage handles traffic on the chat channel. Only notices are
// expected there; anything else is a stray frame.
func (c *Classroom) chatMessage(sender string, cmd model.Command) {
	notice, ok := cmd.(model.Notice)
	if !ok {
		c.logger.Debug().Str("sender", sender).Msgf("non-notice %T on chat channel dropped", cmd)
		return
	}
	if notice.Room != c.cfg.RoomID {
		c.logger.Debug().Str("sender", sender).Msg("chat notice for another room dropped")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room.Snapshot().ChatBanned && sender != c.cfg.OwnerID {
		c.logger.Debug().Str("sender", sender).Msg("chat banned, notice dropped")
		return
	}
	c.publishLocked(nil, &ChatMessage{Sender: sender, Text: notice.Text}, nil)
}
