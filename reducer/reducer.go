// Package reducer applies decoded commands and transport membership
// events to an in-memory room snapshot. It performs no I/O and holds no
// transport state, which keeps it independently testable; callers must
// serialize Apply calls (the facade does so behind its delivery lock).
package reducer

import (
	"github.com/rs/zerolog"

	"github.com/lumiclass/classbus/model"
)

// Change is one observable effect of applying an event. The facade
// republishes changes to the application layer together with the
// snapshot they produced.
type Change interface{ isChange() }

type (
	UserJoined struct{ User model.RoomUser }

	UserLeft struct{ UserID string }

	HandRaised struct {
		UserID string
		Raised bool
	}

	ChatBanned struct{ Banned bool }

	LifecycleChanged struct{ Lifecycle model.RoomLifecycle }

	ModeChanged struct{ Mode model.ClassMode }

	NoticePosted struct {
		Sender string
		Text   string
	}

	DeviceRequested struct {
		Sender string
		Device model.DeviceKind
	}

	DeviceChanged struct {
		UserID string
		Device model.DeviceKind
		On     bool
	}

	RewardGiven struct{ UserID string }

	RoomExpired struct{ ExpireAt int64 }
)

func (UserJoined) isChange()       {}
func (UserLeft) isChange()         {}
func (HandRaised) isChange()       {}
func (ChatBanned) isChange()       {}
func (LifecycleChanged) isChange() {}
func (ModeChanged) isChange()      {}
func (NoticePosted) isChange()     {}
func (DeviceRequested) isChange()  {}
func (DeviceChanged) isChange()    {}
func (RewardGiven) isChange()      {}
func (RoomExpired) isChange()      {}

type (
	// Room owns the mutable RoomState for one classroom visit.
	// Snapshots handed out are deep copies.
	Room struct {
		state       model.RoomState
		localUserID string
		logger      zerolog.Logger
	}

	Config struct {
		RoomID      string
		OwnerID     string
		RoomType    model.RoomType
		LocalUserID string
		// Lifecycle the room was in when the visit began, as reported
		// by the room info API. Defaults to idle.
		Lifecycle model.RoomLifecycle
		Logger    *zerolog.Logger
	}
)

func New(cfg Config) *Room {
	st := model.NewRoomState(cfg.RoomID, cfg.OwnerID, cfg.RoomType)
	if cfg.Lifecycle.Valid() {
		st.Lifecycle = cfg.Lifecycle
	}
	return &Room{
		state:       st,
		localUserID: cfg.LocalUserID,
		logger:      cfg.Logger.With().Str("component", "reducer").Str("roomID", cfg.RoomID).Logger(),
	}
}

// Snapshot returns an immutable value copy of the room state.
func (r *Room) Snapshot() model.RoomState {
	return r.state.Clone()
}

// ApplyJoin upserts a user by id: joining an already known user
// replaces, never appends.
func (r *Room) ApplyJoin(u model.RoomUser) []Change {
	u.Online = true
	r.state.Users[u.UserID] = u
	return []Change{UserJoined{User: u}}
}

// ApplyLeave removes a user; removing an absent id is a no-op.
func (r *Room) ApplyLeave(userID string) []Change {
	if _, ok := r.state.Users[userID]; !ok {
		return nil
	}
	delete(r.state.Users, userID)
	return []Change{UserLeft{UserID: userID}}
}

// ApplyNoMembers resets a freshly entered room that has no other known
// members yet: mode is derived from the lifecycle and the chat ban is
// cleared. This is an explicit transition because an empty membership
// list and a not-yet-delivered one are indistinguishable here.
func (r *Room) ApplyNoMembers() []Change {
	mode := model.ModeInteraction
	if r.state.Lifecycle == model.LifecycleStarted {
		mode = model.ModeLecture
	}
	r.state.Mode = mode
	r.state.ChatBanned = false
	changes := []Change{ModeChanged{Mode: mode}, ChatBanned{Banned: false}}
	changes = append(changes, r.resetLocalDevices(mode)...)
	return changes
}

// resetLocalDevices applies the room type's interaction strategy to the
// local (non-owner) user's devices when the room starts out empty.
func (r *Room) resetLocalDevices(mode model.ClassMode) []Change {
	if r.localUserID == r.state.OwnerID {
		return nil
	}
	u, ok := r.state.Users[r.localUserID]
	if !ok {
		return nil
	}
	allowed := false
	switch r.state.RoomType {
	case model.RoomTypeOneToOne:
		allowed = true
	case model.RoomTypeSmallClass:
		allowed = mode == model.ModeInteraction
	case model.RoomTypeBigClass:
	}
	if allowed || (!u.Status.CameraOn && !u.Status.MicOn) {
		return nil
	}
	var changes []Change
	if u.Status.CameraOn {
		u.Status.CameraOn = false
		changes = append(changes, DeviceChanged{UserID: u.UserID, Device: model.DeviceCamera, On: false})
	}
	if u.Status.MicOn {
		u.Status.MicOn = false
		changes = append(changes, DeviceChanged{UserID: u.UserID, Device: model.DeviceMic, On: false})
	}
	r.state.Users[u.UserID] = u
	return changes
}

// ApplyCommand dispatches one decoded command. Undefined commands and
// commands fenced to another room are logged and ignored, never an
// error: a malformed or stale frame must not break the delivery path.
func (r *Room) ApplyCommand(sender string, cmd model.Command) []Change {
	if u, ok := cmd.(model.Undefined); ok {
		r.logger.Debug().Str("sender", sender).Str("reason", u.Reason).Msg("undefined command ignored")
		return nil
	}
	if cmd.RoomID() != r.state.RoomID {
		r.logger.Debug().
			Str("sender", sender).
			Str("commandRoomID", cmd.RoomID()).
			Msg("command for another room ignored")
		return nil
	}

	switch c := cmd.(type) {
	case model.RaiseHand:
		return r.applyRaiseHand(sender, c.Raised)
	case model.BanChat:
		r.state.ChatBanned = c.Banned
		return []Change{ChatBanned{Banned: c.Banned}}
	case model.Notice:
		return []Change{NoticePosted{Sender: sender, Text: c.Text}}
	case model.UpdateRoomStatus:
		// Edge legality (model.CanTransition) is a business rule
		// enforced above this layer; the reducer stores what arrives.
		r.state.Lifecycle = c.Status
		return []Change{LifecycleChanged{Lifecycle: c.Status}}
	case model.RequestDevice:
		return []Change{DeviceRequested{Sender: sender, Device: c.Device}}
	case model.RequestDeviceResponse:
		if !c.Granted {
			return nil
		}
		return r.setDevice(sender, c.Device, true)
	case model.NotifyDeviceOff:
		return r.setDevice(sender, c.Device, false)
	case model.Reward:
		return []Change{RewardGiven{UserID: c.UserID}}
	case model.NewUserEnter:
		return r.ApplyJoin(model.RoomUser{
			UserID: c.UserID,
			Name:   c.Info.Name,
			Avatar: c.Info.Avatar,
			RTCID:  c.Info.RTCID,
		})
	case model.RoomExpire:
		r.state.Lifecycle = model.LifecycleEnded
		return []Change{RoomExpired{ExpireAt: c.ExpireAt}, LifecycleChanged{Lifecycle: model.LifecycleEnded}}
	}
	r.logger.Debug().Str("sender", sender).Msgf("unhandled command type %T", cmd)
	return nil
}

// applyRaiseHand flips the sender's hand state. A sender racing ahead
// of its own membership event is dropped; the layer above re-sends on
// timeout, so no buffering happens here.
func (r *Room) applyRaiseHand(sender string, raised bool) []Change {
	u, ok := r.state.Users[sender]
	if !ok {
		r.logger.Debug().Str("sender", sender).Msg("raise hand from unknown sender dropped")
		return nil
	}
	u.Status.IsRaisingHand = raised
	r.state.Users[sender] = u
	return []Change{HandRaised{UserID: sender, Raised: raised}}
}

func (r *Room) setDevice(userID string, device model.DeviceKind, on bool) []Change {
	u, ok := r.state.Users[userID]
	if !ok {
		r.logger.Debug().Str("userID", userID).Msg("device update for unknown user dropped")
		return nil
	}
	switch device {
	case model.DeviceCamera:
		u.Status.CameraOn = on
	case model.DeviceMic:
		u.Status.MicOn = on
	default:
		return nil
	}
	r.state.Users[userID] = u
	return []Change{DeviceChanged{UserID: userID, Device: device, On: on}}
}
