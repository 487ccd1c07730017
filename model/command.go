package model

// Command is the closed set of control messages exchanged between
// classroom participants. Every variant except Undefined carries the
// room it belongs to; the reducer ignores commands whose room does not
// match the active one.
type Command interface {
	RoomID() string
	isCommand()
}

// UserInfo is the public profile carried by NewUserEnter.
type UserInfo struct {
	Name   string
	Avatar string
	RTCID  uint32
}

type RaiseHand struct {
	Room   string
	Raised bool
}

type BanChat struct {
	Room   string
	Banned bool
}

type Notice struct {
	Room string
	Text string
}

type UpdateRoomStatus struct {
	Room   string
	Status RoomLifecycle
}

type RequestDevice struct {
	Room   string
	Device DeviceKind
}

type RequestDeviceResponse struct {
	Room    string
	Device  DeviceKind
	Granted bool
}

type NotifyDeviceOff struct {
	Room   string
	Device DeviceKind
}

type Reward struct {
	Room   string
	UserID string
}

type NewUserEnter struct {
	Room   string
	UserID string
	Info   UserInfo
}

type RoomExpire struct {
	Room     string
	ExpireAt int64
}

// Undefined is the decode fallback. It is never produced intentionally
// and never applied by the reducer.
type Undefined struct {
	Reason string
}

func (c RaiseHand) RoomID() string             { return c.Room }
func (c BanChat) RoomID() string               { return c.Room }
func (c Notice) RoomID() string                { return c.Room }
func (c UpdateRoomStatus) RoomID() string      { return c.Room }
func (c RequestDevice) RoomID() string         { return c.Room }
func (c RequestDeviceResponse) RoomID() string { return c.Room }
func (c NotifyDeviceOff) RoomID() string       { return c.Room }
func (c Reward) RoomID() string                { return c.Room }
func (c NewUserEnter) RoomID() string          { return c.Room }
func (c RoomExpire) RoomID() string            { return c.Room }
func (c Undefined) RoomID() string             { return "" }

func (RaiseHand) isCommand()             {}
func (BanChat) isCommand()               {}
func (Notice) isCommand()                {}
func (UpdateRoomStatus) isCommand()      {}
func (RequestDevice) isCommand()         {}
func (RequestDeviceResponse) isCommand() {}
func (NotifyDeviceOff) isCommand()       {}
func (Reward) isCommand()                {}
func (NewUserEnter) isCommand()          {}
func (RoomExpire) isCommand()            {}
func (Undefined) isCommand()             {}
