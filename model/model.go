package model

// RoomLifecycle is the coarse state of a classroom session.
type RoomLifecycle string

const (
	LifecycleIdle    RoomLifecycle = "Idle"
	LifecycleStarted RoomLifecycle = "Started"
	LifecyclePaused  RoomLifecycle = "Paused"
	LifecycleEnded   RoomLifecycle = "Ended"
)

func (l RoomLifecycle) Valid() bool {
	switch l {
	case LifecycleIdle, LifecycleStarted, LifecyclePaused, LifecycleEnded:
		return true
	}
	return false
}

// CanTransition reports whether business rules allow moving a room from
// one lifecycle phase to another. The reducer stores whatever lifecycle
// value arrives on the wire; edge legality is the caller's concern.
func CanTransition(from, to RoomLifecycle) bool {
	switch from {
	case LifecycleIdle:
		return to == LifecycleStarted || to == LifecycleEnded
	case LifecycleStarted:
		return to == LifecyclePaused || to == LifecycleEnded
	case LifecyclePaused:
		return to == LifecycleStarted || to == LifecycleEnded
	}
	return false
}

type ClassMode string

const (
	ModeLecture     ClassMode = "Lecture"
	ModeInteraction ClassMode = "Interaction"
)

type RoomType string

const (
	RoomTypeOneToOne   RoomType = "OneToOne"
	RoomTypeSmallClass RoomType = "SmallClass"
	RoomTypeBigClass   RoomType = "BigClass"
)

type DeviceKind string

const (
	DeviceCamera DeviceKind = "camera"
	DeviceMic    DeviceKind = "mic"
)

func (d DeviceKind) Valid() bool {
	return d == DeviceCamera || d == DeviceMic
}

type UserStatus struct {
	IsOnStage     bool `json:"isOnStage"`
	IsRaisingHand bool `json:"isRaisingHand"`
	CameraOn      bool `json:"cameraOn"`
	MicOn         bool `json:"micOn"`
}

// RoomUser is one participant as seen by the local room snapshot.
// UserID is the identity key; RTCID is a secondary lookup key that is
// only unique within one live session.
type RoomUser struct {
	UserID string     `json:"userUUID"`
	Name   string     `json:"name"`
	Avatar string     `json:"avatar"`
	RTCID  uint32     `json:"rtcUID"`
	Status UserStatus `json:"status"`
	Online bool       `json:"online"`
}

// RoomState is the local view of one classroom. It is owned by the
// reducer and crosses goroutine boundaries only as Clone()d copies.
type RoomState struct {
	RoomID     string
	OwnerID    string
	RoomType   RoomType
	Lifecycle  RoomLifecycle
	ChatBanned bool
	Mode       ClassMode
	Users      map[string]RoomUser
}

func NewRoomState(roomID, ownerID string, roomType RoomType) RoomState {
	return RoomState{
		RoomID:    roomID,
		OwnerID:   ownerID,
		RoomType:  roomType,
		Lifecycle: LifecycleIdle,
		Mode:      ModeInteraction,
		Users:     make(map[string]RoomUser),
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s RoomState) Clone() RoomState {
	out := s
	out.Users = make(map[string]RoomUser, len(s.Users))
	for id, u := range s.Users {
		out.Users[id] = u
	}
	return out
}

func (s RoomState) User(userID string) (RoomUser, bool) {
	u, ok := s.Users[userID]
	return u, ok
}

func (s RoomState) UserByRTCID(rtcID uint32) (RoomUser, bool) {
	for _, u := range s.Users {
		if u.RTCID == rtcID {
			return u, true
		}
	}
	return RoomUser{}, false
}

// Owner resolves the room owner, which may be absent until the owner's
// first membership event has been observed.
func (s RoomState) Owner() (RoomUser, bool) {
	return s.User(s.OwnerID)
}
