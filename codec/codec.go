// Package codec translates Commands to and from their wire form: a JSON
// envelope {"t": <tag>, "v": {<payload>}}.
//
// Encode only ever consumes trusted local values, so its failures are
// surfaced as errors. Decode consumes untrusted network input and never
// fails outward: anything structurally wrong yields model.Undefined so
// that one malformed frame cannot break the delivery path.
package codec

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/lumiclass/classbus/model"
)

var ErrEncode = errors.New("unable to encode command")

const (
	tagRaiseHand             = "raise-hand"
	tagBan                   = "ban"
	tagNotice                = "notice"
	tagUpdateRoomStatus      = "update-room-status"
	tagRequestDevice         = "request-device"
	tagRequestDeviceResponse = "request-device-response"
	tagNotifyDeviceOff       = "notify-device-off"
	tagReward                = "reward"
	tagNewUserEnter          = "new-user-enter"
	tagRoomExpire            = "room-expire"
	tagUndefined             = "undefined"
)

type envelope struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v"`
}

type (
	raiseHandPayload struct {
		RoomUUID  string `json:"roomUUID"`
		RaiseHand *bool  `json:"raiseHand"`
	}

	banPayload struct {
		RoomUUID string `json:"roomUUID"`
		Banned   *bool  `json:"banned"`
	}

	noticePayload struct {
		RoomUUID string `json:"roomUUID"`
		Text     string `json:"text"`
	}

	roomStatusPayload struct {
		RoomUUID string `json:"roomUUID"`
		Status   string `json:"status"`
	}

	devicePayload struct {
		RoomUUID string `json:"roomUUID"`
		Device   string `json:"device"`
	}

	deviceResponsePayload struct {
		RoomUUID string `json:"roomUUID"`
		Device   string `json:"device"`
		Granted  *bool  `json:"granted"`
	}

	rewardPayload struct {
		RoomUUID string `json:"roomUUID"`
		UserUUID string `json:"userUUID"`
	}

	userInfoPayload struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
		RTCUID uint32 `json:"rtcUID"`
	}

	userEnterPayload struct {
		RoomUUID string          `json:"roomUUID"`
		UserUUID string          `json:"userUUID"`
		UserInfo userInfoPayload `json:"userInfo"`
	}

	expirePayload struct {
		RoomUUID string `json:"roomUUID"`
		ExpireAt *int64 `json:"expireAt"`
	}

	undefinedPayload struct {
		Reason string `json:"reason"`
	}
)

// Encode serializes a command into its wire envelope. Encoding a
// command with an empty room id, or an Undefined value, is a
// programmer error and fails with ErrEncode.
func Encode(cmd model.Command) ([]byte, error) {
	tag, payload, err := payloadFor(cmd)
	if err != nil {
		return nil, err
	}
	v, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	b, err := json.Marshal(envelope{T: tag, V: v})
	if err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	return b, nil
}

func payloadFor(cmd model.Command) (string, any, error) {
	if cmd == nil {
		return "", nil, fmt.Errorf("%w: nil command", ErrEncode)
	}
	if _, ok := cmd.(model.Undefined); ok {
		return "", nil, fmt.Errorf("%w: refusing to encode undefined command", ErrEncode)
	}
	if cmd.RoomID() == "" {
		return "", nil, fmt.Errorf("%w: empty room id in %T", ErrEncode, cmd)
	}
	switch c := cmd.(type) {
	case model.RaiseHand:
		return tagRaiseHand, raiseHandPayload{RoomUUID: c.Room, RaiseHand: &c.Raised}, nil
	case model.BanChat:
		return tagBan, banPayload{RoomUUID: c.Room, Banned: &c.Banned}, nil
	case model.Notice:
		return tagNotice, noticePayload{RoomUUID: c.Room, Text: c.Text}, nil
	case model.UpdateRoomStatus:
		return tagUpdateRoomStatus, roomStatusPayload{RoomUUID: c.Room, Status: string(c.Status)}, nil
	case model.RequestDevice:
		return tagRequestDevice, devicePayload{RoomUUID: c.Room, Device: string(c.Device)}, nil
	case model.RequestDeviceResponse:
		return tagRequestDeviceResponse, deviceResponsePayload{
			RoomUUID: c.Room, Device: string(c.Device), Granted: &c.Granted,
		}, nil
	case model.NotifyDeviceOff:
		return tagNotifyDeviceOff, devicePayload{RoomUUID: c.Room, Device: string(c.Device)}, nil
	case model.Reward:
		return tagReward, rewardPayload{RoomUUID: c.Room, UserUUID: c.UserID}, nil
	case model.NewUserEnter:
		return tagNewUserEnter, userEnterPayload{
			RoomUUID: c.Room,
			UserUUID: c.UserID,
			UserInfo: userInfoPayload{Name: c.Info.Name, Avatar: c.Info.Avatar, RTCUID: c.Info.RTCID},
		}, nil
	case model.RoomExpire:
		return tagRoomExpire, expirePayload{RoomUUID: c.Room, ExpireAt: &c.ExpireAt}, nil
	}
	return "", nil, fmt.Errorf("%w: unknown command type %T", ErrEncode, cmd)
}

// Decode parses a wire frame into a Command. It never fails outward:
// any structurally invalid input decodes to model.Undefined carrying a
// diagnostic reason.
func Decode(data []byte) model.Command {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Undefined{Reason: fmt.Sprintf("bad envelope: %v", err)}
	}
	if env.T == "" {
		return model.Undefined{Reason: "missing type tag"}
	}
	if len(env.V) == 0 {
		return model.Undefined{Reason: fmt.Sprintf("missing payload for %q", env.T)}
	}
	switch env.T {
	case tagRaiseHand:
		var p raiseHandPayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.RaiseHand{Room: p.RoomUUID, Raised: *p.RaiseHand}

	case tagBan:
		var p banPayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.BanChat{Room: p.RoomUUID, Banned: *p.Banned}

	case tagNotice:
		var p noticePayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.Notice{Room: p.RoomUUID, Text: p.Text}

	case tagUpdateRoomStatus:
		var p roomStatusPayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.UpdateRoomStatus{Room: p.RoomUUID, Status: model.RoomLifecycle(p.Status)}

	case tagRequestDevice:
		var p devicePayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.RequestDevice{Room: p.RoomUUID, Device: model.DeviceKind(p.Device)}

	case tagRequestDeviceResponse:
		var p deviceResponsePayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.RequestDeviceResponse{
			Room: p.RoomUUID, Device: model.DeviceKind(p.Device), Granted: *p.Granted,
		}

	case tagNotifyDeviceOff:
		var p devicePayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.NotifyDeviceOff{Room: p.RoomUUID, Device: model.DeviceKind(p.Device)}

	case tagReward:
		var p rewardPayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.Reward{Room: p.RoomUUID, UserID: p.UserUUID}

	case tagNewUserEnter:
		var p userEnterPayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.NewUserEnter{
			Room:   p.RoomUUID,
			UserID: p.UserUUID,
			Info:   model.UserInfo{Name: p.UserInfo.Name, Avatar: p.UserInfo.Avatar, RTCID: p.UserInfo.RTCUID},
		}

	case tagRoomExpire:
		var p expirePayload
		if reason := unmarshalPayload(env.T, env.V, &p, p.requireAll); reason != "" {
			return model.Undefined{Reason: reason}
		}
		return model.RoomExpire{Room: p.RoomUUID, ExpireAt: *p.ExpireAt}

	case tagUndefined:
		var p undefinedPayload
		if err := json.Unmarshal(env.V, &p); err != nil {
			return model.Undefined{Reason: fmt.Sprintf("bad undefined payload: %v", err)}
		}
		return model.Undefined{Reason: p.Reason}
	}
	return model.Undefined{Reason: fmt.Sprintf("unknown type tag %q", env.T)}
}

// unmarshalPayload parses a payload object and validates required
// fields, returning a non-empty diagnostic on failure.
func unmarshalPayload(tag string, data []byte, into any, requireAll func() string) string {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Sprintf("bad %s payload: %v", tag, err)
	}
	if missing := requireAll(); missing != "" {
		return fmt.Sprintf("%s payload: %s", tag, missing)
	}
	return ""
}

func (p *raiseHandPayload) requireAll() string {
	switch {
	case p.RoomUUID == "":
		return "missing roomUUID"
	case p.RaiseHand == nil:
		return "missing raiseHand"
	}
	return ""
}

func (p *banPayload) requireAll() string {
	switch {
	case p.RoomUUID == "":
		return "missing roomUUID"
	case p.Banned == nil:
		return "missing banned"
	}
	return ""
}

func (p *noticePayload) requireAll() string {
	if p.RoomUUID == "" {
		return "missing roomUUID"
	}
	return ""
}

func (p *roomStatusPayload) requireAll() string {
	switch {
	case p.RoomUUID == "":
		return "missing roomUUID"
	case !model.RoomLifecycle(p.Status).Valid():
		return fmt.Sprintf("invalid status %q", p.Status)
	}
	return ""
}

func (p *devicePayload) requireAll() string {
	switch {
	case p.RoomUUID == "":
		return "missing roomUUID"
	case !model.DeviceKind(p.Device).Valid():
		return fmt.Sprintf("invalid device %q", p.Device)
	}
	return ""
}

func (p *deviceResponsePayload) requireAll() string {
	switch {
	case p.RoomUUID == "":
		return "missing roomUUID"
	case !model.DeviceKind(p.Device).Valid():
		return fmt.Sprintf("invalid device %q", p.Device)
	case p.Granted == nil:
		return "missing granted"
	}
	return ""
}

func (p *rewardPayload) requireAll() string {
	switch {
	case p.RoomUUID == "":
		return "missing roomUUID"
	case p.UserUUID == "":
		return "missing userUUID"
	}
	return ""
}

func (p *userEnterPayload) requireAll() string {
	switch {
	case p.RoomUUID == "":
		return "missing roomUUID"
	case p.UserUUID == "":
		return "missing userUUID"
	}
	return ""
}

func (p *expirePayload) requireAll() string {
	switch {
	case p.RoomUUID == "":
		return "missing roomUUID"
	case p.ExpireAt == nil:
		return "missing expireAt"
	}
	return ""
}
