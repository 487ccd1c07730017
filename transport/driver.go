// Package transport manages one authenticated session to the messaging
// backend: the connection state machine, broadcast channel sessions and
// the direct peer-to-peer path. The backend itself is reached through
// the Driver interface and is treated purely as an unreliable byte pipe
// ordered per (sender, channel).
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Credentials authenticate one connection. Token refresh and expiry are
// handled by the identity provider above this layer.
type Credentials struct {
	Token  string
	UserID string
}

// Driver is the boundary to the messaging backend SDK. All events
// (membership changes, message receipt, fatal connection signals) are
// delivered through the single Events stream; delivery order is
// guaranteed only per (sender, channel).
type Driver interface {
	Login(ctx context.Context, creds Credentials) error
	Logout(ctx context.Context) error
	Join(ctx context.Context, channelID string) error
	Leave(ctx context.Context, channelID string) error
	Members(ctx context.Context, channelID string) ([]string, error)
	Publish(ctx context.Context, channelID string, payload []byte) error
	SendDirect(ctx context.Context, peerID string, payload []byte) error
	Events() <-chan Event
}

// Event is a single occurrence reported by the driver.
type Event interface{ isEvent() }

type MemberJoined struct {
	ChannelID string
	UserID    string
}

type MemberLeft struct {
	ChannelID string
	UserID    string
}

// MessageReceived carries one inbound frame. ChannelID is empty for
// direct peer-to-peer messages.
type MessageReceived struct {
	ChannelID string
	Sender    string
	Payload   []byte
}

// ConnectionAborted is the fatal session signal: the transport dropped
// this session for good, e.g. the same identity logged in elsewhere.
type ConnectionAborted struct {
	Reason string
}

func (MemberJoined) isEvent()      {}
func (MemberLeft) isEvent()        {}
func (MessageReceived) isEvent()   {}
func (ConnectionAborted) isEvent() {}

var (
	ErrNotConnected     = errors.New("not connected")
	ErrLogin            = errors.New("login failed")
	ErrSessionTakenOver = errors.New("session taken over by another login")
	ErrClosed           = errors.New("connection closed")
)

// JoinErrorCode classifies channel join rejections.
type JoinErrorCode int

const (
	JoinRejected JoinErrorCode = iota + 1
	JoinBanned
	JoinChannelFull
	JoinTransport
)

func (c JoinErrorCode) String() string {
	switch c {
	case JoinRejected:
		return "rejected"
	case JoinBanned:
		return "banned"
	case JoinChannelFull:
		return "channel full"
	case JoinTransport:
		return "transport error"
	}
	return "unknown"
}

// JoinError reports a channel join rejected by the transport. The
// session holds no membership after a failed join.
type JoinError struct {
	Code    JoinErrorCode
	Channel string
	Err     error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s failed (%s): %v", e.Channel, e.Code, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
