// Package service coordinates the relay's membership store and frame
// switch: it implements the semantics behind every client op, including
// session takeover and membership announcements.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/lumiclass/classbus/relay/storage/memory"
	"github.com/lumiclass/classbus/relay/wire"
)

var (
	ErrNotAMember  = errors.New("user is not a member of this channel")
	ErrChannelFull = errors.New("unable to join, channel is full")
)

type (
	Store interface {
		Join(channelID, userID string) error
		Leave(channelID, userID string) bool
		IsMember(channelID, userID string) bool
		Members(channelID string) []string
		RemoveUser(userID string) []string
		Channels() map[string]int
	}

	Switch interface {
		Connect(userID string, w wire.Wire) (wire.Wire, bool)
		Disconnect(userID string, w wire.Wire) bool
		Send(ctx context.Context, dst string, f wire.Frame) bool
		Broadcast(ctx context.Context, f wire.Frame, dsts []string)
	}

	Service struct {
		store  Store
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		Store  Store
		Switch Switch
		Logger *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.Store,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "relay-service").Logger(),
	}
}

// Connect attaches a logged-in client. A second login with the same
// identity takes the session over: the previous endpoint gets a
// takeover frame, loses all its memberships and is detached.
func (svc *Service) Connect(ctx context.Context, userID string, w wire.Wire) {
	prev, hadPrev := svc.sw.Connect(userID, w)
	if !hadPrev {
		return
	}
	svc.logger.Info().Str("userID", userID).Msg("session takeover")
	sendTakeover(ctx, prev, svc.logger)
	svc.dropMemberships(ctx, userID)
}

func sendTakeover(ctx context.Context, w wire.Wire, logger zerolog.Logger) {
	select {
	case w.TX <- wire.Frame{Op: wire.OpTakeover}:
	case <-ctx.Done():
	default:
		logger.Debug().Msg("takeover frame dropped, endpoint not reading")
	}
}

// Disconnect detaches a client and withdraws it from every channel,
// announcing the departures. A stale wire (already taken over) detaches
// nothing and must not touch its successor's memberships.
func (svc *Service) Disconnect(ctx context.Context, userID string, w wire.Wire) {
	if svc.sw.Disconnect(userID, w) {
		svc.dropMemberships(ctx, userID)
	}
}

func (svc *Service) dropMemberships(ctx context.Context, userID string) {
	for _, channelID := range svc.store.RemoveUser(userID) {
		svc.sw.Broadcast(ctx, wire.Frame{
			Op:      wire.OpLeft,
			Channel: channelID,
			SRC:     userID,
		}, svc.store.Members(channelID))
	}
}

// Join adds the user to a channel and announces it to the other
// members.
func (svc *Service) Join(ctx context.Context, userID, channelID string) error {
	if err := svc.store.Join(channelID, userID); err != nil {
		if errors.Is(err, memory.ErrChannelFull) {
			return ErrChannelFull
		}
		return err
	}
	svc.sw.Broadcast(ctx, wire.Frame{
		Op:      wire.OpJoined,
		Channel: channelID,
		SRC:     userID,
	}, svc.store.Members(channelID))
	svc.logger.Debug().Str("userID", userID).Str("channelID", channelID).Msg("user joined channel")
	return nil
}

// Leave withdraws the user from a channel; leaving a channel the user
// never joined is a no-op.
func (svc *Service) Leave(ctx context.Context, userID, channelID string) {
	if !svc.store.Leave(channelID, userID) {
		return
	}
	svc.sw.Broadcast(ctx, wire.Frame{
		Op:      wire.OpLeft,
		Channel: channelID,
		SRC:     userID,
	}, svc.store.Members(channelID))
	svc.logger.Debug().Str("userID", userID).Str("channelID", channelID).Msg("user left channel")
}

// Members lists a channel's current members.
func (svc *Service) Members(channelID string) []string {
	return svc.store.Members(channelID)
}

// Channels lists active channels with member counts.
func (svc *Service) Channels() map[string]int {
	return svc.store.Channels()
}

// Publish fans a payload out to the channel, excluding the sender.
// Publishing into a channel the sender has not joined is rejected.
func (svc *Service) Publish(ctx context.Context, userID, channelID string, payload []byte) error {
	if !svc.store.IsMember(channelID, userID) {
		return ErrNotAMember
	}
	svc.sw.Broadcast(ctx, wire.Frame{
		Op:      wire.OpMsg,
		Channel: channelID,
		SRC:     userID,
		Payload: payload,
	}, svc.store.Members(channelID))
	return nil
}

// SendDirect forwards a payload to exactly one peer. An offline peer
// silently drops the frame; the path is at-most-once by contract.
func (svc *Service) SendDirect(ctx context.Context, src, dst string, payload []byte) {
	if !svc.sw.Send(ctx, dst, wire.Frame{
		Op:      wire.OpMsg,
		SRC:     src,
		Payload: payload,
	}) {
		svc.logger.Debug().Str("src", src).Str("dst", dst).Msg("direct frame dropped")
	}
}
