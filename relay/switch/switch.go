package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumiclass/classbus/relay/wire"
)

const (
	defaultFwdTimout = time.Second
)

// Switch fans frames out to connected clients, keyed by user id. It
// knows nothing about channel membership; callers resolve recipients.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]wire.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]wire.Wire),
	}
}

// Connect attaches a client wire and returns the previously attached
// wire for the same user, if any. The caller decides what a duplicate
// identity means (session takeover).
func (sw *Switch) Connect(userID string, w wire.Wire) (wire.Wire, bool) {
	sw.mx.Lock()
	prev, hadPrev := sw.wires[userID]
	sw.wires[userID] = w
	sw.mx.Unlock()
	sw.logger.Debug().
		Str("userID", userID).
		Bool("replaced", hadPrev).
		Msg("endpoint connected")
	return prev, hadPrev
}

// Disconnect detaches a wire and reports whether it was the one
// currently attached. A taken-over session cannot detach (or clean up
// after) its successor.
func (sw *Switch) Disconnect(userID string, w wire.Wire) bool {
	sw.mx.Lock()
	cur, ok := sw.wires[userID]
	detached := ok && cur.TX == w.TX
	if detached {
		delete(sw.wires, userID)
	}
	sw.mx.Unlock()
	sw.logger.Debug().Str("userID", userID).Bool("detached", detached).Msg("endpoint disconnected")
	return detached
}

// Send forwards one frame to a single user. A missing or dead endpoint
// drops the frame; delivery here is at-most-once.
func (sw *Switch) Send(ctx context.Context, dst string, f wire.Frame) bool {
	sw.mx.RLock()
	w, ok := sw.wires[dst]
	sw.mx.RUnlock()
	if !ok {
		sw.logger.Debug().Str("dst", dst).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, f, w.TX, &sw.logger)
	return sent
}

// Broadcast forwards one frame to every listed recipient except the
// frame's source.
func (sw *Switch) Broadcast(ctx context.Context, f wire.Frame, dsts []string) {
	var sent bool
	for _, dst := range dsts {
		if dst == f.SRC {
			continue
		}
		sw.mx.RLock()
		w, ok := sw.wires[dst]
		sw.mx.RUnlock()
		if !ok {
			continue
		}
		frameSent, canceled := send(ctx, f, w.TX, &sw.logger)
		if canceled {
			return
		}
		if frameSent {
			sent = true
		}
	}
	if !sent {
		sw.logger.Debug().
			Str("op", f.Op).
			Str("src", f.SRC).
			Str("channel", f.Channel).
			Msg("broadcast did not reach anyone")
	}
}

func send(ctx context.Context, f wire.Frame, tx chan<- wire.Frame, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", f.DST).Msg("dead endpoint")
	case tx <- f:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
