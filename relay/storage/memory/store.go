package memory

import (
	"errors"
	"sync"
)

var ErrChannelFull = errors.New("channel is full")

// MemStore tracks channel membership on the relay, in both directions:
// members per channel and channels per user.
type MemStore struct {
	mx         *sync.Mutex
	channels   map[string]map[string]struct{}
	userChans  map[string]map[string]struct{}
	maxMembers int
}

// NewMemStore creates a store; maxMembers caps channel size, 0 means
// unlimited.
func NewMemStore(maxMembers int) *MemStore {
	return &MemStore{
		mx:         &sync.Mutex{},
		channels:   make(map[string]map[string]struct{}),
		userChans:  make(map[string]map[string]struct{}),
		maxMembers: maxMembers,
	}
}

// Join adds a user to a channel, creating the channel on first join.
// Joining twice is a no-op.
func (ms *MemStore) Join(channelID, userID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	members, ok := ms.channels[channelID]
	if !ok {
		members = make(map[string]struct{})
		ms.channels[channelID] = members
	}
	if _, ok = members[userID]; ok {
		return nil
	}
	if ms.maxMembers > 0 && len(members) >= ms.maxMembers {
		return ErrChannelFull
	}
	members[userID] = struct{}{}

	chans, ok := ms.userChans[userID]
	if !ok {
		chans = make(map[string]struct{})
		ms.userChans[userID] = chans
	}
	chans[channelID] = struct{}{}
	return nil
}

// Leave removes a user from a channel; reports whether the user was a
// member. Empty channels are dropped.
func (ms *MemStore) Leave(channelID, userID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return ms.leave(channelID, userID)
}

func (ms *MemStore) leave(channelID, userID string) bool {
	members, ok := ms.channels[channelID]
	if !ok {
		return false
	}
	if _, ok = members[userID]; !ok {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(ms.channels, channelID)
	}
	delete(ms.userChans[userID], channelID)
	if len(ms.userChans[userID]) == 0 {
		delete(ms.userChans, userID)
	}
	return true
}

// IsMember reports channel membership.
func (ms *MemStore) IsMember(channelID, userID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	_, ok := ms.channels[channelID][userID]
	return ok
}

// Members lists a channel's member ids.
func (ms *MemStore) Members(channelID string) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	out := make([]string, 0, len(ms.channels[channelID]))
	for id := range ms.channels[channelID] {
		out = append(out, id)
	}
	return out
}

// RemoveUser drops a user from every channel and returns the channels
// that were left.
func (ms *MemStore) RemoveUser(userID string) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	out := make([]string, 0, len(ms.userChans[userID]))
	for channelID := range ms.userChans[userID] {
		out = append(out, channelID)
		ms.leave(channelID, userID)
	}
	return out
}

// Channels lists channel ids with their member counts.
func (ms *MemStore) Channels() map[string]int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	out := make(map[string]int, len(ms.channels))
	for id, members := range ms.channels {
		out[id] = len(members)
	}
	return out
}
