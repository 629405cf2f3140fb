// Copyright 2025-2026 The roomsync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package syncengine

import (
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/roomsync/roomsync/common"
)

// CachedRoomState one room's view held by a RoomStateCache
type CachedRoomState struct {
	// RoomID is the room ID
	RoomID string `json:"room_id"`
	// Available whether the room was free at the last applied broadcast
	Available bool `json:"available"`
	// EventType is the change event type behind the last applied broadcast
	EventType string `json:"event_type"`
	// UpdatedAt is the timestamp of the last applied broadcast
	UpdatedAt time.Time `json:"updated_at"`
}

// RoomStateCache consumer side availability view built from sync events.
//
// Per room, only an event whose timestamp advances past the last applied one
// is folded in. A consumer replaying or receiving reordered broadcasts
// therefore converges on the newest state instead of rolling back.
type RoomStateCache interface {
	// Apply fold one broadcast into the view. Returns false when the event is
	// stale against the room's last applied timestamp.
	Apply(event SyncEvent) bool
	// Room fetch the cached view of one room
	Room(roomID string) (CachedRoomState, bool)
	// List fetch the cached view of all known rooms
	List() []CachedRoomState
	// StaleDropped number of broadcasts rejected as stale
	StaleDropped() int64
}

// roomStateCacheImpl implements RoomStateCache
type roomStateCacheImpl struct {
	common.Component
	lock         sync.RWMutex
	rooms        map[string]CachedRoomState
	staleDropped int64
}

// GetRoomStateCache define an empty room state cache
func GetRoomStateCache() RoomStateCache {
	logTags := log.Fields{
		"module": "syncengine", "component": "room-state-cache",
	}
	return &roomStateCacheImpl{
		Component: common.Component{LogTags: logTags},
		rooms:     make(map[string]CachedRoomState),
	}
}

// Apply fold one broadcast into the view
func (c *roomStateCacheImpl) Apply(event SyncEvent) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if existing, known := c.rooms[event.RoomID]; known &&
		!event.Timestamp.After(existing.UpdatedAt) {
		c.staleDropped++
		log.WithFields(c.LogTags).Debugf("Rejecting stale %s", event)
		return false
	}
	c.rooms[event.RoomID] = CachedRoomState{
		RoomID:    event.RoomID,
		Available: event.Available,
		EventType: event.EventType,
		UpdatedAt: event.Timestamp,
	}
	return true
}

// Room fetch the cached view of one room
func (c *roomStateCacheImpl) Room(roomID string) (CachedRoomState, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	state, known := c.rooms[roomID]
	return state, known
}

// List fetch the cached view of all known rooms
func (c *roomStateCacheImpl) List() []CachedRoomState {
	c.lock.RLock()
	defer c.lock.RUnlock()
	results := make([]CachedRoomState, 0, len(c.rooms))
	for _, state := range c.rooms {
		results = append(results, state)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].RoomID < results[j].RoomID
	})
	return results
}

// StaleDropped number of broadcasts rejected as stale
func (c *roomStateCacheImpl) StaleDropped() int64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.staleDropped
}
