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

package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/core"
)

// ErrBookingNotFound lookup against an unknown booking ID
var ErrBookingNotFound = fmt.Errorf("booking not found")

// ErrSlotLocked a slot lock for the same coordinates is already held
var ErrSlotLocked = fmt.Errorf("slot lock already held")

// SlotLockID identifies one held slot lock. The ID is derived from the slot
// coordinates, so two writers contesting the same window derive the same ID.
func SlotLockID(roomID string, start, end time.Time) string {
	return fmt.Sprintf("%s/%d/%d", roomID, start.UnixMilli(), end.UnixMilli())
}

// BookingStore storage interface for booking records.
//
// AcquireSlotLock takes an advisory lock on a slot's coordinates. The lock is an
// insert against a unique key, so at most one holder exists per slot at a time.
type BookingStore interface {
	// GetBooking fetch one booking by ID
	GetBooking(ctxt context.Context, bookingID string) (core.BookingRecord, error)
	// ListRoomBookings fetch all bookings held against a room
	ListRoomBookings(ctxt context.Context, roomID string) ([]core.BookingRecord, error)
	// PutBooking create or replace a booking record
	PutBooking(ctxt context.Context, record core.BookingRecord) error
	// DeleteBooking remove a booking record. Removing an unknown ID is a no-op.
	DeleteBooking(ctxt context.Context, bookingID string) error
	// AcquireSlotLock take the advisory lock on a slot's coordinates
	AcquireSlotLock(ctxt context.Context, roomID string, start, end time.Time) (string, error)
	// ReleaseSlotLock release a held advisory lock
	ReleaseSlotLock(ctxt context.Context, lockID string) error
}

// inMemoryBookingStore implements BookingStore in process memory
type inMemoryBookingStore struct {
	common.Component
	lock sync.RWMutex
	// bookings keyed by booking ID
	bookings map[string]core.BookingRecord
	// roomIndex booking IDs keyed by room ID
	roomIndex map[string]map[string]bool
	// slotLocks held advisory locks keyed by lock ID
	slotLocks map[string]time.Time
}

// GetInMemoryBookingStore define an in-memory booking store
func GetInMemoryBookingStore() (BookingStore, error) {
	logTags := log.Fields{
		"module": "conflict", "component": "booking-store", "instance": "in-memory",
	}
	return &inMemoryBookingStore{
		Component: common.Component{LogTags: logTags},
		bookings:  make(map[string]core.BookingRecord),
		roomIndex: make(map[string]map[string]bool),
		slotLocks: make(map[string]time.Time),
	}, nil
}

// GetBooking fetch one booking by ID
func (s *inMemoryBookingStore) GetBooking(
	ctxt context.Context, bookingID string,
) (core.BookingRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	record, ok := s.bookings[bookingID]
	if !ok {
		return core.BookingRecord{}, ErrBookingNotFound
	}
	return record, nil
}

// ListRoomBookings fetch all bookings held against a room
func (s *inMemoryBookingStore) ListRoomBookings(
	ctxt context.Context, roomID string,
) ([]core.BookingRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]core.BookingRecord, 0)
	for bookingID := range s.roomIndex[roomID] {
		if record, ok := s.bookings[bookingID]; ok {
			result = append(result, record)
		}
	}
	return result, nil
}

// PutBooking create or replace a booking record
func (s *inMemoryBookingStore) PutBooking(
	ctxt context.Context, record core.BookingRecord,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	// A booking may move between rooms on update
	if previous, ok := s.bookings[record.ID]; ok && previous.RoomID != record.RoomID {
		delete(s.roomIndex[previous.RoomID], record.ID)
	}
	s.bookings[record.ID] = record
	if _, ok := s.roomIndex[record.RoomID]; !ok {
		s.roomIndex[record.RoomID] = make(map[string]bool)
	}
	s.roomIndex[record.RoomID][record.ID] = true
	log.WithFields(s.LogTags).Debugf("Stored %s", record)
	return nil
}

// DeleteBooking remove a booking record
func (s *inMemoryBookingStore) DeleteBooking(ctxt context.Context, bookingID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	record, ok := s.bookings[bookingID]
	if !ok {
		return nil
	}
	delete(s.roomIndex[record.RoomID], bookingID)
	delete(s.bookings, bookingID)
	log.WithFields(s.LogTags).Debugf("Removed %s", record)
	return nil
}

// AcquireSlotLock take the advisory lock on a slot's coordinates
func (s *inMemoryBookingStore) AcquireSlotLock(
	ctxt context.Context, roomID string, start, end time.Time,
) (string, error) {
	lockID := SlotLockID(roomID, start, end)
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, held := s.slotLocks[lockID]; held {
		return "", ErrSlotLocked
	}
	s.slotLocks[lockID] = time.Now()
	return lockID, nil
}

// ReleaseSlotLock release a held advisory lock
func (s *inMemoryBookingStore) ReleaseSlotLock(ctxt context.Context, lockID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, held := s.slotLocks[lockID]; !held {
		return fmt.Errorf("slot lock %s not held", lockID)
	}
	delete(s.slotLocks, lockID)
	return nil
}
