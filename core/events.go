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

package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Booking record status values
const (
	// BookingStatusConfirmed the booking holds its time window
	BookingStatusConfirmed = "confirmed"
	// BookingStatusCancelled the booking no longer holds its time window
	BookingStatusCancelled = "cancelled"
)

// Change event types
const (
	// ChangeEventInsert a record was created
	ChangeEventInsert = "insert"
	// ChangeEventUpdate a record was modified
	ChangeEventUpdate = "update"
	// ChangeEventDelete a record was removed
	ChangeEventDelete = "delete"
)

// Change event source tables
const (
	// ChangeTableBookings booking record changes
	ChangeTableBookings = "bookings"
	// ChangeTableRooms room record changes
	ChangeTableRooms = "rooms"
)

// BookingRecord one booking interval held against a room.
//
// A booking record is never mutated in place. A change event carries a new value,
// and the previous value is discarded.
type BookingRecord struct {
	// ID is the booking ID
	ID string `json:"id" validate:"required"`
	// RoomID is the room this booking is held against
	RoomID string `json:"room_id" validate:"required"`
	// StartTime is the inclusive start of the booked window
	StartTime time.Time `json:"start_time" validate:"required"`
	// EndTime is the exclusive end of the booked window
	EndTime time.Time `json:"end_time" validate:"required,gtfield=StartTime"`
	// Status is either "confirmed" or "cancelled"
	Status string `json:"status" validate:"required,oneof=confirmed cancelled"`
	// ClientID identifies the client which issued the originating write, if known
	ClientID string `json:"client_id,omitempty"`
}

// String toString for BookingRecord
func (b BookingRecord) String() string {
	return fmt.Sprintf(
		"booking[%s]@%s (%s - %s) %s",
		b.ID,
		b.RoomID,
		b.StartTime.Format(time.RFC3339),
		b.EndTime.Format(time.RFC3339),
		b.Status,
	)
}

// Covers whether the given instance falls within the booked window [start, end)
func (b BookingRecord) Covers(t time.Time) bool {
	return !t.Before(b.StartTime) && t.Before(b.EndTime)
}

// RoomRecord one bookable room
type RoomRecord struct {
	// ID is the room ID
	ID string `json:"id" validate:"required"`
	// Name is the display name of the room
	Name string `json:"name,omitempty"`
	// Active whether the room is open for booking
	Active bool `json:"active"`
}

// ChangeEvent a single insert / update / delete event from the change event stream.
//
// Before and After hold the serialized record; their shape depends on Table. The
// transport delivers events at-least-once with no cross event ordering guarantee.
type ChangeEvent struct {
	// EventType is one of "insert", "update", "delete"
	EventType string `json:"event_type" validate:"required,oneof=insert update delete"`
	// Table is one of "bookings", "rooms"
	Table string `json:"table" validate:"required,oneof=bookings rooms"`
	// Timestamp is when the change committed at the source
	Timestamp time.Time `json:"timestamp" validate:"required"`
	// Origin identifies the actor behind the change, if known. Changes forced
	// through by administrators carry "admin".
	Origin string `json:"origin,omitempty"`
	// Before is the record value prior to the change, if any
	Before json.RawMessage `json:"before,omitempty"`
	// After is the record value following the change, if any
	After json.RawMessage `json:"after,omitempty"`
}

// String toString for ChangeEvent
func (e ChangeEvent) String() string {
	return fmt.Sprintf("change[%s/%s]", e.Table, e.EventType)
}

// ParseChangeEvent parse and validate a serialized change event
func ParseChangeEvent(data []byte, validate *validator.Validate) (ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return ChangeEvent{}, err
	}
	if err := validate.Struct(&event); err != nil {
		return ChangeEvent{}, err
	}
	return event, nil
}

// bookingPayload select the record payload carrying booking state for this event type
func (e ChangeEvent) bookingPayload() json.RawMessage {
	if e.EventType == ChangeEventDelete {
		return e.Before
	}
	return e.After
}

// Booking decode the booking record carried by this event.
//
// For delete events the record comes from Before, otherwise from After.
func (e ChangeEvent) Booking(validate *validator.Validate) (BookingRecord, error) {
	if e.Table != ChangeTableBookings {
		return BookingRecord{}, fmt.Errorf("change event is against table %s", e.Table)
	}
	payload := e.bookingPayload()
	if payload == nil {
		return BookingRecord{}, fmt.Errorf("change event carries no booking record")
	}
	var record BookingRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return BookingRecord{}, err
	}
	if err := validate.Struct(&record); err != nil {
		return BookingRecord{}, err
	}
	return record, nil
}

// Room decode the room record carried by this event.
//
// For delete events the record comes from Before, otherwise from After.
func (e ChangeEvent) Room(validate *validator.Validate) (RoomRecord, error) {
	if e.Table != ChangeTableRooms {
		return RoomRecord{}, fmt.Errorf("change event is against table %s", e.Table)
	}
	payload := e.After
	if e.EventType == ChangeEventDelete {
		payload = e.Before
	}
	if payload == nil {
		return RoomRecord{}, fmt.Errorf("change event carries no room record")
	}
	var record RoomRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return RoomRecord{}, err
	}
	if err := validate.Struct(&record); err != nil {
		return RoomRecord{}, err
	}
	return record, nil
}
