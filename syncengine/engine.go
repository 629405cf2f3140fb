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
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/roomsync/roomsync/alerts"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/conflict"
	"github.com/roomsync/roomsync/core"
)

// SyncEvent one availability broadcast pushed to portal feeds
type SyncEvent struct {
	// RoomID is the room whose availability was re-derived
	RoomID string `json:"room_id"`
	// Available whether the room is free at the evaluation instant
	Available bool `json:"available"`
	// Timestamp is the evaluation instant
	Timestamp time.Time `json:"timestamp"`
	// EventType is the change event type which triggered the broadcast
	EventType string `json:"event_type"`
	// Source is the channel the triggering event arrived on
	Source string `json:"source"`
	// OriginClientID lets portal clients suppress echoes of their own writes
	OriginClientID string `json:"origin_client_id,omitempty"`
}

// String toString for SyncEvent
func (e SyncEvent) String() string {
	return fmt.Sprintf("sync[%s available=%t]", e.RoomID, e.Available)
}

// RoomAvailability snapshot of one room's derived state
type RoomAvailability struct {
	// RoomID is the room ID
	RoomID string `json:"room_id"`
	// Available whether the room is free right now
	Available bool `json:"available"`
	// Active whether the room is open for booking at all
	Active bool `json:"active"`
	// ConfirmedBookings is the number of confirmed bookings held against the room
	ConfirmedBookings int `json:"confirmed_bookings"`
	// UpdatedAt is when the room last saw a change event
	UpdatedAt time.Time `json:"updated_at"`
}

// Metrics counters of the sync engine
type Metrics struct {
	// Processed change events applied
	Processed int64 `json:"processed"`
	// StaleDropped change events discarded by the per record ordering rule
	StaleDropped int64 `json:"stale_dropped"`
	// Malformed change events which failed to parse or validate
	Malformed int64 `json:"malformed"`
	// Published sync events broadcast
	Published int64 `json:"published"`
	// SubscriberDrops sync events lost to slow subscribers
	SubscriberDrops int64 `json:"subscriber_drops"`
}

// Engine derives room availability from the change event stream.
//
// The engine keeps the full set of confirmed booking intervals per room and
// re-derives availability from that set on every event, so events arriving out
// of order still converge on the correct answer. Per record, an event whose
// source timestamp does not advance past the last applied one is discarded;
// this both deduplicates at-least-once redelivery and resolves reordering.
type Engine interface {
	// HandleChangeEvent ingest one serialized change event from a channel.
	// Matches the registry's raw event handler signature.
	HandleChangeEvent(ctxt context.Context, channelID string, payload []byte)
	// RoomAvailability fetch the derived state of one room
	RoomAvailability(ctxt context.Context, roomID string) (RoomAvailability, error)
	// ListAvailability fetch the derived state of all known rooms
	ListAvailability(ctxt context.Context) ([]RoomAvailability, error)
	// GetMetrics fetch the engine counters
	GetMetrics(ctxt context.Context) (Metrics, error)
	// Subscribe attach one availability feed. Slow feeds lose events instead of
	// blocking the engine. The returned function detaches the feed.
	Subscribe(ctxt context.Context, name string) (<-chan SyncEvent, func(), error)
}

// roomState derived state of one room
type roomState struct {
	roomID string
	// active is false once a room record marks the room closed or deleted
	active bool
	// bookings confirmed booking intervals keyed by booking ID
	bookings map[string]core.BookingRecord
	// appliedAt last applied source timestamp per booking ID. Removed bookings
	// keep their entry as a tombstone so late inserts cannot resurrect them.
	appliedAt map[string]time.Time
	// roomAppliedAt last applied source timestamp of the room record itself
	roomAppliedAt time.Time
	updatedAt     time.Time
}

// engineImpl implements Engine
type engineImpl struct {
	common.Component
	tp               common.TaskProcessor
	router           alerts.Router
	operationContext context.Context
	subscriberBuffer int
	timeNow          func() time.Time
	validate         *validator.Validate
	rooms            map[string]*roomState
	subscribers      map[string]chan SyncEvent
	metrics          Metrics
}

// DefineSyncEngine create new availability sync engine.
//
// Booking and room changes raise admin alerts through router. timeNow can be
// swapped out for testing; pass nil for the wall clock.
func DefineSyncEngine(
	tp common.TaskProcessor,
	router alerts.Router,
	subscriberBuffer int,
	timeNow func() time.Time,
	ctxt context.Context,
) (Engine, error) {
	logTags := log.Fields{
		"module": "syncengine", "component": "sync-engine",
	}
	if timeNow == nil {
		timeNow = time.Now
	}
	instance := engineImpl{
		Component:        common.Component{LogTags: logTags},
		tp:               tp,
		router:           router,
		operationContext: ctxt,
		subscriberBuffer: subscriberBuffer,
		timeNow:          timeNow,
		validate:         validator.New(),
		rooms:            make(map[string]*roomState),
		subscribers:      make(map[string]chan SyncEvent),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(engineIngestReq{}), instance.processIngestRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(engineQueryReq{}), instance.processQueryRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(engineSubscribeReq{}), instance.processSubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(engineUnsubscribeReq{}), instance.processUnsubscribeRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type engineIngestReq struct {
	channelID string
	payload   []byte
}

// HandleChangeEvent ingest one serialized change event from a channel
func (e *engineImpl) HandleChangeEvent(ctxt context.Context, channelID string, payload []byte) {
	if err := e.tp.Submit(engineIngestReq{channelID: channelID, payload: payload}, ctxt); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Failed to submit change event from %s", channelID,
		)
	}
}

// processIngestRequest support task processor, deal with one inbound change event
func (e *engineImpl) processIngestRequest(param interface{}) error {
	request, ok := param.(engineIngestReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for ingest request", reflect.TypeOf(param),
		)
	}
	event, err := core.ParseChangeEvent(request.payload, e.validate)
	if err != nil {
		e.metrics.Malformed++
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Discarding malformed change event from %s", request.channelID,
		)
		e.raiseAlert(alerts.AlertSystemError, "", fmt.Sprintf(
			"malformed change event on channel %s: %s", request.channelID, err,
		))
		return nil
	}
	switch event.Table {
	case core.ChangeTableBookings:
		e.applyBookingChange(request.channelID, event)
	case core.ChangeTableRooms:
		e.applyRoomChange(request.channelID, event)
	}
	return nil
}

// roomStateFor fetch or create the state of a room
func (e *engineImpl) roomStateFor(roomID string) *roomState {
	state, known := e.rooms[roomID]
	if !known {
		// A room is assumed open until a room record says otherwise
		state = &roomState{
			roomID:    roomID,
			active:    true,
			bookings:  make(map[string]core.BookingRecord),
			appliedAt: make(map[string]time.Time),
		}
		e.rooms[roomID] = state
	}
	return state
}

// applyBookingChange fold one booking change event into the room state
func (e *engineImpl) applyBookingChange(channelID string, event core.ChangeEvent) {
	booking, err := event.Booking(e.validate)
	if err != nil {
		e.metrics.Malformed++
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Discarding booking change from %s", channelID,
		)
		e.raiseAlert(alerts.AlertSystemError, "", fmt.Sprintf(
			"undecodable booking change on channel %s: %s", channelID, err,
		))
		return
	}
	state := e.roomStateFor(booking.RoomID)

	// Per booking, only an advancing source timestamp is applied. This drops
	// at-least-once redeliveries and events overtaken by a newer change.
	if lastApplied, seen := state.appliedAt[booking.ID]; seen &&
		!event.Timestamp.After(lastApplied) {
		e.metrics.StaleDropped++
		log.WithFields(e.LogTags).Debugf(
			"Discarding stale %s for %s", event, booking,
		)
		return
	}
	state.appliedAt[booking.ID] = event.Timestamp

	removed := event.EventType == core.ChangeEventDelete ||
		booking.Status != core.BookingStatusConfirmed
	if removed {
		delete(state.bookings, booking.ID)
	} else {
		state.bookings[booking.ID] = booking
	}
	e.metrics.Processed++
	state.updatedAt = e.timeNow()

	e.publishSyncEvent(state, event.EventType, channelID, booking.ClientID)

	// Overlapping confirmed bookings in the derived state mean the upstream
	// admitted a double booking
	if !removed {
		if overlapping := e.findOverlaps(state, booking); len(overlapping) > 0 {
			e.raiseAlert(alerts.AlertBookingConflict, state.roomID, fmt.Sprintf(
				"%s overlaps %d confirmed bookings", booking, len(overlapping),
			))
		}
	}

	switch {
	case event.Origin == "admin":
		e.raiseAlert(alerts.AlertAdminOverride, state.roomID, fmt.Sprintf(
			"administrator forced %s of %s", event.EventType, booking,
		))
	case event.EventType == core.ChangeEventDelete:
		e.raiseAlert(alerts.AlertBookingCancelled, state.roomID, fmt.Sprintf(
			"cancelled %s", booking,
		))
	default:
		e.raiseAlert(alerts.AlertBookingModified, state.roomID, fmt.Sprintf(
			"%s %s", event.EventType, booking,
		))
	}
}

// applyRoomChange fold one room change event into the room state
func (e *engineImpl) applyRoomChange(channelID string, event core.ChangeEvent) {
	room, err := event.Room(e.validate)
	if err != nil {
		e.metrics.Malformed++
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Discarding room change from %s", channelID,
		)
		e.raiseAlert(alerts.AlertSystemError, "", fmt.Sprintf(
			"undecodable room change on channel %s: %s", channelID, err,
		))
		return
	}
	state := e.roomStateFor(room.ID)
	if !state.roomAppliedAt.IsZero() && !event.Timestamp.After(state.roomAppliedAt) {
		e.metrics.StaleDropped++
		log.WithFields(e.LogTags).Debugf("Discarding stale %s for room %s", event, room.ID)
		return
	}
	state.roomAppliedAt = event.Timestamp

	if event.EventType == core.ChangeEventDelete {
		// A deleted room keeps a closed state so booking events against it
		// cannot re-open it
		state.active = false
		state.bookings = make(map[string]core.BookingRecord)
	} else {
		state.active = room.Active
	}
	e.metrics.Processed++
	state.updatedAt = e.timeNow()

	e.publishSyncEvent(state, event.EventType, channelID, "")
	e.raiseAlert(alerts.AlertRoomManagement, room.ID, fmt.Sprintf(
		"room %s %s", room.ID, event.EventType,
	))
}

// availableAt whether the room is free at the given instant
func (s *roomState) availableAt(t time.Time) bool {
	if !s.active {
		return false
	}
	for _, booking := range s.bookings {
		if booking.Covers(t) {
			return false
		}
	}
	return true
}

// findOverlaps list confirmed bookings of the room contesting the given booking
func (e *engineImpl) findOverlaps(
	state *roomState, booking core.BookingRecord,
) []core.BookingRecord {
	var overlapping []core.BookingRecord
	for _, other := range state.bookings {
		if other.ID == booking.ID {
			continue
		}
		if conflict.Overlaps(
			booking.StartTime, booking.EndTime, other.StartTime, other.EndTime,
		) {
			overlapping = append(overlapping, other)
		}
	}
	return overlapping
}

// publishSyncEvent re-derive availability and broadcast it to all subscribers
func (e *engineImpl) publishSyncEvent(
	state *roomState, eventType string, channelID string, originClientID string,
) {
	now := e.timeNow()
	syncEvent := SyncEvent{
		RoomID:         state.roomID,
		Available:      state.availableAt(now),
		Timestamp:      now,
		EventType:      eventType,
		Source:         channelID,
		OriginClientID: originClientID,
	}
	for name, subscriber := range e.subscribers {
		select {
		case subscriber <- syncEvent:
		default:
			e.metrics.SubscriberDrops++
			log.WithFields(e.LogTags).Warnf(
				"Dropped %s for slow subscriber %s", syncEvent, name,
			)
		}
	}
	e.metrics.Published++
	log.WithFields(e.LogTags).Debugf("Published %s", syncEvent)
}

// raiseAlert route one admin alert, if a router is attached
func (e *engineImpl) raiseAlert(alertType alerts.AlertType, roomID string, message string) {
	if e.router == nil {
		return
	}
	if err := e.router.Route(e.operationContext, alertType, roomID, message); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Failed to route %s alert", alertType)
	}
}

// ----------------------------------------------------------------------------------------

type engineQueryReq struct {
	roomID   string
	allRooms bool
	resultCB func([]RoomAvailability, Metrics, error)
}

// RoomAvailability fetch the derived state of one room
func (e *engineImpl) RoomAvailability(
	ctxt context.Context, roomID string,
) (RoomAvailability, error) {
	results, _, err := e.query(ctxt, engineQueryReq{roomID: roomID})
	if err != nil {
		return RoomAvailability{}, err
	}
	if len(results) == 0 {
		return RoomAvailability{}, fmt.Errorf("room %s not known", roomID)
	}
	return results[0], nil
}

// ListAvailability fetch the derived state of all known rooms
func (e *engineImpl) ListAvailability(ctxt context.Context) ([]RoomAvailability, error) {
	results, _, err := e.query(ctxt, engineQueryReq{allRooms: true})
	return results, err
}

// GetMetrics fetch the engine counters
func (e *engineImpl) GetMetrics(ctxt context.Context) (Metrics, error) {
	_, metrics, err := e.query(ctxt, engineQueryReq{})
	return metrics, err
}

// query run one query request through the event loop and wait for the result
func (e *engineImpl) query(
	ctxt context.Context, request engineQueryReq,
) ([]RoomAvailability, Metrics, error) {
	complete := make(chan bool, 1)
	var results []RoomAvailability
	var metrics Metrics
	var processError error
	request.resultCB = func(found []RoomAvailability, counters Metrics, err error) {
		results = found
		metrics = counters
		processError = err
		complete <- true
	}

	if err := e.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Failed to submit query request")
		return nil, Metrics{}, err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return nil, Metrics{}, ctxt.Err()
	}

	return results, metrics, processError
}

// processQueryRequest support task processor, deal with query request
func (e *engineImpl) processQueryRequest(param interface{}) error {
	request, ok := param.(engineQueryReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for query request", reflect.TypeOf(param),
		)
	}
	now := e.timeNow()
	snapshot := func(state *roomState) RoomAvailability {
		return RoomAvailability{
			RoomID:            state.roomID,
			Available:         state.availableAt(now),
			Active:            state.active,
			ConfirmedBookings: len(state.bookings),
			UpdatedAt:         state.updatedAt,
		}
	}
	var results []RoomAvailability
	if request.allRooms {
		results = make([]RoomAvailability, 0, len(e.rooms))
		for _, state := range e.rooms {
			results = append(results, snapshot(state))
		}
		sort.Slice(results, func(i, j int) bool {
			return results[i].RoomID < results[j].RoomID
		})
	} else if request.roomID != "" {
		if state, known := e.rooms[request.roomID]; known {
			results = []RoomAvailability{snapshot(state)}
		}
	}
	request.resultCB(results, e.metrics, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type engineSubscribeReq struct {
	name     string
	resultCB func(chan SyncEvent, error)
}

type engineUnsubscribeReq struct {
	name string
}

// Subscribe attach one availability feed
func (e *engineImpl) Subscribe(
	ctxt context.Context, name string,
) (<-chan SyncEvent, func(), error) {
	complete := make(chan bool, 1)
	var feed chan SyncEvent
	var processError error
	handler := func(result chan SyncEvent, err error) {
		feed = result
		processError = err
		complete <- true
	}

	if err := e.tp.Submit(engineSubscribeReq{name: name, resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Failed to submit subscribe request")
		return nil, nil, err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return nil, nil, ctxt.Err()
	}

	if processError != nil {
		return nil, nil, processError
	}
	unsubscribe := func() {
		if err := e.tp.Submit(
			engineUnsubscribeReq{name: name}, e.operationContext,
		); err != nil {
			log.WithError(err).WithFields(e.LogTags).Errorf(
				"Failed to submit unsubscribe request for %s", name,
			)
		}
	}
	return feed, unsubscribe, nil
}

// processSubscribeRequest support task processor, deal with subscribe request
func (e *engineImpl) processSubscribeRequest(param interface{}) error {
	request, ok := param.(engineSubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscribe request", reflect.TypeOf(param),
		)
	}
	if _, taken := e.subscribers[request.name]; taken {
		err := fmt.Errorf("subscriber %s already attached", request.name)
		request.resultCB(nil, err)
		return err
	}
	feed := make(chan SyncEvent, e.subscriberBuffer)
	e.subscribers[request.name] = feed
	log.WithFields(e.LogTags).Infof("Attached sync subscriber %s", request.name)
	request.resultCB(feed, nil)
	return nil
}

// processUnsubscribeRequest support task processor, deal with unsubscribe request
func (e *engineImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(engineUnsubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unsubscribe request", reflect.TypeOf(param),
		)
	}
	if feed, attached := e.subscribers[request.name]; attached {
		close(feed)
		delete(e.subscribers, request.name)
		log.WithFields(e.LogTags).Infof("Detached sync subscriber %s", request.name)
	}
	return nil
}
