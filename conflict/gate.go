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
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/core"
)

// BookingGate write gate for booking records.
//
// All writes are serialized onto a single event loop, and each write re-runs the
// conflict check against current state before touching the store. A write which
// passed a stale check cannot land after a competing write took the window.
type BookingGate interface {
	// Reserve create a new booking if its window is free. A missing booking ID is
	// assigned. Returns ConflictError when the window is contested.
	Reserve(ctxt context.Context, booking core.BookingRecord) (core.BookingRecord, error)
	// Update replace an existing booking if the new window is free
	Update(ctxt context.Context, booking core.BookingRecord) (core.BookingRecord, error)
	// Cancel remove an existing booking, freeing its window
	Cancel(ctxt context.Context, bookingID string, clientID string) (core.BookingRecord, error)
}

// bookingGateImpl implements BookingGate
type bookingGateImpl struct {
	common.Component
	tp        common.TaskProcessor
	store     BookingStore
	detector  Detector
	publisher core.ChangePublisher
	validate  *validator.Validate
}

// DefineBookingGate create new booking write gate.
//
// Accepted writes are echoed onto the change event stream through publisher.
func DefineBookingGate(
	tp common.TaskProcessor,
	store BookingStore,
	detector Detector,
	publisher core.ChangePublisher,
) (BookingGate, error) {
	logTags := log.Fields{
		"module": "conflict", "component": "booking-gate",
	}
	instance := bookingGateImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		store:     store,
		detector:  detector,
		publisher: publisher,
		validate:  validator.New(),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(gateReserveReq{}), instance.processReserveRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(gateUpdateReq{}), instance.processUpdateRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(gateCancelReq{}), instance.processCancelRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// submitAndWait run one gate request through the event loop and wait for the result
func (g *bookingGateImpl) submitAndWait(
	ctxt context.Context, buildRequest func(func(core.BookingRecord, error)) interface{},
) (core.BookingRecord, error) {
	complete := make(chan bool, 1)
	var stored core.BookingRecord
	var processError error
	handler := func(result core.BookingRecord, err error) {
		stored = result
		processError = err
		complete <- true
	}

	if err := g.tp.Submit(buildRequest(handler), ctxt); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Failed to submit gate request")
		return core.BookingRecord{}, err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return core.BookingRecord{}, ctxt.Err()
	}

	return stored, processError
}

// ----------------------------------------------------------------------------------------

type gateReserveReq struct {
	ctxt     context.Context
	booking  core.BookingRecord
	resultCB func(core.BookingRecord, error)
}

// Reserve create a new booking if its window is free
func (g *bookingGateImpl) Reserve(
	ctxt context.Context, booking core.BookingRecord,
) (core.BookingRecord, error) {
	if booking.ID == "" {
		booking.ID = uuid.New().String()
	}
	if booking.Status == "" {
		booking.Status = core.BookingStatusConfirmed
	}
	if err := g.validate.Struct(&booking); err != nil {
		return core.BookingRecord{}, err
	}
	return g.submitAndWait(ctxt, func(cb func(core.BookingRecord, error)) interface{} {
		return gateReserveReq{ctxt: ctxt, booking: booking, resultCB: cb}
	})
}

// processReserveRequest support task processor, deal with reserve request
func (g *bookingGateImpl) processReserveRequest(param interface{}) error {
	request, ok := param.(gateReserveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for reserve request", reflect.TypeOf(param),
		)
	}
	stored, err := g.writeBooking(request.ctxt, request.booking, core.ChangeEventInsert, nil)
	request.resultCB(stored, err)
	return nil
}

// ----------------------------------------------------------------------------------------

type gateUpdateReq struct {
	ctxt     context.Context
	booking  core.BookingRecord
	resultCB func(core.BookingRecord, error)
}

// Update replace an existing booking if the new window is free
func (g *bookingGateImpl) Update(
	ctxt context.Context, booking core.BookingRecord,
) (core.BookingRecord, error) {
	if booking.Status == "" {
		booking.Status = core.BookingStatusConfirmed
	}
	if err := g.validate.Struct(&booking); err != nil {
		return core.BookingRecord{}, err
	}
	return g.submitAndWait(ctxt, func(cb func(core.BookingRecord, error)) interface{} {
		return gateUpdateReq{ctxt: ctxt, booking: booking, resultCB: cb}
	})
}

// processUpdateRequest support task processor, deal with update request
func (g *bookingGateImpl) processUpdateRequest(param interface{}) error {
	request, ok := param.(gateUpdateReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for update request", reflect.TypeOf(param),
		)
	}
	previous, err := g.store.GetBooking(request.ctxt, request.booking.ID)
	if err != nil {
		request.resultCB(core.BookingRecord{}, err)
		return nil
	}
	stored, err := g.writeBooking(request.ctxt, request.booking, core.ChangeEventUpdate, &previous)
	request.resultCB(stored, err)
	return nil
}

// ----------------------------------------------------------------------------------------

type gateCancelReq struct {
	ctxt      context.Context
	bookingID string
	clientID  string
	resultCB  func(core.BookingRecord, error)
}

// Cancel remove an existing booking, freeing its window
func (g *bookingGateImpl) Cancel(
	ctxt context.Context, bookingID string, clientID string,
) (core.BookingRecord, error) {
	return g.submitAndWait(ctxt, func(cb func(core.BookingRecord, error)) interface{} {
		return gateCancelReq{ctxt: ctxt, bookingID: bookingID, clientID: clientID, resultCB: cb}
	})
}

// processCancelRequest support task processor, deal with cancel request
func (g *bookingGateImpl) processCancelRequest(param interface{}) error {
	request, ok := param.(gateCancelReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for cancel request", reflect.TypeOf(param),
		)
	}
	previous, err := g.store.GetBooking(request.ctxt, request.bookingID)
	if err != nil {
		request.resultCB(core.BookingRecord{}, err)
		return nil
	}
	if err := g.store.DeleteBooking(request.ctxt, request.bookingID); err != nil {
		request.resultCB(core.BookingRecord{}, err)
		return nil
	}
	previous.ClientID = request.clientID
	g.echoChange(request.ctxt, core.ChangeEventDelete, &previous, nil)
	log.WithFields(g.LogTags).Infof("Cancelled %s", previous)
	request.resultCB(previous, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

// writeBooking conflict-check and persist one booking. Must run on the event loop.
//
// The check runs under the slot's advisory lock so an out-of-process writer
// contesting the same window is also excluded.
func (g *bookingGateImpl) writeBooking(
	ctxt context.Context,
	booking core.BookingRecord,
	eventType string,
	previous *core.BookingRecord,
) (core.BookingRecord, error) {
	lockID, err := g.store.AcquireSlotLock(
		ctxt, booking.RoomID, booking.StartTime, booking.EndTime,
	)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Unable to lock slot for %s", booking,
		)
		return core.BookingRecord{}, err
	}
	defer func() {
		if err := g.store.ReleaseSlotLock(ctxt, lockID); err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Unable to release slot lock %s", lockID,
			)
		}
	}()

	if booking.Status == core.BookingStatusConfirmed {
		conflicts, err := g.detector.CheckConflicts(ctxt, booking)
		if err != nil {
			return core.BookingRecord{}, err
		}
		if len(conflicts) > 0 {
			log.WithFields(g.LogTags).Infof(
				"Rejected %s. %d conflicting bookings", booking, len(conflicts),
			)
			return core.BookingRecord{}, ConflictError{
				RoomID: booking.RoomID, Conflicts: conflicts,
			}
		}
	}

	if err := g.store.PutBooking(ctxt, booking); err != nil {
		return core.BookingRecord{}, err
	}
	g.echoChange(ctxt, eventType, previous, &booking)
	log.WithFields(g.LogTags).Infof("Accepted %s", booking)
	return booking, nil
}

// echoChange publish the accepted write onto the change event stream
func (g *bookingGateImpl) echoChange(
	ctxt context.Context, eventType string, before, after *core.BookingRecord,
) {
	if g.publisher == nil {
		return
	}
	event := core.ChangeEvent{
		EventType: eventType,
		Table:     core.ChangeTableBookings,
		Timestamp: time.Now().UTC(),
	}
	if before != nil {
		serialized, err := json.Marshal(before)
		if err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf("Unable to serialize %s", before)
			return
		}
		event.Before = serialized
	}
	if after != nil {
		serialized, err := json.Marshal(after)
		if err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf("Unable to serialize %s", after)
			return
		}
		event.After = serialized
	}
	if err := g.publisher.PublishChange(ctxt, event); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to echo %s", event)
	}
}
