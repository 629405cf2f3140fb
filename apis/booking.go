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

package apis

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/conflict"
	"github.com/roomsync/roomsync/core"
)

// APIRestBookingHandler REST handler for the booking write gate
type APIRestBookingHandler struct {
	goutils.RestAPIHandler
	gate     conflict.BookingGate
	detector conflict.Detector
	validate *validator.Validate
}

// GetAPIRestBookingHandler define APIRestBookingHandler
func GetAPIRestBookingHandler(
	gate conflict.BookingGate,
	detector conflict.Detector,
	httpConfig *common.HTTPConfig,
) (APIRestBookingHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "booking-gate",
	}
	return APIRestBookingHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		gate:           gate,
		detector:       detector,
		validate:       validator.New(),
	}, nil
}

// APIRestReqBookingWindow requested booking window
type APIRestReqBookingWindow struct {
	// StartTime inclusive start of the requested window
	StartTime time.Time `json:"start_time" validate:"required"`
	// EndTime exclusive end of the requested window
	EndTime time.Time `json:"end_time" validate:"required,gtfield=StartTime"`
	// ClientID identifies the requesting portal client
	ClientID string `json:"client_id"`
}

// APIRestRespBooking response carrying one booking
type APIRestRespBooking struct {
	goutils.RestAPIBaseResponse
	// Booking the stored booking record
	Booking *core.BookingRecord `json:"booking,omitempty"`
	// Conflicts bookings contesting the requested window, on rejection
	Conflicts []core.BookingRecord `json:"conflicts,omitempty"`
}

// APIRestRespConflictCheck response for a conflict check
type APIRestRespConflictCheck struct {
	goutils.RestAPIBaseResponse
	// Conflicts confirmed bookings overlapping the checked window
	Conflicts []core.BookingRecord `json:"conflicts"`
}

// -----------------------------------------------------------------------

// ReserveBooking godoc
// @Summary Reserve a room
// @Description Create a booking against a room if the requested window is free
// @tags Booking
// @Accept json
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Param roomID path string true "Room ID"
// @Param window body APIRestReqBookingWindow true "Requested booking window"
// @Success 200 {object} APIRestRespBooking "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} APIRestRespBooking "window contested"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,409,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/room/{roomID}/booking [post]
func (h APIRestBookingHandler) ReserveBooking(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	roomID, ok := vars["roomID"]
	if !ok {
		msg := "No room ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var window APIRestReqBookingWindow
	if err := json.NewDecoder(r.Body).Decode(&window); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&window); err != nil {
		msg := "Invalid booking window"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	stored, err := h.gate.Reserve(r.Context(), core.BookingRecord{
		RoomID:    roomID,
		StartTime: window.StartTime,
		EndTime:   window.EndTime,
		ClientID:  window.ClientID,
	})
	if err != nil {
		if conflictErr, contested := err.(conflict.ConflictError); contested {
			log.WithFields(localLogTags).Infof(
				"Booking against %s rejected. Window contested", roomID,
			)
			respCode = http.StatusConflict
			respBody = APIRestRespBooking{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{
					Success: false, RequestID: h.ReadRequestIDFromContext(r.Context()),
				},
				Conflicts: conflictErr.Conflicts,
			}
			return
		}
		msg := "Failed to reserve booking"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespBooking{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Booking: &stored,
	}
}

// ReserveBookingHandler Wrapper around ReserveBooking
func (h APIRestBookingHandler) ReserveBookingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReserveBooking(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqBookingUpdate requested booking replacement
type APIRestReqBookingUpdate struct {
	// RoomID the room the booking is held against
	RoomID string `json:"room_id" validate:"required"`
	// StartTime inclusive start of the new window
	StartTime time.Time `json:"start_time" validate:"required"`
	// EndTime exclusive end of the new window
	EndTime time.Time `json:"end_time" validate:"required,gtfield=StartTime"`
	// ClientID identifies the requesting portal client
	ClientID string `json:"client_id"`
}

// UpdateBooking godoc
// @Summary Modify a booking
// @Description Replace a booking's window if the new window is free
// @tags Booking
// @Accept json
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Param bookingID path string true "Booking ID"
// @Param update body APIRestReqBookingUpdate true "New booking window"
// @Success 200 {object} APIRestRespBooking "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "unknown booking"
// @Failure 409 {object} APIRestRespBooking "window contested"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,409,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/booking/{bookingID} [put]
func (h APIRestBookingHandler) UpdateBooking(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	bookingID, ok := vars["bookingID"]
	if !ok {
		msg := "No booking ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var update APIRestReqBookingUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&update); err != nil {
		msg := "Invalid booking update"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	stored, err := h.gate.Update(r.Context(), core.BookingRecord{
		ID:        bookingID,
		RoomID:    update.RoomID,
		StartTime: update.StartTime,
		EndTime:   update.EndTime,
		ClientID:  update.ClientID,
	})
	if err != nil {
		if conflictErr, contested := err.(conflict.ConflictError); contested {
			respCode = http.StatusConflict
			respBody = APIRestRespBooking{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{
					Success: false, RequestID: h.ReadRequestIDFromContext(r.Context()),
				},
				Conflicts: conflictErr.Conflicts,
			}
			return
		}
		if err == conflict.ErrBookingNotFound {
			msg := "Unknown booking"
			log.WithFields(localLogTags).Errorf("%s %s", msg, bookingID)
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, bookingID)
			return
		}
		msg := "Failed to update booking"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespBooking{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Booking: &stored,
	}
}

// UpdateBookingHandler Wrapper around UpdateBooking
func (h APIRestBookingHandler) UpdateBookingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UpdateBooking(w, r)
	}
}

// -----------------------------------------------------------------------

// CancelBooking godoc
// @Summary Cancel a booking
// @Description Cancel a booking, freeing its window
// @tags Booking
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Param bookingID path string true "Booking ID"
// @Param client_id query string false "Requesting portal client ID"
// @Success 200 {object} APIRestRespBooking "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "unknown booking"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,404,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/booking/{bookingID} [delete]
func (h APIRestBookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	bookingID, ok := vars["bookingID"]
	if !ok {
		msg := "No booking ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	clientID := r.URL.Query().Get("client_id")

	removed, err := h.gate.Cancel(r.Context(), bookingID, clientID)
	if err != nil {
		if err == conflict.ErrBookingNotFound {
			msg := "Unknown booking"
			log.WithFields(localLogTags).Errorf("%s %s", msg, bookingID)
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, bookingID)
			return
		}
		msg := "Failed to cancel booking"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespBooking{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Booking: &removed,
	}
}

// CancelBookingHandler Wrapper around CancelBooking
func (h APIRestBookingHandler) CancelBookingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CancelBooking(w, r)
	}
}

// -----------------------------------------------------------------------

// CheckConflicts godoc
// @Summary Check a window for conflicts
// @Description List confirmed bookings overlapping a window without reserving it
// @tags Booking
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Param roomID path string true "Room ID"
// @Param start_time query string true "Inclusive window start, RFC 3339"
// @Param end_time query string true "Exclusive window end, RFC 3339"
// @Param exclude_booking_id query string false "Booking to leave out of the check, for update pre-checks"
// @Success 200 {object} APIRestRespConflictCheck "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/room/{roomID}/conflicts [get]
func (h APIRestBookingHandler) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	roomID, ok := vars["roomID"]
	if !ok {
		msg := "No room ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	parseInstant := func(name string) (time.Time, bool) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			msg := "Missing " + name
			log.WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			msg := "Unable to parse " + name
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return time.Time{}, false
		}
		return parsed, true
	}
	startTime, ok := parseInstant("start_time")
	if !ok {
		return
	}
	endTime, ok := parseInstant("end_time")
	if !ok {
		return
	}
	if !endTime.After(startTime) {
		msg := "Window must end after it starts"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	// A client pre-checking an update passes its own booking ID so the held
	// window does not conflict with itself
	excludeID := r.URL.Query().Get("exclude_booking_id")

	conflicts, err := h.detector.CheckConflicts(r.Context(), core.BookingRecord{
		ID:        excludeID,
		RoomID:    roomID,
		StartTime: startTime,
		EndTime:   endTime,
		Status:    core.BookingStatusConfirmed,
	})
	if err != nil {
		msg := "Failed to check conflicts"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConflictCheck{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Conflicts: conflicts,
	}
}

// CheckConflictsHandler Wrapper around CheckConflicts
func (h APIRestBookingHandler) CheckConflictsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CheckConflicts(w, r)
	}
}
