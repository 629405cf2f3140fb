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
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/roomsync/roomsync/alerts"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/syncengine"
)

// APIRestFeedsHandler REST handler for availability and alert feeds
type APIRestFeedsHandler struct {
	goutils.RestAPIHandler
	engine      syncengine.Engine
	router      alerts.Router
	baseContext context.Context
}

// GetAPIRestFeedsHandler define APIRestFeedsHandler
func GetAPIRestFeedsHandler(
	baseContext context.Context,
	engine syncengine.Engine,
	router alerts.Router,
	httpConfig *common.HTTPConfig,
) (APIRestFeedsHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "feeds",
	}
	return APIRestFeedsHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		engine:         engine,
		router:         router,
		baseContext:    baseContext,
	}, nil
}

// APIRestRespAvailability response listing derived room availability
type APIRestRespAvailability struct {
	goutils.RestAPIBaseResponse
	// Rooms derived state per room
	Rooms []syncengine.RoomAvailability `json:"rooms"`
}

// APIRestRespSyncEvent one availability broadcast on the push feed
type APIRestRespSyncEvent struct {
	goutils.RestAPIBaseResponse
	// Event the availability broadcast
	Event syncengine.SyncEvent `json:"event"`
}

// APIRestRespAlertEvent one admin alert on the push feed
type APIRestRespAlertEvent struct {
	goutils.RestAPIBaseResponse
	// Alert the admin alert
	Alert alerts.Alert `json:"alert"`
}

// -----------------------------------------------------------------------

// ListAvailability godoc
// @Summary Room availability snapshot
// @Description Fetch the derived availability of all known rooms
// @tags Feeds
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAvailability "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/availability [get]
func (h APIRestFeedsHandler) ListAvailability(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	rooms, err := h.engine.ListAvailability(r.Context())
	if err != nil {
		msg := "Failed to list availability"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespAvailability{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Rooms: rooms,
	}
}

// ListAvailabilityHandler Wrapper around ListAvailability
func (h APIRestFeedsHandler) ListAvailabilityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListAvailability(w, r)
	}
}

// -----------------------------------------------------------------------

// GetRoomAvailability godoc
// @Summary Room availability
// @Description Fetch the derived availability of one room
// @tags Feeds
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Param roomID path string true "Room ID"
// @Success 200 {object} APIRestRespAvailability "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "unknown room"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,404,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/room/{roomID}/availability [get]
func (h APIRestFeedsHandler) GetRoomAvailability(w http.ResponseWriter, r *http.Request) {
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

	room, err := h.engine.RoomAvailability(r.Context(), roomID)
	if err != nil {
		msg := "Unknown room"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, roomID)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespAvailability{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Rooms:               []syncengine.RoomAvailability{room},
	}
}

// GetRoomAvailabilityHandler Wrapper around GetRoomAvailability
func (h APIRestFeedsHandler) GetRoomAvailabilityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRoomAvailability(w, r)
	}
}

// -----------------------------------------------------------------------

// StreamAvailability godoc
// @Summary Availability push feed
// @Description Stream availability broadcasts as they are derived. Messages are
// newline separated JSON. The stream runs until the client disconnects or the
// server stops.
// @tags Feeds
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSyncEvent "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/availability/stream [get]
func (h APIRestFeedsHandler) StreamAvailability(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	subscriberName := fmt.Sprintf("portal/%s", uuid.New().String())
	feed, unsubscribe, err := h.engine.Subscribe(r.Context(), subscriberName)
	if err != nil {
		msg := "Unable to attach availability feed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer unsubscribe()

	// Each stream keeps its own room state view, so a broadcast which does not
	// advance a room's last applied timestamp never reaches the client
	view := syncengine.GetRoomStateCache()

	complete := false
	onError := func(err error, msg string) {
		complete = true
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	}
	for !complete {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			complete = true
			log.WithFields(localLogTags).Info("Terminating availability feed on server stop")
			msg := "Server stopping"
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		case <-r.Context().Done():
			// Request closed
			complete = true
			log.WithFields(localLogTags).Info("Terminating availability feed on request end")
			respCode = http.StatusOK
			respBody = h.GetStdRESTSuccessMsg(r.Context())
		case syncEvent, open := <-feed:
			if !open {
				onError(fmt.Errorf("availability feed closed"), "Feed channel read fail")
				break
			}
			if !view.Apply(syncEvent) {
				log.WithFields(localLogTags).Debugf("Skipping stale %s", syncEvent)
				break
			}
			resp := APIRestRespSyncEvent{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{
					Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
				},
				Event: syncEvent,
			}
			serialize, err := json.Marshal(&resp)
			if err != nil {
				onError(err, "Failed to serialize availability for transmission")
				break
			}
			written, err := fmt.Fprintf(w, "%s\n", serialize)
			writeFlusher.Flush()
			if err != nil {
				onError(err, "Failed to transmit availability")
				break
			}
			log.WithFields(localLogTags).Debugf("Written %dB", written)
		}
	}
	writeFlusher.Flush()
}

// StreamAvailabilityHandler Wrapper around StreamAvailability
func (h APIRestFeedsHandler) StreamAvailabilityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamAvailability(w, r)
	}
}

// -----------------------------------------------------------------------

// StreamAlerts godoc
// @Summary Admin alert push feed
// @Description Stream admin alerts as they are routed. Messages are newline
// separated JSON. The stream runs until the client disconnects or the server
// stops.
// @tags Feeds
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAlertEvent "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/alerts/stream [get]
func (h APIRestFeedsHandler) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	subscriberName := fmt.Sprintf("admin/%s", uuid.New().String())
	feed, unsubscribe, err := h.router.Subscribe(r.Context(), subscriberName)
	if err != nil {
		msg := "Unable to attach alert feed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer unsubscribe()

	complete := false
	onError := func(err error, msg string) {
		complete = true
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	}
	for !complete {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			complete = true
			log.WithFields(localLogTags).Info("Terminating alert feed on server stop")
			msg := "Server stopping"
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		case <-r.Context().Done():
			// Request closed
			complete = true
			log.WithFields(localLogTags).Info("Terminating alert feed on request end")
			respCode = http.StatusOK
			respBody = h.GetStdRESTSuccessMsg(r.Context())
		case alert, open := <-feed:
			if !open {
				onError(fmt.Errorf("alert feed closed"), "Feed channel read fail")
				break
			}
			resp := APIRestRespAlertEvent{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{
					Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
				},
				Alert: alert,
			}
			serialize, err := json.Marshal(&resp)
			if err != nil {
				onError(err, "Failed to serialize alert for transmission")
				break
			}
			written, err := fmt.Fprintf(w, "%s\n", serialize)
			writeFlusher.Flush()
			if err != nil {
				onError(err, "Failed to transmit alert")
				break
			}
			log.WithFields(localLogTags).Debugf("Written %dB", written)
		}
	}
	writeFlusher.Flush()
}

// StreamAlertsHandler Wrapper around StreamAlerts
func (h APIRestFeedsHandler) StreamAlertsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamAlerts(w, r)
	}
}
