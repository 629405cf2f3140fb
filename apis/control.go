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
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/health"
	"github.com/roomsync/roomsync/registry"
	"github.com/roomsync/roomsync/syncengine"
)

// APIRestControlHandler REST handler for the operator control surface
type APIRestControlHandler struct {
	goutils.RestAPIHandler
	monitor       health.Monitor
	subscriptions registry.SubscriptionRegistry
	engine        syncengine.Engine
}

// GetAPIRestControlHandler define APIRestControlHandler
func GetAPIRestControlHandler(
	monitor health.Monitor,
	subscriptions registry.SubscriptionRegistry,
	engine syncengine.Engine,
	httpConfig *common.HTTPConfig,
) (APIRestControlHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "control",
	}
	return APIRestControlHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		monitor:        monitor,
		subscriptions:  subscriptions,
		engine:         engine,
	}, nil
}

// Write logging support
func (h APIRestControlHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// APIRestRespHealth response carrying a health snapshot
type APIRestRespHealth struct {
	goutils.RestAPIBaseResponse
	// Health the latest channel health snapshot
	Health health.Snapshot `json:"health"`
}

// APIRestRespStatus response describing the full system status
type APIRestRespStatus struct {
	goutils.RestAPIBaseResponse
	// Health the latest channel health snapshot
	Health health.Snapshot `json:"health"`
	// Subscriptions the per channel subscription records
	Subscriptions []registry.SubscriptionRecord `json:"subscriptions"`
	// Engine the sync engine counters
	Engine syncengine.Metrics `json:"engine"`
}

// -----------------------------------------------------------------------

// GetHealth godoc
// @Summary Channel health
// @Description Fetch the health snapshot of the change event channels
// @tags Control
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespHealth "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/health [get]
func (h APIRestControlHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	snapshot, err := h.monitor.GetHealth(r.Context())
	if err != nil {
		msg := "Failed to fetch health"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespHealth{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Health: snapshot,
	}
}

// GetHealthHandler Wrapper around GetHealth
func (h APIRestControlHandler) GetHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetHealth(w, r)
	}
}

// -----------------------------------------------------------------------

// GetStatus godoc
// @Summary System status
// @Description Fetch the channel subscriptions, health, and engine counters
// @tags Control
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespStatus "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/status [get]
func (h APIRestControlHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	snapshot, err := h.monitor.GetHealth(r.Context())
	if err != nil {
		msg := "Failed to fetch health"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	records, err := h.subscriptions.ListSubscriptions(r.Context())
	if err != nil {
		msg := "Failed to list subscriptions"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	metrics, err := h.engine.GetMetrics(r.Context())
	if err != nil {
		msg := "Failed to fetch engine counters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespStatus{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Health:              snapshot,
		Subscriptions:       records,
		Engine:              metrics,
	}
}

// GetStatusHandler Wrapper around GetStatus
func (h APIRestControlHandler) GetStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// TriggerReconnect godoc
// @Summary Operator reconnect
// @Description Reset the retry budget and reconnect all failed channels
// @tags Control
// @Produce json
// @Param Roomsync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespHealth "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Roomsync-Request-ID "Request ID to match against logs"
// @Router /v1/reconnect [post]
func (h APIRestControlHandler) TriggerReconnect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	snapshot, err := h.monitor.Reconnect(r.Context())
	if err != nil {
		msg := "Failed to reconnect"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespHealth{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Health: snapshot,
	}
}

// TriggerReconnectHandler Wrapper around TriggerReconnect
func (h APIRestControlHandler) TriggerReconnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.TriggerReconnect(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate server is live
// @tags Control
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestControlHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestControlHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success if no change event channel is in error
// @tags Control
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestControlHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	aggregate, err := h.subscriptions.AggregateStatus(r.Context())
	if err != nil {
		msg := "Unable to read channel status"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	if aggregate == registry.StatusError {
		msg := "Change event channels in error"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestControlHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
