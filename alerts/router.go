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

package alerts

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/roomsync/roomsync/common"
)

// AlertType classifies the condition which raised an alert
type AlertType string

// Known alert types
const (
	// AlertSystemError a component or transport failure
	AlertSystemError AlertType = "system_error"
	// AlertAdminOverride an administrator forced a booking change
	AlertAdminOverride AlertType = "admin_override"
	// AlertBookingConflict overlapping confirmed bookings were observed
	AlertBookingConflict AlertType = "booking_conflict"
	// AlertRoomManagement a room record changed
	AlertRoomManagement AlertType = "room_management"
	// AlertBookingCancelled a booking was cancelled
	AlertBookingCancelled AlertType = "booking_cancelled"
	// AlertBookingModified a booking was created or modified
	AlertBookingModified AlertType = "booking_modified"
)

// Severity alert severity level
type Severity string

// Severity levels in decreasing order of urgency
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Category alert routing category
type Category string

// Routing categories
const (
	CategorySystem  Category = "system"
	CategoryBooking Category = "booking"
	CategoryRoom    Category = "room"
)

// Classify derive severity and category from an alert type. Unknown types fall
// back to low severity in the system category.
func Classify(alertType AlertType) (Severity, Category) {
	switch alertType {
	case AlertSystemError:
		return SeverityCritical, CategorySystem
	case AlertAdminOverride:
		return SeverityHigh, CategoryBooking
	case AlertBookingConflict:
		return SeverityHigh, CategoryBooking
	case AlertRoomManagement:
		return SeverityMedium, CategoryRoom
	case AlertBookingCancelled:
		return SeverityLow, CategoryBooking
	case AlertBookingModified:
		return SeverityLow, CategoryBooking
	}
	return SeverityLow, CategorySystem
}

// Alert one admin notification
type Alert struct {
	// ID is the alert ID
	ID string `json:"id"`
	// Type is the condition which raised the alert
	Type AlertType `json:"type"`
	// Severity is derived from Type
	Severity Severity `json:"severity"`
	// Category is derived from Type
	Category Category `json:"category"`
	// RoomID is the room the alert concerns, if any
	RoomID string `json:"room_id,omitempty"`
	// Message is the human readable description
	Message string `json:"message"`
	// Timestamp is when the alert was routed
	Timestamp time.Time `json:"timestamp"`
}

// String toString for Alert
func (a Alert) String() string {
	return fmt.Sprintf("alert[%s/%s]@%s", a.Type, a.Severity, a.RoomID)
}

// Router classifies incoming conditions and fans the resulting alerts out to
// subscribed admin feeds.
//
// Low severity alerts sharing a room are throttled to one per throttle window;
// medium severity alerts are throttled per type and room. Critical and high
// severity alerts are never throttled.
type Router interface {
	// Route classify a condition and deliver the alert to all subscribers
	Route(ctxt context.Context, alertType AlertType, roomID string, message string) error
	// Subscribe attach one admin feed. Slow feeds lose low and medium severity
	// alerts instead of blocking delivery; critical and high severity alerts
	// block until the feed has room. The returned function detaches the feed.
	Subscribe(ctxt context.Context, name string) (<-chan Alert, func(), error)
}

// routerImpl implements Router
type routerImpl struct {
	common.Component
	tp               common.TaskProcessor
	operationContext context.Context
	throttleWindow   time.Duration
	subscriberBuffer int
	timeNow          func() time.Time
	// lastEmitted last emission instant per throttle key
	lastEmitted map[string]time.Time
	suppressed  map[string]int
	subscribers map[string]chan Alert
	dropped     map[string]int
}

// DefineAlertRouter create new alert router.
//
// timeNow can be swapped out for testing; pass nil for the wall clock.
func DefineAlertRouter(
	tp common.TaskProcessor,
	throttleWindow time.Duration,
	subscriberBuffer int,
	timeNow func() time.Time,
	ctxt context.Context,
) (Router, error) {
	logTags := log.Fields{
		"module": "alerts", "component": "alert-router",
	}
	if timeNow == nil {
		timeNow = time.Now
	}
	instance := routerImpl{
		Component:        common.Component{LogTags: logTags},
		tp:               tp,
		operationContext: ctxt,
		throttleWindow:   throttleWindow,
		subscriberBuffer: subscriberBuffer,
		timeNow:          timeNow,
		lastEmitted:      make(map[string]time.Time),
		suppressed:       make(map[string]int),
		subscribers:      make(map[string]chan Alert),
		dropped:          make(map[string]int),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(alertRouteReq{}), instance.processRouteRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(alertSubscribeReq{}), instance.processSubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(alertUnsubscribeReq{}), instance.processUnsubscribeRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type alertRouteReq struct {
	alertType AlertType
	roomID    string
	message   string
}

// Route classify a condition and deliver the alert to all subscribers
func (r *routerImpl) Route(
	ctxt context.Context, alertType AlertType, roomID string, message string,
) error {
	return r.tp.Submit(alertRouteReq{
		alertType: alertType, roomID: roomID, message: message,
	}, ctxt)
}

// processRouteRequest support task processor, deal with route request
func (r *routerImpl) processRouteRequest(param interface{}) error {
	request, ok := param.(alertRouteReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for route request", reflect.TypeOf(param),
		)
	}
	severity, category := Classify(request.alertType)
	now := r.timeNow()

	// Low urgency alerts tend to come in storms
	if severity == SeverityLow || severity == SeverityMedium {
		// All low severity chatter against one room shares a single window
		throttleKey := fmt.Sprintf("low/%s", request.roomID)
		if severity == SeverityMedium {
			throttleKey = fmt.Sprintf("%s/%s", request.alertType, request.roomID)
		}
		if last, seen := r.lastEmitted[throttleKey]; seen &&
			now.Sub(last) < r.throttleWindow {
			r.suppressed[throttleKey]++
			log.WithFields(r.LogTags).Debugf(
				"Throttled %s alert for %s. %d suppressed this window",
				request.alertType,
				request.roomID,
				r.suppressed[throttleKey],
			)
			return nil
		}
		r.lastEmitted[throttleKey] = now
		r.suppressed[throttleKey] = 0
	}

	alert := Alert{
		ID:        uuid.New().String(),
		Type:      request.alertType,
		Severity:  severity,
		Category:  category,
		RoomID:    request.roomID,
		Message:   request.message,
		Timestamp: now,
	}
	for name, subscriber := range r.subscribers {
		if severity == SeverityCritical || severity == SeverityHigh {
			// Urgent alerts must reach every feed, so a backed up feed holds
			// up delivery instead of losing the alert
			select {
			case subscriber <- alert:
			case <-r.operationContext.Done():
				return r.operationContext.Err()
			}
			continue
		}
		select {
		case subscriber <- alert:
		default:
			// Slow subscribers lose low urgency alerts instead of blocking the router
			r.dropped[name]++
			log.WithFields(r.LogTags).Warnf(
				"Dropped %s for slow subscriber %s. %d dropped total",
				alert,
				name,
				r.dropped[name],
			)
		}
	}
	log.WithFields(r.LogTags).Infof("Routed %s", alert)
	return nil
}

// ----------------------------------------------------------------------------------------

type alertSubscribeReq struct {
	name     string
	resultCB func(chan Alert, error)
}

type alertUnsubscribeReq struct {
	name string
}

// Subscribe attach one admin feed
func (r *routerImpl) Subscribe(
	ctxt context.Context, name string,
) (<-chan Alert, func(), error) {
	complete := make(chan bool, 1)
	var feed chan Alert
	var processError error
	handler := func(result chan Alert, err error) {
		feed = result
		processError = err
		complete <- true
	}

	if err := r.tp.Submit(alertSubscribeReq{name: name, resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit subscribe request")
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
		if err := r.tp.Submit(
			alertUnsubscribeReq{name: name}, r.operationContext,
		); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to submit unsubscribe request for %s", name,
			)
		}
	}
	return feed, unsubscribe, nil
}

// processSubscribeRequest support task processor, deal with subscribe request
func (r *routerImpl) processSubscribeRequest(param interface{}) error {
	request, ok := param.(alertSubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscribe request", reflect.TypeOf(param),
		)
	}
	if _, taken := r.subscribers[request.name]; taken {
		err := fmt.Errorf("subscriber %s already attached", request.name)
		request.resultCB(nil, err)
		return err
	}
	feed := make(chan Alert, r.subscriberBuffer)
	r.subscribers[request.name] = feed
	log.WithFields(r.LogTags).Infof("Attached alert subscriber %s", request.name)
	request.resultCB(feed, nil)
	return nil
}

// processUnsubscribeRequest support task processor, deal with unsubscribe request
func (r *routerImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(alertUnsubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unsubscribe request", reflect.TypeOf(param),
		)
	}
	if feed, attached := r.subscribers[request.name]; attached {
		close(feed)
		delete(r.subscribers, request.name)
		delete(r.dropped, request.name)
		log.WithFields(r.LogTags).Infof("Detached alert subscriber %s", request.name)
	}
	return nil
}
