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
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/roomsync/roomsync/common"
	"github.com/stretchr/testify/assert"
)

func TestAlertClassification(t *testing.T) {
	assert := assert.New(t)

	check := func(alertType AlertType, severity Severity, category Category) {
		gotSeverity, gotCategory := Classify(alertType)
		assert.Equal(severity, gotSeverity)
		assert.Equal(category, gotCategory)
	}
	check(AlertSystemError, SeverityCritical, CategorySystem)
	check(AlertAdminOverride, SeverityHigh, CategoryBooking)
	check(AlertBookingConflict, SeverityHigh, CategoryBooking)
	check(AlertRoomManagement, SeverityMedium, CategoryRoom)
	check(AlertBookingCancelled, SeverityLow, CategoryBooking)
	check(AlertBookingModified, SeverityLow, CategoryBooking)
	check(AlertType("no-such-type"), SeverityLow, CategorySystem)
}

func defineRouterForTest(
	t *testing.T,
	ctxt context.Context,
	wg *sync.WaitGroup,
	window time.Duration,
	buffer int,
	timeNow func() time.Time,
) Router {
	assert := assert.New(t)
	tp, err := common.GetNewTaskProcessorInstance("ut-alert-router", 16, ctxt)
	assert.Nil(err)
	uut, err := DefineAlertRouter(tp, window, buffer, timeNow, ctxt)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))
	return uut
}

// drainAlerts read alerts off a feed until it stays quiet
func drainAlerts(feed <-chan Alert, quiet time.Duration) []Alert {
	var collected []Alert
	for {
		select {
		case alert, open := <-feed:
			if !open {
				return collected
			}
			collected = append(collected, alert)
		case <-time.After(quiet):
			return collected
		}
	}
}

func TestAlertThrottling(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	// Drive the throttle clock manually
	clockLock := sync.Mutex{}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	timeNow := func() time.Time {
		clockLock.Lock()
		defer clockLock.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockLock.Lock()
		defer clockLock.Unlock()
		now = now.Add(d)
	}

	uut := defineRouterForTest(t, utCtxt, &wg, time.Second*5, 32, timeNow)
	feed, unsubscribe, err := uut.Subscribe(utCtxt, "ut-admin")
	assert.Nil(err)
	defer unsubscribe()

	// Case 0: repeated low severity alerts inside the window collapse to one
	for i := 0; i < 5; i++ {
		assert.Nil(uut.Route(utCtxt, AlertBookingModified, "room-1", "booking changed"))
	}
	received := drainAlerts(feed, time.Millisecond*100)
	assert.Len(received, 1)
	assert.Equal(SeverityLow, received[0].Severity)

	// Case 1: the same type against another room has its own window
	assert.Nil(uut.Route(utCtxt, AlertBookingModified, "room-2", "booking changed"))
	received = drainAlerts(feed, time.Millisecond*100)
	assert.Len(received, 1)
	assert.Equal("room-2", received[0].RoomID)

	// Case 2: once the window passes the next alert goes through
	advance(time.Second * 6)
	assert.Nil(uut.Route(utCtxt, AlertBookingModified, "room-1", "booking changed"))
	received = drainAlerts(feed, time.Millisecond*100)
	assert.Len(received, 1)

	// Case 3: low severity alerts of another type share the room's window
	assert.Nil(uut.Route(utCtxt, AlertBookingCancelled, "room-1", "booking removed"))
	received = drainAlerts(feed, time.Millisecond*100)
	assert.Empty(received)

	// Case 4: critical and high severity alerts are never throttled
	for i := 0; i < 4; i++ {
		assert.Nil(uut.Route(utCtxt, AlertSystemError, "", "channel failure"))
		assert.Nil(uut.Route(utCtxt, AlertBookingConflict, "room-1", "overlap observed"))
	}
	received = drainAlerts(feed, time.Millisecond*100)
	assert.Len(received, 8)
	for _, alert := range received {
		assert.Contains(
			[]Severity{SeverityCritical, SeverityHigh}, alert.Severity,
		)
	}

	// Case 5: medium severity alerts throttle per type and room, independent of
	// the room's low severity window
	assert.Nil(uut.Route(utCtxt, AlertRoomManagement, "room-1", "room changed"))
	assert.Nil(uut.Route(utCtxt, AlertRoomManagement, "room-1", "room changed"))
	received = drainAlerts(feed, time.Millisecond*100)
	assert.Len(received, 1)
	assert.Equal(SeverityMedium, received[0].Severity)
}

func TestAlertFanout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut := defineRouterForTest(t, utCtxt, &wg, time.Second*5, 2, nil)

	// Case 0: duplicate subscriber names are refused
	feed1, unsubscribe1, err := uut.Subscribe(utCtxt, "ut-admin-1")
	assert.Nil(err)
	_, _, err = uut.Subscribe(utCtxt, "ut-admin-1")
	assert.NotNil(err)
	feed2, unsubscribe2, err := uut.Subscribe(utCtxt, "ut-admin-2")
	assert.Nil(err)
	defer unsubscribe2()

	// Case 1: every subscriber sees the alert
	assert.Nil(uut.Route(utCtxt, AlertSystemError, "", "channel failure"))
	received1 := drainAlerts(feed1, time.Millisecond*100)
	received2 := drainAlerts(feed2, time.Millisecond*100)
	assert.Len(received1, 1)
	assert.Len(received2, 1)
	assert.Equal(received1[0].ID, received2[0].ID)

	// Case 2: critical alerts survive a full subscriber buffer. Delivery waits
	// for the backed up feeds instead of dropping.
	for i := 0; i < 4; i++ {
		assert.Nil(uut.Route(utCtxt, AlertSystemError, "", "channel failure"))
	}
	collected := make(chan []Alert, 2)
	go func() { collected <- drainAlerts(feed1, time.Millisecond*200) }()
	go func() { collected <- drainAlerts(feed2, time.Millisecond*200) }()
	received1 = <-collected
	received2 = <-collected
	assert.Len(received1, 4)
	assert.Len(received2, 4)

	// Case 3: low severity alerts are dropped once the buffer is full
	for i := 0; i < 4; i++ {
		roomID := fmt.Sprintf("room-%d", i)
		assert.Nil(uut.Route(utCtxt, AlertBookingModified, roomID, "booking changed"))
	}
	time.Sleep(time.Millisecond * 100)
	received1 = drainAlerts(feed1, time.Millisecond*100)
	received2 = drainAlerts(feed2, time.Millisecond*100)
	assert.Len(received1, 2)
	assert.Len(received2, 2)

	// Case 4: unsubscribing closes the feed
	unsubscribe1()
	time.Sleep(time.Millisecond * 50)
	_, open := <-feed1
	assert.False(open)
}
