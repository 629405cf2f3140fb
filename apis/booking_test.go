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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/conflict"
	"github.com/roomsync/roomsync/core"
	"github.com/stretchr/testify/assert"
)

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Roomsync-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
}

func defineBookingRouterForTest(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) (*mux.Router, conflict.BookingStore) {
	assert := assert.New(t)
	store, err := conflict.GetInMemoryBookingStore()
	assert.Nil(err)
	detector, err := conflict.DefineDetector(store)
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance("ut-booking-api", 16, ctxt)
	assert.Nil(err)
	gate, err := conflict.DefineBookingGate(tp, store, detector, nil)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))

	uut, err := GetAPIRestBookingHandler(gate, detector, testHTTPConfig())
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/room/{roomID}/booking", map[string]http.HandlerFunc{
		"post": uut.ReserveBookingHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/room/{roomID}/conflicts", map[string]http.HandlerFunc{
		"get": uut.CheckConflictsHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/booking/{bookingID}", map[string]http.HandlerFunc{
		"put":    uut.UpdateBookingHandler(),
		"delete": uut.CancelBookingHandler(),
	})
	return router, store
}

func TestBookingAPIReserveFlow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	router, _ := defineBookingRouterForTest(t, utCtxt, &wg)

	roomID := uuid.New().String()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	reserve := func(start, end time.Time) *httptest.ResponseRecorder {
		body, err := json.Marshal(&APIRestReqBookingWindow{
			StartTime: start, EndTime: end, ClientID: "client-1",
		})
		assert.Nil(err)
		request := httptest.NewRequest(
			"POST",
			fmt.Sprintf("/v1/room/%s/booking", roomID),
			bytes.NewReader(body),
		)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		return recorder
	}

	// Case 0: reserve a free window
	recorder := reserve(day.Add(time.Hour*10), day.Add(time.Hour*11))
	assert.Equal(http.StatusOK, recorder.Code)
	var reserved APIRestRespBooking
	assert.Nil(json.NewDecoder(recorder.Body).Decode(&reserved))
	assert.True(reserved.Success)
	assert.NotNil(reserved.Booking)
	assert.Equal(roomID, reserved.Booking.RoomID)

	// Case 1: a contesting window is rejected with 409 and the conflicts
	recorder = reserve(day.Add(time.Minute*630), day.Add(time.Minute*690))
	assert.Equal(http.StatusConflict, recorder.Code)
	var rejected APIRestRespBooking
	assert.Nil(json.NewDecoder(recorder.Body).Decode(&rejected))
	assert.False(rejected.Success)
	assert.Len(rejected.Conflicts, 1)
	assert.Equal(reserved.Booking.ID, rejected.Conflicts[0].ID)

	// Case 2: a malformed body is a 400
	request := httptest.NewRequest(
		"POST",
		fmt.Sprintf("/v1/room/%s/booking", roomID),
		bytes.NewReader([]byte("not json")),
	)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(http.StatusBadRequest, recorder.Code)

	// Case 3: conflict check sees the held window
	request = httptest.NewRequest(
		"GET",
		fmt.Sprintf(
			"/v1/room/%s/conflicts?start_time=%s&end_time=%s",
			roomID,
			day.Add(time.Minute*630).Format(time.RFC3339),
			day.Add(time.Minute*690).Format(time.RFC3339),
		),
		nil,
	)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(http.StatusOK, recorder.Code)
	var checked APIRestRespConflictCheck
	assert.Nil(json.NewDecoder(recorder.Body).Decode(&checked))
	assert.Len(checked.Conflicts, 1)

	// Case 4: excluding the held booking clears the check, for update pre-checks
	request = httptest.NewRequest(
		"GET",
		fmt.Sprintf(
			"/v1/room/%s/conflicts?start_time=%s&end_time=%s&exclude_booking_id=%s",
			roomID,
			day.Add(time.Minute*630).Format(time.RFC3339),
			day.Add(time.Minute*690).Format(time.RFC3339),
			reserved.Booking.ID,
		),
		nil,
	)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(http.StatusOK, recorder.Code)
	checked = APIRestRespConflictCheck{}
	assert.Nil(json.NewDecoder(recorder.Body).Decode(&checked))
	assert.Empty(checked.Conflicts)

	// Case 5: conflict check with missing query parameters is a 400
	request = httptest.NewRequest(
		"GET", fmt.Sprintf("/v1/room/%s/conflicts", roomID), nil,
	)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(http.StatusBadRequest, recorder.Code)
}

func TestBookingAPIUpdateAndCancel(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	router, store := defineBookingRouterForTest(t, utCtxt, &wg)

	roomID := uuid.New().String()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	held := core.BookingRecord{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		StartTime: day.Add(time.Hour * 10),
		EndTime:   day.Add(time.Hour * 11),
		Status:    core.BookingStatusConfirmed,
	}
	assert.Nil(store.PutBooking(utCtxt, held))

	// Case 0: move the booking to a free window
	body, err := json.Marshal(&APIRestReqBookingUpdate{
		RoomID:    roomID,
		StartTime: day.Add(time.Hour * 14),
		EndTime:   day.Add(time.Hour * 15),
	})
	assert.Nil(err)
	request := httptest.NewRequest(
		"PUT", fmt.Sprintf("/v1/booking/%s", held.ID), bytes.NewReader(body),
	)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(http.StatusOK, recorder.Code)
	var updated APIRestRespBooking
	assert.Nil(json.NewDecoder(recorder.Body).Decode(&updated))
	assert.Equal(day.Add(time.Hour*14), updated.Booking.StartTime.UTC())

	// Case 1: updating an unknown booking is a 404
	request = httptest.NewRequest(
		"PUT", fmt.Sprintf("/v1/booking/%s", uuid.New().String()), bytes.NewReader(body),
	)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(http.StatusNotFound, recorder.Code)

	// Case 2: cancel the booking
	request = httptest.NewRequest(
		"DELETE", fmt.Sprintf("/v1/booking/%s?client_id=client-9", held.ID), nil,
	)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(http.StatusOK, recorder.Code)
	_, err = store.GetBooking(utCtxt, held.ID)
	assert.Equal(conflict.ErrBookingNotFound, err)

	// Case 3: cancelling again is a 404
	request = httptest.NewRequest(
		"DELETE", fmt.Sprintf("/v1/booking/%s", held.ID), nil,
	)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(http.StatusNotFound, recorder.Code)
}
