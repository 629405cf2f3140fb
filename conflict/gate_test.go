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
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/core"
	"github.com/stretchr/testify/assert"
)

// mockChangePublisher test double for core.ChangePublisher
type mockChangePublisher struct {
	mu     sync.Mutex
	events []core.ChangeEvent
}

func (p *mockChangePublisher) PublishChange(ctxt context.Context, event core.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *mockChangePublisher) published() []core.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.ChangeEvent{}, p.events...)
}

func defineGateForTest(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, publisher core.ChangePublisher,
) (BookingGate, BookingStore) {
	assert := assert.New(t)
	store, err := GetInMemoryBookingStore()
	assert.Nil(err)
	detector, err := DefineDetector(store)
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance("ut-booking-gate", 16, ctxt)
	assert.Nil(err)
	uut, err := DefineBookingGate(tp, store, detector, publisher)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))
	return uut, store
}

func TestBookingGateBasicFlow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	publisher := &mockChangePublisher{}
	uut, store := defineGateForTest(t, utCtxt, &wg, publisher)

	roomID := uuid.New().String()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	// Case 0: reserve a free window, ID assigned
	stored, err := uut.Reserve(utCtxt, core.BookingRecord{
		RoomID:    roomID,
		StartTime: day.Add(time.Hour * 10),
		EndTime:   day.Add(time.Hour * 11),
		ClientID:  "client-1",
	})
	assert.Nil(err)
	assert.NotEmpty(stored.ID)
	assert.Equal(core.BookingStatusConfirmed, stored.Status)

	// Case 1: a contesting reserve is rejected with the conflicting bookings
	_, err = uut.Reserve(utCtxt, core.BookingRecord{
		RoomID:    roomID,
		StartTime: day.Add(time.Minute * 630),
		EndTime:   day.Add(time.Minute * 690),
	})
	assert.NotNil(err)
	conflictErr, ok := err.(ConflictError)
	assert.True(ok)
	assert.Equal(roomID, conflictErr.RoomID)
	assert.Len(conflictErr.Conflicts, 1)
	assert.Equal(stored.ID, conflictErr.Conflicts[0].ID)

	// Case 2: a back-to-back reserve is accepted
	_, err = uut.Reserve(utCtxt, core.BookingRecord{
		RoomID:    roomID,
		StartTime: day.Add(time.Hour * 11),
		EndTime:   day.Add(time.Hour * 12),
	})
	assert.Nil(err)

	// Case 3: update moving into a held window is rejected
	moved := stored
	moved.StartTime = day.Add(time.Minute * 660)
	moved.EndTime = day.Add(time.Minute * 720)
	_, err = uut.Update(utCtxt, moved)
	assert.NotNil(err)
	_, ok = err.(ConflictError)
	assert.True(ok)

	// Case 4: update within its own window is accepted
	shrunk := stored
	shrunk.EndTime = day.Add(time.Minute * 630)
	updated, err := uut.Update(utCtxt, shrunk)
	assert.Nil(err)
	assert.Equal(shrunk.EndTime, updated.EndTime)

	// Case 5: updating an unknown booking fails
	unknown := stored
	unknown.ID = uuid.New().String()
	_, err = uut.Update(utCtxt, unknown)
	assert.Equal(ErrBookingNotFound, err)

	// Case 6: cancel frees the window for new bookings
	removed, err := uut.Cancel(utCtxt, stored.ID, "client-2")
	assert.Nil(err)
	assert.Equal(stored.ID, removed.ID)
	_, err = store.GetBooking(utCtxt, stored.ID)
	assert.Equal(ErrBookingNotFound, err)
	_, err = uut.Reserve(utCtxt, core.BookingRecord{
		RoomID:    roomID,
		StartTime: day.Add(time.Hour * 10),
		EndTime:   day.Add(time.Minute * 630),
	})
	assert.Nil(err)

	// Case 7: accepted writes were echoed onto the change stream
	events := publisher.published()
	types := map[string]int{}
	for _, event := range events {
		assert.Equal(core.ChangeTableBookings, event.Table)
		types[event.EventType]++
	}
	assert.Equal(3, types[core.ChangeEventInsert])
	assert.Equal(1, types[core.ChangeEventUpdate])
	assert.Equal(1, types[core.ChangeEventDelete])
}

func TestBookingGateValidation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut, _ := defineGateForTest(t, utCtxt, &wg, nil)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	// Case 0: missing room ID is rejected
	_, err := uut.Reserve(utCtxt, core.BookingRecord{
		StartTime: day.Add(time.Hour * 10), EndTime: day.Add(time.Hour * 11),
	})
	assert.NotNil(err)

	// Case 1: a window which ends before it starts is rejected
	_, err = uut.Reserve(utCtxt, core.BookingRecord{
		RoomID:    uuid.New().String(),
		StartTime: day.Add(time.Hour * 11),
		EndTime:   day.Add(time.Hour * 10),
	})
	assert.NotNil(err)

	// Case 2: cancelling an unknown booking fails
	_, err = uut.Cancel(utCtxt, uuid.New().String(), "")
	assert.Equal(ErrBookingNotFound, err)
}

func TestBookingGateSerializedWrites(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut, store := defineGateForTest(t, utCtxt, &wg, nil)

	roomID := uuid.New().String()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	// Case 0: concurrent reserves of the same window, exactly one wins
	contenders := 8
	results := make(chan error, contenders)
	startGun := make(chan bool)
	for i := 0; i < contenders; i++ {
		go func() {
			<-startGun
			_, err := uut.Reserve(utCtxt, core.BookingRecord{
				RoomID: roomID, StartTime: start, EndTime: end,
			})
			results <- err
		}()
	}
	close(startGun)
	accepted := 0
	rejected := 0
	for i := 0; i < contenders; i++ {
		if err := <-results; err == nil {
			accepted++
		} else {
			_, ok := err.(ConflictError)
			assert.True(ok)
			rejected++
		}
	}
	assert.Equal(1, accepted)
	assert.Equal(contenders-1, rejected)
	held, err := store.ListRoomBookings(utCtxt, roomID)
	assert.Nil(err)
	assert.Len(held, 1)
}
