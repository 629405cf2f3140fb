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

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/roomsync/roomsync/common"
	"github.com/stretchr/testify/assert"
)

// mockChannel test double for Channel
type mockChannel struct {
	mu     sync.Mutex
	closed bool
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// mockChannelFactory test double for ChannelFactory. Handshake resolution is
// driven by the test through the captured status callbacks.
type mockChannelFactory struct {
	mu          sync.Mutex
	autoConnect bool
	creates     int
	statusCBs   map[string][]ChannelStatusHandler
	channels    []*mockChannel
}

func newMockChannelFactory(autoConnect bool) *mockChannelFactory {
	return &mockChannelFactory{
		autoConnect: autoConnect, statusCBs: make(map[string][]ChannelStatusHandler),
	}
}

func (f *mockChannelFactory) Create(
	ctxt context.Context,
	id string,
	spec ChannelSpec,
	statusCB ChannelStatusHandler,
	eventCB RawEventHandler,
) (Channel, error) {
	f.mu.Lock()
	f.creates++
	f.statusCBs[id] = append(f.statusCBs[id], statusCB)
	channel := &mockChannel{}
	f.channels = append(f.channels, channel)
	autoConnect := f.autoConnect
	f.mu.Unlock()
	if autoConnect {
		statusCB(StatusConnected, nil)
	}
	return channel, nil
}

func (f *mockChannelFactory) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *mockChannelFactory) statusCB(id string, generation int) ChannelStatusHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCBs[id][generation]
}

// gatedChannelFactory test double whose Create blocks until released, resolving
// the handshake synchronously on release
type gatedChannelFactory struct {
	entered chan bool
	release chan bool
}

func (f *gatedChannelFactory) Create(
	ctxt context.Context,
	id string,
	spec ChannelSpec,
	statusCB ChannelStatusHandler,
	eventCB RawEventHandler,
) (Channel, error) {
	f.entered <- true
	<-f.release
	statusCB(StatusConnected, nil)
	return &mockChannel{}, nil
}

func defineRegistryForTest(
	t *testing.T,
	ctxt context.Context,
	wg *sync.WaitGroup,
	factory ChannelFactory,
	openSpacing time.Duration,
	handshakeTimeout time.Duration,
) SubscriptionRegistry {
	assert := assert.New(t)
	tp, err := common.GetNewTaskProcessorInstance("ut-registry", 16, ctxt)
	assert.Nil(err)
	uut, err := DefineSubscriptionRegistry(
		tp,
		factory,
		func(ctxt context.Context, channelID string, payload []byte) {},
		openSpacing,
		handshakeTimeout,
		wg,
		ctxt,
	)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))
	return uut
}

func TestMapSourceStatus(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(StatusConnected, MapSourceStatus("subscribed"))
	assert.Equal(StatusError, MapSourceStatus("channel_error"))
	assert.Equal(StatusError, MapSourceStatus("timed_out"))
	assert.Equal(StatusDisconnected, MapSourceStatus("closed"))
	assert.Equal(StatusError, MapSourceStatus("whatever"))
}

func TestRegistryIdempotentOpen(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	factory := newMockChannelFactory(true)
	uut := defineRegistryForTest(t, utCtxt, &wg, factory, time.Second, time.Second)

	// Case 0: first open creates a channel
	record, err := uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	assert.Equal("bookings", record.ID)
	assert.Equal(uint64(1), record.Epoch)
	assert.Equal(1, factory.createCount())

	// Case 1: re-opening a live channel is a no-op
	record, err = uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	assert.Equal(uint64(1), record.Epoch)
	assert.Equal(1, factory.createCount())
	status, err := uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusConnected, status)

	// Case 2: closing an unknown channel is a no-op
	assert.Nil(uut.Close(utCtxt, "not-a-channel"))

	// Case 3: closing removes the subscription
	assert.Nil(uut.Close(utCtxt, "bookings"))
	records, err := uut.ListSubscriptions(utCtxt)
	assert.Nil(err)
	assert.Empty(records)
	status, err = uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusDisconnected, status)
}

func TestRegistryAggregateStatus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	factory := newMockChannelFactory(false)
	uut := defineRegistryForTest(t, utCtxt, &wg, factory, time.Millisecond*10, time.Second*5)

	// Case 0: no subscriptions
	status, err := uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusDisconnected, status)

	// Case 1: channels still in handshake
	_, err = uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	_, err = uut.Open(utCtxt, "rooms", ChannelSpec{Subject: "room.change.rooms"})
	assert.Nil(err)
	status, err = uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusConnecting, status)

	// Case 2: one channel connected, one still connecting
	factory.statusCB("bookings", 0)(StatusConnected, nil)
	status, err = uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusConnecting, status)

	// Case 3: all connected
	factory.statusCB("rooms", 0)(StatusConnected, nil)
	status, err = uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusConnected, status)

	// Case 4: any error dominates
	factory.statusCB("rooms", 0)(
		StatusError, common.ChannelError{Channel: "rooms", Err: context.Canceled},
	)
	status, err = uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusError, status)

	// Case 5: removing the failed channel restores connected
	assert.Nil(uut.Close(utCtxt, "rooms"))
	status, err = uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusConnected, status)
}

func TestRegistryOpenSpacing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	factory := newMockChannelFactory(false)
	uut := defineRegistryForTest(t, utCtxt, &wg, factory, time.Millisecond*300, time.Second*5)

	// Case 0: open, then fail the channel
	_, err := uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	assert.Equal(1, factory.createCount())
	factory.statusCB("bookings", 0)(
		StatusError, common.ChannelError{Channel: "bookings", Err: context.Canceled},
	)
	status, err := uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusError, status)

	// Case 1: immediate re-open is deferred, not executed and not dropped
	record, err := uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	assert.Equal(StatusConnecting, record.Status)
	assert.Equal(1, factory.createCount())

	// Case 2: further re-opens inside the window do not stack more deferrals
	_, err = uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	assert.Equal(1, factory.createCount())

	// Case 3: the deferred open executes once the spacing floor passes
	time.Sleep(time.Millisecond * 500)
	assert.Equal(2, factory.createCount())
	records, err := uut.ListSubscriptions(utCtxt)
	assert.Nil(err)
	assert.Len(records, 1)
	assert.Equal(uint64(2), records[0].Epoch)
}

func TestRegistryStaleEpochCallbacks(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	factory := newMockChannelFactory(false)
	uut := defineRegistryForTest(t, utCtxt, &wg, factory, time.Millisecond*10, time.Second*5)

	// Case 0: open, fail, and re-open past the spacing floor
	_, err := uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	factory.statusCB("bookings", 0)(
		StatusError, common.ChannelError{Channel: "bookings", Err: context.Canceled},
	)
	time.Sleep(time.Millisecond * 50)
	record, err := uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	assert.Equal(uint64(2), record.Epoch)
	factory.statusCB("bookings", 1)(StatusConnected, nil)
	status, err := uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusConnected, status)

	// Case 1: a late callback from the superseded channel is discarded
	factory.statusCB("bookings", 0)(StatusDisconnected, nil)
	status, err = uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusConnected, status)
	records, err := uut.ListSubscriptions(utCtxt)
	assert.Nil(err)
	assert.Len(records, 1)
	assert.Equal(StatusConnected, records[0].Status)
}

func TestRegistryHandshakeTimeout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	factory := newMockChannelFactory(false)
	uut := defineRegistryForTest(
		t, utCtxt, &wg, factory, time.Millisecond*10, time.Millisecond*100,
	)

	// Case 0: a handshake which never resolves becomes an error
	_, err := uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	time.Sleep(time.Millisecond * 250)
	status, err := uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusError, status)

	// Case 1: a handshake which resolves in time stays connected
	_, err = uut.Open(utCtxt, "rooms", ChannelSpec{Subject: "room.change.rooms"})
	assert.Nil(err)
	factory.statusCB("rooms", 0)(StatusConnected, nil)
	time.Sleep(time.Millisecond * 250)
	records, err := uut.ListSubscriptions(utCtxt)
	assert.Nil(err)
	for _, record := range records {
		if record.ID == "rooms" {
			assert.Equal(StatusConnected, record.Status)
		}
	}
}

func TestRegistryReconnectAll(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	factory := newMockChannelFactory(false)
	uut := defineRegistryForTest(t, utCtxt, &wg, factory, time.Millisecond*10, time.Second*5)

	// Case 0: fail one of two channels
	_, err := uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	_, err = uut.Open(utCtxt, "rooms", ChannelSpec{Subject: "room.change.rooms"})
	assert.Nil(err)
	factory.statusCB("bookings", 0)(StatusConnected, nil)
	factory.statusCB("rooms", 0)(StatusConnected, nil)
	factory.statusCB("rooms", 0)(
		StatusError, common.ChannelError{Channel: "rooms", Err: context.Canceled},
	)
	time.Sleep(time.Millisecond * 50)
	assert.Equal(2, factory.createCount())

	// Case 1: reconnect-all only re-opens the failed channel
	assert.Nil(uut.ReconnectAll(utCtxt))
	assert.Equal(3, factory.createCount())
	factory.statusCB("rooms", 1)(StatusConnected, nil)
	status, err := uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusConnected, status)
}

func TestRegistrySynchronousHandshakeWithBusyLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	factory := &gatedChannelFactory{
		entered: make(chan bool, 2), release: make(chan bool),
	}
	tp, err := common.GetNewTaskProcessorInstance("ut-registry", 1, utCtxt)
	assert.Nil(err)
	uut, err := DefineSubscriptionRegistry(
		tp,
		factory,
		func(ctxt context.Context, channelID string, payload []byte) {},
		time.Second,
		time.Second*5,
		&wg,
		utCtxt,
	)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	// Case 0: a second open fills the single slot task buffer while the first
	// open is still inside the factory. The synchronous handshake status of the
	// first channel must not wedge the loop against the full buffer.
	opened := make(chan error, 2)
	go func() {
		_, err := uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
		opened <- err
	}()
	<-factory.entered
	go func() {
		_, err := uut.Open(utCtxt, "rooms", ChannelSpec{Subject: "room.change.rooms"})
		opened <- err
	}()
	time.Sleep(time.Millisecond * 50)
	close(factory.release)
	for i := 0; i < 2; i++ {
		select {
		case openErr := <-opened:
			assert.Nil(openErr)
		case <-time.After(time.Second * 2):
			assert.FailNow("open requests did not complete")
		}
	}
	status, err := uut.AggregateStatus(utCtxt)
	assert.Nil(err)
	assert.Equal(StatusConnected, status)
}

func TestRegistryListenerIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	factory := newMockChannelFactory(true)
	uut := defineRegistryForTest(t, utCtxt, &wg, factory, time.Second, time.Second)

	// Case 0: register a panicking listener ahead of a healthy one
	_, err := uut.OnStatusChange(utCtxt, func(aggregate ChannelStatus) {
		panic("listener blew up")
	})
	assert.Nil(err)
	received := make(chan ChannelStatus, 8)
	unsubscribe, err := uut.OnStatusChange(utCtxt, func(aggregate ChannelStatus) {
		received <- aggregate
	})
	assert.Nil(err)

	// Case 1: the healthy listener still observes the transitions
	_, err = uut.Open(utCtxt, "bookings", ChannelSpec{Subject: "room.change.bookings"})
	assert.Nil(err)
	var observed []ChannelStatus
	timeout := time.After(time.Second)
collect:
	for {
		select {
		case status := <-received:
			observed = append(observed, status)
			if status == StatusConnected {
				break collect
			}
		case <-timeout:
			break collect
		}
	}
	assert.NotEmpty(observed)
	assert.Equal(StatusConnected, observed[len(observed)-1])

	// Case 2: unsubscribed listeners stop receiving
	unsubscribe()
	assert.Nil(uut.Close(utCtxt, "bookings"))
	time.Sleep(time.Millisecond * 50)
	select {
	case status := <-received:
		// A broadcast may have raced the unsubscribe
		assert.NotEqual(StatusConnected, status)
	default:
	}
}
