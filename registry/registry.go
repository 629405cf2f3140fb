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
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/roomsync/roomsync/common"
)

// ChannelStatus lifecycle status of one change event channel
type ChannelStatus string

// Channel lifecycle status values. These also serve as the aggregate status values.
const (
	// StatusConnecting channel handshake has not completed yet
	StatusConnecting ChannelStatus = "connecting"
	// StatusConnected channel is live and delivering events
	StatusConnected ChannelStatus = "connected"
	// StatusError channel suffered a transport failure or handshake timeout
	StatusError ChannelStatus = "error"
	// StatusDisconnected channel was explicitly closed
	StatusDisconnected ChannelStatus = "disconnected"
)

// MapSourceStatus translate a change event source handshake status string into a
// channel lifecycle status.
//
// The source reports "subscribed", "channel_error", "timed_out", or "closed".
func MapSourceStatus(sourceStatus string) ChannelStatus {
	switch sourceStatus {
	case "subscribed":
		return StatusConnected
	case "channel_error":
		return StatusError
	case "timed_out":
		return StatusError
	case "closed":
		return StatusDisconnected
	}
	return StatusError
}

// AggregateOf derive the aggregate status from a set of subscription records.
//
// The aggregate is a pure function of the statuses: connected only when every
// channel is connected, error when any channel is in error, connecting when some
// channel is still connecting and none is in error, and disconnected otherwise.
func AggregateOf(records []SubscriptionRecord) ChannelStatus {
	if len(records) == 0 {
		return StatusDisconnected
	}
	anyError := false
	anyConnecting := false
	allConnected := true
	for _, record := range records {
		switch record.Status {
		case StatusError:
			anyError = true
			allConnected = false
		case StatusConnecting:
			anyConnecting = true
			allConnected = false
		case StatusDisconnected:
			allConnected = false
		}
	}
	if allConnected {
		return StatusConnected
	}
	if anyError {
		return StatusError
	}
	if anyConnecting {
		return StatusConnecting
	}
	return StatusDisconnected
}

// ChannelSpec parameters for opening one change event channel
type ChannelSpec struct {
	// Subject is the transport subject the channel listens on
	Subject string `validate:"required"`
}

// ChannelStatusHandler callback receiving channel lifecycle transitions
type ChannelStatusHandler func(status ChannelStatus, err error)

// RawEventHandler callback receiving serialized change events from a channel
type RawEventHandler func(ctxt context.Context, channelID string, payload []byte)

// Channel one live push subscription against the change event source
type Channel interface {
	// Close stop the subscription
	Close() error
}

// ChannelFactory opens channels against the change event source.
//
// Create returns quickly; the handshake completes asynchronously through statusCB.
type ChannelFactory interface {
	Create(
		ctxt context.Context,
		id string,
		spec ChannelSpec,
		statusCB ChannelStatusHandler,
		eventCB RawEventHandler,
	) (Channel, error)
}

// SubscriptionRecord point-in-time view of one subscription
type SubscriptionRecord struct {
	// ID is the logical channel ID
	ID string `json:"id"`
	// Status is the current lifecycle status
	Status ChannelStatus `json:"status"`
	// Epoch is the generation counter for the underlying channel
	Epoch uint64 `json:"epoch"`
	// EstablishedAt is when the channel last became connected
	EstablishedAt time.Time `json:"established_at"`
	// StatusUpdateAt is when the status last changed
	StatusUpdateAt time.Time `json:"updated_at"`
	// Transitions counts lifecycle transitions over the subscription lifetime
	Transitions int `json:"transitions"`
}

// AggregateStatusListener callback receiving the aggregate status after each transition
type AggregateStatusListener func(aggregate ChannelStatus)

// SubscriptionRegistry owns the set of live change event channels.
//
// All state lives on a single event loop; the public methods submit requests into
// the loop and wait for completion.
type SubscriptionRegistry interface {
	// Open start a channel for a logical ID. Opening an ID with a live channel is
	// a no-op returning the existing record. Re-open attempts issued within the
	// spacing floor of the previous attempt are deferred, not dropped.
	Open(ctxt context.Context, id string, spec ChannelSpec) (SubscriptionRecord, error)
	// Close stop a channel and remove it from the registry. Closing an unknown ID
	// is a no-op.
	Close(ctxt context.Context, id string) error
	// CloseAll stop every channel
	CloseAll(ctxt context.Context) error
	// ReconnectAll re-open every channel currently in error
	ReconnectAll(ctxt context.Context) error
	// AggregateStatus fetch the current aggregate status
	AggregateStatus(ctxt context.Context) (ChannelStatus, error)
	// ListSubscriptions fetch a snapshot of all subscriptions
	ListSubscriptions(ctxt context.Context) ([]SubscriptionRecord, error)
	// OnStatusChange register a listener for aggregate status broadcasts. The
	// returned function unregisters the listener.
	OnStatusChange(ctxt context.Context, listener AggregateStatusListener) (func(), error)
}

// subscriptionEntry internal state of one subscription
type subscriptionEntry struct {
	id              string
	spec            ChannelSpec
	status          ChannelStatus
	epoch           uint64
	channel         Channel
	establishedAt   time.Time
	statusUpdateAt  time.Time
	lastOpenAttempt time.Time
	openDeferred    bool
	transitions     int
	handshakeTimer  common.IntervalTimer
}

// record build the exported view of this entry
func (e *subscriptionEntry) record() SubscriptionRecord {
	return SubscriptionRecord{
		ID:             e.id,
		Status:         e.status,
		Epoch:          e.epoch,
		EstablishedAt:  e.establishedAt,
		StatusUpdateAt: e.statusUpdateAt,
		Transitions:    e.transitions,
	}
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	tp               common.TaskProcessor
	factory          ChannelFactory
	eventCB          RawEventHandler
	openSpacing      time.Duration
	handshakeTimeout time.Duration
	operationContext context.Context
	wg               *sync.WaitGroup
	subscriptions    map[string]*subscriptionEntry
	listeners        map[uint64]AggregateStatusListener
	nextListenerID   uint64
}

// DefineSubscriptionRegistry create new subscription registry.
//
// Inbound change events from every channel are forwarded to eventCB.
func DefineSubscriptionRegistry(
	tp common.TaskProcessor,
	factory ChannelFactory,
	eventCB RawEventHandler,
	openSpacing time.Duration,
	handshakeTimeout time.Duration,
	wg *sync.WaitGroup,
	ctxt context.Context,
) (SubscriptionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "subscription-registry",
	}
	instance := subscriptionRegistryImpl{
		Component:        common.Component{LogTags: logTags},
		tp:               tp,
		factory:          factory,
		eventCB:          eventCB,
		openSpacing:      openSpacing,
		handshakeTimeout: handshakeTimeout,
		operationContext: ctxt,
		wg:               wg,
		subscriptions:    make(map[string]*subscriptionEntry),
		listeners:        make(map[uint64]AggregateStatusListener),
		nextListenerID:   0,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryOpenReq{}), instance.processOpenRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryDeferredOpenReq{}), instance.processDeferredOpenRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryCloseReq{}), instance.processCloseRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryCloseAllReq{}), instance.processCloseAllRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryReconnectAllReq{}), instance.processReconnectAllRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryTransitionReq{}), instance.processTransitionRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryQueryReq{}), instance.processQueryRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryAddListenerReq{}), instance.processAddListenerRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryDelListenerReq{}), instance.processDelListenerRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type registryOpenReq struct {
	id       string
	spec     ChannelSpec
	resultCB func(SubscriptionRecord, error)
}

// Open start a channel for a logical ID
func (r *subscriptionRegistryImpl) Open(
	ctxt context.Context, id string, spec ChannelSpec,
) (SubscriptionRecord, error) {
	complete := make(chan bool, 1)
	var record SubscriptionRecord
	var processError error
	handler := func(result SubscriptionRecord, err error) {
		record = result
		processError = err
		complete <- true
	}

	request := registryOpenReq{id: id, spec: spec, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit open request for %s", id)
		return SubscriptionRecord{}, err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return SubscriptionRecord{}, ctxt.Err()
	}

	return record, processError
}

// processOpenRequest support task processor, deal with open request
func (r *subscriptionRegistryImpl) processOpenRequest(param interface{}) error {
	request, ok := param.(registryOpenReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for open request", reflect.TypeOf(param),
		)
	}
	record, err := r.ProcessOpenRequest(request.id, request.spec)
	request.resultCB(record, err)
	return err
}

// ProcessOpenRequest open a channel for a logical ID
func (r *subscriptionRegistryImpl) ProcessOpenRequest(
	id string, spec ChannelSpec,
) (SubscriptionRecord, error) {
	entry, known := r.subscriptions[id]
	if known {
		// At most one live channel per logical ID
		if entry.status == StatusConnected || entry.status == StatusConnecting {
			log.WithFields(r.LogTags).Debugf(
				"Open %s is no-op. Channel already %s", id, entry.status,
			)
			return entry.record(), nil
		}
		// Channel needs to be re-opened
		sinceLastAttempt := time.Since(entry.lastOpenAttempt)
		if sinceLastAttempt < r.openSpacing {
			// Defer instead of opening another channel inside the spacing floor
			if !entry.openDeferred {
				entry.openDeferred = true
				r.applyTransition(entry, StatusConnecting)
				if err := r.scheduleDeferredOpen(id, r.openSpacing-sinceLastAttempt); err != nil {
					return entry.record(), err
				}
				log.WithFields(r.LogTags).Infof(
					"Deferred re-open of %s by %s", id, r.openSpacing-sinceLastAttempt,
				)
			}
			return entry.record(), nil
		}
		return r.openChannel(entry)
	}

	// Fresh subscription
	entry = &subscriptionEntry{
		id:             id,
		spec:           spec,
		status:         StatusConnecting,
		epoch:          0,
		statusUpdateAt: time.Now(),
	}
	r.subscriptions[id] = entry
	r.broadcastAggregate()
	return r.openChannel(entry)
}

// scheduleDeferredOpen arrange a deferred open attempt after the given delay
func (r *subscriptionRegistryImpl) scheduleDeferredOpen(id string, delay time.Duration) error {
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("deferred-open/%s", id), r.operationContext, r.wg,
	)
	if err != nil {
		return err
	}
	return timer.Start(delay, func() error {
		return r.tp.Submit(registryDeferredOpenReq{id: id}, r.operationContext)
	}, true)
}

// openChannel create a fresh channel for the entry. Must run on the event loop.
func (r *subscriptionRegistryImpl) openChannel(entry *subscriptionEntry) (SubscriptionRecord, error) {
	// Invalidate callbacks from any earlier channel generation
	entry.epoch++
	entry.lastOpenAttempt = time.Now()
	entry.openDeferred = false
	if entry.channel != nil {
		if err := entry.channel.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to discard previous channel of %s", entry.id,
			)
		}
		entry.channel = nil
	}
	if entry.status != StatusConnecting {
		r.applyTransition(entry, StatusConnecting)
	}

	epoch := entry.epoch
	id := entry.id
	var inCreate int32 = 1
	statusCB := func(status ChannelStatus, err error) {
		// A factory resolving the handshake inside Create is still running on
		// this loop. Submitting from here can wedge the loop against a full
		// task buffer, so apply the transition inline instead.
		if atomic.LoadInt32(&inCreate) == 1 {
			if handleErr := r.handleTransition(registryTransitionReq{
				id: id, epoch: epoch, status: status, err: err,
			}); handleErr != nil {
				log.WithError(handleErr).WithFields(r.LogTags).Errorf(
					"Failed to apply transition of %s", id,
				)
			}
			return
		}
		// Re-enter the event loop; callbacks carrying a stale epoch are dropped there
		if submitErr := r.tp.Submit(registryTransitionReq{
			id: id, epoch: epoch, status: status, err: err,
		}, r.operationContext); submitErr != nil {
			log.WithError(submitErr).WithFields(r.LogTags).Errorf(
				"Failed to submit transition of %s", id,
			)
		}
	}

	channel, err := r.factory.Create(r.operationContext, id, entry.spec, statusCB, r.eventCB)
	atomic.StoreInt32(&inCreate, 0)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to open channel %s", id)
		if entry.status != StatusError {
			r.applyTransition(entry, StatusError)
		}
		return entry.record(), common.ChannelError{Channel: id, Err: err}
	}
	entry.channel = channel

	if entry.status == StatusConnected {
		// Handshake already resolved inside Create, nothing to watch for
		log.WithFields(r.LogTags).Infof("Opened channel %s epoch %d", id, epoch)
		return entry.record(), nil
	}

	// A handshake which never resolves is treated as an error
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("handshake/%s", id), r.operationContext, r.wg,
	)
	if err != nil {
		return entry.record(), err
	}
	entry.handshakeTimer = timer
	if err := timer.Start(r.handshakeTimeout, func() error {
		return r.tp.Submit(registryTransitionReq{
			id:     id,
			epoch:  epoch,
			status: StatusError,
			err:    common.TimeoutError{Channel: id, Stage: "handshake"},
		}, r.operationContext)
	}, true); err != nil {
		return entry.record(), err
	}

	log.WithFields(r.LogTags).Infof("Opened channel %s epoch %d", id, epoch)
	return entry.record(), nil
}

// ----------------------------------------------------------------------------------------

type registryDeferredOpenReq struct {
	id string
}

// processDeferredOpenRequest support task processor, deal with a deferred open firing
func (r *subscriptionRegistryImpl) processDeferredOpenRequest(param interface{}) error {
	request, ok := param.(registryDeferredOpenReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for deferred open request", reflect.TypeOf(param),
		)
	}
	entry, known := r.subscriptions[request.id]
	if !known {
		// Subscription was closed while the open was pending
		log.WithFields(r.LogTags).Debugf(
			"Discarding deferred open of removed subscription %s", request.id,
		)
		return nil
	}
	if !entry.openDeferred {
		return nil
	}
	if entry.status == StatusConnected {
		entry.openDeferred = false
		return nil
	}
	_, err := r.openChannel(entry)
	return err
}

// ----------------------------------------------------------------------------------------

type registryCloseReq struct {
	id       string
	resultCB func(error)
}

// Close stop a channel and remove it from the registry
func (r *subscriptionRegistryImpl) Close(ctxt context.Context, id string) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryCloseReq{id: id, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit close request for %s", id)
		return err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}

	return processError
}

// processCloseRequest support task processor, deal with close request
func (r *subscriptionRegistryImpl) processCloseRequest(param interface{}) error {
	request, ok := param.(registryCloseReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for close request", reflect.TypeOf(param),
		)
	}
	err := r.ProcessCloseRequest(request.id)
	request.resultCB(err)
	return err
}

// ProcessCloseRequest stop a channel and remove it from the registry
func (r *subscriptionRegistryImpl) ProcessCloseRequest(id string) error {
	entry, known := r.subscriptions[id]
	if !known {
		// Closing an already closed ID is a no-op
		log.WithFields(r.LogTags).Debugf("Close %s is no-op. Not registered", id)
		return nil
	}
	if entry.handshakeTimer != nil {
		_ = entry.handshakeTimer.Stop()
	}
	if entry.channel != nil {
		if err := entry.channel.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to close channel %s", id)
		}
		entry.channel = nil
	}
	// Late callbacks against the old channel self-identify as stale
	entry.epoch++
	// Status transition must be broadcast before the record is dropped
	r.applyTransition(entry, StatusDisconnected)
	delete(r.subscriptions, id)
	r.broadcastAggregate()
	log.WithFields(r.LogTags).Infof("Closed channel %s", id)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryCloseAllReq struct {
	resultCB func(error)
}

// CloseAll stop every channel
func (r *subscriptionRegistryImpl) CloseAll(ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	if err := r.tp.Submit(registryCloseAllReq{resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit close-all request")
		return err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}

	return processError
}

// processCloseAllRequest support task processor, deal with close-all request
func (r *subscriptionRegistryImpl) processCloseAllRequest(param interface{}) error {
	request, ok := param.(registryCloseAllReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for close-all request", reflect.TypeOf(param),
		)
	}
	var err error
	for id := range r.subscriptions {
		if closeErr := r.ProcessCloseRequest(id); closeErr != nil {
			err = closeErr
		}
	}
	request.resultCB(err)
	return err
}

// ----------------------------------------------------------------------------------------

type registryReconnectAllReq struct {
	resultCB func(int, error)
}

// ReconnectAll re-open every channel currently in error
func (r *subscriptionRegistryImpl) ReconnectAll(ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(_ int, err error) {
		processError = err
		complete <- true
	}

	if err := r.tp.Submit(registryReconnectAllReq{resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit reconnect-all request")
		return err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}

	return processError
}

// processReconnectAllRequest support task processor, deal with reconnect-all request
func (r *subscriptionRegistryImpl) processReconnectAllRequest(param interface{}) error {
	request, ok := param.(registryReconnectAllReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for reconnect-all request", reflect.TypeOf(param),
		)
	}
	reopened := 0
	var err error
	for _, entry := range r.subscriptions {
		if entry.status != StatusError {
			continue
		}
		if _, openErr := r.ProcessOpenRequest(entry.id, entry.spec); openErr != nil {
			err = openErr
		} else {
			reopened++
		}
	}
	log.WithFields(r.LogTags).Infof("Reconnect-all re-opened %d channels", reopened)
	request.resultCB(reopened, err)
	return err
}

// ----------------------------------------------------------------------------------------

type registryTransitionReq struct {
	id     string
	epoch  uint64
	status ChannelStatus
	err    error
}

// processTransitionRequest support task processor, deal with a channel lifecycle transition
func (r *subscriptionRegistryImpl) processTransitionRequest(param interface{}) error {
	request, ok := param.(registryTransitionReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for transition request", reflect.TypeOf(param),
		)
	}
	return r.handleTransition(request)
}

// handleTransition fold one channel lifecycle transition into the registry.
// Must run on the event loop.
func (r *subscriptionRegistryImpl) handleTransition(request registryTransitionReq) error {
	entry, known := r.subscriptions[request.id]
	if !known {
		log.WithFields(r.LogTags).Debugf(
			"Discarding transition for removed subscription %s", request.id,
		)
		return nil
	}
	if entry.epoch != request.epoch {
		// Late callback from a superseded channel generation
		log.WithFields(r.LogTags).Debugf(
			"Discarding stale transition for %s. Epoch %d != %d",
			request.id,
			request.epoch,
			entry.epoch,
		)
		return nil
	}
	if request.status == entry.status {
		entry.statusUpdateAt = time.Now()
		return nil
	}
	// The handshake timeout only applies while connecting
	if request.status == StatusError {
		if _, isTimeout := request.err.(common.TimeoutError); isTimeout &&
			entry.status != StatusConnecting {
			return nil
		}
	}
	if request.err != nil {
		log.WithError(request.err).WithFields(r.LogTags).Errorf(
			"Channel %s transitioning to %s", request.id, request.status,
		)
	}
	if request.status == StatusConnected {
		entry.establishedAt = time.Now()
		if entry.handshakeTimer != nil {
			_ = entry.handshakeTimer.Stop()
			entry.handshakeTimer = nil
		}
	}
	r.applyTransition(entry, request.status)
	return nil
}

// applyTransition change an entry's status and broadcast the new aggregate
func (r *subscriptionRegistryImpl) applyTransition(
	entry *subscriptionEntry, newStatus ChannelStatus,
) {
	log.WithFields(r.LogTags).Infof(
		"Channel %s: %s -> %s", entry.id, entry.status, newStatus,
	)
	entry.status = newStatus
	entry.statusUpdateAt = time.Now()
	entry.transitions++
	r.broadcastAggregate()
}

// computeAggregate derive the aggregate status from the subscription state multiset
func (r *subscriptionRegistryImpl) computeAggregate() ChannelStatus {
	records := make([]SubscriptionRecord, 0, len(r.subscriptions))
	for _, entry := range r.subscriptions {
		records = append(records, entry.record())
	}
	return AggregateOf(records)
}

// broadcastAggregate push the aggregate status to all listeners.
//
// A failing listener must not abort delivery to the remaining listeners.
func (r *subscriptionRegistryImpl) broadcastAggregate() {
	aggregate := r.computeAggregate()
	for listenerID, listener := range r.listeners {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					listenerErr := common.ListenerError{
						Listener:  fmt.Sprintf("aggregate-status/%d", listenerID),
						Recovered: recovered,
					}
					log.WithError(listenerErr).WithFields(r.LogTags).Error(
						"Status listener callback failed",
					)
				}
			}()
			listener(aggregate)
		}()
	}
}

// ----------------------------------------------------------------------------------------

type registryQueryReq struct {
	resultCB func(ChannelStatus, []SubscriptionRecord)
}

// AggregateStatus fetch the current aggregate status
func (r *subscriptionRegistryImpl) AggregateStatus(ctxt context.Context) (ChannelStatus, error) {
	status, _, err := r.query(ctxt)
	return status, err
}

// ListSubscriptions fetch a snapshot of all subscriptions
func (r *subscriptionRegistryImpl) ListSubscriptions(
	ctxt context.Context,
) ([]SubscriptionRecord, error) {
	_, records, err := r.query(ctxt)
	return records, err
}

// query fetch the aggregate status and subscription snapshot in one loop pass
func (r *subscriptionRegistryImpl) query(
	ctxt context.Context,
) (ChannelStatus, []SubscriptionRecord, error) {
	complete := make(chan bool, 1)
	var aggregate ChannelStatus
	var records []SubscriptionRecord
	handler := func(status ChannelStatus, subs []SubscriptionRecord) {
		aggregate = status
		records = subs
		complete <- true
	}

	if err := r.tp.Submit(registryQueryReq{resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit query request")
		return StatusDisconnected, nil, err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return StatusDisconnected, nil, ctxt.Err()
	}

	return aggregate, records, nil
}

// processQueryRequest support task processor, deal with status query request
func (r *subscriptionRegistryImpl) processQueryRequest(param interface{}) error {
	request, ok := param.(registryQueryReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for query request", reflect.TypeOf(param),
		)
	}
	records := make([]SubscriptionRecord, 0, len(r.subscriptions))
	for _, entry := range r.subscriptions {
		records = append(records, entry.record())
	}
	request.resultCB(r.computeAggregate(), records)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryAddListenerReq struct {
	listener AggregateStatusListener
	resultCB func(uint64)
}

type registryDelListenerReq struct {
	listenerID uint64
}

// OnStatusChange register a listener for aggregate status broadcasts
func (r *subscriptionRegistryImpl) OnStatusChange(
	ctxt context.Context, listener AggregateStatusListener,
) (func(), error) {
	complete := make(chan bool, 1)
	var listenerID uint64
	handler := func(id uint64) {
		listenerID = id
		complete <- true
	}

	if err := r.tp.Submit(
		registryAddListenerReq{listener: listener, resultCB: handler}, ctxt,
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit add-listener request")
		return nil, err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}

	unsubscribe := func() {
		if err := r.tp.Submit(
			registryDelListenerReq{listenerID: listenerID}, r.operationContext,
		); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to submit del-listener request for %d", listenerID,
			)
		}
	}
	return unsubscribe, nil
}

// processAddListenerRequest support task processor, deal with add-listener request
func (r *subscriptionRegistryImpl) processAddListenerRequest(param interface{}) error {
	request, ok := param.(registryAddListenerReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for add-listener request", reflect.TypeOf(param),
		)
	}
	r.nextListenerID++
	r.listeners[r.nextListenerID] = request.listener
	request.resultCB(r.nextListenerID)
	return nil
}

// processDelListenerRequest support task processor, deal with del-listener request
func (r *subscriptionRegistryImpl) processDelListenerRequest(param interface{}) error {
	request, ok := param.(registryDelListenerReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for del-listener request", reflect.TypeOf(param),
		)
	}
	delete(r.listeners, request.listenerID)
	return nil
}
