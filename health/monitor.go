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

package health

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/roomsync/roomsync/alerts"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/registry"
)

// Snapshot point-in-time health of the change event channels
type Snapshot struct {
	// Aggregate is the combined status of all channels
	Aggregate registry.ChannelStatus `json:"aggregate"`
	// Connected number of live channels
	Connected int `json:"connected"`
	// Connecting number of channels still in handshake
	Connecting int `json:"connecting"`
	// Errored number of failed channels
	Errored int `json:"errored"`
	// Disconnected number of closed channels
	Disconnected int `json:"disconnected"`
	// AverageUptime mean uptime across connected channels
	AverageUptime time.Duration `json:"average_uptime"`
	// SampledAt when this snapshot was taken
	SampledAt time.Time `json:"sampled_at"`
	// RetryBudgetRemaining automatic reconnect attempts left
	RetryBudgetRemaining int `json:"retry_budget_remaining"`
	// RetryBudgetExhausted automatic reconnection has given up
	RetryBudgetExhausted bool `json:"retry_budget_exhausted"`
	// AutoReconnects automatic reconnect attempts made since the last recovery
	AutoReconnects int `json:"auto_reconnects"`
}

// Healthy whether the channels are all live
func (s Snapshot) Healthy() bool {
	return s.Aggregate == registry.StatusConnected
}

// Monitor samples channel health and drives automatic reconnection.
//
// While the aggregate status is error, the monitor retries reconnection with a
// backoff between attempts, up to a retry budget. Once the budget is exhausted
// no further automatic attempts are made until an operator calls Reconnect,
// which also resets the budget. A recovery to connected resets the budget.
type Monitor interface {
	// Start begin periodic sampling
	Start() error
	// GetHealth fetch the latest health snapshot
	GetHealth(ctxt context.Context) (Snapshot, error)
	// Reconnect operator triggered reconnection. Resets the retry budget.
	Reconnect(ctxt context.Context) (Snapshot, error)
}

// monitorImpl implements Monitor
type monitorImpl struct {
	common.Component
	tp                 common.TaskProcessor
	registry           registry.SubscriptionRegistry
	router             alerts.Router
	operationContext   context.Context
	wg                 *sync.WaitGroup
	sampleInterval     time.Duration
	retryBudget        int
	backoffInterval    time.Duration
	exponentialBackoff bool
	timeNow            func() time.Time
	// loop state
	budgetUsed     int
	exhausted      bool
	autoReconnects int
	retryPending   bool
	lastSnapshot   Snapshot
	lastAggregate  registry.ChannelStatus
}

// DefineHealthMonitor create new health monitor watching a subscription registry.
//
// Degradation and budget exhaustion raise admin alerts through router. timeNow
// can be swapped out for testing; pass nil for the wall clock.
func DefineHealthMonitor(
	tp common.TaskProcessor,
	subscriptions registry.SubscriptionRegistry,
	router alerts.Router,
	sampleInterval time.Duration,
	retryBudget int,
	backoffInterval time.Duration,
	exponentialBackoff bool,
	timeNow func() time.Time,
	wg *sync.WaitGroup,
	ctxt context.Context,
) (Monitor, error) {
	logTags := log.Fields{
		"module": "health", "component": "health-monitor",
	}
	if timeNow == nil {
		timeNow = time.Now
	}
	instance := monitorImpl{
		Component:          common.Component{LogTags: logTags},
		tp:                 tp,
		registry:           subscriptions,
		router:             router,
		operationContext:   ctxt,
		wg:                 wg,
		sampleInterval:     sampleInterval,
		retryBudget:        retryBudget,
		backoffInterval:    backoffInterval,
		exponentialBackoff: exponentialBackoff,
		timeNow:            timeNow,
		lastAggregate:      registry.StatusDisconnected,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(healthSampleReq{}), instance.processSampleRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(healthRetryReq{}), instance.processRetryRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(healthQueryReq{}), instance.processQueryRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(healthManualReconnectReq{}), instance.processManualReconnectRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// Start begin periodic sampling
func (m *monitorImpl) Start() error {
	timer, err := common.GetIntervalTimerInstance(
		"health-sampler", m.operationContext, m.wg,
	)
	if err != nil {
		return err
	}
	return timer.Start(m.sampleInterval, func() error {
		return m.tp.Submit(healthSampleReq{}, m.operationContext)
	}, false)
}

// ----------------------------------------------------------------------------------------

type healthSampleReq struct{}

// processSampleRequest support task processor, take one health sample
func (m *monitorImpl) processSampleRequest(param interface{}) error {
	if _, ok := param.(healthSampleReq); !ok {
		return fmt.Errorf(
			"can not process unknown type %s for sample request", reflect.TypeOf(param),
		)
	}
	return m.sample()
}

// sample read the registry and fold the result into the monitor state
func (m *monitorImpl) sample() error {
	records, err := m.registry.ListSubscriptions(m.operationContext)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to sample subscriptions")
		return err
	}
	now := m.timeNow()
	snapshot := Snapshot{
		Aggregate: registry.AggregateOf(records),
		SampledAt: now,
	}
	var uptimeTotal time.Duration
	for _, record := range records {
		switch record.Status {
		case registry.StatusConnected:
			snapshot.Connected++
			uptimeTotal += now.Sub(record.EstablishedAt)
		case registry.StatusConnecting:
			snapshot.Connecting++
		case registry.StatusError:
			snapshot.Errored++
		case registry.StatusDisconnected:
			snapshot.Disconnected++
		}
	}
	if snapshot.Connected > 0 {
		snapshot.AverageUptime = uptimeTotal / time.Duration(snapshot.Connected)
	}

	// Recovery resets the retry budget
	if snapshot.Aggregate == registry.StatusConnected {
		if m.budgetUsed > 0 || m.exhausted {
			log.WithFields(m.LogTags).Info("Channels recovered. Retry budget reset")
		}
		m.budgetUsed = 0
		m.exhausted = false
		m.autoReconnects = 0
	}

	if snapshot.Aggregate == registry.StatusError {
		if m.lastAggregate != registry.StatusError {
			m.raiseAlert("change event channels degraded")
		}
		m.scheduleRetry()
	}

	m.lastAggregate = snapshot.Aggregate
	snapshot.RetryBudgetRemaining = m.retryBudget - m.budgetUsed
	snapshot.RetryBudgetExhausted = m.exhausted
	snapshot.AutoReconnects = m.autoReconnects
	m.lastSnapshot = snapshot
	log.WithFields(m.LogTags).Debugf(
		"Sampled health. Aggregate %s, %d connected, %d errored",
		snapshot.Aggregate,
		snapshot.Connected,
		snapshot.Errored,
	)
	return nil
}

// scheduleRetry arrange the next automatic reconnect attempt, budget permitting
func (m *monitorImpl) scheduleRetry() {
	if m.retryPending || m.exhausted {
		return
	}
	if m.budgetUsed >= m.retryBudget {
		m.exhausted = true
		log.WithFields(m.LogTags).Errorf(
			"Retry budget of %d exhausted. Waiting for operator reconnect", m.retryBudget,
		)
		m.raiseAlert(fmt.Sprintf(
			"automatic reconnection gave up after %d attempts", m.retryBudget,
		))
		return
	}
	backoff := m.backoffInterval
	if m.exponentialBackoff {
		backoff = m.backoffInterval * (1 << m.budgetUsed)
	}
	m.retryPending = true
	m.budgetUsed++
	timer, err := common.GetIntervalTimerInstance(
		"reconnect-backoff", m.operationContext, m.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to arm reconnect backoff")
		m.retryPending = false
		return
	}
	if err := timer.Start(backoff, func() error {
		return m.tp.Submit(healthRetryReq{}, m.operationContext)
	}, true); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to arm reconnect backoff")
		m.retryPending = false
		return
	}
	log.WithFields(m.LogTags).Infof(
		"Reconnect attempt %d of %d in %s", m.budgetUsed, m.retryBudget, backoff,
	)
}

// raiseAlert route one system error alert, if a router is attached
func (m *monitorImpl) raiseAlert(message string) {
	if m.router == nil {
		return
	}
	if err := m.router.Route(
		m.operationContext, alerts.AlertSystemError, "", message,
	); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to route system alert")
	}
}

// ----------------------------------------------------------------------------------------

type healthRetryReq struct{}

// processRetryRequest support task processor, run one automatic reconnect attempt
func (m *monitorImpl) processRetryRequest(param interface{}) error {
	if _, ok := param.(healthRetryReq); !ok {
		return fmt.Errorf(
			"can not process unknown type %s for retry request", reflect.TypeOf(param),
		)
	}
	m.retryPending = false
	m.autoReconnects++
	log.WithFields(m.LogTags).Infof("Automatic reconnect attempt %d", m.autoReconnects)
	if err := m.registry.ReconnectAll(m.operationContext); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Automatic reconnect failed")
	}
	// Resample so a still failing channel schedules the next attempt
	return m.sample()
}

// ----------------------------------------------------------------------------------------

type healthQueryReq struct {
	resultCB func(Snapshot)
}

// GetHealth fetch the latest health snapshot
func (m *monitorImpl) GetHealth(ctxt context.Context) (Snapshot, error) {
	complete := make(chan bool, 1)
	var snapshot Snapshot
	handler := func(result Snapshot) {
		snapshot = result
		complete <- true
	}

	if err := m.tp.Submit(healthQueryReq{resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to submit health query")
		return Snapshot{}, err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return Snapshot{}, ctxt.Err()
	}

	return snapshot, nil
}

// processQueryRequest support task processor, deal with health query
func (m *monitorImpl) processQueryRequest(param interface{}) error {
	request, ok := param.(healthQueryReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for health query", reflect.TypeOf(param),
		)
	}
	// Serve a fresh sample so queries never see a stale snapshot
	if err := m.sample(); err != nil {
		request.resultCB(m.lastSnapshot)
		return err
	}
	request.resultCB(m.lastSnapshot)
	return nil
}

// ----------------------------------------------------------------------------------------

type healthManualReconnectReq struct {
	resultCB func(Snapshot, error)
}

// Reconnect operator triggered reconnection
func (m *monitorImpl) Reconnect(ctxt context.Context) (Snapshot, error) {
	complete := make(chan bool, 1)
	var snapshot Snapshot
	var processError error
	handler := func(result Snapshot, err error) {
		snapshot = result
		processError = err
		complete <- true
	}

	if err := m.tp.Submit(healthManualReconnectReq{resultCB: handler}, ctxt); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to submit reconnect request")
		return Snapshot{}, err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return Snapshot{}, ctxt.Err()
	}

	return snapshot, processError
}

// processManualReconnectRequest support task processor, deal with operator reconnect
func (m *monitorImpl) processManualReconnectRequest(param interface{}) error {
	request, ok := param.(healthManualReconnectReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for reconnect request", reflect.TypeOf(param),
		)
	}
	log.WithFields(m.LogTags).Info("Operator reconnect. Retry budget reset")
	m.budgetUsed = 0
	m.exhausted = false
	m.autoReconnects = 0
	if err := m.registry.ReconnectAll(m.operationContext); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Operator reconnect failed")
		request.resultCB(m.lastSnapshot, err)
		return err
	}
	err := m.sample()
	request.resultCB(m.lastSnapshot, err)
	return err
}
